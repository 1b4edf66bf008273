// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package s3 stores the configuration document as a single object in an S3 bucket.
//
// Writes are read-modify-write cycles guarded by conditional puts: the new document is
// only accepted if the object still carries the ETag it was read with. A lost race is
// retried against the fresh object, so concurrent writers never interleave.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configsource/document"
)

const name = "s3"

// API is the subset of the S3 client the source needs.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ClientConfig describes how to reach the bucket. Static keys replace the default
// credential chain; RoleARN is then assumed on top of whichever credentials are in use.
type ClientConfig struct {
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	RoleARN         string
}

const roleSessionName = "txconfig"

// NewClient builds an S3 client instrumented with OpenTelemetry.
func NewClient(ctx context.Context, cc ClientConfig) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cc.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cc.Region))
	}
	if cc.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cc.AccessKeyID, cc.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	if cc.RoleARN != "" {
		p := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), cc.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = roleSessionName
		})
		cfg.Credentials = aws.NewCredentialsCache(p)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if cc.Endpoint != "" {
			o.BaseEndpoint = aws.String(cc.Endpoint)
		}
		o.UsePathStyle = cc.UsePathStyle
	}), nil
}

type Source struct {
	api         API
	bucket      string
	key         string
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	last   *document.Document
	closed bool
}

var (
	_ configsource.Source      = (*Source)(nil)
	_ configsource.Deleter     = (*Source)(nil)
	_ configsource.Synchronous = (*Source)(nil)
)

type Option func(*Source)

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// WithMaxAttempts bounds the conditional-put cycles of one write.
func WithMaxAttempts(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func New(api API, bucket, key string, opts ...Option) *Source {
	s := &Source{
		api:         api,
		bucket:      bucket,
		key:         key,
		maxAttempts: 32,
		logger:      slog.Default(),
		now:         time.Now,
		last:        document.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (*Source) Name() string { return name }

// Synchronous is false: callers should drop cached entries after a write rather than
// trusting the written value.
func (*Source) Synchronous() bool { return false }

func (s *Source) Read(ctx context.Context, key string) (configsource.Entry, error) {
	doc, _, err := s.load(ctx, "read")
	if err != nil {
		return configsource.Entry{}, err
	}
	e, ok := doc.Get(key)
	if !ok {
		return configsource.Entry{}, configsource.NotFound(key)
	}
	return e, nil
}

func (s *Source) List(ctx context.Context) ([]configsource.Entry, error) {
	doc, _, err := s.load(ctx, "list")
	if err != nil {
		return nil, err
	}
	return doc.Sorted(), nil
}

func (s *Source) Write(ctx context.Context, key, value string) (configsource.WriteResult, error) {
	var res configsource.WriteResult
	err := s.update(ctx, "write", func(doc *document.Document) error {
		res = doc.Put(key, value, s.now())
		return nil
	})
	if err != nil {
		return configsource.WriteResult{}, err
	}
	return res, nil
}

func (s *Source) Delete(ctx context.Context, key string) (configsource.DeleteResult, error) {
	var res configsource.DeleteResult
	err := s.update(ctx, "delete", func(doc *document.Document) error {
		var ok bool
		if res, ok = doc.Delete(key); !ok {
			return configsource.NotFound(key)
		}
		return nil
	})
	if err != nil {
		return configsource.DeleteResult{}, err
	}
	return res, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// update applies mutate to the current document and stores the result if nobody else
// replaced the object in the meantime.
func (s *Source) update(ctx context.Context, op string, mutate func(*document.Document) error) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		doc, etag, err := s.load(ctx, op)
		if err != nil {
			return err
		}
		doc.Revision = max(doc.Revision, s.lastRevision())
		if err := mutate(doc); err != nil {
			return err
		}
		data, err := doc.Encode()
		if err != nil {
			return configsource.BackendError(name, op, err)
		}

		in := &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/yaml"),
		}
		if etag == "" {
			in.IfNoneMatch = aws.String("*")
		} else {
			in.IfMatch = aws.String(etag)
		}
		_, err = s.api.PutObject(ctx, in)
		if err == nil {
			s.remember(doc)
			return nil
		}
		if !isConflict(err) {
			return configsource.BackendError(name, op, err)
		}
		s.logger.Debug("Configuration object changed during write, retrying",
			slog.String("bucket", s.bucket), slog.String("key", s.key), slog.Int("attempt", attempt))
	}
	return configsource.BackendError(name, op, fmt.Errorf("object %s/%s kept changing after %d attempts", s.bucket, s.key, s.maxAttempts))
}

// load fetches the document and its ETag. A missing object is an empty document with no ETag.
func (s *Source) load(ctx context.Context, op string) (*document.Document, string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, "", configsource.ErrClosed
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if isNotFound(err) {
		doc := document.New()
		s.reconcile(doc)
		return doc, "", nil
	}
	if err != nil {
		return nil, "", configsource.BackendError(name, op, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", configsource.BackendError(name, op, err)
	}
	doc, err := document.Decode(data)
	if err != nil {
		return nil, "", configsource.BackendError(name, op, err)
	}
	s.reconcile(doc)
	return doc, aws.ToString(out.ETag), nil
}

// reconcile renumbers entries changed outside this source so versions keep increasing.
// A document older than the last one seen is a read that raced a write and is left alone.
func (s *Source) reconcile(doc *document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Revision < s.last.Revision {
		return
	}
	document.Reconcile(s.last, doc, s.now())
	s.last = doc.Clone()
}

func (s *Source) lastRevision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Revision
}

func (s *Source) remember(doc *document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Revision >= s.last.Revision {
		s.last = doc.Clone()
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}

func isConflict(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

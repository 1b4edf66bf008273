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

package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configsource/sourcetest"
)

// fakeBucket holds one object per key and honours If-Match / If-None-Match.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	etags   map[string]string
	seq     int
	puts    int
	// conflicts forces the next N puts to fail with PreconditionFailed.
	conflicts int
	getErr    error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}, etags: map[string]string{}}
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(bytes.Clone(data))),
		ETag: aws.String(f.etags[aws.ToString(in.Key)]),
	}, nil
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	current, exists := f.etags[key]

	if f.conflicts > 0 {
		f.conflicts--
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}
	if in.IfNoneMatch != nil && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}
	if in.IfMatch != nil && aws.ToString(in.IfMatch) != current {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.seq++
	f.puts++
	f.objects[key] = data
	f.etags[key] = fmt.Sprintf("\"etag-%d\"", f.seq)
	return &s3.PutObjectOutput{ETag: aws.String(f.etags[key])}, nil
}

func TestConformance(t *testing.T) {
	sourcetest.Run(t, func(t *testing.T) configsource.Source {
		return New(newFakeBucket(), "config", "txconfig.yaml")
	})
}

func TestAsynchronous(t *testing.T) {
	src := New(newFakeBucket(), "config", "txconfig.yaml")
	assert.False(t, configsource.IsSynchronous(src))
}

func TestRetriesLostRace(t *testing.T) {
	bucket := newFakeBucket()
	bucket.conflicts = 3
	src := New(bucket, "config", "txconfig.yaml")

	res, err := src.Write(context.Background(), "store.mode", "db")
	require.NoError(t, err)
	assert.Equal(t, "db", res.Entry.Value)
	assert.Equal(t, 1, bucket.puts)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	bucket := newFakeBucket()
	bucket.conflicts = 100
	src := New(bucket, "config", "txconfig.yaml", WithMaxAttempts(2))

	_, err := src.Write(context.Background(), "store.mode", "db")
	assert.ErrorIs(t, err, configsource.ErrBackend)
	assert.Zero(t, bucket.puts)
}

func TestHandUploadedObject(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["txconfig.yaml"] = []byte("service.vgroupMapping.default: default\n")
	bucket.etags["txconfig.yaml"] = "\"hand\""
	src := New(bucket, "config", "txconfig.yaml")
	ctx := context.Background()

	got, err := src.Read(ctx, "service.vgroupMapping.default")
	require.NoError(t, err)
	assert.Equal(t, "default", got.Value)

	res, err := src.Write(ctx, "service.vgroupMapping.default", "other")
	require.NoError(t, err)
	require.NotNil(t, res.Previous)
	assert.Equal(t, "default", res.Previous.Value)
	assert.Greater(t, res.Entry.Version, got.Version)
}

func TestBackendErrors(t *testing.T) {
	bucket := newFakeBucket()
	bucket.getErr = &smithy.GenericAPIError{Code: "AccessDenied"}
	src := New(bucket, "config", "txconfig.yaml")

	_, err := src.Read(context.Background(), "a")
	assert.ErrorIs(t, err, configsource.ErrBackend)
	assert.NotErrorIs(t, err, configsource.ErrNotFound)

	bucket.getErr = context.DeadlineExceeded
	_, err = src.Read(context.Background(), "a")
	assert.ErrorIs(t, err, configsource.ErrBackendTimeout)
}

func TestClosed(t *testing.T) {
	src := New(newFakeBucket(), "config", "txconfig.yaml")
	require.NoError(t, src.Close())
	_, err := src.Read(context.Background(), "a")
	assert.ErrorIs(t, err, configsource.ErrClosed)
}

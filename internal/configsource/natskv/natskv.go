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

// Package natskv keeps configuration entries in a NATS JetStream KeyValue bucket. Versions are
// stream sequence numbers, so they increase across the whole bucket.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

const name = "nats"

// Config describes the server and bucket.
type Config struct {
	URL            string        `mapstructure:"url"`
	Bucket         string        `mapstructure:"bucket"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// RequestTimeout bounds each JetStream API call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MaxAttempts bounds the optimistic-concurrency retries of one write.
	MaxAttempts int `mapstructure:"max_attempts"`
}

func (c *Config) sanitize() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Bucket == "" {
		c.Bucket = "txconfig"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 16
	}
}

type Source struct {
	conn   *nats.Conn
	kv     nats.KeyValue
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	cancel []context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ configsource.Source  = (*Source)(nil)
	_ configsource.Deleter = (*Source)(nil)
	_ configsource.Watcher = (*Source)(nil)
)

// New connects and opens the bucket, creating it when no other process has yet.
func New(cfg Config, logger *slog.Logger) (*Source, error) {
	cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL, nats.Timeout(cfg.ConnectTimeout), nats.Name("txconfig"))
	if err != nil {
		return nil, configsource.BackendError(name, "connect", err)
	}

	js, err := conn.JetStream(nats.MaxWait(cfg.RequestTimeout))
	if err != nil {
		conn.Close()
		return nil, configsource.BackendError(name, "connect", fmt.Errorf("jetstream: %w", err))
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "txconfig configuration entries",
		})
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			kv, err = js.KeyValue(cfg.Bucket)
		}
		if err != nil {
			conn.Close()
			return nil, configsource.BackendError(name, "connect", fmt.Errorf("create bucket %s: %w", cfg.Bucket, err))
		}
	}

	return &Source{conn: conn, kv: kv, cfg: cfg, logger: logger}, nil
}

func (*Source) Name() string { return name }

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func classify(key, op string, err error) error {
	switch {
	case errors.Is(err, nats.ErrKeyNotFound), errors.Is(err, nats.ErrKeyDeleted):
		return configsource.NotFound(key)
	case errors.Is(err, nats.ErrInvalidKey):
		return fmt.Errorf("%w: key %q is not a valid NATS key", configsource.ErrInvalidArgument, key)
	case errors.Is(err, nats.ErrTimeout):
		return errors.Join(configsource.ErrBackendTimeout, fmt.Errorf("%s %s: %w", name, op, err))
	}
	return configsource.BackendError(name, op, err)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func toEntry(e nats.KeyValueEntry) configsource.Entry {
	return configsource.Entry{
		Key:       e.Key(),
		Value:     string(e.Value()),
		Version:   int64(e.Revision()),
		UpdatedAt: e.Created(),
	}
}

func (s *Source) Read(_ context.Context, key string) (configsource.Entry, error) {
	if s.isClosed() {
		return configsource.Entry{}, configsource.ErrClosed
	}
	e, err := s.kv.Get(key)
	if err != nil {
		return configsource.Entry{}, classify(key, "read", err)
	}
	return toEntry(e), nil
}

// Write creates the key or updates it against the revision just read, retrying when
// another writer got in between.
func (s *Source) Write(ctx context.Context, key, value string) (configsource.WriteResult, error) {
	if s.isClosed() {
		return configsource.WriteResult{}, configsource.ErrClosed
	}
	for range s.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return configsource.WriteResult{}, configsource.BackendError(name, "write", err)
		}
		current, err := s.kv.Get(key)
		missing := errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
		if err != nil && !missing {
			return configsource.WriteResult{}, classify(key, "write", err)
		}

		var rev uint64
		if missing {
			rev, err = s.kv.Create(key, []byte(value))
		} else {
			rev, err = s.kv.Update(key, []byte(value), current.Revision())
		}
		if isRevisionConflict(err) {
			s.logger.Debug("NATS KV revision conflict, retrying", slog.String("key", key))
			continue
		}
		if err != nil {
			return configsource.WriteResult{}, classify(key, "write", err)
		}

		res := configsource.WriteResult{
			Entry: configsource.Entry{Key: key, Value: value, Version: int64(rev), UpdatedAt: time.Now()},
		}
		if !missing {
			prev := toEntry(current)
			res.Previous = &prev
		}
		return res, nil
	}
	return configsource.WriteResult{}, configsource.BackendError(name, "write",
		fmt.Errorf("key %q still contended after %d attempts", key, s.cfg.MaxAttempts))
}

// Delete places a delete marker conditioned on the revision just read. The bucket API does
// not return the marker's revision, so it is looked up in the key history.
func (s *Source) Delete(ctx context.Context, key string) (configsource.DeleteResult, error) {
	if s.isClosed() {
		return configsource.DeleteResult{}, configsource.ErrClosed
	}
	for range s.cfg.MaxAttempts {
		current, err := s.kv.Get(key)
		if err != nil {
			return configsource.DeleteResult{}, classify(key, "delete", err)
		}
		err = s.kv.Delete(key, nats.LastRevision(current.Revision()))
		if isRevisionConflict(err) {
			continue
		}
		if err != nil {
			return configsource.DeleteResult{}, classify(key, "delete", err)
		}
		return configsource.DeleteResult{
			Previous: toEntry(current),
			Version:  s.deleteRevision(ctx, key, current.Revision()),
		}, nil
	}
	return configsource.DeleteResult{}, configsource.BackendError(name, "delete",
		fmt.Errorf("key %q still contended after %d attempts", key, s.cfg.MaxAttempts))
}

// deleteRevision falls back to one past the deleted revision when the marker has already
// been superseded; that value is still above every revision the key had before.
func (s *Source) deleteRevision(ctx context.Context, key string, prev uint64) int64 {
	history, err := s.kv.History(key, nats.Context(ctx))
	if err == nil {
		for i := len(history) - 1; i >= 0; i-- {
			e := history[i]
			if e.Revision() > prev && e.Operation() != nats.KeyValuePut {
				return int64(e.Revision())
			}
		}
	}
	return int64(prev) + 1
}

func (s *Source) List(ctx context.Context) ([]configsource.Entry, error) {
	if s.isClosed() {
		return nil, configsource.ErrClosed
	}
	keys, err := s.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return []configsource.Entry{}, nil
	}
	if err != nil {
		return nil, configsource.BackendError(name, "list", err)
	}

	out := make([]configsource.Entry, 0, len(keys))
	for _, key := range keys {
		e, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
			continue
		}
		if err != nil {
			return nil, classify(key, "list", err)
		}
		out = append(out, toEntry(e))
	}
	configsource.SortEntries(out)
	return out, nil
}

// Watch follows every key of the bucket from now on.
func (s *Source) Watch(ctx context.Context) (<-chan configsource.ChangeEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, configsource.ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = append(s.cancel, cancel)
	s.wg.Add(1)
	s.mu.Unlock()

	watcher, err := s.kv.WatchAll(nats.Context(ctx), nats.UpdatesOnly())
	if err != nil {
		cancel()
		s.wg.Done()
		return nil, configsource.BackendError(name, "watch", err)
	}

	out := make(chan configsource.ChangeEvent, 64)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer func() { _ = watcher.Stop() }()
		for {
			var e nats.KeyValueEntry
			select {
			case <-ctx.Done():
				return
			case u, ok := <-watcher.Updates():
				if !ok {
					return
				}
				e = u
			}
			if e == nil {
				continue
			}
			select {
			case out <- toEvent(e):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func toEvent(e nats.KeyValueEntry) configsource.ChangeEvent {
	if e.Operation() != nats.KeyValuePut {
		return configsource.DeletedEvent(e.Key(), int64(e.Revision()), configsource.OriginRemote)
	}
	return configsource.WriteResult{Entry: toEntry(e)}.Event(configsource.OriginRemote)
}

func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
	s.conn.Close()
	return nil
}

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

// Package etcd keeps configuration entries as keys under a prefix in etcd. Versions are
// etcd revisions, which increase across the whole cluster.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

const name = "etcd"

// Config describes the cluster and the key prefix entries live under.
type Config struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

func (c *Config) sanitize() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = "/txconfig/"
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
}

type Source struct {
	client  *clientv3.Client
	kv      clientv3.KV
	watcher clientv3.Watcher
	owned   bool

	mu     sync.Mutex
	closed bool
}

var (
	_ configsource.Source  = (*Source)(nil)
	_ configsource.Deleter = (*Source)(nil)
	_ configsource.Watcher = (*Source)(nil)
	_ configsource.Pager   = (*Source)(nil)
)

// New connects to the cluster and verifies that the first endpoint answers.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: etcd endpoints are required", configsource.ErrInvalidArgument)
	}
	cfg.sanitize()

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Context:     ctx,
	})
	if err != nil {
		return nil, configsource.BackendError(name, "connect", err)
	}

	statusCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(statusCtx, cfg.Endpoints[0]); err != nil {
		if cerr := client.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close etcd client: %w", cerr))
		}
		return nil, configsource.BackendError(name, "connect", err)
	}

	s := NewWithClient(client, cfg.Prefix)
	s.owned = true
	return s, nil
}

// NewWithClient uses an existing client. The client is not closed by Close.
func NewWithClient(client *clientv3.Client, prefix string) *Source {
	cfg := Config{Prefix: prefix}
	cfg.sanitize()
	return &Source{
		client:  client,
		kv:      namespace.NewKV(client.KV, cfg.Prefix),
		watcher: namespace.NewWatcher(client.Watcher, cfg.Prefix),
	}
}

func (*Source) Name() string { return name }

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Source) Read(ctx context.Context, key string) (configsource.Entry, error) {
	if s.isClosed() {
		return configsource.Entry{}, configsource.ErrClosed
	}
	resp, err := s.kv.Get(ctx, key)
	if err != nil {
		return configsource.Entry{}, configsource.BackendError(name, "read", err)
	}
	if len(resp.Kvs) == 0 {
		return configsource.Entry{}, configsource.NotFound(key)
	}
	return toEntry(resp.Kvs[0].Key, resp.Kvs[0].Value, resp.Kvs[0].ModRevision), nil
}

func (s *Source) Write(ctx context.Context, key, value string) (configsource.WriteResult, error) {
	if s.isClosed() {
		return configsource.WriteResult{}, configsource.ErrClosed
	}
	resp, err := s.kv.Put(ctx, key, value, clientv3.WithPrevKV())
	if err != nil {
		return configsource.WriteResult{}, configsource.BackendError(name, "write", err)
	}
	res := configsource.WriteResult{
		Entry: configsource.Entry{Key: key, Value: value, Version: resp.Header.Revision, UpdatedAt: time.Now()},
	}
	if resp.PrevKv != nil {
		prev := toEntry(resp.PrevKv.Key, resp.PrevKv.Value, resp.PrevKv.ModRevision)
		res.Previous = &prev
	}
	return res, nil
}

func (s *Source) Delete(ctx context.Context, key string) (configsource.DeleteResult, error) {
	if s.isClosed() {
		return configsource.DeleteResult{}, configsource.ErrClosed
	}
	resp, err := s.kv.Delete(ctx, key, clientv3.WithPrevKV())
	if err != nil {
		return configsource.DeleteResult{}, configsource.BackendError(name, "delete", err)
	}
	if resp.Deleted == 0 || len(resp.PrevKvs) == 0 {
		return configsource.DeleteResult{}, configsource.NotFound(key)
	}
	prev := resp.PrevKvs[0]
	return configsource.DeleteResult{
		Previous: toEntry(prev.Key, prev.Value, prev.ModRevision),
		Version:  resp.Header.Revision,
	}, nil
}

func (s *Source) List(ctx context.Context) ([]configsource.Entry, error) {
	return s.list(ctx, "")
}

func (s *Source) list(ctx context.Context, prefix string) ([]configsource.Entry, error) {
	if s.isClosed() {
		return nil, configsource.ErrClosed
	}
	resp, err := s.kv.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, configsource.BackendError(name, "list", err)
	}
	out := make([]configsource.Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, toEntry(kv.Key, kv.Value, kv.ModRevision))
	}
	return out, nil
}

// ListPage filters by prefix on the server; etcd has no offsets, so the window is cut here.
func (s *Source) ListPage(ctx context.Context, q configsource.Query) ([]configsource.Entry, int, error) {
	matched, err := s.list(ctx, q.Prefix)
	if err != nil {
		return nil, 0, err
	}
	start, end := configsource.PageBounds(len(matched), q.Offset, q.Limit)
	return matched[start:end], len(matched), nil
}

// Watch streams puts and deletes under the prefix. It returns once the watch is
// registered with the server, so no later change is missed.
func (s *Source) Watch(ctx context.Context) (<-chan configsource.ChangeEvent, error) {
	if s.isClosed() {
		return nil, configsource.ErrClosed
	}
	watchChan := s.watcher.Watch(ctx, "", clientv3.WithPrefix(), clientv3.WithPrevKV(), clientv3.WithCreatedNotify())

	select {
	case resp, ok := <-watchChan:
		if !ok {
			return nil, configsource.BackendError(name, "watch", ctx.Err())
		}
		if err := resp.Err(); err != nil {
			return nil, configsource.BackendError(name, "watch", err)
		}
	case <-ctx.Done():
		return nil, configsource.BackendError(name, "watch", ctx.Err())
	}

	events := make(chan configsource.ChangeEvent, 64)
	go func() {
		defer close(events)
		for resp := range watchChan {
			if resp.Err() != nil {
				return
			}
			for _, ev := range resp.Events {
				select {
				case events <- toEvent(ev):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func toEntry(key, value []byte, rev int64) configsource.Entry {
	return configsource.Entry{Key: string(key), Value: string(value), Version: rev}
}

func toEvent(ev *clientv3.Event) configsource.ChangeEvent {
	key := string(ev.Kv.Key)
	if ev.Type == clientv3.EventTypeDelete {
		if ev.PrevKv != nil {
			return configsource.DeleteResult{
				Previous: toEntry(ev.PrevKv.Key, ev.PrevKv.Value, ev.PrevKv.ModRevision),
				Version:  ev.Kv.ModRevision,
			}.Event(configsource.OriginRemote)
		}
		return configsource.DeletedEvent(key, ev.Kv.ModRevision, configsource.OriginRemote)
	}
	res := configsource.WriteResult{Entry: toEntry(ev.Kv.Key, ev.Kv.Value, ev.Kv.ModRevision)}
	if ev.PrevKv != nil {
		prev := toEntry(ev.PrevKv.Key, ev.PrevKv.Value, ev.PrevKv.ModRevision)
		res.Previous = &prev
	}
	return res.Event(configsource.OriginRemote)
}

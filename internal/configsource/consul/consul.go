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

// Package consul keeps configuration entries in the Consul KV store under a prefix.
//
// Versions are Consul modify indexes, which come from the raft log and therefore increase
// across the whole datacenter. Writes are check-and-set transactions retried on conflict.
// Watch runs blocking queries over the prefix and diffs consecutive snapshots.
package consul

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/consul/api"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

const name = "consul"

// Config describes the agent to talk to and the prefix entries live under.
type Config struct {
	Address    string `mapstructure:"address"`
	Datacenter string `mapstructure:"datacenter"`
	Token      string `mapstructure:"token"`
	Prefix     string `mapstructure:"prefix"`
	// WaitTime bounds each blocking query of a watch.
	WaitTime time.Duration `mapstructure:"wait_time"`
	// MaxAttempts bounds the check-and-set retries of one write.
	MaxAttempts int `mapstructure:"max_attempts"`
}

func (c *Config) sanitize() {
	if c.Address == "" {
		c.Address = "127.0.0.1:8500"
	}
	c.Prefix = strings.TrimLeft(c.Prefix, "/")
	if c.Prefix == "" {
		c.Prefix = "txconfig/"
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 16
	}
}

type Source struct {
	client *api.Client
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

// New creates the client and checks that the agent answers.
func New(cfg Config, logger *slog.Logger) (*Source, error) {
	cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}

	consulConfig := api.DefaultConfig()
	consulConfig.Address = cfg.Address
	consulConfig.Datacenter = cfg.Datacenter
	consulConfig.Token = cfg.Token

	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, configsource.BackendError(name, "connect", fmt.Errorf("failed to create consul client: %w", err))
	}
	if _, err := client.Agent().Self(); err != nil {
		return nil, configsource.BackendError(name, "connect", fmt.Errorf("failed to connect to consul: %w", err))
	}
	return &Source{client: client, cfg: cfg, logger: logger}, nil
}

func (*Source) Name() string { return name }

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Source) fullKey(key string) string { return s.cfg.Prefix + key }

func (s *Source) queryOptions(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{Datacenter: s.cfg.Datacenter}).WithContext(ctx)
}

func (s *Source) toEntry(pair *api.KVPair) configsource.Entry {
	return configsource.Entry{
		Key:     strings.TrimPrefix(pair.Key, s.cfg.Prefix),
		Value:   string(pair.Value),
		Version: int64(pair.ModifyIndex),
	}
}

func (s *Source) Read(ctx context.Context, key string) (configsource.Entry, error) {
	if s.isClosed() {
		return configsource.Entry{}, configsource.ErrClosed
	}
	pair, _, err := s.client.KV().Get(s.fullKey(key), s.queryOptions(ctx))
	if err != nil {
		return configsource.Entry{}, configsource.BackendError(name, "read", err)
	}
	if pair == nil {
		return configsource.Entry{}, configsource.NotFound(key)
	}
	return s.toEntry(pair), nil
}

// Write replaces the value with a check-and-set on the modify index last read, so a racing
// writer forces a re-read instead of being overwritten unseen.
func (s *Source) Write(ctx context.Context, key, value string) (configsource.WriteResult, error) {
	if s.isClosed() {
		return configsource.WriteResult{}, configsource.ErrClosed
	}
	full := s.fullKey(key)
	for range s.cfg.MaxAttempts {
		current, _, err := s.client.KV().Get(full, s.queryOptions(ctx))
		if err != nil {
			return configsource.WriteResult{}, configsource.BackendError(name, "write", err)
		}
		var index uint64
		if current != nil {
			index = current.ModifyIndex
		}

		ops := api.TxnOps{{KV: &api.KVTxnOp{Verb: api.KVCAS, Key: full, Value: []byte(value), Index: index}}}
		ok, resp, _, err := s.client.Txn().Txn(ops, s.queryOptions(ctx))
		if err != nil {
			return configsource.WriteResult{}, configsource.BackendError(name, "write", err)
		}
		if !ok || resp == nil || len(resp.Results) == 0 || resp.Results[0].KV == nil {
			s.logger.Debug("Consul check-and-set lost a race, retrying", slog.String("key", key))
			continue
		}

		res := configsource.WriteResult{Entry: s.toEntry(resp.Results[0].KV)}
		res.Entry.Value = value
		res.Entry.UpdatedAt = time.Now()
		if current != nil {
			prev := s.toEntry(current)
			res.Previous = &prev
		}
		return res, nil
	}
	return configsource.WriteResult{}, configsource.BackendError(name, "write",
		fmt.Errorf("key %q still contended after %d attempts", key, s.cfg.MaxAttempts))
}

// Delete removes the key with a check-and-set on the modify index last read. Consul does not
// report an index for the delete itself, so the version is the prefix index read right after,
// which covers the tombstone.
func (s *Source) Delete(ctx context.Context, key string) (configsource.DeleteResult, error) {
	if s.isClosed() {
		return configsource.DeleteResult{}, configsource.ErrClosed
	}
	full := s.fullKey(key)
	for range s.cfg.MaxAttempts {
		current, _, err := s.client.KV().Get(full, s.queryOptions(ctx))
		if err != nil {
			return configsource.DeleteResult{}, configsource.BackendError(name, "delete", err)
		}
		if current == nil {
			return configsource.DeleteResult{}, configsource.NotFound(key)
		}

		ok, _, err := s.client.KV().DeleteCAS(current, writeOptions(ctx, s.cfg.Datacenter))
		if err != nil {
			return configsource.DeleteResult{}, configsource.BackendError(name, "delete", err)
		}
		if !ok {
			continue
		}

		_, meta, err := s.client.KV().Keys(s.cfg.Prefix, "", s.queryOptions(ctx))
		if err != nil {
			return configsource.DeleteResult{}, configsource.BackendError(name, "delete", err)
		}
		version := int64(meta.LastIndex)
		if version <= int64(current.ModifyIndex) {
			version = int64(current.ModifyIndex) + 1
		}
		return configsource.DeleteResult{Previous: s.toEntry(current), Version: version}, nil
	}
	return configsource.DeleteResult{}, configsource.BackendError(name, "delete",
		fmt.Errorf("key %q still contended after %d attempts", key, s.cfg.MaxAttempts))
}

func writeOptions(ctx context.Context, datacenter string) *api.WriteOptions {
	return (&api.WriteOptions{Datacenter: datacenter}).WithContext(ctx)
}

func (s *Source) List(ctx context.Context) ([]configsource.Entry, error) {
	if s.isClosed() {
		return nil, configsource.ErrClosed
	}
	pairs, _, err := s.client.KV().List(s.cfg.Prefix, s.queryOptions(ctx))
	if err != nil {
		return nil, configsource.BackendError(name, "list", err)
	}
	return s.entries(pairs), nil
}

func (s *Source) entries(pairs api.KVPairs) []configsource.Entry {
	out := make([]configsource.Entry, 0, len(pairs))
	for _, p := range pairs {
		if p.Key == s.cfg.Prefix {
			continue
		}
		out = append(out, s.toEntry(p))
	}
	configsource.SortEntries(out)
	return out
}

// Watch takes the first snapshot before returning, then polls with blocking queries.
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

	pairs, meta, err := s.client.KV().List(s.cfg.Prefix, s.queryOptions(ctx))
	if err != nil {
		cancel()
		s.wg.Done()
		return nil, configsource.BackendError(name, "watch", err)
	}
	snapshot := indexEntries(s.entries(pairs))
	lastIndex := meta.LastIndex

	out := make(chan configsource.ChangeEvent, 64)
	go func() {
		defer s.wg.Done()
		defer close(out)
		for ctx.Err() == nil {
			opts := s.queryOptions(ctx)
			opts.WaitIndex = lastIndex
			opts.WaitTime = s.cfg.WaitTime
			pairs, meta, err := s.client.KV().List(s.cfg.Prefix, opts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("Consul watch query failed", slog.Any("error", err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			// The index can go backwards after a snapshot restore; start over from zero.
			if meta.LastIndex < lastIndex {
				lastIndex = 0
				continue
			}
			if meta.LastIndex == lastIndex {
				continue
			}
			lastIndex = meta.LastIndex

			next := indexEntries(s.entries(pairs))
			for _, ev := range diff(snapshot, next, int64(lastIndex)) {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			snapshot = next
		}
	}()
	return out, nil
}

func indexEntries(entries []configsource.Entry) map[string]configsource.Entry {
	m := make(map[string]configsource.Entry, len(entries))
	for _, e := range entries {
		m[e.Key] = e
	}
	return m
}

// diff turns two consecutive snapshots into change events ordered by key. Deletes carry
// index because Consul keeps no per-key record of them.
func diff(prev, next map[string]configsource.Entry, index int64) []configsource.ChangeEvent {
	before := mapset.NewThreadUnsafeSetWithSize[string](len(prev))
	for k := range prev {
		before.Add(k)
	}
	after := mapset.NewThreadUnsafeSetWithSize[string](len(next))
	for k := range next {
		after.Add(k)
	}

	keys := before.Union(after).ToSlice()
	slices.Sort(keys)

	var events []configsource.ChangeEvent
	for _, k := range keys {
		old, had := prev[k]
		cur, has := next[k]
		switch {
		case had && !has:
			events = append(events, configsource.DeleteResult{Previous: old, Version: index}.Event(configsource.OriginRemote))
		case has && (!had || cur.Version != old.Version):
			res := configsource.WriteResult{Entry: cur}
			if had {
				res.Previous = &old
			}
			events = append(events, res.Event(configsource.OriginRemote))
		}
	}
	return events
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
	return nil
}

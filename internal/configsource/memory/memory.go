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

// Package memory provides an in-process configuration source, used for tests and as the
// default backend when nothing else is configured.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

const name = "memory"

// Source keeps entries in a map guarded by a RWMutex.
type Source struct {
	mu       sync.RWMutex
	entries  map[string]configsource.Entry
	revision int64
	closed   bool
	watchers map[chan configsource.ChangeEvent]context.Context
	now      func() time.Time
}

var (
	_ configsource.Source  = (*Source)(nil)
	_ configsource.Deleter = (*Source)(nil)
	_ configsource.Watcher = (*Source)(nil)
	_ configsource.Pager   = (*Source)(nil)
)

// New returns an empty source seeded with initial, if any.
func New(initial map[string]string) *Source {
	s := &Source{
		entries:  make(map[string]configsource.Entry, len(initial)),
		watchers: make(map[chan configsource.ChangeEvent]context.Context),
		now:      time.Now,
	}
	for k, v := range initial {
		s.revision++
		s.entries[k] = configsource.Entry{Key: k, Value: v, Version: s.revision, UpdatedAt: s.now()}
	}
	return s
}

func (*Source) Name() string { return name }

func (s *Source) Read(ctx context.Context, key string) (configsource.Entry, error) {
	if err := ctx.Err(); err != nil {
		return configsource.Entry{}, configsource.BackendError(name, "read", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return configsource.Entry{}, configsource.ErrClosed
	}
	e, ok := s.entries[key]
	if !ok {
		return configsource.Entry{}, configsource.NotFound(key)
	}
	return e, nil
}

func (s *Source) Write(ctx context.Context, key, value string) (configsource.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return configsource.WriteResult{}, configsource.BackendError(name, "write", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return configsource.WriteResult{}, configsource.ErrClosed
	}

	var res configsource.WriteResult
	if prev, ok := s.entries[key]; ok {
		res.Previous = &prev
	}
	s.revision++
	res.Entry = configsource.Entry{Key: key, Value: value, Version: s.revision, UpdatedAt: s.now()}
	s.entries[key] = res.Entry
	s.broadcast(res.Event(configsource.OriginRemote))
	return res, nil
}

func (s *Source) Delete(ctx context.Context, key string) (configsource.DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return configsource.DeleteResult{}, configsource.BackendError(name, "delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return configsource.DeleteResult{}, configsource.ErrClosed
	}

	prev, ok := s.entries[key]
	if !ok {
		return configsource.DeleteResult{}, configsource.NotFound(key)
	}
	delete(s.entries, key)
	s.revision++
	res := configsource.DeleteResult{Previous: prev, Version: s.revision}
	s.broadcast(res.Event(configsource.OriginRemote))
	return res, nil
}

func (s *Source) List(ctx context.Context) ([]configsource.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, configsource.BackendError(name, "list", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, configsource.ErrClosed
	}
	out := make([]configsource.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	configsource.SortEntries(out)
	return out, nil
}

func (s *Source) ListPage(ctx context.Context, q configsource.Query) ([]configsource.Entry, int, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := configsource.FilterPrefix(all, q.Prefix)
	start, end := configsource.PageBounds(len(matched), q.Offset, q.Limit)
	return matched[start:end], len(matched), nil
}

// Watch registers a subscriber. Events are delivered through a small buffer; a subscriber
// that falls behind blocks writers until it catches up or its context ends.
func (s *Source) Watch(ctx context.Context) (<-chan configsource.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, configsource.ErrClosed
	}
	ch := make(chan configsource.ChangeEvent, 64)
	s.watchers[ch] = ctx

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// broadcast must be called with s.mu held for writing.
func (s *Source) broadcast(ev configsource.ChangeEvent) {
	for ch, ctx := range s.watchers {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	return nil
}

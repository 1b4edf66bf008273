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

// Package listeners fans configuration change events out to subscribers.
//
// Every subscription owns an unbounded queue drained by its own goroutine, so publishing
// never blocks, each subscriber sees events in publish order, and a slow, failing or
// panicking subscriber only affects itself.
package listeners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

// Listener reacts to a change. Returned errors are logged, never propagated.
type Listener interface {
	OnChange(ctx context.Context, ev configsource.ChangeEvent) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev configsource.ChangeEvent) error

func (f ListenerFunc) OnChange(ctx context.Context, ev configsource.ChangeEvent) error {
	return f(ctx, ev)
}

// Handle identifies one subscription.
type Handle uuid.UUID

func (h Handle) String() string { return uuid.UUID(h).String() }

// MatchAll is the pattern that selects every key.
const MatchAll = "*"

// stop is queued behind pending events when the registry closes.
type stop struct{}

const batchSize = 32

type subscription struct {
	handle   Handle
	pattern  string
	listener Listener
	queue    *queue.Queue
	done     chan struct{}
}

func (s *subscription) matches(key string) bool {
	if s.pattern == MatchAll {
		return true
	}
	ok, _ := path.Match(s.pattern, key)
	return ok
}

type Registry struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[Handle]*subscription
	closed bool
	wg     sync.WaitGroup
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[Handle]*subscription),
	}
}

// ValidatePattern reports whether pattern is usable. The empty pattern and "*" select every
// key; anything else uses path.Match syntax against the whole key.
func ValidatePattern(pattern string) error {
	if pattern == "" || pattern == MatchAll {
		return nil
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("%w: pattern %q: %v", configsource.ErrInvalidArgument, pattern, err)
	}
	return nil
}

// Subscribe registers l for changes to keys matching pattern.
func (r *Registry) Subscribe(pattern string, l Listener) (Handle, error) {
	if l == nil {
		return Handle{}, fmt.Errorf("%w: listener is nil", configsource.ErrInvalidArgument)
	}
	if err := ValidatePattern(pattern); err != nil {
		return Handle{}, err
	}
	if pattern == "" {
		pattern = MatchAll
	}

	sub := &subscription{
		handle:   Handle(uuid.New()),
		pattern:  pattern,
		listener: l,
		queue:    queue.New(batchSize),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Handle{}, configsource.ErrClosed
	}
	r.subs[sub.handle] = sub
	r.wg.Add(1)
	go r.drain(sub)
	recordSubscriptions(r.ctx, 1)
	return sub.handle, nil
}

// Unsubscribe removes the subscription and drops its pending events. A delivery already in
// progress is allowed to finish. It reports whether the handle was registered.
func (r *Registry) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	sub, ok := r.subs[h]
	delete(r.subs, h)
	r.mu.Unlock()
	if !ok {
		return false
	}
	sub.queue.Dispose()
	recordSubscriptions(r.ctx, -1)
	return true
}

// Drain removes the subscription like Unsubscribe, but first lets the subscriber work
// through the events already queued for it. It waits until that is done or ctx ends; in
// the latter case the remaining events are dropped and ctx's error is returned.
func (r *Registry) Drain(ctx context.Context, h Handle) error {
	r.mu.Lock()
	sub, ok := r.subs[h]
	delete(r.subs, h)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: subscription %s", configsource.ErrNotFound, h)
	}
	recordSubscriptions(r.ctx, -1)
	_ = sub.queue.Put(stop{})

	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		sub.queue.Dispose()
		return fmt.Errorf("draining subscription %s: %w", h, ctx.Err())
	}
}

// Publish queues ev for every matching subscriber and returns how many there were.
func (r *Registry) Publish(ev configsource.ChangeEvent) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0
	}
	n := 0
	for _, sub := range r.subs {
		if !sub.matches(ev.Key) {
			continue
		}
		if err := sub.queue.Put(ev); err != nil {
			continue
		}
		n++
	}
	return n
}

// Len is the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry) drain(sub *subscription) {
	defer r.wg.Done()
	defer close(sub.done)
	for {
		items, err := sub.queue.Get(batchSize)
		if err != nil {
			return
		}
		for _, item := range items {
			switch v := item.(type) {
			case stop:
				sub.queue.Dispose()
				return
			case configsource.ChangeEvent:
				r.deliver(sub, v)
			}
			if sub.queue.Disposed() {
				return
			}
		}
	}
}

func (r *Registry) deliver(sub *subscription, ev configsource.ChangeEvent) {
	defer func() {
		if p := recover(); p != nil {
			recordDelivery(r.ctx, resultPanic)
			r.logger.Error("Configuration listener panicked",
				slog.String("subscription", sub.handle.String()),
				slog.String("pattern", sub.pattern),
				slog.String("key", ev.Key),
				slog.Any("panic", p))
		}
	}()
	if err := sub.listener.OnChange(r.ctx, ev); err != nil {
		recordDelivery(r.ctx, resultError)
		r.logger.Warn("Configuration listener failed",
			slog.String("subscription", sub.handle.String()),
			slog.String("pattern", sub.pattern),
			slog.String("key", ev.Key),
			slog.Any("error", err))
		return
	}
	recordDelivery(r.ctx, resultOK)
}

// Close stops accepting subscriptions and events, lets every subscriber work through what
// is already queued, and waits for them until ctx is done. Subscribers still busy then are
// abandoned and their queues dropped.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = map[Handle]*subscription{}
	r.mu.Unlock()

	for _, sub := range subs {
		_ = sub.queue.Put(stop{})
	}
	recordSubscriptions(r.ctx, -int64(len(subs)))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		for _, sub := range subs {
			sub.queue.Dispose()
		}
		err = errors.Join(errors.New("listeners did not drain before shutdown"), ctx.Err())
	}
	r.cancel()
	return err
}

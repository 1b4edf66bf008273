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

// Package configstore is the process-wide facade over one configuration source.
//
// A Store is built once at startup and handed to every component that reads or changes
// configuration. Reads go through a cache, writes go straight to the source and then update
// the cache and notify listeners. Changes made by other processes arrive through the
// source's watch, when it has one, and take the same path.
//
// Consistency: a caller always reads its own acknowledged writes. Other callers observe a
// write once it is committed and the cache step that follows it has run, which happens
// before Put returns.
package configstore

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/txconfig/internal/configcache"
	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/listeners"
)

const (
	// DefaultTimeout bounds a backend call when the caller's context has no deadline.
	DefaultTimeout = 5 * time.Second

	shutdownTimeout = 10 * time.Second
)

var watchRetryDelay = time.Second

type Store struct {
	source      configsource.Source
	synchronous bool
	cache       *configcache.Cache
	listeners   *listeners.Registry
	defaults    map[string]string
	timeout     time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer

	seenMu sync.Mutex
	seen   map[string]seenState
	// Local writes in flight per key, and the watch events held back until they finish.
	inflight map[string]int
	held     map[string][]configsource.ChangeEvent

	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// seenState is the newest change the store has announced for a key.
type seenState struct {
	version int64
	deleted bool
}

type Option func(*options)

type options struct {
	timeout      time.Duration
	defaults     map[string]string
	cacheEnabled bool
	cacheTTL     time.Duration
	logger       *slog.Logger
	watch        bool
}

// WithTimeout sets the deadline applied to calls whose context has none.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithDefaults supplies values returned for keys the source does not have.
func WithDefaults(defaults map[string]string) Option {
	return func(o *options) {
		for k, v := range defaults {
			o.defaults[k] = v
		}
	}
}

// WithoutCache sends every read to the source.
func WithoutCache() Option {
	return func(o *options) { o.cacheEnabled = false }
}

// WithCacheTTL bounds how long a cached entry lives without being invalidated.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) { o.cacheTTL = ttl }
}

// WithoutWatch ignores changes made by other processes even when the source can report them.
func WithoutWatch() Option {
	return func(o *options) { o.watch = false }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds the store around source and, when the source supports it, starts following
// changes made elsewhere. The store owns source and closes it on Close.
func New(ctx context.Context, source configsource.Source, opts ...Option) (*Store, error) {
	if source == nil {
		return nil, errors.Join(configsource.ErrInvalidArgument, errors.New("configuration source is nil"))
	}
	o := options{
		timeout:      DefaultTimeout,
		defaults:     map[string]string{},
		cacheEnabled: true,
		logger:       slog.Default(),
		watch:        true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	for k := range o.defaults {
		if err := configsource.ValidateKey(k); err != nil {
			return nil, err
		}
	}

	s := &Store{
		source:      source,
		synchronous: configsource.IsSynchronous(source),
		listeners:   listeners.New(o.logger),
		defaults:    o.defaults,
		timeout:     o.timeout,
		logger:      o.logger.With(slog.String("backend", source.Name())),
		tracer:      otel.Tracer("github.com/cardinalhq/txconfig/internal/configstore"),
		seen:        make(map[string]seenState),
		inflight:    make(map[string]int),
		held:        make(map[string][]configsource.ChangeEvent),
	}
	if o.cacheEnabled {
		s.cache = configcache.New(configcache.WithTTL(o.cacheTTL))
	}

	if w, ok := source.(configsource.Watcher); ok && o.watch {
		if err := s.startWatch(ctx, w); err != nil {
			s.shutdown()
			return nil, err
		}
	}

	s.logger.Info("Configuration store ready",
		slog.Bool("cache", s.cache != nil),
		slog.Bool("synchronous", s.synchronous),
		slog.Bool("watch", s.watchDone != nil),
		slog.Duration("timeout", s.timeout))
	return s, nil
}

// Source is the backend the store was built with.
func (s *Store) Source() configsource.Source { return s.source }

// Synchronous reports whether writes are visible to every reader once Put returns.
func (s *Store) Synchronous() bool { return s.synchronous }

// withTimeout applies the store timeout when ctx carries no deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return configsource.ErrClosed
	}
	return nil
}

// classify makes sure errors leaving the store carry a kind.
func (s *Store) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || configsource.KindOf(err) == configsource.KindUnknown {
		return configsource.BackendError(s.source.Name(), op, err)
	}
	return err
}

// startWatch opens the first watch synchronously so that a failure surfaces from New.
func (s *Store) startWatch(ctx context.Context, w configsource.Watcher) error {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := w.Watch(watchCtx)
	if err != nil {
		cancel()
		return s.classify("watch", err)
	}
	s.watchCancel = cancel
	s.watchDone = make(chan struct{})
	go s.watchLoop(watchCtx, w, events)
	return nil
}

// watchLoop applies remote changes. When the source ends the stream unexpectedly it is
// reopened, and the cache is purged because changes may have been missed in between.
func (s *Store) watchLoop(ctx context.Context, w configsource.Watcher, events <-chan configsource.ChangeEvent) {
	defer close(s.watchDone)
	for {
		for ev := range events {
			s.applyRemote(ctx, ev)
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Configuration watch ended, reopening")
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetryDelay):
			}
			var err error
			events, err = w.Watch(ctx)
			if err == nil {
				break
			}
			s.logger.Warn("Failed to reopen configuration watch", slog.Any("error", err))
		}
		if s.cache != nil {
			s.cache.Purge(ctx)
		}
	}
}

// applyRemote announces a change seen on the watch. While a local write to the same key
// is in flight the event is held, since it may be that write's echo.
func (s *Store) applyRemote(ctx context.Context, ev configsource.ChangeEvent) {
	ev.Origin = configsource.OriginRemote
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if s.inflight[ev.Key] > 0 {
		s.held[ev.Key] = append(s.held[ev.Key], ev)
		return
	}
	s.announce(ctx, ev, true)
}

// beginLocal marks a local write to key as in flight. Every call is paired with endLocal.
func (s *Store) beginLocal(key string) {
	s.seenMu.Lock()
	s.inflight[key]++
	s.seenMu.Unlock()
}

// endLocal finishes a local write. local is its change, or nil when the write failed.
// Held watch events older than the write are announced first, then the write itself, so
// its echo is recognised as a duplicate. Newer held events stay held while other local
// writes to the key are still running.
func (s *Store) endLocal(ctx context.Context, key string, local *configsource.ChangeEvent) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	s.inflight[key]--
	last := s.inflight[key] == 0
	if last {
		delete(s.inflight, key)
	}
	held := s.held[key]
	delete(s.held, key)
	slices.SortStableFunc(held, func(a, b configsource.ChangeEvent) int {
		return cmp.Compare(a.Version, b.Version)
	})

	var later []configsource.ChangeEvent
	for _, ev := range held {
		if local != nil && ev.Version >= local.Version {
			later = append(later, ev)
			continue
		}
		s.announce(ctx, ev, true)
	}
	if local != nil {
		s.announce(ctx, *local, false)
	}
	if !last {
		if len(later) > 0 {
			s.held[key] = later
		}
		return
	}
	for _, ev := range later {
		s.announce(ctx, ev, true)
	}
}

// announce tells listeners about ev unless an equal or newer change for the key was
// already announced. It runs under seenMu so that listeners see the changes of a key in
// version order whichever path reported them first.
func (s *Store) announce(ctx context.Context, ev configsource.ChangeEvent, invalidate bool) {
	if !s.observe(ev) {
		return
	}
	if invalidate && s.cache != nil {
		s.cache.Invalidate(ctx, ev.Key, ev.Version)
	}
	recordChange(ctx, ev)
	s.listeners.Publish(ev)
}

// observe records ev and reports whether it is news. A put is news when its version is
// above the last one announced for the key; a delete when the key was not already known
// to be deleted and nothing newer has been announced. seenMu must be held.
func (s *Store) observe(ev configsource.ChangeEvent) bool {
	prev, known := s.seen[ev.Key]
	if ev.Deleted {
		if known && (prev.deleted || ev.Version < prev.version) {
			return false
		}
		s.seen[ev.Key] = seenState{version: max(ev.Version, prev.version), deleted: true}
		return true
	}
	if known && ev.Version <= prev.version {
		return false
	}
	s.seen[ev.Key] = seenState{version: ev.Version}
	return true
}

// Subscribe registers l for changes to keys matching pattern ("*" for every key, otherwise
// path.Match syntax).
func (s *Store) Subscribe(pattern string, l listeners.Listener) (listeners.Handle, error) {
	if err := s.checkOpen(); err != nil {
		return listeners.Handle{}, err
	}
	return s.listeners.Subscribe(pattern, l)
}

// Unsubscribe removes a subscription and reports whether it existed.
func (s *Store) Unsubscribe(h listeners.Handle) bool {
	return s.listeners.Unsubscribe(h)
}

// Drain removes a subscription after its listener has handled every change already
// queued for it, or ctx ends.
func (s *Store) Drain(ctx context.Context, h listeners.Handle) error {
	return s.listeners.Drain(ctx, h)
}

// Close stops the watch, lets listeners finish queued events, and releases the cache and
// the source. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.shutdown()
		s.logger.Info("Configuration store closed")
	})
	return s.closeErr
}

func (s *Store) shutdown() error {
	var result *multierror.Error

	if s.watchCancel != nil {
		s.watchCancel()
		<-s.watchDone
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.listeners.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if err := s.source.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

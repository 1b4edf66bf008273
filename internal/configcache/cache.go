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

// Package configcache is the read-through cache in front of a configuration source.
//
// Entries stay until they are invalidated; an optional TTL only bounds how long a missed
// invalidation can go unnoticed. Lookups that miss are coalesced per key, and absent keys
// are cached as negative results.
//
// Every key carries a generation and the highest version the cache has been told about.
// Update and Invalidate bump the generation and detach any load in flight for the key, so
// a Get that starts after them never joins a read begun before them. A fill is applied
// only when the generation it started with is still current. Both counters are guarded by
// striped mutexes that are never held across backend calls.
package configcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

const stripeCount = 64

// Loader reads one key from the backing source. The context it is given carries no
// caller's cancellation, since several callers may share one load; the loader bounds the
// read itself.
type Loader func(ctx context.Context, key string) (configsource.Entry, error)

type item struct {
	entry configsource.Entry
	found bool
}

type keyState struct {
	gen     uint64
	version int64
}

type stripe struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

type Cache struct {
	items   *ttlcache.Cache[string, item]
	stripes [stripeCount]stripe
	group   singleflight.Group

	// done ends loads still running when the cache is closed.
	done   context.Context
	cancel context.CancelFunc
}

type Option func(*options)

type options struct {
	ttl time.Duration
}

// WithTTL expires entries after ttl even without an invalidation. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

func New(opts ...Option) *Cache {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	ttl := ttlcache.NoTTL
	if o.ttl > 0 {
		ttl = o.ttl
	}
	items := ttlcache.New(
		ttlcache.WithTTL[string, item](ttl),
		ttlcache.WithDisableTouchOnHit[string, item](),
	)
	go items.Start()

	c := &Cache{items: items}
	c.done, c.cancel = context.WithCancel(context.Background())
	for i := range c.stripes {
		c.stripes[i].keys = make(map[string]*keyState)
	}
	return c
}

func (c *Cache) Close() {
	c.cancel()
	c.items.Stop()
}

func (c *Cache) stripeFor(key string) *stripe {
	return &c.stripes[xxhash.Sum64String(key)%stripeCount]
}

// state returns the key's state; the stripe lock must be held.
func (s *stripe) state(key string) *keyState {
	st, ok := s.keys[key]
	if !ok {
		st = &keyState{}
		s.keys[key] = st
	}
	return st
}

func (c *Cache) generation(key string) uint64 {
	s := c.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(key).gen
}

// Get returns the cached entry for key, loading it on a miss. found is false when the
// source does not have the key; that answer is cached too. Errors other than
// configsource.ErrNotFound are returned and not cached. A caller whose ctx ends stops
// waiting without failing the others sharing its load.
func (c *Cache) Get(ctx context.Context, key string, load Loader) (configsource.Entry, bool, error) {
	if cached := c.items.Get(key); cached != nil {
		recordHit(ctx)
		it := cached.Value()
		return it.entry, it.found, nil
	}
	recordMiss(ctx)

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithCancel(shared)
		defer cancel()
		defer context.AfterFunc(c.done, cancel)()

		gen := c.generation(key)
		entry, err := load(loadCtx, key)
		switch {
		case errors.Is(err, configsource.ErrNotFound):
			it := item{}
			c.fill(ctx, key, gen, it)
			return it, nil
		case err != nil:
			return nil, err
		}
		it := item{entry: entry, found: true}
		c.fill(ctx, key, gen, it)
		return it, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return configsource.Entry{}, false, res.Err
		}
		it := res.Val.(item)
		return it.entry, it.found, nil
	case <-ctx.Done():
		return configsource.Entry{}, false, configsource.BackendError("cache", "load", ctx.Err())
	}
}

// fill stores a loaded item unless the key changed while it was being read.
func (c *Cache) fill(ctx context.Context, key string, gen uint64, it item) {
	s := c.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	if st.gen != gen || (it.found && it.entry.Version < st.version) {
		recordStaleFill(ctx)
		return
	}
	if it.found {
		st.version = it.entry.Version
	}
	c.items.Set(key, it, ttlcache.DefaultTTL)
	recordFill(ctx)
}

// Update stores an entry that was just written. An entry older than the newest version
// already known for the key is ignored.
func (c *Cache) Update(ctx context.Context, entry configsource.Entry) bool {
	s := c.stripeFor(entry.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(entry.Key)
	if entry.Version < st.version {
		return false
	}
	st.gen++
	st.version = entry.Version
	c.group.Forget(entry.Key)
	c.items.Set(entry.Key, item{entry: entry, found: true}, ttlcache.DefaultTTL)
	recordUpdate(ctx)
	return true
}

// Invalidate drops key so the next Get reads through. version is the version of the
// change that caused it, or zero when unknown.
func (c *Cache) Invalidate(ctx context.Context, key string, version int64) {
	s := c.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	st.gen++
	if version > st.version {
		st.version = version
	}
	c.group.Forget(key)
	c.items.Delete(key)
	recordInvalidate(ctx)
}

// Purge drops every entry. Generations survive so in-flight fills are discarded.
func (c *Cache) Purge(ctx context.Context) {
	for i := range c.stripes {
		s := &c.stripes[i]
		s.mu.Lock()
		for key, st := range s.keys {
			st.gen++
			c.group.Forget(key)
		}
		s.mu.Unlock()
	}
	c.items.DeleteAll()
	recordInvalidate(ctx)
}

// Len is the number of cached keys, negative results included.
func (c *Cache) Len() int {
	return c.items.Len()
}

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

package configstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configsource/memory"
	"github.com/cardinalhq/txconfig/internal/listeners"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingSource wraps a memory source and lets tests count reads and inject failures.
type countingSource struct {
	*memory.Source
	reads      atomic.Int64
	failWrites atomic.Bool
	blockReads atomic.Bool
	async      bool
}

func newCountingSource(initial map[string]string) *countingSource {
	return &countingSource{Source: memory.New(initial)}
}

func (c *countingSource) Read(ctx context.Context, key string) (configsource.Entry, error) {
	c.reads.Add(1)
	if c.blockReads.Load() {
		<-ctx.Done()
		return configsource.Entry{}, ctx.Err()
	}
	return c.Source.Read(ctx, key)
}

func (c *countingSource) Write(ctx context.Context, key, value string) (configsource.WriteResult, error) {
	if c.failWrites.Load() {
		return configsource.WriteResult{}, configsource.BackendError("counting", "write", errors.New("connection reset"))
	}
	return c.Source.Write(ctx, key, value)
}

func (c *countingSource) Synchronous() bool { return !c.async }

// readOnly hides every optional interface of the wrapped source.
type readOnly struct {
	configsource.Source
}

type recorder struct {
	mu     sync.Mutex
	events []configsource.ChangeEvent
}

func (r *recorder) OnChange(_ context.Context, ev configsource.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []configsource.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]configsource.ChangeEvent(nil), r.events...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newStore(t *testing.T, src configsource.Source, opts ...Option) *Store {
	t.Helper()
	s, err := New(t.Context(), src, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRejectsNilSource(t *testing.T) {
	_, err := New(t.Context(), nil)
	assert.ErrorIs(t, err, configsource.ErrInvalidArgument)
}

func TestNewRejectsBadDefaultKey(t *testing.T) {
	src := memory.New(nil)
	defer src.Close()
	_, err := New(t.Context(), src, WithDefaults(map[string]string{" padded": "x"}))
	assert.ErrorIs(t, err, configsource.ErrInvalidArgument)
}

func TestPutThenGet(t *testing.T) {
	s := newStore(t, memory.New(nil))
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "retry.count", "3"))
	got, err := s.Get(ctx, "retry.count")
	require.NoError(t, err)
	assert.Equal(t, "3", got)

	require.NoError(t, s.Put(ctx, "retry.count", "5"))
	got, err = s.Get(ctx, "retry.count")
	require.NoError(t, err)
	assert.Equal(t, "5", got)
}

func TestGetMissing(t *testing.T) {
	s := newStore(t, memory.New(nil))

	_, err := s.Get(t.Context(), "does.not.exist")
	assert.ErrorIs(t, err, configsource.ErrNotFound)

	_, found, err := s.Lookup(t.Context(), "does.not.exist")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEmptyKeyRejected(t *testing.T) {
	s := newStore(t, memory.New(map[string]string{"a": "1"}))
	ctx := t.Context()

	err := s.Put(ctx, "", "x")
	assert.ErrorIs(t, err, configsource.ErrInvalidArgument)

	_, err = s.Get(ctx, "")
	assert.ErrorIs(t, err, configsource.ErrInvalidArgument)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEmptyValueIsStored(t *testing.T) {
	s := newStore(t, memory.New(nil))
	require.NoError(t, s.Put(t.Context(), "feature.flag", ""))

	value, found, err := s.Lookup(t.Context(), "feature.flag")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, value)
}

func TestReadsAreCached(t *testing.T) {
	src := newCountingSource(map[string]string{"a": "1"})
	s := newStore(t, src, WithoutWatch())
	ctx := t.Context()

	for range 5 {
		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "1", got)
	}
	assert.Equal(t, int64(1), src.reads.Load())

	for range 3 {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, configsource.ErrNotFound)
	}
	assert.Equal(t, int64(2), src.reads.Load())
}

func TestWithoutCacheReadsThrough(t *testing.T) {
	src := newCountingSource(map[string]string{"a": "1"})
	s := newStore(t, src, WithoutCache(), WithoutWatch())

	for range 3 {
		_, err := s.Get(t.Context(), "a")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), src.reads.Load())

	_, err := s.Get(t.Context(), "missing")
	assert.ErrorIs(t, err, configsource.ErrNotFound)
}

func TestPutUpdatesCacheWithoutRead(t *testing.T) {
	src := newCountingSource(nil)
	s := newStore(t, src, WithoutWatch())
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "a", "1"))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
	assert.Zero(t, src.reads.Load())
}

func TestAsyncSourceInvalidates(t *testing.T) {
	src := newCountingSource(nil)
	src.async = true
	s := newStore(t, src, WithoutWatch())
	ctx := t.Context()
	assert.False(t, s.Synchronous())

	require.NoError(t, s.Put(ctx, "a", "1"))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
	assert.Equal(t, int64(1), src.reads.Load())
}

func TestFailedWriteLeavesCacheUntouched(t *testing.T) {
	src := newCountingSource(map[string]string{"a": "1"})
	s := newStore(t, src, WithoutWatch())
	ctx := t.Context()
	rec := &recorder{}
	_, err := s.Subscribe(listeners.MatchAll, rec)
	require.NoError(t, err)

	_, err = s.Get(ctx, "a")
	require.NoError(t, err)

	src.failWrites.Store(true)
	err = s.Put(ctx, "a", "2")
	require.Error(t, err)
	assert.ErrorIs(t, err, configsource.ErrBackend)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
	assert.Equal(t, int64(1), src.reads.Load())

	require.NoError(t, s.Close())
	assert.Zero(t, rec.count())
}

func TestReadTimeout(t *testing.T) {
	src := newCountingSource(map[string]string{"a": "1"})
	s := newStore(t, src, WithoutWatch(), WithTimeout(20*time.Millisecond))

	src.blockReads.Store(true)
	start := time.Now()
	_, err := s.Get(t.Context(), "a")
	assert.ErrorIs(t, err, configsource.ErrBackendTimeout)
	assert.Less(t, time.Since(start), time.Second)

	src.blockReads.Store(false)
	got, err := s.Get(t.Context(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestCallerDeadlineWins(t *testing.T) {
	src := newCountingSource(map[string]string{"a": "1"})
	s := newStore(t, src, WithoutWatch(), WithTimeout(time.Hour))
	src.blockReads.Store(true)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, configsource.ErrBackendTimeout)
}

func TestDefaults(t *testing.T) {
	s := newStore(t, memory.New(map[string]string{"set": "stored"}),
		WithDefaults(map[string]string{"set": "default", "unset": "fallback"}))
	ctx := t.Context()

	got, err := s.Get(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, "stored", got)

	got, err = s.Get(ctx, "unset")
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)

	_, err = s.Entry(ctx, "unset")
	assert.ErrorIs(t, err, configsource.ErrNotFound)

	assert.Equal(t, "given", s.GetOrDefault(ctx, "nothing", "given"))
	assert.Equal(t, "stored", s.GetOrDefault(ctx, "set", "given"))
}

func TestTypedGetters(t *testing.T) {
	s := newStore(t, memory.New(map[string]string{
		"retry.count":   "7",
		"retry.big":     "9000000000",
		"retry.enabled": "true",
		"retry.timeout": "1500",
		"retry.backoff": "2s",
		"retry.junk":    "seven",
	}))
	ctx := t.Context()

	assert.Equal(t, 7, s.GetInt(ctx, "retry.count", 1))
	assert.Equal(t, int64(9000000000), s.GetInt64(ctx, "retry.big", 0))
	assert.True(t, s.GetBool(ctx, "retry.enabled", false))
	assert.Equal(t, 1500*time.Millisecond, s.GetDuration(ctx, "retry.timeout", 0))
	assert.Equal(t, 2*time.Second, s.GetDuration(ctx, "retry.backoff", 0))

	assert.Equal(t, 1, s.GetInt(ctx, "retry.junk", 1))
	assert.Equal(t, 4, s.GetInt(ctx, "retry.missing", 4))
	assert.Equal(t, time.Minute, s.GetDuration(ctx, "retry.junk", time.Minute))
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"0", 0, false},
		{"250", 250 * time.Millisecond, false},
		{"1m30s", 90 * time.Second, false},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalWriteNotifiedOnce(t *testing.T) {
	// The memory source echoes every write through its watch; listeners must still see
	// each change exactly once.
	s := newStore(t, memory.New(nil))
	ctx := t.Context()
	rec := &recorder{}
	_, err := s.Subscribe(listeners.MatchAll, rec)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "a", "1"))
	require.NoError(t, s.Put(ctx, "a", "2"))
	require.NoError(t, s.Put(ctx, "b", "1"))

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	events := rec.snapshot()
	require.Len(t, events, 3)

	assert.Equal(t, "a", events[0].Key)
	assert.False(t, events[0].HasOld)
	assert.Equal(t, "1", events[0].NewValue)
	assert.Equal(t, "a", events[1].Key)
	assert.True(t, events[1].HasOld)
	assert.Equal(t, "1", events[1].OldValue)
	assert.Equal(t, "2", events[1].NewValue)
	assert.Equal(t, "b", events[2].Key)
}

func TestLocalWriteOrigin(t *testing.T) {
	s := newStore(t, memory.New(nil), WithoutWatch())
	rec := &recorder{}
	_, err := s.Subscribe("a", rec)
	require.NoError(t, err)

	require.NoError(t, s.Put(t.Context(), "a", "1"))
	require.NoError(t, s.Put(t.Context(), "b", "1"))
	require.NoError(t, s.Close())

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, configsource.OriginLocal, events[0].Origin)
	assert.Positive(t, events[0].Version)
}

func TestLocalWriteOriginSurvivesEcho(t *testing.T) {
	// The memory source echoes each write on its watch before Write returns.
	s := newStore(t, memory.New(nil))
	rec := &recorder{}
	_, err := s.Subscribe(listeners.MatchAll, rec)
	require.NoError(t, err)

	const puts = 300
	for i := range puts {
		require.NoError(t, s.Put(t.Context(), fmt.Sprintf("k.%d", i%7), fmt.Sprint(i)))
	}
	require.Eventually(t, func() bool { return rec.count() == puts }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	events := rec.snapshot()
	require.Len(t, events, puts)
	for _, ev := range events {
		require.Equal(t, configsource.OriginLocal, ev.Origin, "key %s version %d", ev.Key, ev.Version)
	}
}

func TestHeldRemoteEventsReplayAroundLocalWrite(t *testing.T) {
	s := newStore(t, memory.New(nil), WithoutWatch())
	ctx := t.Context()
	rec := &recorder{}
	_, err := s.Subscribe(listeners.MatchAll, rec)
	require.NoError(t, err)

	remote := func(v int64, value string) configsource.ChangeEvent {
		return configsource.ChangeEvent{Key: "a", NewValue: value, Version: v}
	}

	s.beginLocal("a")
	s.applyRemote(ctx, remote(5, "theirs"))
	s.applyRemote(ctx, remote(6, "mine"))
	s.applyRemote(ctx, remote(7, "theirs again"))
	assert.Zero(t, rec.count(), "events wait for the local write")

	local := remote(6, "mine")
	local.Origin = configsource.OriginLocal
	s.endLocal(ctx, "a", &local)

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	events := rec.snapshot()
	assert.Equal(t, []int64{5, 6, 7}, []int64{events[0].Version, events[1].Version, events[2].Version})
	assert.Equal(t, configsource.OriginRemote, events[0].Origin)
	assert.Equal(t, configsource.OriginLocal, events[1].Origin)
	assert.Equal(t, configsource.OriginRemote, events[2].Origin)
}

func TestFailedLocalWriteReleasesHeldEvents(t *testing.T) {
	s := newStore(t, memory.New(nil), WithoutWatch())
	ctx := t.Context()
	rec := &recorder{}
	_, err := s.Subscribe(listeners.MatchAll, rec)
	require.NoError(t, err)

	s.beginLocal("a")
	s.applyRemote(ctx, configsource.ChangeEvent{Key: "a", NewValue: "x", Version: 3})
	s.endLocal(ctx, "a", nil)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, configsource.OriginRemote, rec.snapshot()[0].Origin)
}

func TestRemoteChangeInvalidatesAndNotifies(t *testing.T) {
	src := memory.New(map[string]string{"a": "1"})
	s := newStore(t, src)
	ctx := t.Context()
	rec := &recorder{}
	_, err := s.Subscribe("a", rec)
	require.NoError(t, err)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "1", got)

	// Another process writing to the same backend.
	_, err = src.Write(ctx, "a", "2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := s.Get(ctx, "a")
		return err == nil && v == "2"
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	ev := rec.snapshot()[0]
	assert.Equal(t, configsource.OriginRemote, ev.Origin)
	assert.Equal(t, "1", ev.OldValue)
	assert.Equal(t, "2", ev.NewValue)
}

func TestDelete(t *testing.T) {
	s := newStore(t, memory.New(map[string]string{"a": "1"}))
	ctx := t.Context()
	rec := &recorder{}
	_, err := s.Subscribe(listeners.MatchAll, rec)
	require.NoError(t, err)

	_, err = s.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, configsource.ErrNotFound)

	err = s.Delete(ctx, "a")
	assert.ErrorIs(t, err, configsource.ErrNotFound)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.True(t, events[0].Deleted)
	assert.Equal(t, "1", events[0].OldValue)
}

func TestDeleteUnsupported(t *testing.T) {
	src := memory.New(map[string]string{"a": "1"})
	s := newStore(t, readOnly{src})

	err := s.Delete(t.Context(), "a")
	assert.ErrorIs(t, err, configsource.ErrUnsupported)

	_, _, err = s.ListPage(t.Context(), configsource.Query{Limit: 10})
	assert.ErrorIs(t, err, configsource.ErrUnsupported)

	got, err := s.Get(t.Context(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestListPage(t *testing.T) {
	initial := map[string]string{}
	for i := range 10 {
		initial[fmt.Sprintf("k%02d", i)] = fmt.Sprint(i)
	}
	s := newStore(t, memory.New(initial))

	entries, total, err := s.ListPage(t.Context(), configsource.Query{Offset: 4, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 10, total)
	require.Len(t, entries, 3)
	assert.Equal(t, "k04", entries[0].Key)
	assert.Equal(t, "k06", entries[2].Key)
}

func TestConcurrentPutsNeverTear(t *testing.T) {
	s := newStore(t, memory.New(nil))
	ctx := t.Context()

	values := map[string]bool{}
	var wg sync.WaitGroup
	for i := range 16 {
		v := fmt.Sprintf("writer-%02d-%0128d", i, i)
		values[v] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, "shared", v))
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, values[got], "value %q was never written", got)

	stored, err := s.Source().Read(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, stored.Value, got)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := newStore(t, memory.New(map[string]string{"k": "v0"}))
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 20 {
				assert.NoError(t, s.Put(ctx, "k", fmt.Sprintf("v%d-%d", i, j)))
			}
		}()
		go func() {
			defer wg.Done()
			for range 20 {
				v, err := s.Get(ctx, "k")
				assert.NoError(t, err)
				assert.NotEmpty(t, v)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		got, err := s.Get(ctx, "k")
		stored, serr := s.Source().Read(ctx, "k")
		return err == nil && serr == nil && got == stored.Value
	}, time.Second, 5*time.Millisecond)
}

// restartingWatcher ends its first watch right away so the store has to reopen it.
type restartingWatcher struct {
	*memory.Source
	opens atomic.Int32
}

func (r *restartingWatcher) Watch(ctx context.Context) (<-chan configsource.ChangeEvent, error) {
	if r.opens.Add(1) == 1 {
		ch := make(chan configsource.ChangeEvent)
		close(ch)
		return ch, nil
	}
	return r.Source.Watch(ctx)
}

func TestWatchIsReopened(t *testing.T) {
	old := watchRetryDelay
	watchRetryDelay = 10 * time.Millisecond
	t.Cleanup(func() { watchRetryDelay = old })

	src := &restartingWatcher{Source: memory.New(map[string]string{"a": "1"})}
	s := newStore(t, src)
	ctx := t.Context()

	require.Eventually(t, func() bool { return src.opens.Load() >= 2 }, time.Second, 5*time.Millisecond)

	rec := &recorder{}
	_, err := s.Subscribe("a", rec)
	require.NoError(t, err)
	_, err = src.Source.Write(ctx, "a", "2")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := New(t.Context(), memory.New(map[string]string{"a": "1"}))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ctx := t.Context()
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, configsource.ErrClosed)
	assert.ErrorIs(t, s.Put(ctx, "a", "2"), configsource.ErrClosed)
	assert.ErrorIs(t, s.Delete(ctx, "a"), configsource.ErrClosed)
	_, err = s.List(ctx)
	assert.ErrorIs(t, err, configsource.ErrClosed)
	_, err = s.Subscribe(listeners.MatchAll, &recorder{})
	assert.ErrorIs(t, err, configsource.ErrClosed)

	_, err = s.Source().Read(ctx, "a")
	assert.ErrorIs(t, err, configsource.ErrClosed)
}

func TestUnsubscribe(t *testing.T) {
	s := newStore(t, memory.New(nil), WithoutWatch())
	rec := &recorder{}
	h, err := s.Subscribe(listeners.MatchAll, rec)
	require.NoError(t, err)

	assert.True(t, s.Unsubscribe(h))
	assert.False(t, s.Unsubscribe(h))

	require.NoError(t, s.Put(t.Context(), "a", "1"))
	require.NoError(t, s.Close())
	assert.Zero(t, rec.count())
}

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

// Package sourcetest is a conformance suite shared by every configsource backend.
package sourcetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

// Factory returns a new, empty source. The suite closes it.
type Factory func(t *testing.T) configsource.Source

// Run exercises the Source contract and every optional capability the source implements.
func Run(t *testing.T, newSource Factory) {
	t.Run("ReadMissing", func(t *testing.T) { testReadMissing(t, newSource(t)) })
	t.Run("WriteRead", func(t *testing.T) { testWriteRead(t, newSource(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, newSource(t)) })
	t.Run("EmptyValue", func(t *testing.T) { testEmptyValue(t, newSource(t)) })
	t.Run("ListSorted", func(t *testing.T) { testListSorted(t, newSource(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, newSource(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newSource(t)) })
	t.Run("Page", func(t *testing.T) { testPage(t, newSource(t)) })
	t.Run("Watch", func(t *testing.T) { testWatch(t, newSource(t)) })
}

func closeSource(t *testing.T, src configsource.Source) {
	t.Helper()
	t.Cleanup(func() { _ = src.Close() })
}

func testReadMissing(t *testing.T, src configsource.Source) {
	closeSource(t, src)
	_, err := src.Read(context.Background(), "nonexistent.key")
	require.ErrorIs(t, err, configsource.ErrNotFound)
}

func testWriteRead(t *testing.T, src configsource.Source) {
	closeSource(t, src)
	ctx := context.Background()

	res, err := src.Write(ctx, "retry.timeout", "5000")
	require.NoError(t, err)
	assert.Equal(t, "retry.timeout", res.Entry.Key)
	assert.Equal(t, "5000", res.Entry.Value)
	assert.Positive(t, res.Entry.Version)
	assert.Nil(t, res.Previous)

	got, err := src.Read(ctx, "retry.timeout")
	require.NoError(t, err)
	assert.Equal(t, "5000", got.Value)
	assert.Equal(t, res.Entry.Version, got.Version)
}

func testOverwrite(t *testing.T, src configsource.Source) {
	closeSource(t, src)
	ctx := context.Background()

	first, err := src.Write(ctx, "client.rm.lock.retryTimes", "30")
	require.NoError(t, err)
	second, err := src.Write(ctx, "client.rm.lock.retryTimes", "60")
	require.NoError(t, err)

	assert.Greater(t, second.Entry.Version, first.Entry.Version)
	if second.Previous != nil {
		assert.Equal(t, "30", second.Previous.Value)
	}

	got, err := src.Read(ctx, "client.rm.lock.retryTimes")
	require.NoError(t, err)
	assert.Equal(t, "60", got.Value)

	entries, err := src.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testEmptyValue(t *testing.T, src configsource.Source) {
	closeSource(t, src)
	ctx := context.Background()

	_, err := src.Write(ctx, "service.disableGlobalTransaction", "")
	require.NoError(t, err)

	got, err := src.Read(ctx, "service.disableGlobalTransaction")
	require.NoError(t, err)
	assert.Equal(t, "", got.Value)
}

func testListSorted(t *testing.T, src configsource.Source) {
	closeSource(t, src)
	ctx := context.Background()

	for _, key := range []string{"store.mode", "client.tm.commitRetryCount", "server.recovery.committingRetryPeriod"} {
		_, err := src.Write(ctx, key, "v-"+key)
		require.NoError(t, err)
	}

	entries, err := src.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "client.tm.commitRetryCount", entries[0].Key)
	assert.Equal(t, "server.recovery.committingRetryPeriod", entries[1].Key)
	assert.Equal(t, "store.mode", entries[2].Key)
	assert.Equal(t, "v-store.mode", entries[2].Value)
}

func testConcurrentWriters(t *testing.T, src configsource.Source) {
	closeSource(t, src)
	ctx := context.Background()

	const writers = 8
	candidates := make(map[string]bool, writers)
	var wg sync.WaitGroup
	for i := range writers {
		value := fmt.Sprintf("writer-%d-%s", i, longValue(i))
		candidates[value] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := src.Write(ctx, "contended.key", value)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := src.Read(ctx, "contended.key")
	require.NoError(t, err)
	assert.True(t, candidates[got.Value], "stored value %q was written by nobody", got.Value)
}

func longValue(seed int) string {
	b := make([]byte, 512)
	for i := range b {
		b[i] = byte('a' + (seed+i)%26)
	}
	return string(b)
}

func testDelete(t *testing.T, src configsource.Source) {
	closeSource(t, src)
	deleter, ok := src.(configsource.Deleter)
	if !ok {
		t.Skipf("%s does not support delete", src.Name())
	}
	ctx := context.Background()

	written, err := src.Write(ctx, "transport.heartbeat", "true")
	require.NoError(t, err)

	res, err := deleter.Delete(ctx, "transport.heartbeat")
	require.NoError(t, err)
	assert.Equal(t, "true", res.Previous.Value)
	assert.GreaterOrEqual(t, res.Version, written.Entry.Version)

	_, err = src.Read(ctx, "transport.heartbeat")
	require.ErrorIs(t, err, configsource.ErrNotFound)

	_, err = deleter.Delete(ctx, "transport.heartbeat")
	require.ErrorIs(t, err, configsource.ErrNotFound)

	rewritten, err := src.Write(ctx, "transport.heartbeat", "false")
	require.NoError(t, err)
	assert.Greater(t, rewritten.Entry.Version, written.Entry.Version)
}

func testPage(t *testing.T, src configsource.Source) {
	closeSource(t, src)
	pager, ok := src.(configsource.Pager)
	if !ok {
		t.Skipf("%s does not page", src.Name())
	}
	ctx := context.Background()

	for i := range 25 {
		_, err := src.Write(ctx, fmt.Sprintf("key.%03d", i), "v")
		require.NoError(t, err)
	}
	_, err := src.Write(ctx, "other", "v")
	require.NoError(t, err)

	items, total, err := pager.ListPage(ctx, configsource.Query{Prefix: "key.", Offset: 20, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	require.Len(t, items, 5)
	assert.Equal(t, "key.020", items[0].Key)
	assert.Equal(t, "key.024", items[4].Key)

	items, total, err = pager.ListPage(ctx, configsource.Query{Offset: 100, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 26, total)
	assert.Empty(t, items)
}

func testWatch(t *testing.T, src configsource.Source) {
	closeSource(t, src)
	watcher, ok := src.(configsource.Watcher)
	if !ok {
		t.Skipf("%s does not watch", src.Name())
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := watcher.Watch(ctx)
	require.NoError(t, err)

	res, err := src.Write(context.Background(), "watched.key", "1")
	require.NoError(t, err)

	ev := WaitForEvent(t, events, "watched.key", 10*time.Second)
	assert.Equal(t, "1", ev.NewValue)
	assert.Equal(t, res.Entry.Version, ev.Version)
	assert.False(t, ev.Deleted)

	if deleter, ok := src.(configsource.Deleter); ok {
		_, err := deleter.Delete(context.Background(), "watched.key")
		require.NoError(t, err)
		ev := WaitForEvent(t, events, "watched.key", 10*time.Second)
		assert.True(t, ev.Deleted)
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-events:
			return !open
		default:
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)
}

// WaitForEvent returns the next event for key, failing the test after timeout.
func WaitForEvent(t *testing.T, events <-chan configsource.ChangeEvent, key string, timeout time.Duration) configsource.ChangeEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "watch channel closed while waiting for %q", key)
			if ev.Key == key {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for change event on %q", key)
			return configsource.ChangeEvent{}
		}
	}
}

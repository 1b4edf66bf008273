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

package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configsource/document"
	"github.com/cardinalhq/txconfig/internal/configsource/sourcetest"
)

func TestConformance(t *testing.T) {
	sourcetest.Run(t, func(t *testing.T) configsource.Source {
		src, err := New(filepath.Join(t.TempDir(), "config.yaml"))
		require.NoError(t, err)
		return src
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	ctx := context.Background()

	src, err := New(path)
	require.NoError(t, err)
	first, err := src.Write(ctx, "store.mode", "file")
	require.NoError(t, err)
	require.NoError(t, src.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Read(ctx, "store.mode")
	require.NoError(t, err)
	assert.Equal(t, "file", got.Value)
	assert.Equal(t, first.Entry.Version, got.Version)

	second, err := reopened.Write(ctx, "store.mode", "db")
	require.NoError(t, err)
	assert.Greater(t, second.Entry.Version, first.Entry.Version)
}

func TestReadsFlatHandWrittenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry.timeout: \"5000\"\nstore.mode: db\n"), 0o644))

	src, err := New(path)
	require.NoError(t, err)
	defer src.Close()

	entries, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "retry.timeout", entries[0].Key)
	assert.Equal(t, "5000", entries[0].Value)
}

func TestExternalEditIsWatched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	src, err := New(path)
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	written, err := src.Write(ctx, "client.tm.commitRetryCount", "5")
	require.NoError(t, err)

	events, err := src.Watch(ctx)
	require.NoError(t, err)

	doc := document.New()
	doc.Revision = written.Entry.Version
	doc.Entries["client.tm.commitRetryCount"] = written.Entry
	doc.Put("client.tm.commitRetryCount", "7", time.Now())
	data, err := doc.Encode()
	require.NoError(t, err)
	require.NoError(t, writeAtomic(path, data))

	ev := sourcetest.WaitForEvent(t, events, "client.tm.commitRetryCount", 10*time.Second)
	assert.Equal(t, "7", ev.NewValue)
	assert.Equal(t, "5", ev.OldValue)
	assert.Equal(t, configsource.OriginRemote, ev.Origin)
	assert.Greater(t, ev.Version, written.Entry.Version)
}

func TestRemovedFileDeletesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	src, err := New(path)
	require.NoError(t, err)
	defer src.Close()
	ctx := context.Background()

	_, err = src.Write(ctx, "a", "1")
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	_, err = src.Read(ctx, "a")
	assert.ErrorIs(t, err, configsource.ErrNotFound)

	res, err := src.Write(ctx, "a", "2")
	require.NoError(t, err)
	assert.Greater(t, res.Entry.Version, int64(2))
}

func TestTruncatedFileIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	src, err := New(path)
	require.NoError(t, err)
	defer src.Close()
	ctx := context.Background()

	_, err = src.Write(ctx, "a", "1")
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, 0))

	got, err := src.Read(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Value)
}

func TestCorruptFileIsBackendError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("[broken"), 0o644))

	_, err := New(path)
	assert.ErrorIs(t, err, configsource.ErrBackend)
}

func TestClosed(t *testing.T) {
	src, err := New(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	_, err = src.Watch(context.Background())
	require.NoError(t, err)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	_, err = src.Read(context.Background(), "a")
	assert.ErrorIs(t, err, configsource.ErrClosed)
}

func TestSourcesSharingAFileKeepEveryWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	ctx := context.Background()

	const writers, perWriter = 2, 50
	versions := make([][]int64, writers)
	var wg sync.WaitGroup
	for w := range writers {
		src, err := New(path)
		require.NoError(t, err)
		defer src.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				res, err := src.Write(ctx, fmt.Sprintf("w%d.k%02d", w, i), "v")
				if !assert.NoError(t, err) {
					return
				}
				versions[w] = append(versions[w], res.Entry.Version)
			}
		}()
	}
	wg.Wait()

	reader, err := New(path)
	require.NoError(t, err)
	defer reader.Close()
	entries, err := reader.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, writers*perWriter)

	seen := map[int64]bool{}
	for w, vs := range versions {
		for i, v := range vs {
			assert.False(t, seen[v], "version %d handed out twice", v)
			seen[v] = true
			if i > 0 {
				assert.Greater(t, v, vs[i-1], "writer %d versions must increase", w)
			}
		}
	}
}

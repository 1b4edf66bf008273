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

package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/txconfig/configdb"
	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configsource/sourcetest"
)

// mockQuerier mimics config_entries, its version sequence and its notify trigger.
type mockQuerier struct {
	mu        sync.Mutex
	rows      map[string]configdb.ConfigEntry
	seq       int64
	listeners map[int]func(configdb.EntryNotification)
	nextID    int
	closed    bool
	failWith  error
}

func newMockQuerier() *mockQuerier {
	return &mockQuerier{
		rows:      map[string]configdb.ConfigEntry{},
		listeners: map[int]func(configdb.EntryNotification){},
	}
}

func (m *mockQuerier) notify(n configdb.EntryNotification) {
	for _, fn := range m.listeners {
		fn(n)
	}
}

func (m *mockQuerier) GetEntry(_ context.Context, dataID string) (configdb.ConfigEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return configdb.ConfigEntry{}, m.failWith
	}
	row, ok := m.rows[dataID]
	if !ok {
		return configdb.ConfigEntry{}, pgx.ErrNoRows
	}
	return row, nil
}

func (m *mockQuerier) UpsertEntry(_ context.Context, arg configdb.UpsertEntryParams) (configdb.UpsertEntryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return configdb.UpsertEntryRow{}, m.failWith
	}
	var out configdb.UpsertEntryRow
	if prev, ok := m.rows[arg.DataID]; ok {
		out.PrevContent = &prev.Content
		out.PrevVersion = &prev.Version
	}
	m.seq++
	out.ConfigEntry = configdb.ConfigEntry{DataID: arg.DataID, Content: arg.Content, Version: m.seq, UpdatedAt: time.Now()}
	m.rows[arg.DataID] = out.ConfigEntry
	m.notify(configdb.EntryNotification{Op: configdb.NotificationOpUpsert, DataID: arg.DataID, Version: m.seq})
	return out, nil
}

func (m *mockQuerier) DeleteEntry(_ context.Context, dataID string) (configdb.DeleteEntryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.rows[dataID]
	if !ok {
		return configdb.DeleteEntryRow{}, pgx.ErrNoRows
	}
	delete(m.rows, dataID)
	m.seq++
	m.notify(configdb.EntryNotification{Op: configdb.NotificationOpDelete, DataID: dataID, Version: m.seq})
	return configdb.DeleteEntryRow{Previous: prev, Version: m.seq}, nil
}

func (m *mockQuerier) sorted(prefix string) []configdb.ConfigEntry {
	var out []configdb.ConfigEntry
	for _, r := range m.rows {
		if strings.HasPrefix(r.DataID, prefix) {
			out = append(out, r)
		}
	}
	entries := toEntries(out)
	configsource.SortEntries(entries)
	rows := make([]configdb.ConfigEntry, len(entries))
	for i, e := range entries {
		rows[i] = m.rows[e.Key]
	}
	return rows
}

func (m *mockQuerier) ListEntries(_ context.Context) ([]configdb.ConfigEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(""), nil
}

func (m *mockQuerier) ListEntriesPage(_ context.Context, arg configdb.ListEntriesPageParams) ([]configdb.ConfigEntry, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(arg.Prefix)
	start, end := configsource.PageBounds(len(all), arg.Offset, arg.Limit)
	return all[start:end], int64(len(all)), nil
}

// Listen delivers synchronously from inside the mutating call, like a trigger would
// before commit returns, and blocks until ctx ends.
func (m *mockQuerier) Listen(ctx context.Context, ready func(), fn func(configdb.EntryNotification)) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	ready()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.listeners, id)
	m.mu.Unlock()
	return nil
}

func (m *mockQuerier) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func TestConformance(t *testing.T) {
	sourcetest.Run(t, func(t *testing.T) configsource.Source {
		return New(newMockQuerier(), nil)
	})
}

func TestWritePrevious(t *testing.T) {
	src := New(newMockQuerier(), nil)
	defer src.Close()
	ctx := context.Background()

	first, err := src.Write(ctx, "client.rm.reportRetryCount", "5")
	require.NoError(t, err)
	second, err := src.Write(ctx, "client.rm.reportRetryCount", "10")
	require.NoError(t, err)

	require.NotNil(t, second.Previous)
	assert.Equal(t, "5", second.Previous.Value)
	assert.Equal(t, first.Entry.Version, second.Previous.Version)
}

func TestBackendFailure(t *testing.T) {
	db := newMockQuerier()
	db.failWith = errors.New("connection refused")
	src := New(db, nil)
	defer src.Close()

	_, err := src.Read(context.Background(), "a")
	assert.ErrorIs(t, err, configsource.ErrBackend)
	assert.Equal(t, configsource.KindBackend, configsource.KindOf(err))

	db.failWith = context.DeadlineExceeded
	_, err = src.Write(context.Background(), "a", "1")
	assert.ErrorIs(t, err, configsource.ErrBackendTimeout)
}

func TestUpsertForDeletedRowIsSkipped(t *testing.T) {
	src := New(newMockQuerier(), nil)
	defer src.Close()

	_, ok := src.resolve(context.Background(), configdb.EntryNotification{
		Op: configdb.NotificationOpUpsert, DataID: "gone", Version: 3,
	})
	assert.False(t, ok)

	ev, ok := src.resolve(context.Background(), configdb.EntryNotification{
		Op: configdb.NotificationOpDelete, DataID: "gone", Version: 4,
	})
	require.True(t, ok)
	assert.True(t, ev.Deleted)
	assert.Equal(t, int64(4), ev.Version)
}

func TestCloseStopsWatchAndClosesDB(t *testing.T) {
	db := newMockQuerier()
	src := New(db, nil)

	events, err := src.Watch(context.Background())
	require.NoError(t, err)
	require.NoError(t, src.Close())

	_, open := <-events
	assert.False(t, open)
	assert.True(t, db.closed)

	_, err = src.Watch(context.Background())
	assert.ErrorIs(t, err, configsource.ErrClosed)
}

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

// Package postgres is the configuration source backed by the config_entries table.
package postgres

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/cardinalhq/txconfig/configdb"
	"github.com/cardinalhq/txconfig/internal/configsource"
)

const name = "postgres"

// Querier is the database surface the source uses.
type Querier interface {
	GetEntry(ctx context.Context, dataID string) (configdb.ConfigEntry, error)
	UpsertEntry(ctx context.Context, arg configdb.UpsertEntryParams) (configdb.UpsertEntryRow, error)
	DeleteEntry(ctx context.Context, dataID string) (configdb.DeleteEntryRow, error)
	ListEntries(ctx context.Context) ([]configdb.ConfigEntry, error)
	ListEntriesPage(ctx context.Context, arg configdb.ListEntriesPageParams) ([]configdb.ConfigEntry, int64, error)
	Listen(ctx context.Context, ready func(), fn func(configdb.EntryNotification)) error
	Close()
}

type Source struct {
	db     Querier
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
	_ configsource.Pager   = (*Source)(nil)
)

// New wraps db. The source owns db and closes it on Close.
func New(db Querier, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{db: db, logger: logger}
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
	row, err := s.db.GetEntry(ctx, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return configsource.Entry{}, configsource.NotFound(key)
	}
	if err != nil {
		return configsource.Entry{}, configsource.BackendError(name, "read", err)
	}
	return toEntry(row), nil
}

func (s *Source) Write(ctx context.Context, key, value string) (configsource.WriteResult, error) {
	if s.isClosed() {
		return configsource.WriteResult{}, configsource.ErrClosed
	}
	row, err := s.db.UpsertEntry(ctx, configdb.UpsertEntryParams{DataID: key, Content: value})
	if err != nil {
		return configsource.WriteResult{}, configsource.BackendError(name, "write", err)
	}
	res := configsource.WriteResult{Entry: toEntry(row.ConfigEntry)}
	if row.PrevContent != nil {
		prev := configsource.Entry{Key: key, Value: *row.PrevContent}
		if row.PrevVersion != nil {
			prev.Version = *row.PrevVersion
		}
		res.Previous = &prev
	}
	return res, nil
}

func (s *Source) Delete(ctx context.Context, key string) (configsource.DeleteResult, error) {
	if s.isClosed() {
		return configsource.DeleteResult{}, configsource.ErrClosed
	}
	row, err := s.db.DeleteEntry(ctx, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return configsource.DeleteResult{}, configsource.NotFound(key)
	}
	if err != nil {
		return configsource.DeleteResult{}, configsource.BackendError(name, "delete", err)
	}
	return configsource.DeleteResult{Previous: toEntry(row.Previous), Version: row.Version}, nil
}

func (s *Source) List(ctx context.Context) ([]configsource.Entry, error) {
	if s.isClosed() {
		return nil, configsource.ErrClosed
	}
	rows, err := s.db.ListEntries(ctx)
	if err != nil {
		return nil, configsource.BackendError(name, "list", err)
	}
	return toEntries(rows), nil
}

func (s *Source) ListPage(ctx context.Context, q configsource.Query) ([]configsource.Entry, int, error) {
	if s.isClosed() {
		return nil, 0, configsource.ErrClosed
	}
	rows, total, err := s.db.ListEntriesPage(ctx, configdb.ListEntriesPageParams{
		Prefix: q.Prefix,
		Offset: q.Offset,
		Limit:  q.Limit,
	})
	if err != nil {
		return nil, 0, configsource.BackendError(name, "list", err)
	}
	return toEntries(rows), int(total), nil
}

// Watch follows the config_entries_changed channel. Notifications only carry the key and
// version, so upserts are resolved with a read; an upsert whose row is already gone is
// skipped because its delete notification follows.
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

	out := make(chan configsource.ChangeEvent, 64)
	notes := make(chan configdb.EntryNotification, 64)
	listening := make(chan struct{})
	listenDone := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(listenDone)
		defer close(notes)
		err := s.db.Listen(ctx, func() { once.Do(func() { close(listening) }) }, func(n configdb.EntryNotification) {
			select {
			case notes <- n:
			case <-ctx.Done():
			}
		})
		if err != nil {
			s.logger.Error("Config entry listener stopped", slog.Any("error", err))
		}
	}()

	// Changes committed before the LISTEN took effect would be missed, so wait for it.
	select {
	case <-listening:
	case <-listenDone:
	case <-ctx.Done():
	}

	go func() {
		defer s.wg.Done()
		defer close(out)
		for n := range notes {
			ev, ok := s.resolve(ctx, n)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		<-listenDone
	}()
	return out, nil
}

func (s *Source) resolve(ctx context.Context, n configdb.EntryNotification) (configsource.ChangeEvent, bool) {
	if n.Op == configdb.NotificationOpDelete {
		return configsource.DeletedEvent(n.DataID, n.Version, configsource.OriginRemote), true
	}
	row, err := s.db.GetEntry(ctx, n.DataID)
	if errors.Is(err, pgx.ErrNoRows) {
		return configsource.ChangeEvent{}, false
	}
	if err != nil {
		s.logger.Warn("Failed to resolve config entry notification",
			slog.String("key", n.DataID), slog.Any("error", err))
		return configsource.ChangeEvent{}, false
	}
	return configsource.WriteResult{Entry: toEntry(row)}.Event(configsource.OriginRemote), true
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
	s.db.Close()
	return nil
}

func toEntry(row configdb.ConfigEntry) configsource.Entry {
	return configsource.Entry{Key: row.DataID, Value: row.Content, Version: row.Version, UpdatedAt: row.UpdatedAt}
}

func toEntries(rows []configdb.ConfigEntry) []configsource.Entry {
	out := make([]configsource.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, toEntry(r))
	}
	return out
}

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

package configdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the channel the config_entries trigger publishes on.
const NotifyChannel = "config_entries_changed"

// Store provides all functions to execute db queries and transactions
type Store struct {
	*Queries
	connPool *pgxpool.Pool
}

// StoreFull is everything the postgres configuration source needs from the database.
type StoreFull interface {
	GetEntry(ctx context.Context, dataID string) (ConfigEntry, error)
	UpsertEntry(ctx context.Context, arg UpsertEntryParams) (UpsertEntryRow, error)
	DeleteEntry(ctx context.Context, dataID string) (DeleteEntryRow, error)
	ListEntries(ctx context.Context) ([]ConfigEntry, error)
	ListEntriesPage(ctx context.Context, arg ListEntriesPageParams) ([]ConfigEntry, int64, error)
	Listen(ctx context.Context, ready func(), fn func(EntryNotification)) error
	Close()
}

var _ StoreFull = (*Store)(nil)

// NewStore creates a new Store
func NewStore(connPool *pgxpool.Pool) *Store {
	return &Store{
		Queries:  New(connPool),
		connPool: connPool,
	}
}

func (s *Store) Close() {
	s.connPool.Close()
}

// DeleteEntry removes one entry and returns it together with the version the delete
// trigger assigned. It returns pgx.ErrNoRows when the entry does not exist.
func (s *Store) DeleteEntry(ctx context.Context, dataID string) (DeleteEntryRow, error) {
	var out DeleteEntryRow
	err := pgx.BeginFunc(ctx, s.connPool, func(tx pgx.Tx) error {
		q := s.WithTx(tx)
		prev, err := q.DeleteEntryRow(ctx, dataID)
		if err != nil {
			return err
		}
		version, err := q.LastDeleteVersion(ctx)
		if err != nil {
			return fmt.Errorf("reading delete version: %w", err)
		}
		out = DeleteEntryRow{Previous: prev, Version: version}
		return nil
	})
	return out, err
}

// Listen holds one pooled connection in LISTEN mode and calls fn for every notification
// until ctx is done. ready is called each time the LISTEN takes effect. Lost connections
// are re-established after a short pause.
func (s *Store) Listen(ctx context.Context, ready func(), fn func(EntryNotification)) error {
	for {
		err := s.listenOnce(ctx, ready, fn)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Config entry listener lost its connection, reconnecting", slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context, ready func(), fn func(EntryNotification)) error {
	conn, err := s.connPool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listening on %s: %w", NotifyChannel, err)
	}
	if ready != nil {
		ready()
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var payload EntryNotification
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			slog.Warn("Ignoring malformed config entry notification",
				slog.String("payload", n.Payload), slog.Any("error", err))
			continue
		}
		fn(payload)
	}
}

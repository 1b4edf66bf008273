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

package migrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// MigrationsTable records the applied schema version.
const MigrationsTable = "gomigrate_txconfig"

// newMigrator binds the embedded migrations to pool. release closes the driver and the
// database/sql handle borrowed from the pool, not the pool itself.
func newMigrator(pool *pgxpool.Pool) (m *migrate.Migrate, release func(), err error) {
	src, err := iofs.New(migrationFiles, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("reading embedded migrations: %w", err)
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	driver, err := pgx.WithInstance(sqlDB, &pgx.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("creating migration driver: %w", err)
	}
	m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, func() {
		_ = driver.Close()
		_ = sqlDB.Close()
	}, nil
}

// version reports the applied version, 0 when nothing has been applied yet.
func version(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return v, dirty, nil
}

// RunMigrationsUp brings the config_entries schema to the newest embedded version.
func RunMigrationsUp(_ context.Context, pool *pgxpool.Pool) error {
	m, closeFn, err := newMigrator(pool)
	if err != nil {
		return err
	}
	defer closeFn()

	from, dirty, err := version(m)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty; repair %s before migrating", from, MigrationsTable)
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		slog.Info("Configuration schema is up to date", slog.Uint64("version", uint64(from)))
		return nil
	case err != nil:
		return fmt.Errorf("migration failed: %w", err)
	}

	to, _, err := version(m)
	if err != nil {
		return err
	}
	slog.Info("Configuration schema migrated",
		slog.Uint64("from_version", uint64(from)),
		slog.Uint64("to_version", uint64(to)))
	return nil
}

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

// Package testhelpers gives integration tests a throwaway, migrated configdb.
package testhelpers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/orlangure/gnomock"
	"github.com/orlangure/gnomock/preset/postgres"

	"github.com/cardinalhq/txconfig/configdb"
	configdbmigrations "github.com/cardinalhq/txconfig/configdb/migrations"
)

// BaseURLEnv names a postgres server to use instead of starting a container.
const BaseURLEnv = "TXCONFIG_TEST_DATABASE_URL"

// StartPostgres returns the URL of a postgres server for a test binary: the one named
// by TXCONFIG_TEST_DATABASE_URL, or a fresh gnomock container. Call stop when m.Run
// returns.
func StartPostgres() (baseURL string, stop func(), err error) {
	if u := os.Getenv(BaseURLEnv); u != "" {
		return u, func() {}, nil
	}
	container, err := gnomock.Start(postgres.Preset(
		postgres.WithUser("txconfig", "txconfig"),
		postgres.WithDatabase("txconfig"),
		postgres.WithVersion("16"),
	))
	if err != nil {
		return "", nil, fmt.Errorf("starting postgres container: %w", err)
	}
	baseURL = fmt.Sprintf("postgres://txconfig:txconfig@%s/txconfig?sslmode=disable", container.DefaultAddress())
	return baseURL, func() { _ = gnomock.Stop(container) }, nil
}

// SetupTestConfigDB creates a database of its own for t on the server at baseURL,
// applies the configdb migrations and returns its URL. The database is dropped when
// the test ends.
func SetupTestConfigDB(t *testing.T, baseURL string) string {
	t.Helper()
	ctx := context.Background()

	dbName := fmt.Sprintf("test_configdb_%d_%d", time.Now().Unix(), rand.IntN(100000))

	basePool, err := pgxpool.New(ctx, baseURL)
	if err != nil {
		t.Fatalf("Failed to connect to base database: %v", err)
	}
	if _, err := basePool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{dbName}.Sanitize()); err != nil {
		basePool.Close()
		t.Fatalf("Failed to create test database %s: %v", dbName, err)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		basePool.Close()
		t.Fatalf("Failed to parse base database URL: %v", err)
	}
	u.Path = "/" + dbName
	testURL := u.String()

	pool, err := configdb.NewConnectionPool(ctx, testURL)
	if err != nil {
		basePool.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	err = configdbmigrations.RunMigrationsUp(ctx, pool)
	pool.Close()
	if err != nil {
		basePool.Close()
		t.Fatalf("Failed to run configdb migrations: %v", err)
	}

	t.Cleanup(func() {
		// WITH (FORCE) ends LISTEN connections the test may have left behind.
		_, err := basePool.Exec(context.Background(),
			"DROP DATABASE IF EXISTS "+pgx.Identifier{dbName}.Sanitize()+" WITH (FORCE)")
		if err != nil {
			slog.Error("Failed to drop test database", slog.String("dbName", dbName), slog.Any("error", err))
		}
		basePool.Close()
	})
	return testURL
}

// NewTestConfigDBStore returns a store on a fresh, migrated database. The store is
// closed when the test ends.
func NewTestConfigDBStore(t *testing.T, baseURL string) *configdb.Store {
	t.Helper()
	return NewTestConfigDBStoreAt(t, SetupTestConfigDB(t, baseURL))
}

// NewTestConfigDBStoreAt connects a store to a database made by SetupTestConfigDB, so
// that several stores can share one table.
func NewTestConfigDBStoreAt(t *testing.T, dbURL string) *configdb.Store {
	t.Helper()
	pool, err := configdb.NewConnectionPool(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	store := configdb.NewStore(pool)
	t.Cleanup(store.Close)
	return store
}

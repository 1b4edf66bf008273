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
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	configdbmigrations "github.com/cardinalhq/txconfig/configdb/migrations"
	"github.com/cardinalhq/txconfig/internal/dbopen"
)

// DefaultEnvPrefix names the PREFIX_URL / PREFIX_HOST ... variables read when no URL
// is configured.
const DefaultEnvPrefix = "TXCONFIG_DB"

// ConnectToConfigDB opens a pool against url, or against the database described by the
// envPrefix variables when url is empty, and verifies the schema version.
func ConnectToConfigDB(ctx context.Context, url, envPrefix string, opts ...dbopen.Options) (*pgxpool.Pool, error) {
	if url == "" {
		if envPrefix == "" {
			envPrefix = DefaultEnvPrefix
		}
		var err error
		url, err = dbopen.GetDatabaseURLFromEnv(envPrefix)
		if err != nil {
			return nil, errors.Join(dbopen.ErrDatabaseNotConfigured, fmt.Errorf("failed to get %s connection string: %w", envPrefix, err))
		}
	}

	pool, err := NewConnectionPool(ctx, url)
	if err != nil {
		return nil, err
	}

	var migrationCheckOptions []configdbmigrations.CheckOption
	if len(opts) > 0 && len(opts[0].MigrationCheckOptions) > 0 {
		migrationCheckOptions = opts[0].MigrationCheckOptions
	}

	if err := configdbmigrations.CheckVersion(ctx, pool, migrationCheckOptions...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("configdb migration version check failed: %w", err)
	}

	return pool, nil
}

// ConfigDBStore connects and wraps the pool in a Store.
func ConfigDBStore(ctx context.Context, url, envPrefix string, opts ...dbopen.Options) (*Store, error) {
	pool, err := ConnectToConfigDB(ctx, url, envPrefix, opts...)
	if err != nil {
		return nil, err
	}
	return NewStore(pool), nil
}

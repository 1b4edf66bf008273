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
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var migrationFiles embed.FS

// CheckVersion verifies that the database schema is at the version this binary expects.
// Environment variables set the defaults; opts override them.
func CheckVersion(ctx context.Context, pool *pgxpool.Pool, opts ...CheckOption) error {
	config := getMigrationCheckConfig()
	for _, o := range opts {
		o(&config)
	}
	if config.Mode == CheckModeSkip {
		slog.Debug("Migration version checking disabled for configdb")
		return nil
	}

	err := checkMigrationVersion(ctx, config, func() (uint, bool, error) {
		return currentVersion(pool)
	})
	if err != nil && config.Mode == CheckModeWarn {
		slog.Warn("Configuration schema version mismatch, continuing", slog.Any("error", err))
		return nil
	}
	return err
}

// getMigrationCheckConfig returns migration check configuration from environment variables
func getMigrationCheckConfig() CheckOptions {
	config := DefaultCheckOptions()

	if val := os.Getenv("TXCONFIG_MIGRATION_CHECK_ENABLED"); val != "" && strings.ToLower(val) != "true" {
		config.Mode = CheckModeSkip
	}
	if val := os.Getenv("TXCONFIG_MIGRATION_CHECK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Timeout = d
		}
	}
	if val := os.Getenv("TXCONFIG_MIGRATION_CHECK_RETRY_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.RetryInterval = d
		}
	}
	if val := os.Getenv("TXCONFIG_MIGRATION_CHECK_ALLOW_DIRTY"); val != "" {
		config.AllowDirty = strings.ToLower(val) == "true"
	}
	return config
}

// extractLatestMigrationVersion extracts the highest migration version from embedded migration files
func extractLatestMigrationVersion(files embed.FS) (uint, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var maxVersion uint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		// "1760870400_config_entries.up.sql"
		prefix, _, _ := strings.Cut(entry.Name(), "_")
		version, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		maxVersion = max(maxVersion, uint(version))
	}

	if maxVersion == 0 {
		return 0, errors.New("no valid migration files found")
	}
	return maxVersion, nil
}

// checkMigrationVersion polls current until it reports the expected version, the schema
// turns out newer than expected, or the timeout passes.
func checkMigrationVersion(ctx context.Context, config CheckOptions, current func() (uint, bool, error)) error {
	expectedVersion, err := extractLatestMigrationVersion(migrationFiles)
	if err != nil {
		return fmt.Errorf("failed to extract expected migration version: %w", err)
	}

	deadline := time.Now().Add(config.Timeout)
	ticker := time.NewTicker(config.RetryInterval)
	defer ticker.Stop()

	for {
		currentVersion, dirty, err := current()
		if err != nil {
			return fmt.Errorf("failed to get current migration version: %w", err)
		}
		if dirty && !config.AllowDirty {
			return errors.New("configdb migration is in dirty state, please fix before proceeding")
		}
		if dirty {
			slog.Warn("Database migration is dirty but allowed to continue")
		}

		if currentVersion == expectedVersion {
			slog.Debug("Migration version check passed", slog.Uint64("version", uint64(currentVersion)))
			return nil
		}
		if currentVersion > expectedVersion {
			return fmt.Errorf("configdb version %d is newer than expected version %d - you may need to update the application",
				currentVersion, expectedVersion)
		}
		if config.Mode != CheckModeWait || time.Now().After(deadline) {
			return fmt.Errorf("configdb schema at version %d, expected %d; run `txconfig migrate`",
				currentVersion, expectedVersion)
		}

		slog.Info("Waiting for migrations to complete",
			slog.Uint64("current_version", uint64(currentVersion)),
			slog.Uint64("expected_version", uint64(expectedVersion)),
			slog.Duration("remaining_timeout", time.Until(deadline)))

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for configdb migrations: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func currentVersion(pool *pgxpool.Pool) (uint, bool, error) {
	m, closeFn, err := newMigrator(pool)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()
	return version(m)
}

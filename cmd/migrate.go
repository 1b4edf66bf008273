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

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/txconfig/config"
	"github.com/cardinalhq/txconfig/configdb"
	configdbmigrations "github.com/cardinalhq/txconfig/configdb/migrations"
	"github.com/cardinalhq/txconfig/internal/dbopen"
	"github.com/cardinalhq/txconfig/internal/sourcefactory"
)

func init() {
	rootCmd.AddCommand(MigrateCmd)
}

var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  "Bring the config_entries schema of the postgres backend up to date",
	Args:  cobra.NoArgs,
	RunE:  migrate,
}

func migrate(cmd *cobra.Command, _ []string) error {
	_, shutdown, err := setupTelemetry(cmd.CommandPath())
	if err != nil {
		return err
	}
	defer func() { _ = shutdown() }()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Backend.Type != sourcefactory.TypePostgres {
		return fmt.Errorf("backend.type is %q; migrations only apply to %q", cfg.Backend.Type, sourcefactory.TypePostgres)
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(5*time.Minute))
	defer cancel()

	pool, err := configdb.ConnectToConfigDB(ctx, cfg.Backend.Postgres.URL, cfg.Backend.Postgres.EnvPrefix, dbopen.SkipMigrationCheck())
	if err != nil {
		return err
	}
	defer pool.Close()

	slog.Info("Running configdb migrations")
	if err := configdbmigrations.RunMigrationsUp(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate configdb: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "configdb migrations completed successfully")
	return nil
}

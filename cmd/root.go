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
	"os"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/txconfig/config"
	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configstore"
	"github.com/cardinalhq/txconfig/internal/sourcefactory"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "txconfig",
	Short: "Inspect and change transaction coordinator configuration",
	Long: `Read, change, list and follow the dynamic configuration of a transaction
coordinator, whichever backend it is kept in.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a txconfig.yaml file (default: ./txconfig.yaml or /etc/txconfig/txconfig.yaml)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode separates "the key is not there" from real failures so scripts can tell them
// apart.
func exitCode(err error) int {
	switch configsource.KindOf(err) {
	case configsource.KindNotFound:
		return 2
	case configsource.KindInvalidArgument, configsource.KindUnsupported:
		return 3
	}
	return 1
}

// storeOptions tunes how a command opens the store.
type storeOptions struct {
	watch bool
}

// openStore loads configuration, connects to the backend and builds the store. The
// caller closes the store.
func openStore(ctx context.Context, so storeOptions) (*config.Config, *configstore.Store, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	src, err := sourcefactory.Open(ctx, cfg.Backend, slog.Default())
	if err != nil {
		return nil, nil, err
	}

	opts := append(cfg.StoreOptions(), configstore.WithLogger(slog.Default()))
	if !so.watch {
		opts = append(opts, configstore.WithoutWatch())
	}
	store, err := configstore.New(ctx, src, opts...)
	if err != nil {
		_ = src.Close()
		return nil, nil, err
	}
	return cfg, store, nil
}

// withStore runs fn against a freshly opened store and closes it afterwards.
func withStore(cmd *cobra.Command, so storeOptions, fn func(ctx context.Context, cfg *config.Config, store *configstore.Store) error) error {
	ctx, shutdown, err := setupTelemetry(cmd.CommandPath())
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(); err != nil {
			slog.Warn("Telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	cfg, store, err := openStore(ctx, so)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Closing configuration store failed", slog.Any("error", err))
		}
	}()

	err = fn(ctx, cfg, store)
	recordCommand(ctx, cmd.Name(), err)
	return err
}

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
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/txconfig/config"
	"github.com/cardinalhq/txconfig/internal/configstore"
)

var (
	getShowEntry bool
	getDefault   string
)

func init() {
	getCmd.Flags().BoolVar(&getShowEntry, "entry", false, "Print version and update time along with the value")
	getCmd.Flags().StringVar(&getDefault, "default", "", "Value printed when the key is not set, instead of failing")
	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the value of a configuration key",
	Long: `Print the value of a configuration key. Keys that are not set fall back to
store.defaults and otherwise fail with exit status 2.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, storeOptions{}, func(ctx context.Context, _ *config.Config, store *configstore.Store) error {
			return runGet(ctx, cmd, store, args[0])
		})
	},
}

func runGet(ctx context.Context, cmd *cobra.Command, store *configstore.Store, key string) error {
	out := cmd.OutOrStdout()
	if getShowEntry {
		e, err := store.Entry(ctx, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "key:        %s\nvalue:      %s\nversion:    %d\nupdated_at: %s\n",
			e.Key, e.Value, e.Version, e.UpdatedAt.UTC().Format(time.RFC3339))
		return nil
	}

	if cmd.Flags().Changed("default") {
		fmt.Fprintln(out, store.GetOrDefault(ctx, key, getDefault))
		return nil
	}
	value, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, value)
	return nil
}

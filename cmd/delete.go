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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/txconfig/config"
	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configstore"
)

var deleteIgnoreMissing bool

func init() {
	deleteCmd.Flags().BoolVar(&deleteIgnoreMissing, "ignore-missing", false, "Succeed when the key is not set")
	rootCmd.AddCommand(deleteCmd)
}

var deleteCmd = &cobra.Command{
	Use:     "delete KEY...",
	Aliases: []string{"rm"},
	Short:   "Remove configuration keys",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, storeOptions{}, func(ctx context.Context, _ *config.Config, store *configstore.Store) error {
			for _, key := range args {
				err := store.Delete(ctx, key)
				if deleteIgnoreMissing && errors.Is(err, configsource.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", key)
			}
			return nil
		})
	},
}

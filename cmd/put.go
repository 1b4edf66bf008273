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
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/txconfig/config"
	"github.com/cardinalhq/txconfig/internal/configstore"
)

var putValueFile string

func init() {
	putCmd.Flags().StringVarP(&putValueFile, "file", "f", "", "Read the value from a file, or from stdin when set to -")
	rootCmd.AddCommand(putCmd)
}

var putCmd = &cobra.Command{
	Use:   "put KEY [VALUE]",
	Short: "Set a configuration key",
	Long: `Set a configuration key. The value is the second argument, or the contents of
--file. A failed put is never retried; check the backend before trying again.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := putValue(cmd, args)
		if err != nil {
			return err
		}
		return withStore(cmd, storeOptions{}, func(ctx context.Context, _ *config.Config, store *configstore.Store) error {
			return runPut(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), store, args[0], value)
		})
	},
}

// runPut writes key and reports the new version. The version comes from a read after the
// write; when that read fails the write still counts as done.
func runPut(ctx context.Context, out, errOut io.Writer, store *configstore.Store, key, value string) error {
	if err := store.Put(ctx, key, value); err != nil {
		return err
	}
	if e, err := store.Entry(ctx, key); err == nil {
		fmt.Fprintf(out, "%s updated to version %d\n", e.Key, e.Version)
	} else {
		slog.Debug("Reading back the written key failed", slog.String("key", key), slog.Any("error", err))
		fmt.Fprintf(out, "%s updated\n", key)
	}
	if !store.Synchronous() {
		fmt.Fprintln(errOut, "note: this backend applies writes asynchronously; other readers may see the old value briefly")
	}
	return nil
}

func putValue(cmd *cobra.Command, args []string) (string, error) {
	switch {
	case len(args) == 2 && putValueFile != "":
		return "", errors.New("give the value either as an argument or with --file, not both")
	case len(args) == 2:
		return args[1], nil
	case putValueFile == "":
		return "", errors.New("missing value: give it as the second argument or with --file")
	case putValueFile == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	}
	b, err := os.ReadFile(putValueFile)
	return string(b), err
}

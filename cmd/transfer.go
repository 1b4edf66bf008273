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
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/txconfig/config"
	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configsource/document"
	"github.com/cardinalhq/txconfig/internal/configstore"
)

var (
	importDryRun  bool
	importSkipSet bool
	exportPrefix  string
)

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Show what would change without writing")
	importCmd.Flags().BoolVar(&importSkipSet, "skip-existing", false, "Leave keys that are already set untouched")
	exportCmd.Flags().StringVar(&exportPrefix, "prefix", "", "Only export keys starting with this prefix")
	rootCmd.AddCommand(importCmd, exportCmd)
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Load keys from a YAML file",
	Long: `Load keys from a YAML file, either a flat mapping of key to value or the
layout written by the file backend. Use - to read stdin. Keys whose stored value already
matches are skipped. Each key is a separate write, so an interrupted import leaves the
keys before the failure applied.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := readImport(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, storeOptions{}, func(ctx context.Context, _ *config.Config, store *configstore.Store) error {
			return runImport(ctx, cmd.OutOrStdout(), store, entries)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every key as a flat YAML mapping to stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, storeOptions{}, func(ctx context.Context, _ *config.Config, store *configstore.Store) error {
			entries, err := store.List(ctx)
			if err != nil {
				return err
			}
			return writeExport(cmd.OutOrStdout(), configsource.FilterPrefix(entries, exportPrefix))
		})
	},
}

func readImport(stdin io.Reader, path string) ([]configsource.Entry, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	doc, err := document.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return doc.Sorted(), nil
}

func runImport(ctx context.Context, out io.Writer, store *configstore.Store, entries []configsource.Entry) error {
	var written, unchanged int
	for _, e := range entries {
		current, err := store.Entry(ctx, e.Key)
		found := err == nil
		if err != nil && !errors.Is(err, configsource.ErrNotFound) {
			return err
		}
		if found && (current.Value == e.Value || importSkipSet) {
			unchanged++
			continue
		}
		if importDryRun {
			fmt.Fprintf(out, "would set %s\n", e.Key)
			written++
			continue
		}
		if err := store.Put(ctx, e.Key, e.Value); err != nil {
			return fmt.Errorf("import stopped at %s after %d writes: %w", e.Key, written, err)
		}
		slog.Debug("Imported configuration key", slog.String("key", e.Key))
		written++
	}
	verb := "wrote"
	if importDryRun {
		verb = "would write"
	}
	fmt.Fprintf(out, "%s %d keys, %d unchanged\n", verb, written, unchanged)
	return nil
}

func writeExport(w io.Writer, entries []configsource.Entry) error {
	flat := make(map[string]string, len(entries))
	for _, e := range entries {
		flat[e.Key] = e.Value
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(flat); err != nil {
		return err
	}
	return enc.Close()
}

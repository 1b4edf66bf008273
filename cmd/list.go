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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/txconfig/config"
	"github.com/cardinalhq/txconfig/internal/configstore"
	"github.com/cardinalhq/txconfig/internal/listing"
)

var (
	listPage   int
	listSize   int
	listPrefix string
	listOutput string
)

func init() {
	listCmd.Flags().IntVar(&listPage, "page", 1, "Page number, starting at 1")
	listCmd.Flags().IntVar(&listSize, "size", 20, "Entries per page")
	listCmd.Flags().StringVar(&listPrefix, "prefix", "", "Only list keys starting with this prefix")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format: table or json")
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List configuration entries one page at a time, sorted by key",
	Long: `List configuration entries one page at a time, sorted by key.

Pages are computed on each call, so keys added or removed between two calls can shift
entries from one page to the next.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, storeOptions{}, func(ctx context.Context, cfg *config.Config, store *configstore.Store) error {
			svc := listing.New(store, listing.WithMaxPageSize(cfg.Listing.MaxPageSize))
			page, err := svc.List(ctx, listing.Query{Page: listPage, Size: listSize, Prefix: listPrefix})
			if err != nil {
				return err
			}
			return printPage(cmd.OutOrStdout(), page, listOutput)
		})
	},
}

func printPage(w io.Writer, page listing.Page, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(page)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE\tVERSION\tUPDATED")
	for _, e := range page.Items {
		updated := "-"
		if !e.UpdatedAt.IsZero() {
			updated = e.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Key, displayValue(e.Value), e.Version, updated)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\npage %d of %d, %d entries\n", page.Page, max(page.Pages(), 1), page.Total)
	return err
}

// displayValue keeps one entry on one table row.
func displayValue(v string) string {
	const limit = 60
	v = strings.ReplaceAll(v, "\n", `\n`)
	if r := []rune(v); len(r) > limit {
		return string(r[:limit-3]) + "..."
	}
	return v
}

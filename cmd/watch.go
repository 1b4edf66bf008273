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
	"errors"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/txconfig/config"
	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configstore"
	"github.com/cardinalhq/txconfig/internal/listeners"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [PATTERN]",
	Short: "Print configuration changes as they happen, one JSON object per line",
	Long: `Print configuration changes as they happen, one JSON object per line, until
interrupted. PATTERN selects keys with shell glob syntax ("retry.*"); the default
matches every key. Only backends that can report changes support watching.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := listeners.MatchAll
		if len(args) == 1 {
			pattern = args[0]
		}
		if err := listeners.ValidatePattern(pattern); err != nil {
			return err
		}
		return withStore(cmd, storeOptions{watch: true}, func(ctx context.Context, _ *config.Config, store *configstore.Store) error {
			if _, ok := store.Source().(configsource.Watcher); !ok {
				return errors.Join(configsource.ErrUnsupported,
					errors.New(store.Source().Name()+" backend cannot report changes"))
			}
			printer := newEventPrinter(cmd.OutOrStdout())
			if _, err := store.Subscribe(pattern, printer); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		})
	},
}

// eventPrinter writes each change as a JSON line.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w)}
}

func (p *eventPrinter) OnChange(_ context.Context, ev configsource.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(ev)
}

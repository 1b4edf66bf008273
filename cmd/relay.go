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
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/txconfig/config"
	"github.com/cardinalhq/txconfig/internal/changefeed"
	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configstore"
	"github.com/cardinalhq/txconfig/internal/healthcheck"
	"github.com/cardinalhq/txconfig/internal/listeners"
)

func init() {
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish every configuration change to the Kafka change feed",
	Long: `Follow the configuration backend and publish each change to the Kafka topic
named by changefeed.topic until interrupted. Run one relay per backend; every writer's
changes reach the topic through the backend's watch.

While running, the relay serves /healthz, /readyz and /livez on health.port. Readiness
drops when the last publish to Kafka failed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, storeOptions{watch: true}, runRelay)
	},
}

func runRelay(ctx context.Context, cfg *config.Config, store *configstore.Store) error {
	if !cfg.Changefeed.Enabled {
		return errors.New("changefeed.enabled is false; nothing to relay")
	}
	if _, ok := store.Source().(configsource.Watcher); !ok {
		return errors.Join(configsource.ErrUnsupported,
			errors.New(store.Source().Name()+" backend cannot report changes"))
	}

	health := healthcheck.NewServer(cfg.Health)
	go func() {
		if err := health.Start(ctx); err != nil {
			slog.Error("Health check server failed", slog.Any("error", err))
		}
	}()

	feed, err := changefeed.New(cfg.Changefeed, store.Source().Name(), slog.Default())
	if err != nil {
		health.SetStatus(healthcheck.StatusUnhealthy)
		return err
	}
	return relayChanges(ctx, store, feed, health, cfg.Changefeed.Topic)
}

// relayDrainTimeout bounds how long shutdown waits for queued changes to reach Kafka.
var relayDrainTimeout = 10 * time.Second

// relayChanges publishes changes to feed until ctx ends. Changes already queued then are
// published before the feed is closed.
func relayChanges(ctx context.Context, store *configstore.Store, feed *changefeed.Feed, health *healthcheck.Server, topic string) error {
	defer func() {
		if err := feed.Close(); err != nil {
			slog.Warn("Closing change feed failed", slog.Any("error", err))
		}
	}()

	health.SetCondition("changefeed", true)
	h, err := store.Subscribe(listeners.MatchAll, &trackedFeed{feed: feed, health: health})
	if err != nil {
		return err
	}
	health.SetStatus(healthcheck.StatusHealthy)
	slog.Warn("Relaying configuration changes",
		slog.String("backend", store.Source().Name()),
		slog.String("topic", topic),
		slog.String("subscription", h.String()))

	<-ctx.Done()
	health.SetStatus(healthcheck.StatusUnhealthy)

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayDrainTimeout)
	defer cancel()
	if err := store.Drain(drainCtx, h); err != nil {
		slog.Error("Changes were still queued at shutdown", slog.Any("error", err))
	}
	return nil
}

// trackedFeed reports the outcome of the last publish as the changefeed readiness
// condition.
type trackedFeed struct {
	feed   *changefeed.Feed
	health *healthcheck.Server
}

func (t *trackedFeed) OnChange(ctx context.Context, ev configsource.ChangeEvent) error {
	err := t.feed.OnChange(ctx, ev)
	t.health.SetCondition("changefeed", err == nil)
	return err
}

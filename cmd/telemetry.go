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
	"time"

	"github.com/cardinalhq/oteltools/pkg/telemetry"
	"github.com/oklog/ulid/v2"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/host"
	iruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

var (
	meter = otel.Meter("github.com/cardinalhq/txconfig")

	myInstanceID = ulid.Make().String()

	commandCounter metric.Int64Counter
)

func init() {
	var err error
	commandCounter, err = meter.Int64Counter(
		"txconfig.cli.commands",
		metric.WithDescription("Commands run, by name and error kind"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cli.commands counter: %w", err))
	}
}

func logLevel() slog.Level {
	switch {
	case os.Getenv("DEBUG") != "" || os.Getenv("TXCONFIG_DEBUG") != "":
		return slog.LevelDebug
	case os.Getenv("TXCONFIG_VERBOSE") != "":
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

func otlpEnabled() bool {
	return os.Getenv("OTEL_SERVICE_NAME") != "" && os.Getenv("ENABLE_OTLP_TELEMETRY") == "true"
}

// setupTelemetry installs the default logger and, when OTLP export is enabled, the
// OpenTelemetry SDK. Logs go to stderr so that command output on stdout stays parseable.
// The returned context is cancelled on SIGINT or SIGTERM.
func setupTelemetry(servicename string) (context.Context, func() error, error) {
	ctx, cancel := handleSignals(context.Background())

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()})
	if !otlpEnabled() {
		slog.SetDefault(slog.New(handler).With(
			slog.String("service", servicename),
			slog.String("instanceID", myInstanceID),
		))
		return ctx, func() error { cancel(); return nil }, nil
	}

	handler = slogmulti.Fanout(handler, otelslog.NewHandler(servicename))
	slog.SetDefault(slog.New(handler).With(
		slog.String("service", servicename),
		slog.String("instanceID", myInstanceID),
	))

	sdkShutdown, err := telemetry.SetupOTelSDK(ctx)
	if err != nil {
		cancel()
		return ctx, nil, fmt.Errorf("failed to setup OpenTelemetry SDK: %w", err)
	}
	slog.Info("OpenTelemetry exporting enabled")

	if err := iruntime.Start(iruntime.WithMinimumReadMemStatsInterval(10 * time.Second)); err != nil {
		slog.Warn("Runtime metrics unavailable", slog.Any("error", err))
	}
	if err := host.Start(); err != nil {
		slog.Warn("Host metrics unavailable", slog.Any("error", err))
	}

	return ctx, func() error {
		defer cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return sdkShutdown(shutdownCtx)
	}, nil
}

func recordCommand(ctx context.Context, name string, err error) {
	commandCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", name),
		attribute.String("kind", configsource.KindOf(err).String()),
	))
}

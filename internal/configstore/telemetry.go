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

package configstore

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

const (
	opGet    = "get"
	opPut    = "put"
	opDelete = "delete"
)

var (
	operationCounter  otelmetric.Int64Counter
	operationDuration otelmetric.Float64Histogram
	changeCounter     otelmetric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/txconfig/internal/configstore")

	var err error
	operationCounter, err = meter.Int64Counter(
		"txconfig.store.operations",
		otelmetric.WithDescription("Store operations by type and error kind"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create store.operations counter: %w", err))
	}

	operationDuration, err = meter.Float64Histogram(
		"txconfig.store.operation.duration",
		otelmetric.WithDescription("Store operation latency"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create store.operation.duration histogram: %w", err))
	}

	changeCounter, err = meter.Int64Counter(
		"txconfig.store.changes",
		otelmetric.WithDescription("Change events announced to listeners, by origin"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create store.changes counter: %w", err))
	}
}

func recordOperation(ctx context.Context, op string, err error, elapsed time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("kind", configsource.KindOf(err).String()),
	)
	operationCounter.Add(ctx, 1, attrs)
	operationDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func recordChange(ctx context.Context, ev configsource.ChangeEvent) {
	changeCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("origin", string(ev.Origin)),
		attribute.Bool("deleted", ev.Deleted),
	))
}

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

package listeners

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const (
	resultOK    = "ok"
	resultError = "error"
	resultPanic = "panic"
)

var (
	deliveryCounter   otelmetric.Int64Counter
	subscriptionGauge otelmetric.Int64UpDownCounter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/txconfig/internal/listeners")

	var err error
	deliveryCounter, err = meter.Int64Counter(
		"txconfig.listeners.deliveries",
		otelmetric.WithDescription("Change events handed to listeners, by outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create listeners.deliveries counter: %w", err))
	}

	subscriptionGauge, err = meter.Int64UpDownCounter(
		"txconfig.listeners.subscriptions",
		otelmetric.WithDescription("Active change listener subscriptions"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create listeners.subscriptions counter: %w", err))
	}
}

func recordDelivery(ctx context.Context, result string) {
	deliveryCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("result", result)))
}

func recordSubscriptions(ctx context.Context, delta int64) {
	subscriptionGauge.Add(ctx, delta)
}

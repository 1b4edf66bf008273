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

package configcache

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	lookupCounter     otelmetric.Int64Counter
	fillCounter       otelmetric.Int64Counter
	invalidateCounter otelmetric.Int64Counter
)

var (
	hitAttrs        = otelmetric.WithAttributes(attribute.String("result", "hit"))
	missAttrs       = otelmetric.WithAttributes(attribute.String("result", "miss"))
	appliedAttrs    = otelmetric.WithAttributes(attribute.String("result", "applied"))
	staleAttrs      = otelmetric.WithAttributes(attribute.String("result", "stale"))
	updateAttrs     = otelmetric.WithAttributes(attribute.String("reason", "update"))
	invalidateAttrs = otelmetric.WithAttributes(attribute.String("reason", "invalidate"))
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/txconfig/internal/configcache")

	var err error
	lookupCounter, err = meter.Int64Counter(
		"txconfig.cache.lookups",
		otelmetric.WithDescription("Cache lookups by result (hit or miss)"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.lookups counter: %w", err))
	}

	fillCounter, err = meter.Int64Counter(
		"txconfig.cache.fills",
		otelmetric.WithDescription("Read-through fills, applied or discarded as stale"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.fills counter: %w", err))
	}

	invalidateCounter, err = meter.Int64Counter(
		"txconfig.cache.invalidations",
		otelmetric.WithDescription("Cache entries replaced or dropped after a change"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.invalidations counter: %w", err))
	}
}

func recordHit(ctx context.Context)        { lookupCounter.Add(ctx, 1, hitAttrs) }
func recordMiss(ctx context.Context)       { lookupCounter.Add(ctx, 1, missAttrs) }
func recordFill(ctx context.Context)       { fillCounter.Add(ctx, 1, appliedAttrs) }
func recordStaleFill(ctx context.Context)  { fillCounter.Add(ctx, 1, staleAttrs) }
func recordUpdate(ctx context.Context)     { invalidateCounter.Add(ctx, 1, updateAttrs) }
func recordInvalidate(ctx context.Context) { invalidateCounter.Add(ctx, 1, invalidateAttrs) }

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

// Package listing builds paginated, key-ordered views of the configuration for operators.
//
// Pages are computed over the entries sorted ascending by key. Pagination is not stable
// across concurrent writes: a key created between two page fetches shifts every later
// entry by one position.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

// DefaultMaxPageSize caps the page size when no other limit is configured.
const DefaultMaxPageSize = 500

// Backend is what the service lists from. configstore.Store satisfies it.
type Backend interface {
	List(ctx context.Context) ([]configsource.Entry, error)
	ListPage(ctx context.Context, q configsource.Query) ([]configsource.Entry, int, error)
}

// Query selects one page. Page is 1-based.
type Query struct {
	Page   int
	Size   int
	Prefix string
}

type Page struct {
	Items []configsource.Entry `json:"items"`
	Page  int                  `json:"page"`
	Size  int                  `json:"size"`
	Total int                  `json:"total"`
}

// Pages is the number of pages needed to show Total entries at this page size.
func (p Page) Pages() int {
	if p.Size <= 0 || p.Total == 0 {
		return 0
	}
	return (p.Total + p.Size - 1) / p.Size
}

type Service struct {
	backend     Backend
	maxPageSize int
	logger      *slog.Logger
	tracer      trace.Tracer
	noPager     atomic.Bool
}

type Option func(*Service)

// WithMaxPageSize clamps larger requested sizes to n.
func WithMaxPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPageSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:     backend,
		maxPageSize: DefaultMaxPageSize,
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/cardinalhq/txconfig/internal/listing"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns the requested page. A page past the end is empty but still reports Total.
func (s *Service) List(ctx context.Context, q Query) (page Page, err error) {
	ctx, span := s.tracer.Start(ctx, "Listing.List", trace.WithAttributes(
		attribute.Int("listing.page", q.Page),
		attribute.Int("listing.size", q.Size),
		attribute.String("listing.prefix", q.Prefix),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if q.Page < 1 {
		return Page{}, fmt.Errorf("%w: page must be at least 1, got %d", configsource.ErrInvalidArgument, q.Page)
	}
	if q.Size < 1 {
		return Page{}, fmt.Errorf("%w: page size must be at least 1, got %d", configsource.ErrInvalidArgument, q.Size)
	}
	size := min(q.Size, s.maxPageSize)
	offset := math.MaxInt
	if q.Page-1 <= math.MaxInt/size {
		offset = (q.Page - 1) * size
	}

	items, total, err := s.window(ctx, configsource.Query{Prefix: q.Prefix, Offset: offset, Limit: size})
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []configsource.Entry{}
	}
	span.SetAttributes(attribute.Int("listing.total", total))
	return Page{Items: items, Page: q.Page, Size: size, Total: total}, nil
}

// window asks the backend to page when it can, and otherwise slices a full snapshot.
func (s *Service) window(ctx context.Context, q configsource.Query) ([]configsource.Entry, int, error) {
	if !s.noPager.Load() {
		items, total, err := s.backend.ListPage(ctx, q)
		if !errors.Is(err, configsource.ErrUnsupported) {
			return items, total, err
		}
		s.noPager.Store(true)
		s.logger.Debug("Backend cannot page, listing from full snapshots")
	}

	all, err := s.backend.List(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := configsource.FilterPrefix(all, q.Prefix)
	start, end := configsource.PageBounds(len(matched), q.Offset, q.Limit)
	return matched[start:end], len(matched), nil
}

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

	"github.com/cardinalhq/txconfig/internal/configsource"
)

// List returns every stored entry sorted by key. Defaults are not included.
func (s *Store) List(ctx context.Context) ([]configsource.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	entries, err := s.source.List(ctx)
	if err != nil {
		return nil, s.classify("list", err)
	}
	return entries, nil
}

// ListPage asks the source for one window of entries. It fails with
// configsource.ErrUnsupported when the source cannot page by itself.
func (s *Store) ListPage(ctx context.Context, q configsource.Query) ([]configsource.Entry, int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, err
	}
	pager, ok := s.source.(configsource.Pager)
	if !ok {
		return nil, 0, configsource.ErrUnsupported
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	entries, total, err := pager.ListPage(ctx, q)
	if err != nil {
		return nil, 0, s.classify("list", err)
	}
	return entries, total, nil
}

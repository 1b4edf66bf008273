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

package listing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configsource/memory"
	"github.com/cardinalhq/txconfig/internal/configstore"
)

// snapshotOnly hides the memory source's paging so the store reports ErrUnsupported.
type snapshotOnly struct {
	configsource.Source
}

func newStore(t *testing.T, src configsource.Source) *configstore.Store {
	t.Helper()
	s, err := configstore.New(t.Context(), src, configstore.WithoutWatch())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// backends returns one store that pages natively and one that has to fall back.
func backends(t *testing.T, initial map[string]string) map[string]*configstore.Store {
	return map[string]*configstore.Store{
		"pager":    newStore(t, memory.New(initial)),
		"snapshot": newStore(t, snapshotOnly{memory.New(initial)}),
	}
}

func hundredKeys() map[string]string {
	m := make(map[string]string, 100)
	for i := range 100 {
		m[fmt.Sprintf("key.%03d", i)] = fmt.Sprint(i)
	}
	return m
}

func TestHundredKeys(t *testing.T) {
	for name, store := range backends(t, hundredKeys()) {
		t.Run(name, func(t *testing.T) {
			svc := New(store)
			ctx := t.Context()

			first, err := svc.List(ctx, Query{Page: 1, Size: 10})
			require.NoError(t, err)
			assert.Equal(t, 100, first.Total)
			assert.Equal(t, 10, first.Pages())
			require.Len(t, first.Items, 10)
			for i, e := range first.Items {
				assert.Equal(t, fmt.Sprintf("key.%03d", i), e.Key)
			}

			last, err := svc.List(ctx, Query{Page: 10, Size: 10})
			require.NoError(t, err)
			require.Len(t, last.Items, 10)
			assert.Equal(t, "key.090", last.Items[0].Key)
			assert.Equal(t, "key.099", last.Items[9].Key)

			past, err := svc.List(ctx, Query{Page: 11, Size: 10})
			require.NoError(t, err)
			assert.Empty(t, past.Items)
			assert.NotNil(t, past.Items)
			assert.Equal(t, 100, past.Total)
			assert.Equal(t, 11, past.Page)
		})
	}
}

func TestListIsIdempotent(t *testing.T) {
	for name, store := range backends(t, hundredKeys()) {
		t.Run(name, func(t *testing.T) {
			svc := New(store)
			a, err := svc.List(t.Context(), Query{Page: 1, Size: 10})
			require.NoError(t, err)
			b, err := svc.List(t.Context(), Query{Page: 1, Size: 10})
			require.NoError(t, err)
			assert.Equal(t, a, b)
		})
	}
}

func TestPagesCoverEverythingOnce(t *testing.T) {
	for name, store := range backends(t, hundredKeys()) {
		for _, size := range []int{1, 7, 10, 33, 100, 250} {
			t.Run(fmt.Sprintf("%s/%d", name, size), func(t *testing.T) {
				svc := New(store)
				var keys []string
				for page := 1; ; page++ {
					p, err := svc.List(t.Context(), Query{Page: page, Size: size})
					require.NoError(t, err)
					if len(p.Items) == 0 {
						assert.Equal(t, p.Pages()+1, page)
						break
					}
					for _, e := range p.Items {
						keys = append(keys, e.Key)
					}
				}
				require.Len(t, keys, 100)
				for i, k := range keys {
					assert.Equal(t, fmt.Sprintf("key.%03d", i), k)
				}
			})
		}
	}
}

func TestSingleEntryScenario(t *testing.T) {
	store := newStore(t, memory.New(nil))
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, "retry.timeout", "5000"))
	got, err := store.Get(ctx, "retry.timeout")
	require.NoError(t, err)
	assert.Equal(t, "5000", got)

	p, err := New(store).List(ctx, Query{Page: 1, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Total)
	require.Len(t, p.Items, 1)
	assert.Equal(t, "retry.timeout", p.Items[0].Key)
	assert.Equal(t, "5000", p.Items[0].Value)
}

func TestPrefix(t *testing.T) {
	initial := map[string]string{
		"retry.count":     "3",
		"retry.timeout":   "5000",
		"service.name":    "coordinator",
		"service.workers": "8",
	}
	for name, store := range backends(t, initial) {
		t.Run(name, func(t *testing.T) {
			p, err := New(store).List(t.Context(), Query{Page: 1, Size: 10, Prefix: "service."})
			require.NoError(t, err)
			assert.Equal(t, 2, p.Total)
			require.Len(t, p.Items, 2)
			assert.Equal(t, "service.name", p.Items[0].Key)
			assert.Equal(t, "service.workers", p.Items[1].Key)
		})
	}
}

func TestInvalidArguments(t *testing.T) {
	svc := New(newStore(t, memory.New(nil)))
	tests := []struct {
		name string
		q    Query
	}{
		{"zero size", Query{Page: 1, Size: 0}},
		{"negative size", Query{Page: 1, Size: -5}},
		{"zero page", Query{Page: 0, Size: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.List(t.Context(), tt.q)
			assert.ErrorIs(t, err, configsource.ErrInvalidArgument)
		})
	}
}

func TestSizeIsClamped(t *testing.T) {
	svc := New(newStore(t, memory.New(hundredKeys())), WithMaxPageSize(25))
	p, err := svc.List(t.Context(), Query{Page: 2, Size: 1000})
	require.NoError(t, err)
	assert.Equal(t, 25, p.Size)
	require.Len(t, p.Items, 25)
	assert.Equal(t, "key.025", p.Items[0].Key)
}

func TestHugePageNumber(t *testing.T) {
	svc := New(newStore(t, memory.New(hundredKeys())))
	p, err := svc.List(t.Context(), Query{Page: 1 << 62, Size: 100})
	require.NoError(t, err)
	assert.Empty(t, p.Items)
	assert.Equal(t, 100, p.Total)
}

type failingBackend struct{}

func (failingBackend) List(context.Context) ([]configsource.Entry, error) {
	return nil, configsource.BackendError("fake", "list", errors.New("connection refused"))
}

func (failingBackend) ListPage(context.Context, configsource.Query) ([]configsource.Entry, int, error) {
	return nil, 0, configsource.ErrUnsupported
}

func TestBackendErrorsPropagate(t *testing.T) {
	_, err := New(failingBackend{}).List(t.Context(), Query{Page: 1, Size: 10})
	assert.ErrorIs(t, err, configsource.ErrBackend)
}

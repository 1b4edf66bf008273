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

package configsource

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	require.NoError(t, ValidateKey("retry.timeout"))
	require.NoError(t, ValidateKey(strings.Repeat("k", MaxKeyLength)))

	for _, key := range []string{"", " retry", "retry ", "\tretry", strings.Repeat("k", MaxKeyLength+1)} {
		err := ValidateKey(key)
		assert.ErrorIs(t, err, ErrInvalidArgument, "key %q", key)
	}
}

func TestSortAndFilter(t *testing.T) {
	entries := []Entry{{Key: "b"}, {Key: "service.b"}, {Key: "a"}, {Key: "service.a"}}
	SortEntries(entries)

	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"a", "b", "service.a", "service.b"}, keys)

	filtered := FilterPrefix(entries, "service.")
	require.Len(t, filtered, 2)
	assert.Equal(t, "service.a", filtered[0].Key)
	assert.Len(t, FilterPrefix(entries, ""), 4)
}

func TestPageBounds(t *testing.T) {
	tests := []struct {
		n, offset, limit int
		start, end       int
	}{
		{100, 0, 10, 0, 10},
		{100, 90, 10, 90, 100},
		{100, 95, 10, 95, 100},
		{100, 100, 10, 100, 100},
		{100, 250, 10, 100, 100},
		{0, 0, 10, 0, 0},
	}
	for _, tt := range tests {
		start, end := PageBounds(tt.n, tt.offset, tt.limit)
		assert.Equal(t, tt.start, start)
		assert.Equal(t, tt.end, end)
	}
}

func TestWriteResultEvent(t *testing.T) {
	now := time.Now()
	res := WriteResult{
		Entry:    Entry{Key: "retry.timeout", Value: "5000", Version: 7, UpdatedAt: now},
		Previous: &Entry{Key: "retry.timeout", Value: "3000", Version: 3},
	}
	ev := res.Event(OriginLocal)
	assert.Equal(t, "retry.timeout", ev.Key)
	assert.Equal(t, "5000", ev.NewValue)
	assert.Equal(t, "3000", ev.OldValue)
	assert.True(t, ev.HasOld)
	assert.Equal(t, int64(7), ev.Version)
	assert.Equal(t, now, ev.Timestamp)
	assert.Equal(t, OriginLocal, ev.Origin)

	fresh := WriteResult{Entry: Entry{Key: "k", Value: "v", Version: 1}}.Event(OriginRemote)
	assert.False(t, fresh.HasOld)
	assert.False(t, fresh.Timestamp.IsZero())
}

func TestDeleteResultEvent(t *testing.T) {
	ev := DeleteResult{Previous: Entry{Key: "k", Value: "v"}, Version: 9}.Event(OriginLocal)
	assert.True(t, ev.Deleted)
	assert.True(t, ev.HasOld)
	assert.Equal(t, "v", ev.OldValue)
	assert.Equal(t, int64(9), ev.Version)
}

func TestDeletedEvent(t *testing.T) {
	ev := DeletedEvent("k", 4, OriginRemote)
	assert.True(t, ev.Deleted)
	assert.False(t, ev.HasOld)
	assert.Equal(t, int64(4), ev.Version)
	assert.Equal(t, OriginRemote, ev.Origin)
	assert.False(t, ev.Timestamp.IsZero())
}

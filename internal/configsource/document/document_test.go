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

package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

func TestDecodeEmpty(t *testing.T) {
	doc, err := Decode([]byte("  \n"))
	require.NoError(t, err)
	assert.Zero(t, doc.Revision)
	assert.Empty(t, doc.Entries)
}

func TestDecodeFlat(t *testing.T) {
	doc, err := Decode([]byte("store.mode: db\nretry.timeout: \"5000\"\n"))
	require.NoError(t, err)
	require.Len(t, doc.Entries, 2)

	// Numbered in key order.
	assert.Equal(t, int64(1), doc.Entries["retry.timeout"].Version)
	assert.Equal(t, int64(2), doc.Entries["store.mode"].Version)
	assert.Equal(t, "db", doc.Entries["store.mode"].Value)
	assert.Equal(t, int64(2), doc.Revision)
}

func TestDecodeStructured(t *testing.T) {
	src := `
revision: 4
entries:
  a:
    value: "1"
    version: 9
  b:
    value: "2"
`
	doc, err := Decode([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, int64(9), doc.Entries["a"].Version)
	assert.Equal(t, int64(10), doc.Entries["b"].Version)
	assert.Equal(t, int64(10), doc.Revision)
}

func TestDecodeRejectsBadKey(t *testing.T) {
	_, err := Decode([]byte("\" padded\": x\n"))
	assert.ErrorIs(t, err, configsource.ErrInvalidArgument)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("[not, a, map"))
	assert.Error(t, err)
}

func TestEncodeRoundTrip(t *testing.T) {
	doc := New()
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	doc.Put("retry.timeout", "5000", now)
	doc.Put("store.mode", "file", now)
	doc.Put("retry.timeout", "6000", now)

	data, err := doc.Encode()
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, doc.Revision, back.Revision)
	assert.Equal(t, doc.Entries, back.Entries)
}

func TestPutDelete(t *testing.T) {
	doc := New()
	now := time.Now()

	first := doc.Put("k", "1", now)
	assert.Nil(t, first.Previous)
	second := doc.Put("k", "2", now)
	require.NotNil(t, second.Previous)
	assert.Equal(t, "1", second.Previous.Value)
	assert.Greater(t, second.Entry.Version, first.Entry.Version)

	res, ok := doc.Delete("k")
	require.True(t, ok)
	assert.Equal(t, "2", res.Previous.Value)
	assert.Greater(t, res.Version, second.Entry.Version)

	_, ok = doc.Delete("k")
	assert.False(t, ok)
}

func TestCloneIsIndependent(t *testing.T) {
	doc := New()
	doc.Put("k", "1", time.Now())
	c := doc.Clone()
	c.Put("k", "2", time.Now())

	e, _ := doc.Get("k")
	assert.Equal(t, "1", e.Value)
}

func TestReconcileHandEdit(t *testing.T) {
	now := time.Now()
	prev := New()
	prev.Put("a", "1", now)
	prev.Put("b", "2", now)
	prev.Put("c", "3", now)

	// A hand edit: a unchanged, b changed without bumping versions, c removed, d added.
	next, err := Decode([]byte("a: \"1\"\nb: \"20\"\nd: \"4\"\n"))
	require.NoError(t, err)

	events := Reconcile(prev, next, now)
	require.Len(t, events, 3)

	assert.Equal(t, "b", events[0].Key)
	assert.Equal(t, "20", events[0].NewValue)
	assert.Equal(t, "2", events[0].OldValue)
	assert.Greater(t, events[0].Version, prev.Revision)

	assert.Equal(t, "c", events[1].Key)
	assert.True(t, events[1].Deleted)

	assert.Equal(t, "d", events[2].Key)
	assert.False(t, events[2].HasOld)

	assert.Equal(t, prev.Entries["a"].Version, next.Entries["a"].Version)
	assert.Equal(t, events[0].Version, next.Entries["b"].Version)
	assert.GreaterOrEqual(t, next.Revision, events[2].Version)
	assert.Less(t, events[0].Version, events[1].Version)
	assert.Less(t, events[1].Version, events[2].Version)
}

func TestReconcileKeepsNewerVersions(t *testing.T) {
	now := time.Now()
	prev := New()
	prev.Put("a", "1", now)

	next := prev.Clone()
	w := next.Put("a", "2", now)

	events := Reconcile(prev, next, now)
	require.Len(t, events, 1)
	assert.Equal(t, w.Entry.Version, events[0].Version)
	assert.Equal(t, w.Entry.Version, next.Revision)
}

func TestReconcileNoChanges(t *testing.T) {
	prev := New()
	prev.Put("a", "1", time.Now())
	assert.Empty(t, Reconcile(prev, prev.Clone(), time.Now()))
}

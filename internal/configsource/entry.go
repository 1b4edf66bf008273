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
	"fmt"
	"slices"
	"strings"
	"time"
)

// MaxKeyLength is the longest key, in bytes, accepted by the store.
const MaxKeyLength = 256

// Entry is one configuration item as held by a backend.
type Entry struct {
	Key       string    `json:"key" yaml:"key"`
	Value     string    `json:"value" yaml:"value"`
	Version   int64     `json:"version" yaml:"version"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// WriteResult describes a committed write. Previous is nil when the key did not exist
// before the write or when the backend cannot report the prior value.
type WriteResult struct {
	Entry    Entry
	Previous *Entry
}

// DeleteResult describes a committed delete.
type DeleteResult struct {
	Previous Entry
	Version  int64
}

// Origin tells whether a change was made through this process or observed from the backend.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ChangeEvent is emitted once for every successful mutation.
type ChangeEvent struct {
	Key       string    `json:"key"`
	OldValue  string    `json:"old_value,omitempty"`
	HasOld    bool      `json:"has_old"`
	NewValue  string    `json:"new_value,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Origin    Origin    `json:"origin"`
}

// Event converts a write into the change event it produces.
func (r WriteResult) Event(origin Origin) ChangeEvent {
	ev := ChangeEvent{
		Key:       r.Entry.Key,
		NewValue:  r.Entry.Value,
		Version:   r.Entry.Version,
		Timestamp: r.Entry.UpdatedAt,
		Origin:    origin,
	}
	if r.Previous != nil {
		ev.OldValue = r.Previous.Value
		ev.HasOld = true
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev
}

// Event converts a delete into the change event it produces.
func (r DeleteResult) Event(origin Origin) ChangeEvent {
	return ChangeEvent{
		Key:       r.Previous.Key,
		OldValue:  r.Previous.Value,
		HasOld:    true,
		Deleted:   true,
		Version:   r.Version,
		Timestamp: time.Now(),
		Origin:    origin,
	}
}

// DeletedEvent describes a delete observed without the removed value.
func DeletedEvent(key string, version int64, origin Origin) ChangeEvent {
	return ChangeEvent{
		Key:       key,
		Deleted:   true,
		Version:   version,
		Timestamp: time.Now(),
		Origin:    origin,
	}
}

// ValidateKey reports whether key can be stored.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	case strings.TrimSpace(key) != key:
		return fmt.Errorf("%w: key %q has leading or trailing whitespace", ErrInvalidArgument, key)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: key is %d bytes, limit is %d", ErrInvalidArgument, len(key), MaxKeyLength)
	}
	return nil
}

// SortEntries orders entries ascending by key, in place.
func SortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Key, b.Key)
	})
}

// FilterPrefix returns the entries whose key starts with prefix. An empty prefix returns
// entries unchanged.
func FilterPrefix(entries []Entry, prefix string) []Entry {
	if prefix == "" {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Key, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// PageBounds clamps the half-open range [offset, offset+limit) to a slice of length n.
func PageBounds(n, offset, limit int) (int, int) {
	if offset >= n {
		return n, n
	}
	end := offset + limit
	if end > n || end < offset {
		end = n
	}
	return offset, end
}

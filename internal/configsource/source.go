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

import "context"

// Source is one configuration storage medium.
//
// Implementations must be safe for concurrent use. Write must be atomic per key: a
// concurrent reader sees either the previous value or the new one, never a mix.
type Source interface {
	// Name identifies the backend in logs and errors, e.g. "postgres".
	Name() string
	// Read returns the entry for key or an error wrapping ErrNotFound.
	Read(ctx context.Context, key string) (Entry, error)
	// Write creates or replaces the value of key.
	Write(ctx context.Context, key, value string) (WriteResult, error)
	// List returns every entry sorted ascending by key.
	List(ctx context.Context) ([]Entry, error)
	// Close releases backend resources.
	Close() error
}

// Deleter is implemented by sources that support explicit removal.
type Deleter interface {
	// Delete removes key, returning an error wrapping ErrNotFound if it is absent.
	Delete(ctx context.Context, key string) (DeleteResult, error)
}

// Watcher is implemented by sources that can report mutations made by other processes.
type Watcher interface {
	// Watch streams change events until ctx is done. The channel is closed when the
	// watch ends. Events for mutations made through this source may be delivered too.
	Watch(ctx context.Context) (<-chan ChangeEvent, error)
}

// Query selects a window of entries for backend-side paging.
type Query struct {
	Prefix string
	Offset int
	Limit  int
}

// Pager is implemented by sources that can page without materializing the full key set.
type Pager interface {
	// ListPage returns the entries of the window, sorted ascending by key, and the total
	// number of entries that match the prefix.
	ListPage(ctx context.Context, q Query) ([]Entry, int, error)
}

// Synchronous is implemented by sources whose commit visibility needs to be declared.
// A synchronous source makes a write visible to every reader once Write returns.
type Synchronous interface {
	Synchronous() bool
}

// IsSynchronous reports whether writes to src are immediately visible. Sources that do not
// implement Synchronous are treated as synchronous.
func IsSynchronous(src Source) bool {
	if s, ok := src.(Synchronous); ok {
		return s.Synchronous()
	}
	return true
}

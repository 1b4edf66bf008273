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

// Package configsource defines the backend abstraction for the configuration store.
//
// # Sources
//
// A Source reads, writes and lists configuration entries held by one storage medium.
// Optional capabilities are expressed as separate interfaces that a Source may implement:
// Deleter (explicit removal), Watcher (backend-originated change events), Pager
// (backend-side paging) and Synchronous (whether a committed write is immediately visible
// to readers).
//
// # Versions
//
// Every committed mutation carries a version assigned by the backend. Versions increase
// monotonically across the whole source, so a later mutation of a key always has a larger
// version than an earlier one, including across delete and re-create.
//
// # Errors
//
// Missing keys are reported as ErrNotFound, never as an empty value. Driver failures are
// classified with BackendError into ErrBackend or ErrBackendTimeout so callers can tell
// them apart with errors.Is or KindOf.
package configsource

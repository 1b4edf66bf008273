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

package configdb

import (
	"time"
)

// ConfigEntry is one row of config_entries.
type ConfigEntry struct {
	DataID    string    `json:"data_id"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type UpsertEntryParams struct {
	DataID  string `json:"data_id"`
	Content string `json:"content"`
}

type UpsertEntryRow struct {
	ConfigEntry
	PrevContent *string `json:"prev_content"`
	PrevVersion *int64  `json:"prev_version"`
}

type DeleteEntryRow struct {
	Previous ConfigEntry `json:"previous"`
	// Version is the sequence value assigned to the delete itself.
	Version int64 `json:"version"`
}

type ListEntriesPageParams struct {
	Prefix string `json:"prefix"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// EntryNotification is the payload of the config_entries_changed channel.
type EntryNotification struct {
	Op      string `json:"op"`
	DataID  string `json:"data_id"`
	Version int64  `json:"version"`
}

const (
	NotificationOpUpsert = "upsert"
	NotificationOpDelete = "delete"
)

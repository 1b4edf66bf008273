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
	"context"
)

const getEntry = `-- name: GetEntry :one
SELECT data_id, content, version, updated_at
FROM config_entries
WHERE data_id = $1
`

func (q *Queries) GetEntry(ctx context.Context, dataID string) (ConfigEntry, error) {
	row := q.db.QueryRow(ctx, getEntry, dataID)
	var i ConfigEntry
	err := row.Scan(
		&i.DataID,
		&i.Content,
		&i.Version,
		&i.UpdatedAt,
	)
	return i, err
}

const upsertEntry = `-- name: UpsertEntry :one
WITH prev AS (
  SELECT content, version
  FROM config_entries
  WHERE data_id = $1
  FOR UPDATE
), up AS (
  INSERT INTO config_entries (data_id, content, version, updated_at)
  VALUES ($1, $2, nextval('config_entry_version_seq'), now())
  ON CONFLICT (data_id) DO UPDATE
    SET content = EXCLUDED.content,
        version = EXCLUDED.version,
        updated_at = EXCLUDED.updated_at
  RETURNING data_id, content, version, updated_at
)
SELECT up.data_id, up.content, up.version, up.updated_at, prev.content AS prev_content, prev.version AS prev_version
FROM up
LEFT JOIN prev ON true
`

func (q *Queries) UpsertEntry(ctx context.Context, arg UpsertEntryParams) (UpsertEntryRow, error) {
	row := q.db.QueryRow(ctx, upsertEntry, arg.DataID, arg.Content)
	var i UpsertEntryRow
	err := row.Scan(
		&i.DataID,
		&i.Content,
		&i.Version,
		&i.UpdatedAt,
		&i.PrevContent,
		&i.PrevVersion,
	)
	return i, err
}

const deleteEntryRow = `-- name: DeleteEntryRow :one
DELETE FROM config_entries
WHERE data_id = $1
RETURNING data_id, content, version, updated_at
`

func (q *Queries) DeleteEntryRow(ctx context.Context, dataID string) (ConfigEntry, error) {
	row := q.db.QueryRow(ctx, deleteEntryRow, dataID)
	var i ConfigEntry
	err := row.Scan(
		&i.DataID,
		&i.Content,
		&i.Version,
		&i.UpdatedAt,
	)
	return i, err
}

const lastDeleteVersion = `-- name: LastDeleteVersion :one
SELECT currval('config_entry_version_seq')::bigint
`

// LastDeleteVersion returns the sequence value the delete trigger drew in this session.
func (q *Queries) LastDeleteVersion(ctx context.Context) (int64, error) {
	row := q.db.QueryRow(ctx, lastDeleteVersion)
	var v int64
	err := row.Scan(&v)
	return v, err
}

const listEntries = `-- name: ListEntries :many
SELECT data_id, content, version, updated_at
FROM config_entries
ORDER BY data_id COLLATE "C"
`

func (q *Queries) ListEntries(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := q.db.Query(ctx, listEntries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ConfigEntry
	for rows.Next() {
		var i ConfigEntry
		if err := rows.Scan(
			&i.DataID,
			&i.Content,
			&i.Version,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

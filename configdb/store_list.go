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
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var entryColumns = []string{"data_id", "content", "version", "updated_at"}

// byteOrder sorts keys bytewise whatever the database collation, matching strings.Compare
// and the text_pattern_ops index.
const byteOrder = `data_id COLLATE "C"`

// likeEscaper escapes LIKE wildcards using the default backslash escape character.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func applyPrefix(qb sq.SelectBuilder, prefix string) sq.SelectBuilder {
	if prefix == "" {
		return qb
	}
	return qb.Where(sq.Like{"data_id": likeEscaper.Replace(prefix) + "%"})
}

func buildListPage(arg ListEntriesPageParams) (string, []any, error) {
	qb := applyPrefix(psq.Select(entryColumns...).From("config_entries"), arg.Prefix).
		OrderBy(byteOrder)
	if arg.Limit > 0 {
		qb = qb.Limit(uint64(arg.Limit))
	}
	if arg.Offset > 0 {
		qb = qb.Offset(uint64(arg.Offset))
	}
	return qb.ToSql()
}

func buildCount(prefix string) (string, []any, error) {
	return applyPrefix(psq.Select("COUNT(*)").From("config_entries"), prefix).ToSql()
}

// ListEntriesPage returns one key-ordered window of entries whose data_id starts with
// arg.Prefix, plus the number of matching entries.
func (q *Queries) ListEntriesPage(ctx context.Context, arg ListEntriesPageParams) ([]ConfigEntry, int64, error) {
	countSQL, countArgs, err := buildCount(arg.Prefix)
	if err != nil {
		return nil, 0, fmt.Errorf("building count query: %w", err)
	}
	var total int64
	if err := q.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting config entries: %w", err)
	}
	if arg.Offset >= int(total) {
		return []ConfigEntry{}, total, nil
	}

	query, args, err := buildListPage(arg)
	if err != nil {
		return nil, 0, fmt.Errorf("building list query: %w", err)
	}
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying config entries: %w", err)
	}
	defer rows.Close()

	items := make([]ConfigEntry, 0, max(arg.Limit, 0))
	for rows.Next() {
		var i ConfigEntry
		if err := rows.Scan(&i.DataID, &i.Content, &i.Version, &i.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning config entry: %w", err)
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating config entries: %w", err)
	}
	return items, total, nil
}

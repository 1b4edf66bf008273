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

package dbopen

import configdbmigrations "github.com/cardinalhq/txconfig/configdb/migrations"

// Options adjusts how a database connection is opened.
type Options struct {
	MigrationCheckOptions []configdbmigrations.CheckOption
}

// SkipMigrationCheck opens the database without looking at the schema version.
// The migrate command uses it, since it is what brings the schema up to date.
func SkipMigrationCheck() Options {
	return Options{MigrationCheckOptions: []configdbmigrations.CheckOption{
		configdbmigrations.WithCheckMode(configdbmigrations.CheckModeSkip),
	}}
}

// WarnOnMigrationMismatch logs a version mismatch instead of failing.
func WarnOnMigrationMismatch() Options {
	return Options{MigrationCheckOptions: []configdbmigrations.CheckOption{
		configdbmigrations.WithCheckMode(configdbmigrations.CheckModeWarn),
	}}
}

// WaitForMigrations blocks until the schema reaches the expected version.
func WaitForMigrations() Options {
	return Options{MigrationCheckOptions: []configdbmigrations.CheckOption{
		configdbmigrations.WithCheckMode(configdbmigrations.CheckModeWait),
	}}
}

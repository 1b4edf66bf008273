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

package migrations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractLatestMigrationVersion(t *testing.T) {
	got, err := extractLatestMigrationVersion(migrationFiles)
	require.NoError(t, err)
	assert.Equal(t, uint(1760870400), got)
}

func TestGetMigrationCheckConfig(t *testing.T) {
	t.Setenv("TXCONFIG_MIGRATION_CHECK_ENABLED", "")
	t.Setenv("TXCONFIG_MIGRATION_CHECK_TIMEOUT", "")
	t.Setenv("TXCONFIG_MIGRATION_CHECK_RETRY_INTERVAL", "")
	t.Setenv("TXCONFIG_MIGRATION_CHECK_ALLOW_DIRTY", "")

	config := getMigrationCheckConfig()
	assert.Equal(t, DefaultCheckOptions(), config)

	t.Setenv("TXCONFIG_MIGRATION_CHECK_ENABLED", "false")
	t.Setenv("TXCONFIG_MIGRATION_CHECK_TIMEOUT", "30s")
	t.Setenv("TXCONFIG_MIGRATION_CHECK_RETRY_INTERVAL", "3s")
	t.Setenv("TXCONFIG_MIGRATION_CHECK_ALLOW_DIRTY", "true")

	config = getMigrationCheckConfig()
	assert.Equal(t, CheckModeSkip, config.Mode)
	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Equal(t, 3*time.Second, config.RetryInterval)
	assert.True(t, config.AllowDirty)
}

func fixedVersion(v uint, dirty bool, err error) func() (uint, bool, error) {
	return func() (uint, bool, error) { return v, dirty, err }
}

func TestCheckMigrationVersion(t *testing.T) {
	ctx := context.Background()
	expected, err := extractLatestMigrationVersion(migrationFiles)
	require.NoError(t, err)

	fail := DefaultCheckOptions()
	fail.Mode = CheckModeWarn

	tests := []struct {
		name    string
		current func() (uint, bool, error)
		wantErr string
	}{
		{"match", fixedVersion(expected, false, nil), ""},
		{"behind", fixedVersion(expected-1, false, nil), "txconfig migrate"},
		{"ahead", fixedVersion(expected+1, false, nil), "newer than expected"},
		{"dirty", fixedVersion(expected, true, nil), "dirty"},
		{"error", fixedVersion(0, false, errors.New("boom")), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkMigrationVersion(ctx, fail, tt.current)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCheckMigrationVersionWaits(t *testing.T) {
	expected, err := extractLatestMigrationVersion(migrationFiles)
	require.NoError(t, err)

	config := DefaultCheckOptions()
	for _, o := range []CheckOption{WithRetryInterval(5 * time.Millisecond), WithTimeout(5 * time.Second)} {
		o(&config)
	}

	calls := 0
	err = checkMigrationVersion(context.Background(), config, func() (uint, bool, error) {
		calls++
		if calls < 3 {
			return expected - 1, false, nil
		}
		return expected, false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCheckMigrationVersionAllowDirty(t *testing.T) {
	expected, err := extractLatestMigrationVersion(migrationFiles)
	require.NoError(t, err)

	config := DefaultCheckOptions()
	WithAllowDirty(true)(&config)
	assert.NoError(t, checkMigrationVersion(context.Background(), config, fixedVersion(expected, true, nil)))
}

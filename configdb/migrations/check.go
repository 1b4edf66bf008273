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

import "time"

// CheckMode selects what CheckVersion does when the schema is behind.
type CheckMode int

const (
	// CheckModeWait polls until the schema catches up or the timeout passes.
	CheckModeWait CheckMode = iota
	// CheckModeWarn logs the mismatch and lets the caller continue.
	CheckModeWarn
	// CheckModeSkip does not look at the schema version at all.
	CheckModeSkip
)

// CheckOptions tunes CheckVersion.
type CheckOptions struct {
	Mode          CheckMode
	Timeout       time.Duration
	RetryInterval time.Duration
	AllowDirty    bool
}

type CheckOption func(*CheckOptions)

func WithCheckMode(mode CheckMode) CheckOption {
	return func(o *CheckOptions) { o.Mode = mode }
}

// WithTimeout bounds how long CheckModeWait polls.
func WithTimeout(timeout time.Duration) CheckOption {
	return func(o *CheckOptions) { o.Timeout = timeout }
}

func WithRetryInterval(interval time.Duration) CheckOption {
	return func(o *CheckOptions) { o.RetryInterval = interval }
}

// WithAllowDirty accepts a schema left dirty by an interrupted migration.
func WithAllowDirty(allow bool) CheckOption {
	return func(o *CheckOptions) { o.AllowDirty = allow }
}

// DefaultCheckOptions waits up to a minute, polling every two seconds. A config_entries
// table rarely takes longer than that to create.
func DefaultCheckOptions() CheckOptions {
	return CheckOptions{
		Mode:          CheckModeWait,
		Timeout:       time.Minute,
		RetryInterval: 2 * time.Second,
	}
}

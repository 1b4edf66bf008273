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

package configstore

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

// Get returns the value of key. Unset keys fall back to the configured default and fail
// with configsource.ErrNotFound when there is none.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, found, err := s.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", configsource.NotFound(key)
	}
	return value, nil
}

// Lookup is Get with absence reported as found == false instead of an error. A configured
// default counts as found.
func (s *Store) Lookup(ctx context.Context, key string) (value string, found bool, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "Store.Lookup", trace.WithAttributes(attribute.String("config.key", key)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		recordOperation(ctx, opGet, err, time.Since(start))
	}()

	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	if err := configsource.ValidateKey(key); err != nil {
		return "", false, err
	}

	entry, found, err := s.readEntry(ctx, key)
	if err != nil {
		return "", false, err
	}
	if found {
		return entry.Value, true, nil
	}
	if def, ok := s.defaults[key]; ok {
		return def, true, nil
	}
	return "", false, nil
}

// Entry returns the stored entry for key without consulting defaults.
func (s *Store) Entry(ctx context.Context, key string) (configsource.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return configsource.Entry{}, err
	}
	if err := configsource.ValidateKey(key); err != nil {
		return configsource.Entry{}, err
	}
	entry, found, err := s.readEntry(ctx, key)
	if err != nil {
		return configsource.Entry{}, err
	}
	if !found {
		return configsource.Entry{}, configsource.NotFound(key)
	}
	return entry, nil
}

func (s *Store) readEntry(ctx context.Context, key string) (configsource.Entry, bool, error) {
	if s.cache != nil {
		entry, found, err := s.cache.Get(ctx, key, s.read)
		return entry, found, s.classify("read", err)
	}
	entry, err := s.read(ctx, key)
	if errors.Is(err, configsource.ErrNotFound) {
		return configsource.Entry{}, false, nil
	}
	if err != nil {
		return configsource.Entry{}, false, err
	}
	return entry, true, nil
}

// read is the cache loader: one bounded source read.
func (s *Store) read(ctx context.Context, key string) (configsource.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	entry, err := s.source.Read(ctx, key)
	if err != nil && !errors.Is(err, configsource.ErrNotFound) {
		return configsource.Entry{}, s.classify("read", err)
	}
	return entry, err
}

// GetOrDefault returns the value of key, or def when the key is unset or cannot be read.
func (s *Store) GetOrDefault(ctx context.Context, key, def string) string {
	value, found, err := s.Lookup(ctx, key)
	if err != nil {
		s.logger.Warn("Falling back to default configuration value",
			slog.String("key", key), slog.Any("error", err))
		return def
	}
	if !found {
		return def
	}
	return value
}

// GetInt returns key parsed as an int, or def when it is unset or not a number.
func (s *Store) GetInt(ctx context.Context, key string, def int) int {
	return getParsed(ctx, s, key, def, strconv.Atoi)
}

// GetInt64 returns key parsed as an int64, or def when it is unset or not a number.
func (s *Store) GetInt64(ctx context.Context, key string, def int64) int64 {
	return getParsed(ctx, s, key, def, func(v string) (int64, error) {
		return strconv.ParseInt(v, 10, 64)
	})
}

// GetBool returns key parsed with strconv.ParseBool, or def.
func (s *Store) GetBool(ctx context.Context, key string, def bool) bool {
	return getParsed(ctx, s, key, def, strconv.ParseBool)
}

// GetDuration returns key as a duration, or def. Bare integers are milliseconds, which is
// how coordinator timeouts are usually written.
func (s *Store) GetDuration(ctx context.Context, key string, def time.Duration) time.Duration {
	return getParsed(ctx, s, key, def, ParseDuration)
}

// ParseDuration accepts time.ParseDuration syntax or a bare integer number of milliseconds.
func ParseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func getParsed[T any](ctx context.Context, s *Store, key string, def T, parse func(string) (T, error)) T {
	value, found, err := s.Lookup(ctx, key)
	if err != nil {
		s.logger.Warn("Falling back to default configuration value",
			slog.String("key", key), slog.Any("error", err))
		return def
	}
	if !found {
		return def
	}
	parsed, err := parse(strings.TrimSpace(value))
	if err != nil {
		s.logger.Warn("Configuration value does not parse, using default",
			slog.String("key", key), slog.String("value", value), slog.Any("error", err))
		return def
	}
	return parsed
}

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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

// Put stores value under key. When it returns nil the write is committed, the cache
// reflects it, and the change has been queued for listeners. When it returns an error the
// cache is untouched and the caller must not assume the write took effect; Put never
// retries.
func (s *Store) Put(ctx context.Context, key, value string) (err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "Store.Put", trace.WithAttributes(attribute.String("config.key", key)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		recordOperation(ctx, opPut, err, time.Since(start))
	}()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := configsource.ValidateKey(key); err != nil {
		return err
	}

	s.beginLocal(key)
	res, err := s.write(ctx, key, value)
	if err != nil {
		s.endLocal(ctx, key, nil)
		return err
	}
	span.SetAttributes(attribute.Int64("config.version", res.Entry.Version))

	if s.cache != nil {
		if s.synchronous {
			s.cache.Update(ctx, res.Entry)
		} else {
			s.cache.Invalidate(ctx, key, res.Entry.Version)
		}
	}
	ev := res.Event(configsource.OriginLocal)
	s.endLocal(ctx, key, &ev)
	return nil
}

func (s *Store) write(ctx context.Context, key, value string) (configsource.WriteResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.source.Write(ctx, key, value)
	if err != nil {
		return configsource.WriteResult{}, s.classify("write", err)
	}
	return res, nil
}

// Delete removes key. It fails with configsource.ErrUnsupported when the source cannot
// delete and with configsource.ErrNotFound when the key is not set.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "Store.Delete", trace.WithAttributes(attribute.String("config.key", key)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		recordOperation(ctx, opDelete, err, time.Since(start))
	}()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := configsource.ValidateKey(key); err != nil {
		return err
	}
	deleter, ok := s.source.(configsource.Deleter)
	if !ok {
		return configsource.ErrUnsupported
	}

	s.beginLocal(key)
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := deleter.Delete(tctx, key)
	if err != nil {
		s.endLocal(ctx, key, nil)
		return s.classify("delete", err)
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, key, res.Version)
	}
	ev := res.Event(configsource.OriginLocal)
	s.endLocal(ctx, key, &ev)
	return nil
}

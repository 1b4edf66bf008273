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

// Package redis keeps configuration entries in Redis.
//
// Every entry is a hash under <prefix>entry:<key>. A sorted set of keys with equal scores
// orders them lexicographically for listing and paging. One counter supplies versions for
// the whole prefix. Mutations run as Lua scripts, so the hash, the index, the counter and
// the change notification published on <prefix>changes move together.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

const name = "redis"

// Config describes the server and the key prefix.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

func (c *Config) sanitize() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Prefix == "" {
		c.Prefix = "txconfig:"
	}
}

var writeScript = goredis.NewScript(`
local prev = redis.call('HMGET', KEYS[1], 'value', 'version')
local v = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'value', ARGV[2], 'version', v, 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[3], 0, ARGV[1])
local msg = {op = 'put', key = ARGV[1], value = ARGV[2], version = v, updated_at = tonumber(ARGV[3])}
if prev[2] then
  msg.old_value = prev[1]
  msg.has_old = true
end
redis.call('PUBLISH', KEYS[4], cjson.encode(msg))
return {v, prev[1], prev[2]}
`)

var deleteScript = goredis.NewScript(`
local prev = redis.call('HMGET', KEYS[1], 'value', 'version')
if not prev[2] then
  return false
end
local v = redis.call('INCR', KEYS[2])
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('PUBLISH', KEYS[4], cjson.encode({op = 'delete', key = ARGV[1], old_value = prev[1], has_old = true, version = v}))
return {v, prev[1], prev[2]}
`)

// notification is the JSON published by the scripts.
type notification struct {
	Op        string `json:"op"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	OldValue  string `json:"old_value"`
	HasOld    bool   `json:"has_old"`
	Version   int64  `json:"version"`
	UpdatedAt int64  `json:"updated_at"`
}

type Source struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	cancel []context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ configsource.Source  = (*Source)(nil)
	_ configsource.Deleter = (*Source)(nil)
	_ configsource.Watcher = (*Source)(nil)
	_ configsource.Pager   = (*Source)(nil)
)

// New connects and pings the server.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Source, error) {
	cfg.sanitize()
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, configsource.BackendError(name, "connect", err)
	}
	s := NewWithClient(client, cfg.Prefix, logger)
	s.owned = true
	return s, nil
}

// NewWithClient uses an existing client, which Close leaves open.
func NewWithClient(client goredis.UniversalClient, prefix string, logger *slog.Logger) *Source {
	cfg := Config{Prefix: prefix}
	cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{client: client, prefix: cfg.Prefix, logger: logger}
}

func (*Source) Name() string { return name }

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Source) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *Source) versionKey() string { return s.prefix + "version" }
func (s *Source) indexKey() string { return s.prefix + "keys" }

// Channel is where change notifications are published.
func (s *Source) Channel() string { return s.prefix + "changes" }

func (s *Source) scriptKeys(key string) []string {
	return []string{s.entryKey(key), s.versionKey(), s.indexKey(), s.Channel()}
}

func (s *Source) Read(ctx context.Context, key string) (configsource.Entry, error) {
	if s.isClosed() {
		return configsource.Entry{}, configsource.ErrClosed
	}
	vals, err := s.client.HMGet(ctx, s.entryKey(key), "value", "version", "updated_at").Result()
	if err != nil {
		return configsource.Entry{}, configsource.BackendError(name, "read", err)
	}
	e, ok := parseEntry(key, vals)
	if !ok {
		return configsource.Entry{}, configsource.NotFound(key)
	}
	return e, nil
}

func (s *Source) Write(ctx context.Context, key, value string) (configsource.WriteResult, error) {
	if s.isClosed() {
		return configsource.WriteResult{}, configsource.ErrClosed
	}
	now := time.Now()
	res, err := writeScript.Run(ctx, s.client, s.scriptKeys(key), key, value, now.UnixMilli()).Slice()
	if err != nil {
		return configsource.WriteResult{}, configsource.BackendError(name, "write", err)
	}
	version, prev, err := parseScriptResult(key, res)
	if err != nil {
		return configsource.WriteResult{}, configsource.BackendError(name, "write", err)
	}
	return configsource.WriteResult{
		Entry:    configsource.Entry{Key: key, Value: value, Version: version, UpdatedAt: now.Truncate(time.Millisecond)},
		Previous: prev,
	}, nil
}

func (s *Source) Delete(ctx context.Context, key string) (configsource.DeleteResult, error) {
	if s.isClosed() {
		return configsource.DeleteResult{}, configsource.ErrClosed
	}
	res, err := deleteScript.Run(ctx, s.client, s.scriptKeys(key), key).Slice()
	if errors.Is(err, goredis.Nil) {
		return configsource.DeleteResult{}, configsource.NotFound(key)
	}
	if err != nil {
		return configsource.DeleteResult{}, configsource.BackendError(name, "delete", err)
	}
	version, prev, err := parseScriptResult(key, res)
	if err != nil {
		return configsource.DeleteResult{}, configsource.BackendError(name, "delete", err)
	}
	if prev == nil {
		return configsource.DeleteResult{}, configsource.NotFound(key)
	}
	return configsource.DeleteResult{Previous: *prev, Version: version}, nil
}

func (s *Source) List(ctx context.Context) ([]configsource.Entry, error) {
	if s.isClosed() {
		return nil, configsource.ErrClosed
	}
	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, configsource.BackendError(name, "list", err)
	}
	return s.load(ctx, keys)
}

// ListPage pages the key index with ZRANGEBYLEX and loads only the window.
func (s *Source) ListPage(ctx context.Context, q configsource.Query) ([]configsource.Entry, int, error) {
	if s.isClosed() {
		return nil, 0, configsource.ErrClosed
	}
	lo, hi := lexRange(q.Prefix)
	total, err := s.client.ZLexCount(ctx, s.indexKey(), lo, hi).Result()
	if err != nil {
		return nil, 0, configsource.BackendError(name, "list", err)
	}
	if int64(q.Offset) >= total {
		return []configsource.Entry{}, int(total), nil
	}
	keys, err := s.client.ZRangeByLex(ctx, s.indexKey(), &goredis.ZRangeBy{
		Min:    lo,
		Max:    hi,
		Offset: int64(q.Offset),
		Count:  int64(q.Limit),
	}).Result()
	if err != nil {
		return nil, 0, configsource.BackendError(name, "list", err)
	}
	entries, err := s.load(ctx, keys)
	if err != nil {
		return nil, 0, err
	}
	return entries, int(total), nil
}

// lexRange returns the ZRANGEBYLEX bounds covering every member that starts with prefix.
func lexRange(prefix string) (string, string) {
	if prefix == "" {
		return "-", "+"
	}
	return "[" + prefix, "[" + prefix + "\xff"
}

// load fetches the hashes of keys in one pipeline, dropping keys deleted in between.
func (s *Source) load(ctx context.Context, keys []string) ([]configsource.Entry, error) {
	out := make([]configsource.Entry, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	cmds := make([]*goredis.SliceCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HMGet(ctx, s.entryKey(k), "value", "version", "updated_at")
		}
		return nil
	})
	if err != nil {
		return nil, configsource.BackendError(name, "list", err)
	}
	for i, cmd := range cmds {
		if e, ok := parseEntry(keys[i], cmd.Val()); ok {
			out = append(out, e)
		}
	}
	configsource.SortEntries(out)
	return out, nil
}

// Watch subscribes to the change channel and returns once the subscription is confirmed.
func (s *Source) Watch(ctx context.Context) (<-chan configsource.ChangeEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, configsource.ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = append(s.cancel, cancel)
	s.wg.Add(1)
	s.mu.Unlock()

	sub := s.client.Subscribe(ctx, s.Channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		cancel()
		s.wg.Done()
		return nil, configsource.BackendError(name, "watch", err)
	}

	out := make(chan configsource.ChangeEvent, 64)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer func() { _ = sub.Close() }()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				ev, err := decodeNotification(msg.Payload)
				if err != nil {
					s.logger.Warn("Ignoring malformed redis change notification",
						slog.String("payload", msg.Payload), slog.Any("error", err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeNotification(payload string) (configsource.ChangeEvent, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return configsource.ChangeEvent{}, err
	}
	if n.Key == "" || n.Version <= 0 {
		return configsource.ChangeEvent{}, fmt.Errorf("notification without key or version")
	}
	switch n.Op {
	case "delete":
		return configsource.DeleteResult{
			Previous: configsource.Entry{Key: n.Key, Value: n.OldValue},
			Version:  n.Version,
		}.Event(configsource.OriginRemote), nil
	case "put":
		res := configsource.WriteResult{Entry: configsource.Entry{
			Key:       n.Key,
			Value:     n.Value,
			Version:   n.Version,
			UpdatedAt: time.UnixMilli(n.UpdatedAt),
		}}
		if n.HasOld {
			res.Previous = &configsource.Entry{Key: n.Key, Value: n.OldValue}
		}
		return res.Event(configsource.OriginRemote), nil
	}
	return configsource.ChangeEvent{}, fmt.Errorf("unknown op %q", n.Op)
}

func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
	if s.owned {
		return s.client.Close()
	}
	return nil
}

// parseEntry converts an HMGET of value, version and updated_at. A missing version means
// the hash does not exist.
func parseEntry(key string, vals []any) (configsource.Entry, bool) {
	if len(vals) < 2 || vals[1] == nil {
		return configsource.Entry{}, false
	}
	e := configsource.Entry{Key: key}
	e.Value, _ = vals[0].(string)
	v, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return configsource.Entry{}, false
	}
	e.Version = v
	if len(vals) > 2 && vals[2] != nil {
		if ms, err := strconv.ParseInt(fmt.Sprint(vals[2]), 10, 64); err == nil {
			e.UpdatedAt = time.UnixMilli(ms)
		}
	}
	return e, true
}

// parseScriptResult reads {new version, previous value, previous version}.
func parseScriptResult(key string, res []any) (int64, *configsource.Entry, error) {
	if len(res) == 0 {
		return 0, nil, errors.New("empty script result")
	}
	version, ok := res[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected version %v", res[0])
	}
	var vals []any
	if len(res) >= 3 {
		vals = res[1:3]
	}
	prev, found := parseEntry(key, vals)
	if !found {
		return version, nil, nil
	}
	return version, &prev, nil
}

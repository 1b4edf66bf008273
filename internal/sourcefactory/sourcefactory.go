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

// Package sourcefactory turns backend configuration into a configuration source. The
// backend is chosen once at startup; nothing re-resolves it per call.
package sourcefactory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/cardinalhq/txconfig/configdb"
	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configsource/consul"
	"github.com/cardinalhq/txconfig/internal/configsource/etcd"
	"github.com/cardinalhq/txconfig/internal/configsource/file"
	"github.com/cardinalhq/txconfig/internal/configsource/memory"
	"github.com/cardinalhq/txconfig/internal/configsource/natskv"
	"github.com/cardinalhq/txconfig/internal/configsource/postgres"
	"github.com/cardinalhq/txconfig/internal/configsource/redis"
	"github.com/cardinalhq/txconfig/internal/configsource/s3"
	"github.com/cardinalhq/txconfig/internal/dbopen"
)

const (
	TypeMemory   = "memory"
	TypeFile     = "file"
	TypeS3       = "s3"
	TypePostgres = "postgres"
	TypeEtcd     = "etcd"
	TypeConsul   = "consul"
	TypeNATS     = "nats"
	TypeRedis    = "redis"
)

// Types lists every backend Open understands.
var Types = []string{TypeMemory, TypeFile, TypeS3, TypePostgres, TypeEtcd, TypeConsul, TypeNATS, TypeRedis}

// Config selects a backend and carries the settings of every backend; only the section
// named by Type is used.
type Config struct {
	Type     string         `mapstructure:"type"`
	File     FileConfig     `mapstructure:"file"`
	S3       S3Config       `mapstructure:"s3"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Etcd     etcd.Config    `mapstructure:"etcd"`
	Consul   consul.Config  `mapstructure:"consul"`
	NATS     natskv.Config  `mapstructure:"nats"`
	Redis    redis.Config   `mapstructure:"redis"`
}

type FileConfig struct {
	Path string `mapstructure:"path"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Key             string `mapstructure:"key"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	// RoleARN is assumed through STS when set.
	RoleARN string `mapstructure:"role_arn"`
}

type PostgresConfig struct {
	// URL wins over EnvPrefix when both are set.
	URL       string `mapstructure:"url"`
	EnvPrefix string `mapstructure:"env_prefix"`
	// MigrationCheck is "wait", "warn" or "skip".
	MigrationCheck string `mapstructure:"migration_check"`
}

func DefaultConfig() Config {
	return Config{
		Type: TypeMemory,
		File: FileConfig{Path: "./txconfig-data.yaml"},
		S3:   S3Config{Key: "txconfig.yaml"},
		Postgres: PostgresConfig{
			EnvPrefix:      configdb.DefaultEnvPrefix,
			MigrationCheck: "wait",
		},
		Etcd:   etcd.Config{Prefix: "/txconfig/"},
		Consul: consul.Config{Prefix: "txconfig/"},
		NATS:   natskv.Config{Bucket: "txconfig"},
		Redis:  redis.Config{Prefix: "txconfig:"},
	}
}

// ErrUnknownType is returned for a backend type Open does not know.
var ErrUnknownType = errors.New("unknown configuration backend type")

// Validate checks the section of the selected backend without contacting it.
func (c Config) Validate() error {
	switch c.backendType() {
	case TypeMemory, TypeConsul, TypeNATS, TypeRedis:
	case TypePostgres:
		if _, err := migrationCheck(c.Postgres.MigrationCheck); err != nil {
			return err
		}
	case TypeFile:
		if c.File.Path == "" {
			return errors.New("backend.file.path is required")
		}
	case TypeS3:
		if c.S3.Bucket == "" || c.S3.Key == "" {
			return errors.New("backend.s3.bucket and backend.s3.key are required")
		}
		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
			return errors.New("backend.s3.access_key_id and backend.s3.secret_access_key go together")
		}
	case TypeEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			return errors.New("backend.etcd.endpoints is required")
		}
	default:
		return fmt.Errorf("%w %q, expected one of %s", ErrUnknownType, c.Type, strings.Join(Types, ", "))
	}
	return nil
}

func (c Config) backendType() string {
	t := strings.ToLower(strings.TrimSpace(c.Type))
	if t == "" {
		return TypeMemory
	}
	return t
}

// Open connects to the configured backend. The caller owns the returned source.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (configsource.Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	typ := cfg.backendType()
	logger = logger.With(slog.String("backend", typ))

	src, err := open(ctx, typ, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s configuration backend: %w", typ, err)
	}
	logger.Info("Opened configuration backend",
		slog.Bool("synchronous", configsource.IsSynchronous(src)),
		slog.Bool("watch", implements[configsource.Watcher](src)),
		slog.Bool("delete", implements[configsource.Deleter](src)),
		slog.Bool("paging", implements[configsource.Pager](src)))
	return src, nil
}

func open(ctx context.Context, typ string, cfg Config, logger *slog.Logger) (configsource.Source, error) {
	switch typ {
	case TypeMemory:
		return memory.New(nil), nil

	case TypeFile:
		return file.New(cfg.File.Path, file.WithLogger(logger))

	case TypeS3:
		client, err := s3.NewClient(ctx, s3.ClientConfig{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			UsePathStyle:    cfg.S3.UsePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			RoleARN:         cfg.S3.RoleARN,
		})
		if err != nil {
			return nil, err
		}
		return s3.New(client, cfg.S3.Bucket, cfg.S3.Key,
			s3.WithLogger(logger), s3.WithMaxAttempts(cfg.S3.MaxAttempts)), nil

	case TypePostgres:
		check, err := migrationCheck(cfg.Postgres.MigrationCheck)
		if err != nil {
			return nil, err
		}
		db, err := configdb.ConfigDBStore(ctx, cfg.Postgres.URL, cfg.Postgres.EnvPrefix, check)
		if err != nil {
			return nil, err
		}
		return postgres.New(db, logger), nil

	case TypeEtcd:
		return etcd.New(ctx, cfg.Etcd)

	case TypeConsul:
		return consul.New(cfg.Consul, logger)

	case TypeNATS:
		return natskv.New(cfg.NATS, logger)

	case TypeRedis:
		return redis.New(ctx, cfg.Redis, logger)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownType, typ)
}

func migrationCheck(mode string) (dbopen.Options, error) {
	switch strings.ToLower(mode) {
	case "", "wait":
		return dbopen.WaitForMigrations(), nil
	case "warn":
		return dbopen.WarnOnMigrationMismatch(), nil
	case "skip":
		return dbopen.SkipMigrationCheck(), nil
	}
	return dbopen.Options{}, fmt.Errorf("backend.postgres.migration_check %q is not one of wait, warn, skip", mode)
}

func implements[T any](src configsource.Source) bool {
	_, ok := src.(T)
	return ok
}

// Known reports whether typ names a backend.
func Known(typ string) bool {
	return slices.Contains(Types, strings.ToLower(typ))
}

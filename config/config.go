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

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/txconfig/internal/changefeed"
	"github.com/cardinalhq/txconfig/internal/configsource"
	"github.com/cardinalhq/txconfig/internal/configstore"
	"github.com/cardinalhq/txconfig/internal/healthcheck"
	"github.com/cardinalhq/txconfig/internal/listing"
	"github.com/cardinalhq/txconfig/internal/sourcefactory"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Backend    sourcefactory.Config `mapstructure:"backend"`
	Store      StoreConfig          `mapstructure:"store"`
	Cache      CacheConfig          `mapstructure:"cache"`
	Listing    ListingConfig        `mapstructure:"listing"`
	Changefeed changefeed.Config    `mapstructure:"changefeed"`
	Health     healthcheck.Config   `mapstructure:"health"`
}

type StoreConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// Defaults is a list rather than a map because configuration keys contain dots,
	// which viper would otherwise split into nested tables.
	Defaults []DefaultValue `mapstructure:"defaults"`
}

type DefaultValue struct {
	Key   string `mapstructure:"key"`
	Value string `mapstructure:"value"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type ListingConfig struct {
	MaxPageSize int `mapstructure:"max_page_size"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Backend: sourcefactory.DefaultConfig(),
		Store: StoreConfig{
			Timeout: configstore.DefaultTimeout,
		},
		Cache:      CacheConfig{Enabled: true},
		Listing:    ListingConfig{MaxPageSize: listing.DefaultMaxPageSize},
		Changefeed: changefeed.DefaultConfig(),
		Health:     healthcheck.DefaultConfig(),
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "TXCONFIG" and the dot character
// in keys is replaced by an underscore. For example, "backend.etcd.endpoints"
// becomes "TXCONFIG_BACKEND_ETCD_ENDPOINTS".
//
// When path is empty, txconfig.yaml is looked up in the working directory and
// in /etc/txconfig and is optional. An explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("txconfig")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/txconfig")
	}
	v.SetEnvPrefix("TXCONFIG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading configuration file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	for _, list := range []struct {
		key string
		dst *[]string
	}{
		{"backend.etcd.endpoints", &cfg.Backend.Etcd.Endpoints},
		{"changefeed.brokers", &cfg.Changefeed.Brokers},
	} {
		if raw := v.GetString(list.key); raw != "" {
			*list.dst = splitList(raw)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports configuration that cannot work, before anything is opened.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	for _, d := range c.Store.Defaults {
		if err := configsource.ValidateKey(d.Key); err != nil {
			return fmt.Errorf("store.defaults: %w", err)
		}
	}
	if c.Listing.MaxPageSize < 1 {
		return fmt.Errorf("listing.max_page_size must be at least 1, got %d", c.Listing.MaxPageSize)
	}
	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port %d is out of range", c.Health.Port)
	}
	return nil
}

// DefaultsMap returns the configured defaults keyed by configuration key. Later entries
// win over earlier ones.
func (c *Config) DefaultsMap() map[string]string {
	out := make(map[string]string, len(c.Store.Defaults))
	for _, d := range c.Store.Defaults {
		out[d.Key] = d.Value
	}
	return out
}

// StoreOptions translates the store and cache sections into configstore options.
func (c *Config) StoreOptions() []configstore.Option {
	opts := []configstore.Option{
		configstore.WithTimeout(c.Store.Timeout),
		configstore.WithDefaults(c.DefaultsMap()),
		configstore.WithCacheTTL(c.Cache.TTL),
	}
	if !c.Cache.Enabled {
		opts = append(opts, configstore.WithoutCache())
	}
	return opts
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}

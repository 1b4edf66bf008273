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

// Package changefeed republishes configuration changes to a Kafka topic so that processes
// without access to the backend can follow them.
//
// A Feed is a listener: subscribe it to a store and every change event becomes one JSON
// message keyed by the configuration key, which keeps the changes of one key in order
// within a partition.
package changefeed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/cardinalhq/txconfig/internal/configsource"
)

type Config struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`

	SASLEnabled   bool   `mapstructure:"sasl_enabled"`
	SASLMechanism string `mapstructure:"sasl_mechanism"` // "SCRAM-SHA-256", "SCRAM-SHA-512" or "PLAIN"
	SASLUsername  string `mapstructure:"sasl_username"`
	SASLPassword  string `mapstructure:"sasl_password"`

	TLSEnabled    bool `mapstructure:"tls_enabled"`
	TLSSkipVerify bool `mapstructure:"tls_skip_verify"`

	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Brokers:       []string{"localhost:9092"},
		Topic:         "txconfig.changes",
		SASLMechanism: "SCRAM-SHA-256",
		BatchTimeout:  10 * time.Millisecond,
		WriteTimeout:  10 * time.Second,
	}
}

// Writer is the part of *kafka.Writer the feed uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON document written for each change.
type Message struct {
	ID        string              `json:"id"`
	Backend   string              `json:"backend"`
	Key       string              `json:"key"`
	OldValue  *string             `json:"old_value,omitempty"`
	NewValue  *string             `json:"new_value,omitempty"`
	Deleted   bool                `json:"deleted"`
	Version   int64               `json:"version"`
	Timestamp time.Time           `json:"timestamp"`
	Origin    configsource.Origin `json:"origin"`
}

// NewMessage describes ev as it happened on backend.
func NewMessage(backend string, ev configsource.ChangeEvent) Message {
	m := Message{
		ID:        ulid.Make().String(),
		Backend:   backend,
		Key:       ev.Key,
		Deleted:   ev.Deleted,
		Version:   ev.Version,
		Timestamp: ev.Timestamp,
		Origin:    ev.Origin,
	}
	if ev.HasOld {
		old := ev.OldValue
		m.OldValue = &old
	}
	if !ev.Deleted {
		v := ev.NewValue
		m.NewValue = &v
	}
	return m
}

type Feed struct {
	writer       Writer
	backend      string
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New connects a feed to the brokers in cfg. backend names the configuration backend in
// every message.
func New(cfg Config, backend string, logger *slog.Logger) (*Feed, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("changefeed: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("changefeed: topic is required")
	}
	transport := &kafka.Transport{}
	if cfg.SASLEnabled {
		mechanism, err := saslMechanism(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create SASL mechanism: %w", err)
		}
		transport.SASL = mechanism
	}
	if cfg.TLSEnabled {
		transport.TLS = &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Transport:              transport,
	}
	feed := NewWithWriter(w, backend, logger)
	if cfg.WriteTimeout > 0 {
		feed.writeTimeout = cfg.WriteTimeout
	}
	return feed, nil
}

// NewWithWriter builds a feed around an existing writer, which the feed then owns.
func NewWithWriter(w Writer, backend string, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		writer:       w,
		backend:      backend,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

func saslMechanism(cfg Config) (sasl.Mechanism, error) {
	switch strings.ToUpper(cfg.SASLMechanism) {
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
	case "PLAIN":
		return plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword}, nil
	}
	return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.SASLMechanism)
}

// OnChange publishes ev. It blocks until the broker acknowledges the message, so events
// leave in the order the store announced them.
func (f *Feed) OnChange(ctx context.Context, ev configsource.ChangeEvent) error {
	msg := NewMessage(f.backend, ev)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding change of %q: %w", ev.Key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.writeTimeout)
	defer cancel()
	err = f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key),
		Value: body,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "origin", Value: []byte(ev.Origin)},
			{Key: "backend", Value: []byte(f.backend)},
		},
	})
	if err != nil {
		return fmt.Errorf("publishing change of %q: %w", ev.Key, err)
	}
	f.logger.Debug("Published configuration change",
		slog.String("key", ev.Key), slog.Int64("version", ev.Version), slog.String("id", msg.ID))
	return nil
}

func (f *Feed) Close() error {
	return f.writer.Close()
}

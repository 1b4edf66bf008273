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

// Package healthcheck serves the liveness and readiness probes of long-running
// txconfig processes.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Config is the health section of the txconfig configuration. A zero port disables the
// server.
type Config struct {
	Port  int  `mapstructure:"port"`
	Pprof bool `mapstructure:"pprof"`
}

func DefaultConfig() Config {
	return Config{Port: 8090}
}

// Response is the body of every probe.
type Response struct {
	Healthy    bool            `json:"healthy"`
	Status     string          `json:"status"`
	Conditions map[string]bool `json:"conditions,omitempty"`
}

// Server tracks process status plus named readiness conditions. The process is ready
// once it is healthy and every condition it registered holds.
type Server struct {
	cfg    Config
	status atomic.Int32

	mu         sync.Mutex
	conditions map[string]bool

	server *http.Server
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg, conditions: make(map[string]bool)}
}

func (s *Server) SetStatus(status Status) {
	if Status(s.status.Swap(int32(status))) != status {
		slog.Debug("Health status updated", slog.String("status", status.String()))
	}
}

func (s *Server) Status() Status {
	return Status(s.status.Load())
}

// SetCondition records whether the named dependency is usable.
func (s *Server) SetCondition(name string, ok bool) {
	s.mu.Lock()
	prev, seen := s.conditions[name]
	s.conditions[name] = ok
	s.mu.Unlock()
	if !seen || prev != ok {
		slog.Debug("Readiness condition updated", slog.String("condition", name), slog.Bool("ready", ok))
	}
}

func (s *Server) snapshot() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.conditions)
}

func (s *Server) Ready() bool {
	if s.Status() != StatusHealthy {
		return false
	}
	for _, ok := range s.snapshot() {
		if !ok {
			return false
		}
	}
	return true
}

// Handler serves /healthz, /readyz and /livez, plus /debug/pprof/ when enabled.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.respond(w, s.Status() == StatusHealthy)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		s.respond(w, s.Ready())
	})
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, _ *http.Request) {
		s.respond(w, s.Status() != StatusUnhealthy)
	})
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func (s *Server) respond(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	resp := Response{Healthy: ok, Status: s.Status().String(), Conditions: s.snapshot()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}

// Start listens on the configured port and serves until ctx is cancelled. It returns
// immediately when the port is zero.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Port <= 0 {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("health check listener: %w", err)
	}
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	slog.Info("Starting health check server", slog.Int("port", s.cfg.Port), slog.Bool("pprof", s.cfg.Pprof))

	errc := make(chan error, 1)
	go func() { errc <- s.server.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

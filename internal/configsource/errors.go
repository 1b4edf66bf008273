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

package configsource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrNotFound is returned when a key has never been set (or was deleted).
	ErrNotFound = errors.New("configuration key not found")
	// ErrInvalidArgument is returned for malformed keys and paging arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBackend is returned when the backend rejected or failed an operation.
	ErrBackend = errors.New("configuration backend error")
	// ErrBackendTimeout is returned when a backend call exceeded its deadline.
	ErrBackendTimeout = errors.New("configuration backend timeout")
	// ErrUnsupported is returned for optional operations a backend does not offer.
	ErrUnsupported = errors.New("operation not supported by configuration backend")
	// ErrClosed is returned by a source or store used after Close.
	ErrClosed = errors.New("configuration source is closed")
)

// NotFound returns ErrNotFound annotated with the key.
func NotFound(key string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, key)
}

// BackendError classifies a driver error raised by backend during op. Errors that are
// already classified are returned unchanged.
func BackendError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	kind := ErrBackend
	if isTimeout(err) {
		kind = ErrBackendTimeout
	}
	return errors.Join(kind, fmt.Errorf("%s %s: %w", backend, op, err))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Kind is the structured category of an error returned by the store.
type Kind int

const (
	KindNone Kind = iota
	KindUnknown
	KindNotFound
	KindInvalidArgument
	KindBackend
	KindBackendTimeout
	KindUnsupported
	KindClosed
)

// KindOf categorizes err. It returns KindNone for a nil error.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrBackendTimeout):
		return KindBackendTimeout
	case errors.Is(err, ErrBackend):
		return KindBackend
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrClosed):
		return KindClosed
	}
	return KindUnknown
}

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindBackend:
		return "backend"
	case KindBackendTimeout:
		return "backend_timeout"
	case KindUnsupported:
		return "unsupported"
	case KindClosed:
		return "closed"
	}
	return "unknown"
}

// ClientError reports whether the kind is caused by the caller rather than the backend.
// Transports map these to 4xx-style responses and everything else to 5xx-style ones.
func (k Kind) ClientError() bool {
	switch k {
	case KindNotFound, KindInvalidArgument, KindUnsupported:
		return true
	}
	return false
}

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

package dbopen

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"unicode"
)

var ErrDatabaseNotConfigured = errors.New("database connection configuration is unavailable")

// GetDatabaseURLFromEnv returns PREFIX_URL when set. Otherwise it assembles a postgresql
// URL from PREFIX_HOST and PREFIX_DBNAME (both required) plus the optional PREFIX_PORT
// (5432), PREFIX_USER, PREFIX_PASSWORD and PREFIX_SSLMODE. A missing trailing "_" on
// prefix is added.
func GetDatabaseURLFromEnv(prefix string) (string, error) {
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	env := func(name string) string { return os.Getenv(prefix + name) }

	if raw := env("URL"); raw != "" {
		return raw, nil
	}

	var missing []string
	for _, name := range []string{"HOST", "DBNAME"} {
		if env(name) == "" {
			missing = append(missing, prefix+name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	port := cmp.Or(env("PORT"), "5432")
	u := &url.URL{
		Scheme: "postgresql",
		Host:   net.JoinHostPort(env("HOST"), port),
		Path:   env("DBNAME"),
	}
	switch user, pass := env("USER"), env("PASSWORD"); {
	case user != "" && pass != "":
		u.User = url.UserPassword(user, pass)
	case user != "":
		u.User = url.User(user)
	}

	q := url.Values{}
	q.Set("application_name", applicationName(os.Getenv("OTEL_SERVICE_NAME")))
	if mode := env("SSLMODE"); mode != "" {
		q.Set("sslmode", mode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// applicationName turns a service name into a valid Postgres application_name: at most
// 63 bytes of letters, digits, '-' and '_'.
func applicationName(service string) string {
	if service == "" {
		return "txconfig"
	}
	var b strings.Builder
	for _, r := range service {
		if b.Len() == 63 {
			break
		}
		switch {
		case unicode.IsLetter(r) && r < unicode.MaxASCII, unicode.IsDigit(r) && r < unicode.MaxASCII, r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

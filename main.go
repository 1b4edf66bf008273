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

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	gomaxecs "github.com/rdforte/gomaxecs/maxprocs"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/cardinalhq/txconfig/cmd"
)

// quietLogger only speaks up when TXCONFIG_VERBOSE is set, so one-shot commands keep a
// clean stderr.
func quietLogger(msg string, args ...any) {
	if os.Getenv("TXCONFIG_VERBOSE") != "" {
		fmt.Fprintf(os.Stderr, msg+"\n", args...)
	}
}

func init() {
	time.Local = time.UTC

	// The relay runs in containers, often on ECS.
	if gomaxecs.IsECS() {
		if _, err := gomaxecs.Set(gomaxecs.WithLogger(quietLogger)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to set maxprocs using github.com/rdforte/gomaxecs/maxprocs: %v\n", err)
		}
	} else if _, err := maxprocs.Set(maxprocs.Logger(quietLogger)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set maxprocs using go.uber.org/automaxprocs/maxprocs: %v\n", err)
	}

	_, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithLogger(slog.New(slog.DiscardHandler)),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)
	if err != nil {
		quietLogger("failed to set memory limit: %v", err)
	}
}

func main() {
	cmd.Execute()
}

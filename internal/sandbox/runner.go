// Package sandbox executes linter modules under a capability-restricted
// runtime: no network, a narrowed filesystem view, and bounded output.
//
// The dispatcher only depends on the narrow Runner interface, so the Wasm
// runtime choice stays contained in this package.
package sandbox

import (
	"context"
	"time"

	"github.com/standardbeagle/nit/internal/metadata"
)

const (
	// GuestRoot is where the repository root appears inside the sandbox.
	GuestRoot = "/repo"

	// GuestScratch is the per-invocation scratch directory inside the sandbox.
	GuestScratch = "/tmp"

	// DefaultDeadline bounds one invocation's wall clock.
	DefaultDeadline = 2 * time.Minute

	// DefaultGrace is how long a cancelled invocation may keep running
	// before the sandbox terminates it.
	DefaultGrace = 5 * time.Second

	// OutputCap bounds captured stdout and stderr, each.
	OutputCap = 1 << 20

	// TruncationMarker is appended where capture was cut off.
	TruncationMarker = "\n[output truncated at 1 MiB]\n"
)

// Invocation is one scheduled run of a linter over a file batch.
type Invocation struct {
	Linter   string
	Module   []byte
	Contract metadata.Contract
	// Files are repository-relative forward-slash paths.
	Files []string
	// Root is the host path of the repository root.
	Root     string
	Deadline time.Duration
}

// Outcome is the immutable result of one invocation.
type Outcome struct {
	Linter   string
	Files    []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	// Mutated lists files whose content hash changed during the run.
	Mutated  []string
	Duration time.Duration
	// Err is set for invocation errors (trap, deadline, expansion failure),
	// not for linters that merely exit nonzero.
	Err error
}

// Clean reports whether the invocation found nothing and changed nothing.
func (o *Outcome) Clean() bool {
	return o.Err == nil && o.ExitCode == 0 && len(o.Mutated) == 0
}

// Runner executes invocations. Implementations must be safe for
// concurrent use.
type Runner interface {
	Run(ctx context.Context, inv Invocation) Outcome
}

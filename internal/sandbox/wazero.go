package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	nerrors "github.com/standardbeagle/nit/internal/errors"
	"github.com/standardbeagle/nit/pkg/pathutil"
)

// Host runs linter modules under wazero with WASI preopens. The runtime has
// no network imports, so the only capabilities a module gets are the two
// directory mounts and its argv/env.
type Host struct {
	grace time.Duration
}

// NewHost creates a Host with the default grace period.
func NewHost() *Host {
	return &Host{grace: DefaultGrace}
}

// NewHostWithGrace creates a Host with a custom cancellation grace period.
func NewHostWithGrace(grace time.Duration) *Host {
	return &Host{grace: grace}
}

// Run executes one invocation and never returns a partial outcome: output,
// mutations, and duration are complete by the time it returns.
func (h *Host) Run(ctx context.Context, inv Invocation) Outcome {
	start := time.Now()
	out := Outcome{Linter: inv.Linter, Files: inv.Files}

	argv, err := ExpandArgv(inv.Contract, inv.Files)
	if err != nil {
		out.Err = nerrors.NewInvocationError(inv.Linter, "argv expansion", err)
		out.ExitCode = -1
		out.Duration = time.Since(start)
		return out
	}

	var before map[string]uint64
	if inv.Contract.Fixes {
		before = hashFiles(inv.Root, inv.Files)
	}

	exitCode, stdout, stderr, runErr := h.execute(ctx, inv, argv)
	out.ExitCode = exitCode
	out.Stdout = stdout
	out.Stderr = stderr
	out.Err = runErr

	if inv.Contract.Fixes {
		after := hashFiles(inv.Root, inv.Files)
		for _, f := range inv.Files {
			if before[f] != after[f] {
				out.Mutated = append(out.Mutated, f)
			}
		}
		sort.Strings(out.Mutated)
	}

	out.Duration = time.Since(start)
	return out
}

func (h *Host) execute(ctx context.Context, inv Invocation, argv []string) (int, []byte, []byte, error) {
	deadline := inv.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	// The module's context survives parent cancellation for the grace
	// period, so a cancelled run gets a chance to exit before the runtime
	// forcibly closes it.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadline)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(h.grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-runCtx.Done():
		}
	})
	defer stop()

	rt := wazero.NewRuntimeWithConfig(runCtx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	defer rt.Close(context.Background())

	wasi_snapshot_preview1.MustInstantiate(runCtx, rt)

	compiled, err := rt.CompileModule(runCtx, inv.Module)
	if err != nil {
		return -1, nil, nil, nerrors.NewInvocationError(inv.Linter, "compile", err)
	}

	scratch, err := os.MkdirTemp("", "nit-scratch-*")
	if err != nil {
		return -1, nil, nil, nerrors.NewInvocationError(inv.Linter, "scratch dir", err)
	}
	defer os.RemoveAll(scratch)

	fsCfg := wazero.NewFSConfig()
	if inv.Contract.Fixes {
		fsCfg = fsCfg.WithDirMount(inv.Root, GuestRoot)
	} else {
		fsCfg = fsCfg.WithReadOnlyDirMount(inv.Root, GuestRoot)
	}
	fsCfg = fsCfg.WithDirMount(scratch, GuestScratch)

	stdout := newCaptureWriter()
	stderr := newCaptureWriter()

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{inv.Linter}, argv...)...).
		WithStdout(stdout).
		WithStderr(stderr).
		WithFSConfig(fsCfg).
		WithEnv("LANG", "C.UTF-8")
	for k, v := range inv.Contract.Env {
		modCfg = modCfg.WithEnv(k, v)
	}

	mod, err := rt.InstantiateModule(runCtx, compiled, modCfg)
	if mod != nil {
		defer mod.Close(context.Background())
	}

	switch {
	case err == nil:
		return 0, stdout.Bytes(), stderr.Bytes(), nil
	default:
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			if runCtx.Err() != nil {
				return int(exitErr.ExitCode()), stdout.Bytes(), stderr.Bytes(),
					nerrors.NewInvocationError(inv.Linter, "deadline", fmt.Errorf("killed after %s: %w", deadline, runCtx.Err()))
			}
			return int(exitErr.ExitCode()), stdout.Bytes(), stderr.Bytes(), nil
		}
		// Trap or instantiation failure
		return -1, stdout.Bytes(), stderr.Bytes(), nerrors.NewInvocationError(inv.Linter, "execute", err)
	}
}

// hashFiles fingerprints batch files for fix detection. Missing files hash
// to zero so create/delete also registers as a mutation.
func hashFiles(root string, files []string) map[string]uint64 {
	hashes := make(map[string]uint64, len(files))
	for _, f := range files {
		data, err := os.ReadFile(pathutil.ToHost(root, f))
		if err != nil {
			hashes[f] = 0
			continue
		}
		hashes[f] = xxhash.Sum64(data)
	}
	return hashes
}

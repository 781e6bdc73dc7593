// Package dispatch is the top-level orchestrator: it resolves every linter
// to a verified module, routes the candidate file set through each linter's
// effective filter, forms batches, and executes them on a bounded worker
// pool.
//
// Per-linter lifecycle within a run:
//
//	declared → acquiring → ready → filtered → dispatching → done
//
// with failed reachable from acquiring, ready, and dispatching. A linter
// whose filter matches nothing goes filtered → done without outcomes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/standardbeagle/nit/internal/config"
	"github.com/standardbeagle/nit/internal/enumerate"
	nerrors "github.com/standardbeagle/nit/internal/errors"
	"github.com/standardbeagle/nit/internal/fetch"
	"github.com/standardbeagle/nit/internal/metadata"
	"github.com/standardbeagle/nit/internal/predicate"
	"github.com/standardbeagle/nit/internal/report"
	"github.com/standardbeagle/nit/internal/sandbox"
	"github.com/standardbeagle/nit/internal/store"
	"github.com/standardbeagle/nit/pkg/pathutil"
)

// Event is emitted once per completed invocation.
type Event struct {
	Linter  string
	Outcome sandbox.Outcome
	// Remaining counts invocations not yet completed across the whole run.
	Remaining int
}

// Options tune one Run call.
type Options struct {
	// Root is the repository root on the host.
	Root string
	// Concurrency caps concurrently executing invocations. Zero means the
	// logical CPU count.
	Concurrency int
	// FailFast cancels the run on the first failed linter or invocation.
	FailFast bool
	// ArgvCap overrides the one-shot batch split budget.
	ArgvCap int
	// Deadline is the default per-invocation wall-clock bound.
	Deadline time.Duration
	// OnEvent, when set, observes completed invocations. Calls are
	// serialized.
	OnEvent func(Event)
}

// Dispatcher wires the acquisition layer to the sandbox runner.
type Dispatcher struct {
	store   *store.Store
	fetcher *fetch.Fetcher
	runner  sandbox.Runner
}

// New creates a Dispatcher.
func New(s *store.Store, f *fetch.Fetcher, r sandbox.Runner) *Dispatcher {
	return &Dispatcher{store: s, fetcher: f, runner: r}
}

// linterRun tracks one linter through the run lifecycle.
type linterRun struct {
	decl     *config.Linter
	module   []byte
	contract metadata.Contract
	matched  []string
	batches  [][]string

	mu       sync.Mutex
	outcomes []indexedOutcome
	err      error
}

type indexedOutcome struct {
	index   int
	outcome sandbox.Outcome
}

func (lr *linterRun) fail(err error) {
	lr.mu.Lock()
	if lr.err == nil {
		lr.err = err
	}
	lr.mu.Unlock()
}

func (lr *linterRun) record(index int, o sandbox.Outcome) {
	lr.mu.Lock()
	lr.outcomes = append(lr.outcomes, indexedOutcome{index, o})
	lr.mu.Unlock()
}

// Run executes the configured linters over the candidate set and folds the
// outcomes into a report. Candidate enumeration happens once, in the
// caller, so every linter filters the same snapshot.
func (d *Dispatcher) Run(ctx context.Context, cfg *config.Config, candidates []*enumerate.Candidate, opts Options) *report.Report {
	runs := make([]*linterRun, len(cfg.Linters))
	for i := range cfg.Linters {
		runs[i] = &linterRun{decl: &cfg.Linters[i]}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	d.acquireAll(runCtx, runs, opts)
	if opts.FailFast {
		for _, run := range runs {
			if run.err != nil {
				cancelRun()
			}
		}
	}

	d.prepare(cfg, runs, candidates, opts)
	d.execute(runCtx, cancelRun, runs, opts)

	return assemble(runs)
}

// acquireAll resolves every linter's module and contract in parallel.
// Linters sharing a digest dedupe through the fetcher's pending table.
func (d *Dispatcher) acquireAll(ctx context.Context, runs []*linterRun, opts Options) {
	var g errgroup.Group
	for _, run := range runs {
		run := run
		g.Go(func() error {
			if err := d.acquire(ctx, run, opts.Root); err != nil {
				run.fail(err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) acquire(ctx context.Context, run *linterRun, root string) error {
	decl := run.decl

	var module []byte
	switch {
	case decl.IsRemote():
		data, err := d.fetchVerified(ctx, decl)
		if err != nil {
			return err
		}
		module = data
	case decl.Path != "":
		data, err := os.ReadFile(pathutil.ToHost(root, decl.Path))
		if err != nil {
			return nerrors.NewAcquisitionError(decl.Name, "", err)
		}
		// Local modules flow through the store too, so every module the
		// sandbox sees is content-addressed
		if _, err := d.store.PutBytes(data); err != nil {
			return nerrors.NewAcquisitionError(decl.Name, "", err)
		}
		module = data
	default:
		data := decl.InlineBytes()
		if _, err := d.store.PutBytes(data); err != nil {
			return nerrors.NewAcquisitionError(decl.Name, "", err)
		}
		module = data
	}

	contract, err := metadata.Read(module)
	if err != nil {
		return nerrors.NewMetadataError(decl.Name, err)
	}

	run.module = module
	run.contract = applyOverrides(contract, decl)
	if err := run.contract.Validate(); err != nil {
		return nerrors.NewMetadataError(decl.Name, err)
	}
	return nil
}

// fetchVerified pulls a remote module and reads it back through the store's
// verifying path. A store entry that rots between fetch and read is deleted
// by the store; one fresh download retry covers that window.
func (d *Dispatcher) fetchVerified(ctx context.Context, decl *config.Linter) ([]byte, error) {
	digest := decl.ParsedDigest()
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := d.fetcher.Fetch(ctx, decl.URL, digest); err != nil {
			return nil, nerrors.NewAcquisitionError(decl.Name, decl.URL, err)
		}
		data, err := d.store.ReadBytes(digest)
		if err == nil {
			return data, nil
		}
		var ie *nerrors.IntegrityError
		if !errors.As(err, &ie) {
			return nil, nerrors.NewAcquisitionError(decl.Name, decl.URL, err)
		}
	}
	return nil, nerrors.NewAcquisitionError(decl.Name, decl.URL,
		fmt.Errorf("store entry failed verification twice"))
}

// applyOverrides folds declaration-level contract overrides over the
// module's embedded contract.
func applyOverrides(c metadata.Contract, decl *config.Linter) metadata.Contract {
	if decl.Mode != "" {
		c.Mode = decl.Mode
	}
	if decl.ArgvTemplate != nil {
		c.ArgvTemplate = decl.ArgvTemplate
	}
	if decl.Fixes != nil {
		c.Fixes = *decl.Fixes
	}
	if len(decl.Env) > 0 {
		env := make(map[string]string, len(c.Env)+len(decl.Env))
		for k, v := range c.Env {
			env[k] = v
		}
		for k, v := range decl.Env {
			env[k] = v
		}
		c.Env = env
	}
	return c
}

// prepare filters candidates and forms batches for every ready linter.
func (d *Dispatcher) prepare(cfg *config.Config, runs []*linterRun, candidates []*enumerate.Candidate, opts Options) {
	for _, run := range runs {
		if run.err != nil {
			continue
		}

		filter, err := effectiveFilter(cfg, run)
		if err != nil {
			// Config and contract specs were validated at load and read
			// time, so a compile failure here is a bug
			panic(nerrors.NewInternalError("validated predicate failed to compile", err))
		}

		for _, c := range candidates {
			if filter.Match(c) {
				run.matched = append(run.matched, c.Path())
			}
		}
		run.batches = buildBatches(run.contract.Mode, run.matched, opts.ArgvCap)
	}
}

func effectiveFilter(cfg *config.Config, run *linterRun) (*predicate.Predicate, error) {
	compile := func(s *predicate.Spec) (*predicate.Predicate, error) {
		if s == nil {
			return nil, nil
		}
		return s.Compile()
	}

	filter, err := compile(run.contract.Filter)
	if err != nil {
		return nil, err
	}
	globalInc, err := compile(cfg.Include)
	if err != nil {
		return nil, err
	}
	linterInc, err := compile(run.decl.Include)
	if err != nil {
		return nil, err
	}
	globalExc, err := compile(cfg.Exclude)
	if err != nil {
		return nil, err
	}
	linterExc, err := compile(run.decl.Exclude)
	if err != nil {
		return nil, err
	}

	include := foldAnd(globalInc, linterInc)
	exclude := foldOr(globalExc, linterExc)
	return predicate.Effective(filter, include, exclude), nil
}

func foldAnd(a, b *predicate.Predicate) *predicate.Predicate {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return predicate.And(a, b)
	}
}

func foldOr(a, b *predicate.Predicate) *predicate.Predicate {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return predicate.Or(a, b)
	}
}

// task is one scheduled invocation.
type task struct {
	run   *linterRun
	index int
	files []string
}

// execute schedules every batch on the worker pool. Batches are interleaved
// round-robin across linters so no linter starves while another's long tail
// drains.
func (d *Dispatcher) execute(ctx context.Context, cancelRun context.CancelFunc, runs []*linterRun, opts Options) {
	tasks := interleave(runs)
	if len(tasks) == 0 {
		return
	}

	width := int64(opts.Concurrency)
	if width <= 0 {
		width = int64(runtime.NumCPU())
	}
	sem := semaphore.NewWeighted(width)
	locks := newFileLocks()

	perLinter := make(map[*linterRun]*semaphore.Weighted)
	for _, run := range runs {
		if run.decl.Concurrency > 0 {
			perLinter[run] = semaphore.NewWeighted(int64(run.decl.Concurrency))
		}
	}

	var eventMu sync.Mutex
	remaining := len(tasks)

	var wg sync.WaitGroup
	for _, t := range tasks {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Linter cap first, so a capped linter does not hold global
			// slots while waiting on itself
			if ls := perLinter[t.run]; ls != nil {
				if err := ls.Acquire(ctx, 1); err != nil {
					t.run.fail(err)
					return
				}
				defer ls.Release(1)
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				t.run.fail(err)
				return
			}
			defer sem.Release(1)

			release := locks.acquire(t.files, t.run.contract.Fixes)
			outcome := d.runner.Run(ctx, sandbox.Invocation{
				Linter:   t.run.decl.Name,
				Module:   t.run.module,
				Contract: t.run.contract,
				Files:    t.files,
				Root:     opts.Root,
				Deadline: deadlineFor(t.run.decl, opts),
			})
			release()

			t.run.record(t.index, outcome)
			if outcome.Err != nil && opts.FailFast {
				cancelRun()
			}

			if opts.OnEvent != nil {
				eventMu.Lock()
				remaining--
				opts.OnEvent(Event{Linter: t.run.decl.Name, Outcome: outcome, Remaining: remaining})
				eventMu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func deadlineFor(decl *config.Linter, opts Options) time.Duration {
	if decl.DeadlineSeconds > 0 {
		return time.Duration(decl.DeadlineSeconds) * time.Second
	}
	return opts.Deadline
}

// interleave emits batch i of every linter before batch i+1 of any linter.
func interleave(runs []*linterRun) []task {
	var tasks []task
	for i := 0; ; i++ {
		added := false
		for _, run := range runs {
			if run.err != nil {
				continue
			}
			if i < len(run.batches) {
				tasks = append(tasks, task{run: run, index: i, files: run.batches[i]})
				added = true
			}
		}
		if !added {
			return tasks
		}
	}
}

// assemble folds the runs into a report, preserving configuration order.
func assemble(runs []*linterRun) *report.Report {
	rep := &report.Report{}
	for _, run := range runs {
		lr := report.LinterResult{Name: run.decl.Name}

		sort.Slice(run.outcomes, func(i, j int) bool {
			return run.outcomes[i].index < run.outcomes[j].index
		})

		switch {
		case run.err != nil:
			lr.State = report.StateFailed
			lr.Err = run.err
			// Outcomes published before the failure are preserved
			for _, io := range run.outcomes {
				lr.Outcomes = append(lr.Outcomes, io.outcome)
			}
		case len(run.matched) == 0:
			lr.State = report.StateSkipped
		default:
			lr.State = report.StateDone
			for _, io := range run.outcomes {
				lr.Outcomes = append(lr.Outcomes, io.outcome)
			}
		}
		rep.Results = append(rep.Results, lr)
	}
	return rep
}

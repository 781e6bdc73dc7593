package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/nit/internal/config"
	"github.com/standardbeagle/nit/internal/digest"
	"github.com/standardbeagle/nit/internal/enumerate"
	nerrors "github.com/standardbeagle/nit/internal/errors"
	"github.com/standardbeagle/nit/internal/fetch"
	"github.com/standardbeagle/nit/internal/metadata"
	"github.com/standardbeagle/nit/internal/predicate"
	"github.com/standardbeagle/nit/internal/report"
	"github.com/standardbeagle/nit/internal/sandbox"
	"github.com/standardbeagle/nit/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Idle HTTP keep-alive connections from the test servers
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// buildLinterModule assembles a minimal module carrying a contract.
func buildLinterModule(t *testing.T, c metadata.Contract) []byte {
	t.Helper()
	header := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	module, err := metadata.Write(header, c)
	require.NoError(t, err)
	return module
}

// fakeRunner satisfies sandbox.Runner without a Wasm runtime. It records
// invocations and delegates outcomes to an optional hook.
type fakeRunner struct {
	mu          sync.Mutex
	invocations []sandbox.Invocation
	onRun       func(ctx context.Context, inv sandbox.Invocation) sandbox.Outcome
}

func (r *fakeRunner) Run(ctx context.Context, inv sandbox.Invocation) sandbox.Outcome {
	r.mu.Lock()
	r.invocations = append(r.invocations, inv)
	r.mu.Unlock()

	if r.onRun != nil {
		return r.onRun(ctx, inv)
	}
	return sandbox.Outcome{Linter: inv.Linter, Files: inv.Files}
}

func (r *fakeRunner) recorded() []sandbox.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sandbox.Invocation, len(r.invocations))
	copy(out, r.invocations)
	return out
}

type fixture struct {
	store      *store.Store
	runner     *fakeRunner
	dispatcher *Dispatcher
	root       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	runner := &fakeRunner{}
	return &fixture{
		store:      s,
		runner:     runner,
		dispatcher: New(s, fetch.New(s), runner),
		root:       t.TempDir(),
	}
}

func (f *fixture) writeFile(t *testing.T, rel, content string) *enumerate.Candidate {
	t.Helper()
	path := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return enumerate.NewCandidate(f.root, rel)
}

func (f *fixture) opts() Options {
	return Options{Root: f.root, Concurrency: 4}
}

// parseConfig wraps config.Parse with the test's failure handling.
func parseConfig(t *testing.T, raw string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)
	return cfg
}

// inlineDecl renders one inline-bytes linter declaration as config JSON.
func inlineDecl(t *testing.T, name string, c metadata.Contract) string {
	t.Helper()
	module := buildLinterModule(t, c)
	return `{"name": "` + name + `", "bytes": "` + base64.StdEncoding.EncodeToString(module) + `"}`
}

func filterSpec(t *testing.T, raw string) *predicate.Spec {
	t.Helper()
	var s predicate.Spec
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	return &s
}

func oneShotContract() metadata.Contract {
	return metadata.Contract{
		Mode:         metadata.ModeOneShot,
		ArgvTemplate: []string{"check", metadata.PlaceholderFiles},
	}
}

func TestCachedCleanRun(t *testing.T) {
	f := newFixture(t)
	candidates := []*enumerate.Candidate{
		f.writeFile(t, "a.go", "package a\n"),
		f.writeFile(t, "b.go", "package b\n"),
	}

	cfg := parseConfig(t, `{"linters": [`+inlineDecl(t, "clean", oneShotContract())+`]}`)
	rep := f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	require.Len(t, f.runner.recorded(), 1, "one-shot over two files is one invocation")
	assert.Equal(t, []string{"a.go", "b.go"}, f.runner.recorded()[0].Files)
	assert.Equal(t, 0, rep.ExitCode())
}

func TestRemoteFetchAndFix(t *testing.T) {
	f := newFixture(t)
	candidates := []*enumerate.Candidate{f.writeFile(t, "messy.py", "x = 1   \n")}

	c := oneShotContract()
	c.Fixes = true
	module := buildLinterModule(t, c)
	d := digest.Sum(module)

	var downloads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		_, _ = w.Write(module)
	}))
	defer srv.Close()

	f.runner.onRun = func(ctx context.Context, inv sandbox.Invocation) sandbox.Outcome {
		return sandbox.Outcome{Linter: inv.Linter, Files: inv.Files, Mutated: []string{"messy.py"}}
	}

	cfg := parseConfig(t, `{"linters": [{"name": "fixer", "url": "`+srv.URL+`", "digest": "`+d.String()+`"}]}`)
	rep := f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	assert.Equal(t, int64(1), downloads.Load())
	assert.True(t, f.store.Has(d), "module must land in the cache under its digest")
	assert.Equal(t, 1, rep.ExitCode())
	assert.Equal(t, []string{"messy.py"}, rep.MutatedFiles())
}

func TestDigestMismatchFailsOneLinterOnly(t *testing.T) {
	f := newFixture(t)
	candidates := []*enumerate.Candidate{f.writeFile(t, "a.go", "package a\n")}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not the module you wanted"))
	}))
	defer srv.Close()

	expected := digest.Sum([]byte("the real module"))
	cfg := parseConfig(t, `{"linters": [
		{"name": "bad", "url": "`+srv.URL+`", "digest": "`+expected.String()+`"},
		`+inlineDecl(t, "good", oneShotContract())+`
	]}`)

	rep := f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	require.Len(t, rep.Results, 2)
	assert.Equal(t, report.StateFailed, rep.Results[0].State)
	var ae *nerrors.AcquisitionError
	assert.True(t, errors.As(rep.Results[0].Err, &ae))
	assert.Equal(t, report.StateDone, rep.Results[1].State, "other linters proceed")

	assert.False(t, f.store.Has(expected), "nothing may be published on mismatch")
	entries, err := os.ReadDir(f.store.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp files must be discarded")
	}
}

func TestConcurrentDedupAcrossLinters(t *testing.T) {
	f := newFixture(t)
	candidates := []*enumerate.Candidate{f.writeFile(t, "a.go", "package a\n")}

	module := buildLinterModule(t, oneShotContract())
	d := digest.Sum(module)

	var downloads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the dedup window
		_, _ = w.Write(module)
	}))
	defer srv.Close()

	remote := `"url": "` + srv.URL + `", "digest": "` + d.String() + `"`
	cfg := parseConfig(t, `{"linters": [
		{"name": "one", `+remote+`},
		{"name": "two", `+remote+`},
		{"name": "three", `+remote+`}
	]}`)

	rep := f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	assert.Equal(t, int64(1), downloads.Load(), "three linters, one transfer")
	assert.Len(t, f.runner.recorded(), 3, "each linter still runs")
	assert.Equal(t, 0, rep.ExitCode())
}

func TestInvocationErrorDoesNotCancelPeers(t *testing.T) {
	f := newFixture(t)
	candidates := []*enumerate.Candidate{f.writeFile(t, "a.go", "package a\n")}

	f.runner.onRun = func(ctx context.Context, inv sandbox.Invocation) sandbox.Outcome {
		if inv.Linter == "spinner" {
			return sandbox.Outcome{
				Linter: inv.Linter, Files: inv.Files, ExitCode: -1,
				Err: nerrors.NewInvocationError(inv.Linter, "deadline", context.DeadlineExceeded),
			}
		}
		return sandbox.Outcome{Linter: inv.Linter, Files: inv.Files}
	}

	cfg := parseConfig(t, `{"linters": [
		`+inlineDecl(t, "spinner", oneShotContract())+`,
		`+inlineDecl(t, "healthy", oneShotContract())+`
	]}`)

	rep := f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	require.Len(t, rep.Results, 2)
	require.Len(t, rep.Results[0].Outcomes, 1)
	assert.NotNil(t, rep.Results[0].Outcomes[0].Err)
	assert.Equal(t, report.StateDone, rep.Results[1].State)
	assert.Nil(t, rep.Results[1].Outcomes[0].Err, "peers complete normally")
	assert.Equal(t, 1, rep.ExitCode())
}

func TestChangedFilesSubset(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "f2.go", "package f2\n")
	f.writeFile(t, "f3.go", "package f3\n")

	// Only the changed file is a candidate; the others exist on disk but
	// are not part of this run's snapshot
	candidates := []*enumerate.Candidate{f.writeFile(t, "f1.go", "package f1\n")}

	cfg := parseConfig(t, `{"linters": [`+inlineDecl(t, "lint", oneShotContract())+`]}`)
	f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	invs := f.runner.recorded()
	require.Len(t, invs, 1)
	assert.Equal(t, []string{"f1.go"}, invs[0].Files)
}

func TestEmptyFilterSkipsSilently(t *testing.T) {
	f := newFixture(t)
	candidates := []*enumerate.Candidate{f.writeFile(t, "a.go", "package a\n")}

	c := oneShotContract()
	c.Filter = filterSpec(t, `{"glob": "**/*.rs"}`)
	cfg := parseConfig(t, `{"linters": [`+inlineDecl(t, "rust-only", c)+`]}`)

	rep := f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	assert.Empty(t, f.runner.recorded(), "no invocation for an empty file list")
	require.Len(t, rep.Results, 1)
	assert.Equal(t, report.StateSkipped, rep.Results[0].State)
	assert.Equal(t, 0, rep.ExitCode())
}

func TestPerFileModeCoverage(t *testing.T) {
	f := newFixture(t)
	files := []string{"a.go", "b.go", "c.go", "d.go"}
	var candidates []*enumerate.Candidate
	for _, name := range files {
		candidates = append(candidates, f.writeFile(t, name, "package x\n"))
	}

	c := metadata.Contract{Mode: metadata.ModePerFile, ArgvTemplate: []string{"lint", metadata.PlaceholderFile}}
	cfg := parseConfig(t, `{"linters": [`+inlineDecl(t, "per-file", c)+`]}`)

	rep := f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	// Every matched (linter, file) pair is covered by exactly one outcome
	var covered []string
	for _, o := range rep.Results[0].Outcomes {
		require.Len(t, o.Files, 1)
		covered = append(covered, o.Files[0])
	}
	sort.Strings(covered)
	assert.Equal(t, files, covered)
}

func TestDeclarationOverridesContract(t *testing.T) {
	f := newFixture(t)
	candidates := []*enumerate.Candidate{f.writeFile(t, "a.go", "package a\n")}

	// Module says one-shot; the declaration overrides to per-file
	module := buildLinterModule(t, oneShotContract())
	cfg := parseConfig(t, `{"linters": [{
		"name": "overridden",
		"bytes": "`+base64.StdEncoding.EncodeToString(module)+`",
		"mode": "per-file",
		"argv_template": ["lint", "{file}"],
		"env": {"DEBUG": "1"}
	}]}`)

	f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	invs := f.runner.recorded()
	require.Len(t, invs, 1)
	assert.Equal(t, metadata.ModePerFile, invs[0].Contract.Mode)
	assert.Equal(t, []string{"lint", "{file}"}, invs[0].Contract.ArgvTemplate)
	assert.Equal(t, "1", invs[0].Contract.Env["DEBUG"])
}

func TestMissingMetadataSectionFailsLinter(t *testing.T) {
	f := newFixture(t)
	candidates := []*enumerate.Candidate{f.writeFile(t, "a.go", "package a\n")}

	// A well-formed module with no reserved section
	bare := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	cfg := parseConfig(t, `{"linters": [{"name": "bare", "bytes": "`+base64.StdEncoding.EncodeToString(bare)+`"}]}`)

	rep := f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	require.Len(t, rep.Results, 1)
	assert.Equal(t, report.StateFailed, rep.Results[0].State)
	var me *nerrors.MetadataError
	assert.True(t, errors.As(rep.Results[0].Err, &me), "missing section is a metadata error, not a trap")
	assert.Empty(t, f.runner.recorded(), "the sandbox never sees the module")
}

func TestGlobalExcludeApplies(t *testing.T) {
	f := newFixture(t)
	candidates := []*enumerate.Candidate{
		f.writeFile(t, "main.go", "package main\n"),
		f.writeFile(t, "vendor/dep.go", "package dep\n"),
	}

	cfg := parseConfig(t, `{
		"exclude": {"glob": "vendor/**"},
		"linters": [`+inlineDecl(t, "lint", oneShotContract())+`]
	}`)

	f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	invs := f.runner.recorded()
	require.Len(t, invs, 1)
	assert.Equal(t, []string{"main.go"}, invs[0].Files, "excluded files never reach an invocation")
}

func TestFailFastCancelsOutstandingWork(t *testing.T) {
	f := newFixture(t)
	candidates := []*enumerate.Candidate{f.writeFile(t, "a.go", "package a\n")}

	f.runner.onRun = func(ctx context.Context, inv sandbox.Invocation) sandbox.Outcome {
		if inv.Linter == "failing" {
			return sandbox.Outcome{
				Linter: inv.Linter, Files: inv.Files, ExitCode: -1,
				Err: nerrors.NewInvocationError(inv.Linter, "execute", errors.New("trap")),
			}
		}
		// The healthy linter blocks until cancellation reaches it
		<-ctx.Done()
		return sandbox.Outcome{Linter: inv.Linter, Files: inv.Files, ExitCode: -1, Err: ctx.Err()}
	}

	cfg := parseConfig(t, `{"linters": [
		`+inlineDecl(t, "failing", oneShotContract())+`,
		`+inlineDecl(t, "blocked", oneShotContract())+`
	]}`)

	opts := f.opts()
	opts.FailFast = true

	done := make(chan *report.Report, 1)
	go func() { done <- f.dispatcher.Run(context.Background(), cfg, candidates, opts) }()

	select {
	case rep := <-done:
		assert.Equal(t, 1, rep.ExitCode())
	case <-time.After(10 * time.Second):
		t.Fatal("fail-fast run did not terminate")
	}
}

func TestProgressEvents(t *testing.T) {
	f := newFixture(t)
	var candidates []*enumerate.Candidate
	for _, name := range []string{"a.go", "b.go", "c.go"} {
		candidates = append(candidates, f.writeFile(t, name, "package x\n"))
	}

	c := metadata.Contract{Mode: metadata.ModePerFile, ArgvTemplate: []string{metadata.PlaceholderFile}}
	cfg := parseConfig(t, `{"linters": [`+inlineDecl(t, "events", c)+`]}`)

	var mu sync.Mutex
	var events []Event
	opts := f.opts()
	opts.OnEvent = func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	f.dispatcher.Run(context.Background(), cfg, candidates, opts)

	require.Len(t, events, 3, "one event per completed invocation")
	assert.Equal(t, 0, events[len(events)-1].Remaining)
}

func TestLocalPathLinterIsContentAddressed(t *testing.T) {
	f := newFixture(t)
	candidates := []*enumerate.Candidate{f.writeFile(t, "a.go", "package a\n")}

	module := buildLinterModule(t, oneShotContract())
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "linters"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "linters", "local.wasm"), module, 0o644))

	cfg := parseConfig(t, `{"linters": [{"name": "local", "path": "linters/local.wasm"}]}`)
	rep := f.dispatcher.Run(context.Background(), cfg, candidates, f.opts())

	assert.Equal(t, 0, rep.ExitCode())
	assert.True(t, f.store.Has(digest.Sum(module)), "local modules flow through the store")
}

// Package report folds per-invocation outcomes into the run's exit decision
// and user-visible output.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/standardbeagle/nit/internal/sandbox"
)

// State is where a linter ended up in its run lifecycle.
type State string

const (
	// StateDone means every scheduled invocation produced an outcome.
	StateDone State = "done"
	// StateSkipped means the filter matched no files; nothing ran.
	StateSkipped State = "skipped"
	// StateFailed means acquisition, metadata, or dispatch failed.
	StateFailed State = "failed"
)

// LinterResult aggregates one linter's run.
type LinterResult struct {
	Name     string
	State    State
	Err      error
	Outcomes []sandbox.Outcome
}

// Report is the aggregate of a whole run.
type Report struct {
	Results []LinterResult
}

// ExitCode implements the exit decision: 0 only when every outcome exited
// zero, nothing failed, and no file was mutated.
func (r *Report) ExitCode() int {
	for _, lr := range r.Results {
		if lr.State == StateFailed {
			return 1
		}
		for _, o := range lr.Outcomes {
			if !o.Clean() {
				return 1
			}
		}
	}
	return 0
}

// MutatedFiles returns the deduplicated set of files any linter fixed.
func (r *Report) MutatedFiles() []string {
	set := make(map[string]bool)
	for _, lr := range r.Results {
		for _, o := range lr.Outcomes {
			for _, f := range o.Mutated {
				set[f] = true
			}
		}
	}
	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Render writes the human-readable report. Mutations are listed apart from
// findings so "the linter fixed things" reads differently from "the linter
// found things it could not fix".
func (r *Report) Render(w io.Writer, noColor bool) {
	originalNoColor := color.NoColor
	defer func() { color.NoColor = originalNoColor }()
	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	pass := color.New(color.FgGreen)
	fail := color.New(color.FgRed, color.Bold)
	warn := color.New(color.FgYellow)
	dim := color.New(color.Faint)

	for _, lr := range r.Results {
		switch {
		case lr.State == StateFailed:
			fail.Fprintf(w, "✗ %s\n", lr.Name)
			fmt.Fprintf(w, "  %v\n", lr.Err)
		case lr.State == StateSkipped:
			dim.Fprintf(w, "- %s (no files matched)\n", lr.Name)
		case lr.clean():
			pass.Fprintf(w, "✓ %s\n", lr.Name)
		default:
			fail.Fprintf(w, "✗ %s\n", lr.Name)
			lr.renderOutcomes(w, warn)
		}
	}

	if mutated := r.MutatedFiles(); len(mutated) > 0 {
		warn.Fprintf(w, "\nFixed files:\n")
		for _, f := range mutated {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
}

func (lr *LinterResult) clean() bool {
	for _, o := range lr.Outcomes {
		if !o.Clean() {
			return false
		}
	}
	return true
}

func (lr *LinterResult) renderOutcomes(w io.Writer, warn *color.Color) {
	for _, o := range lr.Outcomes {
		if o.Clean() {
			continue
		}
		if o.Err != nil {
			fmt.Fprintf(w, "  error: %v\n", o.Err)
		} else if o.ExitCode != 0 {
			fmt.Fprintf(w, "  exit %d (%d files, %s)\n", o.ExitCode, len(o.Files), o.Duration.Round(time.Millisecond))
		}
		if msg := strings.TrimRight(string(o.Stderr), "\n"); msg != "" {
			for _, line := range strings.Split(msg, "\n") {
				warn.Fprintf(w, "  | %s\n", line)
			}
		}
	}
}

// jsonOutcome is the machine form of one outcome.
type jsonOutcome struct {
	Files    []string `json:"files"`
	ExitCode int      `json:"exit_code"`
	Stderr   string   `json:"stderr,omitempty"`
	Mutated  []string `json:"mutated,omitempty"`
	Error    string   `json:"error,omitempty"`
	Millis   int64    `json:"duration_ms"`
}

type jsonLinter struct {
	Name     string        `json:"name"`
	State    State         `json:"state"`
	Error    string        `json:"error,omitempty"`
	Outcomes []jsonOutcome `json:"outcomes,omitempty"`
}

type jsonReport struct {
	ExitCode int          `json:"exit_code"`
	Linters  []jsonLinter `json:"linters"`
	Mutated  []string     `json:"mutated,omitempty"`
}

// MarshalJSON renders the machine-readable report.
func (r *Report) MarshalJSON() ([]byte, error) {
	jr := jsonReport{ExitCode: r.ExitCode(), Mutated: r.MutatedFiles()}
	for _, lr := range r.Results {
		jl := jsonLinter{Name: lr.Name, State: lr.State}
		if lr.Err != nil {
			jl.Error = lr.Err.Error()
		}
		for _, o := range lr.Outcomes {
			jo := jsonOutcome{
				Files:    o.Files,
				ExitCode: o.ExitCode,
				Stderr:   string(o.Stderr),
				Mutated:  o.Mutated,
				Millis:   o.Duration.Milliseconds(),
			}
			if o.Err != nil {
				jo.Error = o.Err.Error()
			}
			jl.Outcomes = append(jl.Outcomes, jo)
		}
		jr.Linters = append(jr.Linters, jl)
	}
	return json.Marshal(jr)
}

// Package enumerate produces the candidate file set a run operates on.
//
// Two sources exist: walking the repository tree, or the change-detection
// collaborator's path list. Either way each candidate carries a lazy text
// sniff so predicates that never ask about content never cause I/O.
package enumerate

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/standardbeagle/nit/pkg/pathutil"
)

// sniffLen is how much of a file the text sniff examines. A NUL byte inside
// this window marks the file binary; this matches git's own heuristic.
const sniffLen = 8000

// vcsDir is the version-control metadata directory skipped during walks.
const vcsDir = ".git"

// Candidate is one repository file eligible for linting. It implements
// predicate.File; the sniff and mode lookups run at most once.
type Candidate struct {
	rel string // repository-relative, forward slashes
	abs string

	sniffOnce sync.Once
	isText    bool

	modeOnce sync.Once
	isExec   bool
}

// NewCandidate builds a candidate from a repo root and a relative path.
func NewCandidate(root, rel string) *Candidate {
	rel = pathutil.Normalize(rel)
	return &Candidate{rel: rel, abs: pathutil.ToHost(root, rel)}
}

// Path returns the repository-relative forward-slash path.
func (c *Candidate) Path() string { return c.rel }

// HostPath returns the absolute path on the host filesystem.
func (c *Candidate) HostPath() string { return c.abs }

// IsText sniffs the first bytes of the file on first call: text means no
// NUL byte within the sniff window. Unreadable files report as binary.
func (c *Candidate) IsText() bool {
	c.sniffOnce.Do(func() {
		f, err := os.Open(c.abs)
		if err != nil {
			return
		}
		defer f.Close()

		buf := make([]byte, sniffLen)
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return
		}
		c.isText = !bytes.ContainsRune(buf[:n], 0)
	})
	return c.isText
}

// IsExecutable reports the user-execute mode bit. Platforms that do not
// expose an execute bit always report false, so executable-gated linters
// are effectively disabled there; the driver does not try to guess.
func (c *Candidate) IsExecutable() bool {
	c.modeOnce.Do(func() {
		info, err := os.Stat(c.abs)
		if err != nil {
			return
		}
		c.isExec = info.Mode().Perm()&0o100 != 0
	})
	return c.isExec
}

// ChangeLister is the slice of the git collaborator the changed-files
// source needs.
type ChangeLister interface {
	ChangedFiles(ctx context.Context, uncommitted bool) ([]string, error)
}

// TrackedLister is the slice of the git collaborator the all-tracked source
// needs.
type TrackedLister interface {
	TrackedFiles(ctx context.Context) ([]string, error)
}

// Walk lists every file under root, skipping the VCS metadata directory.
func Walk(ctx context.Context, root string) ([]*Candidate, error) {
	var candidates []*Candidate
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == vcsDir && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		candidates = append(candidates, NewCandidate(root, rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// Changed builds candidates from the change lister's output. Paths that no
// longer exist on disk are dropped.
func Changed(ctx context.Context, root string, lister ChangeLister, uncommitted bool) ([]*Candidate, error) {
	paths, err := lister.ChangedFiles(ctx, uncommitted)
	if err != nil {
		return nil, err
	}
	return fromPaths(root, paths), nil
}

// Tracked builds candidates from every path the collaborator tracks. Tracked
// paths deleted from the working tree are dropped the same way changed ones
// are.
func Tracked(ctx context.Context, root string, lister TrackedLister) ([]*Candidate, error) {
	paths, err := lister.TrackedFiles(ctx)
	if err != nil {
		return nil, err
	}
	return fromPaths(root, paths), nil
}

func fromPaths(root string, paths []string) []*Candidate {
	candidates := make([]*Candidate, 0, len(paths))
	for _, p := range paths {
		c := NewCandidate(root, p)
		if info, err := os.Stat(c.HostPath()); err != nil || !info.Mode().IsRegular() {
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates
}

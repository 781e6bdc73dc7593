// Package git is the change-detection collaborator. The driver treats its
// output as an opaque path list; everything here shells out to the git
// binary found on PATH.
package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Provider wraps git commands against one repository
type Provider struct {
	repoRoot string
}

// NewProvider creates a provider rooted at the repository containing dir.
func NewProvider(dir string) (*Provider, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid repo root: %w", err)
	}

	// git rev-parse --show-toplevel works from any subdirectory
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = absDir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s", absDir)
	}

	return &Provider{repoRoot: strings.TrimSpace(string(output))}, nil
}

// RepoRoot returns the repository root path
func (p *Provider) RepoRoot() string {
	return p.repoRoot
}

// ChangedFiles returns paths that differ from the index, or from HEAD when
// uncommitted is set. Deleted files are excluded: there is nothing on disk
// for a linter to read.
func (p *Provider) ChangedFiles(ctx context.Context, uncommitted bool) ([]string, error) {
	args := []string{"diff", "--name-only", "--diff-filter=d", "--no-renames"}
	if uncommitted {
		args = append(args, "HEAD")
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.repoRoot

	output, err := cmd.Output()
	if err != nil {
		if uncommitted {
			// HEAD may not exist yet (fresh repo); fall back to the index
			return p.ChangedFiles(ctx, false)
		}
		return nil, fmt.Errorf("git diff --name-only failed: %w", err)
	}

	return splitLines(output), nil
}

// TrackedFiles returns every path git tracks in the repository
func (p *Provider) TrackedFiles(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files")
	cmd.Dir = p.repoRoot

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git ls-files failed: %w", err)
	}

	return splitLines(output), nil
}

// HooksDir returns the repository's hooks directory.
func (p *Provider) HooksDir(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--git-path", "hooks")
	cmd.Dir = p.repoRoot

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse --git-path failed: %w", err)
	}

	dir := strings.TrimSpace(string(output))
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(p.repoRoot, dir)
	}
	return dir, nil
}

func splitLines(output []byte) []string {
	var files []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// Package config loads and validates the driver configuration.
//
// The config file is discovered by name in the repository root and accepts
// both strict JSON and the permissive dialect with comments and trailing
// commas. Declarations are immutable after load: validation happens once,
// here, so later stages can assume a well-formed linter set.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tailscale/hujson"

	"github.com/standardbeagle/nit/internal/digest"
	nerrors "github.com/standardbeagle/nit/internal/errors"
	"github.com/standardbeagle/nit/internal/metadata"
	"github.com/standardbeagle/nit/internal/predicate"
)

// FileName is the config file discovered in the repository root.
const FileName = ".nit.json"

// Config is the loaded driver configuration.
type Config struct {
	Linters     []Linter        `json:"linters"`
	Include     *predicate.Spec `json:"include,omitempty"`
	Exclude     *predicate.Spec `json:"exclude,omitempty"`
	Concurrency int             `json:"concurrency,omitempty"`
	FailFast    bool            `json:"fail_fast,omitempty"`
}

// Linter is one declaration. Exactly one location form must be set:
// remote (url + digest), local (path), or inline (bytes, base64).
// The remaining fields override the module's embedded contract.
type Linter struct {
	Name string `json:"name"`

	// Location (exactly one)
	URL    string `json:"url,omitempty"`
	Digest string `json:"digest,omitempty"`
	Path   string `json:"path,omitempty"`
	Bytes  string `json:"bytes,omitempty"`

	// Contract overrides
	Include      *predicate.Spec   `json:"include,omitempty"`
	Exclude      *predicate.Spec   `json:"exclude,omitempty"`
	ArgvTemplate []string          `json:"argv_template,omitempty"`
	Mode         metadata.Mode     `json:"mode,omitempty"`
	Fixes        *bool             `json:"fixes,omitempty"`
	Env          map[string]string `json:"env,omitempty"`

	// Execution limits
	Concurrency     int `json:"concurrency,omitempty"`
	DeadlineSeconds int `json:"deadline_seconds,omitempty"`

	parsedDigest digest.Digest
	inlineBytes  []byte
}

// ParsedDigest returns the decoded remote digest; zero for non-remote linters.
func (l *Linter) ParsedDigest() digest.Digest { return l.parsedDigest }

// InlineBytes returns the decoded inline module; nil for other locations.
func (l *Linter) InlineBytes() []byte { return l.inlineBytes }

// IsRemote reports whether the linter is fetched from a URL.
func (l *Linter) IsRemote() bool { return l.URL != "" }

// Discover returns the config path in root, or an error when absent.
func Discover(root string) (string, error) {
	path := filepath.Join(root, FileName)
	if _, err := os.Stat(path); err != nil {
		return "", nerrors.NewConfigError(FileName, "", fmt.Errorf("no %s in %s", FileName, root))
	}
	return path, nil
}

// Load reads, parses, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nerrors.NewConfigError("file", path, err)
	}
	return Parse(data)
}

// Parse decodes config bytes in either JSON dialect and validates them.
func Parse(data []byte) (*Config, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, nerrors.NewConfigError("syntax", "", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, nerrors.NewConfigError("syntax", "", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EffectiveConcurrency resolves the worker pool width: the flag wins, then
// the config key, then the logical CPU count.
func (c *Config) EffectiveConcurrency(flagValue int) int {
	switch {
	case flagValue > 0:
		return flagValue
	case c.Concurrency > 0:
		return c.Concurrency
	default:
		return runtime.NumCPU()
	}
}

func (c *Config) validate() error {
	if c.Concurrency < 0 {
		return nerrors.NewConfigError("concurrency", fmt.Sprint(c.Concurrency), fmt.Errorf("must be positive"))
	}
	if err := compileCheck("include", c.Include); err != nil {
		return err
	}
	if err := compileCheck("exclude", c.Exclude); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Linters))
	for i := range c.Linters {
		l := &c.Linters[i]
		field := fmt.Sprintf("linters[%d]", i)
		if l.Name == "" {
			return nerrors.NewConfigError(field+".name", "", fmt.Errorf("linter name is required"))
		}
		if seen[l.Name] {
			return nerrors.NewConfigError(field+".name", l.Name, fmt.Errorf("duplicate linter name"))
		}
		seen[l.Name] = true

		if err := l.validate(field); err != nil {
			return err
		}
	}
	return nil
}

func (l *Linter) validate(field string) error {
	locations := 0
	if l.URL != "" {
		locations++
	}
	if l.Path != "" {
		locations++
	}
	if l.Bytes != "" {
		locations++
	}
	if locations != 1 {
		return nerrors.NewConfigError(field, l.Name,
			fmt.Errorf("exactly one of url, path, bytes must be set, got %d", locations))
	}

	switch {
	case l.URL != "":
		if l.Digest == "" {
			return nerrors.NewConfigError(field+".digest", "", fmt.Errorf("remote linters require a digest"))
		}
		d, err := digest.Parse(l.Digest)
		if err != nil {
			return nerrors.NewConfigError(field+".digest", l.Digest, err)
		}
		l.parsedDigest = d
	case l.Path != "":
		if l.Digest != "" {
			return nerrors.NewConfigError(field+".digest", l.Digest, fmt.Errorf("digest is only valid with url"))
		}
	case l.Bytes != "":
		raw, err := base64.StdEncoding.DecodeString(l.Bytes)
		if err != nil {
			return nerrors.NewConfigError(field+".bytes", "", err)
		}
		l.inlineBytes = raw
	}

	if l.Mode != "" {
		switch l.Mode {
		case metadata.ModeOneShot, metadata.ModePerFile, metadata.ModeStdinStream:
		default:
			return nerrors.NewConfigError(field+".mode", string(l.Mode), fmt.Errorf("unknown invocation mode"))
		}
	}
	if l.Mode != "" && l.Mode != metadata.ModePerFile {
		for _, tok := range l.ArgvTemplate {
			if tok == metadata.PlaceholderFile {
				return nerrors.NewConfigError(field+".argv_template", tok,
					fmt.Errorf("%s is only valid in %s mode", metadata.PlaceholderFile, metadata.ModePerFile))
			}
		}
	}

	if l.Concurrency < 0 {
		return nerrors.NewConfigError(field+".concurrency", fmt.Sprint(l.Concurrency), fmt.Errorf("must be positive"))
	}
	if l.DeadlineSeconds < 0 {
		return nerrors.NewConfigError(field+".deadline_seconds", fmt.Sprint(l.DeadlineSeconds), fmt.Errorf("must be positive"))
	}

	if err := compileCheck(field+".include", l.Include); err != nil {
		return err
	}
	return compileCheck(field+".exclude", l.Exclude)
}

func compileCheck(field string, spec *predicate.Spec) error {
	if spec == nil {
		return nil
	}
	if _, err := spec.Compile(); err != nil {
		return nerrors.NewConfigError(field, "", err)
	}
	return nil
}

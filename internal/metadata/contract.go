// Package metadata reads and writes the invocation contract embedded in a
// linter module as a Wasm custom section.
package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/tailscale/hujson"

	"github.com/standardbeagle/nit/internal/predicate"
)

// SectionName is the reserved custom-section name carrying the contract.
const SectionName = "nit-linter-v1"

// Mode selects how matched files are grouped into invocations.
type Mode string

const (
	// ModeOneShot runs a single invocation with all files as argv.
	ModeOneShot Mode = "one-shot"
	// ModePerFile runs one invocation per file.
	ModePerFile Mode = "per-file"
	// ModeStdinStream is reserved for streaming semantics; batch formation
	// currently treats it exactly like one-shot.
	ModeStdinStream Mode = "stdin-stream"
)

// Placeholders recognized in argv templates.
const (
	PlaceholderFiles = "{files}"
	PlaceholderFile  = "{file}"
	PlaceholderRoot  = "{root}"
)

// Contract describes how the driver invokes a linter module.
type Contract struct {
	Filter       *predicate.Spec   `json:"filter,omitempty"`
	Mode         Mode              `json:"mode"`
	ArgvTemplate []string          `json:"argv_template"`
	Fixes        bool              `json:"fixes,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// Validate checks mode and template pairing rules.
func (c *Contract) Validate() error {
	switch c.Mode {
	case ModeOneShot, ModePerFile, ModeStdinStream:
	case "":
		return fmt.Errorf("contract missing mode")
	default:
		return fmt.Errorf("unknown invocation mode %q", c.Mode)
	}

	for _, tok := range c.ArgvTemplate {
		if tok == PlaceholderFile && c.Mode != ModePerFile {
			return fmt.Errorf("%s placeholder is only valid in %s mode", PlaceholderFile, ModePerFile)
		}
	}

	if c.Filter != nil {
		if _, err := c.Filter.Compile(); err != nil {
			return fmt.Errorf("contract filter: %w", err)
		}
	}
	return nil
}

// ParseContract decodes a contract document. Both strict JSON and the
// permissive dialect with comments and trailing commas are accepted.
func ParseContract(data []byte) (Contract, error) {
	var c Contract
	std, err := hujson.Standardize(data)
	if err != nil {
		return c, fmt.Errorf("contract payload: %w", err)
	}
	if err := json.Unmarshal(std, &c); err != nil {
		return c, fmt.Errorf("contract payload: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Encode renders the contract as the canonical payload bytes. Encoding is
// deterministic so embedding the same contract twice is byte-identical.
func (c *Contract) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

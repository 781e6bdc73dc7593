package predicate

import (
	"encoding/json"
	"fmt"
)

// Spec is the serialized form of a predicate tree, as it appears in the
// configuration file and in module metadata payloads:
//
//	"all" | "none" | "is_text" | "is_executable"
//	{"glob": "src/**/*.go"}
//	{"regex": "_test\\.go$"}
//	{"ext": ["go", "rs"]}
//	{"and": [...]} | {"or": [...]} | {"not": ...}
//
// A Spec round-trips through JSON byte-identically, which the metadata
// writer relies on for idempotent embeds.
type Spec struct {
	leaf  string
	glob  string
	regex string
	ext   []string
	and   []*Spec
	or    []*Spec
	not   *Spec
}

// UnmarshalJSON decodes the tagged-variant wire form.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var leaf string
	if err := json.Unmarshal(data, &leaf); err == nil {
		switch leaf {
		case "all", "none", "is_text", "is_executable":
			s.leaf = leaf
			return nil
		default:
			return fmt.Errorf("unknown predicate leaf %q", leaf)
		}
	}

	var node map[string]json.RawMessage
	if err := json.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("predicate must be a string leaf or an object node: %w", err)
	}
	if len(node) != 1 {
		return fmt.Errorf("predicate node must have exactly one key, got %d", len(node))
	}

	for key, raw := range node {
		switch key {
		case "glob":
			return json.Unmarshal(raw, &s.glob)
		case "regex":
			return json.Unmarshal(raw, &s.regex)
		case "ext":
			return json.Unmarshal(raw, &s.ext)
		case "and":
			return json.Unmarshal(raw, &s.and)
		case "or":
			return json.Unmarshal(raw, &s.or)
		case "not":
			s.not = &Spec{}
			return json.Unmarshal(raw, s.not)
		default:
			return fmt.Errorf("unknown predicate node %q", key)
		}
	}
	return nil
}

// MarshalJSON emits the same wire form UnmarshalJSON accepts.
func (s *Spec) MarshalJSON() ([]byte, error) {
	switch {
	case s.leaf != "":
		return json.Marshal(s.leaf)
	case s.glob != "":
		return json.Marshal(map[string]string{"glob": s.glob})
	case s.regex != "":
		return json.Marshal(map[string]string{"regex": s.regex})
	case s.ext != nil:
		return json.Marshal(map[string][]string{"ext": s.ext})
	case s.and != nil:
		return json.Marshal(map[string][]*Spec{"and": s.and})
	case s.or != nil:
		return json.Marshal(map[string][]*Spec{"or": s.or})
	case s.not != nil:
		return json.Marshal(map[string]*Spec{"not": s.not})
	default:
		return nil, fmt.Errorf("empty predicate spec")
	}
}

// Compile turns the spec into an evaluable predicate, validating every
// glob and regex pattern once up front.
func (s *Spec) Compile() (*Predicate, error) {
	switch {
	case s.leaf == "all":
		return All(), nil
	case s.leaf == "none":
		return None(), nil
	case s.leaf == "is_text":
		return IsText(), nil
	case s.leaf == "is_executable":
		return IsExecutable(), nil
	case s.glob != "":
		return Glob(s.glob)
	case s.regex != "":
		return Regex(s.regex)
	case s.ext != nil:
		return Ext(s.ext...), nil
	case s.and != nil:
		children, err := compileAll(s.and)
		if err != nil {
			return nil, err
		}
		return And(children...), nil
	case s.or != nil:
		children, err := compileAll(s.or)
		if err != nil {
			return nil, err
		}
		return Or(children...), nil
	case s.not != nil:
		child, err := s.not.Compile()
		if err != nil {
			return nil, err
		}
		return Not(child), nil
	default:
		return nil, fmt.Errorf("empty predicate spec")
	}
}

func compileAll(specs []*Spec) ([]*Predicate, error) {
	children := make([]*Predicate, 0, len(specs))
	for _, spec := range specs {
		p, err := spec.Compile()
		if err != nil {
			return nil, err
		}
		children = append(children, p)
	}
	return children, nil
}

// GlobSpec builds a glob spec node (used when folding CLI flags into config).
func GlobSpec(pattern string) *Spec { return &Spec{glob: pattern} }

// OrSpec builds an or node over the given children.
func OrSpec(children ...*Spec) *Spec { return &Spec{or: children} }

// Package predicate implements the include/exclude expression trees linters
// and configuration use to select files.
//
// A predicate is a small tagged-variant tree: leaves match on path or on a
// cheap content sniff, nodes combine children. Evaluation short-circuits and
// compiled glob/regex matchers are shared by reference, so one tree can be
// evaluated against many files cheaply.
package predicate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// File is the view a predicate needs of a candidate file. Sniff-backed
// methods may do lazy I/O on first use.
type File interface {
	// Path returns the repository-relative forward-slash path.
	Path() string
	// IsText reports whether the first 8000 bytes contain no NUL byte.
	IsText() bool
	// IsExecutable reports the user-execute mode bit. Always false on
	// platforms that do not expose an execute bit.
	IsExecutable() bool
}

type kind int

const (
	kindAll kind = iota
	kindNone
	kindGlob
	kindRegex
	kindIsText
	kindIsExecutable
	kindExt
	kindAnd
	kindOr
	kindNot
)

// Predicate is a compiled expression tree ready for evaluation.
type Predicate struct {
	kind     kind
	glob     string
	re       *regexp.Regexp
	exts     map[string]bool
	children []*Predicate
}

// All matches every file.
func All() *Predicate { return &Predicate{kind: kindAll} }

// None matches no file.
func None() *Predicate { return &Predicate{kind: kindNone} }

// IsText matches files sniffed as text.
func IsText() *Predicate { return &Predicate{kind: kindIsText} }

// IsExecutable matches files with the user-execute bit set.
func IsExecutable() *Predicate { return &Predicate{kind: kindIsExecutable} }

// Glob matches the path against a shell glob where ** crosses segments.
func Glob(pattern string) (*Predicate, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}
	return &Predicate{kind: kindGlob, glob: pattern}, nil
}

// Regex matches the path against a compiled regular expression.
func Regex(pattern string) (*Predicate, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}
	return &Predicate{kind: kindRegex, re: re}, nil
}

// Ext matches files whose extension (without dot, lowercased) is in the set.
func Ext(exts ...string) *Predicate {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	return &Predicate{kind: kindExt, exts: set}
}

// And matches when every child matches. With no children it matches all.
func And(children ...*Predicate) *Predicate {
	return &Predicate{kind: kindAnd, children: children}
}

// Or matches when any child matches. With no children it matches none.
func Or(children ...*Predicate) *Predicate {
	return &Predicate{kind: kindOr, children: children}
}

// Not inverts its child.
func Not(child *Predicate) *Predicate {
	return &Predicate{kind: kindNot, children: []*Predicate{child}}
}

// Match evaluates the tree against a file, short-circuiting nodes.
func (p *Predicate) Match(f File) bool {
	switch p.kind {
	case kindAll:
		return true
	case kindNone:
		return false
	case kindGlob:
		ok, _ := doublestar.Match(p.glob, f.Path())
		return ok
	case kindRegex:
		return p.re.MatchString(f.Path())
	case kindIsText:
		return f.IsText()
	case kindIsExecutable:
		return f.IsExecutable()
	case kindExt:
		return p.exts[pathExt(f.Path())]
	case kindAnd:
		for _, c := range p.children {
			if !c.Match(f) {
				return false
			}
		}
		return true
	case kindOr:
		for _, c := range p.children {
			if c.Match(f) {
				return true
			}
		}
		return false
	case kindNot:
		return !p.children[0].Match(f)
	default:
		return false
	}
}

// Effective combines a linter's contract filter with include/exclude
// overrides: filter AND include AND NOT exclude. A nil filter or include
// defaults to all, a nil exclude to none.
func Effective(filter, include, exclude *Predicate) *Predicate {
	if filter == nil {
		filter = All()
	}
	if include == nil {
		include = All()
	}
	if exclude == nil {
		exclude = None()
	}
	return And(filter, include, Not(exclude))
}

func pathExt(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	i := strings.LastIndexByte(base, '.')
	if i < 0 || i == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[i+1:])
}

package rules

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// RegexPrefix marks a pattern string as a regular expression instead of a glob.
const RegexPrefix = "re:"

// recursiveDir is the directory token matching any depth, including none.
const recursiveDir = "**"

// Pattern matches slash separated paths relative to a storage root.
// Implementations are immutable.
type Pattern interface {
	Match(rel string) bool
	// Rebind returns an equivalent pattern anchored under dir.
	Rebind(dir string) Pattern
	String() string
}

// ParsePattern compiles a glob pattern, or a regular expression when the
// string starts with RegexPrefix.
func ParsePattern(s string) (Pattern, error) {
	if strings.HasPrefix(s, RegexPrefix) {
		return NewRegex(strings.TrimPrefix(s, RegexPrefix))
	}
	return NewGlob(s)
}

// MustPattern is ParsePattern for literals known to be valid.
func MustPattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// GlobPattern is shell style globbing over '/' separated paths. '*' stays
// within one path element and '**' spans any number of them. When the
// directory part of the pattern is exactly '**', a match of the file name
// alone is accepted too, so "**/*.mrc" also matches "a.mrc".
type GlobPattern struct {
	raw  string
	g    glob.Glob
	base glob.Glob
}

// NewGlob compiles a glob pattern.
func NewGlob(pattern string) (*GlobPattern, error) {
	pattern = normalize(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("glob pattern is empty")
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("compile glob %q: %w", pattern, err)
	}
	gp := &GlobPattern{raw: pattern, g: g}
	if dir, name := path.Split(pattern); strings.TrimSuffix(dir, "/") == recursiveDir {
		b, err := glob.Compile(name, '/')
		if err != nil {
			return nil, fmt.Errorf("compile glob %q: %w", name, err)
		}
		gp.base = b
	}
	return gp, nil
}

func (p *GlobPattern) Match(rel string) bool {
	rel = normalize(rel)
	if p.g.Match(rel) {
		return true
	}
	return p.base != nil && p.base.Match(path.Base(rel))
}

func (p *GlobPattern) Rebind(dir string) Pattern {
	name := path.Base(p.raw)
	dir = normalize(dir)
	raw := name
	if dir != "" && dir != "." {
		raw = dir + "/" + name
	}
	np, err := NewGlob(raw)
	if err != nil {
		// name and dir both came from valid patterns; a failure here means
		// dir itself holds glob syntax that does not compile.
		panic(fmt.Sprintf("rebind %q under %q: %v", p.raw, dir, err))
	}
	return np
}

func (p *GlobPattern) String() string { return p.raw }

// RegexPattern applies a regular expression to the whole relative path.
type RegexPattern struct {
	raw string
	re  *regexp.Regexp
}

// NewRegex compiles a regular expression pattern.
func NewRegex(expr string) (*RegexPattern, error) {
	if expr == "" {
		return nil, fmt.Errorf("regex pattern is empty")
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile regex %q: %w", expr, err)
	}
	return &RegexPattern{raw: expr, re: re}, nil
}

func (p *RegexPattern) Match(rel string) bool {
	return p.re.MatchString(normalize(rel))
}

// Rebind anchors the expression below dir. The original expression is
// applied to the remainder of the path.
func (p *RegexPattern) Rebind(dir string) Pattern {
	dir = normalize(dir)
	inner := strings.TrimPrefix(p.raw, "^")
	expr := "^" + inner
	if dir != "" && dir != "." {
		expr = "^" + regexp.QuoteMeta(dir) + "/(?:" + inner + ")"
	}
	np, err := NewRegex(expr)
	if err != nil {
		panic(fmt.Sprintf("rebind %q under %q: %v", p.raw, dir, err))
	}
	return np
}

func (p *RegexPattern) String() string { return RegexPrefix + p.raw }

// normalize converts a path to the '/' form used for matching.
func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(p, "./")
}

package rules

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// Action says what happens to the source once a file is safely at the target.
type Action string

const (
	Copy Action = "copy"
	Move Action = "move"
)

// Condition governs whether an already transferred file is transferred again.
type Condition string

const (
	// Once transfers a file only if the ledger has never seen it.
	Once Condition = "once"
	// IfMissing is Once plus a check that the target does not already hold the file.
	IfMissing Condition = "if_missing"
	// IfNewer retransfers when the source changed after the last transfer.
	IfNewer Condition = "if_newer"
	// Always transfers on every pass.
	Always Condition = "always"
)

// Subfiles describes how companion files sharing a primary file's stem are
// grouped with it. The zero value groups any companions found.
type Subfiles struct {
	Off bool
	// Min is the number of companions required for the group to be accepted.
	Min int
}

var (
	AnySubfiles = Subfiles{}
	NoSubfiles  = Subfiles{Off: true}
)

// AtLeast requires n companion files next to every primary match.
func AtLeast(n int) Subfiles {
	return Subfiles{Min: n}
}

// Enabled reports whether companions are grouped with their primary.
func (s Subfiles) Enabled() bool { return !s.Off }

// UnmarshalJSON accepts false, true or a minimum companion count. A count of
// zero turns grouping off.
func (s *Subfiles) UnmarshalJSON(b []byte) error {
	var flag bool
	if err := json.Unmarshal(b, &flag); err == nil {
		*s = Subfiles{Off: !flag}
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("subfiles must be a boolean or a count: %s", string(b))
	}
	if n < 0 {
		return fmt.Errorf("subfiles count must be >= 0, got %d", n)
	}
	*s = Subfiles{Off: n == 0, Min: n}
	return nil
}

func (s Subfiles) MarshalJSON() ([]byte, error) {
	if s.Min > 0 {
		return json.Marshal(s.Min)
	}
	return json.Marshal(!s.Off)
}

// Rule is the declarative transfer policy for one class of files. A Rule is
// not modified after construction; use the With* helpers to derive variants.
type Rule struct {
	Patterns  []Pattern
	Tags      []string
	Target    string
	KeepTree  bool
	Subfiles  Subfiles
	Action    Action
	Condition Condition
	Checksum  bool
	// Delay is the pause between two stability checks of a source file.
	Delay time.Duration
	// DelDelay is the wait between a verified transfer and deleting the source of a move.
	DelDelay time.Duration
}

// HasTags reports whether every given tag is on the rule.
func (r *Rule) HasTags(tags ...string) bool {
	for _, t := range tags {
		found := false
		for _, rt := range r.Tags {
			if rt == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MatchPath reports whether any of the rule's patterns matches rel.
func (r *Rule) MatchPath(rel string) bool {
	for _, p := range r.Patterns {
		if p.Match(rel) {
			return true
		}
	}
	return false
}

// TranslateToTarget maps a source relative path to its location at the target.
func (r *Rule) TranslateToTarget(rel string) string {
	rel = normalize(rel)
	if r.Target == "" {
		return rel
	}
	if r.KeepTree {
		return path.Join(r.Target, rel)
	}
	return path.Join(r.Target, path.Base(rel))
}

// TargetPatterns returns the patterns under which this rule's files can be
// found at the target.
func (r *Rule) TargetPatterns() []Pattern {
	base := r.Target
	if base == "" {
		base = "."
	}
	if r.KeepTree {
		base = path.Join(base, recursiveDir)
	}
	out := make([]Pattern, 0, len(r.Patterns))
	for _, p := range r.Patterns {
		out = append(out, p.Rebind(base))
	}
	return out
}

// WithAction returns a copy of the rule using a different action.
func (r *Rule) WithAction(a Action) *Rule {
	c := *r
	c.Action = a
	return &c
}

func (r *Rule) String() string {
	pats := make([]string, 0, len(r.Patterns))
	for _, p := range r.Patterns {
		pats = append(pats, p.String())
	}
	return fmt.Sprintf("Rule([%s] tags=%s target=%q keepTree=%t %s %s)",
		strings.Join(pats, ", "), strings.Join(r.Tags, ","), r.Target, r.KeepTree, r.Action, r.Condition)
}

// Spec is the configuration form of a Rule.
type Spec struct {
	Patterns   []string  `json:"patterns"`
	Tags       []string  `json:"tags"`
	Target     string    `json:"target,omitempty"`
	KeepTree   bool      `json:"keepTree,omitempty"`
	Subfiles   Subfiles  `json:"subfiles"`
	Action     Action    `json:"action,omitempty"`
	Condition  Condition `json:"condition,omitempty"`
	Checksum   bool      `json:"checksum,omitempty"`
	DelayMs    int       `json:"delayMs,omitempty"`
	DelDelayMs int       `json:"delDelayMs,omitempty"`
}

// Build validates s and compiles it into a Rule.
func (s Spec) Build() (*Rule, error) {
	if len(s.Patterns) == 0 {
		return nil, fmt.Errorf("patterns must not be empty")
	}
	r := &Rule{
		Tags:      append([]string(nil), s.Tags...),
		Target:    normalize(s.Target),
		KeepTree:  s.KeepTree,
		Subfiles:  s.Subfiles,
		Action:    s.Action,
		Condition: s.Condition,
		Checksum:  s.Checksum,
		Delay:     time.Duration(s.DelayMs) * time.Millisecond,
		DelDelay:  time.Duration(s.DelDelayMs) * time.Millisecond,
	}
	for _, raw := range s.Patterns {
		p, err := ParsePattern(raw)
		if err != nil {
			return nil, err
		}
		r.Patterns = append(r.Patterns, p)
	}
	switch r.Action {
	case "":
		r.Action = Copy
	case Copy, Move:
	default:
		return nil, fmt.Errorf("unknown action %q", s.Action)
	}
	switch r.Condition {
	case "":
		r.Condition = IfMissing
	case Once, IfMissing, IfNewer, Always:
	default:
		return nil, fmt.Errorf("unknown condition %q", s.Condition)
	}
	if s.DelayMs < 0 || s.DelDelayMs < 0 {
		return nil, fmt.Errorf("delays must be >= 0")
	}
	return r, nil
}

// BuildAll compiles specs into a RuleSet, keeping their order.
func BuildAll(specs []Spec) (*RuleSet, error) {
	out := make([]*Rule, 0, len(specs))
	for i, s := range specs {
		r, err := s.Build()
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		out = append(out, r)
	}
	return NewRuleSet(out...), nil
}

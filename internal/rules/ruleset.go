package rules

import (
	"path"
	"sort"
	"strings"
)

// RuleSet is an ordered list of rules. Order decides match priority: a file
// claimed by an earlier rule is never offered to a later one.
type RuleSet struct {
	rules []*Rule
}

// NewRuleSet builds a set from rules in priority order.
func NewRuleSet(rules ...*Rule) *RuleSet {
	return &RuleSet{rules: append([]*Rule(nil), rules...)}
}

// Rules returns the rules in priority order.
func (rs *RuleSet) Rules() []*Rule {
	if rs == nil {
		return nil
	}
	return append([]*Rule(nil), rs.rules...)
}

func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// WithTags keeps the rules carrying all of the given tags, preserving order.
func (rs *RuleSet) WithTags(tags ...string) *RuleSet {
	out := &RuleSet{}
	for _, r := range rs.Rules() {
		if r.HasTags(tags...) {
			out.rules = append(out.rules, r)
		}
	}
	return out
}

// Append returns a new set with extra rules placed after the existing ones.
func (rs *RuleSet) Append(rules ...*Rule) *RuleSet {
	return NewRuleSet(append(rs.Rules(), rules...)...)
}

// Map returns a new set with fn applied to every rule.
func (rs *RuleSet) Map(fn func(*Rule) *Rule) *RuleSet {
	out := &RuleSet{}
	for _, r := range rs.Rules() {
		out.rules = append(out.rules, fn(r))
	}
	return out
}

// TargetFor builds a rule that finds, at the target, the files that rules
// with the given tags deliver there. Fields other than patterns and tags are
// taken from proto.
func (rs *RuleSet) TargetFor(tags []string, proto Rule) *Rule {
	r := proto
	r.Patterns = nil
	r.Tags = append([]string(nil), tags...)
	for _, tr := range rs.WithTags(tags...).rules {
		r.Patterns = append(r.Patterns, tr.TargetPatterns()...)
	}
	return &r
}

// Matched pairs a path with the rule that claimed it. Primary is the file
// whose pattern claimed the group; it equals Path for the primary itself.
type Matched struct {
	Path    string
	Rule    *Rule
	Primary string
}

// Match assigns candidate paths to rules. Every path appears at most once.
// Rules are tried in order against a shared candidate pool, so later rules
// only see what earlier ones left. Within a rule the output follows sorted
// path order, with companion files emitted before their primary file.
func (rs *RuleSet) Match(paths []string) []Matched {
	pool := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		p = normalize(p)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		pool = append(pool, p)
	}
	sort.Strings(pool)

	var out []Matched
	for _, r := range rs.Rules() {
		var claimed []Matched
		if r.Subfiles.Enabled() {
			claimed = matchWithSubfiles(pool, r)
		} else {
			for _, p := range pool {
				if r.MatchPath(p) {
					claimed = append(claimed, Matched{Path: p, Rule: r, Primary: p})
				}
			}
		}
		if len(claimed) == 0 {
			continue
		}
		taken := make(map[string]struct{}, len(claimed))
		for _, m := range claimed {
			out = append(out, m)
			taken[m.Path] = struct{}{}
		}
		rest := pool[:0:0]
		for _, p := range pool {
			if _, ok := taken[p]; !ok {
				rest = append(rest, p)
			}
		}
		pool = rest
	}
	return out
}

// matchWithSubfiles scans the sorted pool. Sorting places companions next to
// their primary since they share its stem as a name prefix.
func matchWithSubfiles(sorted []string, r *Rule) []Matched {
	var out []Matched
	floor := 0
	for i := 0; i < len(sorted); i++ {
		if !r.MatchPath(sorted[i]) {
			continue
		}
		start, end := companionRun(sorted, i, floor)
		if end-start < r.Subfiles.Min {
			// Rejected groups are skipped whole, not retried as plain files.
			i = end
			floor = end + 1
			continue
		}
		primary := sorted[i]
		for j := start; j <= end; j++ {
			if j != i {
				out = append(out, Matched{Path: sorted[j], Rule: r, Primary: primary})
			}
		}
		out = append(out, Matched{Path: primary, Rule: r, Primary: primary})
		i = end
		floor = end + 1
	}
	return out
}

// companionRun returns the inclusive index range around i holding files in
// the same directory whose names start with the stem of sorted[i]. The run
// never reaches below floor.
func companionRun(sorted []string, i, floor int) (int, int) {
	dir, name := path.Split(sorted[i])
	stem := strings.TrimSuffix(name, path.Ext(name))
	related := func(p string) bool {
		d, n := path.Split(p)
		return d == dir && strings.HasPrefix(n, stem)
	}
	start := i
	for start > floor && related(sorted[start-1]) {
		start--
	}
	end := i
	for end < len(sorted)-1 && related(sorted[end+1]) {
		end++
	}
	return start, end
}

func (rs *RuleSet) String() string {
	parts := make([]string, 0, rs.Len())
	for _, r := range rs.Rules() {
		parts = append(parts, r.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

package rules

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(t *testing.T, spec Spec) *Rule {
	t.Helper()
	r, err := spec.Build()
	require.NoError(t, err)
	return r
}

func paths(ms []Matched) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Path)
	}
	return out
}

func TestGlobPattern(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*.mrc", "mic_01.mrc", true},
		{"*.mrc", "grid1/mic_01.mrc", false},
		{"grid*/*.tif", "grid1/a.tif", true},
		{"**/*.mrc", "a/b/c/mic.mrc", true},
		{"**/*.mrc", "mic.mrc", true},
		{"**/*.mrc", "mic.tif", false},
		{"raw/**/*.eer", "raw/x/y/f.eer", true},
		{"raw/**/*.eer", "f.eer", false},
		{"*.mrc", `sub\a.mrc`, false},
		{"sub/*.mrc", `sub\a.mrc`, true},
	}
	for _, tc := range cases {
		p, err := ParsePattern(tc.pattern)
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.Match(tc.path), "%s ~ %s", tc.pattern, tc.path)
	}
}

func TestRegexPattern(t *testing.T) {
	p, err := ParsePattern(`re:^Data/.*_\d+\.mrc$`)
	require.NoError(t, err)
	assert.True(t, p.Match("Data/foil_12.mrc"))
	assert.False(t, p.Match("Data/foil_x.mrc"))
	assert.Equal(t, `re:^Data/.*_\d+\.mrc$`, p.String())

	rb := p.Rebind("movies")
	assert.True(t, rb.Match("movies/Data/foil_12.mrc"))
	assert.False(t, rb.Match("Data/foil_12.mrc"))

	_, err = ParsePattern("re:(")
	assert.Error(t, err)
}

func TestGlobRebind(t *testing.T) {
	p := MustPattern("grid*/*.mrc")
	assert.Equal(t, "out/*.mrc", p.Rebind("out").String())
	assert.Equal(t, "*.mrc", p.Rebind(".").String())
	assert.True(t, p.Rebind("out/**").Match("out/a/b.mrc"))
}

func TestTranslateToTarget(t *testing.T) {
	flat := rule(t, Spec{Patterns: []string{"**/*.mrc"}, Target: "movies"})
	tree := rule(t, Spec{Patterns: []string{"**/*.mrc"}, Target: "movies", KeepTree: true})
	none := rule(t, Spec{Patterns: []string{"**/*.mrc"}})

	assert.Equal(t, "movies/a.mrc", flat.TranslateToTarget("g1/sq2/a.mrc"))
	assert.Equal(t, "movies/g1/sq2/a.mrc", tree.TranslateToTarget("g1/sq2/a.mrc"))
	assert.Equal(t, "g1/sq2/a.mrc", none.TranslateToTarget("g1/sq2/a.mrc"))
}

func TestSpecDefaultsAndErrors(t *testing.T) {
	r := rule(t, Spec{Patterns: []string{"*.tif"}, DelayMs: 1500})
	assert.Equal(t, Copy, r.Action)
	assert.Equal(t, IfMissing, r.Condition)
	assert.Equal(t, 1500*time.Millisecond, r.Delay)

	_, err := Spec{}.Build()
	assert.Error(t, err)
	_, err = Spec{Patterns: []string{"*"}, Action: "teleport"}.Build()
	assert.Error(t, err)
	_, err = Spec{Patterns: []string{"*"}, Condition: "sometimes"}.Build()
	assert.Error(t, err)
}

func TestSubfilesJSON(t *testing.T) {
	var specs []Spec
	raw := `[{"patterns":["*.mrc"],"subfiles":2},{"patterns":["*.tif"],"subfiles":true},{"patterns":["*.eer"]},{"patterns":["*.log"],"subfiles":false},{"patterns":["*.star"],"subfiles":0}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &specs))
	assert.Equal(t, AtLeast(2), specs[0].Subfiles)
	assert.Equal(t, AnySubfiles, specs[1].Subfiles)
	assert.Equal(t, AnySubfiles, specs[2].Subfiles)
	assert.Equal(t, NoSubfiles, specs[3].Subfiles)
	assert.Equal(t, NoSubfiles, specs[4].Subfiles)

	var s Subfiles
	assert.Error(t, json.Unmarshal([]byte(`"many"`), &s))
	assert.Error(t, json.Unmarshal([]byte(`-1`), &s))
}

func TestMatchGroupsCompanionsByDefault(t *testing.T) {
	rs := NewRuleSet(rule(t, Spec{Patterns: []string{"**/*.tiff"}, Tags: []string{"raw"}, Target: ".", KeepTree: true}))
	got := rs.Match([]string{"grid1/mic_01.tiff", "grid1/mic_01.xml", "grid1/mic_01.tiff.mdoc", "grid1/other.xml"})
	assert.Equal(t, []string{"grid1/mic_01.tiff.mdoc", "grid1/mic_01.xml", "grid1/mic_01.tiff"}, paths(got))
	for _, m := range got {
		assert.Equal(t, "grid1/mic_01.tiff", m.Primary)
	}

	off := NewRuleSet(rule(t, Spec{Patterns: []string{"**/*.tiff"}, Subfiles: NoSubfiles}))
	assert.Equal(t, []string{"grid1/mic_01.tiff"}, paths(off.Match([]string{"grid1/mic_01.tiff", "grid1/mic_01.xml"})))
}

func TestMatchCompanionsBeforePrimary(t *testing.T) {
	rs := NewRuleSet(rule(t, Spec{Patterns: []string{"*.mrc"}, Subfiles: AtLeast(1)}))
	got := rs.Match([]string{"mic_01.mrc", "mic_01.mdoc", "mic_01.xml", "other.txt"})
	assert.Equal(t, []string{"mic_01.mdoc", "mic_01.xml", "mic_01.mrc"}, paths(got))
}

func TestMatchRejectsGroupMissingCompanions(t *testing.T) {
	rs := NewRuleSet(rule(t, Spec{Patterns: []string{"*.mrc"}, Subfiles: AtLeast(2)}))
	got := rs.Match([]string{"mic_01.mrc", "mic_01.mdoc", "mic_02.mrc", "mic_02.mdoc", "mic_02.xml"})
	assert.Equal(t, []string{"mic_02.mdoc", "mic_02.xml", "mic_02.mrc"}, paths(got))

	alone := NewRuleSet(rule(t, Spec{Patterns: []string{"*.mrc"}, Subfiles: AtLeast(1)}))
	assert.Empty(t, alone.Match([]string{"mic_01.mrc"}))
}

func TestMatchCompanionsStayInDirectory(t *testing.T) {
	rs := NewRuleSet(rule(t, Spec{Patterns: []string{"**/*.mrc"}, Subfiles: AnySubfiles}))
	got := rs.Match([]string{"a/mic.mrc", "b/mic.mdoc", "a/mic.mdoc"})
	assert.Equal(t, []string{"a/mic.mdoc", "a/mic.mrc"}, paths(got))
}

func TestMatchRuleOrderAndExclusivity(t *testing.T) {
	movies := rule(t, Spec{Patterns: []string{"**/*.tif"}, Tags: []string{"raw", "movie"}})
	everything := rule(t, Spec{Patterns: []string{"**/*"}, Tags: []string{"raw"}})
	rs := NewRuleSet(movies, everything)

	files := []string{"b.tif", "a.tif", "x/notes.txt", "a.tif"}
	got := rs.Match(files)
	require.Len(t, got, 3)
	assert.Equal(t, Matched{Path: "a.tif", Rule: movies, Primary: "a.tif"}, got[0])
	assert.Equal(t, Matched{Path: "b.tif", Rule: movies, Primary: "b.tif"}, got[1])
	assert.Equal(t, Matched{Path: "x/notes.txt", Rule: everything, Primary: "x/notes.txt"}, got[2])

	// deterministic across input orderings
	again := rs.Match([]string{"x/notes.txt", "a.tif", "b.tif"})
	assert.Equal(t, got, again)
}

func TestMatchEachPathAtMostOnce(t *testing.T) {
	a := rule(t, Spec{Patterns: []string{"**/*.mrc"}, Subfiles: AnySubfiles})
	b := rule(t, Spec{Patterns: []string{"**/*.mdoc", "**/*.mrc"}})
	c := rule(t, Spec{Patterns: []string{"**/*"}})
	rs := NewRuleSet(a, b, c)
	files := []string{"s/m1.mrc", "s/m1.mdoc", "s/m2.mdoc", "s/m10.mrc", "s/m1_frames.tif", "t/log.txt"}

	got := rs.Match(files)
	seen := map[string]bool{}
	for _, m := range got {
		assert.False(t, seen[m.Path], "path %s claimed twice", m.Path)
		seen[m.Path] = true
	}
	assert.Len(t, got, len(files))
}

func TestWithTagsAndTargetFor(t *testing.T) {
	raw := rule(t, Spec{Patterns: []string{"*.tif"}, Tags: []string{"raw"}, Target: "raw"})
	mov := rule(t, Spec{Patterns: []string{"**/*.eer"}, Tags: []string{"raw", "movie"}, Target: "movies", KeepTree: true})
	proc := rule(t, Spec{Patterns: []string{"*.star"}, Tags: []string{"processed"}})
	rs := NewRuleSet(raw, mov, proc)

	assert.Equal(t, []*Rule{raw, mov}, rs.WithTags("raw").Rules())
	assert.Equal(t, []*Rule{mov}, rs.WithTags("raw", "movie").Rules())
	assert.Equal(t, 0, rs.WithTags("archive").Len())

	tr := rs.TargetFor([]string{"raw"}, Rule{Action: Copy, Condition: Always})
	require.Len(t, tr.Patterns, 2)
	assert.Equal(t, "raw/*.tif", tr.Patterns[0].String())
	assert.Equal(t, "movies/**/*.eer", tr.Patterns[1].String())
	assert.True(t, tr.MatchPath("movies/g1/a.eer"))
	assert.Equal(t, Always, tr.Condition)
}

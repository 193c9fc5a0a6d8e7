package weave

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t7a/weft/errs"
	"pgregory.net/rapid"
)

func mustAdd(t *testing.T, w *Weave, name string, parents []string, lines ...string) {
	t.Helper()
	_, err := w.AddLines(name, parents, lines)
	require.NoError(t, err)
}

func mergeFixture(t *testing.T) *Weave {
	w := New("f")
	mustAdd(t, w, "v0", nil, "x\n", "y\n", "z\n")
	mustAdd(t, w, "vA", []string{"v0"}, "x\n", "z\n")
	mustAdd(t, w, "vB", []string{"v0"}, "x\n", "y\n", "y2\n", "z\n")
	return w
}

func TestReconstruct(t *testing.T) {
	w := mergeFixture(t)
	for name, want := range map[string]string{
		"v0": "x\ny\nz\n",
		"vA": "x\nz\n",
		"vB": "x\ny\ny2\nz\n",
	} {
		got, err := w.Text(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err := w.Text("nosuch")
	assert.True(t, errs.IsKind(err, "RevisionNotPresent"), "%v", err)
}

func TestPlanMerge(t *testing.T) {
	w := mergeFixture(t)
	plan, err := w.PlanMerge("vA", "vB")
	require.NoError(t, err)
	assert.Equal(t, []PlanLine{
		{Unchanged, "x\n"},
		{KilledA, "y\n"},
		{NewB, "y2\n"},
		{Unchanged, "z\n"},
	}, plan)
	assert.Equal(t, []string{"x\n", "y2\n", "z\n"}, MergedLines(plan))

	plan, err = w.PlanMerge("vB", "vA")
	require.NoError(t, err)
	assert.Equal(t, KilledB, plan[1].State)
	assert.Equal(t, NewA, plan[2].State)
}

func TestPlanMergeKilledBoth(t *testing.T) {
	w := New("f")
	mustAdd(t, w, "base", nil, "a\n", "b\n", "c\n")
	mustAdd(t, w, "left", []string{"base"}, "a\n", "c\n")
	mustAdd(t, w, "right", []string{"base"}, "a\n", "c\n", "d\n")
	mustAdd(t, w, "both", []string{"left", "right"}, "a\n", "c\n", "d\n")
	mustAdd(t, w, "after", []string{"both"}, "c\n", "d\n")

	plan, err := w.PlanMerge("both", "after")
	require.NoError(t, err)
	states := map[string]string{}
	for _, p := range plan {
		states[p.Line] = p.State
	}
	assert.Equal(t, KilledBase, states["b\n"])
	assert.Equal(t, KilledB, states["a\n"])
	assert.Equal(t, Unchanged, states["d\n"])
}

func TestGhosts(t *testing.T) {
	w := New("f")
	mustAdd(t, w, "r1", []string{"ghost"}, "one\n")
	mustAdd(t, w, "r2", []string{"r1"}, "one\n", "two\n")
	gs, err := w.Ghosts("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, gs)
	assert.True(t, w.IsGhost("ghost"))
	anc, err := w.AncestryWithGhosts("r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "ghost"}, anc)

	// a ghost side has nothing in it, so everything is new on the other
	plan, err := w.PlanMerge("ghost", "r2")
	require.NoError(t, err)
	for _, p := range plan {
		assert.Equal(t, NewB, p.State, p.Line)
	}
	_, err = w.PlanMerge("unknown", "r2")
	assert.True(t, errs.IsKind(err, "RevisionNotPresent"), "%v", err)
}

func TestRepeatedAdd(t *testing.T) {
	w := mergeFixture(t)
	_, err := w.AddLines("vA", []string{"v0"}, []string{"x\n", "z\n"})
	assert.NoError(t, err)
	_, err = w.AddLines("vA", []string{"v0"}, []string{"other\n"})
	assert.True(t, errs.IsKind(err, "RevisionAlreadyPresent"), "%v", err)
	_, err = w.AddLines("bad id", nil, nil)
	assert.True(t, errs.IsKind(err, "InvalidRevisionId"), "%v", err)
	_, err = w.AddLines("nl\nid", nil, nil)
	assert.True(t, errs.IsKind(err, "BzrBadParameterContainsNewline"), "%v", err)
	_, err = w.AddLines("v9", nil, []string{"no newline", "x\n"})
	assert.Error(t, err)
}

func TestAnnotate(t *testing.T) {
	w := mergeFixture(t)
	ann, err := w.Annotate("vB")
	require.NoError(t, err)
	assert.Equal(t, []Annotated{
		{"v0", "x\n"}, {"v0", "y\n"}, {"vB", "y2\n"}, {"v0", "z\n"},
	}, ann)
}

func TestIterLines(t *testing.T) {
	w := mergeFixture(t)
	it, err := w.IterLinesAddedOrPresent("vA")
	require.NoError(t, err)
	var got []string
	for l, ok := it.Next(); ok; l, ok = it.Next() {
		got = append(got, l)
	}
	// y was deleted by vA but was added in its ancestry
	assert.Equal(t, []string{"x\n", "y\n", "z\n"}, got)

	it, err = w.IterLinesAddedOrPresent()
	require.NoError(t, err)
	got = nil
	for l, ok := it.Next(); ok; l, ok = it.Next() {
		got = append(got, l)
	}
	assert.Equal(t, []string{"x\n", "y\n", "y2\n", "z\n"}, got)
}

func TestFormatRoundTrip(t *testing.T) {
	w := mergeFixture(t)
	mustAdd(t, w, "tail", []string{"vB", "missing"}, "x\n", "no newline")
	buf, err := Bytes(w)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf), Header))
	assert.Contains(t, string(buf), "g missing\n")
	assert.Contains(t, string(buf), ", no newline\n")

	r, err := Read(bytes.NewReader(buf), "f")
	require.NoError(t, err)
	require.NoError(t, r.Check())
	assert.Equal(t, w.Versions(), r.Versions())
	for _, v := range w.Versions() {
		want, _ := w.Text(v)
		got, err := r.Text(v)
		require.NoError(t, err)
		assert.Equal(t, want, got, v)
	}
	again, err := Bytes(r)
	require.NoError(t, err)
	assert.Equal(t, buf, again)

	_, err = Read(strings.NewReader("# something else\n"), "f")
	assert.True(t, errs.IsKind(err, "UnsupportedFormatError"), "%v", err)
	_, err = Read(bytes.NewReader(buf[:len(buf)-2]), "f")
	assert.True(t, errs.IsKind(err, "CorruptFile"), "%v", err)
}

// withBody replaces the instruction block of a serialized weave.
func withBody(t *testing.T, w *Weave, body string) []byte {
	buf, err := Bytes(w)
	require.NoError(t, err)
	s := string(buf)
	i := strings.Index(s, "\nw\n")
	require.True(t, i >= 0)
	return []byte(s[:i+3] + body + "W\n")
}

func TestReadRejectsBadBody(t *testing.T) {
	w := New("f")
	mustAdd(t, w, "r0", nil, "a\n")
	mustAdd(t, w, "r1", []string{"r0"}, "b\n")

	// the well-formed body still reads
	r, err := Read(bytes.NewReader(withBody(t, w, "{ 0\n[ 1\n. a\n] 1\n}\n{ 1\n. b\n}\n")), "f")
	require.NoError(t, err)
	txt, err := r.Text("r1")
	require.NoError(t, err)
	assert.Equal(t, "b\n", txt)

	bad := map[string]string{
		"stray line":      ". stray\n{ 0\n. a\n}\n",
		"stray partial":   "{ 0\n. a\n}\n, tail\n",
		"unmatched ]":     "{ 0\n. a\n] 1\n}\n",
		"unclosed [":      "{ 0\n[ 1\n. a\n}\n",
		"nested [ same v": "{ 0\n[ 1\n[ 1\n. a\n] 1\n}\n",
		"unbalanced }":    "}\n",
	}
	for label, body := range bad {
		r, err := Read(bytes.NewReader(withBody(t, w, body)), "f")
		assert.True(t, errs.IsKind(err, "CorruptFile"), "%s: %v", label, err)
		assert.Nil(t, r, label)
	}
}

func TestParentNames(t *testing.T) {
	w := New("f")
	_, err := w.AddLines("r1", []string{"ghost one"}, []string{"x\n"})
	assert.True(t, errs.IsKind(err, "InvalidRevisionID"), "%v", err)
	_, err = w.AddLines("r1", []string{"gh\nost"}, []string{"x\n"})
	assert.Error(t, err)
	_, err = w.AddLines("r1", []string{""}, []string{"x\n"})
	assert.Error(t, err)
	assert.False(t, w.HasVersion("r1"))

	// a well-formed ghost survives a write and read unchanged
	mustAdd(t, w, "r1", []string{"ghost-one"}, "x\n")
	buf, err := Bytes(w)
	require.NoError(t, err)
	r, err := Read(bytes.NewReader(buf), "f")
	require.NoError(t, err)
	gs, err := r.Ghosts("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost-one"}, gs)
}

func TestChecksum(t *testing.T) {
	w := mergeFixture(t)
	w.sha1s[1] = strings.Repeat("0", 40)
	_, err := w.Lines("vA")
	assert.True(t, errs.IsKind(err, "InvalidChecksum"), "%v", err)
	assert.Error(t, w.Check())
}

func TestJoin(t *testing.T) {
	src := mergeFixture(t)
	dst := New("f")
	mustAdd(t, dst, "v0", nil, "x\n", "y\n", "z\n")
	n, err := dst.Join(src, "vB")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, dst.HasVersion("vA"))
	txt, err := dst.Text("vB")
	require.NoError(t, err)
	assert.Equal(t, "x\ny\ny2\nz\n", txt)
	n, err = dst.Join(src)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Every version reconstructs to the lines it was added with, no
// matter what is added after it.
func TestReconstructProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := New("prop")
		var texts [][]string
		n := rapid.IntRange(1, 8).Draw(rt, "versions")
		for v := 0; v < n; v++ {
			lines := rapid.SliceOfN(rapid.SampledFrom([]string{"a\n", "b\n", "c\n", "d\n", "e\n"}), 0, 12).Draw(rt, "lines")
			var parents []string
			if v > 0 {
				np := rapid.IntRange(0, 2).Draw(rt, "nparents")
				seen := map[int]bool{}
				for i := 0; i < np; i++ {
					p := rapid.IntRange(0, v-1).Draw(rt, "parent")
					if !seen[p] {
						seen[p] = true
						parents = append(parents, fmt.Sprintf("v%d", p))
					}
				}
			}
			_, err := w.AddLines(fmt.Sprintf("v%d", v), parents, lines)
			if err != nil {
				rt.Fatalf("add v%d: %v", v, err)
			}
			texts = append(texts, lines)
			for i, want := range texts {
				got, err := w.Lines(fmt.Sprintf("v%d", i))
				if err != nil {
					rt.Fatalf("v%d: %v", i, err)
				}
				if strings.Join(got, "") != strings.Join(want, "") {
					rt.Fatalf("v%d after adding v%d: got %q want %q", i, v, got, want)
				}
			}
		}
		buf, err := Bytes(w)
		if err != nil {
			rt.Fatal(err)
		}
		r, err := Read(bytes.NewReader(buf), "prop")
		if err != nil {
			rt.Fatal(err)
		}
		if err := r.Check(); err != nil {
			rt.Fatal(err)
		}
	})
}

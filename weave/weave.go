// Package weave stores every version of a text in one interleaved
// body of lines and instructions.
//
// The body is a flat list of items.  An insert block opens with
// {v and closes with }; the lines between were introduced by version
// v.  A delete block is bracketed by [v and ]v; the lines inside it
// are gone in every version that includes v.  Versions are numbered
// in the order they were added, and each version's parents always
// have smaller numbers, so the version table is a DAG of indices.
//
// Adding a version only ever inserts items into the body.  Nothing
// already there is moved or rewritten, which is why every earlier
// version still reconstructs to exactly the lines it was added with.
package weave

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
)

// instruction codes; a zero op is a text line
const (
	opInsert    = '{'
	opEnd       = '}'
	opDelete    = '['
	opDeleteEnd = ']'
)

type item struct {
	op   byte
	v    int
	line string
}

func (it item) isLine() bool { return it.op == 0 }

// Weave holds all versions of one text.
type Weave struct {
	// Name is used in error messages, usually a file id.
	Name string

	body    []item
	parents [][]int
	ghosts  [][]string
	sha1s   []string
	names   []string
	nameMap map[string]int
}

func New(name string) *Weave {
	return &Weave{Name: name, nameMap: map[string]int{}}
}

// Copy returns a deep copy; callers that cache weaves hand out copies
// before mutating.
func (w *Weave) Copy() *Weave {
	c := New(w.Name)
	c.body = append([]item{}, w.body...)
	for i := range w.names {
		c.parents = append(c.parents, append([]int{}, w.parents[i]...))
		c.ghosts = append(c.ghosts, append([]string{}, w.ghosts[i]...))
	}
	c.sha1s = append([]string{}, w.sha1s...)
	c.names = append([]string{}, w.names...)
	for k, v := range w.nameMap {
		c.nameMap[k] = v
	}
	return c
}

func (w *Weave) NumVersions() int { return len(w.names) }

// Versions returns version ids in the order they were added, which is
// a topological order.
func (w *Weave) Versions() []string { return append([]string{}, w.names...) }

func (w *Weave) HasVersion(name string) bool {
	_, ok := w.nameMap[name]
	return ok
}

func (w *Weave) lookup(name string) (int, error) {
	idx, ok := w.nameMap[name]
	if !ok {
		return 0, &errs.RevisionNotPresent{RevisionID: name, File: w.Name}
	}
	return idx, nil
}

func (w *Weave) lookupAll(names []string) (idxs []int, err error) {
	for _, n := range names {
		idx, err := w.lookup(n)
		if err != nil {
			return nil, err
		}
		idxs = append(idxs, idx)
	}
	return
}

func (w *Weave) idxNames(idxs []int) (names []string) {
	for _, i := range idxs {
		names = append(names, w.names[i])
	}
	return
}

// Parents returns the present parents of name, in the order given
// when it was added.
func (w *Weave) Parents(name string) ([]string, error) {
	idx, err := w.lookup(name)
	if err != nil {
		return nil, err
	}
	return w.idxNames(w.parents[idx]), nil
}

// Ghosts returns the parents of name that were absent when it was
// added.
func (w *Weave) Ghosts(name string) ([]string, error) {
	idx, err := w.lookup(name)
	if err != nil {
		return nil, err
	}
	return append([]string{}, w.ghosts[idx]...), nil
}

// IsGhost reports whether name is referenced as a ghost parent by
// some version.
func (w *Weave) IsGhost(name string) bool {
	if w.HasVersion(name) {
		return false
	}
	for _, gs := range w.ghosts {
		for _, g := range gs {
			if g == name {
				return true
			}
		}
	}
	return false
}

func (w *Weave) Sha1(name string) (string, error) {
	idx, err := w.lookup(name)
	if err != nil {
		return "", err
	}
	return w.sha1s[idx], nil
}

// inclusions returns the transitive closure of versions under the
// parent relation.  Parents are always older, so one downward sweep
// is enough.
func (w *Weave) inclusions(versions []int) map[int]bool {
	inc := map[int]bool{}
	if len(versions) == 0 {
		return inc
	}
	max := 0
	for _, v := range versions {
		inc[v] = true
		if v > max {
			max = v
		}
	}
	for v := max; v > 0; v-- {
		if inc[v] {
			for _, p := range w.parents[v] {
				inc[p] = true
			}
		}
	}
	return inc
}

func sortedIdx(inc map[int]bool) (idxs []int) {
	for i := range inc {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	return
}

// Ancestry returns names and all their ancestors, oldest first.
func (w *Weave) Ancestry(names ...string) ([]string, error) {
	idxs, err := w.lookupAll(names)
	if err != nil {
		return nil, err
	}
	return w.idxNames(sortedIdx(w.inclusions(idxs))), nil
}

// AncestryWithGhosts is Ancestry plus the ghosts referenced anywhere
// in it.
func (w *Weave) AncestryWithGhosts(names ...string) ([]string, error) {
	anc, err := w.Ancestry(names...)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, n := range anc {
		seen[n] = true
	}
	for _, n := range anc {
		for _, g := range w.ghosts[w.nameMap[n]] {
			if !seen[g] {
				seen[g] = true
				anc = append(anc, g)
			}
		}
	}
	return anc, nil
}

// Sha1Lines is the fingerprint stored for each version.
func Sha1Lines(lines []string) string {
	h := sha1.New()
	for _, l := range lines {
		h.Write([]byte(l))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SplitLines splits text after each newline; the last line may lack
// one.
func SplitLines(text string) (lines []string) {
	for len(text) > 0 {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			lines = append(lines, text)
			break
		}
		lines = append(lines, text[:i+1])
		text = text[i+1:]
	}
	return
}

func checkLines(lines []string) error {
	for i, l := range lines {
		j := strings.IndexByte(l, '\n')
		if j >= 0 && j != len(l)-1 {
			return errors.Errorf("line %d has an embedded newline: %q", i, l)
		}
		if j < 0 && i != len(lines)-1 {
			return errors.Errorf("line %d lacks a newline: %q", i, l)
		}
	}
	return nil
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, " \t") {
		return &errs.InvalidRevisionID{RevisionID: name, In: "weave"}
	}
	if strings.ContainsAny(name, "\r\n") {
		return &errs.BadParameterContainsNewline{Param: name}
	}
	return nil
}

// AddLines adds version name with the given parents.  Parents not in
// the weave are recorded as ghosts.  Adding an existing version is
// allowed only with identical text and parents.  It returns the sha1
// of the text.
func (w *Weave) AddLines(name string, parents []string, lines []string) (sha string, err error) {
	err = checkName(name)
	if err != nil {
		return
	}
	for _, p := range parents {
		err = checkName(p)
		if err != nil {
			return
		}
	}
	err = checkLines(lines)
	if err != nil {
		return "", errors.Wrapf(err, "add %s to %s", name, w.Name)
	}
	sha = Sha1Lines(lines)
	var present []int
	var ghosts []string
	for _, p := range parents {
		idx, ok := w.nameMap[p]
		if ok {
			present = append(present, idx)
		} else {
			ghosts = append(ghosts, p)
		}
	}
	if idx, ok := w.nameMap[name]; ok {
		if w.sha1s[idx] != sha || !sameInts(w.parents[idx], present) {
			return "", &errs.RevisionAlreadyPresent{RevisionID: name, File: w.Name}
		}
		return sha, nil
	}
	w.add(name, present, ghosts, lines, sha)
	return sha, nil
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (w *Weave) add(name string, parents []int, ghosts []string, lines []string, sha string) {
	nv := len(w.names)
	w.parents = append(w.parents, parents)
	if ghosts == nil {
		ghosts = []string{}
	}
	w.ghosts = append(w.ghosts, ghosts)
	w.sha1s = append(w.sha1s, sha)
	w.names = append(w.names, name)
	w.nameMap[name] = nv
	log.Debugf("weave %s: add %s parents %v ghosts %v", w.Name, name, parents, ghosts)

	if len(parents) == 0 {
		if len(lines) > 0 {
			w.body = append(w.body, item{op: opInsert, v: nv})
			for _, l := range lines {
				w.body = append(w.body, item{line: l})
			}
			w.body = append(w.body, item{op: opEnd})
		}
		return
	}
	if len(parents) == 1 && w.sha1s[parents[0]] == sha {
		return
	}

	var basisLineno []int
	var basisLines []string
	for _, x := range w.extract(parents) {
		basisLineno = append(basisLineno, x.lineno)
		basisLines = append(basisLines, x.line)
	}
	if equalLines(basisLines, lines) {
		return
	}
	// the end of the body also matches the end of the text
	basisLineno = append(basisLineno, len(w.body))

	m := difflib.NewMatcher(basisLines, lines)
	offset := 0
	for _, op := range m.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		i1 := basisLineno[op.I1]
		i2 := basisLineno[op.I2]
		if i1 != i2 {
			w.insertItems(i1+offset, item{op: opDelete, v: nv})
			w.insertItems(i2+offset+1, item{op: opDeleteEnd, v: nv})
			offset += 2
		}
		if op.J1 != op.J2 {
			// insert after any deletion ending at i2
			block := []item{{op: opInsert, v: nv}}
			for _, l := range lines[op.J1:op.J2] {
				block = append(block, item{line: l})
			}
			block = append(block, item{op: opEnd})
			w.insertItems(i2+offset, block...)
			offset += 2 + op.J2 - op.J1
		}
	}
}

func (w *Weave) insertItems(at int, items ...item) {
	w.body = append(w.body, items...)
	copy(w.body[at+len(items):], w.body[at:len(w.body)-len(items)])
	copy(w.body[at:], items)
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

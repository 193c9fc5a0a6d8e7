package weave

import (
	"strings"

	"github.com/t7a/weft/errs"
)

type extracted struct {
	origin int
	lineno int
	line   string
}

// extract walks the body once and returns the lines active in the
// union of versions.  A line is active when its innermost insert is
// included and no included delete is open around it.
func (w *Weave) extract(versions []int) (result []extracted) {
	included := w.inclusions(versions)
	var istack []int
	dset := map[int]bool{}
	for lineno, it := range w.body {
		switch it.op {
		case opInsert:
			istack = append(istack, it.v)
		case opEnd:
			istack = istack[:len(istack)-1]
		case opDelete:
			if included[it.v] {
				dset[it.v] = true
			}
		case opDeleteEnd:
			delete(dset, it.v)
		default:
			if len(dset) == 0 && len(istack) > 0 && included[istack[len(istack)-1]] {
				result = append(result, extracted{istack[len(istack)-1], lineno, it.line})
			}
		}
	}
	return
}

// Lines reconstructs version name and verifies its fingerprint.
func (w *Weave) Lines(name string) ([]string, error) {
	idx, err := w.lookup(name)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, x := range w.extract([]int{idx}) {
		lines = append(lines, x.line)
	}
	got := Sha1Lines(lines)
	if got != w.sha1s[idx] {
		return nil, &errs.InvalidChecksum{Object: w.Name + " " + name, Expected: w.sha1s[idx], Actual: got}
	}
	return lines, nil
}

// Text is Lines joined.
func (w *Weave) Text(name string) (string, error) {
	lines, err := w.Lines(name)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, ""), nil
}

// UnionLines reconstructs the merged view of several versions, as
// used for the basis of a new version.  No fingerprint applies.
func (w *Weave) UnionLines(names ...string) ([]string, error) {
	idxs, err := w.lookupAll(names)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, x := range w.extract(idxs) {
		lines = append(lines, x.line)
	}
	return lines, nil
}

// Annotated is one line of an annotation.
type Annotated struct {
	Origin string
	Line   string
}

// Annotate returns each line of name with the version that inserted
// it.
func (w *Weave) Annotate(name string) (out []Annotated, err error) {
	idx, err := w.lookup(name)
	if err != nil {
		return
	}
	for _, x := range w.extract([]int{idx}) {
		out = append(out, Annotated{Origin: w.names[x.origin], Line: x.line})
	}
	return
}

// walked is one body line with the state around it.
type walked struct {
	lineno  int
	insert  int
	deletes []int
	line    string
}

// walker steps through the body line by line, tracking the insert
// stack and the set of open deletes regardless of any version.
type walker struct {
	w      *Weave
	pos    int
	istack []int
	dset   map[int]bool
}

func (w *Weave) walk() *walker {
	return &walker{w: w, dset: map[int]bool{}}
}

func (wk *walker) next() (walked, bool) {
	for wk.pos < len(wk.w.body) {
		it := wk.w.body[wk.pos]
		lineno := wk.pos
		wk.pos++
		switch it.op {
		case opInsert:
			wk.istack = append(wk.istack, it.v)
		case opEnd:
			wk.istack = wk.istack[:len(wk.istack)-1]
		case opDelete:
			wk.dset[it.v] = true
		case opDeleteEnd:
			delete(wk.dset, it.v)
		default:
			var dels []int
			for d := range wk.dset {
				dels = append(dels, d)
			}
			return walked{lineno, wk.istack[len(wk.istack)-1], dels, it.line}, true
		}
	}
	return walked{}, false
}

// LineIterator yields every line inserted by a version in the
// ancestry of a version set, deleted or not, in body order.  It is
// single-pass.
type LineIterator struct {
	wk       *walker
	included map[int]bool
}

// IterLinesAddedOrPresent returns an iterator over the lines added
// or present in any of the named versions.
func (w *Weave) IterLinesAddedOrPresent(names ...string) (*LineIterator, error) {
	var idxs []int
	if len(names) == 0 {
		for i := range w.names {
			idxs = append(idxs, i)
		}
	} else {
		var err error
		idxs, err = w.lookupAll(names)
		if err != nil {
			return nil, err
		}
	}
	return &LineIterator{wk: w.walk(), included: w.inclusions(idxs)}, nil
}

// Next returns the next line, or false when done.
func (it *LineIterator) Next() (string, bool) {
	for {
		x, ok := it.wk.next()
		if !ok {
			return "", false
		}
		if it.included[x.insert] {
			return x.line, true
		}
	}
}

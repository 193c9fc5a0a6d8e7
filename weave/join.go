package weave

import (
	"sort"
	"strconv"

	"github.com/t7a/weft/errs"
)

// Join copies into w the named versions of other and their ancestry,
// or every version of other when names is empty.  Versions present in
// both must agree on text and parents.
func (w *Weave) Join(other *Weave, names ...string) (added int, err error) {
	todo := other.names
	if len(names) > 0 {
		todo, err = other.Ancestry(names...)
		if err != nil {
			return
		}
	}
	for _, name := range todo {
		idx := other.nameMap[name]
		lines, err := other.Lines(name)
		if err != nil {
			return added, err
		}
		parents := other.idxNames(other.parents[idx])
		parents = append(parents, other.ghosts[idx]...)
		had := w.HasVersion(name)
		_, err = w.AddLines(name, parents, lines)
		if err != nil {
			return added, err
		}
		if !had {
			added++
		}
	}
	return
}

// Check verifies the version table and that every version still
// reconstructs to its recorded fingerprint.
func (w *Weave) Check() error {
	for v := range w.names {
		ps := append([]int{}, w.parents[v]...)
		sort.Ints(ps)
		if len(ps) > 0 && ps[len(ps)-1] >= v {
			return &errs.CorruptFile{Path: w.Name, Msg: "version " + w.names[v] + " has parent " + strconv.Itoa(ps[len(ps)-1]) + " not older than itself"}
		}
	}
	for _, name := range w.names {
		if _, err := w.Lines(name); err != nil {
			return err
		}
	}
	return nil
}

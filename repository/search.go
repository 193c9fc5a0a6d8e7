package repository

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/t7a/weft/revision"
)

// Search names a set of revisions: the ancestry of Heads minus the
// ancestry of Excludes.  Count is the size the sender computed, and
// zero when unknown.  With AncestryOf set only Heads matter.
type Search struct {
	Heads      []string
	Excludes   []string
	Count      int
	AncestryOf bool
}

// Recipe renders the search as a request body:
//
//	search\n<heads>\n<excludes>\n<count>
//	ancestry-of\n<head>\n<head>...
func (s *Search) Recipe() []byte {
	if s.AncestryOf {
		return []byte("ancestry-of\n" + strings.Join(s.Heads, "\n"))
	}
	return []byte("search\n" + strings.Join(s.Heads, " ") + "\n" +
		strings.Join(s.Excludes, " ") + "\n" + strconv.Itoa(s.Count))
}

// ParseRecipe is the inverse of Recipe.
func ParseRecipe(body []byte) (*Search, error) {
	lines := strings.Split(string(body), "\n")
	switch lines[0] {
	case "ancestry-of":
		s := &Search{AncestryOf: true}
		for _, l := range lines[1:] {
			if l != "" {
				s.Heads = append(s.Heads, l)
			}
		}
		return s, nil
	case "search":
		if len(lines) != 4 {
			return nil, errors.Errorf("bad search recipe: %d lines", len(lines))
		}
		count, err := strconv.Atoi(lines[3])
		if err != nil {
			return nil, errors.Wrap(err, "bad search recipe count")
		}
		return &Search{
			Heads:    strings.Fields(lines[1]),
			Excludes: strings.Fields(lines[2]),
			Count:    count,
		}, nil
	}
	return nil, errors.Errorf("unknown search recipe %q", lines[0])
}

// Resolve returns the revisions a search names that r holds, oldest
// first.
func (r *Repository) Resolve(s *Search) ([]string, error) {
	g := r.Graph()
	pm, err := g.AncestryMap(s.Heads...)
	if err != nil {
		return nil, err
	}
	for _, h := range s.Heads {
		if _, ok := pm[h]; !ok && !revision.IsNull(h) {
			return nil, r.noSuchRevision(h)
		}
	}
	if !s.AncestryOf && len(s.Excludes) > 0 {
		gone, err := g.AncestryMap(s.Excludes...)
		if err != nil {
			return nil, err
		}
		for id := range gone {
			delete(pm, id)
		}
	}
	order := revision.TopoSort(pm)
	if s.Count > 0 && s.Count != len(order) {
		return nil, errors.Errorf("search expected %d revisions, %s has %d", s.Count, r, len(order))
	}
	return order, nil
}

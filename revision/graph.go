package revision

import (
	"sort"

	"github.com/t7a/weft/errs"
)

// ParentsProvider answers parent lookups in batches.  Ids it does not
// have are left out of the result.
type ParentsProvider interface {
	ParentMap(ids []string) (map[string][]string, error)
}

// ParentMap is an in-memory ParentsProvider.
type ParentMap map[string][]string

func (m ParentMap) ParentMap(ids []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, id := range ids {
		if ps, ok := m[id]; ok {
			out[id] = ps
		}
	}
	return out, nil
}

// Relations between two revisions.
const (
	Equal          = "equal"
	ADescendsFromB = "a_descends_from_b"
	BDescendsFromA = "b_descends_from_a"
	Diverged       = "diverged"
)

// Graph runs ancestry queries against a ParentsProvider.  Parents the
// provider does not have are ghosts: they are skipped, never an error.
type Graph struct {
	p ParentsProvider
}

func NewGraph(p ParentsProvider) *Graph {
	return &Graph{p: p}
}

// Parents returns the ordered parents of id.
func (g *Graph) Parents(id string) ([]string, error) {
	if IsNull(id) {
		return nil, nil
	}
	pm, err := g.p.ParentMap([]string{id})
	if err != nil {
		return nil, err
	}
	ps, ok := pm[id]
	if !ok {
		return nil, &errs.NoSuchRevision{Branch: "graph", Revision: id}
	}
	return ps, nil
}

// AncestryMap returns the parent map of every present revision
// reachable from ids, ids included.
func (g *Graph) AncestryMap(ids ...string) (map[string][]string, error) {
	found := map[string][]string{}
	queued := map[string]bool{}
	var pending []string
	for _, id := range ids {
		if !IsNull(id) && !queued[id] {
			queued[id] = true
			pending = append(pending, id)
		}
	}
	for len(pending) > 0 {
		pm, err := g.p.ParentMap(pending)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, id := range pending {
			ps, ok := pm[id]
			if !ok {
				continue
			}
			found[id] = ps
			for _, p := range ps {
				if IsNull(p) || queued[p] {
					continue
				}
				queued[p] = true
				next = append(next, p)
			}
		}
		pending = next
	}
	return found, nil
}

// Ancestry returns id and all its present ancestors.  null: has an
// empty ancestry.
func (g *Graph) Ancestry(id string) (map[string]bool, error) {
	out := map[string]bool{}
	if IsNull(id) {
		return out, nil
	}
	pm, err := g.AncestryMap(id)
	if err != nil {
		return nil, err
	}
	if _, ok := pm[id]; !ok {
		return nil, &errs.NoSuchRevision{Branch: "graph", Revision: id}
	}
	for a := range pm {
		out[a] = true
	}
	return out, nil
}

// IsAncestor reports whether a is in the ancestry of b.
func (g *Graph) IsAncestor(a, b string) (bool, error) {
	if IsNull(a) || a == b {
		return true, nil
	}
	if IsNull(b) {
		return false, nil
	}
	anc, err := g.Ancestry(b)
	if err != nil {
		return false, err
	}
	return anc[a], nil
}

// Intervening returns the left-hand chain after from up to and
// including to, oldest first.  from must be on that chain.
func (g *Graph) Intervening(from, to string) ([]string, error) {
	if from == to {
		return nil, nil
	}
	var chain []string
	for id := to; ; {
		if IsNull(id) {
			if IsNull(from) {
				break
			}
			return nil, &errs.NotAncestor{RevisionID: to, NotAncestorID: from}
		}
		chain = append(chain, id)
		ps, err := g.Parents(id)
		if errs.IsKind(err, "NoSuchRevision") && id != to {
			// left-hand ghost: the chain cannot reach from
			return nil, &errs.NotAncestor{RevisionID: to, NotAncestorID: from}
		}
		if err != nil {
			return nil, err
		}
		if len(ps) == 0 {
			id = Null
		} else {
			id = ps[0]
		}
		if id == from {
			break
		}
	}
	reverse(chain)
	return chain, nil
}

// FindDifference returns the revisions only in a's ancestry and those
// only in b's.
func (g *Graph) FindDifference(a, b string) (onlyA, onlyB map[string]bool, err error) {
	ancA, err := g.Ancestry(a)
	if err != nil {
		return
	}
	ancB, err := g.Ancestry(b)
	if err != nil {
		return
	}
	onlyA, onlyB = map[string]bool{}, map[string]bool{}
	for id := range ancA {
		if !ancB[id] {
			onlyA[id] = true
		}
	}
	for id := range ancB {
		if !ancA[id] {
			onlyB[id] = true
		}
	}
	return
}

// Heads returns the members of ids that are not ancestors of another
// member.
func (g *Graph) Heads(ids []string) (map[string]bool, error) {
	below := map[string]bool{}
	for _, id := range ids {
		if IsNull(id) {
			continue
		}
		pm, err := g.AncestryMap(id)
		if err != nil {
			return nil, err
		}
		for a := range pm {
			if a != id {
				below[a] = true
			}
		}
	}
	heads := map[string]bool{}
	for _, id := range ids {
		if !IsNull(id) && !below[id] {
			heads[id] = true
		}
	}
	return heads, nil
}

// Relation classifies a against b.
func (g *Graph) Relation(a, b string) (string, error) {
	if a == b || (IsNull(a) && IsNull(b)) {
		return Equal, nil
	}
	heads, err := g.Heads([]string{a, b})
	if err != nil {
		return "", err
	}
	switch {
	case len(heads) == 2:
		return Diverged, nil
	case heads[a] || IsNull(b):
		return ADescendsFromB, nil
	}
	return BDescendsFromA, nil
}

// LeftHandHistory follows left parents down from tip and returns the
// chain oldest first.  It stops at a ghost.
func (g *Graph) LeftHandHistory(tip string) ([]string, error) {
	var chain []string
	for id := tip; !IsNull(id); {
		pm, err := g.p.ParentMap([]string{id})
		if err != nil {
			return nil, err
		}
		ps, ok := pm[id]
		if !ok {
			if id == tip {
				return nil, &errs.NoSuchRevision{Branch: "graph", Revision: id}
			}
			break
		}
		chain = append(chain, id)
		if len(ps) == 0 {
			break
		}
		id = ps[0]
	}
	reverse(chain)
	return chain, nil
}

// TopoSort orders the keys of parents so every revision follows its
// parents.  Parents outside the map are ignored, and a left parent's
// ancestry comes out before a right parent's.
func TopoSort(parents map[string][]string) []string {
	starts := make([]string, 0, len(parents))
	for id := range parents {
		starts = append(starts, id)
	}
	sort.Strings(starts)

	type frame struct {
		id   string
		next int
	}
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	out := make([]string, 0, len(parents))
	for _, start := range starts {
		if state[start] != 0 {
			continue
		}
		state[start] = visiting
		stack := []frame{{start, 0}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			ps := parents[top.id]
			if top.next < len(ps) {
				p := ps[top.next]
				top.next++
				if _, ok := parents[p]; ok && state[p] == 0 {
					state[p] = visiting
					stack = append(stack, frame{p, 0})
				}
				continue
			}
			state[top.id] = done
			out = append(out, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	return out
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

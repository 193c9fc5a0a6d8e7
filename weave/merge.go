package weave

// Plan states, one per line of a merge plan.
const (
	Unchanged  = "unchanged"
	KilledA    = "killed-a"
	KilledB    = "killed-b"
	KilledBoth = "killed-both"
	KilledBase = "killed-base"
	NewA       = "new-a"
	NewB       = "new-b"
	GhostA     = "ghost-a"
	GhostB     = "ghost-b"
	Irrelevant = "irrelevant"
)

// PlanLine is one tagged line of a merge plan.
type PlanLine struct {
	State string
	Line  string
}

// endpoint returns the inclusion set of a merge side.  A ghost
// contributes nothing.
func (w *Weave) endpoint(name string) (map[int]bool, error) {
	if w.IsGhost(name) {
		return map[int]bool{}, nil
	}
	idx, err := w.lookup(name)
	if err != nil {
		return nil, err
	}
	return w.inclusions([]int{idx}), nil
}

// PlanMerge tags every line of the body by how it relates to versions
// a and b and to their common ancestry.
func (w *Weave) PlanMerge(a, b string) (plan []PlanLine, err error) {
	incA, err := w.endpoint(a)
	if err != nil {
		return
	}
	incB, err := w.endpoint(b)
	if err != nil {
		return
	}
	incC := map[int]bool{}
	for v := range incA {
		if incB[v] {
			incC[v] = true
		}
	}
	hit := func(dels []int, inc map[int]bool) bool {
		for _, d := range dels {
			if inc[d] {
				return true
			}
		}
		return false
	}
	wk := w.walk()
	for {
		x, ok := wk.next()
		if !ok {
			break
		}
		var state string
		switch {
		case hit(x.deletes, incC):
			// gone before either side diverged
			state = KilledBase
		case incC[x.insert]:
			killedA := hit(x.deletes, incA)
			killedB := hit(x.deletes, incB)
			switch {
			case killedA && killedB:
				state = KilledBoth
			case killedA:
				state = KilledA
			case killedB:
				state = KilledB
			default:
				state = Unchanged
			}
		case incA[x.insert]:
			if hit(x.deletes, incA) {
				state = GhostA
			} else {
				state = NewA
			}
		case incB[x.insert]:
			if hit(x.deletes, incB) {
				state = GhostB
			} else {
				state = NewB
			}
		default:
			state = Irrelevant
		}
		plan = append(plan, PlanLine{state, x.line})
	}
	return
}

// MergedLines applies a plan without conflict markers: lines new on
// either side are kept, lines killed on either side are dropped.
// Conflicting edits come out interleaved in body order.
func MergedLines(plan []PlanLine) (lines []string) {
	for _, p := range plan {
		switch p.State {
		case Unchanged, NewA, NewB:
			lines = append(lines, p.Line)
		}
	}
	return
}

// Package fetch copies the revisions one repository lacks from
// another: it walks the source graph down to what the target already
// has, then streams texts, inventories, signatures and revisions
// across in topological order.
//
// A fetch is not transactional.  Records land one at a time, each
// revision only after its data, so an interrupted fetch leaves the
// target consistent with some extra revisions that no branch names
// yet.  Running it again finishes the job.
package fetch

import (
	"context"
	"fmt"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/repository"
	"github.com/t7a/weft/revision"
)

// Repository is what a fetch needs from either end.  Local and remote
// repositories both provide it.
type Repository interface {
	LockRead() error
	LockWrite(token string) (string, error)
	Unlock() error
	ParentMap(ids []string) (map[string][]string, error)
	HasRevisions(ids []string) (map[string]bool, error)
	GetStream(ctx context.Context, s *repository.Search) (repository.Stream, error)
	InsertStream(ctx context.Context, s repository.Stream) (int, error)
	String() string
}

type State int

const (
	Idle State = iota
	WalkingGraph
	InsertingRecords
	UpdatingHistory
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WalkingGraph:
		return "walking-graph"
	case InsertingRecords:
		return "inserting-records"
	case UpdatingHistory:
		return "updating-history"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Progress is passed to the progress callback on every state change
// and after each revision is inserted.
type Progress struct {
	State    State
	Revision string
	Done     int
	Total    int
}

// Fetcher runs one transfer.  Progress and UpdateHistory are optional;
// UpdateHistory runs with both repositories still locked.
type Fetcher struct {
	Source        Repository
	Target        Repository
	Progress      func(Progress)
	UpdateHistory func() error

	State State
	// Revisions are the revisions copied, oldest first.
	Revisions []string
	// Excludes are the revisions where the walk met the target.
	Excludes []string
}

func New(source, target Repository) *Fetcher {
	return &Fetcher{Source: source, Target: target}
}

func (f *Fetcher) set(state State, rev string, done int) {
	f.State = state
	if f.Progress != nil {
		f.Progress(Progress{State: state, Revision: rev, Done: done, Total: len(f.Revisions)})
	}
}

// Run makes the target hold the whole ancestry of tip.  It returns the
// number of revisions inserted.
func (f *Fetcher) Run(ctx context.Context, tip string) (n int, err error) {
	if f.State != Idle {
		return 0, &errs.LockError{Msg: "fetcher already used"}
	}
	defer func() {
		if err != nil {
			f.set(Aborted, "", n)
		}
	}()
	err = f.Source.LockRead()
	if err != nil {
		return
	}
	defer f.Source.Unlock()
	_, err = f.Target.LockWrite("")
	if err != nil {
		return
	}
	defer f.Target.Unlock()

	f.set(WalkingGraph, tip, 0)
	err = f.walk(tip)
	if err != nil {
		return
	}
	log.Debugf("fetch %s from %s to %s: %d revisions", tip, f.Source, f.Target, len(f.Revisions))

	f.set(InsertingRecords, "", 0)
	if len(f.Revisions) > 0 {
		search := &repository.Search{
			Heads:    []string{tip},
			Excludes: f.Excludes,
			Count:    len(f.Revisions),
		}
		var stream repository.Stream
		stream, err = f.Source.GetStream(ctx, search)
		if err != nil {
			return
		}
		n, err = f.Target.InsertStream(ctx, &watched{ctx: ctx, f: f, s: stream})
		if err != nil {
			return
		}
	}
	if ctx.Err() != nil {
		return n, &errs.Cancelled{}
	}

	if f.UpdateHistory != nil {
		f.set(UpdatingHistory, tip, n)
		err = f.UpdateHistory()
		if err != nil {
			return
		}
	}
	f.set(Done, tip, n)
	return
}

// walk finds the ancestors of tip the target lacks, breadth first,
// stopping at revisions the target has.
func (f *Fetcher) walk(tip string) error {
	if revision.IsNull(tip) {
		return nil
	}
	parents := map[string][]string{}
	excludes := map[string]bool{}
	seen := map[string]bool{tip: true}
	pending := []string{tip}
	for len(pending) > 0 {
		has, err := f.Target.HasRevisions(pending)
		if err != nil {
			return err
		}
		var missing []string
		for _, id := range pending {
			if has[id] {
				excludes[id] = true
			} else {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			break
		}
		pm, err := f.Source.ParentMap(missing)
		if err != nil {
			return err
		}
		var next []string
		for _, id := range missing {
			ps, ok := pm[id]
			if !ok {
				if id == tip {
					return &errs.NoSuchRevision{Branch: f.Source.String(), Revision: tip}
				}
				log.Debugf("fetch: %s is a ghost in %s", id, f.Source)
				continue
			}
			parents[id] = ps
			for _, p := range ps {
				if !revision.IsNull(p) && !seen[p] {
					seen[p] = true
					next = append(next, p)
				}
			}
		}
		pending = next
	}
	f.Revisions = revision.TopoSort(parents)
	f.Excludes = f.Excludes[:0]
	for id := range excludes {
		f.Excludes = append(f.Excludes, id)
	}
	sort.Strings(f.Excludes)
	return nil
}

// watched reports progress as revision records pass through and stops
// the stream on cancellation between revisions.
type watched struct {
	ctx  context.Context
	f    *Fetcher
	s    repository.Stream
	done int
	edge bool
}

func (w *watched) Next() (*repository.Record, error) {
	if w.edge && w.ctx.Err() != nil {
		return nil, &errs.Cancelled{}
	}
	rec, err := w.s.Next()
	if err == io.EOF {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	w.edge = rec.Kind == repository.RevisionRecord
	if w.edge {
		w.done++
		// the record is reported before the target stores it
		w.f.set(InsertingRecords, rec.ID, w.done)
	}
	return rec, nil
}

// Fetch is New plus Run.
func Fetch(ctx context.Context, source, target Repository, tip string, progress func(Progress)) (int, error) {
	f := New(source, target)
	f.Progress = progress
	return f.Run(ctx, tip)
}

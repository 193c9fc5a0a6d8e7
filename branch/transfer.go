package branch

import (
	"context"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/fetch"
	"github.com/t7a/weft/repository"
	"github.com/t7a/weft/revision"
	"github.com/t7a/weft/transport"
)

// Source is the branch a pull reads from.  Local and remote branches
// implement it.
type Source interface {
	String() string
	LockRead() error
	Unlock() error
	RevisionHistory() ([]string, error)
	LastRevisionInfo() (int, string, error)
	Repository() fetch.Repository
}

// Target is a branch that can be pushed to.
type Target interface {
	Source
	LockWrite(token string) (string, error)
	SetLastRevisionInfo(revno int, revID string) error
	SetLastRevisionEx(revID string, allowDiverged, allowOverwriteDescendant bool) (int, string, error)
}

// Result reports a tip change made by a pull or push.
type Result struct {
	OldRevno int
	OldRevID string
	NewRevno int
	NewRevID string
	// Fetched is the number of revisions copied.
	Fetched int
}

func withRead(s Source, f func() error) (err error) {
	err = s.LockRead()
	if err != nil {
		return
	}
	defer func() {
		uerr := s.Unlock()
		if err == nil {
			err = uerr
		}
	}()
	return f()
}

// MissingRevisions returns the mainline revisions of other that come
// after this branch's tip, up to stopRevno (all of them when stopRevno
// is negative).  The two mainlines must agree where they overlap.
func (b *Branch) MissingRevisions(other Source, stopRevno int) ([]string, error) {
	self, err := b.RevisionHistory()
	if err != nil {
		return nil, err
	}
	theirs, err := other.RevisionHistory()
	if err != nil {
		return nil, err
	}
	common := len(self)
	if len(theirs) < common {
		common = len(theirs)
	}
	if common > 0 && self[common-1] != theirs[common-1] {
		return nil, &errs.DivergedBranches{Branch1: b.String(), Branch2: other.String()}
	}
	if stopRevno < 0 {
		stopRevno = len(theirs)
	}
	if stopRevno > len(theirs) {
		return nil, &errs.NoSuchRevision{Branch: other.String(), Revision: strconv.Itoa(stopRevno)}
	}
	if len(self) >= stopRevno {
		return nil, nil
	}
	return theirs[len(self):stopRevno], nil
}

// PullableRevisions returns what to append to this mainline to reach
// stop, which must already be in this branch's repository.  When the
// mainlines differ it follows stop's left-hand chain back to the tip.
func (b *Branch) PullableRevisions(source Source, stop string) (pullable []string, err error) {
	err = b.files.WithRead(func() error {
		theirs, err := source.RevisionHistory()
		if err != nil {
			return err
		}
		stopRevno := revnoIn(theirs, stop)
		if stopRevno > 0 {
			pullable, err = b.MissingRevisions(source, stopRevno)
			if !errs.IsKind(err, "DivergedBranches") {
				return err
			}
		} else {
			err = &errs.DivergedBranches{Branch1: b.String(), Branch2: source.String()}
		}
		diverged := err
		last, err := b.LastRevision()
		if err != nil {
			return err
		}
		g := b.Repo.Graph()
		pullable, err = g.Intervening(last, stop)
		if !errs.IsKind(err, "NotAncestor") {
			return err
		}
		anc, err := g.IsAncestor(last, stop)
		if err != nil {
			return err
		}
		if anc {
			pullable = nil
			return nil
		}
		return diverged
	})
	return
}

// UpdateRevisions fetches the ancestry of stop (source's tip when
// empty) and extends the mainline towards it.
func (b *Branch) UpdateRevisions(ctx context.Context, source Source, stop string) (fetched int, err error) {
	err = b.files.WithWrite(func() error {
		return withRead(source, func() error {
			if stop == "" {
				_, stop, err = source.LastRevisionInfo()
				if err != nil {
					return err
				}
			}
			f := fetch.New(source.Repository(), b.Repo)
			f.Progress = b.Progress
			f.UpdateHistory = func() error {
				pullable, err := b.PullableRevisions(source, stop)
				if err != nil || len(pullable) == 0 {
					return err
				}
				return b.AppendRevision(pullable...)
			}
			fetched, err = f.Run(ctx, stop)
			return err
		})
	})
	return
}

// Pull brings source's mainline into this branch.  With overwrite a
// diverged mainline is replaced by source's.
func (b *Branch) Pull(ctx context.Context, source Source, overwrite bool) (res *Result, err error) {
	res = &Result{}
	err = b.files.WithWrite(func() error {
		return withRead(source, func() error {
			res.OldRevno, res.OldRevID, err = b.LastRevisionInfo()
			if err != nil {
				return err
			}
			res.Fetched, err = b.UpdateRevisions(ctx, source, "")
			if errs.IsKind(err, "DivergedBranches") && overwrite {
				err = nil
			}
			if err != nil {
				return err
			}
			if overwrite {
				theirs, err := source.RevisionHistory()
				if err != nil {
					return err
				}
				err = b.SetRevisionHistory(theirs)
				if err != nil {
					return err
				}
			}
			res.NewRevno, res.NewRevID, err = b.LastRevisionInfo()
			if err != nil {
				return err
			}
			err = b.setPullLocation(source.String())
			if err != nil {
				return err
			}
			parent, err := b.Parent()
			if err == nil && parent == "" {
				err = b.SetParent(source.String())
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	log.Infof("pulled %s: revno %d -> %d", source, res.OldRevno, res.NewRevno)
	return
}

// Push sends this branch's tip to target.  Without overwrite a
// diverged target is an error and a target already ahead is left
// alone.
func (b *Branch) Push(ctx context.Context, target Target, overwrite bool) (res *Result, err error) {
	res = &Result{}
	err = b.files.WithRead(func() error {
		_, err := target.LockWrite("")
		if err != nil {
			return err
		}
		defer target.Unlock()
		res.OldRevno, res.OldRevID, err = target.LastRevisionInfo()
		if err != nil {
			return err
		}
		tip, err := b.LastRevision()
		if err != nil {
			return err
		}
		res.Fetched, err = fetch.Fetch(ctx, b.Repo, target.Repository(), tip, b.Progress)
		if err != nil {
			return err
		}
		res.NewRevno, res.NewRevID, err = target.SetLastRevisionEx(tip, overwrite, overwrite)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infof("pushed to %s: revno %d -> %d", target, res.OldRevno, res.NewRevno)
	return
}

// SetLastRevisionInfo makes revID, at position revno, the tip.  The
// mainline is rebuilt from revID's left-hand ancestry.
func (b *Branch) SetLastRevisionInfo(revno int, revID string) error {
	return b.files.WithWrite(func() error {
		hist, err := b.historyTo(revID)
		if err != nil {
			return err
		}
		if len(hist) != revno {
			return &errs.InvalidRevisionNumber{Revno: strconv.Itoa(revno)}
		}
		return b.changeTip(hist)
	})
}

// SetLastRevisionEx moves the tip to revID unless that diverges (and
// allowDiverged is false) or would go back to an ancestor of the tip
// (and allowOverwriteDescendant is false, in which case nothing
// changes).  It returns the resulting tip.
func (b *Branch) SetLastRevisionEx(revID string, allowDiverged, allowOverwriteDescendant bool) (revno int, tip string, err error) {
	err = b.files.WithWrite(func() error {
		revno, tip, err = b.LastRevisionInfo()
		if err != nil || tip == revID {
			return err
		}
		hist, err := b.historyTo(revID)
		if err != nil {
			return err
		}
		if !allowDiverged || !allowOverwriteDescendant {
			rel, err := b.Repo.Graph().Relation(tip, revID)
			if err != nil {
				return err
			}
			if rel == revision.Diverged && !allowDiverged {
				return &errs.DivergedBranches{Branch1: b.String(), Branch2: revID}
			}
			if rel == revision.ADescendsFromB && !allowOverwriteDescendant {
				return nil
			}
		}
		err = b.changeTip(hist)
		if err != nil {
			return err
		}
		revno, tip = len(hist), revID
		return nil
	})
	return
}

// historyTo is the mainline ending at revID: a prefix of the current
// one when possible, else revID's left-hand chain.
func (b *Branch) historyTo(revID string) ([]string, error) {
	if revision.IsNull(revID) {
		return nil, nil
	}
	hist, err := b.RevisionHistory()
	if err != nil {
		return nil, err
	}
	if n := revnoIn(hist, revID); n > 0 {
		return hist[:n], nil
	}
	has, err := b.Repo.HasRevision(revID)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, &errs.NoSuchRevision{Branch: b.String(), Revision: revID}
	}
	return b.Repo.Graph().LeftHandHistory(revID)
}

// Sprout makes a new branch at root t holding this branch up to
// revID (the tip when empty), with this branch as its parent.
func (b *Branch) Sprout(ctx context.Context, t transport.Transport, revID string) (nb *Branch, err error) {
	f := b.Repo.Format
	if f.ReadOnly {
		f = repository.Default
	}
	nb, err = Create(t, f, b.cfg)
	if err != nil {
		return
	}
	nb.Progress = b.Progress
	err = b.files.WithRead(func() error {
		if revID == "" {
			revID, err = b.LastRevision()
			if err != nil {
				return err
			}
		}
		_, err = fetch.Fetch(ctx, b.Repo, nb.Repo, revID, b.Progress)
		if err != nil {
			return err
		}
		hist, err := b.historyTo(revID)
		if err != nil {
			return err
		}
		err = nb.SetRevisionHistory(hist)
		if err != nil {
			return err
		}
		return nb.SetParent(b.String())
	})
	if err != nil {
		return nil, err
	}
	return
}

// LossyPush would push into a branch of another version control
// system, dropping what it cannot represent.  Every target here is a
// weft branch, so it always fails.
func (b *Branch) LossyPush(target Source) (*Result, error) {
	return nil, &errs.LossyPushToSameVCS{Source: b.String(), Target: target.String()}
}

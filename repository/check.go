package repository

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/inventory"
	"github.com/t7a/weft/weave"
)

// CheckResult summarizes a repository check.  Problems lists every
// inconsistency found; I/O failures abort the check instead.
type CheckResult struct {
	Revisions int
	Texts     int
	Weaves    int
	Ghosts    []string
	Problems  []string
}

func (c *CheckResult) problem(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Warnf("check: %s", msg)
	c.Problems = append(c.Problems, msg)
}

// corrupt reports whether err describes bad data rather than a
// failure to read it.
func corrupt(err error) bool {
	switch errs.KindOf(err) {
	case "CorruptFile", "InvalidChecksum", "UnexpectedInventoryFormat",
		"NoSuchRevision", "RevisionNotPresent", "NoSuchFile", "UnsupportedFormatError":
		return true
	}
	return false
}

// Check verifies every revision, its inventory and the texts it
// introduced, then every weave.  progress, if not nil, is called after
// each revision.
func (r *Repository) Check(progress func(done, total int)) (res *CheckResult, err error) {
	err = r.LockRead()
	if err != nil {
		return
	}
	defer func() {
		uerr := r.Unlock()
		if err == nil {
			err = uerr
		}
	}()
	ids, err := r.RevisionIDs()
	if err != nil {
		return
	}
	res = &CheckResult{}
	ghosts := map[string]bool{}
	for i, id := range ids {
		err = r.checkRevision(id, res, ghosts)
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(i+1, len(ids))
		}
	}
	for g := range ghosts {
		res.Ghosts = append(res.Ghosts, g)
	}

	fileIDs, err := r.FileIDs()
	if err != nil {
		return
	}
	for _, id := range fileIDs {
		w, err := r.FileWeave(id)
		if corrupt(err) {
			res.problem("weave %s: %v", id, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		r.checkWeave(w, res)
	}
	tx, err := r.tx()
	if err != nil {
		return
	}
	for _, id := range []string{inventoryID, ancestryID} {
		w, err := r.control.GetOrEmpty(id, tx)
		if corrupt(err) {
			res.problem("%s weave: %v", id, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		r.checkWeave(w, res)
	}
	return
}

func (r *Repository) checkWeave(w *weave.Weave, res *CheckResult) {
	res.Weaves++
	if err := w.Check(); err != nil {
		res.problem("weave %s: %v", w.Name, err)
	}
}

func (r *Repository) checkRevision(id string, res *CheckResult, ghosts map[string]bool) error {
	rev, err := r.GetRevision(id)
	if corrupt(err) {
		res.problem("revision %s: %v", id, err)
		return nil
	}
	if err != nil {
		return err
	}
	res.Revisions++
	for _, p := range rev.ParentIDs {
		has, err := r.HasRevision(p)
		if err != nil {
			return err
		}
		if !has {
			ghosts[p] = true
		}
	}
	sha, err := r.InventorySha1(id)
	if corrupt(err) {
		res.problem("inventory of %s: %v", id, err)
		return nil
	}
	if err != nil {
		return err
	}
	if rev.InventorySha1 != "" && sha != rev.InventorySha1 {
		res.problem("inventory of %s has sha1 %s, revision says %s", id, sha, rev.InventorySha1)
	}
	inv, err := r.GetInventory(id)
	if corrupt(err) {
		res.problem("inventory of %s: %v", id, err)
		return nil
	}
	if err != nil {
		return err
	}
	anc, err := r.Ancestry(id)
	if corrupt(err) {
		res.problem("ancestry of %s: %v", id, err)
	} else if err != nil {
		return err
	} else if !anc[id] {
		res.problem("ancestry of %s does not include it", id)
	}
	for _, e := range inv.ChangedIn(id) {
		if e.Kind != inventory.File {
			continue
		}
		_, err := r.GetFileLines(e.FileID, id)
		if corrupt(err) {
			res.problem("text of %s in %s: %v", e.FileID, id, err)
			continue
		}
		if err != nil {
			return err
		}
		res.Texts++
	}
	return nil
}

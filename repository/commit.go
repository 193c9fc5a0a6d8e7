package repository

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/inventory"
	"github.com/t7a/weft/revision"
	"github.com/t7a/weft/weave"
)

// CommitBuilder assembles one new revision from a full snapshot of
// the tree.  Paths not added are absent from the new revision.  File
// ids carry over from the left parent by path.
type CommitBuilder struct {
	repo       *Repository
	parents    []string
	parentInvs []*inventory.Inventory
	inv        *inventory.Inventory
	texts      map[string][]string

	RevisionID string
	Committer  string
	Message    string
	Timestamp  float64
	Timezone   int
	Properties map[string]string
}

// NewCommit starts a revision on top of parents, left parent first.
// The repository must be write-locked until Commit returns.
func (r *Repository) NewCommit(parents []string) (b *CommitBuilder, err error) {
	err = r.needWrite()
	if err != nil {
		return
	}
	b = &CommitBuilder{repo: r, texts: map[string][]string{}, Properties: map[string]string{}}
	for _, p := range parents {
		if revision.IsNull(p) {
			continue
		}
		b.parents = append(b.parents, p)
		has, err := r.HasRevision(p)
		if err != nil {
			return nil, err
		}
		if !has {
			// ghost parent: recorded, but contributes no tree
			continue
		}
		inv, err := r.GetInventory(p)
		if err != nil {
			return nil, err
		}
		b.parentInvs = append(b.parentInvs, inv)
	}
	rootID := inventory.RootID
	if len(b.parentInvs) > 0 {
		rootID = b.parentInvs[0].RootID
	} else if r.Format.RichRoot {
		rootID = inventory.GenRootID()
	}
	b.inv = inventory.New(rootID)
	return
}

// Inventory is the tree built so far.
func (b *CommitBuilder) Inventory() *inventory.Inventory { return b.inv }

func (b *CommitBuilder) fileID(p, kind string) string {
	if len(b.parentInvs) > 0 {
		if id, ok := b.parentInvs[0].PathToID(p); ok && !b.inv.Has(id) {
			if e, _ := b.parentInvs[0].Get(id); e.Kind == kind {
				return id
			}
		}
	}
	return inventory.GenFileID(path.Base(p))
}

// Add puts one path into the snapshot.  content is the file text, the
// symlink target or the reference revision of a tree reference.
func (b *CommitBuilder) Add(p, kind string, content []byte, executable bool) error {
	p = strings.Trim(p, "/")
	if kind == inventory.TreeReference && !b.repo.Format.TreeReferences {
		return &errs.UnsupportedFormat{Format: b.repo.Format.Name, Msg: "tree references need format 7"}
	}
	e, err := b.inv.AddPath(p, kind, b.fileID(p, kind))
	if err != nil {
		return errors.Wrapf(err, "add %s", p)
	}
	switch kind {
	case inventory.File:
		lines := weave.SplitLines(string(content))
		e.TextSha1 = weave.Sha1Lines(lines)
		e.TextSize = int64(len(content))
		e.Executable = executable
		b.texts[e.FileID] = lines
	case inventory.Symlink:
		e.SymlinkTarget = string(content)
	case inventory.TreeReference:
		e.ReferenceRevision = string(content)
	}
	return nil
}

// AddDirs adds every missing parent directory of p.
func (b *CommitBuilder) AddDirs(p string) error {
	dir := path.Dir(strings.Trim(p, "/"))
	if dir == "." {
		return nil
	}
	if _, ok := b.inv.PathToID(dir); ok {
		return nil
	}
	err := b.AddDirs(dir)
	if err != nil {
		return err
	}
	return b.Add(dir, inventory.Directory, nil, false)
}

// sameEntry compares what a revision would record as a change.
func sameEntry(a, b *inventory.Entry) bool {
	return a.Name == b.Name && a.ParentID == b.ParentID && a.Kind == b.Kind &&
		a.TextSha1 == b.TextSha1 && a.Executable == b.Executable &&
		a.SymlinkTarget == b.SymlinkTarget && a.ReferenceRevision == b.ReferenceRevision
}

// heads returns the distinct last-changed revisions of fileID in the
// parent trees, dropping any that another one already includes.
func (b *CommitBuilder) heads(fileID string) (heads []string, entries []*inventory.Entry, err error) {
	for _, inv := range b.parentInvs {
		pe, ok := inv.Get(fileID)
		if !ok {
			continue
		}
		dup := false
		for _, h := range heads {
			dup = dup || h == pe.Revision
		}
		if !dup {
			heads = append(heads, pe.Revision)
			entries = append(entries, pe)
		}
	}
	if len(heads) < 2 {
		return
	}
	g := b.repo.Graph()
	var keptH []string
	var keptE []*inventory.Entry
	for i, h := range heads {
		covered := false
		for j, o := range heads {
			if i == j {
				continue
			}
			anc, err := g.IsAncestor(h, o)
			if err != nil && !errs.IsKind(err, "NoSuchRevision") {
				return nil, nil, err
			}
			covered = covered || anc
		}
		if !covered {
			keptH = append(keptH, h)
			keptE = append(keptE, entries[i])
		}
	}
	return keptH, keptE, nil
}

// Commit writes texts, then the inventory, then the revision, and
// returns the new revision id.
func (b *CommitBuilder) Commit() (revID string, err error) {
	r := b.repo
	err = r.needWrite()
	if err != nil {
		return
	}
	now := time.Now()
	if b.Timestamp == 0 {
		b.Timestamp = float64(now.UnixNano()/1e6) / 1e3
		_, off := now.Zone()
		b.Timezone = off
	}
	if b.RevisionID == "" {
		b.RevisionID = revision.GenRevisionID(b.Committer, now)
	}
	revID = b.RevisionID
	err = revision.Validate(revID)
	if err != nil {
		return
	}
	has, err := r.HasRevision(revID)
	if err != nil {
		return
	}
	if has {
		return "", &errs.RevisionAlreadyPresent{RevisionID: revID, File: r.String()}
	}

	b.inv.RevisionID = revID
	entries := b.inv.Entries()
	ids := make([]string, 0, len(entries)+1)
	byID := map[string]*inventory.Entry{}
	for _, pe := range entries {
		ids = append(ids, pe.Entry.FileID)
		byID[pe.Entry.FileID] = pe.Entry
	}
	if r.Format.RichRoot {
		ids = append(ids, b.inv.RootID)
		byID[b.inv.RootID] = b.inv.Root()
	} else {
		b.inv.Root().Revision = revID
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := byID[id]
		heads, hentries, err := b.heads(id)
		if err != nil {
			return "", err
		}
		if len(heads) == 1 && sameEntry(e, hentries[0]) {
			e.Revision = heads[0]
			continue
		}
		e.Revision = revID
		if e.Kind != inventory.File {
			continue
		}
		_, err = r.addText(id, revID, heads, b.texts[id])
		if err != nil {
			return "", errors.Wrapf(err, "text of %s", id)
		}
	}

	lines, err := r.Format.Serializer().Lines(b.inv)
	if err != nil {
		return
	}
	invSha, err := r.addInventoryLines(revID, b.parents, lines)
	if err != nil {
		return
	}
	err = r.addAncestry(revID, b.parents)
	if err != nil {
		return
	}
	rev := &revision.Revision{
		ID:            revID,
		Committer:     b.Committer,
		Timestamp:     b.Timestamp,
		Timezone:      b.Timezone,
		Message:       b.Message,
		Properties:    b.Properties,
		ParentIDs:     b.parents,
		InventorySha1: invSha,
	}
	if len(rev.Properties) == 0 {
		rev.Properties = nil
	}
	err = r.revs.AddBytes(revID, revision.Write(rev), "")
	if err != nil {
		return
	}
	log.Debugf("committed %s with %d entries", revID, len(entries))
	return
}

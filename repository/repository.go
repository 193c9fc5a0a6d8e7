// Package repository stores revisions, inventories and file texts in
// a control directory shared with its branch.
//
// Layout, relative to the control directory:
//
//	branch-format            format marker
//	branch-lock              lock file (format 5) or lock dir (6, 7)
//	revision-store/[xx/]id   revision XML, .sig companions, maybe .gz
//	inventory.weave          every inventory, one version per revision
//	ancestry.weave           every revision's ancestry list
//	weaves/[xx/]file-id.weave
package repository

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/inventory"
	"github.com/t7a/weft/lockable"
	"github.com/t7a/weft/revision"
	"github.com/t7a/weft/store"
	"github.com/t7a/weft/transaction"
	"github.com/t7a/weft/transport"
	"github.com/t7a/weft/weave"
)

const (
	revisionStore = "revision-store"
	weavesDir     = "weaves"
	inventoryID   = "inventory"
	ancestryID    = "ancestry"
	sigSuffix     = "sig"
)

// Repository is a revision store with its inventories and texts.  All
// access happens under a lock; reads share the read transaction's
// cache.
type Repository struct {
	t       transport.Transport
	Format  *Format
	files   *lockable.LockableFiles
	revs    *store.TextStore
	texts   *store.WeaveStore
	control *store.WeaveStore
}

func open(t transport.Transport, f *Format, opts *Options) (r *Repository, err error) {
	revsT, err := t.Clone(revisionStore)
	if err != nil {
		return
	}
	weavesT, err := t.Clone(weavesDir)
	if err != nil {
		return
	}
	r = &Repository{
		t:       t,
		Format:  f,
		files:   f.NewLockable(t, opts),
		revs:    store.NewTextStore(revsT, f.Prefixed, f.Compressed),
		texts:   store.NewWeaveStore(weavesT, f.Prefixed),
		control: store.NewWeaveStore(t, false),
	}
	err = r.revs.RegisterSuffix(sigSuffix)
	return
}

// Open opens the repository in control directory t.
func Open(t transport.Transport, opts *Options) (*Repository, error) {
	marker, err := ReadMarker(t)
	if err != nil {
		return nil, err
	}
	if marker == ReferenceMarker {
		return nil, &errs.NoRepositoryPresent{Path: t.Base()}
	}
	f, err := FormatFromMarker(marker)
	if err != nil {
		return nil, err
	}
	log.Debugf("opening %s repository at %s", f.Name, t.Base())
	return open(t, f, opts)
}

// Create lays out an empty repository in control directory t, which
// must exist.  The format marker is written last.
func Create(t transport.Transport, f *Format, opts *Options) (r *Repository, err error) {
	if f.ReadOnly {
		return nil, &errs.UnsupportedFormat{Format: f.Name, Msg: "cannot create read-only format"}
	}
	has, err := t.Has(FormatFile)
	if err != nil {
		return
	}
	if has {
		return nil, &errs.FileExists{Path: t.Base() + FormatFile}
	}
	_, err = transport.MkdirMulti(t, []string{revisionStore, weavesDir})
	if err != nil {
		return
	}
	r, err = open(t, f, opts)
	if err != nil {
		return
	}
	err = r.files.CreateLock()
	if err != nil {
		return
	}
	err = r.files.WithWrite(func() error {
		tx, err := r.files.Transaction()
		if err != nil {
			return err
		}
		for _, id := range []string{inventoryID, ancestryID} {
			err = r.control.Put(id, weave.New(id), tx)
			if err != nil {
				return err
			}
		}
		return r.files.PutBytes(FormatFile, []byte(f.Marker))
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create repository in %s", t.Base())
	}
	log.Debugf("created %s repository at %s", f.Name, t.Base())
	return
}

func (r *Repository) String() string { return r.t.Base() }

func (r *Repository) Transport() transport.Transport { return r.t }

// Files returns the lockable control files, shared with the branch in
// the same control directory.
func (r *Repository) Files() *lockable.LockableFiles { return r.files }

func (r *Repository) LockRead() error { return r.files.LockRead() }

func (r *Repository) LockWrite(token string) (string, error) { return r.files.LockWrite(token) }

func (r *Repository) Unlock() error { return r.files.Unlock() }

func (r *Repository) IsLocked() bool { return r.files.IsLocked() }

func (r *Repository) BreakLock() error { return r.files.BreakLock() }

func (r *Repository) tx() (transaction.Transaction, error) { return r.files.Transaction() }

func (r *Repository) needWrite() error {
	switch r.files.Mode() {
	case "w":
		return nil
	case "r":
		return &errs.ReadOnlyError{Object: r.String()}
	}
	return &errs.ObjectNotLocked{Object: r.String()}
}

func (r *Repository) noSuchRevision(id string) error {
	return &errs.NoSuchRevision{Branch: r.String(), Revision: id}
}

// HasRevision reports whether id's revision text is stored.  null: is
// always present.
func (r *Repository) HasRevision(id string) (bool, error) {
	if revision.IsNull(id) {
		return true, nil
	}
	if _, err := r.tx(); err != nil {
		return false, err
	}
	return r.revs.Has(id, "")
}

func (r *Repository) HasRevisions(ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		has, err := r.HasRevision(id)
		if err != nil {
			return nil, err
		}
		if has {
			out[id] = true
		}
	}
	return out, nil
}

// RevisionIDs lists every stored revision.
func (r *Repository) RevisionIDs() ([]string, error) {
	if _, err := r.tx(); err != nil {
		return nil, err
	}
	return r.revs.IDs()
}

// RevisionXML returns the stored text of a revision.
func (r *Repository) RevisionXML(id string) ([]byte, error) {
	if _, err := r.tx(); err != nil {
		return nil, err
	}
	buf, err := r.revs.GetBytes(id, "")
	if errs.IsKind(err, "NoSuchFile") {
		return nil, r.noSuchRevision(id)
	}
	return buf, err
}

// GetRevision loads a revision through the transaction cache.
func (r *Repository) GetRevision(id string) (*revision.Revision, error) {
	tx, err := r.tx()
	if err != nil {
		return nil, err
	}
	if obj, ok := tx.Get("revision", id); ok {
		return obj.(*revision.Revision), nil
	}
	buf, err := r.RevisionXML(id)
	if err != nil {
		return nil, err
	}
	rev, err := revision.Read(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "revision %s", id)
	}
	if rev.ID != id {
		return nil, &errs.CorruptFile{Path: id, Msg: "stored revision is " + rev.ID}
	}
	tx.RegisterClean("revision", id, rev, false)
	return rev, nil
}

func (r *Repository) HasSignature(id string) (bool, error) {
	if _, err := r.tx(); err != nil {
		return false, err
	}
	return r.revs.Has(id, sigSuffix)
}

func (r *Repository) Signature(id string) ([]byte, error) {
	if _, err := r.tx(); err != nil {
		return nil, err
	}
	return r.revs.GetBytes(id, sigSuffix)
}

// AddSignature attaches a detached signature to a stored revision.
func (r *Repository) AddSignature(id string, sig []byte) error {
	if err := r.needWrite(); err != nil {
		return err
	}
	has, err := r.HasRevision(id)
	if err != nil {
		return err
	}
	if !has {
		return r.noSuchRevision(id)
	}
	return r.revs.AddBytes(id, sig, sigSuffix)
}

// ParentMap returns the parents of each stored revision among ids;
// absent ids are left out.
func (r *Repository) ParentMap(ids []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, id := range ids {
		if revision.IsNull(id) {
			continue
		}
		rev, err := r.GetRevision(id)
		if errs.IsKind(err, "NoSuchRevision") {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = rev.ParentIDs
	}
	return out, nil
}

func (r *Repository) Graph() *revision.Graph { return revision.NewGraph(r) }

// Ancestry returns id and its present ancestors.  The ancestry weave
// answers it directly when it knows id.
func (r *Repository) Ancestry(id string) (map[string]bool, error) {
	if revision.IsNull(id) {
		return map[string]bool{}, nil
	}
	tx, err := r.tx()
	if err != nil {
		return nil, err
	}
	w, err := r.control.GetOrEmpty(ancestryID, tx)
	if err != nil {
		return nil, err
	}
	if !w.HasVersion(id) {
		return r.Graph().Ancestry(id)
	}
	lines, err := w.Lines(id)
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, l := range lines {
		out[l[:len(l)-1]] = true
	}
	return out, nil
}

func (r *Repository) inventoryWeave() (*weave.Weave, error) {
	tx, err := r.tx()
	if err != nil {
		return nil, err
	}
	return r.control.GetOrEmpty(inventoryID, tx)
}

// InventoryLines returns the serialized inventory of a revision.
func (r *Repository) InventoryLines(id string) ([]string, error) {
	w, err := r.inventoryWeave()
	if err != nil {
		return nil, err
	}
	if !w.HasVersion(id) {
		return nil, r.noSuchRevision(id)
	}
	return w.Lines(id)
}

// InventorySha1 returns the sha1 recorded for a revision's inventory.
func (r *Repository) InventorySha1(id string) (string, error) {
	w, err := r.inventoryWeave()
	if err != nil {
		return "", err
	}
	if !w.HasVersion(id) {
		return "", r.noSuchRevision(id)
	}
	return w.Sha1(id)
}

// EmptyInventory returns the inventory of null: for this format.
func (r *Repository) EmptyInventory() *inventory.Inventory {
	inv := inventory.New(inventory.RootID)
	inv.RevisionID = revision.Null
	return inv
}

// GetInventory parses a revision's inventory through the transaction
// cache.  Callers must not modify the result.
func (r *Repository) GetInventory(id string) (*inventory.Inventory, error) {
	if revision.IsNull(id) {
		return r.EmptyInventory(), nil
	}
	tx, err := r.tx()
	if err != nil {
		return nil, err
	}
	if obj, ok := tx.Get("inventory", id); ok {
		return obj.(*inventory.Inventory), nil
	}
	lines, err := r.InventoryLines(id)
	if err != nil {
		return nil, err
	}
	inv, err := inventory.ReadFormat([]byte(joinLines(lines)), id)
	if err != nil {
		return nil, errors.Wrapf(err, "inventory of %s", id)
	}
	tx.RegisterClean("inventory", id, inv, false)
	return inv, nil
}

// FileWeave returns the text weave of a file id.
func (r *Repository) FileWeave(fileID string) (*weave.Weave, error) {
	tx, err := r.tx()
	if err != nil {
		return nil, err
	}
	return r.texts.Get(fileID, tx)
}

// FileIDs lists the file ids that have text weaves.
func (r *Repository) FileIDs() ([]string, error) {
	if _, err := r.tx(); err != nil {
		return nil, err
	}
	return r.texts.IDs()
}

func (r *Repository) fileEntry(fileID, revID string) (*inventory.Entry, error) {
	inv, err := r.GetInventory(revID)
	if err != nil {
		return nil, err
	}
	e, ok := inv.Get(fileID)
	if !ok || e.Kind != inventory.File {
		return nil, &errs.NoSuchFile{Path: fileID, Extra: "in revision " + revID}
	}
	return e, nil
}

// GetFileLines returns a file's lines as of revID, verified against
// the sha1 in the inventory.
func (r *Repository) GetFileLines(fileID, revID string) ([]string, error) {
	e, err := r.fileEntry(fileID, revID)
	if err != nil {
		return nil, err
	}
	w, err := r.FileWeave(fileID)
	if err != nil {
		return nil, err
	}
	lines, err := w.Lines(e.Revision)
	if err != nil {
		return nil, err
	}
	if sha := weave.Sha1Lines(lines); sha != e.TextSha1 {
		return nil, &errs.InvalidChecksum{Object: fileID + " in " + revID, Expected: e.TextSha1, Actual: sha}
	}
	return lines, nil
}

func (r *Repository) GetFileText(fileID, revID string) (string, error) {
	lines, err := r.GetFileLines(fileID, revID)
	if err != nil {
		return "", err
	}
	return joinLines(lines), nil
}

// Annotate attributes each line of a file at revID to the revision
// that introduced it.
func (r *Repository) Annotate(fileID, revID string) ([]weave.Annotated, error) {
	e, err := r.fileEntry(fileID, revID)
	if err != nil {
		return nil, err
	}
	w, err := r.FileWeave(fileID)
	if err != nil {
		return nil, err
	}
	return w.Annotate(e.Revision)
}

// addText adds a file version unless the weave has it already.
func (r *Repository) addText(fileID, version string, parents, lines []string) (string, error) {
	tx, err := r.tx()
	if err != nil {
		return "", err
	}
	return r.texts.AddLines(fileID, version, parents, lines, tx)
}

func (r *Repository) addInventoryLines(revID string, parents, lines []string) (string, error) {
	tx, err := r.tx()
	if err != nil {
		return "", err
	}
	return r.control.AddLines(inventoryID, revID, parents, lines, tx)
}

// addAncestry records revID's ancestry: its parents' lists merged in
// order, then revID itself.
func (r *Repository) addAncestry(revID string, parents []string) error {
	tx, err := r.tx()
	if err != nil {
		return err
	}
	w, err := r.control.GetOrEmpty(ancestryID, tx)
	if err != nil {
		return err
	}
	if w.HasVersion(revID) {
		return nil
	}
	seen := map[string]bool{}
	var lines []string
	for _, p := range parents {
		if !w.HasVersion(p) {
			continue
		}
		plines, err := w.Lines(p)
		if err != nil {
			return err
		}
		for _, l := range plines {
			if !seen[l] {
				seen[l] = true
				lines = append(lines, l)
			}
		}
	}
	lines = append(lines, revID+"\n")
	_, err = r.control.AddLines(ancestryID, revID, parents, lines, tx)
	return err
}

func joinLines(lines []string) string {
	n := 0
	for _, l := range lines {
		n += len(l)
	}
	buf := make([]byte, 0, n)
	for _, l := range lines {
		buf = append(buf, l...)
	}
	return string(buf)
}

// Package inventory models the tree snapshot of one revision: entries
// keyed by file id, each naming its parent directory by file id.
package inventory

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/t7a/weft/errs"
)

// Entry kinds.
const (
	Directory     = "directory"
	File          = "file"
	Symlink       = "symlink"
	TreeReference = "tree-reference"
)

// RootID is the root file id of trees that never chose their own.
const RootID = "TREE_ROOT"

type Entry struct {
	FileID   string
	Name     string
	ParentID string
	Kind     string
	// Revision is the revision that last changed this entry.
	Revision string

	TextSha1   string
	TextSize   int64
	Executable bool

	SymlinkTarget     string
	ReferenceRevision string
}

// Copy returns a copy of e.
func (e *Entry) Copy() *Entry {
	c := *e
	return &c
}

// Inventory owns its entries; parent links are file ids.
type Inventory struct {
	RootID     string
	RevisionID string

	byID     map[string]*Entry
	children map[string]map[string]string
}

// New returns an inventory holding only a root directory.
func New(rootID string) *Inventory {
	if rootID == "" {
		rootID = RootID
	}
	inv := &Inventory{
		RootID:   rootID,
		byID:     map[string]*Entry{},
		children: map[string]map[string]string{},
	}
	inv.byID[rootID] = &Entry{FileID: rootID, Kind: Directory}
	inv.children[rootID] = map[string]string{}
	return inv
}

func (inv *Inventory) Root() *Entry { return inv.byID[inv.RootID] }

func (inv *Inventory) Len() int { return len(inv.byID) }

func (inv *Inventory) Get(fileID string) (*Entry, bool) {
	e, ok := inv.byID[fileID]
	return e, ok
}

func (inv *Inventory) Has(fileID string) bool {
	_, ok := inv.byID[fileID]
	return ok
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\x00")
}

// Add inserts a non-root entry.  Its parent must be a directory in
// the inventory and its name unique there.
func (inv *Inventory) Add(e *Entry) error {
	if e.FileID == "" {
		return errors.Errorf("entry %q has no file id", e.Name)
	}
	if _, dup := inv.byID[e.FileID]; dup {
		return errors.Errorf("duplicate file id %s", e.FileID)
	}
	switch e.Kind {
	case Directory, File, Symlink, TreeReference:
	default:
		return &errs.UnsupportedFormat{Format: e.Kind, Msg: "unknown entry kind"}
	}
	if !validName(e.Name) {
		return errors.Errorf("invalid entry name %q", e.Name)
	}
	if e.ParentID == "" {
		e.ParentID = inv.RootID
	}
	kids, ok := inv.children[e.ParentID]
	if !ok {
		return errors.Errorf("parent %s of %s is not a directory in the inventory", e.ParentID, e.FileID)
	}
	if _, taken := kids[e.Name]; taken {
		return errors.Errorf("%s already has a child named %q", e.ParentID, e.Name)
	}
	inv.byID[e.FileID] = e
	kids[e.Name] = e.FileID
	if e.Kind == Directory {
		inv.children[e.FileID] = map[string]string{}
	}
	return nil
}

// AddPath adds an entry at a '/'-separated path whose parent already
// exists.
func (inv *Inventory) AddPath(p, kind, fileID string) (*Entry, error) {
	dir, name := path.Split(strings.Trim(p, "/"))
	parent := inv.RootID
	if dir != "" {
		var ok bool
		parent, ok = inv.PathToID(strings.TrimSuffix(dir, "/"))
		if !ok {
			return nil, &errs.NoSuchFile{Path: dir}
		}
	}
	e := &Entry{FileID: fileID, Name: name, ParentID: parent, Kind: kind}
	return e, inv.Add(e)
}

// Remove deletes an entry and everything below it.
func (inv *Inventory) Remove(fileID string) error {
	e, ok := inv.byID[fileID]
	if !ok {
		return &errs.NoSuchFile{Path: fileID}
	}
	if fileID == inv.RootID {
		return errors.Errorf("cannot remove the root")
	}
	for _, kid := range inv.children[fileID] {
		if err := inv.Remove(kid); err != nil {
			return err
		}
	}
	delete(inv.children, fileID)
	delete(inv.children[e.ParentID], e.Name)
	delete(inv.byID, fileID)
	return nil
}

// Children returns the entries directly under a directory, by name.
func (inv *Inventory) Children(fileID string) (out []*Entry) {
	kids := inv.children[fileID]
	names := make([]string, 0, len(kids))
	for n := range kids {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		out = append(out, inv.byID[kids[n]])
	}
	return
}

// Path returns the '/'-separated path of an entry; the root is "".
func (inv *Inventory) Path(fileID string) (string, error) {
	var parts []string
	for id := fileID; id != inv.RootID; {
		e, ok := inv.byID[id]
		if !ok {
			return "", &errs.NoSuchFile{Path: fileID}
		}
		parts = append(parts, e.Name)
		id = e.ParentID
		if len(parts) > len(inv.byID) {
			return "", errors.Errorf("cycle above %s", fileID)
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/"), nil
}

// PathToID looks an entry up by path.
func (inv *Inventory) PathToID(p string) (string, bool) {
	id := inv.RootID
	for _, name := range strings.Split(strings.Trim(p, "/"), "/") {
		if name == "" {
			continue
		}
		kid, ok := inv.children[id][name]
		if !ok {
			return "", false
		}
		id = kid
	}
	return id, true
}

// Iterator walks an inventory in pre-order, children by name.
type Iterator struct {
	inv   *Inventory
	stack []frame
}

type frame struct {
	prefix  string
	entries []*Entry
}

// Iter returns an iterator over every entry below the root.  The
// root itself is not yielded.
func (inv *Inventory) Iter() *Iterator {
	return &Iterator{inv: inv, stack: []frame{{"", inv.Children(inv.RootID)}}}
}

// Next returns the next path and entry, or false at the end.
func (it *Iterator) Next() (string, *Entry, bool) {
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if len(top.entries) == 0 {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		e := top.entries[0]
		top.entries = top.entries[1:]
		p := top.prefix + e.Name
		if e.Kind == Directory {
			it.stack = append(it.stack, frame{p + "/", it.inv.Children(e.FileID)})
		}
		return p, e, true
	}
	return "", nil, false
}

// PathEntry pairs an entry with its path.
type PathEntry struct {
	Path  string
	Entry *Entry
}

// Entries returns every non-root entry in iteration order.
func (inv *Inventory) Entries() (out []PathEntry) {
	it := inv.Iter()
	for p, e, ok := it.Next(); ok; p, e, ok = it.Next() {
		out = append(out, PathEntry{p, e})
	}
	return
}

// Copy returns a deep copy.
func (inv *Inventory) Copy() *Inventory {
	c := New(inv.RootID)
	c.RevisionID = inv.RevisionID
	c.byID[inv.RootID] = inv.Root().Copy()
	for _, pe := range inv.Entries() {
		// pre-order adds parents first
		c.Add(pe.Entry.Copy())
	}
	return c
}

// Equal compares root, revision and every entry.
func (inv *Inventory) Equal(o *Inventory) bool {
	if inv.RootID != o.RootID || inv.RevisionID != o.RevisionID || len(inv.byID) != len(o.byID) {
		return false
	}
	for id, e := range inv.byID {
		oe, ok := o.byID[id]
		if !ok || *e != *oe {
			return false
		}
	}
	return true
}

// ChangedIn returns the entries last changed by revision, in
// iteration order.
func (inv *Inventory) ChangedIn(revision string) (out []*Entry) {
	for _, pe := range inv.Entries() {
		if pe.Entry.Revision == revision {
			out = append(out, pe.Entry)
		}
	}
	return
}

var unsafeID = regexp.MustCompile(`[^a-z0-9_.-]+`)

// GenFileID makes a new file id that starts with a readable form of
// name.
func GenFileID(name string) string {
	base := unsafeID.ReplaceAllString(strings.ToLower(path.Base(name)), "")
	base = strings.TrimLeft(base, ".")
	if len(base) > 20 {
		base = base[:20]
	}
	if base == "" {
		base = "x"
	}
	return base + "-" + uuid.New().String()
}

// GenRootID makes a new tree root id.
func GenRootID() string { return GenFileID("tree_root") }

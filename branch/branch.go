// Package branch keeps a mainline history on top of a repository and
// moves revisions between branches.
//
// A branch lives in the control directory .weft/ under its root,
// shared with its repository:
//
//	revision-history   one revision id per line, oldest first
//	parent             where the branch came from
//	pull               the last location pulled from
//	x-pull             legacy parent location, read only
//	branch.conf        YAML settings
//	location           reference branches only: the real branch
package branch

import (
	"path"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/config"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/fetch"
	"github.com/t7a/weft/lockable"
	"github.com/t7a/weft/repository"
	"github.com/t7a/weft/revision"
	"github.com/t7a/weft/transport"
)

const (
	ControlDir = ".weft"

	historyFile  = "revision-history"
	parentFile   = "parent"
	pullFile     = "pull"
	xPullFile    = "x-pull"
	locationFile = "location"

	// references may chain, but not forever
	maxReferences = 8
)

type Branch struct {
	root    transport.Transport
	control transport.Transport
	files   *lockable.LockableFiles
	cfg     *config.Config

	Repo  *repository.Repository
	Hooks Hooks
	// Progress, if set, receives fetch progress during pull and push.
	Progress func(fetch.Progress)
}

func options(cfg *config.Config) *repository.Options {
	return &repository.Options{
		LockTimeout: cfg.LockTimeout(),
		User:        cfg.Email(),
		CacheSize:   cfg.Cache.Size,
	}
}

func newBranch(root, control transport.Transport, repo *repository.Repository, cfg *config.Config) *Branch {
	return &Branch{
		root:    root,
		control: control,
		files:   repo.Files(),
		cfg:     cfg,
		Repo:    repo,
	}
}

// Open opens the branch rooted at t with the default configuration.
func Open(t transport.Transport) (*Branch, error) {
	return OpenWith(t, nil)
}

// OpenWith opens the branch rooted at t, following references.
func OpenWith(t transport.Transport, cfg *config.Config) (*Branch, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	for depth := 0; ; depth++ {
		loc, err := Reference(t)
		if err != nil {
			return nil, err
		}
		if loc == "" {
			break
		}
		if depth == maxReferences {
			return nil, &errs.NotBranch{Path: t.Base()}
		}
		log.Debugf("%s refers to %s", t.Base(), loc)
		t, err = transport.Get(loc)
		if err != nil {
			return nil, err
		}
	}
	ct, err := t.Clone(ControlDir)
	if err != nil {
		return nil, err
	}
	repo, err := repository.Open(ct, options(cfg))
	if err != nil {
		return nil, err
	}
	return newBranch(t, ct, repo, cfg), nil
}

// Reference returns where the branch reference rooted at t points, or
// "" if t holds a branch of its own.
func Reference(t transport.Transport) (string, error) {
	ct, err := t.Clone(ControlDir)
	if err != nil {
		return "", err
	}
	marker, err := repository.ReadMarker(ct)
	if err != nil {
		return "", err
	}
	if marker != repository.ReferenceMarker {
		return "", nil
	}
	buf, err := ct.GetBytes(locationFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(buf)), nil
}

// Create makes a new, empty branch rooted at t, which must exist.
func Create(t transport.Transport, f *repository.Format, cfg *config.Config) (b *Branch, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	err = t.Mkdir(ControlDir)
	if err != nil {
		return
	}
	ct, err := t.Clone(ControlDir)
	if err != nil {
		return
	}
	repo, err := repository.Create(ct, f, options(cfg))
	if err != nil {
		return
	}
	b = newBranch(t, ct, repo, cfg)
	err = b.files.WithWrite(func() error {
		return b.files.PutBytes(historyFile, nil)
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("created branch at %s", t.Base())
	return
}

// CreateReference makes t a reference to the branch at url.
func CreateReference(t transport.Transport, url string) error {
	err := t.Mkdir(ControlDir)
	if err != nil {
		return err
	}
	ct, err := t.Clone(ControlDir)
	if err != nil {
		return err
	}
	has, err := ct.Has(repository.FormatFile)
	if err != nil {
		return err
	}
	if has {
		return &errs.FileExists{Path: ct.Base() + repository.FormatFile}
	}
	_, err = transport.PutMulti(ct, []transport.File{
		{Relpath: locationFile, Data: []byte(url + "\n")},
		{Relpath: repository.FormatFile, Data: []byte(repository.ReferenceMarker)},
	})
	return err
}

func (b *Branch) String() string { return b.root.Base() }

// Root is the transport of the branch's root directory.
func (b *Branch) Root() transport.Transport { return b.root }

func (b *Branch) Control() transport.Transport { return b.control }

func (b *Branch) Config() *config.Config { return b.cfg }

// Repository is the branch's repository as a fetch endpoint.
func (b *Branch) Repository() fetch.Repository { return b.Repo }

func (b *Branch) LockRead() error { return b.files.LockRead() }

func (b *Branch) LockWrite(token string) (string, error) { return b.files.LockWrite(token) }

func (b *Branch) Unlock() error { return b.files.Unlock() }

func (b *Branch) IsLocked() bool { return b.files.IsLocked() }

func (b *Branch) BreakLock() error { return b.files.BreakLock() }

// RevisionHistory returns the mainline, oldest first.  The list is
// cached for the life of the lock.
func (b *Branch) RevisionHistory() (hist []string, err error) {
	err = b.files.WithRead(func() error {
		tx, err := b.files.Transaction()
		if err != nil {
			return err
		}
		if obj, ok := tx.Get("history", ""); ok {
			hist = obj.([]string)
			return nil
		}
		text, err := b.files.GetUTF8(historyFile)
		if errs.IsKind(err, "NoSuchFile") {
			text, err = "", nil
		}
		if err != nil {
			return err
		}
		hist = splitHistory(text)
		tx.RegisterClean("history", "", hist, true)
		return nil
	})
	return append([]string(nil), hist...), err
}

func splitHistory(text string) (hist []string) {
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			hist = append(hist, l)
		}
	}
	return
}

// LastRevision is the tip, or null: for an empty branch.
func (b *Branch) LastRevision() (string, error) {
	_, id, err := b.LastRevisionInfo()
	return id, err
}

func (b *Branch) LastRevisionInfo() (revno int, revID string, err error) {
	hist, err := b.RevisionHistory()
	if err != nil {
		return
	}
	if len(hist) == 0 {
		return 0, revision.Null, nil
	}
	return len(hist), hist[len(hist)-1], nil
}

func (b *Branch) Revno() (int, error) {
	hist, err := b.RevisionHistory()
	return len(hist), err
}

// RevisionIDToRevno returns the 1-based position of id in the
// mainline; null: is 0.
func (b *Branch) RevisionIDToRevno(id string) (int, error) {
	if revision.IsNull(id) {
		return 0, nil
	}
	hist, err := b.RevisionHistory()
	if err != nil {
		return 0, err
	}
	n := revnoIn(hist, id)
	if n == 0 {
		return 0, &errs.NoSuchRevision{Branch: b.String(), Revision: id}
	}
	return n, nil
}

func revnoIn(hist []string, id string) int {
	for i, h := range hist {
		if h == id {
			return i + 1
		}
	}
	return 0
}

// RevID returns the mainline revision at revno; 0 is null:.
func (b *Branch) RevID(revno int) (string, error) {
	if revno == 0 {
		return revision.Null, nil
	}
	hist, err := b.RevisionHistory()
	if err != nil {
		return "", err
	}
	if revno < 0 || revno > len(hist) {
		return "", &errs.InvalidRevisionNumber{Revno: strconv.Itoa(revno)}
	}
	return hist[revno-1], nil
}

// SetRevisionHistory replaces the mainline.  The new tip must be in
// the repository.
func (b *Branch) SetRevisionHistory(hist []string) error {
	return b.files.WithWrite(func() error {
		if len(hist) > 0 {
			tip := hist[len(hist)-1]
			has, err := b.Repo.HasRevision(tip)
			if err != nil {
				return err
			}
			if !has {
				return &errs.NoSuchRevision{Branch: b.String(), Revision: tip}
			}
		}
		return b.changeTip(hist)
	})
}

// AppendRevision adds ids to the end of the mainline.
func (b *Branch) AppendRevision(ids ...string) error {
	return b.files.WithWrite(func() error {
		hist, err := b.RevisionHistory()
		if err != nil {
			return err
		}
		return b.changeTip(append(hist, ids...))
	})
}

// changeTip runs the hooks around writing a new history.  Needs the
// write lock.
func (b *Branch) changeTip(hist []string) error {
	old, err := b.RevisionHistory()
	if err != nil {
		return err
	}
	params := &ChangeTipParams{
		Branch:   b,
		OldRevno: len(old),
		OldRevID: tipOf(old),
		NewRevno: len(hist),
		NewRevID: tipOf(hist),
	}
	settings, err := b.Settings()
	if err != nil {
		return err
	}
	if settings.AppendRevisionsOnly && !isPrefix(old, hist) {
		return &errs.TipChangeRejected{Msg: "append_revisions_only is set and " + params.OldRevID + " would leave the mainline"}
	}
	err = b.Hooks.runPre(params)
	if err != nil {
		return err
	}
	err = b.setHistory(hist)
	if err != nil {
		return err
	}
	b.Hooks.runPost(params)
	return nil
}

func (b *Branch) setHistory(hist []string) error {
	var sb strings.Builder
	for _, id := range hist {
		if err := revision.Validate(id); err != nil {
			return err
		}
		sb.WriteString(id)
		sb.WriteString("\n")
	}
	err := b.files.PutUTF8(historyFile, sb.String())
	if err != nil {
		return err
	}
	tx, err := b.files.Transaction()
	if err != nil {
		return err
	}
	log.Debugf("%s: history now %d revisions, tip %s", b, len(hist), tipOf(hist))
	return tx.RegisterDirty("history", "", append([]string(nil), hist...))
}

func tipOf(hist []string) string {
	if len(hist) == 0 {
		return revision.Null
	}
	return hist[len(hist)-1]
}

func isPrefix(a, b []string) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Nick is the configured nickname, or the root directory's name.
func (b *Branch) Nick() string {
	s, err := b.Settings()
	if err == nil && s.Nickname != "" {
		return s.Nickname
	}
	name, err := transport.Unescape(path.Base(strings.TrimSuffix(b.root.Base(), "/")))
	if err != nil {
		return "weft"
	}
	return name
}

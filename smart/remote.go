package smart

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/fetch"
	"github.com/t7a/weft/repository"
	"github.com/t7a/weft/transport"
)

const maxReferences = 8

// RemoteBranch is a branch served by a smart server.  Read locks are
// kept on this side only; the server takes its own for each request.
// A write lock is held by the server for this connection and named
// by a token.
type RemoteBranch struct {
	c     *Client
	path  string
	mode  string
	count int
	token string
	repo  *RemoteRepository
}

// Open opens the branch at a weft:// or weft+ws:// URL, following
// references to other smart URLs.
func Open(url string) (*RemoteBranch, error) {
	for depth := 0; depth <= maxReferences; depth++ {
		scheme, host, segs, err := transport.ParseURL(url)
		if err != nil {
			return nil, err
		}
		c, err := Dial(scheme, host)
		if err != nil {
			return nil, err
		}
		b, ref, err := OpenBranch(c, serverPath(segs))
		if err != nil || ref == "" {
			if err != nil {
				c.Close()
			}
			return b, err
		}
		c.Close()
		log.Debugf("%s refers to %s", url, ref)
		url = ref
	}
	return nil, &errs.NotBranch{Path: url}
}

// OpenBranch opens the branch at the escaped server path.  When the
// path holds a branch reference, ref is where it points and b is nil.
func OpenBranch(c *Client, path string) (b *RemoteBranch, ref string, err error) {
	resp, _, err := c.Call("BzrDir.open_branch", []string{path}, nil)
	if err != nil {
		return nil, "", err
	}
	if len(resp.Args) == 2 && resp.Args[0] == "ref" {
		return nil, resp.Args[1], nil
	}
	resp, _, err = c.Call("BzrDir.find_repository", []string{path}, nil)
	if err != nil {
		return nil, "", err
	}
	b = &RemoteBranch{c: c, path: path}
	b.repo = &RemoteRepository{b: b}
	if len(resp.Args) == 4 {
		b.repo.RichRoot = resp.Args[1] == "yes"
		b.repo.Subtrees = resp.Args[2] == "yes"
	}
	return b, "", nil
}

func (b *RemoteBranch) String() string { return b.c.Base() + b.path }

func (b *RemoteBranch) Close() error { return b.c.Close() }

func (b *RemoteBranch) Repository() fetch.Repository { return b.repo }

func (b *RemoteBranch) IsLocked() bool { return b.count > 0 }

func (b *RemoteBranch) LockRead() error {
	if b.mode == "" {
		b.mode = "r"
	}
	b.count++
	return nil
}

// LockWrite takes the server-side write lock, or re-enters the one
// this branch holds.
func (b *RemoteBranch) LockWrite(token string) (string, error) {
	switch b.mode {
	case "w":
		if token != "" && token != b.token {
			return "", &errs.TokenMismatch{Given: token, Lock: b.String()}
		}
		b.count++
		return b.token, nil
	case "r":
		return "", &errs.LockError{Msg: "cannot upgrade read lock on " + b.String()}
	}
	resp, _, err := b.c.Call("Branch.lock_write", []string{b.path, token}, nil)
	if err != nil {
		return "", err
	}
	if len(resp.Args) < 1 {
		return "", &errs.Remote{ErrKind: "BadResponse", Args: resp.Args}
	}
	b.mode, b.count, b.token = "w", 1, resp.Args[0]
	return b.token, nil
}

func (b *RemoteBranch) Unlock() error {
	if b.count == 0 {
		return &errs.LockNotHeld{Lock: b.String()}
	}
	b.count--
	if b.count > 0 {
		return nil
	}
	mode, tok := b.mode, b.token
	b.mode, b.token = "", ""
	if mode != "w" {
		return nil
	}
	_, _, err := b.c.Call("Branch.unlock", []string{b.path, tok, tok}, nil)
	return err
}

// withWrite runs f with a write lock token.
func (b *RemoteBranch) withWrite(f func(token string) error) (err error) {
	tok, err := b.LockWrite("")
	if err != nil {
		return
	}
	defer func() {
		uerr := b.Unlock()
		if err == nil {
			err = uerr
		}
	}()
	return f(tok)
}

func (b *RemoteBranch) LastRevisionInfo() (revno int, revID string, err error) {
	resp, _, err := b.c.Call("Branch.last_revision_info", []string{b.path}, nil)
	if err != nil {
		return
	}
	if len(resp.Args) != 2 {
		return 0, "", &errs.Remote{ErrKind: "BadResponse", Args: resp.Args}
	}
	revno, err = strconv.Atoi(resp.Args[0])
	if err != nil {
		return 0, "", &errs.InvalidRevisionNumber{Revno: resp.Args[0]}
	}
	return revno, resp.Args[1], nil
}

func (b *RemoteBranch) LastRevision() (string, error) {
	_, id, err := b.LastRevisionInfo()
	return id, err
}

func (b *RemoteBranch) RevisionHistory() ([]string, error) {
	_, body, err := b.c.Call("Branch.revision_history", []string{b.path}, nil)
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(body)), nil
}

func (b *RemoteBranch) SetLastRevisionInfo(revno int, revID string) error {
	return b.withWrite(func(tok string) error {
		_, _, err := b.c.Call("Branch.set_last_revision_info",
			[]string{b.path, tok, tok, strconv.Itoa(revno), revID}, nil)
		return err
	})
}

func (b *RemoteBranch) SetLastRevisionEx(revID string, allowDiverged, allowOverwriteDescendant bool) (revno int, tip string, err error) {
	err = b.withWrite(func(tok string) error {
		resp, _, err := b.c.Call("Branch.set_last_revision_ex",
			[]string{b.path, tok, tok, revID, yesno(allowDiverged), yesno(allowOverwriteDescendant)}, nil)
		if err != nil {
			return err
		}
		if len(resp.Args) != 2 {
			return &errs.Remote{ErrKind: "BadResponse", Args: resp.Args}
		}
		revno, err = strconv.Atoi(resp.Args[0])
		if err != nil {
			return &errs.InvalidRevisionNumber{Revno: resp.Args[0]}
		}
		tip = resp.Args[1]
		return nil
	})
	return
}

// RemoteRepository is the repository of a RemoteBranch.  It shares the
// branch's lock.
type RemoteRepository struct {
	b        *RemoteBranch
	RichRoot bool
	Subtrees bool
}

func (r *RemoteRepository) String() string { return r.b.String() }

func (r *RemoteRepository) LockRead() error { return r.b.LockRead() }

func (r *RemoteRepository) LockWrite(token string) (string, error) { return r.b.LockWrite(token) }

func (r *RemoteRepository) Unlock() error { return r.b.Unlock() }

func (r *RemoteRepository) ParentMap(ids []string) (map[string][]string, error) {
	_, body, err := r.b.c.CallBytes("Repository.get_parent_map", []string{r.b.path}, []byte(strings.Join(ids, "\n")))
	if err != nil {
		return nil, err
	}
	pm := map[string][]string{}
	for _, line := range strings.Split(string(body), "\n") {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		pm[f[0]] = append([]string{}, f[1:]...)
	}
	return pm, nil
}

func (r *RemoteRepository) HasRevisions(ids []string) (map[string]bool, error) {
	_, body, err := r.b.c.CallBytes("Repository.has_revisions", []string{r.b.path}, []byte(strings.Join(ids, "\n")))
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, id := range strings.Fields(string(body)) {
		out[id] = true
	}
	return out, nil
}

// GetStream asks the server for the records of a search.  The packed
// stream is read whole before any record is returned.
func (r *RemoteRepository) GetStream(ctx context.Context, s *repository.Search) (repository.Stream, error) {
	if ctx.Err() != nil {
		return nil, &errs.Cancelled{}
	}
	_, body, err := r.b.c.CallBytes("Repository.get_stream", []string{r.b.path, ""}, s.Recipe())
	if err != nil {
		return nil, err
	}
	return repository.ReadPacked(bytes.NewReader(body))
}

// InsertStream packs s and uploads it.  Under this branch's write lock
// the server inserts under that lock; otherwise it locks for the call.
func (r *RemoteRepository) InsertStream(ctx context.Context, s repository.Stream) (int, error) {
	var packed bytes.Buffer
	_, err := repository.WritePacked(&packed, s)
	if err != nil {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, &errs.Cancelled{}
	}
	verb, args := "Repository.insert_stream", []string{r.b.path}
	if r.b.mode == "w" {
		verb, args = "Repository.insert_stream_locked", []string{r.b.path, r.b.token}
	}
	resp, _, err := r.b.c.Call(verb, args, &packed)
	if err != nil {
		return 0, err
	}
	if len(resp.Args) != 1 {
		return 0, &errs.Remote{ErrKind: "BadResponse", Args: resp.Args}
	}
	return strconv.Atoi(resp.Args[0])
}

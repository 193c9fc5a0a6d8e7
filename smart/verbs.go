package smart

import (
	"bytes"
	"sort"
	"strconv"
	"strings"

	"github.com/t7a/weft/branch"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/repository"
)

var verbs = newVerbs()

func newVerbs() *Dispatcher {
	dp := NewDispatcher()

	dp.Register(vfsGet, "get")
	dp.Register(vfsPut, "put")
	dp.Register(vfsHas, "has")
	dp.Register(vfsMkdir, "mkdir")
	dp.Register(vfsRmdir, "rmdir")
	dp.Register(vfsListDir, "list_dir")
	dp.Register(vfsRename, "rename")
	dp.Register(vfsDelete, "delete")
	dp.Register(vfsStat, "stat")

	dp.Register(openBranch, "BzrDir.open_branch")
	dp.Register(findRepository, "BzrDir.find_repository")

	dp.Register(lastRevisionInfo, "Branch.last_revision_info")
	dp.Register(revisionHistory, "Branch.revision_history")
	dp.Register(setLastRevisionInfo, "Branch.set_last_revision_info")
	dp.Register(setLastRevisionEx, "Branch.set_last_revision_ex")
	dp.Register(lockWrite, "Branch.lock_write")
	dp.Register(unlock, "Branch.unlock")

	dp.Register(getParentMap, "Repository.get_parent_map")
	dp.Register(hasRevisions, "Repository.has_revisions")
	dp.Register(getStream, "Repository.get_stream")
	dp.Register(insertStream, "Repository.insert_stream")
	dp.Register(insertStream, "Repository.insert_stream_locked")

	return dp
}

func yesno(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// splitDir cuts a request path into the directory the server opens a
// transport on and the last segment.
func splitDir(c *Call, i int) (dir, name string, err error) {
	path, err := c.Arg(i)
	if err != nil {
		return
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return "", "", &errs.PathNotChild{Path: "/", Base: c.sess.srv.Root()}
	}
	if n := strings.LastIndex(path, "/"); n >= 0 {
		return path[:n], path[n+1:], nil
	}
	return "", path, nil
}

func vfsGet(c *Call) (*Reply, error) {
	dir, name, err := splitDir(c, 0)
	if err != nil {
		return nil, err
	}
	t, err := c.sess.transport(dir)
	if err != nil {
		return nil, err
	}
	buf, err := t.GetBytes(name)
	if err != nil {
		return nil, err
	}
	return &Reply{Stream: bytes.NewReader(buf)}, nil
}

func vfsPut(c *Call) (*Reply, error) {
	dir, name, err := splitDir(c, 0)
	if err != nil {
		return nil, err
	}
	t, err := c.sess.transport(dir)
	if err != nil {
		return nil, err
	}
	err = t.Put(name, c.Body)
	if err != nil {
		return nil, err
	}
	return ok()
}

func vfsHas(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	err = c.sess.check(path)
	if err != nil {
		return nil, err
	}
	has, err := c.sess.srv.root.Has(path)
	if err != nil {
		return nil, err
	}
	return ok(yesno(has))
}

func vfsMkdir(c *Call) (*Reply, error) {
	dir, name, err := splitDir(c, 0)
	if err != nil {
		return nil, err
	}
	t, err := c.sess.transport(dir)
	if err != nil {
		return nil, err
	}
	err = t.Mkdir(name)
	if err != nil {
		return nil, err
	}
	return ok()
}

func vfsRmdir(c *Call) (*Reply, error) {
	dir, name, err := splitDir(c, 0)
	if err != nil {
		return nil, err
	}
	t, err := c.sess.transport(dir)
	if err != nil {
		return nil, err
	}
	err = t.Rmdir(name)
	if err != nil {
		return nil, err
	}
	return ok()
}

func vfsListDir(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	t, err := c.sess.transport(path)
	if err != nil {
		return nil, err
	}
	names, err := t.ListDir("")
	if err != nil {
		return nil, err
	}
	return ok(names...)
}

func vfsRename(c *Call) (*Reply, error) {
	from, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	to, err := c.Arg(1)
	if err != nil {
		return nil, err
	}
	for _, p := range []string{from, to} {
		if err := c.sess.check(p); err != nil {
			return nil, err
		}
	}
	err = c.sess.srv.root.Rename(from, to)
	if err != nil {
		return nil, err
	}
	return ok()
}

func vfsDelete(c *Call) (*Reply, error) {
	dir, name, err := splitDir(c, 0)
	if err != nil {
		return nil, err
	}
	t, err := c.sess.transport(dir)
	if err != nil {
		return nil, err
	}
	err = t.Delete(name)
	if err != nil {
		return nil, err
	}
	return ok()
}

func vfsStat(c *Call) (*Reply, error) {
	dir, name, err := splitDir(c, 0)
	if err != nil {
		return nil, err
	}
	t, err := c.sess.transport(dir)
	if err != nil {
		return nil, err
	}
	st, err := t.Stat(name)
	if err != nil {
		return nil, err
	}
	kind := "file"
	if st.IsDir {
		kind = "directory"
	}
	return ok(kind, strconv.FormatInt(st.Size, 10))
}

// openBranch answers "branch" or "ref <url>".
func openBranch(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	t, err := c.sess.transport(path)
	if err != nil {
		return nil, err
	}
	loc, err := branch.Reference(t)
	if err != nil {
		return nil, err
	}
	if loc != "" {
		return ok("ref", loc)
	}
	return ok("branch")
}

// findRepository answers the repository's path relative to the
// request path, then rich_root, subtrees and external_lookups.
func findRepository(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	t, err := c.sess.transport(path)
	if err != nil {
		return nil, err
	}
	ct, err := t.Clone(branch.ControlDir)
	if err != nil {
		return nil, err
	}
	marker, err := repository.ReadMarker(ct)
	if errs.IsKind(err, "NotBranchError") || marker == repository.ReferenceMarker {
		return nil, &errs.NoRepositoryPresent{Path: t.Base()}
	}
	if err != nil {
		return nil, err
	}
	f, err := repository.FormatFromMarker(marker)
	if err != nil {
		return nil, err
	}
	return ok(".", yesno(f.RichRoot), yesno(f.TreeReferences), "no")
}

func lastRevisionInfo(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	b, err := c.sess.branch(path, "")
	if err != nil {
		return nil, err
	}
	revno, id, err := b.LastRevisionInfo()
	if err != nil {
		return nil, err
	}
	return ok(strconv.Itoa(revno), id)
}

func revisionHistory(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	b, err := c.sess.branch(path, "")
	if err != nil {
		return nil, err
	}
	hist, err := b.RevisionHistory()
	if err != nil {
		return nil, err
	}
	return &Reply{Body: []byte(strings.Join(hist, "\n"))}, nil
}

// setLastRevisionInfo takes path, branch token, repository token,
// revno and revision id.
func setLastRevisionInfo(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	revnoArg, err := c.Arg(3)
	if err != nil {
		return nil, err
	}
	id, err := c.Arg(4)
	if err != nil {
		return nil, err
	}
	revno, err := strconv.Atoi(revnoArg)
	if err != nil {
		return nil, &errs.InvalidRevisionNumber{Revno: revnoArg}
	}
	b, err := c.sess.branch(path, c.OptArg(1))
	if err != nil {
		return nil, err
	}
	err = b.SetLastRevisionInfo(revno, id)
	if err != nil {
		return nil, err
	}
	return ok()
}

// setLastRevisionEx takes path, both tokens, the revision id and the
// allow_diverged and allow_overwrite_descendant flags, and answers
// the resulting revno and tip.
func setLastRevisionEx(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	id, err := c.Arg(3)
	if err != nil {
		return nil, err
	}
	b, err := c.sess.branch(path, c.OptArg(1))
	if err != nil {
		return nil, err
	}
	revno, tip, err := b.SetLastRevisionEx(id, c.OptArg(4) == "yes", c.OptArg(5) == "yes")
	if err != nil {
		return nil, err
	}
	return ok(strconv.Itoa(revno), tip)
}

// lockWrite answers the branch and repository tokens, which are the
// same since both share one lock.
func lockWrite(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	b, err := c.sess.branch(path, "")
	if err != nil {
		return nil, err
	}
	tok, err := b.LockWrite(c.OptArg(1))
	if err != nil {
		return nil, err
	}
	c.sess.locks[tok] = &heldLock{path: path, b: b}
	return ok(tok, tok)
}

func unlock(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	tok, err := c.Arg(1)
	if err != nil {
		return nil, err
	}
	b, err := c.sess.branch(path, tok)
	if err != nil {
		return nil, err
	}
	err = b.Unlock()
	if err != nil {
		return nil, err
	}
	if !b.IsLocked() {
		delete(c.sess.locks, tok)
	}
	return ok()
}

// getParentMap takes revision ids in the body and answers one line
// per present revision: the id followed by its parents.
func getParentMap(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	ids, err := c.Lines()
	if err != nil {
		return nil, err
	}
	b, err := c.sess.branch(path, "")
	if err != nil {
		return nil, err
	}
	var pm map[string][]string
	err = b.Repo.Files().WithRead(func() (err error) {
		pm, err = b.Repo.ParentMap(ids)
		return
	})
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(pm))
	for id, parents := range pm {
		lines = append(lines, strings.Join(append([]string{id}, parents...), " "))
	}
	sort.Strings(lines)
	return &Reply{Body: []byte(strings.Join(lines, "\n"))}, nil
}

// hasRevisions takes revision ids in the body and answers the present
// ones.
func hasRevisions(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	ids, err := c.Lines()
	if err != nil {
		return nil, err
	}
	b, err := c.sess.branch(path, "")
	if err != nil {
		return nil, err
	}
	var present map[string]bool
	err = b.Repo.Files().WithRead(func() (err error) {
		present, err = b.Repo.HasRevisions(ids)
		return
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		if present[id] {
			out = append(out, id)
		}
	}
	return &Reply{Body: []byte(strings.Join(out, "\n"))}, nil
}

// getStream takes path and the format the client wants, with a search
// recipe as the body, and answers a packed stream.
func getStream(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	if name := c.OptArg(1); name != "" {
		_, err = repository.FormatByName(name)
		if err != nil {
			return nil, err
		}
	}
	var recipe bytes.Buffer
	_, err = recipe.ReadFrom(c.Body)
	if err != nil {
		return nil, err
	}
	search, err := repository.ParseRecipe(recipe.Bytes())
	if err != nil {
		return nil, &errs.Remote{ErrKind: "BadSearch", Args: []string{err.Error()}}
	}
	b, err := c.sess.branch(path, "")
	if err != nil {
		return nil, err
	}
	var packed bytes.Buffer
	err = b.Repo.Files().WithRead(func() error {
		s, err := b.Repo.GetStream(c.Ctx, search)
		if err != nil {
			return err
		}
		_, err = repository.WritePacked(&packed, s)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Reply{Stream: &packed}, nil
}

// insertStream reads a chunked packed stream into the repository and
// answers the number of records added.  The locked variant names the
// token of a write lock held by this connection; otherwise the lock is
// taken for the call.
func insertStream(c *Call) (*Reply, error) {
	path, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	b, err := c.sess.branch(path, c.OptArg(1))
	if err != nil {
		return nil, err
	}
	s, err := repository.ReadPacked(c.Body)
	if err != nil {
		return nil, err
	}
	var added int
	err = b.Repo.Files().WithWrite(func() (err error) {
		added, err = b.Repo.InsertStream(c.Ctx, s)
		return
	})
	if err != nil {
		return nil, err
	}
	return ok(strconv.Itoa(added))
}

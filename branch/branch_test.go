package branch

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/fetch"
	"github.com/t7a/weft/inventory"
	"github.com/t7a/weft/repository"
	"github.com/t7a/weft/transport"
)

var ctx = context.Background()

func root(t *testing.T) transport.Transport {
	mt := transport.NewMemory()
	require.NoError(t, mt.Mkdir("work"))
	rt, err := mt.Clone("work")
	require.NoError(t, err)
	return rt
}

func newTestBranch(t *testing.T) *Branch {
	b, err := Create(root(t), repository.Format6, nil)
	require.NoError(t, err)
	return b
}

func commit(t *testing.T, b *Branch, id, text string, merges ...string) {
	got, err := b.Commit(CommitOptions{
		Message:    "commit " + id,
		RevisionID: id,
		Committer:  "Jo <jo@example.com>",
		Timestamp:  1000,
		Merges:     merges,
	}, func(cb *repository.CommitBuilder) error {
		return cb.Add("a", inventory.File, []byte(text), false)
	})
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func history(t *testing.T, b Source) []string {
	hist, err := b.RevisionHistory()
	require.NoError(t, err)
	return hist
}

func sprout(t *testing.T, b *Branch) *Branch {
	nb, err := b.Sprout(ctx, root(t), "")
	require.NoError(t, err)
	return nb
}

// P1 <- A1 on brA, P1 <- B1 on brB
func diverged(t *testing.T) (brA, brB *Branch) {
	brA = newTestBranch(t)
	commit(t, brA, "P1", "p\n")
	brB = sprout(t, brA)
	commit(t, brA, "A1", "a\n")
	commit(t, brB, "B1", "b\n")
	return
}

func TestEmptyBranch(t *testing.T) {
	rt := root(t)
	_, err := Create(rt, repository.Format6, nil)
	require.NoError(t, err)
	b, err := Open(rt)
	require.NoError(t, err)

	revno, tip, err := b.LastRevisionInfo()
	require.NoError(t, err)
	assert.Equal(t, 0, revno)
	assert.Equal(t, "null:", tip)
	n, err := b.RevisionIDToRevno("null:")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = b.RevID(1)
	assert.True(t, errs.IsKind(err, "InvalidRevisionNumber"))
	_, err = b.RevisionIDToRevno("r1")
	assert.True(t, errs.IsKind(err, "NoSuchRevision"))
	assert.Equal(t, "work", b.Nick())

	_, err = Create(rt, repository.Format6, nil)
	assert.True(t, errs.IsKind(err, "FileExists"), "%v", err)
	_, err = Open(root(t))
	assert.True(t, errs.IsKind(err, "NotBranchError"), "%v", err)
}

func TestSingleCommit(t *testing.T) {
	b := newTestBranch(t)
	commit(t, b, "r1", "hello\n")

	assert.Equal(t, []string{"r1"}, history(t, b))
	revno, err := b.Revno()
	require.NoError(t, err)
	assert.Equal(t, 1, revno)
	n, err := b.RevisionIDToRevno("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, b.LockRead())
	defer b.Unlock()
	inv, err := b.Repo.GetInventory("r1")
	require.NoError(t, err)
	id, ok := inv.PathToID("a")
	require.True(t, ok)
	text, err := b.Repo.GetFileText(id, "r1")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", text)
	lines, err := b.Repo.InventoryLines("r1")
	require.NoError(t, err)
	xml := strings.Join(lines, "")
	assert.Contains(t, xml, `file_id="`)
	assert.Contains(t, xml, `name="a"`)
	rev, err := b.Repo.GetRevision("r1")
	require.NoError(t, err)
	assert.Equal(t, "work", rev.Nick())
}

func TestReentrantLocking(t *testing.T) {
	b := newTestBranch(t)
	require.NoError(t, b.LockRead())
	require.NoError(t, b.LockRead())
	require.NoError(t, b.Unlock())
	require.NoError(t, b.Unlock())
	assert.False(t, b.IsLocked())

	require.NoError(t, b.LockRead())
	_, err := b.LockWrite("")
	assert.True(t, errs.IsKind(err, "LockError"), "%v", err)
	require.NoError(t, b.Unlock())

	_, err = b.LockWrite("")
	require.NoError(t, err)
	_, err = b.LockWrite("")
	require.NoError(t, err)
	require.NoError(t, b.Unlock())
	require.NoError(t, b.Unlock())
	assert.False(t, b.IsLocked())
	assert.True(t, errs.IsKind(b.Unlock(), "LockNotHeld"))
}

func TestHistoryCache(t *testing.T) {
	b := newTestBranch(t)
	commit(t, b, "r1", "1\n")
	require.NoError(t, b.LockRead())
	defer b.Unlock()
	hist := history(t, b)
	hist[0] = "changed"
	assert.Equal(t, []string{"r1"}, history(t, b))
}

func TestMissingRevisions(t *testing.T) {
	brA, brB := diverged(t)
	_, err := brA.MissingRevisions(brB, -1)
	assert.True(t, errs.IsKind(err, "DivergedBranches"), "%v", err)

	brC := sprout(t, brA)
	commit(t, brA, "A2", "a2\n")
	commit(t, brA, "A3", "a3\n")
	missing, err := brC.MissingRevisions(brA, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A2", "A3"}, missing)
	missing, err = brC.MissingRevisions(brA, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, missing)
	missing, err = brA.MissingRevisions(brC, -1)
	require.NoError(t, err)
	assert.Empty(t, missing)
	_, err = brC.MissingRevisions(brA, 9)
	assert.True(t, errs.IsKind(err, "NoSuchRevision"))
}

func TestPullOverwrite(t *testing.T) {
	brA, brB := diverged(t)
	_, err := brA.Pull(ctx, brB, false)
	assert.True(t, errs.IsKind(err, "DivergedBranches"), "%v", err)
	assert.Equal(t, []string{"P1", "A1"}, history(t, brA))
	// the records arrived anyway
	require.NoError(t, brA.LockRead())
	has, err := brA.Repo.HasRevision("B1")
	brA.Unlock()
	require.NoError(t, err)
	assert.True(t, has)

	res, err := brA.Pull(ctx, brB, true)
	require.NoError(t, err)
	assert.Equal(t, history(t, brB), history(t, brA))
	assert.Equal(t, 2, res.OldRevno)
	assert.Equal(t, "A1", res.OldRevID)
	assert.Equal(t, "B1", res.NewRevID)
}

func TestPullFastForward(t *testing.T) {
	brA := newTestBranch(t)
	commit(t, brA, "r1", "1\n")
	brB := sprout(t, brA)
	commit(t, brA, "r2", "2\n")
	commit(t, brA, "r3", "3\n")

	var states []fetch.State
	brB.Progress = func(p fetch.Progress) { states = append(states, p.State) }
	res, err := brB.Pull(ctx, brA, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 3, res.NewRevno)
	assert.Equal(t, []string{"r1", "r2", "r3"}, history(t, brB))
	assert.Contains(t, states, fetch.UpdatingHistory)
	assert.Equal(t, fetch.Done, states[len(states)-1])

	loc, err := brB.PullLocation()
	require.NoError(t, err)
	assert.Equal(t, brA.String(), loc)
	parent, err := brB.Parent()
	require.NoError(t, err)
	assert.Equal(t, brA.String(), parent)

	// again: nothing to do
	res, err = brB.Pull(ctx, brA, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
	assert.Equal(t, 3, res.NewRevno)
}

func TestPullMerged(t *testing.T) {
	brA, brB := diverged(t)
	_, err := fetch.Fetch(ctx, brA.Repo, brB.Repo, "A1", nil)
	require.NoError(t, err)
	commit(t, brB, "M", "a\nb\n", "A1")

	// brA's tip is merged into brB but not on its mainline
	res, err := brA.Pull(ctx, brB, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "A1"}, history(t, brA))
	assert.Equal(t, "A1", res.NewRevID)

	_, err = brB.Pull(ctx, brA, false)
	assert.True(t, errs.IsKind(err, "DivergedBranches"), "%v", err)
}

func TestPullCancelled(t *testing.T) {
	brA := newTestBranch(t)
	commit(t, brA, "r1", "1\n")
	brB := sprout(t, brA)
	commit(t, brA, "r2", "2\n")
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := brB.Pull(cctx, brA, false)
	assert.True(t, errs.IsKind(err, "Cancelled"), "%v", err)
	assert.Equal(t, []string{"r1"}, history(t, brB))
}

func TestPush(t *testing.T) {
	brA := newTestBranch(t)
	commit(t, brA, "r1", "1\n")
	brB := sprout(t, brA)
	commit(t, brB, "r2", "2\n")

	res, err := brB.Push(ctx, brA, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 2, res.NewRevno)
	assert.Equal(t, []string{"r1", "r2"}, history(t, brA))

	// a target that is ahead stays put
	commit(t, brA, "r3", "3\n")
	res, err = brB.Push(ctx, brA, false)
	require.NoError(t, err)
	assert.Equal(t, "r3", res.NewRevID)

	// diverged
	commit(t, brB, "x3", "x\n")
	_, err = brB.Push(ctx, brA, false)
	assert.True(t, errs.IsKind(err, "DivergedBranches"), "%v", err)
	res, err = brB.Push(ctx, brA, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "x3"}, history(t, brA))
	assert.False(t, brA.IsLocked())
}

func TestFetchThenSetHistory(t *testing.T) {
	src := newTestBranch(t)
	commit(t, src, "r1", "1\n")
	dst := sprout(t, src)
	commit(t, src, "r2", "2\n")
	commit(t, src, "r3", "3\n")

	err := dst.SetRevisionHistory([]string{"r1", "r2", "r3"})
	assert.True(t, errs.IsKind(err, "NoSuchRevision"), "%v", err)

	n, err := fetch.Fetch(ctx, src.Repo, dst.Repo, "r3", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, dst.SetRevisionHistory([]string{"r1", "r2", "r3"}))
	revno, err := dst.Revno()
	require.NoError(t, err)
	n, err = dst.RevisionIDToRevno("r3")
	require.NoError(t, err)
	assert.Equal(t, revno, n)
}

func TestSetLastRevision(t *testing.T) {
	b := newTestBranch(t)
	commit(t, b, "r1", "1\n")
	commit(t, b, "r2", "2\n")
	commit(t, b, "r3", "3\n")

	require.NoError(t, b.SetLastRevisionInfo(1, "r1"))
	assert.Equal(t, []string{"r1"}, history(t, b))
	// r3 is no longer on the mainline; its left-hand chain is used
	require.NoError(t, b.SetLastRevisionInfo(3, "r3"))
	assert.Equal(t, []string{"r1", "r2", "r3"}, history(t, b))
	err := b.SetLastRevisionInfo(2, "r3")
	assert.True(t, errs.IsKind(err, "InvalidRevisionNumber"), "%v", err)
	err = b.SetLastRevisionInfo(1, "nope")
	assert.True(t, errs.IsKind(err, "NoSuchRevision"), "%v", err)

	// going back to an ancestor needs allowOverwriteDescendant
	revno, tip, err := b.SetLastRevisionEx("r1", false, false)
	require.NoError(t, err)
	assert.Equal(t, 3, revno)
	assert.Equal(t, "r3", tip)
	revno, tip, err = b.SetLastRevisionEx("r1", false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, revno)
	assert.Equal(t, "r1", tip)
	revno, _, err = b.SetLastRevisionEx("r3", false, false)
	require.NoError(t, err)
	assert.Equal(t, 3, revno)
	require.NoError(t, b.SetLastRevisionInfo(0, "null:"))
	assert.Empty(t, history(t, b))
}

func TestHooks(t *testing.T) {
	b := newTestBranch(t)
	commit(t, b, "r1", "1\n")
	commit(t, b, "r2", "2\n")

	var seen []*ChangeTipParams
	b.Hooks.PostChangeTip = append(b.Hooks.PostChangeTip, func(p *ChangeTipParams) {
		seen = append(seen, p)
	})
	b.Hooks.PreChangeTip = append(b.Hooks.PreChangeTip, func(p *ChangeTipParams) error {
		if p.NewRevno < p.OldRevno {
			return &errs.TipChangeRejected{Msg: "no going back"}
		}
		return nil
	})
	err := b.SetLastRevisionInfo(1, "r1")
	assert.True(t, errs.IsKind(err, "TipChangeRejected"), "%v", err)
	assert.Equal(t, []string{"r1", "r2"}, history(t, b))
	assert.Empty(t, seen)

	commit(t, b, "r3", "3\n")
	require.Len(t, seen, 1)
	assert.Equal(t, 2, seen[0].OldRevno)
	assert.Equal(t, "r2", seen[0].OldRevID)
	assert.Equal(t, 3, seen[0].NewRevno)
	assert.Equal(t, "r3", seen[0].NewRevID)
}

func TestAppendRevisionsOnly(t *testing.T) {
	b := newTestBranch(t)
	commit(t, b, "r1", "1\n")
	commit(t, b, "r2", "2\n")
	require.NoError(t, b.SetSettings(&Settings{AppendRevisionsOnly: true, Nickname: "trunk"}))
	err := b.SetLastRevisionInfo(1, "r1")
	assert.True(t, errs.IsKind(err, "TipChangeRejected"), "%v", err)
	commit(t, b, "r3", "3\n")
	assert.Equal(t, "trunk", b.Nick())
}

func TestLocations(t *testing.T) {
	b := newTestBranch(t)
	parent, err := b.Parent()
	require.NoError(t, err)
	assert.Equal(t, "", parent)

	require.NoError(t, b.Control().PutBytes(xPullFile, []byte("file:///old/\n")))
	parent, err = b.Parent()
	require.NoError(t, err)
	assert.Equal(t, "file:///old/", parent)

	require.NoError(t, b.SetParent("memory://x/up/"))
	parent, err = b.Parent()
	require.NoError(t, err)
	assert.Equal(t, "memory://x/up/", parent)
	require.NoError(t, b.SetParent(""))
	parent, err = b.Parent()
	require.NoError(t, err)
	assert.Equal(t, "file:///old/", parent)

	require.NoError(t, b.SetPushLocation("weft://host/b/"))
	push, err := b.PushLocation()
	require.NoError(t, err)
	assert.Equal(t, "weft://host/b/", push)
	buf, err := b.Control().GetBytes(settingsFile)
	require.NoError(t, err)
	assert.Equal(t, "push_location: weft://host/b/\n", string(buf))
}

func TestReference(t *testing.T) {
	b := newTestBranch(t)
	commit(t, b, "r1", "1\n")
	rt := root(t)
	require.NoError(t, CreateReference(rt, b.String()))
	loc, err := Reference(rt)
	require.NoError(t, err)
	assert.Equal(t, b.String(), loc)

	rb, err := Open(rt)
	require.NoError(t, err)
	assert.Equal(t, b.String(), rb.String())
	assert.Equal(t, []string{"r1"}, history(t, rb))

	_, err = repository.Open(mustClone(t, rt, ControlDir), nil)
	assert.True(t, errs.IsKind(err, "NoRepositoryPresent"), "%v", err)
	assert.True(t, errs.IsKind(CreateReference(rt, b.String()), "FileExists"))
}

func mustClone(t *testing.T, tr transport.Transport, rel string) transport.Transport {
	c, err := tr.Clone(rel)
	require.NoError(t, err)
	return c
}

func TestSprout(t *testing.T) {
	b := newTestBranch(t)
	commit(t, b, "r1", "1\n")
	commit(t, b, "r2", "2\n")
	commit(t, b, "r3", "3\n")
	nb, err := b.Sprout(ctx, root(t), "r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, history(t, nb))
	parent, err := nb.Parent()
	require.NoError(t, err)
	assert.Equal(t, b.String(), parent)

	require.NoError(t, nb.LockRead())
	has, err := nb.Repo.HasRevisions([]string{"r1", "r2", "r3"})
	nb.Unlock()
	require.NoError(t, err)
	assert.Len(t, has, 2)
}

func TestLossyPush(t *testing.T) {
	brA, brB := diverged(t)
	_, err := brA.LossyPush(brB)
	assert.True(t, errs.IsKind(err, "LossyPushToSameVCS"), "%v", err)
}

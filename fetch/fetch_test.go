package fetch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/inventory"
	"github.com/t7a/weft/repository"
	"github.com/t7a/weft/transport"
)

func newRepo(t *testing.T) *repository.Repository {
	mt := transport.NewMemory()
	require.NoError(t, mt.Mkdir(".weft"))
	ct, err := mt.Clone(".weft")
	require.NoError(t, err)
	r, err := repository.Create(ct, repository.Format6, nil)
	require.NoError(t, err)
	return r
}

func commit(t *testing.T, r *repository.Repository, id string, parents []string, text string) {
	_, err := r.LockWrite("")
	require.NoError(t, err)
	defer r.Unlock()
	b, err := r.NewCommit(parents)
	require.NoError(t, err)
	b.RevisionID = id
	b.Committer = "Jo <jo@example.com>"
	b.Timestamp = 1000
	require.NoError(t, b.Add("a", inventory.File, []byte(text), false))
	_, err = b.Commit()
	require.NoError(t, err)
}

// source r1 <- r2 <- r3
func chain(t *testing.T) *repository.Repository {
	r := newRepo(t)
	commit(t, r, "r1", nil, "1\n")
	commit(t, r, "r2", []string{"r1"}, "1\n2\n")
	commit(t, r, "r3", []string{"r2"}, "1\n2\n3\n")
	return r
}

func has(t *testing.T, r *repository.Repository, ids ...string) map[string]bool {
	require.NoError(t, r.LockRead())
	defer r.Unlock()
	got, err := r.HasRevisions(ids)
	require.NoError(t, err)
	return got
}

func TestFetchMissing(t *testing.T) {
	src := chain(t)
	dst := newRepo(t)
	n, err := Fetch(context.Background(), src, dst, "r1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var states []State
	var revs []string
	f := New(src, dst)
	f.Progress = func(p Progress) {
		states = append(states, p.State)
		if p.State == InsertingRecords && p.Revision != "" {
			revs = append(revs, p.Revision)
			assert.Equal(t, 2, p.Total)
		}
	}
	n, err = f.Run(context.Background(), "r3")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"r2", "r3"}, f.Revisions)
	assert.Equal(t, []string{"r1"}, f.Excludes)
	assert.Equal(t, []string{"r2", "r3"}, revs)
	assert.Equal(t, WalkingGraph, states[0])
	assert.Equal(t, Done, states[len(states)-1])
	assert.Equal(t, Done, f.State)
	assert.Len(t, has(t, dst, "r1", "r2", "r3"), 3)

	require.NoError(t, dst.LockRead())
	text, err := dst.GetFileText(fileID(t, dst, "r3"), "r3")
	dst.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n", text)

	// nothing left to do
	n, err = Fetch(context.Background(), src, dst, "r3", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// a used fetcher cannot run again
	_, err = f.Run(context.Background(), "r3")
	assert.True(t, errs.IsKind(err, "LockError"))
}

func fileID(t *testing.T, r *repository.Repository, rev string) string {
	inv, err := r.GetInventory(rev)
	require.NoError(t, err)
	id, ok := inv.PathToID("a")
	require.True(t, ok)
	return id
}

func TestFetchNull(t *testing.T) {
	src := chain(t)
	dst := newRepo(t)
	var last State
	n, err := Fetch(context.Background(), src, dst, "null:", func(p Progress) { last = p.State })
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, Done, last)
}

func TestFetchUnknownTip(t *testing.T) {
	src := chain(t)
	dst := newRepo(t)
	f := New(src, dst)
	_, err := f.Run(context.Background(), "nope")
	assert.True(t, errs.IsKind(err, "NoSuchRevision"), "%v", err)
	assert.Equal(t, Aborted, f.State)
	assert.False(t, src.IsLocked())
	assert.False(t, dst.IsLocked())
}

func TestFetchGhost(t *testing.T) {
	src := newRepo(t)
	commit(t, src, "r1", []string{"ghost"}, "1\n")
	commit(t, src, "r2", []string{"r1"}, "2\n")
	dst := newRepo(t)
	n, err := Fetch(context.Background(), src, dst, "r2", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, has(t, dst, "ghost")["ghost"])
}

func TestFetchCancel(t *testing.T) {
	src := chain(t)
	dst := newRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := New(src, dst)
	f.Progress = func(p Progress) {
		if p.State == InsertingRecords && p.Revision == "r2" {
			cancel()
		}
	}
	n, err := f.Run(ctx, "r3")
	assert.True(t, errs.IsKind(err, "Cancelled"), "%v", err)
	assert.Equal(t, Aborted, f.State)
	// r1 and r2 made it, r3 did not
	assert.Equal(t, 2, n)
	got := has(t, dst, "r1", "r2", "r3")
	assert.True(t, got["r1"])
	assert.True(t, got["r2"])
	assert.False(t, got["r3"])

	n, err = Fetch(context.Background(), src, dst, "r3", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdateHistory(t *testing.T) {
	src := chain(t)
	dst := newRepo(t)
	called := false
	f := New(src, dst)
	f.UpdateHistory = func() error {
		called = true
		assert.Equal(t, UpdatingHistory, f.State)
		assert.True(t, dst.IsLocked())
		return nil
	}
	_, err := f.Run(context.Background(), "r3")
	require.NoError(t, err)
	assert.True(t, called)

	f = New(src, dst)
	f.UpdateHistory = func() error { return &errs.TipChangeRejected{Msg: "no"} }
	_, err = f.Run(context.Background(), "r3")
	assert.True(t, errs.IsKind(err, "TipChangeRejected"))
	assert.Equal(t, Aborted, f.State)
}

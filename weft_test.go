package weft

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t7a/weft/branch"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/inventory"
	"github.com/t7a/weft/repository"
	"github.com/t7a/weft/smart"
	"github.com/t7a/weft/transport"
)

func TestGetGID(t *testing.T) {
	n := GetGID()
	if n == 0 {
		t.Fatalf("oh no n is 0")
	}
}

func TestIsRemote(t *testing.T) {
	assert.True(t, IsRemote("weft://host/b"))
	assert.True(t, IsRemote("weft+ws://host:80/b"))
	assert.False(t, IsRemote("file:///tmp/b"))
	assert.False(t, IsRemote("some/dir"))
}

func TestInitLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "b")
	tb, err := InitBranch(dir, repository.Format7, nil)
	require.NoError(t, err)
	_, ok := tb.(*branch.Branch)
	require.True(t, ok)

	b, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.Format7, b.Repo.Format)

	_, err = InitBranch(dir, repository.Format6, nil)
	assert.Equal(t, "FileExists", errs.KindOf(err))

	_, err = Open(t.TempDir(), nil)
	assert.Equal(t, "NotBranchError", errs.KindOf(err))
}

func TestRemoteRoundTrip(t *testing.T) {
	root := transport.NewMemory()
	srv := smart.NewServer(root, nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go srv.Serve(context.Background(), l)

	url := "weft://" + l.Addr().String() + "/shared"
	rb, err := InitBranch(url, repository.Format6, nil)
	require.NoError(t, err)
	_, ok := rb.(*smart.RemoteBranch)
	require.True(t, ok)

	local, err := InitBranch(filepath.Join(t.TempDir(), "local"), repository.Format6, nil)
	require.NoError(t, err)
	lb := local.(*branch.Branch)
	_, err = lb.Commit(branch.CommitOptions{Message: "first", RevisionID: "r1"},
		func(cb *repository.CommitBuilder) error {
			return cb.Add("hello", inventory.File, []byte("hello\n"), false)
		})
	require.NoError(t, err)

	_, err = lb.Push(context.Background(), rb, false)
	require.NoError(t, err)

	again, err := OpenBranch(url, nil)
	require.NoError(t, err)
	revno, tip, err := again.LastRevisionInfo()
	require.NoError(t, err)
	assert.Equal(t, 1, revno)
	assert.Equal(t, "r1", tip)

	// the same branch opened through file requests
	vb, err := Open(url, nil)
	require.NoError(t, err)
	hist, err := vb.RevisionHistory()
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, hist)
}

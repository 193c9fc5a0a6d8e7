package repository

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/inventory"
	"github.com/t7a/weft/transport"
	"github.com/t7a/weft/weave"
)

func controlDir(t *testing.T) transport.Transport {
	mt := transport.NewMemory()
	require.NoError(t, mt.Mkdir(".weft"))
	ct, err := mt.Clone(".weft")
	require.NoError(t, err)
	return ct
}

func newRepo(t *testing.T, f *Format) *Repository {
	r, err := Create(controlDir(t), f, nil)
	require.NoError(t, err)
	return r
}

func commit(t *testing.T, r *Repository, id string, parents []string, files map[string]string) {
	_, err := r.LockWrite("")
	require.NoError(t, err)
	defer r.Unlock()
	b, err := r.NewCommit(parents)
	require.NoError(t, err)
	b.RevisionID = id
	b.Committer = "Jo <jo@example.com>"
	b.Timestamp = 1000
	b.Message = "commit " + id
	var paths []string
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		require.NoError(t, b.AddDirs(p))
		require.NoError(t, b.Add(p, inventory.File, []byte(files[p]), false))
	}
	got, err := b.Commit()
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func fileText(t *testing.T, r *Repository, path, rev string) string {
	inv, err := r.GetInventory(rev)
	require.NoError(t, err)
	id, ok := inv.PathToID(path)
	require.True(t, ok, "%s not in %s", path, rev)
	text, err := r.GetFileText(id, rev)
	require.NoError(t, err)
	return text
}

func TestSingleCommit(t *testing.T) {
	for _, f := range []*Format{Format5, Format6, Format7} {
		t.Run(f.Name, func(t *testing.T) {
			r := newRepo(t, f)
			commit(t, r, "r1", nil, map[string]string{"a": "hello\n"})

			require.NoError(t, r.LockRead())
			defer r.Unlock()
			rev, err := r.GetRevision("r1")
			require.NoError(t, err)
			assert.Equal(t, "commit r1", rev.Message)
			assert.Empty(t, rev.ParentIDs)
			assert.Equal(t, "hello\n", fileText(t, r, "a", "r1"))

			lines, err := r.InventoryLines("r1")
			require.NoError(t, err)
			text := strings.Join(lines, "")
			assert.Contains(t, text, `name="a"`)
			assert.Contains(t, text, `file_id="a-`)
			sha, err := r.InventorySha1("r1")
			require.NoError(t, err)
			assert.Equal(t, rev.InventorySha1, sha)
		})
	}
}

func TestLocking(t *testing.T) {
	r := newRepo(t, Format6)
	_, err := r.GetRevision("r1")
	assert.True(t, errs.IsKind(err, "ObjectNotLocked"), "%v", err)
	require.NoError(t, r.LockRead())
	_, err = r.NewCommit(nil)
	assert.True(t, errs.IsKind(err, "ReadOnlyError"), "%v", err)
	_, err = r.GetRevision("r1")
	assert.True(t, errs.IsKind(err, "NoSuchRevision"), "%v", err)
	require.NoError(t, r.Unlock())

	commit(t, r, "r1", nil, map[string]string{"a": "x\n"})
	_, err = r.LockWrite("")
	require.NoError(t, err)
	defer r.Unlock()
	b, err := r.NewCommit(nil)
	require.NoError(t, err)
	b.RevisionID = "r1"
	_, err = b.Commit()
	assert.True(t, errs.IsKind(err, "RevisionAlreadyPresent"), "%v", err)
	b.RevisionID = "bad id"
	_, err = b.Commit()
	assert.True(t, errs.IsKind(err, "InvalidRevisionId"), "%v", err)
}

func TestLastChanged(t *testing.T) {
	r := newRepo(t, Format6)
	commit(t, r, "r1", nil, map[string]string{"a": "hello\n", "d/b": "x\n"})
	commit(t, r, "r2", []string{"r1"}, map[string]string{"a": "hello\n", "d/b": "y\n"})

	require.NoError(t, r.LockRead())
	defer r.Unlock()
	inv1, err := r.GetInventory("r1")
	require.NoError(t, err)
	inv2, err := r.GetInventory("r2")
	require.NoError(t, err)
	for _, p := range []string{"a", "d", "d/b"} {
		id1, _ := inv1.PathToID(p)
		id2, _ := inv2.PathToID(p)
		assert.Equal(t, id1, id2, "file id of %s", p)
	}
	a, _ := inv2.PathToID("a")
	e, _ := inv2.Get(a)
	assert.Equal(t, "r1", e.Revision)
	changed := inv2.ChangedIn("r2")
	require.Len(t, changed, 1)
	assert.Equal(t, "b", changed[0].Name)

	ann, err := r.Annotate(changed[0].FileID, "r2")
	require.NoError(t, err)
	assert.Equal(t, []weave.Annotated{{Origin: "r2", Line: "y\n"}}, ann)
	assert.Equal(t, "hello\n", fileText(t, r, "a", "r2"))
	assert.Equal(t, "x\n", fileText(t, r, "d/b", "r1"))
}

func TestMergeCommit(t *testing.T) {
	r := newRepo(t, Format5)
	commit(t, r, "r1", nil, map[string]string{"a": "1\n2\n"})
	commit(t, r, "r2", []string{"r1"}, map[string]string{"a": "1\n2\n3\n"})
	commit(t, r, "x2", []string{"r1"}, map[string]string{"a": "0\n1\n2\n"})
	commit(t, r, "m", []string{"r2", "x2"}, map[string]string{"a": "0\n1\n2\n3\n"})

	require.NoError(t, r.LockRead())
	defer r.Unlock()
	inv, err := r.GetInventory("m")
	require.NoError(t, err)
	a, _ := inv.PathToID("a")
	w, err := r.FileWeave(a)
	require.NoError(t, err)
	ps, err := w.Parents("m")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "x2"}, ps)
	ann, err := r.Annotate(a, "m")
	require.NoError(t, err)
	var origins []string
	for _, l := range ann {
		origins = append(origins, l.Origin)
	}
	assert.Equal(t, []string{"x2", "r1", "r1", "r2"}, origins)

	anc, err := r.Ancestry("m")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"m": true, "r2": true, "x2": true, "r1": true}, anc)
}

func TestSearchRecipe(t *testing.T) {
	s := &Search{Heads: []string{"a", "b"}, Excludes: []string{"c"}, Count: 3}
	assert.Equal(t, "search\na b\nc\n3", string(s.Recipe()))
	got, err := ParseRecipe(s.Recipe())
	require.NoError(t, err)
	assert.Equal(t, s, got)

	s = &Search{Heads: []string{"a", "b"}, AncestryOf: true}
	assert.Equal(t, "ancestry-of\na\nb", string(s.Recipe()))
	got, err = ParseRecipe(s.Recipe())
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = ParseRecipe([]byte("everything\n"))
	assert.Error(t, err)
	_, err = ParseRecipe([]byte("search\na\n"))
	assert.Error(t, err)
}

func chain(t *testing.T, f *Format) *Repository {
	r := newRepo(t, f)
	commit(t, r, "r1", nil, map[string]string{"a": "one\n"})
	commit(t, r, "r2", []string{"r1"}, map[string]string{"a": "one\ntwo\n", "b": "bee\n"})
	commit(t, r, "r3", []string{"r2"}, map[string]string{"a": "one\ntwo\nthree\n", "b": "bee\n"})
	return r
}

func transfer(t *testing.T, src, dst *Repository, s *Search) int {
	require.NoError(t, src.LockRead())
	defer src.Unlock()
	_, err := dst.LockWrite("")
	require.NoError(t, err)
	defer dst.Unlock()
	stream, err := src.GetStream(context.Background(), s)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = WritePacked(&buf, stream)
	require.NoError(t, err)
	packed, err := ReadPacked(&buf)
	require.NoError(t, err)
	n, err := dst.InsertStream(context.Background(), packed)
	require.NoError(t, err)
	return n
}

func TestStreamTransfer(t *testing.T) {
	src := chain(t, Format6)
	_, err := src.LockWrite("")
	require.NoError(t, err)
	require.NoError(t, src.AddSignature("r2", []byte("signed r2\n")))
	require.NoError(t, src.Unlock())

	dst := newRepo(t, Format6)
	assert.Equal(t, 1, transfer(t, src, dst, &Search{Heads: []string{"r1"}, AncestryOf: true}))
	assert.Equal(t, 2, transfer(t, src, dst, &Search{Heads: []string{"r3"}, Excludes: []string{"r1"}, Count: 2}))
	// again: nothing new
	assert.Equal(t, 0, transfer(t, src, dst, &Search{Heads: []string{"r3"}, AncestryOf: true}))

	require.NoError(t, dst.LockRead())
	defer dst.Unlock()
	has, err := dst.HasRevisions([]string{"r1", "r2", "r3", "r4"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"r1": true, "r2": true, "r3": true}, has)
	assert.Equal(t, "one\ntwo\nthree\n", fileText(t, dst, "a", "r3"))
	assert.Equal(t, "bee\n", fileText(t, dst, "b", "r3"))
	sig, err := dst.Signature("r2")
	require.NoError(t, err)
	assert.Equal(t, "signed r2\n", string(sig))
	anc, err := dst.Ancestry("r3")
	require.NoError(t, err)
	assert.Len(t, anc, 3)
}

func TestResolve(t *testing.T) {
	r := chain(t, Format5)
	require.NoError(t, r.LockRead())
	defer r.Unlock()
	revs, err := r.Resolve(&Search{Heads: []string{"r3"}, Excludes: []string{"r1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r3"}, revs)
	_, err = r.Resolve(&Search{Heads: []string{"r3"}, Count: 2})
	assert.Error(t, err)
	_, err = r.Resolve(&Search{Heads: []string{"nope"}, AncestryOf: true})
	assert.True(t, errs.IsKind(err, "NoSuchRevision"), "%v", err)
}

func TestCrossFormatTransfer(t *testing.T) {
	src := chain(t, Format5)
	dst := newRepo(t, Format7)
	assert.Equal(t, 3, transfer(t, src, dst, &Search{Heads: []string{"r3"}, AncestryOf: true}))
	res, err := dst.Check(nil)
	require.NoError(t, err)
	assert.Empty(t, res.Problems)
	assert.Equal(t, 3, res.Revisions)

	require.NoError(t, dst.LockRead())
	defer dst.Unlock()
	lines, err := dst.InventoryLines("r2")
	require.NoError(t, err)
	assert.Equal(t, "<inventory format=\"8\" revision_id=\"r2\">\n", lines[0])
	assert.Equal(t, "one\ntwo\n", fileText(t, dst, "a", "r2"))
}

func TestCheck(t *testing.T) {
	r := chain(t, Format6)
	res, err := r.Check(nil)
	require.NoError(t, err)
	assert.Empty(t, res.Problems)
	assert.Equal(t, 3, res.Revisions)
	// r1 adds a, r2 changes a and adds b, r3 changes a
	assert.Equal(t, 4, res.Texts)

	require.NoError(t, r.revs.Put("r2", strings.NewReader("garbage"), ""))
	var calls int
	res, err = r.Check(func(done, total int) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, res.Problems, 1)
}

func TestUpgrade(t *testing.T) {
	ct := controlDir(t)
	r, err := Create(ct, Format5, nil)
	require.NoError(t, err)
	commit(t, r, "r1", nil, map[string]string{"a": "one\n"})
	commit(t, r, "r2", []string{"r1"}, map[string]string{"a": "one\ntwo\n"})

	from, err := Upgrade(ct, Format7, nil)
	require.NoError(t, err)
	assert.Equal(t, Format5, from)
	r, err = Open(ct, nil)
	require.NoError(t, err)
	assert.Equal(t, Format7, r.Format)
	st, err := ct.Stat(LockName)
	require.NoError(t, err)
	assert.True(t, st.IsDir)
	for _, gone := range []string{"revision-store.new", "revision-store.old", "weaves.old"} {
		has, err := ct.Has(gone)
		require.NoError(t, err)
		assert.False(t, has, gone)
	}

	commit(t, r, "r3", []string{"r2"}, map[string]string{"a": "one\ntwo\nthree\n"})
	res, err := r.Check(nil)
	require.NoError(t, err)
	assert.Empty(t, res.Problems)
	require.NoError(t, r.LockRead())
	assert.Equal(t, "one\ntwo\n", fileText(t, r, "a", "r2"))
	assert.Equal(t, "one\ntwo\nthree\n", fileText(t, r, "a", "r3"))
	require.NoError(t, r.Unlock())

	_, err = Upgrade(ct, Format6, nil)
	assert.True(t, errs.IsKind(err, "UnsupportedFormatError"), "%v", err)
}

func TestLegacyFormat(t *testing.T) {
	_, err := Create(controlDir(t), Format4, nil)
	assert.True(t, errs.IsKind(err, "UnsupportedFormatError"), "%v", err)

	ct := controlDir(t)
	r, err := Create(ct, Format5, nil)
	require.NoError(t, err)
	commit(t, r, "r1", nil, map[string]string{"a": "old\n"})
	require.NoError(t, ct.PutBytes(FormatFile, []byte(Format4.Marker)))

	r, err = Open(ct, nil)
	require.NoError(t, err)
	assert.Equal(t, Format4, r.Format)
	_, err = r.LockWrite("")
	assert.True(t, errs.IsKind(err, "UnsupportedFormatError"), "%v", err)
	require.NoError(t, r.LockRead())
	assert.Equal(t, "old\n", fileText(t, r, "a", "r1"))
	require.NoError(t, r.Unlock())

	_, err = Upgrade(ct, Format5, nil)
	require.NoError(t, err)
	r, err = Open(ct, nil)
	require.NoError(t, err)
	commit(t, r, "r2", []string{"r1"}, map[string]string{"a": "new\n"})
}

func TestOpenErrors(t *testing.T) {
	ct := controlDir(t)
	_, err := Open(ct, nil)
	assert.True(t, errs.IsKind(err, "NotBranchError"), "%v", err)
	require.NoError(t, ct.PutBytes(FormatFile, []byte(ReferenceMarker)))
	_, err = Open(ct, nil)
	assert.True(t, errs.IsKind(err, "NoRepositoryPresent"), "%v", err)
	require.NoError(t, ct.PutBytes(FormatFile, []byte("Something else\n")))
	_, err = Open(ct, nil)
	assert.True(t, errs.IsKind(err, "UnsupportedFormatError"), "%v", err)
	_, err = Create(ct, Format6, nil)
	assert.True(t, errs.IsKind(err, "FileExists"), "%v", err)
}

func TestInventoryTextMatchesSerializer(t *testing.T) {
	for _, f := range []*Format{Format5, Format6, Format7} {
		t.Run(f.Name, func(t *testing.T) {
			r := newRepo(t, f)
			commit(t, r, "r1", nil, map[string]string{"a": "hello\n", "d/b": "two\n"})

			require.NoError(t, r.LockRead())
			defer r.Unlock()
			lines, err := r.InventoryLines("r1")
			require.NoError(t, err)
			assert.Equal(t, "</inventory>\n", lines[len(lines)-1])
			inv, err := r.GetInventory("r1")
			require.NoError(t, err)
			data, err := f.Serializer().Write(inv)
			require.NoError(t, err)
			assert.Equal(t, string(data), joinLines(lines))

			same, err := r.convertInventory("r1", lines)
			require.NoError(t, err)
			assert.Equal(t, lines, same)
		})
	}
}

func TestSlashIDsOnDisk(t *testing.T) {
	for _, f := range []*Format{Format5, Format6} {
		t.Run(f.Name, func(t *testing.T) {
			lt := transport.NewLocal(t.TempDir())
			require.NoError(t, lt.Mkdir(".weft"))
			ct, err := lt.Clone(".weft")
			require.NoError(t, err)
			r, err := Create(ct, f, nil)
			require.NoError(t, err)

			id := "jo@example.com/feature-1"
			commit(t, r, id, nil, map[string]string{"a b/c": "slashed\n"})

			require.NoError(t, r.LockRead())
			defer r.Unlock()
			rev, err := r.GetRevision(id)
			require.NoError(t, err)
			assert.Equal(t, id, rev.ID)
			assert.Equal(t, "slashed\n", fileText(t, r, "a b/c", id))
			ids, err := r.RevisionIDs()
			require.NoError(t, err)
			assert.Equal(t, []string{id}, ids)
		})
	}
}

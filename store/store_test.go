package store

import (
	"bytes"
	"io"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/transaction"
	"github.com/t7a/weft/transport"
)

func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func setup(t *testing.T) transport.Transport {
	return transport.NewLocal(t.TempDir())
}

func TestHashPrefix(t *testing.T) {
	p := HashPrefix("a-file-id")
	tassert(t, len(p) == 3 && strings.HasSuffix(p, "/"), "%q", p)
	tassert(t, HashPrefix("a-file-id") == p, "prefix not stable")
}

func TestTextStore(t *testing.T) {
	for _, cfg := range []struct{ prefixed, compressed bool }{
		{false, false}, {true, false}, {false, true}, {true, true},
	} {
		tr := setup(t)
		s := NewTextStore(tr, cfg.prefixed, cfg.compressed)
		tassert(t, s.RegisterSuffix("sig") == nil, "register")

		err := s.AddBytes("joe@example.com-1", []byte("rev one\n"), "")
		tassert(t, err == nil, "%v %v", cfg, err)
		err = s.AddBytes("joe@example.com-1", []byte("sig one\n"), "sig")
		tassert(t, err == nil, "%v %v", cfg, err)
		err = s.AddBytes("id/with slash", []byte("two"), "")
		tassert(t, err == nil, "%v %v", cfg, err)

		err = s.AddBytes("joe@example.com-1", []byte("again"), "")
		tassert(t, errs.IsKind(err, "RevisionAlreadyPresent"), "%v expected RevisionAlreadyPresent, got %v", cfg, err)
		err = s.AddBytes("x", []byte("x"), "asc")
		tassert(t, err != nil, "unregistered suffix accepted")

		buf, err := s.GetBytes("joe@example.com-1", "")
		tassert(t, err == nil && string(buf) == "rev one\n", "%v %q %v", cfg, buf, err)
		buf, err = s.GetBytes("joe@example.com-1", "sig")
		tassert(t, err == nil && string(buf) == "sig one\n", "%v %q %v", cfg, buf, err)
		buf, err = s.GetBytes("id/with slash", "")
		tassert(t, err == nil && string(buf) == "two", "%v %q %v", cfg, buf, err)

		_, err = s.Get("absent", "")
		tassert(t, errs.IsKind(err, "NoSuchFile"), "%v expected NoSuchFile, got %v", cfg, err)

		ids, err := s.IDs()
		tassert(t, err == nil, "%v", err)
		tassert(t, strings.Join(ids, ",") == "id/with slash,joe@example.com-1", "%v %v", cfg, ids)

		n, size, err := s.Total()
		tassert(t, err == nil && n == 2 && size > 0, "%d %d %v", n, size, err)
	}
}

func TestMixedStore(t *testing.T) {
	tr := setup(t)
	plain := NewTextStore(tr, false, false)
	err := plain.AddBytes("old", []byte("plain text"), "")
	tassert(t, err == nil, "%v", err)

	// hand-write a gzipped entry as a compressed store would
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	w.Write([]byte("squeezed"))
	w.Close()
	err = tr.PutBytes("new.gz", gz.Bytes())
	tassert(t, err == nil, "%v", err)

	for _, s := range []*TextStore{plain, NewTextStore(tr, false, true)} {
		buf, err := s.GetBytes("old", "")
		tassert(t, err == nil && string(buf) == "plain text", "%q %v", buf, err)
		buf, err = s.GetBytes("new", "")
		tassert(t, err == nil && string(buf) == "squeezed", "%q %v", buf, err)
		ids, err := s.IDs()
		tassert(t, err == nil && len(ids) == 2, "%v %v", ids, err)
	}
}

func TestCopyAll(t *testing.T) {
	src := NewTextStore(setup(t), false, false)
	tassert(t, src.RegisterSuffix("sig") == nil, "register")
	for _, id := range []string{"a", "b", "c"} {
		tassert(t, src.AddBytes(id, []byte("text "+id), "") == nil, "add %s", id)
	}
	tassert(t, src.AddBytes("b", []byte("signed"), "sig") == nil, "add sig")

	dst := NewTextStore(setup(t), true, true)
	tassert(t, dst.RegisterSuffix("sig") == nil, "register")
	tassert(t, dst.AddBytes("a", []byte("text a"), "") == nil, "pre-existing")
	n, err := CopyAll(dst, src)
	tassert(t, err == nil && n == 2, "%d %v", n, err)
	buf, err := dst.GetBytes("b", "sig")
	tassert(t, err == nil && string(buf) == "signed", "%q %v", buf, err)
	rd, err := dst.Get("c", "")
	tassert(t, err == nil, "%v", err)
	buf, _ = ioutil.ReadAll(rd)
	rd.Close()
	tassert(t, string(buf) == "text c", "%q", buf)
}

type unlistable struct{ transport.Transport }

func (u unlistable) Listable() bool { return false }

func TestUnlistable(t *testing.T) {
	s := NewTextStore(unlistable{setup(t)}, false, false)
	_, err := s.IDs()
	tassert(t, errs.IsKind(err, "UnlistableStore"), "expected UnlistableStore, got %v", err)
	_, err = CopyAll(NewTextStore(setup(t), false, false), s)
	tassert(t, errs.IsKind(err, "UnlistableStore"), "expected UnlistableStore, got %v", err)
}

func TestWeaveStore(t *testing.T) {
	ws := NewWeaveStore(transport.NewMemory(), true)
	tx := transaction.NewWrite()
	_, err := ws.AddLines("file-a", "r1", nil, []string{"hello\n"}, tx)
	tassert(t, err == nil, "%v", err)
	_, err = ws.AddLines("file-a", "r2", []string{"r1"}, []string{"hello\n", "world\n"}, tx)
	tassert(t, err == nil, "%v", err)
	tx.Finish()

	rtx := transaction.NewReadOnly()
	w, err := ws.Get("file-a", rtx)
	tassert(t, err == nil, "%v", err)
	txt, err := w.Text("r2")
	tassert(t, err == nil && txt == "hello\nworld\n", "%q %v", txt, err)
	again, _ := ws.Get("file-a", rtx)
	tassert(t, again == w, "read transaction did not cache")
	_, err = ws.AddLines("file-a", "r3", []string{"r2"}, nil, rtx)
	tassert(t, errs.IsKind(err, "ReadOnlyObjectDirtiedError"), "expected ReadOnlyObjectDirtiedError, got %v", err)

	empty, err := ws.GetOrEmpty("nosuch", nil)
	tassert(t, err == nil && empty.NumVersions() == 0, "%v", err)
	ids, err := ws.IDs()
	tassert(t, err == nil && len(ids) == 1 && ids[0] == "file-a", "%v %v", ids, err)

	other := NewWeaveStore(transport.NewMemory(), false)
	n, err := other.CopyAll(ws)
	tassert(t, err == nil && n == 1, "%d %v", n, err)
	has, _ := other.Has("file-a")
	tassert(t, has, "weave not copied")
}

type failingPut struct{ transport.Transport }

func (f failingPut) Put(relpath string, rd io.Reader) error {
	return &errs.TransportNotPossible{Msg: "put refused: " + relpath}
}

func TestWeaveStoreFailedPut(t *testing.T) {
	mem := transport.NewMemory()
	ws := NewWeaveStore(mem, false)
	tx := transaction.NewWrite()
	_, err := ws.AddLines("file-a", "r1", nil, []string{"one\n"}, tx)
	tassert(t, err == nil, "%v", err)
	cached, err := ws.Get("file-a", tx)
	tassert(t, err == nil && cached.NumVersions() == 1, "%v", err)

	broken := NewWeaveStore(failingPut{mem}, false)
	_, err = broken.AddLines("file-a", "r2", []string{"r1"}, []string{"one\n", "two\n"}, tx)
	tassert(t, err != nil, "put to a failing transport succeeded")
	again, err := broken.Get("file-a", tx)
	tassert(t, err == nil, "%v", err)
	tassert(t, again == cached, "cached weave was replaced")
	tassert(t, !again.HasVersion("r2"), "failed add leaked into the cached weave")

	// a failed first add leaves nothing behind either
	_, err = broken.AddLines("file-b", "r1", nil, []string{"x\n"}, tx)
	tassert(t, err != nil, "put to a failing transport succeeded")
	_, ok := tx.Get("weave", "file-b")
	tassert(t, !ok, "failed add registered a weave")

	// the file on disk is unchanged
	fresh, err := ws.Get("file-a", nil)
	tassert(t, err == nil && fresh.NumVersions() == 1, "%v", err)
}

package store

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/transaction"
	"github.com/t7a/weft/transport"
	"github.com/t7a/weft/weave"
)

const weaveExt = ".weave"

// WeaveStore keeps one weave file per id.  Weaves grow, so unlike
// revision texts they are rewritten in place.
type WeaveStore struct {
	ts *TextStore
}

func NewWeaveStore(t transport.Transport, prefixed bool) *WeaveStore {
	ts := NewTextStore(t, prefixed, false)
	ts.Ext = weaveExt
	return &WeaveStore{ts: ts}
}

func (s *WeaveStore) Transport() transport.Transport { return s.ts.t }

func (s *WeaveStore) String() string { return s.ts.String() }

func (s *WeaveStore) Has(id string) (bool, error) { return s.ts.Has(id, "") }

func (s *WeaveStore) IDs() ([]string, error) { return s.ts.IDs() }

// Get loads the weave for id through tx, which may be nil.  The
// returned weave is shared with the transaction cache; use Copy
// before changing it outside a write transaction.
func (s *WeaveStore) Get(id string, tx transaction.Transaction) (*weave.Weave, error) {
	if tx != nil {
		if obj, ok := tx.Get("weave", id); ok {
			return obj.(*weave.Weave), nil
		}
	}
	rd, err := s.ts.Get(id, "")
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	w, err := weave.Read(rd, id)
	if err != nil {
		return nil, errors.Wrapf(err, "weave %s in %s", id, s)
	}
	if tx != nil {
		tx.RegisterClean("weave", id, w, false)
	}
	log.Debugf("weave store %s: loaded %s with %d versions", s, id, w.NumVersions())
	return w, nil
}

// GetOrEmpty is Get, with a new empty weave for an absent id.
func (s *WeaveStore) GetOrEmpty(id string, tx transaction.Transaction) (*weave.Weave, error) {
	w, err := s.Get(id, tx)
	if errs.IsKind(err, "NoSuchFile") {
		return weave.New(id), nil
	}
	return w, err
}

// Put writes w as id, replacing the previous file.  tx sees w only
// once the write has succeeded.
func (s *WeaveStore) Put(id string, w *weave.Weave, tx transaction.Transaction) error {
	if tx != nil && !tx.WriteOK() {
		return &errs.ReadOnlyObjectDirtied{Object: "weave " + id}
	}
	buf, err := weave.Bytes(w)
	if err != nil {
		return err
	}
	err = s.ts.Put(id, bytes.NewReader(buf), "")
	if err != nil {
		return err
	}
	if tx != nil {
		return tx.RegisterDirty("weave", id, w)
	}
	return nil
}

// AddLines loads id, adds a version and writes it back.
func (s *WeaveStore) AddLines(id, version string, parents, lines []string, tx transaction.Transaction) (sha string, err error) {
	if tx != nil && !tx.WriteOK() {
		return "", &errs.ReadOnlyObjectDirtied{Object: "weave " + id}
	}
	w, err := s.GetOrEmpty(id, tx)
	if err != nil {
		return
	}
	// the cached weave stays as it was if the write fails
	w = w.Copy()
	sha, err = w.AddLines(version, parents, lines)
	if err != nil {
		return
	}
	return sha, s.Put(id, w, tx)
}

// Raw exposes the file bytes so whole weaves can be copied without
// parsing.
func (s *WeaveStore) Raw(id string) (io.ReadCloser, error) { return s.ts.Get(id, "") }

// CopyAll copies every weave of src not already in s.
func (s *WeaveStore) CopyAll(src *WeaveStore) (int, error) {
	return CopyAll(s.ts, src.ts)
}

// Text is a view of the weave store as a Store, for CopyAll with
// other stores.
func (s *WeaveStore) Text() *TextStore { return s.ts }

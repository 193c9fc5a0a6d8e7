package repository

import (
	"context"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/inventory"
	"github.com/t7a/weft/revision"
	"github.com/t7a/weft/weave"
)

// Record kinds, in the order a revision's records are sent.
const (
	TextRecord      = "text"
	InventoryRecord = "inventory"
	SignatureRecord = "signature"
	RevisionRecord  = "revision"
)

// Record is one unit of a revision transfer.  For texts ID is the file
// id and Version the revision that introduced the text; for the rest
// ID is the revision id.
type Record struct {
	Kind    string   `msgpack:"kind"`
	ID      string   `msgpack:"id"`
	Version string   `msgpack:"version,omitempty"`
	Parents []string `msgpack:"parents,omitempty"`
	Data    []byte   `msgpack:"data"`
	Sha1    string   `msgpack:"sha1,omitempty"`
}

// Stream yields records until io.EOF.
type Stream interface {
	Next() (*Record, error)
}

// Records is a Stream over a slice.
type Records struct {
	recs []*Record
	i    int
}

func NewRecords(recs []*Record) *Records { return &Records{recs: recs} }

func (s *Records) Next() (*Record, error) {
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	rec := s.recs[s.i]
	s.i++
	return rec, nil
}

// Collect drains a stream.
func Collect(s Stream) (recs []*Record, err error) {
	for {
		rec, err := s.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
}

// revisionStream builds each revision's records only when the
// previous revision's are used up.
type revisionStream struct {
	ctx     context.Context
	r       *Repository
	revs    []string
	pending []*Record
}

// GetStream returns the records of every revision a search names,
// oldest revision first.  The repository must stay read-locked until
// the stream is drained.
func (r *Repository) GetStream(ctx context.Context, s *Search) (Stream, error) {
	revs, err := r.Resolve(s)
	if err != nil {
		return nil, err
	}
	log.Debugf("%s: streaming %d revisions", r, len(revs))
	return &revisionStream{ctx: ctx, r: r, revs: revs}, nil
}

func (s *revisionStream) Next() (*Record, error) {
	for len(s.pending) == 0 {
		if len(s.revs) == 0 {
			return nil, io.EOF
		}
		if s.ctx.Err() != nil {
			return nil, &errs.Cancelled{}
		}
		recs, err := s.r.revisionRecords(s.revs[0])
		if err != nil {
			return nil, err
		}
		s.revs = s.revs[1:]
		s.pending = recs
	}
	rec := s.pending[0]
	s.pending = s.pending[1:]
	return rec, nil
}

// revisionRecords returns texts, inventory, signature and revision of
// one revision.
func (r *Repository) revisionRecords(id string) (recs []*Record, err error) {
	rev, err := r.GetRevision(id)
	if err != nil {
		return
	}
	inv, err := r.GetInventory(id)
	if err != nil {
		return
	}
	for _, e := range inv.ChangedIn(id) {
		if e.Kind != inventory.File {
			continue
		}
		rec, err := r.textRecord(e.FileID, id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	lines, err := r.InventoryLines(id)
	if err != nil {
		return
	}
	recs = append(recs, &Record{
		Kind:    InventoryRecord,
		ID:      id,
		Parents: rev.ParentIDs,
		Data:    []byte(joinLines(lines)),
		Sha1:    weave.Sha1Lines(lines),
	})
	has, err := r.HasSignature(id)
	if err != nil {
		return
	}
	if has {
		sig, err := r.Signature(id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, &Record{Kind: SignatureRecord, ID: id, Data: sig})
	}
	xml, err := r.RevisionXML(id)
	if err != nil {
		return
	}
	recs = append(recs, &Record{Kind: RevisionRecord, ID: id, Data: xml})
	return
}

func (r *Repository) textRecord(fileID, version string) (*Record, error) {
	w, err := r.FileWeave(fileID)
	if err != nil {
		return nil, err
	}
	lines, err := w.Lines(version)
	if err != nil {
		return nil, err
	}
	parents, err := w.Parents(version)
	if err != nil {
		return nil, err
	}
	ghosts, err := w.Ghosts(version)
	if err != nil {
		return nil, err
	}
	return &Record{
		Kind:    TextRecord,
		ID:      fileID,
		Version: version,
		Parents: append(parents, ghosts...),
		Data:    []byte(joinLines(lines)),
		Sha1:    weave.Sha1Lines(lines),
	}, nil
}

// InsertStream adds every record the target lacks and returns how
// many revisions it added.  Records already present are skipped, so a
// repeated transfer is harmless.  Cancellation is checked after each
// complete revision.
func (r *Repository) InsertStream(ctx context.Context, s Stream) (added int, err error) {
	err = r.needWrite()
	if err != nil {
		return
	}
	for {
		rec, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return added, err
		}
		n, err := r.insertRecord(rec)
		if err != nil {
			return added, errors.Wrapf(err, "insert %s %s", rec.Kind, rec.ID)
		}
		added += n
		if rec.Kind == RevisionRecord && ctx.Err() != nil {
			return added, &errs.Cancelled{}
		}
	}
	log.Debugf("%s: inserted %d revisions", r, added)
	return
}

func (r *Repository) insertRecord(rec *Record) (int, error) {
	switch rec.Kind {
	case TextRecord:
		lines := weave.SplitLines(string(rec.Data))
		if sha := weave.Sha1Lines(lines); rec.Sha1 != "" && sha != rec.Sha1 {
			return 0, &errs.InvalidChecksum{Object: rec.ID + " " + rec.Version, Expected: rec.Sha1, Actual: sha}
		}
		w, err := r.FileWeave(rec.ID)
		if err != nil && !errs.IsKind(err, "NoSuchFile") {
			return 0, err
		}
		if w != nil && w.HasVersion(rec.Version) {
			return 0, nil
		}
		_, err = r.addText(rec.ID, rec.Version, rec.Parents, lines)
		return 0, err
	case InventoryRecord:
		lines := weave.SplitLines(string(rec.Data))
		if sha := weave.Sha1Lines(lines); rec.Sha1 != "" && sha != rec.Sha1 {
			return 0, &errs.InvalidChecksum{Object: "inventory " + rec.ID, Expected: rec.Sha1, Actual: sha}
		}
		w, err := r.inventoryWeave()
		if err != nil {
			return 0, err
		}
		if !w.HasVersion(rec.ID) {
			lines, err = r.convertInventory(rec.ID, lines)
			if err != nil {
				return 0, err
			}
			_, err = r.addInventoryLines(rec.ID, rec.Parents, lines)
			if err != nil {
				return 0, err
			}
		}
		return 0, r.addAncestry(rec.ID, rec.Parents)
	case SignatureRecord:
		has, err := r.HasSignature(rec.ID)
		if err != nil || has {
			return 0, err
		}
		return 0, r.revs.AddBytes(rec.ID, rec.Data, sigSuffix)
	case RevisionRecord:
		rev, err := revision.Read(rec.Data)
		if err != nil {
			return 0, err
		}
		if rev.ID != rec.ID {
			return 0, &errs.CorruptFile{Path: rec.ID, Msg: "record holds revision " + rev.ID}
		}
		has, err := r.HasRevision(rec.ID)
		if err != nil || has {
			return 0, err
		}
		sha, err := r.InventorySha1(rec.ID)
		if err != nil {
			return 0, errors.Wrap(err, "revision before its inventory")
		}
		if rev.InventorySha1 != "" && sha != rev.InventorySha1 {
			// the inventory was reserialized for this format
			rev.InventorySha1 = sha
			rec = &Record{Kind: rec.Kind, ID: rec.ID, Data: revision.Write(rev)}
		}
		return 1, r.revs.AddBytes(rec.ID, rec.Data, "")
	}
	return 0, errors.Errorf("unknown record kind %q", rec.Kind)
}

// convertInventory reserializes an inventory for this repository's
// format when the sender used another one.
func (r *Repository) convertInventory(revID string, lines []string) ([]string, error) {
	data := []byte(joinLines(lines))
	inv, err := inventory.ReadFormat(data, revID)
	if err != nil {
		return nil, err
	}
	ser := r.Format.Serializer()
	if out, err := ser.Write(inv); err == nil && string(out) == string(data) {
		return lines, nil
	}
	return ser.Lines(inv)
}

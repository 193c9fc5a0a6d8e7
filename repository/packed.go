package repository

import (
	"io"

	. "github.com/stevegt/goadapt"
	"github.com/t7a/weft/errs"
	"github.com/ulikunitz/xz"
	"github.com/vmihailenco/msgpack"
)

// A packed stream is an xz-compressed sequence of msgpack records
// ended by a record with an empty kind.

// WritePacked drains s into w and returns the number of records
// written.
func WritePacked(w io.Writer, s Stream) (n int, err error) {
	defer Return(&err)
	xw, err := xz.NewWriter(w)
	Ck(err)
	enc := msgpack.NewEncoder(xw)
	for {
		rec, nerr := s.Next()
		if nerr == io.EOF {
			break
		}
		if nerr != nil {
			// keep the kind; Ck would wrap it
			return n, nerr
		}
		err = enc.Encode(rec)
		Ck(err)
		n++
	}
	err = enc.Encode(&Record{})
	Ck(err)
	err = xw.Close()
	Ck(err)
	return
}

type packedStream struct {
	dec  *msgpack.Decoder
	done bool
}

// ReadPacked returns a Stream over a packed stream.  A stream that
// stops before its end record is corrupt.
func ReadPacked(r io.Reader) (Stream, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, &errs.CorruptFile{Path: "packed stream", Msg: err.Error()}
	}
	return &packedStream{dec: msgpack.NewDecoder(xr)}, nil
}

func (p *packedStream) Next() (*Record, error) {
	if p.done {
		return nil, io.EOF
	}
	rec := &Record{}
	err := p.dec.Decode(rec)
	if err != nil {
		return nil, &errs.CorruptFile{Path: "packed stream", Msg: err.Error()}
	}
	if rec.Kind == "" {
		p.done = true
		return nil, io.EOF
	}
	return rec, nil
}

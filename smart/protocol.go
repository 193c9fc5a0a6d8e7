// Package smart is weft's remote protocol.  A client sends Requests
// over a Medium and the server answers each with one Response; either
// side may follow its message with a chunked body.  Messages are
// msgpack-encoded.
package smart

import (
	"io"

	"github.com/t7a/weft/errs"
)

// StatusOK is the first word of a successful response.  Any other
// status is an error kind name with the error's arguments in Args.
const StatusOK = "ok"

type Request struct {
	Verb string   `msgpack:"verb"`
	Args []string `msgpack:"args"`
	Body []byte   `msgpack:"body,omitempty"`
	// Chunked requests are followed by Chunk messages up to one with
	// Last set.
	Chunked bool `msgpack:"chunked,omitempty"`
}

type Response struct {
	Status  string   `msgpack:"status"`
	Args    []string `msgpack:"args"`
	Body    []byte   `msgpack:"body,omitempty"`
	Chunked bool     `msgpack:"chunked,omitempty"`
}

// Chunk is one piece of a chunked body.  The Last chunk carries no
// data.
type Chunk struct {
	Data []byte `msgpack:"data"`
	Last bool   `msgpack:"last"`
}

// Err returns the error a failed response carries, nil when it is ok.
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return errs.FromWire(r.Status, r.Args)
}

func okResponse(args ...string) *Response {
	return &Response{Status: StatusOK, Args: args}
}

func errResponse(err error) *Response {
	kind, args := errs.ToWire(err)
	return &Response{Status: kind, Args: args}
}

// sendBody splits rd into chunks and sends them, ending with the Last
// chunk.
func sendBody(m Medium, rd io.Reader) (err error) {
	c, err := Chunker{}.Init()
	if err != nil {
		return
	}
	c.Start(rd)
	buf := make([]byte, c.MaxSize)
	for {
		chunk, err := c.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		err = m.Send(&Chunk{Data: chunk.Data})
		if err != nil {
			return err
		}
	}
	return m.Send(&Chunk{Last: true})
}

// bodyReader reads a chunked body off a medium.  It must be read to
// EOF (or drained) before the next message.
type bodyReader struct {
	m    Medium
	buf  []byte
	done bool
}

func newBodyReader(m Medium) *bodyReader {
	return &bodyReader{m: m}
}

func (b *bodyReader) Read(p []byte) (n int, err error) {
	for len(b.buf) == 0 {
		if b.done {
			return 0, io.EOF
		}
		var c Chunk
		err = b.m.Recv(&c)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		b.buf = c.Data
		b.done = c.Last
	}
	n = copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// drain discards what is left of the body.
func (b *bodyReader) drain() error {
	_, err := io.Copy(io.Discard, b)
	return err
}

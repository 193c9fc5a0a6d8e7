package smart

import (
	"io"

	"github.com/restic/chunker"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	defMinSize = 64 * kiB
	defMaxSize = 1 * miB
)

// wirePoly is fixed so the same body always splits the same way.
const wirePoly = chunker.Pol(0x3DA3358B4DC173)

// Chunker lightly wraps restic's chunker; it cuts bodies at
// content-defined boundaries between MinSize and MaxSize.
type Chunker struct {
	Poly    chunker.Pol
	C       *chunker.Chunker
	MinSize uint
	MaxSize uint
}

func (c Chunker) Init() (res *Chunker, err error) {
	if c.MinSize == 0 {
		c.MinSize = defMinSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = defMaxSize
	}
	if c.Poly == 0 {
		c.Poly = wirePoly
	}
	return &c, err
}

func (c *Chunker) Start(rd io.Reader) {
	c.C = chunker.NewWithBoundaries(rd, c.Poly, c.MinSize, c.MaxSize)
}

// Next returns the next chunk, io.EOF after the last one.  The chunk's
// Data aliases buf, which must hold at least MaxSize bytes.
func (c *Chunker) Next(buf []byte) (chunk chunker.Chunk, err error) {
	return c.C.Next(buf)
}

package smart

import (
	"bufio"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// Medium carries whole messages between client and server.  Recv
// returns io.EOF when the peer has gone away between messages.
type Medium interface {
	Send(v interface{}) error
	Recv(v interface{}) error
	Close() error
}

// streamMedium frames messages by msgpack itself over a byte stream.
type streamMedium struct {
	conn io.ReadWriteCloser
	w    *bufio.Writer
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
	mu   sync.Mutex
}

// NewStreamMedium returns a medium over a connected byte stream such
// as a TCP connection or one end of a net.Pipe.
func NewStreamMedium(conn io.ReadWriteCloser) Medium {
	w := bufio.NewWriter(conn)
	return &streamMedium{
		conn: conn,
		w:    w,
		enc:  msgpack.NewEncoder(w),
		dec:  msgpack.NewDecoder(bufio.NewReader(conn)),
	}
}

func (s *streamMedium) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.enc.Encode(v)
	if err != nil {
		return errors.Wrap(err, "send")
	}
	return s.w.Flush()
}

func (s *streamMedium) Recv(v interface{}) error {
	err := s.dec.Decode(v)
	if err == io.EOF {
		return err
	}
	return errors.Wrap(err, "recv")
}

func (s *streamMedium) Close() error { return s.conn.Close() }

// wsMedium sends one message per binary websocket frame.
type wsMedium struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWebsocketMedium(conn *websocket.Conn) Medium {
	return &wsMedium{conn: conn}
}

func (w *wsMedium) Send(v interface{}) error {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "send")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (w *wsMedium) Recv(v interface{}) error {
	_, buf, err := w.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return io.EOF
		}
		return errors.Wrap(err, "recv")
	}
	return errors.Wrap(msgpack.Unmarshal(buf, v), "recv")
}

func (w *wsMedium) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	w.mu.Lock()
	_ = w.conn.WriteMessage(websocket.CloseMessage, msg)
	w.mu.Unlock()
	return w.conn.Close()
}

// WebsocketPath is where the server's http handler listens.
const WebsocketPath = "/weft"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

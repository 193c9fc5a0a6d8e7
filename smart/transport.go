package smart

import (
	"bytes"
	"io"
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/transport"
)

func init() {
	transport.Register("weft", dialTransport)
	transport.Register("weft+ws", dialTransport)
}

func dialTransport(scheme, host string, segs []string) (transport.Transport, error) {
	c, err := Dial(scheme, host)
	if err != nil {
		return nil, err
	}
	return NewTransport(c, segs), nil
}

// RemoteTransport runs the transport vocabulary as requests to a
// smart server.  Clones share the client.  OS-level locks are not
// possible; lock directories work.
type RemoteTransport struct {
	c    *Client
	segs []string
}

// NewTransport returns a transport on the server path segs, which
// are unescaped.
func NewTransport(c *Client, segs []string) *RemoteTransport {
	return &RemoteTransport{c: c, segs: segs}
}

func (t *RemoteTransport) Client() *Client { return t.c }

func (t *RemoteTransport) Close() error { return t.c.Close() }

// serverPath escapes and joins path segments.
func serverPath(segs []string) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = transport.Escape(s)
	}
	return strings.Join(parts, "/")
}

func (t *RemoteTransport) Base() string {
	p := serverPath(t.segs)
	if p != "" {
		p += "/"
	}
	return t.c.Base() + p
}

func (t *RemoteTransport) Abspath(relpath string) (string, error) {
	return transport.Join(t.Base(), relpath)
}

// path is relpath as the server sees it.
func (t *RemoteTransport) path(relpath string) (string, error) {
	abs, err := t.Abspath(relpath)
	if err != nil {
		return "", err
	}
	return transport.Relpath(t.c.Base(), abs)
}

func (t *RemoteTransport) Clone(relpath string) (transport.Transport, error) {
	abs, err := t.Abspath(relpath)
	if err != nil {
		return nil, err
	}
	_, _, segs, err := transport.ParseURL(abs)
	if err != nil {
		return nil, err
	}
	return NewTransport(t.c, segs), nil
}

// call sends verb with relpath, resolved, as the first argument.
func (t *RemoteTransport) call(verb, relpath string, body io.Reader, args ...string) (*Response, []byte, error) {
	p, err := t.path(relpath)
	if err != nil {
		return nil, nil, err
	}
	return t.c.Call(verb, append([]string{p}, args...), body)
}

func (t *RemoteTransport) Has(relpath string) (bool, error) {
	resp, _, err := t.call("has", relpath, nil)
	if err != nil {
		return false, err
	}
	return len(resp.Args) > 0 && resp.Args[0] == "yes", nil
}

func (t *RemoteTransport) Get(relpath string) (io.ReadCloser, error) {
	buf, err := t.GetBytes(relpath)
	if err != nil {
		return nil, err
	}
	return ioutil.NopCloser(bytes.NewReader(buf)), nil
}

func (t *RemoteTransport) GetBytes(relpath string) ([]byte, error) {
	_, body, err := t.call("get", relpath, nil)
	return body, err
}

func (t *RemoteTransport) Put(relpath string, rd io.Reader) error {
	_, _, err := t.call("put", relpath, rd)
	return err
}

func (t *RemoteTransport) PutBytes(relpath string, data []byte) error {
	return t.Put(relpath, bytes.NewReader(data))
}

func (t *RemoteTransport) Mkdir(relpath string) error {
	_, _, err := t.call("mkdir", relpath, nil)
	return err
}

func (t *RemoteTransport) Rmdir(relpath string) error {
	_, _, err := t.call("rmdir", relpath, nil)
	return err
}

func (t *RemoteTransport) Rename(from, to string) error {
	pt, err := t.path(to)
	if err != nil {
		return err
	}
	_, _, err = t.call("rename", from, nil, pt)
	return err
}

func (t *RemoteTransport) Delete(relpath string) error {
	_, _, err := t.call("delete", relpath, nil)
	return err
}

func (t *RemoteTransport) ListDir(relpath string) ([]string, error) {
	resp, _, err := t.call("list_dir", relpath, nil)
	if err != nil {
		return nil, err
	}
	return resp.Args, nil
}

func (t *RemoteTransport) Stat(relpath string) (*transport.Stat, error) {
	resp, _, err := t.call("stat", relpath, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Args) != 2 {
		return nil, &errs.Remote{ErrKind: "BadResponse", Args: resp.Args}
	}
	size, err := strconv.ParseInt(resp.Args[1], 10, 64)
	if err != nil {
		return nil, &errs.Remote{ErrKind: "BadResponse", Args: resp.Args}
	}
	return &transport.Stat{Size: size, IsDir: resp.Args[0] == "directory"}, nil
}

func (t *RemoteTransport) Listable() bool { return true }

func (t *RemoteTransport) LockRead(relpath string) (transport.Lock, error) {
	return nil, &errs.TransportNotPossible{Msg: "no OS locks over " + t.Base()}
}

func (t *RemoteTransport) LockWrite(relpath string) (transport.Lock, error) {
	return nil, &errs.TransportNotPossible{Msg: "no OS locks over " + t.Base()}
}

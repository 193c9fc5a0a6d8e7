package smart

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
)

// DefaultPort is where weft:// URLs without a port connect.
const DefaultPort = "4155"

// Client sends requests over one medium, one at a time.
type Client struct {
	m    Medium
	base string
	mu   sync.Mutex
}

// NewClient returns a client on an established medium.  base is the
// scheme://host/ URL the server's root answers to.
func NewClient(m Medium, base string) *Client {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &Client{m: m, base: base}
}

// Dial connects to the server for a weft:// or weft+ws:// host.
func Dial(scheme, host string) (*Client, error) {
	base := scheme + "://" + host + "/"
	switch scheme {
	case "weft":
		addr := host
		if _, _, err := net.SplitHostPort(host); err != nil {
			addr = net.JoinHostPort(host, DefaultPort)
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", base)
		}
		return NewClient(NewStreamMedium(conn), base), nil
	case "weft+ws":
		conn, _, err := websocket.DefaultDialer.Dial("ws://"+host+WebsocketPath, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", base)
		}
		return NewClient(NewWebsocketMedium(conn), base), nil
	}
	return nil, &errs.UnsupportedFormat{Format: scheme, Msg: "not a smart protocol scheme"}
}

// Base returns the URL of the server's root.
func (c *Client) Base() string { return c.base }

func (c *Client) Close() error { return c.m.Close() }

// Call sends one request and returns the ok response and its body.
// A non-nil body is sent chunked.  An error response comes back as
// the error kind it names.
func (c *Client) Call(verb string, args []string, body io.Reader) (resp *Response, respBody []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Debugf("%s %s %v", c.base, verb, args)
	req := &Request{Verb: verb, Args: args, Chunked: body != nil}
	err = c.m.Send(req)
	if err != nil {
		return
	}
	if body != nil {
		err = sendBody(c.m, body)
		if err != nil {
			return
		}
	}
	return c.recv()
}

// CallBytes is Call with a small unchunked request body.
func (c *Client) CallBytes(verb string, args []string, body []byte) (resp *Response, respBody []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Debugf("%s %s %v", c.base, verb, args)
	err = c.m.Send(&Request{Verb: verb, Args: args, Body: body})
	if err != nil {
		return
	}
	return c.recv()
}

func (c *Client) recv() (resp *Response, respBody []byte, err error) {
	resp = &Response{}
	err = c.m.Recv(resp)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}
	respBody = resp.Body
	if resp.Chunked {
		var buf bytes.Buffer
		_, err = buf.ReadFrom(newBodyReader(c.m))
		if err != nil {
			return nil, nil, err
		}
		respBody = buf.Bytes()
	}
	err = resp.Err()
	if err != nil {
		return nil, nil, err
	}
	return
}

package smart

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/branch"
	"github.com/t7a/weft/config"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/transport"
)

// Server answers requests against the namespace below root.  Request
// paths are escaped relpaths that may not leave root.
type Server struct {
	root       transport.Transport
	cfg        *config.Config
	dispatcher *Dispatcher

	mu       sync.Mutex
	sessions int
}

func NewServer(root transport.Transport, cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Server{root: root, cfg: cfg, dispatcher: verbs}
}

// Root returns the URL the server exports.
func (s *Server) Root() string { return s.root.Base() }

// session is the state of one connection: the branches it holds write
// locks on, keyed by lock token.
type session struct {
	srv   *Server
	id    int
	locks map[string]*heldLock
}

type heldLock struct {
	path string
	b    *branch.Branch
}

func (s *Server) newSession() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return &session{srv: s, id: s.sessions, locks: map[string]*heldLock{}}
}

// close releases every lock the connection still holds.
func (ss *session) close() {
	for tok, h := range ss.locks {
		log.Debugf("session %d: releasing %s on close", ss.id, h.path)
		for h.b.IsLocked() {
			err := h.b.Unlock()
			if err != nil {
				log.Warnf("session %d: unlock %s: %v", ss.id, h.path, err)
				break
			}
		}
		delete(ss.locks, tok)
	}
}

// check refuses paths that would climb out of the server root.
func (ss *session) check(path string) error {
	if strings.HasPrefix(path, "/") {
		return &errs.PathNotChild{Path: path, Base: ss.srv.root.Base()}
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return &errs.PathNotChild{Path: path, Base: ss.srv.root.Base()}
		}
	}
	if _, err := transport.Segments(path); err != nil {
		return &errs.PathNotChild{Path: path, Base: ss.srv.root.Base()}
	}
	return nil
}

// transport returns the transport for a request path.
func (ss *session) transport(path string) (transport.Transport, error) {
	if err := ss.check(path); err != nil {
		return nil, err
	}
	if path == "" {
		return ss.srv.root, nil
	}
	return ss.srv.root.Clone(path)
}

// branch returns the branch at path.  A token picks a branch this
// connection has locked; without one a branch it has locked is still
// preferred over opening a fresh one.
func (ss *session) branch(path, token string) (*branch.Branch, error) {
	if token != "" {
		h, found := ss.locks[token]
		if !found || h.path != path {
			return nil, &errs.TokenMismatch{Given: token, Lock: path}
		}
		return h.b, nil
	}
	for _, h := range ss.locks {
		if h.path == path {
			return h.b, nil
		}
	}
	t, err := ss.transport(path)
	if err != nil {
		return nil, err
	}
	return branch.OpenWith(t, ss.srv.cfg)
}

// ServeMedium answers requests on m until the peer goes away.  It
// closes m.
func (s *Server) ServeMedium(ctx context.Context, m Medium) error {
	ss := s.newSession()
	defer m.Close()
	defer ss.close()
	log.Debugf("session %d: open", ss.id)
	for {
		var req Request
		err := m.Recv(&req)
		if err == io.EOF {
			log.Debugf("session %d: closed", ss.id)
			return nil
		}
		if err != nil {
			return err
		}
		err = s.serveOne(ctx, ss, m, &req)
		if err != nil {
			return err
		}
	}
}

// serveOne handles one request.  Only medium failures are returned;
// handler errors go back to the client.
func (s *Server) serveOne(ctx context.Context, ss *session, m Medium, req *Request) (err error) {
	var body io.Reader = bytes.NewReader(req.Body)
	var br *bodyReader
	if req.Chunked {
		br = newBodyReader(m)
		body = br
	}
	c := &Call{Ctx: ctx, Verb: Verb(req.Verb), Args: req.Args, Body: body, sess: ss}
	log.Debugf("session %d: %s %v", ss.id, req.Verb, req.Args)
	rep, herr := s.dispatcher.Dispatch(c)
	if br != nil {
		err = br.drain()
		if err != nil {
			return err
		}
	}
	if herr != nil {
		log.Debugf("session %d: %s: %v", ss.id, req.Verb, herr)
		return m.Send(errResponse(herr))
	}
	resp := okResponse(rep.Args...)
	resp.Body = rep.Body
	resp.Chunked = rep.Stream != nil
	err = m.Send(resp)
	if err != nil || rep.Stream == nil {
		return err
	}
	return sendBody(m, rep.Stream)
}

// Serve accepts connections on l, one goroutine each, until l fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go func() {
			err := s.ServeMedium(ctx, NewStreamMedium(conn))
			if err != nil {
				log.Warnf("%s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ServeHTTP upgrades the request to a websocket and serves it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade: %v", err)
		return
	}
	err = s.ServeMedium(r.Context(), NewWebsocketMedium(conn))
	if err != nil {
		log.Warnf("%s: %v", r.RemoteAddr, err)
	}
}

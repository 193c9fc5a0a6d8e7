package smart

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"

	"github.com/t7a/weft/errs"
)

type Verb string

// Handler serves one verb.
type Handler func(*Call) (*Reply, error)

// Call is one request as a handler sees it.
type Call struct {
	Ctx  context.Context
	Verb Verb
	Args []string
	// Body is the request body; chunked bodies are read as they
	// arrive.
	Body io.Reader

	sess *session
}

// Reply is what a handler answers with.  Stream, when set, is sent as
// a chunked body after the response.
type Reply struct {
	Args   []string
	Body   []byte
	Stream io.Reader
}

func ok(args ...string) (*Reply, error) {
	return &Reply{Args: args}, nil
}

// Arg returns argument i, or a BadRequest error when the request has
// too few.
func (c *Call) Arg(i int) (string, error) {
	if i >= len(c.Args) {
		return "", &errs.Remote{ErrKind: "BadRequest", Args: []string{string(c.Verb), "missing argument"}}
	}
	return c.Args[i], nil
}

// OptArg returns argument i or "".
func (c *Call) OptArg(i int) string {
	if i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Lines reads the body as newline separated words.
func (c *Call) Lines() ([]string, error) {
	var buf bytes.Buffer
	_, err := io.Copy(&buf, c.Body)
	if err != nil {
		return nil, err
	}
	return strings.Fields(buf.String()), nil
}

// Dispatcher maps verbs to handlers.  The table is filled once before
// any connection is served and only read afterwards.
type Dispatcher struct {
	handlers map[Verb]Handler
}

func NewDispatcher() *Dispatcher {
	m := make(map[Verb]Handler)
	return &Dispatcher{handlers: m}
}

// Register records handler as the function Dispatch will call for
// verb.  A later registration replaces an earlier one.
func (dp *Dispatcher) Register(handler Handler, verb Verb) {
	dp.handlers[verb] = handler
}

// Dispatch calls the handler registered for c.Verb.
func (dp *Dispatcher) Dispatch(c *Call) (*Reply, error) {
	h, found := dp.handlers[c.Verb]
	if !found {
		return nil, &errs.Remote{ErrKind: "UnknownMethod", Args: []string{string(c.Verb)}}
	}
	return h(c)
}

// Verbs lists the registered verbs, sorted.
func (dp *Dispatcher) Verbs() (verbs []string) {
	for v := range dp.handlers {
		verbs = append(verbs, string(v))
	}
	sort.Strings(verbs)
	return
}

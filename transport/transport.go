// Package transport gives the rest of weft a namespace of byte blobs
// with directory semantics.  Every implementation carries the whole
// vocabulary: get, atomic put, mkdir, rename, delete, list, stat,
// clone and OS-level locks.
package transport

import (
	"bytes"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
)

// Transport is a handle on a namespace rooted at Base().  All relpath
// arguments are URL-escaped and relative to Base().
type Transport interface {
	// Base returns the URL of the transport's root, with a trailing slash.
	Base() string
	// Abspath returns the URL of relpath.
	Abspath(relpath string) (string, error)
	// Clone returns a transport re-rooted at relpath.
	Clone(relpath string) (Transport, error)

	Has(relpath string) (bool, error)
	// Get fails with NoSuchFile when relpath is absent.
	Get(relpath string) (io.ReadCloser, error)
	GetBytes(relpath string) ([]byte, error)
	// Put atomically replaces relpath.  The parent directory must exist.
	Put(relpath string, rd io.Reader) error
	PutBytes(relpath string, data []byte) error
	// Mkdir succeeds if relpath already is a directory.
	Mkdir(relpath string) error
	// Rmdir removes an empty directory.
	Rmdir(relpath string) error
	// Rename replaces a file at to, but never a non-empty directory.
	Rename(from, to string) error
	Delete(relpath string) error
	// ListDir returns the escaped names in relpath, sorted.
	ListDir(relpath string) ([]string, error)
	Stat(relpath string) (*Stat, error)
	Listable() bool

	LockRead(relpath string) (Lock, error)
	LockWrite(relpath string) (Lock, error)
}

// Lock is an OS-level lock handle returned by LockRead and LockWrite.
type Lock interface {
	Unlock() error
}

type Stat struct {
	Size  int64
	IsDir bool
}

// Factory opens the transport for a parsed URL.
type Factory func(scheme, host string, segs []string) (Transport, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register associates a URL scheme with a transport factory.
// Implementations call it from init.
func Register(scheme string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[scheme] = factory
}

// Get opens the transport for url.  A bare path opens a local transport.
func Get(url string) (Transport, error) {
	scheme, host, segs, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	factory, ok := registry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, &errs.UnsupportedFormat{Format: scheme, Msg: "no transport for url " + url}
	}
	log.Debugf("transport %s for %s", scheme, url)
	return factory(scheme, host, segs)
}

// Schemes lists registered URL schemes.
func Schemes() (schemes []string) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for s := range registry {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return
}

// File is one entry for PutMulti.
type File struct {
	Relpath string
	Data    []byte
}

// PutMulti puts each file in order; each put is atomic, the batch is
// not.  It returns how many were written before the first failure.
func PutMulti(t Transport, files []File) (n int, err error) {
	for _, f := range files {
		err = t.PutBytes(f.Relpath, f.Data)
		if err != nil {
			return n, errors.Wrapf(err, "put %s", f.Relpath)
		}
		n++
	}
	return
}

// MkdirMulti makes each directory in order, parents first.
func MkdirMulti(t Transport, relpaths []string) (n int, err error) {
	for _, p := range relpaths {
		err = t.Mkdir(p)
		if err != nil {
			return n, err
		}
		n++
	}
	return
}

// MkdirAll makes relpath and any missing parents.
func MkdirAll(t Transport, relpath string) (err error) {
	var parts []string
	for _, p := range strings.Split(relpath, "/") {
		if p == "" || p == "." {
			continue
		}
		parts = append(parts, p)
		err = t.Mkdir(strings.Join(parts, "/"))
		if err != nil {
			return
		}
	}
	return
}

// readAll is shared by the implementations' GetBytes.
func readAll(t Transport, relpath string) (buf []byte, err error) {
	rd, err := t.Get(relpath)
	if err != nil {
		return
	}
	defer rd.Close()
	return ioutil.ReadAll(rd)
}

// putBytes is shared by the implementations' PutBytes.
func putBytes(t Transport, relpath string, data []byte) error {
	return t.Put(relpath, bytes.NewReader(data))
}

func parentOf(segs []string) []string {
	if len(segs) == 0 {
		return segs
	}
	return segs[:len(segs)-1]
}

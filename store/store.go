// Package store keeps opaque blobs keyed by id on a transport.
//
// A TextStore writes one file per id, optionally under a two hex digit
// prefix directory and optionally gzipped.  Suffixed companions such
// as signatures share the id space: id.sig sits next to id.  Reads
// accept both plain and gzipped files whatever the store writes, so a
// store can be converted in place.
package store

import (
	"bytes"
	"fmt"
	"hash/adler32"
	"io"
	"io/ioutil"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/transport"
)

const gzExt = ".gz"

// Store is what CopyAll needs from both ends.
type Store interface {
	Add(id string, rd io.Reader, suffix string) error
	Has(id, suffix string) (bool, error)
	Get(id, suffix string) (io.ReadCloser, error)
	IDs() ([]string, error)
	Suffixes() []string
}

// HashPrefix returns the fan-out directory for id, with a trailing
// slash.
func HashPrefix(id string) string {
	return fmt.Sprintf("%02x/", adler32.Checksum([]byte(id))&0xff)
}

// TextStore is a Store with one file per id.
type TextStore struct {
	t          transport.Transport
	Prefixed   bool
	Compressed bool
	// Ext is appended to every file name, e.g. ".weave".
	Ext      string
	suffixes []string
}

func NewTextStore(t transport.Transport, prefixed, compressed bool) *TextStore {
	return &TextStore{t: t, Prefixed: prefixed, Compressed: compressed}
}

func (s *TextStore) Transport() transport.Transport { return s.t }

func (s *TextStore) String() string { return s.t.Base() }

// RegisterSuffix declares a companion suffix so listing can tell
// companions from ids.
func (s *TextStore) RegisterSuffix(suffix string) error {
	if suffix == "" || strings.ContainsAny(suffix, "./") {
		return errors.Errorf("invalid store suffix %q", suffix)
	}
	for _, x := range s.suffixes {
		if x == suffix {
			return nil
		}
	}
	s.suffixes = append(s.suffixes, suffix)
	return nil
}

func (s *TextStore) Suffixes() []string { return append([]string{}, s.suffixes...) }

func (s *TextStore) checkSuffix(suffix string) error {
	if suffix == "" {
		return nil
	}
	for _, x := range s.suffixes {
		if x == suffix {
			return nil
		}
	}
	return errors.Errorf("unregistered suffix %q in %s", suffix, s)
}

// fileName is the on-disk name of id: escaped once, so any id is a
// single segment.
func fileName(id string) string { return transport.Escape(id) }

// relpath returns the escaped path of id without any .gz.
func (s *TextStore) relpath(id, suffix string) string {
	name := transport.Escape(fileName(id))
	if s.Prefixed {
		name = HashPrefix(id) + name
	}
	if suffix != "" {
		name += "." + suffix
	}
	return name + s.Ext
}

// Add stores a new id.  Replacing is not allowed; see Put.
func (s *TextStore) Add(id string, rd io.Reader, suffix string) error {
	has, err := s.Has(id, suffix)
	if err != nil {
		return err
	}
	if has {
		return &errs.RevisionAlreadyPresent{RevisionID: id, File: s.t.Base()}
	}
	return s.Put(id, rd, suffix)
}

func (s *TextStore) AddBytes(id string, data []byte, suffix string) error {
	return s.Add(id, bytes.NewReader(data), suffix)
}

// Put stores id, replacing any existing content atomically.
func (s *TextStore) Put(id string, rd io.Reader, suffix string) (err error) {
	err = s.checkSuffix(suffix)
	if err != nil {
		return
	}
	p := s.relpath(id, suffix)
	if s.Prefixed {
		err = s.t.Mkdir(strings.TrimSuffix(HashPrefix(id), "/"))
		if err != nil {
			return
		}
	}
	if s.Compressed {
		defer Return(&err)
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, err = io.Copy(gz, rd)
		Ck(err)
		err = gz.Close()
		Ck(err)
		rd = &buf
		p += gzExt
	}
	err = s.t.Put(p, rd)
	if err != nil {
		return errors.Wrapf(err, "store %s", id)
	}
	// a stale copy in the other encoding would shadow nothing but
	// would confuse listing
	other := s.relpath(id, suffix)
	if !s.Compressed {
		other += gzExt
	}
	if has, _ := s.t.Has(other); has {
		_ = s.t.Delete(other)
	}
	log.Debugf("store %s: put %s", s, p)
	return nil
}

func (s *TextStore) Has(id, suffix string) (bool, error) {
	p := s.relpath(id, suffix)
	has, err := s.t.Has(p)
	if err != nil || has {
		return has, err
	}
	return s.t.Has(p + gzExt)
}

// Get opens id, preferring the encoding the store writes.
func (s *TextStore) Get(id, suffix string) (io.ReadCloser, error) {
	p := s.relpath(id, suffix)
	first, second := p, p+gzExt
	if s.Compressed {
		first, second = second, first
	}
	for _, name := range []string{first, second} {
		rd, err := s.t.Get(name)
		if errs.IsKind(err, "NoSuchFile") {
			continue
		}
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(name, gzExt) {
			return gunzip(rd, name)
		}
		return rd, nil
	}
	return nil, &errs.NoSuchFile{Path: s.t.Base() + p}
}

func (s *TextStore) GetBytes(id, suffix string) ([]byte, error) {
	rd, err := s.Get(id, suffix)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return ioutil.ReadAll(rd)
}

type gzReadCloser struct {
	*gzip.Reader
	under io.Closer
}

func (g *gzReadCloser) Close() error {
	g.Reader.Close()
	return g.under.Close()
}

func gunzip(rd io.ReadCloser, name string) (io.ReadCloser, error) {
	gz, err := gzip.NewReader(rd)
	if err != nil {
		rd.Close()
		return nil, &errs.CorruptFile{Path: name, Msg: err.Error()}
	}
	return &gzReadCloser{gz, rd}, nil
}

// Delete removes id in whichever encoding it is stored.
func (s *TextStore) Delete(id, suffix string) error {
	p := s.relpath(id, suffix)
	err := s.t.Delete(p)
	if errs.IsKind(err, "NoSuchFile") {
		err = s.t.Delete(p + gzExt)
	}
	return err
}

// IDs lists the primary ids, sorted.  Companion files are skipped.
func (s *TextStore) IDs() (ids []string, err error) {
	if !s.t.Listable() {
		return nil, &errs.UnlistableStore{Store: s.t.Base()}
	}
	var names []string
	if s.Prefixed {
		dirs, err := s.t.ListDir(".")
		if err != nil {
			return nil, err
		}
		for _, d := range dirs {
			st, err := s.t.Stat(d)
			if err != nil {
				return nil, err
			}
			if !st.IsDir {
				continue
			}
			sub, err := s.t.ListDir(d)
			if err != nil {
				return nil, err
			}
			names = append(names, sub...)
		}
	} else {
		names, err = s.t.ListDir(".")
		if err != nil {
			return
		}
	}
	seen := map[string]bool{}
	for _, name := range names {
		name = strings.TrimSuffix(name, gzExt)
		if s.Ext != "" {
			if !strings.HasSuffix(name, s.Ext) {
				continue
			}
			name = strings.TrimSuffix(name, s.Ext)
		}
		if s.isCompanion(name) {
			continue
		}
		id, err := transport.Unescape(name)
		if err == nil {
			id, err = transport.Unescape(id)
		}
		if err != nil {
			log.Warnf("store %s: skipping %s: %v", s, name, err)
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return
}

func (s *TextStore) isCompanion(name string) bool {
	for _, suf := range s.suffixes {
		if strings.HasSuffix(name, "."+suf) {
			return true
		}
	}
	return false
}

// Total returns the number of ids and their stored size in bytes.
func (s *TextStore) Total() (count int, size int64, err error) {
	ids, err := s.IDs()
	if err != nil {
		return
	}
	for _, id := range ids {
		p := s.relpath(id, "")
		st, serr := s.t.Stat(p)
		if errs.IsKind(serr, "NoSuchFile") {
			st, serr = s.t.Stat(p + gzExt)
		}
		if serr != nil {
			return 0, 0, serr
		}
		count++
		size += st.Size
	}
	return
}

// CopyAll adds to dst every id of src, with whatever companions src
// has for it, skipping ids dst already holds.  src must be listable.
func CopyAll(dst, src Store) (copied int, err error) {
	ids, err := src.IDs()
	if err != nil {
		return
	}
	for _, id := range ids {
		has, err := dst.Has(id, "")
		if err != nil {
			return copied, err
		}
		if has {
			continue
		}
		for _, suffix := range src.Suffixes() {
			err = copyOne(dst, src, id, suffix)
			if err != nil {
				return copied, err
			}
		}
		// primary last, so its presence implies the companions
		err = copyOne(dst, src, id, "")
		if err != nil {
			return copied, err
		}
		copied++
	}
	log.Debugf("copied %d ids", copied)
	return
}

func copyOne(dst, src Store, id, suffix string) error {
	has, err := src.Has(id, suffix)
	if err != nil || !has {
		return err
	}
	rd, err := src.Get(id, suffix)
	if err != nil {
		return err
	}
	defer rd.Close()
	if has, _ := dst.Has(id, suffix); has {
		return nil
	}
	return dst.Add(id, rd, suffix)
}

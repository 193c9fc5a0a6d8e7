package transport

import (
	"bytes"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/t7a/weft/errs"
)

func init() {
	Register("memory", func(scheme, host string, segs []string) (Transport, error) {
		return &Memory{fs: memNamespace(host), segs: segs}, nil
	})
}

// memFS is one in-process namespace.  Paths are unescaped and joined
// with '/'; the root is "".
type memFS struct {
	name  string
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	locks *lockTable
}

var (
	memMu         sync.Mutex
	memNamespaces = map[string]*memFS{}
)

func memNamespace(name string) *memFS {
	memMu.Lock()
	defer memMu.Unlock()
	fs, ok := memNamespaces[name]
	if !ok {
		fs = &memFS{
			name:  name,
			files: map[string][]byte{},
			dirs:  map[string]bool{"": true},
			locks: newLockTable(),
		}
		memNamespaces[name] = fs
	}
	return fs
}

// Memory is an in-process transport, mostly for tests.  Transports
// opened on the same memory://name/ URL share one namespace.
type Memory struct {
	fs   *memFS
	segs []string
}

// NewMemory returns a transport on a fresh anonymous namespace.
func NewMemory() *Memory {
	return &Memory{fs: memNamespace(uuid.New().String())}
}

func (t *Memory) Base() string { return urlFor("memory", t.fs.name, t.segs) }

func (t *Memory) Abspath(relpath string) (string, error) {
	segs, err := resolve(t.segs, relpath)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(urlFor("memory", t.fs.name, segs), "/"), nil
}

func (t *Memory) Clone(relpath string) (Transport, error) {
	segs, err := resolve(t.segs, relpath)
	if err != nil {
		return nil, err
	}
	return &Memory{fs: t.fs, segs: segs}, nil
}

func (t *Memory) key(relpath string) (string, error) {
	segs, err := resolve(t.segs, relpath)
	if err != nil {
		return "", err
	}
	return strings.Join(segs, "/"), nil
}

func memParent(key string) string {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return ""
	}
	return key[:i]
}

func (t *Memory) noSuchFile(relpath string) error {
	return &errs.NoSuchFile{Path: t.Base() + relpath}
}

func (t *Memory) Has(relpath string) (bool, error) {
	k, err := t.key(relpath)
	if err != nil {
		return false, err
	}
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()
	_, isFile := t.fs.files[k]
	return isFile || t.fs.dirs[k], nil
}

func (t *Memory) Get(relpath string) (io.ReadCloser, error) {
	k, err := t.key(relpath)
	if err != nil {
		return nil, err
	}
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()
	data, ok := t.fs.files[k]
	if !ok {
		return nil, t.noSuchFile(relpath)
	}
	return ioutil.NopCloser(bytes.NewReader(data)), nil
}

func (t *Memory) GetBytes(relpath string) ([]byte, error) { return readAll(t, relpath) }

func (t *Memory) Put(relpath string, rd io.Reader) error {
	k, err := t.key(relpath)
	if err != nil {
		return err
	}
	// read outside the namespace lock; rd may be slow
	data, err := ioutil.ReadAll(rd)
	if err != nil {
		return errors.Wrapf(err, "put %s", relpath)
	}
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()
	if !t.fs.dirs[memParent(k)] {
		return t.noSuchFile(relpath)
	}
	if t.fs.dirs[k] {
		return &errs.FileExists{Path: t.Base() + relpath}
	}
	t.fs.files[k] = data
	return nil
}

func (t *Memory) PutBytes(relpath string, data []byte) error { return putBytes(t, relpath, data) }

func (t *Memory) Mkdir(relpath string) error {
	k, err := t.key(relpath)
	if err != nil {
		return err
	}
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()
	if t.fs.dirs[k] {
		return nil
	}
	if _, ok := t.fs.files[k]; ok {
		return &errs.FileExists{Path: t.Base() + relpath}
	}
	if !t.fs.dirs[memParent(k)] {
		return t.noSuchFile(relpath)
	}
	t.fs.dirs[k] = true
	return nil
}

// children returns the immediate children of dir key k.  Caller holds mu.
func (fs *memFS) children(k string) (names []string) {
	prefix := k + "/"
	if k == "" {
		prefix = ""
	}
	seen := map[string]bool{}
	add := func(p string) {
		if p == k || !strings.HasPrefix(p, prefix) {
			return
		}
		rest := p[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" && !seen[rest] {
			seen[rest] = true
			names = append(names, rest)
		}
	}
	for p := range fs.files {
		add(p)
	}
	for p := range fs.dirs {
		add(p)
	}
	sort.Strings(names)
	return
}

func (t *Memory) Rmdir(relpath string) error {
	k, err := t.key(relpath)
	if err != nil {
		return err
	}
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()
	if !t.fs.dirs[k] || k == "" {
		return t.noSuchFile(relpath)
	}
	if len(t.fs.children(k)) > 0 {
		return &errs.FileExists{Path: t.Base() + relpath}
	}
	delete(t.fs.dirs, k)
	return nil
}

func (t *Memory) Rename(from, to string) error {
	kf, err := t.key(from)
	if err != nil {
		return err
	}
	kt, err := t.key(to)
	if err != nil {
		return err
	}
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()
	if !t.fs.dirs[memParent(kt)] {
		return t.noSuchFile(to)
	}
	if data, ok := t.fs.files[kf]; ok {
		if t.fs.dirs[kt] {
			return &errs.FileExists{Path: t.Base() + to}
		}
		delete(t.fs.files, kf)
		t.fs.files[kt] = data
		return nil
	}
	if !t.fs.dirs[kf] || kf == "" {
		return t.noSuchFile(from)
	}
	if _, ok := t.fs.files[kt]; ok {
		return &errs.FileExists{Path: t.Base() + to}
	}
	if t.fs.dirs[kt] && len(t.fs.children(kt)) > 0 {
		return &errs.FileExists{Path: t.Base() + to}
	}
	prefix := kf + "/"
	for p, data := range t.fs.files {
		if strings.HasPrefix(p, prefix) {
			delete(t.fs.files, p)
			t.fs.files[kt+"/"+p[len(prefix):]] = data
		}
	}
	for p := range t.fs.dirs {
		if strings.HasPrefix(p, prefix) {
			delete(t.fs.dirs, p)
			t.fs.dirs[kt+"/"+p[len(prefix):]] = true
		}
	}
	delete(t.fs.dirs, kf)
	t.fs.dirs[kt] = true
	return nil
}

func (t *Memory) Delete(relpath string) error {
	k, err := t.key(relpath)
	if err != nil {
		return err
	}
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()
	if _, ok := t.fs.files[k]; !ok {
		return t.noSuchFile(relpath)
	}
	delete(t.fs.files, k)
	return nil
}

func (t *Memory) ListDir(relpath string) ([]string, error) {
	k, err := t.key(relpath)
	if err != nil {
		return nil, err
	}
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()
	if !t.fs.dirs[k] {
		return nil, t.noSuchFile(relpath)
	}
	names := t.fs.children(k)
	for i, n := range names {
		names[i] = Escape(n)
	}
	return names, nil
}

func (t *Memory) Stat(relpath string) (*Stat, error) {
	k, err := t.key(relpath)
	if err != nil {
		return nil, err
	}
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()
	if data, ok := t.fs.files[k]; ok {
		return &Stat{Size: int64(len(data))}, nil
	}
	if t.fs.dirs[k] {
		return &Stat{IsDir: true}, nil
	}
	return nil, t.noSuchFile(relpath)
}

func (t *Memory) Listable() bool { return true }

func (t *Memory) LockRead(relpath string) (Lock, error)  { return t.lock(relpath, false) }
func (t *Memory) LockWrite(relpath string) (Lock, error) { return t.lock(relpath, true) }

func (t *Memory) lock(relpath string, exclusive bool) (Lock, error) {
	k, err := t.key(relpath)
	if err != nil {
		return nil, err
	}
	return t.fs.locks.take(k, t.Base()+relpath, exclusive)
}

// lockTable holds in-process read/write locks keyed by path.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*memLock
}

type memLock struct {
	readers int
	writer  bool
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[string]*memLock{}}
}

func (lt *lockTable) take(key, display string, exclusive bool) (Lock, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ml, ok := lt.locks[key]
	if !ok {
		ml = &memLock{}
		lt.locks[key] = ml
	}
	if ml.writer || (exclusive && ml.readers > 0) {
		return nil, &errs.LockContention{Lock: display}
	}
	if exclusive {
		ml.writer = true
	} else {
		ml.readers++
	}
	return &tableLock{lt: lt, key: key, exclusive: exclusive}, nil
}

type tableLock struct {
	lt        *lockTable
	key       string
	exclusive bool
	done      bool
}

func (l *tableLock) Unlock() error {
	l.lt.mu.Lock()
	defer l.lt.mu.Unlock()
	if l.done {
		return &errs.LockNotHeld{Lock: l.key}
	}
	l.done = true
	ml := l.lt.locks[l.key]
	if l.exclusive {
		ml.writer = false
	} else {
		ml.readers--
	}
	if !ml.writer && ml.readers == 0 {
		delete(l.lt.locks, l.key)
	}
	return nil
}

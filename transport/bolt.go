package transport

import (
	"bytes"
	"io"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	bolt "go.etcd.io/bbolt"
)

func init() {
	Register("bolt", openBoltURL)
}

var (
	bucketFiles = []byte("files")
	bucketDirs  = []byte("dirs")
	// bbolt rejects empty keys, so every key starts with '/'
	boltRoot = []byte("/")
)

// boltDB is one open database file shared by every transport on it.
type boltDB struct {
	path  string
	db    *bolt.DB
	locks *lockTable
}

var (
	boltMu  sync.Mutex
	boltDBs = map[string]*boltDB{}
)

// Bolt keeps a whole namespace in one bbolt file.  URLs look like
// bolt:///abs/path/store.db/inner/path: the first segment ending in
// ".db" names the file, the rest is the path inside it.
type Bolt struct {
	bdb  *boltDB
	segs []string
}

func openBoltURL(scheme, host string, segs []string) (Transport, error) {
	for i, s := range segs {
		if strings.HasSuffix(s, ".db") {
			bdb, err := openBoltDB("/" + strings.Join(segs[:i+1], "/"))
			if err != nil {
				return nil, err
			}
			return &Bolt{bdb: bdb, segs: append([]string{}, segs[i+1:]...)}, nil
		}
	}
	return nil, &errs.UnsupportedFormat{Format: scheme, Msg: "bolt url needs a .db file segment"}
}

// OpenBolt opens (creating if needed) the database file at path and
// returns a transport on its root.
func OpenBolt(path string) (*Bolt, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	bdb, err := openBoltDB(abs)
	if err != nil {
		return nil, err
	}
	return &Bolt{bdb: bdb}, nil
}

func openBoltDB(path string) (*boltDB, error) {
	boltMu.Lock()
	defer boltMu.Unlock()
	if bdb, ok := boltDBs[path]; ok {
		return bdb, nil
	}
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &errs.LockFailed{Lock: path, Reason: err.Error()}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		dirs, err := tx.CreateBucketIfNotExists(bucketDirs)
		if err != nil {
			return err
		}
		return dirs.Put(boltRoot, []byte{1})
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "init %s", path)
	}
	log.Debugf("bolt open %s", path)
	bdb := &boltDB{path: path, db: db, locks: newLockTable()}
	boltDBs[path] = bdb
	return bdb, nil
}

// Close closes the database file under t; every transport sharing it
// becomes unusable.
func (t *Bolt) Close() error {
	boltMu.Lock()
	defer boltMu.Unlock()
	delete(boltDBs, t.bdb.path)
	return t.bdb.db.Close()
}

func (t *Bolt) host() string { return "" }

func (t *Bolt) rootSegs() []string {
	return strings.Split(strings.TrimPrefix(t.bdb.path, "/"), "/")
}

func (t *Bolt) Base() string {
	return urlFor("bolt", t.host(), append(t.rootSegs(), t.segs...))
}

func (t *Bolt) Abspath(relpath string) (string, error) {
	segs, err := resolve(t.segs, relpath)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(urlFor("bolt", t.host(), append(t.rootSegs(), segs...)), "/"), nil
}

func (t *Bolt) Clone(relpath string) (Transport, error) {
	segs, err := resolve(t.segs, relpath)
	if err != nil {
		return nil, err
	}
	return &Bolt{bdb: t.bdb, segs: segs}, nil
}

func (t *Bolt) key(relpath string) ([]byte, error) {
	segs, err := resolve(t.segs, relpath)
	if err != nil {
		return nil, err
	}
	return []byte("/" + strings.Join(segs, "/")), nil
}

func boltParent(k []byte) []byte {
	i := bytes.LastIndexByte(k, '/')
	if i <= 0 {
		return boltRoot
	}
	return k[:i]
}

func boltPrefix(k []byte) []byte {
	if bytes.Equal(k, boltRoot) {
		return boltRoot
	}
	return append(append([]byte{}, k...), '/')
}

func isRoot(k []byte) bool { return bytes.Equal(k, boltRoot) }

func (t *Bolt) noSuchFile(relpath string) error {
	return &errs.NoSuchFile{Path: t.Base() + relpath}
}

func (t *Bolt) Has(relpath string) (ok bool, err error) {
	k, err := t.key(relpath)
	if err != nil {
		return
	}
	err = t.bdb.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketFiles).Get(k) != nil || tx.Bucket(bucketDirs).Get(k) != nil
		return nil
	})
	return
}

func (t *Bolt) Get(relpath string) (io.ReadCloser, error) {
	k, err := t.key(relpath)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = t.bdb.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketFiles).Get(k)
		if v == nil {
			return t.noSuchFile(relpath)
		}
		// v is only valid inside the transaction
		data = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ioutil.NopCloser(bytes.NewReader(data)), nil
}

func (t *Bolt) GetBytes(relpath string) ([]byte, error) { return readAll(t, relpath) }

func (t *Bolt) Put(relpath string, rd io.Reader) error {
	k, err := t.key(relpath)
	if err != nil {
		return err
	}
	data, err := ioutil.ReadAll(rd)
	if err != nil {
		return errors.Wrapf(err, "put %s", relpath)
	}
	return t.bdb.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDirs).Get(boltParent(k)) == nil {
			return t.noSuchFile(relpath)
		}
		if tx.Bucket(bucketDirs).Get(k) != nil {
			return &errs.FileExists{Path: t.Base() + relpath}
		}
		return tx.Bucket(bucketFiles).Put(k, data)
	})
}

func (t *Bolt) PutBytes(relpath string, data []byte) error { return putBytes(t, relpath, data) }

func (t *Bolt) Mkdir(relpath string) error {
	k, err := t.key(relpath)
	if err != nil {
		return err
	}
	return t.bdb.db.Update(func(tx *bolt.Tx) error {
		dirs := tx.Bucket(bucketDirs)
		if dirs.Get(k) != nil {
			return nil
		}
		if tx.Bucket(bucketFiles).Get(k) != nil {
			return &errs.FileExists{Path: t.Base() + relpath}
		}
		if dirs.Get(boltParent(k)) == nil {
			return t.noSuchFile(relpath)
		}
		return dirs.Put(k, []byte{1})
	})
}

// withPrefix calls f for every key in b strictly below dir k.
func withPrefix(b *bolt.Bucket, k []byte, f func(key, value []byte)) {
	prefix := boltPrefix(k)
	c := b.Cursor()
	for key, v := c.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, v = c.Next() {
		if len(key) == len(prefix) {
			continue
		}
		f(key, v)
	}
}

func childNames(tx *bolt.Tx, k []byte) (names []string) {
	seen := map[string]bool{}
	n := len(boltPrefix(k))
	add := func(key, _ []byte) {
		rest := string(key[n:])
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		if !seen[rest] {
			seen[rest] = true
			names = append(names, rest)
		}
	}
	withPrefix(tx.Bucket(bucketFiles), k, add)
	withPrefix(tx.Bucket(bucketDirs), k, add)
	sort.Strings(names)
	return
}

func (t *Bolt) Rmdir(relpath string) error {
	k, err := t.key(relpath)
	if err != nil {
		return err
	}
	return t.bdb.db.Update(func(tx *bolt.Tx) error {
		dirs := tx.Bucket(bucketDirs)
		if isRoot(k) || dirs.Get(k) == nil {
			return t.noSuchFile(relpath)
		}
		if len(childNames(tx, k)) > 0 {
			return &errs.FileExists{Path: t.Base() + relpath}
		}
		return dirs.Delete(k)
	})
}

func (t *Bolt) Rename(from, to string) error {
	kf, err := t.key(from)
	if err != nil {
		return err
	}
	kt, err := t.key(to)
	if err != nil {
		return err
	}
	return t.bdb.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		dirs := tx.Bucket(bucketDirs)
		if dirs.Get(boltParent(kt)) == nil {
			return t.noSuchFile(to)
		}
		if v := files.Get(kf); v != nil {
			if dirs.Get(kt) != nil {
				return &errs.FileExists{Path: t.Base() + to}
			}
			data := append([]byte{}, v...)
			if err := files.Delete(kf); err != nil {
				return err
			}
			return files.Put(kt, data)
		}
		if isRoot(kf) || dirs.Get(kf) == nil {
			return t.noSuchFile(from)
		}
		if files.Get(kt) != nil || (dirs.Get(kt) != nil && len(childNames(tx, kt)) > 0) {
			return &errs.FileExists{Path: t.Base() + to}
		}
		type kv struct{ k, v []byte }
		var movedFiles, movedDirs []kv
		collect := func(dst *[]kv) func(key, v []byte) {
			return func(key, v []byte) {
				*dst = append(*dst, kv{append([]byte{}, key...), append([]byte{}, v...)})
			}
		}
		withPrefix(files, kf, collect(&movedFiles))
		withPrefix(dirs, kf, collect(&movedDirs))
		movedDirs = append(movedDirs, kv{kf, []byte{1}})
		move := func(b *bolt.Bucket, items []kv) error {
			for _, it := range items {
				if err := b.Delete(it.k); err != nil {
					return err
				}
				nk := append(append([]byte{}, kt...), it.k[len(kf):]...)
				if err := b.Put(nk, it.v); err != nil {
					return err
				}
			}
			return nil
		}
		if err := move(files, movedFiles); err != nil {
			return err
		}
		return move(dirs, movedDirs)
	})
}

func (t *Bolt) Delete(relpath string) error {
	k, err := t.key(relpath)
	if err != nil {
		return err
	}
	return t.bdb.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		if files.Get(k) == nil {
			return t.noSuchFile(relpath)
		}
		return files.Delete(k)
	})
}

func (t *Bolt) ListDir(relpath string) (names []string, err error) {
	k, err := t.key(relpath)
	if err != nil {
		return
	}
	err = t.bdb.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDirs).Get(k) == nil {
			return t.noSuchFile(relpath)
		}
		for _, n := range childNames(tx, k) {
			names = append(names, Escape(n))
		}
		return nil
	})
	return
}

func (t *Bolt) Stat(relpath string) (st *Stat, err error) {
	k, err := t.key(relpath)
	if err != nil {
		return
	}
	err = t.bdb.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketFiles).Get(k); v != nil {
			st = &Stat{Size: int64(len(v))}
			return nil
		}
		if tx.Bucket(bucketDirs).Get(k) != nil {
			st = &Stat{IsDir: true}
			return nil
		}
		return t.noSuchFile(relpath)
	})
	return
}

func (t *Bolt) Listable() bool { return true }

// bbolt holds an exclusive flock on the file while it is open, so
// these locks only need to arbitrate within the process.
func (t *Bolt) LockRead(relpath string) (Lock, error)  { return t.lock(relpath, false) }
func (t *Bolt) LockWrite(relpath string) (Lock, error) { return t.lock(relpath, true) }

func (t *Bolt) lock(relpath string, exclusive bool) (Lock, error) {
	k, err := t.key(relpath)
	if err != nil {
		return nil, err
	}
	return t.bdb.locks.take(string(k), t.Base()+relpath, exclusive)
}

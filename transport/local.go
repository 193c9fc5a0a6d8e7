package transport

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/weft/errs"
)

func init() {
	Register("file", func(scheme, host string, segs []string) (Transport, error) {
		return &Local{segs: segs}, nil
	})
}

// Local is a transport over the local filesystem.  Puts go to a
// sibling temp file that is renamed into place.
type Local struct {
	segs []string
}

// NewLocal returns a transport rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{segs: localSegments(dir)}
}

func localSegments(dir string) (segs []string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	for _, s := range strings.Split(filepath.ToSlash(abs), "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return
}

func (t *Local) Base() string { return urlFor("file", "", t.segs) }

func (t *Local) Abspath(relpath string) (string, error) {
	segs, err := resolve(t.segs, relpath)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(urlFor("file", "", segs), "/"), nil
}

// LocalPath returns the OS path for relpath.  Only this package and
// lock waiters that want filesystem notifications use it.
func (t *Local) LocalPath(relpath string) (string, error) {
	segs, err := resolve(t.segs, relpath)
	if err != nil {
		return "", err
	}
	for _, s := range segs {
		if strings.ContainsRune(s, filepath.Separator) {
			return "", &errs.PathNotChild{Path: relpath, Base: t.Base()}
		}
	}
	return string(filepath.Separator) + filepath.Join(segs...), nil
}

func (t *Local) Clone(relpath string) (Transport, error) {
	segs, err := resolve(t.segs, relpath)
	if err != nil {
		return nil, err
	}
	return &Local{segs: segs}, nil
}

func (t *Local) osErr(relpath string, err error) error {
	switch {
	case os.IsNotExist(err):
		return &errs.NoSuchFile{Path: t.Base() + relpath}
	case os.IsExist(err):
		return &errs.FileExists{Path: t.Base() + relpath}
	case errors.Is(err, syscall.ENOTEMPTY):
		return &errs.FileExists{Path: t.Base() + relpath}
	}
	return errors.Wrapf(err, "%s%s", t.Base(), relpath)
}

func (t *Local) Has(relpath string) (bool, error) {
	p, err := t.LocalPath(relpath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (t *Local) Get(relpath string) (io.ReadCloser, error) {
	p, err := t.LocalPath(relpath)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(p)
	if err != nil {
		return nil, t.osErr(relpath, err)
	}
	return fh, nil
}

func (t *Local) GetBytes(relpath string) ([]byte, error) { return readAll(t, relpath) }

func (t *Local) Put(relpath string, rd io.Reader) (err error) {
	p, err := t.LocalPath(relpath)
	if err != nil {
		return
	}
	dir := filepath.Dir(p)
	if _, err = os.Stat(dir); err != nil {
		return t.osErr(relpath, err)
	}
	defer Return(&err)
	pf, err := renameio.TempFile(dir, p)
	Ck(err)
	defer pf.Cleanup()
	_, err = io.Copy(pf, rd)
	Ck(err)
	err = pf.Chmod(0644)
	Ck(err)
	err = pf.CloseAtomicallyReplace()
	Ck(err)
	log.Debugf("put %s", p)
	return
}

func (t *Local) PutBytes(relpath string, data []byte) error { return putBytes(t, relpath, data) }

func (t *Local) Mkdir(relpath string) error {
	p, err := t.LocalPath(relpath)
	if err != nil {
		return err
	}
	err = os.Mkdir(p, 0755)
	if err != nil && os.IsExist(err) {
		if fi, serr := os.Stat(p); serr == nil && fi.IsDir() {
			return nil
		}
	}
	if err != nil {
		return t.osErr(relpath, err)
	}
	return nil
}

func (t *Local) Rmdir(relpath string) error {
	p, err := t.LocalPath(relpath)
	if err != nil {
		return err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return t.osErr(relpath, err)
	}
	if !fi.IsDir() {
		return errors.Errorf("not a directory: %s%s", t.Base(), relpath)
	}
	err = syscall.Rmdir(p)
	if err != nil {
		return t.osErr(relpath, err)
	}
	return nil
}

func (t *Local) Rename(from, to string) error {
	pf, err := t.LocalPath(from)
	if err != nil {
		return err
	}
	pt, err := t.LocalPath(to)
	if err != nil {
		return err
	}
	err = os.Rename(pf, pt)
	if err != nil {
		return t.osErr(to, err)
	}
	return nil
}

func (t *Local) Delete(relpath string) error {
	p, err := t.LocalPath(relpath)
	if err != nil {
		return err
	}
	fi, err := os.Lstat(p)
	if err != nil {
		return t.osErr(relpath, err)
	}
	if fi.IsDir() {
		return errors.Errorf("is a directory: %s%s", t.Base(), relpath)
	}
	err = os.Remove(p)
	if err != nil {
		return t.osErr(relpath, err)
	}
	return nil
}

func (t *Local) ListDir(relpath string) (names []string, err error) {
	p, err := t.LocalPath(relpath)
	if err != nil {
		return
	}
	infos, err := ioutil.ReadDir(p)
	if err != nil {
		return nil, t.osErr(relpath, err)
	}
	for _, fi := range infos {
		names = append(names, Escape(fi.Name()))
	}
	sort.Strings(names)
	return
}

func (t *Local) Stat(relpath string) (*Stat, error) {
	p, err := t.LocalPath(relpath)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, t.osErr(relpath, err)
	}
	return &Stat{Size: fi.Size(), IsDir: fi.IsDir()}, nil
}

func (t *Local) Listable() bool { return true }

func (t *Local) LockRead(relpath string) (Lock, error) {
	return t.flock(relpath, false)
}

func (t *Local) LockWrite(relpath string) (Lock, error) {
	return t.flock(relpath, true)
}

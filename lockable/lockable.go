// Package lockable provides LockableFiles, the counted lock over a
// control directory that branches and repositories share.
package lockable

import (
	"bytes"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/lockdir"
	"github.com/t7a/weft/transaction"
	"github.com/t7a/weft/transport"
)

// PhysicalLock is the on-storage half of a lock.  LockableFiles only
// calls it for the outermost acquisition.
type PhysicalLock interface {
	LockWrite(token string) (string, error)
	LockRead() error
	Unlock() error
	BreakLock() error
	Create() error
}

// LockableFiles guards the files under one control directory.  Locks
// are reentrant: nested acquisitions bump a counter and share the
// transaction opened by the outermost one.
type LockableFiles struct {
	t         transport.Transport
	lockName  string
	lock      PhysicalLock
	mode      string // "", "r" or "w"
	count     int
	token     string
	txn       transaction.Transaction
	CacheSize int
}

func New(t transport.Transport, lockName string, lock PhysicalLock) *LockableFiles {
	return &LockableFiles{t: t, lockName: lockName, lock: lock, CacheSize: transaction.DefaultCacheSize}
}

func (l *LockableFiles) Transport() transport.Transport { return l.t }

func (l *LockableFiles) String() string { return l.t.Base() + l.lockName }

// CreateLock makes whatever the physical lock needs on storage.
func (l *LockableFiles) CreateLock() error { return l.lock.Create() }

func (l *LockableFiles) IsLocked() bool { return l.count > 0 }

// Mode returns "r", "w" or "" when unlocked.
func (l *LockableFiles) Mode() string { return l.mode }

func (l *LockableFiles) Token() string { return l.token }

// LockWrite takes or re-enters a write lock.  Upgrading a read lock is
// a LockError.  The returned token can be handed to another process
// to attach to the same physical lock.
func (l *LockableFiles) LockWrite(token string) (string, error) {
	switch l.mode {
	case "w":
		if token != "" && token != l.token {
			return "", &errs.TokenMismatch{Given: token, Lock: l.token}
		}
		l.count++
		return l.token, nil
	case "r":
		return "", &errs.LockError{Msg: "cannot upgrade read lock on " + l.String()}
	}
	tok, err := l.lock.LockWrite(token)
	if err != nil {
		return "", err
	}
	l.mode = "w"
	l.count = 1
	l.token = tok
	l.txn = transaction.NewWrite()
	log.Debugf("%s write-locked", l)
	return tok, nil
}

// LockRead takes or re-enters a read lock.  A write-locked object
// just counts up.
func (l *LockableFiles) LockRead() error {
	if l.mode != "" {
		l.count++
		return nil
	}
	err := l.lock.LockRead()
	if err != nil {
		return err
	}
	l.mode = "r"
	l.count = 1
	tx := transaction.NewReadOnly()
	tx.SetCacheSize(l.CacheSize)
	l.txn = tx
	log.Debugf("%s read-locked", l)
	return nil
}

// Unlock releases one level; the last one finishes the transaction and
// drops the physical lock.
func (l *LockableFiles) Unlock() (err error) {
	if l.count == 0 {
		return &errs.LockNotHeld{Lock: l.String()}
	}
	l.count--
	if l.count > 0 {
		return nil
	}
	l.txn.Finish()
	l.txn = nil
	l.mode = ""
	l.token = ""
	err = l.lock.Unlock()
	log.Debugf("%s unlocked", l)
	return
}

// BreakLock forcibly removes the physical lock, whoever holds it.
func (l *LockableFiles) BreakLock() error { return l.lock.BreakLock() }

// Transaction returns the transaction of the current lock.
func (l *LockableFiles) Transaction() (transaction.Transaction, error) {
	if l.txn == nil {
		return nil, &errs.ObjectNotLocked{Object: l.String()}
	}
	return l.txn, nil
}

// WithRead runs f under a read lock.
func (l *LockableFiles) WithRead(f func() error) (err error) {
	err = l.LockRead()
	if err != nil {
		return
	}
	defer func() {
		uerr := l.Unlock()
		if err == nil {
			err = uerr
		}
	}()
	return f()
}

// WithWrite runs f under a write lock.
func (l *LockableFiles) WithWrite(f func() error) (err error) {
	_, err = l.LockWrite("")
	if err != nil {
		return
	}
	defer func() {
		uerr := l.Unlock()
		if err == nil {
			err = uerr
		}
	}()
	return f()
}

func (l *LockableFiles) needRead() error {
	if l.mode == "" {
		return &errs.ObjectNotLocked{Object: l.String()}
	}
	return nil
}

func (l *LockableFiles) needWrite() error {
	switch l.mode {
	case "":
		return &errs.ObjectNotLocked{Object: l.String()}
	case "r":
		return &errs.ReadOnlyError{Object: l.String()}
	}
	return nil
}

func (l *LockableFiles) relpath(name string) string {
	return transport.EscapePath(name)
}

// Get opens a control file.  Any lock will do.
func (l *LockableFiles) Get(name string) (io.ReadCloser, error) {
	if err := l.needRead(); err != nil {
		return nil, err
	}
	return l.t.Get(l.relpath(name))
}

func (l *LockableFiles) GetBytes(name string) ([]byte, error) {
	if err := l.needRead(); err != nil {
		return nil, err
	}
	return l.t.GetBytes(l.relpath(name))
}

// GetUTF8 reads a control file that must be valid UTF-8.
func (l *LockableFiles) GetUTF8(name string) (string, error) {
	buf, err := l.GetBytes(name)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", &errs.CorruptFile{Path: l.t.Base() + name, Msg: "not utf-8"}
	}
	return string(buf), nil
}

// Put atomically replaces a control file.  Needs the write lock.
func (l *LockableFiles) Put(name string, rd io.Reader) error {
	if err := l.needWrite(); err != nil {
		return err
	}
	err := l.t.Put(l.relpath(name), rd)
	if err != nil {
		return errors.Wrapf(err, "put %s", name)
	}
	return nil
}

func (l *LockableFiles) PutBytes(name string, data []byte) error {
	return l.Put(name, bytes.NewReader(data))
}

func (l *LockableFiles) PutUTF8(name string, s string) error {
	if !utf8.ValidString(s) {
		return &errs.BadParameterUnicode{Param: name}
	}
	return l.PutBytes(name, []byte(s))
}

// Delete removes a control file.  Needs the write lock.
func (l *LockableFiles) Delete(name string) error {
	if err := l.needWrite(); err != nil {
		return err
	}
	return l.t.Delete(l.relpath(name))
}

// Has checks for a control file without any lock.
func (l *LockableFiles) Has(name string) (bool, error) {
	return l.t.Has(l.relpath(name))
}

// TransportLock is a PhysicalLock over transport-level file locks, as
// used by the flat formats.  The lock file is created on Create.
type TransportLock struct {
	t    transport.Transport
	name string
	held transport.Lock
}

func NewTransportLock(t transport.Transport, name string) *TransportLock {
	return &TransportLock{t: t, name: name}
}

func (l *TransportLock) Create() error {
	has, err := l.t.Has(l.name)
	if err != nil || has {
		return err
	}
	return l.t.PutBytes(l.name, nil)
}

func (l *TransportLock) LockWrite(token string) (string, error) {
	if token != "" {
		return "", &errs.TokenMismatch{Given: token, Lock: l.t.Base() + l.name}
	}
	lk, err := l.t.LockWrite(l.name)
	if err != nil {
		return "", err
	}
	l.held = lk
	return "", nil
}

func (l *TransportLock) LockRead() error {
	lk, err := l.t.LockRead(l.name)
	if err != nil {
		return err
	}
	l.held = lk
	return nil
}

func (l *TransportLock) Unlock() error {
	if l.held == nil {
		return &errs.LockNotHeld{Lock: l.t.Base() + l.name}
	}
	lk := l.held
	l.held = nil
	return lk.Unlock()
}

func (l *TransportLock) BreakLock() error {
	return &errs.TransportNotPossible{Msg: "file locks cannot be broken"}
}

// DirLock adapts a lockdir.LockDir.  Read locks take nothing on
// storage: readers rely on atomic replacement of every file.
type DirLock struct {
	*lockdir.LockDir
}

func NewDirLock(t transport.Transport, path string, timeout time.Duration, user string) *DirLock {
	ld := lockdir.New(t, path)
	ld.Timeout = timeout
	ld.User = user
	return &DirLock{ld}
}

func (l *DirLock) LockRead() error { return nil }

func (l *DirLock) Unlock() error {
	if !l.LockDir.IsHeld() {
		// read locks hold nothing
		return nil
	}
	return l.LockDir.Unlock()
}

// ReadOnlyLock refuses every write lock; read locks are free.  Legacy
// formats use it.
type ReadOnlyLock struct {
	Format string
}

func (l *ReadOnlyLock) Create() error { return nil }
func (l *ReadOnlyLock) LockWrite(token string) (string, error) {
	return "", &errs.UnsupportedFormat{Format: strings.TrimSpace(l.Format), Msg: "format is read-only"}
}
func (l *ReadOnlyLock) LockRead() error  { return nil }
func (l *ReadOnlyLock) Unlock() error    { return nil }
func (l *ReadOnlyLock) BreakLock() error { return nil }

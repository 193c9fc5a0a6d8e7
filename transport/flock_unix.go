//go:build unix

package transport

import (
	"os"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
)

type flockHandle struct {
	fh *os.File
}

func (l *flockHandle) Unlock() (err error) {
	if l.fh == nil {
		return &errs.LockNotHeld{Lock: "file lock"}
	}
	err = syscall.Flock(int(l.fh.Fd()), syscall.LOCK_UN)
	cerr := l.fh.Close()
	l.fh = nil
	if err == nil {
		err = cerr
	}
	return
}

// flock takes a non-blocking flock on relpath, creating the file for
// a write lock.  Contention is reported, never waited on.
func (t *Local) flock(relpath string, exclusive bool) (Lock, error) {
	p, err := t.LocalPath(relpath)
	if err != nil {
		return nil, err
	}
	var fh *os.File
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
		fh, err = os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
	} else {
		fh, err = os.Open(p)
	}
	if err != nil {
		return nil, t.osErr(relpath, err)
	}
	err = syscall.Flock(int(fh.Fd()), how|syscall.LOCK_NB)
	if err != nil {
		fh.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, &errs.LockContention{Lock: t.Base() + relpath}
		}
		return nil, &errs.LockFailed{Lock: t.Base() + relpath, Reason: err.Error()}
	}
	log.Debugf("flock %s exclusive=%v", p, exclusive)
	return &flockHandle{fh: fh}, nil
}

// Package lockdir implements a write lock made of a directory on a
// transport.  Taking the lock means renaming a freshly made pending
// directory, carrying an info file, onto <path>/held; rename onto a
// non-empty directory fails everywhere, so only one holder wins.
package lockdir

import (
	"os"
	"path"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/transport"
	"gopkg.in/yaml.v2"
)

const (
	heldDir  = "held"
	infoName = "info"

	DefaultPoll = 100 * time.Millisecond
)

// Info is the content of held/info.
type Info struct {
	Nonce    string    `yaml:"nonce"`
	User     string    `yaml:"user"`
	Hostname string    `yaml:"hostname"`
	PID      int       `yaml:"pid"`
	Start    time.Time `yaml:"start_time"`
}

// LockDir is a lock on path within t.  The zero Timeout means a single
// attempt.
type LockDir struct {
	t       transport.Transport
	path    string
	Timeout time.Duration
	Poll    time.Duration
	User    string

	nonce string
	held  bool
}

func New(t transport.Transport, path string) *LockDir {
	return &LockDir{t: t, path: path, Poll: DefaultPoll}
}

func (l *LockDir) rel(name ...string) string {
	return path.Join(append([]string{l.path}, name...)...)
}

func (l *LockDir) String() string {
	abs, err := l.t.Abspath(l.path)
	if err != nil {
		return l.path
	}
	return abs
}

// Create makes the lock's container directory.
func (l *LockDir) Create() error {
	return transport.MkdirAll(l.t, l.path)
}

func (l *LockDir) IsHeld() bool { return l.held }

// Token returns the nonce of the lock this object holds.
func (l *LockDir) Token() string {
	if !l.held {
		return ""
	}
	return l.nonce
}

// Peek reads the info of the current holder, or returns NoSuchFile
// when the lock is free.
func (l *LockDir) Peek() (info *Info, err error) {
	buf, err := l.t.GetBytes(l.rel(heldDir, infoName))
	if err != nil {
		return
	}
	info = &Info{}
	err = yaml.Unmarshal(buf, info)
	if err != nil {
		log.Warnf("lock %s: unreadable info: %v", l, err)
		return nil, &errs.LockFailed{Lock: l.String(), Reason: "corrupt lock info"}
	}
	return
}

// Attempt makes a single try at the lock.
func (l *LockDir) Attempt() (token string, err error) {
	if l.held {
		return "", &errs.LockError{Msg: "already holding " + l.String()}
	}
	nonce := uuid.New().String()
	pending := l.rel("pending." + nonce)
	err = l.t.Mkdir(pending)
	if err != nil {
		if errs.IsKind(err, "NoSuchFile") {
			return "", &errs.LockFailed{Lock: l.String(), Reason: "lock directory missing"}
		}
		return "", errors.Wrapf(err, "lock %s", l)
	}
	info := Info{Nonce: nonce, User: l.User, PID: os.Getpid(), Start: time.Now().UTC()}
	info.Hostname, _ = os.Hostname()
	buf, err := yaml.Marshal(&info)
	if err != nil {
		return
	}
	err = l.t.PutBytes(path.Join(pending, infoName), buf)
	if err != nil {
		l.cleanPending(pending)
		return "", errors.Wrapf(err, "lock %s", l)
	}
	err = l.t.Rename(pending, l.rel(heldDir))
	if err != nil {
		l.cleanPending(pending)
		holder, _ := l.Peek()
		return "", l.contention(holder)
	}
	// someone else may have raced the rename onto an empty held dir
	got, err := l.Peek()
	if err != nil {
		return
	}
	if got.Nonce != nonce {
		return "", l.contention(got)
	}
	l.nonce = nonce
	l.held = true
	log.Debugf("lock %s taken nonce %s", l, nonce)
	return nonce, nil
}

func (l *LockDir) cleanPending(pending string) {
	_ = l.t.Delete(path.Join(pending, infoName))
	_ = l.t.Rmdir(pending)
}

func (l *LockDir) contention(holder *Info) error {
	msg := "held"
	if holder != nil {
		msg = "held by " + holder.User + "@" + holder.Hostname + " since " + holder.Start.Format(time.RFC3339)
	}
	return &errs.LockContention{Lock: l.String(), Msg: msg}
}

// LockWrite takes the lock, retrying until Timeout has passed.  A
// non-empty token re-attaches to a lock taken earlier, possibly by
// another process, and fails with TokenMismatch unless it matches.
func (l *LockDir) LockWrite(token string) (string, error) {
	if token != "" {
		return token, l.attach(token)
	}
	deadline := time.Now().Add(l.Timeout)
	for {
		tok, err := l.Attempt()
		if err == nil || !errs.IsKind(err, "LockContention") {
			return tok, err
		}
		if !time.Now().Before(deadline) {
			return "", err
		}
		l.wait(deadline)
	}
}

func (l *LockDir) attach(token string) error {
	info, err := l.Peek()
	if errs.IsKind(err, "NoSuchFile") {
		return &errs.TokenMismatch{Given: token, Lock: ""}
	}
	if err != nil {
		return err
	}
	if info.Nonce != token {
		return &errs.TokenMismatch{Given: token, Lock: info.Nonce}
	}
	l.nonce = token
	l.held = true
	return nil
}

// ValidateToken checks token against the current holder without
// taking the lock.
func (l *LockDir) ValidateToken(token string) error {
	info, err := l.Peek()
	if err != nil {
		return &errs.TokenMismatch{Given: token}
	}
	if info.Nonce != token {
		return &errs.TokenMismatch{Given: token, Lock: info.Nonce}
	}
	return nil
}

// wait blocks until the held dir changes, the poll interval passes, or
// the deadline, whichever is first.  Local transports get filesystem
// notifications; others just poll.
func (l *LockDir) wait(deadline time.Time) {
	d := time.Until(deadline)
	if l.Poll > 0 && l.Poll < d {
		d = l.Poll
	}
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	local, ok := l.t.(*transport.Local)
	if !ok {
		<-timer.C
		return
	}
	dir, err := local.LocalPath(l.path)
	if err != nil {
		<-timer.C
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		<-timer.C
		return
	}
	defer watcher.Close()
	err = watcher.Add(dir)
	if err != nil {
		<-timer.C
		return
	}
	for {
		select {
		case ev := <-watcher.Events:
			if path.Base(ev.Name) == heldDir && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Debugf("lock %s released by holder", l)
				return
			}
		case <-watcher.Errors:
			<-timer.C
			return
		case <-timer.C:
			return
		}
	}
}

// Unlock releases a lock this object holds.
func (l *LockDir) Unlock() (err error) {
	if !l.held {
		return &errs.LockNotHeld{Lock: l.String()}
	}
	info, err := l.Peek()
	if err != nil || info.Nonce != l.nonce {
		l.held = false
		return &errs.LockNotHeld{Lock: l.String()}
	}
	// move aside first so the held name frees up in one step
	released := l.rel("released." + l.nonce)
	err = l.t.Rename(l.rel(heldDir), released)
	if err != nil {
		return errors.Wrapf(err, "unlock %s", l)
	}
	l.held = false
	l.cleanPending(released)
	log.Debugf("lock %s released nonce %s", l, l.nonce)
	l.nonce = ""
	return nil
}

// BreakLock removes whatever lock is held, by anyone.
func (l *LockDir) BreakLock() error {
	info, err := l.Peek()
	if errs.IsKind(err, "NoSuchFile") {
		return nil
	}
	nonce := uuid.New().String()
	if info != nil {
		log.Warnf("breaking lock %s held by %s@%s", l, info.User, info.Hostname)
	}
	broken := l.rel("broken." + nonce)
	err = l.t.Rename(l.rel(heldDir), broken)
	if err != nil {
		return errors.Wrapf(err, "break %s", l)
	}
	l.cleanPending(broken)
	return nil
}

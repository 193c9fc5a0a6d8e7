// Package errs defines the error kinds raised by weft.  Every kind is
// a plain struct implementing error and Kinded; callers match with
// errors.As or KindOf, which both see through pkg/errors wrapping.
package errs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kinded is implemented by every error kind in this package.
type Kinded interface {
	error
	Kind() string
}

// KindOf returns the kind name of the first Kinded error in err's
// chain, or "" if there is none.
func KindOf(err error) string {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// IsKind reports whether err carries the named kind.
func IsKind(err error, kind string) bool {
	return err != nil && KindOf(err) == kind
}

// not found

type NoSuchFile struct {
	Path  string
	Extra string
}

func (e *NoSuchFile) Kind() string { return "NoSuchFile" }
func (e *NoSuchFile) Error() string {
	if e.Extra != "" {
		return fmt.Sprintf("no such file: %s: %s", e.Path, e.Extra)
	}
	return fmt.Sprintf("no such file: %s", e.Path)
}

type NoSuchRevision struct {
	Branch   string
	Revision string
}

func (e *NoSuchRevision) Kind() string { return "NoSuchRevision" }
func (e *NoSuchRevision) Error() string {
	return fmt.Sprintf("%s has no revision %s", e.Branch, e.Revision)
}

type NotBranch struct {
	Path string
}

func (e *NotBranch) Kind() string  { return "NotBranchError" }
func (e *NotBranch) Error() string { return fmt.Sprintf("not a branch: %s", e.Path) }

type NoRepositoryPresent struct {
	Path string
}

func (e *NoRepositoryPresent) Kind() string { return "NoRepositoryPresent" }
func (e *NoRepositoryPresent) Error() string {
	return fmt.Sprintf("no repository present: %s", e.Path)
}

type HistoryMissing struct {
	Branch     string
	ObjectType string
	ObjectID   string
}

func (e *HistoryMissing) Kind() string { return "HistoryMissing" }
func (e *HistoryMissing) Error() string {
	return fmt.Sprintf("%s is missing %s %s", e.Branch, e.ObjectType, e.ObjectID)
}

// conflict

type LockContention struct {
	Lock string
	Msg  string
}

func (e *LockContention) Kind() string { return "LockContention" }
func (e *LockContention) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("could not acquire lock %s: %s", e.Lock, e.Msg)
	}
	return fmt.Sprintf("could not acquire lock %s", e.Lock)
}

type LockFailed struct {
	Lock   string
	Reason string
}

func (e *LockFailed) Kind() string { return "LockFailed" }
func (e *LockFailed) Error() string {
	return fmt.Sprintf("cannot lock %s: %s", e.Lock, e.Reason)
}

type TokenMismatch struct {
	Given string
	Lock  string
}

func (e *TokenMismatch) Kind() string { return "TokenMismatch" }
func (e *TokenMismatch) Error() string {
	return fmt.Sprintf("the lock token %q does not match lock %s", e.Given, e.Lock)
}

type DivergedBranches struct {
	Branch1 string
	Branch2 string
}

func (e *DivergedBranches) Kind() string { return "DivergedBranches" }
func (e *DivergedBranches) Error() string {
	return fmt.Sprintf("these branches have diverged: %s %s", e.Branch1, e.Branch2)
}

type TipChangeRejected struct {
	Msg string
}

func (e *TipChangeRejected) Kind() string  { return "TipChangeRejected" }
func (e *TipChangeRejected) Error() string { return "tip change rejected: " + e.Msg }

// format and validation

type UnsupportedFormat struct {
	Format string
	Msg    string
}

func (e *UnsupportedFormat) Kind() string { return "UnsupportedFormatError" }
func (e *UnsupportedFormat) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("unsupported format %q: %s", e.Format, e.Msg)
	}
	return fmt.Sprintf("unsupported format %q", e.Format)
}

type UnexpectedInventoryFormat struct {
	Msg string
}

func (e *UnexpectedInventoryFormat) Kind() string { return "UnexpectedInventoryFormat" }
func (e *UnexpectedInventoryFormat) Error() string {
	return "unexpected inventory format: " + e.Msg
}

type InvalidRevisionID struct {
	RevisionID string
	In         string
}

func (e *InvalidRevisionID) Kind() string { return "InvalidRevisionId" }
func (e *InvalidRevisionID) Error() string {
	return fmt.Sprintf("invalid revision id %q in %s", e.RevisionID, e.In)
}

type InvalidRevisionNumber struct {
	Revno string
}

func (e *InvalidRevisionNumber) Kind() string { return "InvalidRevisionNumber" }
func (e *InvalidRevisionNumber) Error() string {
	return fmt.Sprintf("invalid revision number %s", e.Revno)
}

type BadParameterUnicode struct {
	Param string
}

func (e *BadParameterUnicode) Kind() string { return "BzrBadParameterUnicode" }
func (e *BadParameterUnicode) Error() string {
	return fmt.Sprintf("parameter %q is not valid utf-8", e.Param)
}

type BadParameterContainsNewline struct {
	Param string
}

func (e *BadParameterContainsNewline) Kind() string { return "BzrBadParameterContainsNewline" }
func (e *BadParameterContainsNewline) Error() string {
	return fmt.Sprintf("parameter %q contains a newline", e.Param)
}

// storage

type UnlistableStore struct {
	Store string
}

func (e *UnlistableStore) Kind() string { return "UnlistableStore" }
func (e *UnlistableStore) Error() string {
	return fmt.Sprintf("store %s is not listable", e.Store)
}

type UnlistableBranch struct {
	Branch string
}

func (e *UnlistableBranch) Kind() string { return "UnlistableBranch" }
func (e *UnlistableBranch) Error() string {
	return fmt.Sprintf("branch %s is not listable", e.Branch)
}

// transport

type PathNotChild struct {
	Path string
	Base string
}

func (e *PathNotChild) Kind() string { return "PathNotChild" }
func (e *PathNotChild) Error() string {
	return fmt.Sprintf("path %q is not a child of %q", e.Path, e.Base)
}

type InvalidURLJoin struct {
	Base string
	Args []string
}

func (e *InvalidURLJoin) Kind() string { return "InvalidURLJoin" }
func (e *InvalidURLJoin) Error() string {
	return fmt.Sprintf("invalid url join: %s %s", e.Base, strings.Join(e.Args, " "))
}

type ReadOnlyObjectDirtied struct {
	Object string
}

func (e *ReadOnlyObjectDirtied) Kind() string { return "ReadOnlyObjectDirtiedError" }
func (e *ReadOnlyObjectDirtied) Error() string {
	return fmt.Sprintf("cannot change object %s in read only transaction", e.Object)
}

// semantic

type NotAncestor struct {
	RevisionID    string
	NotAncestorID string
}

func (e *NotAncestor) Kind() string { return "NotAncestor" }
func (e *NotAncestor) Error() string {
	return fmt.Sprintf("revision %s is not an ancestor of %s", e.NotAncestorID, e.RevisionID)
}

type RevisionAlreadyPresent struct {
	RevisionID string
	File       string
}

func (e *RevisionAlreadyPresent) Kind() string { return "RevisionAlreadyPresent" }
func (e *RevisionAlreadyPresent) Error() string {
	return fmt.Sprintf("revision %s already present in %s", e.RevisionID, e.File)
}

type RevisionNotPresent struct {
	RevisionID string
	File       string
}

func (e *RevisionNotPresent) Kind() string { return "RevisionNotPresent" }
func (e *RevisionNotPresent) Error() string {
	return fmt.Sprintf("revision %s not present in %s", e.RevisionID, e.File)
}

type LossyPushToSameVCS struct {
	Source string
	Target string
}

func (e *LossyPushToSameVCS) Kind() string { return "LossyPushToSameVCS" }
func (e *LossyPushToSameVCS) Error() string {
	return fmt.Sprintf("lossy push not possible between %s and %s: same vcs", e.Source, e.Target)
}

// implementation kinds

type LockError struct {
	Msg string
}

func (e *LockError) Kind() string  { return "LockError" }
func (e *LockError) Error() string { return "lock error: " + e.Msg }

type LockNotHeld struct {
	Lock string
}

func (e *LockNotHeld) Kind() string  { return "LockNotHeld" }
func (e *LockNotHeld) Error() string { return fmt.Sprintf("lock %s not held", e.Lock) }

type ObjectNotLocked struct {
	Object string
}

func (e *ObjectNotLocked) Kind() string  { return "ObjectNotLocked" }
func (e *ObjectNotLocked) Error() string { return fmt.Sprintf("%s is not locked", e.Object) }

type ReadOnlyError struct {
	Object string
}

func (e *ReadOnlyError) Kind() string { return "ReadOnlyError" }
func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("cannot change %s: not write locked", e.Object)
}

type FileExists struct {
	Path string
}

func (e *FileExists) Kind() string  { return "FileExists" }
func (e *FileExists) Error() string { return fmt.Sprintf("file exists: %s", e.Path) }

type TransportNotPossible struct {
	Msg string
}

func (e *TransportNotPossible) Kind() string  { return "TransportNotPossible" }
func (e *TransportNotPossible) Error() string { return "transport operation not possible: " + e.Msg }

type InvalidChecksum struct {
	Object   string
	Expected string
	Actual   string
}

func (e *InvalidChecksum) Kind() string { return "InvalidChecksum" }
func (e *InvalidChecksum) Error() string {
	return fmt.Sprintf("sha1 mismatch for %s: expected %s, got %s", e.Object, e.Expected, e.Actual)
}

type CorruptFile struct {
	Path string
	Msg  string
}

func (e *CorruptFile) Kind() string  { return "CorruptFile" }
func (e *CorruptFile) Error() string { return fmt.Sprintf("corrupt %s: %s", e.Path, e.Msg) }

type Cancelled struct{}

func (e *Cancelled) Kind() string  { return "Cancelled" }
func (e *Cancelled) Error() string { return "operation cancelled" }

// Remote carries a kind the client does not know about.
type Remote struct {
	ErrKind string
	Args    []string
}

func (e *Remote) Kind() string { return e.ErrKind }
func (e *Remote) Error() string {
	return strings.TrimSpace(fmt.Sprintf("remote error: %s %s", e.ErrKind, strings.Join(e.Args, " ")))
}

package errs

import "github.com/pkg/errors"

// ToWire flattens err to the kind name and string arguments sent in a
// remote error response.  Errors without a kind travel as "error"
// with the message as the only argument.
func ToWire(err error) (kind string, args []string) {
	var k Kinded
	if !errors.As(err, &k) {
		return "error", []string{err.Error()}
	}
	switch e := k.(type) {
	case *NoSuchFile:
		args = []string{e.Path, e.Extra}
	case *NoSuchRevision:
		args = []string{e.Branch, e.Revision}
	case *NotBranch:
		args = []string{e.Path}
	case *NoRepositoryPresent:
		args = []string{e.Path}
	case *HistoryMissing:
		args = []string{e.Branch, e.ObjectType, e.ObjectID}
	case *LockContention:
		args = []string{e.Lock, e.Msg}
	case *LockFailed:
		args = []string{e.Lock, e.Reason}
	case *TokenMismatch:
		args = []string{e.Given, e.Lock}
	case *DivergedBranches:
		args = []string{e.Branch1, e.Branch2}
	case *TipChangeRejected:
		args = []string{e.Msg}
	case *UnsupportedFormat:
		args = []string{e.Format, e.Msg}
	case *UnexpectedInventoryFormat:
		args = []string{e.Msg}
	case *InvalidRevisionID:
		args = []string{e.RevisionID, e.In}
	case *InvalidRevisionNumber:
		args = []string{e.Revno}
	case *BadParameterUnicode:
		args = []string{e.Param}
	case *BadParameterContainsNewline:
		args = []string{e.Param}
	case *UnlistableStore:
		args = []string{e.Store}
	case *UnlistableBranch:
		args = []string{e.Branch}
	case *PathNotChild:
		args = []string{e.Path, e.Base}
	case *InvalidURLJoin:
		args = append([]string{e.Base}, e.Args...)
	case *ReadOnlyObjectDirtied:
		args = []string{e.Object}
	case *NotAncestor:
		args = []string{e.RevisionID, e.NotAncestorID}
	case *RevisionAlreadyPresent:
		args = []string{e.RevisionID, e.File}
	case *RevisionNotPresent:
		args = []string{e.RevisionID, e.File}
	case *LossyPushToSameVCS:
		args = []string{e.Source, e.Target}
	case *LockError:
		args = []string{e.Msg}
	case *LockNotHeld:
		args = []string{e.Lock}
	case *ObjectNotLocked:
		args = []string{e.Object}
	case *ReadOnlyError:
		args = []string{e.Object}
	case *FileExists:
		args = []string{e.Path}
	case *TransportNotPossible:
		args = []string{e.Msg}
	case *InvalidChecksum:
		args = []string{e.Object, e.Expected, e.Actual}
	case *CorruptFile:
		args = []string{e.Path, e.Msg}
	case *Cancelled:
	case *Remote:
		args = e.Args
	default:
		args = []string{k.Error()}
	}
	return k.Kind(), args
}

type fromWireFunc func(a argv) error

// argv indexes past the end as "".
type argv []string

func (a argv) at(i int) string {
	if i < len(a) {
		return a[i]
	}
	return ""
}

var fromWire = map[string]fromWireFunc{
	"NoSuchFile":                     func(a argv) error { return &NoSuchFile{Path: a.at(0), Extra: a.at(1)} },
	"NoSuchRevision":                 func(a argv) error { return &NoSuchRevision{Branch: a.at(0), Revision: a.at(1)} },
	"NotBranchError":                 func(a argv) error { return &NotBranch{Path: a.at(0)} },
	"NoRepositoryPresent":            func(a argv) error { return &NoRepositoryPresent{Path: a.at(0)} },
	"HistoryMissing":                 func(a argv) error { return &HistoryMissing{a.at(0), a.at(1), a.at(2)} },
	"LockContention":                 func(a argv) error { return &LockContention{Lock: a.at(0), Msg: a.at(1)} },
	"LockFailed":                     func(a argv) error { return &LockFailed{Lock: a.at(0), Reason: a.at(1)} },
	"TokenMismatch":                  func(a argv) error { return &TokenMismatch{Given: a.at(0), Lock: a.at(1)} },
	"DivergedBranches":               func(a argv) error { return &DivergedBranches{a.at(0), a.at(1)} },
	"Diverged":                       func(a argv) error { return &DivergedBranches{a.at(0), a.at(1)} },
	"TipChangeRejected":              func(a argv) error { return &TipChangeRejected{Msg: a.at(0)} },
	"UnsupportedFormatError":         func(a argv) error { return &UnsupportedFormat{Format: a.at(0), Msg: a.at(1)} },
	"UnexpectedInventoryFormat":      func(a argv) error { return &UnexpectedInventoryFormat{Msg: a.at(0)} },
	"InvalidRevisionId":              func(a argv) error { return &InvalidRevisionID{a.at(0), a.at(1)} },
	"InvalidRevisionNumber":          func(a argv) error { return &InvalidRevisionNumber{Revno: a.at(0)} },
	"BzrBadParameterUnicode":         func(a argv) error { return &BadParameterUnicode{Param: a.at(0)} },
	"BzrBadParameterContainsNewline": func(a argv) error { return &BadParameterContainsNewline{Param: a.at(0)} },
	"UnlistableStore":                func(a argv) error { return &UnlistableStore{Store: a.at(0)} },
	"UnlistableBranch":               func(a argv) error { return &UnlistableBranch{Branch: a.at(0)} },
	"PathNotChild":                   func(a argv) error { return &PathNotChild{Path: a.at(0), Base: a.at(1)} },
	"InvalidURLJoin": func(a argv) error {
		e := &InvalidURLJoin{Base: a.at(0)}
		if len(a) > 1 {
			e.Args = a[1:]
		}
		return e
	},
	"ReadOnlyObjectDirtiedError": func(a argv) error { return &ReadOnlyObjectDirtied{Object: a.at(0)} },
	"NotAncestor":                func(a argv) error { return &NotAncestor{a.at(0), a.at(1)} },
	"RevisionAlreadyPresent":     func(a argv) error { return &RevisionAlreadyPresent{a.at(0), a.at(1)} },
	"RevisionNotPresent":         func(a argv) error { return &RevisionNotPresent{a.at(0), a.at(1)} },
	"LossyPushToSameVCS":         func(a argv) error { return &LossyPushToSameVCS{a.at(0), a.at(1)} },
	"LockError":                  func(a argv) error { return &LockError{Msg: a.at(0)} },
	"LockNotHeld":                func(a argv) error { return &LockNotHeld{Lock: a.at(0)} },
	"ObjectNotLocked":            func(a argv) error { return &ObjectNotLocked{Object: a.at(0)} },
	"ReadOnlyError":              func(a argv) error { return &ReadOnlyError{Object: a.at(0)} },
	"FileExists":                 func(a argv) error { return &FileExists{Path: a.at(0)} },
	"TransportNotPossible":       func(a argv) error { return &TransportNotPossible{Msg: a.at(0)} },
	"InvalidChecksum":            func(a argv) error { return &InvalidChecksum{a.at(0), a.at(1), a.at(2)} },
	"CorruptFile":                func(a argv) error { return &CorruptFile{Path: a.at(0), Msg: a.at(1)} },
	"Cancelled":                  func(a argv) error { return &Cancelled{} },
}

// FromWire rebuilds the error named by kind.  Kinds this side does
// not know come back as *Remote so the name is never lost.
func FromWire(kind string, args []string) error {
	if f, ok := fromWire[kind]; ok {
		return f(argv(args))
	}
	return &Remote{ErrKind: kind, Args: args}
}

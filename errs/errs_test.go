package errs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
)

func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func TestKindThroughWrap(t *testing.T) {
	err := errors.Wrap(&NoSuchRevision{Branch: "b", Revision: "r1"}, "reading")
	tassert(t, KindOf(err) == "NoSuchRevision", "kind %q", KindOf(err))
	tassert(t, IsKind(err, "NoSuchRevision"), "IsKind")
	var nsr *NoSuchRevision
	tassert(t, errors.As(err, &nsr), "As")
	tassert(t, nsr.Revision == "r1", "%v", nsr)
	tassert(t, KindOf(fmt.Errorf("plain")) == "", "plain error has a kind")
	tassert(t, !IsKind(nil, "NoSuchFile"), "nil has a kind")
}

func TestWireRoundTrip(t *testing.T) {
	cases := []error{
		&NoSuchFile{Path: "a/b"},
		&DivergedBranches{Branch1: "x", Branch2: "y"},
		&InvalidURLJoin{Base: "file:///", Args: []string{"..", ".."}},
		&TokenMismatch{Given: "tok", Lock: "branch-lock"},
		&Cancelled{},
	}
	for _, in := range cases {
		kind, args := ToWire(errors.Wrap(in, "ctx"))
		out := FromWire(kind, args)
		tassert(t, out.Error() == in.Error(), "%q != %q", out.Error(), in.Error())
		tassert(t, KindOf(out) == KindOf(in), "%s != %s", KindOf(out), KindOf(in))
	}
}

func TestWireUnknown(t *testing.T) {
	err := FromWire("SomethingNew", []string{"a", "b"})
	tassert(t, KindOf(err) == "SomethingNew", "%v", err)
	kind, args := ToWire(fmt.Errorf("boom"))
	tassert(t, kind == "error" && args[0] == "boom", "%s %v", kind, args)
}

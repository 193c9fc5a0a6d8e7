//go:build !unix

package transport

import "github.com/t7a/weft/errs"

func (t *Local) flock(relpath string, exclusive bool) (Lock, error) {
	return nil, &errs.LockFailed{Lock: t.Base() + relpath, Reason: "os locks not supported on this platform"}
}

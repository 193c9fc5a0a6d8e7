package transport

import (
	"net/url"
	"strings"

	"github.com/t7a/weft/errs"
)

// Relpaths handed to a Transport are URL-escaped, '/'-separated and
// relative to the transport's base.  Nothing above this package ever
// sees an unescaped path.

// Escape escapes one path segment; '/' is escaped too so an id can
// never introduce a directory.
func Escape(segment string) string {
	return url.PathEscape(segment)
}

// EscapePath escapes each segment of a '/'-separated path.
func EscapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = Escape(p)
	}
	return strings.Join(parts, "/")
}

// Unescape reverses Escape.
func Unescape(segment string) (string, error) {
	s, err := url.PathUnescape(segment)
	if err != nil {
		return "", &errs.InvalidURLJoin{Base: segment, Args: []string{err.Error()}}
	}
	return s, nil
}

// resolve applies an escaped relpath to base, which is a list of
// unescaped segments below the namespace root.  A leading '/' starts
// from the root.  Climbing above the root is an InvalidURLJoin; a
// segment that only unescapes to a dot name or holds a separator is
// PathNotChild.
func resolve(base []string, relpath string) (segs []string, err error) {
	if strings.HasPrefix(relpath, "/") {
		segs = []string{}
	} else {
		segs = append([]string{}, base...)
	}
	for _, part := range strings.Split(relpath, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(segs) == 0 {
				return nil, &errs.InvalidURLJoin{Base: "/" + strings.Join(base, "/"), Args: []string{relpath}}
			}
			segs = segs[:len(segs)-1]
		default:
			p, err := Unescape(part)
			if err != nil {
				return nil, err
			}
			if p == "." || p == ".." || strings.Contains(p, "/") {
				return nil, &errs.PathNotChild{Path: relpath, Base: "/" + strings.Join(base, "/")}
			}
			segs = append(segs, p)
		}
	}
	return segs, nil
}

// Segments returns the unescaped segments of relpath below the
// namespace root.
func Segments(relpath string) ([]string, error) {
	return resolve(nil, relpath)
}

// joinSegs renders segments as an escaped path without leading or
// trailing slashes.
func joinSegs(segs []string) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = Escape(s)
	}
	return strings.Join(parts, "/")
}

// urlFor renders scheme://host/segs/ with a trailing slash, the form
// Base() returns.
func urlFor(scheme, host string, segs []string) string {
	p := joinSegs(segs)
	if p != "" {
		p += "/"
	}
	return scheme + "://" + host + "/" + p
}

// Join resolves relpath against a base URL and returns the result
// without a trailing slash.
func Join(base, relpath string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", &errs.InvalidURLJoin{Base: base, Args: []string{relpath}}
	}
	baseSegs, err := resolve(nil, u.EscapedPath())
	if err != nil {
		return "", err
	}
	segs, err := resolve(baseSegs, relpath)
	if err != nil {
		return "", &errs.InvalidURLJoin{Base: base, Args: []string{relpath}}
	}
	return u.Scheme + "://" + u.Host + "/" + joinSegs(segs), nil
}

// Relpath returns the escaped path of abspath relative to base, or
// PathNotChild when abspath lies outside base.
func Relpath(base, abspath string) (string, error) {
	b := strings.TrimSuffix(base, "/")
	a := strings.TrimSuffix(abspath, "/")
	if a == b {
		return "", nil
	}
	if !strings.HasPrefix(a, b+"/") {
		return "", &errs.PathNotChild{Path: abspath, Base: base}
	}
	return a[len(b)+1:], nil
}

// ParseURL splits a transport URL into scheme, host and unescaped
// path segments.  A bare path is taken as a local file path.
func ParseURL(raw string) (scheme, host string, segs []string, err error) {
	if !strings.Contains(raw, "://") {
		return "file", "", localSegments(raw), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", nil, &errs.InvalidURLJoin{Base: raw, Args: []string{err.Error()}}
	}
	segs, err = resolve(nil, u.EscapedPath())
	if err != nil {
		return "", "", nil, err
	}
	return u.Scheme, u.Host, segs, nil
}

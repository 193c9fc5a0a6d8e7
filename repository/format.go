package repository

import (
	"strings"
	"time"

	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/inventory"
	"github.com/t7a/weft/lockable"
	"github.com/t7a/weft/transport"
)

const (
	FormatFile = "branch-format"
	LockName   = "branch-lock"

	// ReferenceMarker identifies a control directory that only points
	// at a branch elsewhere.
	ReferenceMarker = "Weft branch reference format 1\n"
)

// Format describes one on-disk layout of a control directory.
type Format struct {
	Name   string
	Marker string
	// Prefixed stores fan out under hash prefix directories.
	Prefixed bool
	// Compressed revision texts are gzipped.
	Compressed bool
	// RichRoot inventories give the root its own id and revision.
	RichRoot       bool
	TreeReferences bool
	ReadOnly       bool
	DirLock        bool
	// InventoryFormat is the inventory serializer written.
	InventoryFormat int
}

var (
	Format4 = &Format{
		Name:            "0.0.4",
		Marker:          "Weft branch, format 0.0.4\n",
		ReadOnly:        true,
		InventoryFormat: 5,
	}
	Format5 = &Format{
		Name:            "5",
		Marker:          "Weft branch, format 5\n",
		InventoryFormat: 5,
	}
	Format6 = &Format{
		Name:            "6",
		Marker:          "Weft branch, format 6\n",
		Prefixed:        true,
		Compressed:      true,
		DirLock:         true,
		InventoryFormat: 6,
	}
	Format7 = &Format{
		Name:            "7",
		Marker:          "Weft branch, format 7\n",
		Prefixed:        true,
		Compressed:      true,
		DirLock:         true,
		RichRoot:        true,
		TreeReferences:  true,
		InventoryFormat: 8,
	}

	// Formats lists every known format, oldest first.
	Formats = []*Format{Format4, Format5, Format6, Format7}

	Default = Format6
)

func (f *Format) String() string { return strings.TrimSpace(f.Marker) }

// FormatByName looks a format up by its short name.
func FormatByName(name string) (*Format, error) {
	for _, f := range Formats {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, &errs.UnsupportedFormat{Format: name, Msg: "unknown format name"}
}

// FormatFromMarker identifies the content of a branch-format file.
func FormatFromMarker(marker string) (*Format, error) {
	for _, f := range Formats {
		if f.Marker == marker {
			return f, nil
		}
	}
	return nil, &errs.UnsupportedFormat{Format: strings.TrimSpace(marker), Msg: "unknown branch format"}
}

// ReadMarker returns the branch-format file of a control directory.
func ReadMarker(t transport.Transport) (string, error) {
	buf, err := t.GetBytes(FormatFile)
	if errs.IsKind(err, "NoSuchFile") {
		return "", &errs.NotBranch{Path: t.Base()}
	}
	return string(buf), err
}

// Serializer returns the inventory serializer the format writes.
func (f *Format) Serializer() *inventory.Serializer {
	s, err := inventory.SerializerFor(f.InventoryFormat)
	if err != nil {
		panic(err)
	}
	return s
}

// Options tune how a control directory is opened.
type Options struct {
	LockTimeout time.Duration
	// User goes into lock info so contention messages name the holder.
	User      string
	CacheSize int
}

// DefaultOptions are used when Open is given nil.
var DefaultOptions = Options{LockTimeout: 0, User: "weft"}

// NewLockable makes the lockable control files for a format.
func (f *Format) NewLockable(t transport.Transport, opts *Options) *lockable.LockableFiles {
	if opts == nil {
		opts = &DefaultOptions
	}
	var lock lockable.PhysicalLock
	switch {
	case f.ReadOnly:
		lock = &lockable.ReadOnlyLock{Format: f.Marker}
	case f.DirLock:
		lock = lockable.NewDirLock(t, LockName, opts.LockTimeout, opts.User)
	default:
		lock = lockable.NewTransportLock(t, LockName)
	}
	l := lockable.New(t, LockName, lock)
	if opts.CacheSize > 0 {
		l.CacheSize = opts.CacheSize
	}
	return l
}

// Package transaction scopes object caches to one lock acquisition.
//
// A ReadOnly transaction caches aggressively in a bounded LRU and
// refuses dirty objects.  Write and PassThrough transactions cache
// nothing clean; Write remembers the objects dirtied under it so reads
// in the same transaction see them.
package transaction

import (
	"github.com/golang/groupcache/lru"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
)

const DefaultCacheSize = 5000

// Key identifies a cached object.  Kind is "revision", "inventory",
// "weave", "history" and so on.
type Key struct {
	Kind string
	ID   string
}

type Transaction interface {
	// Get returns a cached object.
	Get(kind, id string) (obj interface{}, ok bool)
	// RegisterClean offers an object read from storage.  Precious
	// objects survive LRU pressure until the pinned set itself
	// outgrows the cache size.
	RegisterClean(kind, id string, obj interface{}, precious bool)
	// RegisterDirty records an object about to be written.
	RegisterDirty(kind, id string, obj interface{}) error
	// WriteOK reports whether writes are allowed.
	WriteOK() bool
	SetCacheSize(n int)
	// Finish drops every cached object.  The transaction must not be
	// used afterwards.
	Finish()
}

// ReadOnly caches clean objects in an LRU.
type ReadOnly struct {
	cache    *lru.Cache
	size     int
	pinned   map[Key]interface{}
	pinOrder []Key
	finished bool
}

func NewReadOnly() *ReadOnly {
	t := &ReadOnly{pinned: map[Key]interface{}{}}
	t.SetCacheSize(DefaultCacheSize)
	return t
}

func (t *ReadOnly) SetCacheSize(n int) {
	if n < 1 {
		n = 1
	}
	t.size = n
	old := t.cache
	t.cache = lru.New(t.lruSize())
	if old != nil {
		// carry nothing over; a resize only happens at open time
		old.Clear()
	}
	for len(t.pinOrder) > t.size {
		t.unpinOldest()
	}
}

func (t *ReadOnly) lruSize() int {
	n := t.size - len(t.pinned)
	if n < 1 {
		n = 1
	}
	return n
}

func (t *ReadOnly) Get(kind, id string) (interface{}, bool) {
	k := Key{kind, id}
	if obj, ok := t.pinned[k]; ok {
		return obj, true
	}
	return t.cache.Get(k)
}

func (t *ReadOnly) RegisterClean(kind, id string, obj interface{}, precious bool) {
	if t.finished {
		return
	}
	k := Key{kind, id}
	if !precious {
		if _, ok := t.pinned[k]; ok {
			t.pinned[k] = obj
			return
		}
		t.cache.Add(k, obj)
		return
	}
	if _, ok := t.pinned[k]; !ok {
		t.pinOrder = append(t.pinOrder, k)
		t.cache.Remove(k)
	}
	t.pinned[k] = obj
	for len(t.pinOrder) > t.size {
		t.unpinOldest()
	}
	t.cache.MaxEntries = t.lruSize()
	for t.cache.Len() > t.cache.MaxEntries {
		t.cache.RemoveOldest()
	}
}

func (t *ReadOnly) unpinOldest() {
	k := t.pinOrder[0]
	t.pinOrder = t.pinOrder[1:]
	delete(t.pinned, k)
	log.Debugf("transaction unpinned %s %s", k.Kind, k.ID)
}

func (t *ReadOnly) RegisterDirty(kind, id string, obj interface{}) error {
	return &errs.ReadOnlyObjectDirtied{Object: kind + " " + id}
}

func (t *ReadOnly) WriteOK() bool { return false }

func (t *ReadOnly) Finish() {
	t.cache.Clear()
	t.pinned = map[Key]interface{}{}
	t.pinOrder = nil
	t.finished = true
}

// Len returns the number of cached objects, pinned ones included.
func (t *ReadOnly) Len() int { return t.cache.Len() + len(t.pinned) }

// Write keeps only the objects dirtied under it.
type Write struct {
	dirty    map[Key]interface{}
	finished bool
}

func NewWrite() *Write {
	return &Write{dirty: map[Key]interface{}{}}
}

func (t *Write) Get(kind, id string) (interface{}, bool) {
	obj, ok := t.dirty[Key{kind, id}]
	return obj, ok
}

func (t *Write) RegisterClean(kind, id string, obj interface{}, precious bool) {}

func (t *Write) RegisterDirty(kind, id string, obj interface{}) error {
	if t.finished {
		return &errs.LockError{Msg: "transaction finished"}
	}
	t.dirty[Key{kind, id}] = obj
	return nil
}

func (t *Write) WriteOK() bool      { return true }
func (t *Write) SetCacheSize(n int) {}
func (t *Write) Finish() {
	t.dirty = map[Key]interface{}{}
	t.finished = true
}

// PassThrough caches nothing at all.
type PassThrough struct{}

func NewPassThrough() *PassThrough { return &PassThrough{} }

func (t *PassThrough) Get(kind, id string) (interface{}, bool)                       { return nil, false }
func (t *PassThrough) RegisterClean(kind, id string, obj interface{}, precious bool) {}
func (t *PassThrough) RegisterDirty(kind, id string, obj interface{}) error          { return nil }
func (t *PassThrough) WriteOK() bool                                                 { return true }
func (t *PassThrough) SetCacheSize(n int)                                            {}
func (t *PassThrough) Finish()                                                       {}

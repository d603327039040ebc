// Package handle implements the per-process handle table the IPC layer's
// copy/move descriptor transfer writes into and reads from. It is backed
// by hashtable.Table instead of a plain slice, since handle values need
// not be densely packed the way fd numbers traditionally are.
package handle

import (
	"sync/atomic"

	"kfs/hashtable"
	"kfs/kerr"
	"kfs/limits"
)

// Handle identifies one entry in a process's handle table. Zero is never a
// valid handle, so a zeroed wire word can't silently name a live object.
type Handle uint32

const Invalid Handle = 0

// Entry is what a handle refers to: an arbitrary kernel object plus whether
// duplicating it (a copy descriptor) is permitted at all, which for
// exclusive resources (a ServerSession's receive-only end, say) it is not.
type Entry struct {
	Object   interface{}
	Copyable bool
	RefCount int
}

// Table is a single process's handle table. Handle values come from a
// monotonically advancing atomic counter, so concurrent Inserts never mint
// the same handle twice.
type Table struct {
	entries *hashtable.Table[Handle, *Entry]
	cap     *limits.Sysatomic
	next    uint32
}

// New creates an empty table that will refuse to grow past max live
// handles.
func New(max int64) *Table {
	return &Table{
		entries: hashtable.New[Handle, *Entry](64, func(h Handle) uint32 { return hashtable.HashInt(int(h)) }),
		cap:     limits.NewSysatomic(max),
	}
}

// Insert adds obj under a freshly allocated handle. It fails with
// HandleTableFull if the table is already at capacity.
func (t *Table) Insert(obj interface{}, copyable bool) (Handle, kerr.Err_t) {
	if !t.cap.Take() {
		return Invalid, kerr.HandleTableFull
	}
	h := Handle(atomic.AddUint32(&t.next, 1))
	t.entries.Set(h, &Entry{Object: obj, Copyable: copyable, RefCount: 1})
	return h, kerr.OK
}

// Get returns the entry for h, or ok=false if h is not live in this table.
func (t *Table) Get(h Handle) (*Entry, bool) {
	return t.entries.Get(h)
}

// Dup duplicates a copy-handle: it increments the entry's reference count
// and returns the same entry rather than minting a new handle, since both
// the original and the duplicate name the identical live object in this
// table — a cross-process copy mints a handle in the OTHER table via
// Insert instead.
func (t *Table) Dup(h Handle) (*Entry, kerr.Err_t) {
	e, ok := t.entries.Get(h)
	if !ok {
		return nil, kerr.InvalidMapping
	}
	if !e.Copyable {
		return nil, kerr.InvalidMapping
	}
	e.RefCount++
	return e, kerr.OK
}

// Move removes h from this table entirely and returns its entry, for a
// move-handle transfer: the destination table gets a fresh Insert of the
// returned Entry.Object, and the source process can never use h again.
func (t *Table) Move(h Handle) (*Entry, kerr.Err_t) {
	e, ok := t.entries.Get(h)
	if !ok {
		return nil, kerr.InvalidMapping
	}
	t.entries.Del(h)
	t.cap.Give()
	return e, kerr.OK
}

// Close drops a reference to h's entry; when the reference count reaches
// zero the handle is removed from the table. Closing an already-closed or
// unknown handle panics: a double close is a kernel programming error, not
// a recoverable condition.
func (t *Table) Close(h Handle) {
	e, ok := t.entries.Get(h)
	if !ok {
		panic("handle: Close of unknown handle")
	}
	e.RefCount--
	if e.RefCount <= 0 {
		t.entries.Del(h)
		t.cap.Give()
	}
}

func (t *Table) Size() int { return t.entries.Size() }

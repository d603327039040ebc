// Package paging defines the collaborator interfaces the core consumes
// from the MMU layer: kernel virtual-address-space management, and the
// per-process address-space bookkeeping that owns userspace mappings. A
// real kernel backs these with page tables and a direct map; this package
// specifies only the interface shape the crossproc and ipc packages
// consume, plus a simple arena-backed reference implementation used by
// their tests.
package paging

import "kfs/frame"

// MappingType distinguishes how a virtual range is backed. Available
// (unbacked, demand-paged-but-never-touched), Guarded (a deliberate
// unmapped gap, e.g. a stack guard page), and SystemReserved (kernel-owned,
// never userspace's to share) may never be mirrored into another context;
// only Regular and Shared back real frames a peer process may safely be
// handed a mirror of.
type MappingType int

const (
	// Available marks virtual space reserved for a mapping that has not
	// been backed by any frame yet.
	Available MappingType = iota
	// Guarded marks a deliberately unmapped range, such as a stack
	// guard page, that must never be mirrored or faulted in.
	Guarded
	// SystemReserved marks kernel-owned virtual space a userspace
	// process's own mapping list still has to account for but can never
	// hand frames out of.
	SystemReserved
	// Regular is an ordinary private mapping backed by frames this
	// process alone owns.
	Regular
	// Shared is a mapping backed by frames one or more other mappings
	// (in this or another process) also reference, e.g. the receiving
	// end of a buffer-descriptor transfer.
	Shared
)

// Mirrorable reports whether a mapping of this type may back a
// cross-process mirror: only Regular and Shared mappings name frames the
// kernel is allowed to map into its own space.
func (t MappingType) Mirrorable() bool {
	return t == Regular || t == Shared
}

// Mapping describes one userspace virtual range and the frames backing it.
// Data holds the simulated contents of the range: this package's reference
// implementation has no real page tables for CrossProcessMapping's kernel
// address to dereference, so Data stands in for the bytes a real mirror
// would let the kernel read and write directly through its returned
// address.
type Mapping struct {
	VAddr  uintptr
	Len    uintptr
	Frames []frame.Frame
	Type   MappingType
	Data   []byte
}

// End returns the first address past the mapping.
func (m Mapping) End() uintptr { return m.VAddr + m.Len }

// KernelMemory is the subset of kernel virtual-address-space management
// CrossProcessMapping needs: map a run of physical frames somewhere in
// kernel space, unmap it again without freeing the frames (the mirror never
// owns them), and locate free kernel virtual space to map into.
type KernelMemory interface {
	// MapFrameIterator maps frames contiguously starting at the returned
	// virtual address and returns it.
	MapFrameIterator(frames []frame.Frame, writable bool) (vaddr uintptr, ok bool)
	// UnmapNoDealloc removes a kernel mapping of length n bytes starting
	// at vaddr without freeing the backing frames.
	UnmapNoDealloc(vaddr uintptr, n uintptr)
	// ReserveKernelLandFrames reports every physical frame currently
	// mapped into kernel-land virtual space — the kernel image itself,
	// its early heap, anything mapped before frame.Allocator.Initialize
	// ran. The frame allocator calls this once, during Initialize, to
	// mark those frames allocated before any process exists to contend
	// for them.
	ReserveKernelLandFrames() (frames []frame.Frame, ok bool)
	// FindAvailableVirtualSpace finds n contiguous free bytes of kernel
	// virtual space without reserving it.
	FindAvailableVirtualSpace(n uintptr) (vaddr uintptr, ok bool)
}

// ProcessMemory is the subset of a userspace address space's own mapping
// table CrossProcessMapping and the IPC buffer-descriptor transfer need: resolve a
// virtual range to its backing frames, and install/remove a mapping that
// shares another mapping's frames.
type ProcessMemory interface {
	// MirrorMapping looks up the Mapping covering [vaddr, vaddr+n) in
	// this process's address space. It fails if the range spans more
	// than one Mapping or extends past the end of one.
	MirrorMapping(vaddr uintptr, n uintptr) (Mapping, bool)
	// Unmap removes this process's own mapping at vaddr without freeing
	// the frames, returning the removed Mapping so a caller translating
	// a buffer descriptor can hand its frames to the peer
	// process.
	Unmap(vaddr uintptr, n uintptr) (Mapping, bool)
	// MapSharedMapping installs the frames of src starting at the
	// returned (or requested, if fixed) virtual address in this
	// process's address space.
	MapSharedMapping(src Mapping, atFixed uintptr, writable bool) (vaddr uintptr, ok bool)
}

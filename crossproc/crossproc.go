// Package crossproc implements temporarily mirroring a sub-range of one
// process's userspace mapping into kernel virtual space. The mirror is
// scoped to the lifetime of the value returned by Mirror — Close tears it
// down without freeing the backing frames, since the mirror never owned
// them; the owning process's mapping (and the frames under it) outlives
// the mirror.
package crossproc

import (
	"kfs/frame"
	"kfs/kerr"
	"kfs/paging"
)

// Mapping is a live kernel-virtual mirror of part of a userspace mapping.
// It must be closed exactly once; using it after Close panics rather than
// silently touching a torn-down kernel mapping.
type Mapping struct {
	km paging.KernelMemory

	kernelBase  uintptr // frame-aligned address returned by MapFrameIterator
	kernelVAddr uintptr // kernelBase + (offset mod FrameSize): what Addr() reports
	length      uintptr
	data        []byte
	closed      bool
}

// Mirror maps the length bytes starting offset into mapping's range into
// kernel virtual space, returning a handle whose Addr() is valid until
// Close is called.
//
// offset and length need not be frame-aligned and the mirrored range may
// straddle a frame boundary: validation is purely about offset+length
// fitting inside mapping's own length (InvalidSize on overflow or
// overrun). The frames covering [floor(offset), ceil(offset+length)) are
// mapped contiguously, and the returned Addr() is offset by (offset mod
// FrameSize) so a caller asking for a handful of bytes in the middle of a
// frame gets back the address of exactly those bytes, not the frame they
// happen to live in.
//
// mapping.Type must be Regular or Shared; Available, Guarded, and
// SystemReserved mappings name virtual space no frame of which may ever be
// mirrored into another context, and fail with InvalidMapping.
func Mirror(km paging.KernelMemory, mapping paging.Mapping, offset uintptr, length uintptr, writable bool) (*Mapping, kerr.Err_t) {
	if length == 0 {
		return nil, kerr.InvalidSize
	}
	end := offset + length
	if end < offset || end > mapping.Len {
		return nil, kerr.InvalidSize
	}
	if !mapping.Type.Mirrorable() {
		return nil, kerr.InvalidMapping
	}

	floorFrame := offset / frame.FrameSize
	ceilFrame := (end + frame.FrameSize - 1) / frame.FrameSize
	startIdx := int(floorFrame)
	count := int(ceilFrame - floorFrame)
	if startIdx+count > len(mapping.Frames) {
		return nil, kerr.InvalidMapping
	}
	slice := mapping.Frames[startIdx : startIdx+count]

	kernelBase, ok := km.MapFrameIterator(slice, writable)
	if !ok {
		return nil, kerr.InvalidAddress
	}

	var data []byte
	if mapping.Data != nil {
		data = mapping.Data[offset:end]
	}

	return &Mapping{
		km:          km,
		kernelBase:  kernelBase,
		kernelVAddr: kernelBase + offset%frame.FrameSize,
		length:      length,
		data:        data,
	}, kerr.OK
}

// MirrorAddr is a convenience wrapper around Mirror for callers that only
// have a raw virtual address and length, not an already-resolved Mapping:
// it looks the address up in pm first, then mirrors the offset within it.
func MirrorAddr(km paging.KernelMemory, pm paging.ProcessMemory, vaddr uintptr, length uintptr, writable bool) (*Mapping, kerr.Err_t) {
	m, ok := pm.MirrorMapping(vaddr, length)
	if !ok {
		return nil, kerr.InvalidMapping
	}
	return Mirror(km, m, vaddr-m.VAddr, length, writable)
}

// Addr returns the kernel virtual address the mirrored range starts at.
// Calling it after Close panics.
func (m *Mapping) Addr() uintptr {
	m.assertOpen()
	return m.kernelVAddr
}

// Len returns the length in bytes of the mirrored range.
func (m *Mapping) Len() uintptr {
	m.assertOpen()
	return m.length
}

// Bytes returns the mirrored range's contents as kernel-writable memory.
// This hosted reference implementation has no page tables for Addr() to
// dereference against, so Bytes is what actually lets the message
// translator read and write the mirrored bytes; a real kernel would
// dereference Addr() instead.
func (m *Mapping) Bytes() []byte {
	m.assertOpen()
	return m.data
}

// Close tears down the kernel-side mirror without freeing the frames it
// pointed at; the owning process's own mapping is untouched. Calling it
// twice panics, since a double teardown indicates a lifetime bug in the
// caller.
func (m *Mapping) Close() {
	m.assertOpen()
	span := (m.kernelVAddr - m.kernelBase + m.length + frame.FrameSize - 1) / frame.FrameSize * frame.FrameSize
	m.km.UnmapNoDealloc(m.kernelBase, span)
	m.closed = true
}

func (m *Mapping) assertOpen() {
	if m.closed {
		panic("crossproc: use of Mapping after Close")
	}
}

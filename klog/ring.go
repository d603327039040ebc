// Package klog is the kernel's bounded diagnostic log: a wraparound ring
// buffer backed by a frame obtained from frame.Allocator, so the kernel's
// own log is itself a consumer of the physical memory it manages. The ring
// exists purely for caller.Dump snapshots and fmt-formatted lines, so it
// exposes Write/String rather than a reader-side API.
package klog

import (
	"kfs/frame"
	"kfs/kerr"
)

// Ring is a fixed-capacity byte ring. Writes that would overflow it drop
// the oldest bytes.
type Ring struct {
	alloc      *frame.Allocator
	backing    frame.Frame
	buf        []byte
	head, tail int
	full       bool
}

// NewRing allocates a one-frame ring from a. The frame backs the ring's
// storage; in this hosted model the bytes live in a Go slice and the frame
// records ownership so Close can return it.
func NewRing(a *frame.Allocator) (*Ring, kerr.Err_t) {
	f, err := a.AllocateFrame()
	if err != kerr.OK {
		return nil, err
	}
	return &Ring{
		alloc:   a,
		backing: f,
		buf:     make([]byte, frame.FrameSize),
	}, kerr.OK
}

// Close returns the ring's backing frame to the allocator.
func (r *Ring) Close() {
	r.alloc.FreeRegion(frame.PhysicalMemRegion{Start: r.backing, FrameCount: 1})
	r.buf = nil
}

// Write appends p to the ring, dropping the oldest bytes first if p would
// not otherwise fit.
func (r *Ring) Write(p []byte) (int, error) {
	for _, b := range p {
		r.buf[r.tail] = b
		r.tail = (r.tail + 1) % len(r.buf)
		if r.full {
			r.head = (r.head + 1) % len(r.buf)
		}
		if r.tail == r.head {
			r.full = true
		}
	}
	return len(p), nil
}

// String returns the currently buffered bytes in write order.
func (r *Ring) String() string {
	if !r.full && r.head == r.tail {
		return ""
	}
	if !r.full {
		return string(r.buf[r.head:r.tail])
	}
	out := make([]byte, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	out = append(out, r.buf[:r.tail]...)
	return string(out)
}

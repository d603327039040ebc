package frame

import (
	"kfs/kerr"
	"kfs/klock"
	"kfs/oommsg"
	"kfs/stats"
)

// AddressRange is a half-open byte range [Start, End) as reported by a
// bootloader memory map or module list — the units Initialize's callers
// actually have on hand, before anything has been converted to frames.
type AddressRange struct {
	Start uintptr
	End   uintptr
}

// KernelLandReserver is the one paging.KernelMemory method Initialize
// needs. It is declared here instead of importing the paging package
// directly, since paging imports frame for its Mapping/Frame plumbing and a
// frame->paging import would cycle; paging.KernelMemory satisfies this
// interface structurally.
type KernelLandReserver interface {
	// ReserveKernelLandFrames reports every physical frame currently
	// mapped into kernel-land virtual space, so Initialize can mark them
	// allocated before any userspace process exists to contend for them.
	ReserveKernelLandFrames() ([]Frame, bool)
}

// GrowFunc is called by AllocateFramesFragmented when the bitmap has fewer
// free frames in total than a request asks for, and is given a
// chance to hand the allocator a fresh PhysicalMemRegion of backing frames
// before the allocator gives up. The allocator's lock is NOT held during
// the call — growth may itself need to allocate bookkeeping memory or block
// on a collaborator; the scan retries only after the lock is reacquired.
type GrowFunc func() (PhysicalMemRegion, bool)

// Counters instruments the allocator's hot paths.
type Counters struct {
	Allocations      stats.Counter
	Frees            stats.Counter
	FragmentedAllocs stats.Counter
	Exhaustions      stats.Counter
	GrowthAttempts   stats.Counter
}

// Allocator is the bitmap-backed physical frame allocator. All methods are
// safe for concurrent use.
type Allocator struct {
	lock klock.SpinLock

	bitmap *FrameBitmap
	region PhysicalMemRegion

	grow GrowFunc

	initialized bool

	Stats Counters
}

// New constructs an Allocator over a single usable PhysicalMemRegion,
// already treating every frame in it as free. This is the convenience path
// unit tests and benchmarks use to get straight to exercising
// AllocateRegion/AllocateFramesFragmented; booting code instead calls
// NewUninitialized followed by Initialize, which starts every frame
// reserved and only frees what a real memory map says is usable.
func New(region PhysicalMemRegion, grow GrowFunc) *Allocator {
	return &Allocator{
		bitmap:      newFrameBitmap(region.Start, region.FrameCount),
		region:      region,
		grow:        grow,
		initialized: true,
	}
}

// NewUninitialized constructs an Allocator covering frames [0, totalFrames)
// with every frame marked allocated — the bitmap's bss-zero-value would
// mean "free" under this package's set-means-allocated convention, which is
// backwards for a physical address space nothing has vetted yet, so
// NewUninitialized sets every bit itself rather than relying on the zero
// value. Initialize must be called before any Allocate* call; calling one
// first panics.
func NewUninitialized(totalFrames int) *Allocator {
	b := newFrameBitmap(0, totalFrames)
	b.setRange(0, totalFrames)
	return &Allocator{
		bitmap: b,
		region: PhysicalMemRegion{Start: 0, FrameCount: totalFrames},
	}
}

// Initialize consumes a bootloader-style memory map and module list to
// bring an allocator built with NewUninitialized into service: first every
// frame covered by a usable memory-map entry is marked free, then every
// frame the paging layer reports as already mapped into kernel-land is
// marked allocated again, then every bootloader module's frames, then
// frame 0 itself (the null frame is never handed out). Memory-map and
// module ranges that fall (partly or entirely) above the allocator's own
// frame ceiling are silently clipped to it rather than rejected.
//
// The bitmap lock is dropped before calling km.ReserveKernelLandFrames and
// reacquired after: that call reaches into the paging layer, which may
// itself want to consult the frame allocator, and holding the lock across
// it would self-deadlock on a single-threaded caller and risk a real
// deadlock on a concurrent one.
func (a *Allocator) Initialize(memoryMap []AddressRange, modules []AddressRange, km KernelLandReserver) kerr.Err_t {
	a.lock.Lock()
	if a.initialized {
		a.lock.Unlock()
		panic("frame: Initialize called on an already-initialized allocator")
	}
	ceiling := uintptr(a.region.FrameCount) * FrameSize

	for _, r := range memoryMap {
		start, end := clipRange(r, ceiling)
		for f := Frame(start / FrameSize); f < Frame((end+FrameSize-1)/FrameSize); f++ {
			a.bitmap.clear(f)
		}
	}
	a.lock.Unlock()

	kframes, ok := km.ReserveKernelLandFrames()
	if !ok {
		panic("frame: paging layer refused to report kernel-land frames")
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	for _, f := range kframes {
		if a.bitmap.inRange(f) {
			a.bitmap.set(f)
		}
	}
	for _, r := range modules {
		start, end := clipRange(r, ceiling)
		for f := Frame(start / FrameSize); f < Frame((end+FrameSize-1)/FrameSize); f++ {
			a.bitmap.set(f)
		}
	}
	a.bitmap.set(0)
	a.initialized = true
	return kerr.OK
}

// clipRange clips r to [0, ceiling), returning an empty range if r starts
// at or past the ceiling.
func clipRange(r AddressRange, ceiling uintptr) (start, end uintptr) {
	if r.Start >= ceiling {
		return 0, 0
	}
	end = r.End
	if end > ceiling {
		end = ceiling
	}
	return r.Start, end
}

// MarkFrameBootstrapAllocated reserves a frame at initialization time — for
// frames occupied by the bootloader, kernel image, or BIOS reserved ranges
// discovered before the allocator itself is handed control. It panics if
// the frame is outside the allocator's region or already marked: a
// bootstrap-reservation conflict is a configuration bug, not a runtime
// condition to recover from.
func (a *Allocator) MarkFrameBootstrapAllocated(f Frame) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if !a.bitmap.inRange(f) {
		panic("frame: bootstrap frame outside allocator region")
	}
	if a.bitmap.test(f) {
		panic("frame: bootstrap frame already allocated")
	}
	a.bitmap.set(f)
}

// AllocateRegion allocates count contiguous frames, or fails with
// PhysicalMemoryExhaustion if no run of that length is free. Unlike
// AllocateFramesFragmented, it never attempts to grow the backing heap: a
// contiguous request that doesn't fit now will not be made to fit by
// appending a disjoint region.
func (a *Allocator) AllocateRegion(count int) (PhysicalMemRegion, kerr.Err_t) {
	if count <= 0 {
		return PhysicalMemRegion{}, kerr.InvalidSize
	}
	a.mustBeInitialized()
	a.lock.Lock()
	start, ok := a.bitmap.findRun(count)
	if !ok {
		a.lock.Unlock()
		a.Stats.Exhaustions.Inc()
		oommsg.Notify()
		return PhysicalMemRegion{}, kerr.PhysicalMemoryExhaustion
	}
	a.bitmap.setRange(start, count)
	a.lock.Unlock()

	a.Stats.Allocations.Inc()
	return PhysicalMemRegion{Start: start, FrameCount: count}, kerr.OK
}

// AllocateFrame allocates a single frame.
func (a *Allocator) AllocateFrame() (Frame, kerr.Err_t) {
	r, err := a.AllocateRegion(1)
	if err != kerr.OK {
		return 0, err
	}
	return r.Start, kerr.OK
}

// AllocateFramesFragmented allocates count frames that need not be
// contiguous, returning them in ascending order. It takes the first free run
// long enough for everything still needed if there is one, and otherwise the
// lowest free frame, one frame at a time; when the bitmap cannot supply count frames
// at all, it releases the lock and calls grow (if set) to obtain a fresh
// region, then retries the scan exactly once before giving up with
// PhysicalMemoryExhaustion. The lock is dropped across the growth call so
// other threads can keep allocating from the part of the bitmap growth
// doesn't touch, and so growth's own bookkeeping allocations can never
// re-enter a held allocator.
func (a *Allocator) AllocateFramesFragmented(count int) ([]Frame, kerr.Err_t) {
	if count <= 0 {
		return nil, kerr.InvalidSize
	}
	a.mustBeInitialized()

	frames, err := a.tryFragmented(count)
	if err == kerr.OK {
		a.Stats.FragmentedAllocs.Inc()
		return frames, kerr.OK
	}
	if a.grow == nil {
		a.Stats.Exhaustions.Inc()
		oommsg.Notify()
		return nil, kerr.PhysicalMemoryExhaustion
	}

	a.Stats.GrowthAttempts.Inc()
	newRegion, ok := a.grow()
	if !ok {
		a.Stats.Exhaustions.Inc()
		oommsg.Notify()
		return nil, kerr.PhysicalMemoryExhaustion
	}
	a.extend(newRegion)

	frames, err = a.tryFragmented(count)
	if err != kerr.OK {
		a.Stats.Exhaustions.Inc()
		oommsg.Notify()
		return nil, kerr.PhysicalMemoryExhaustion
	}
	a.Stats.FragmentedAllocs.Inc()
	return frames, kerr.OK
}

// extend grows the bitmap to cover a newly obtained, contiguous-with-or-
// past-the-existing region. For simplicity (and because the allocator's
// region list is not itself exposed as fragmented), extend only supports a
// region immediately following the current one; growth sources that hand
// back disjoint memory must coalesce it into an adjacent run themselves.
func (a *Allocator) extend(r PhysicalMemRegion) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if r.Start != a.region.End() {
		panic("frame: grow returned a non-adjacent region")
	}
	old := a.bitmap
	total := a.region.FrameCount + r.FrameCount
	nb := newFrameBitmap(a.region.Start, total)
	copy(nb.words, old.words)
	a.bitmap = nb
	a.region.FrameCount = total
}

func (a *Allocator) tryFragmented(count int) ([]Frame, kerr.Err_t) {
	a.lock.Lock()
	defer a.lock.Unlock()

	out := make([]Frame, 0, count)
	remaining := count
	for remaining > 0 {
		run, ok := a.bitmap.findRun(remaining)
		if ok {
			a.bitmap.setRange(run, remaining)
			for i := 0; i < remaining; i++ {
				out = append(out, run+Frame(i))
			}
			return out, kerr.OK
		}
		f, ok := a.bitmap.findOne()
		if !ok {
			// not enough free frames anywhere: undo and fail.
			for _, fr := range out {
				a.bitmap.clear(fr)
			}
			return nil, kerr.PhysicalMemoryExhaustion
		}
		a.bitmap.set(f)
		out = append(out, f)
		remaining--
	}
	return out, kerr.OK
}

// FreeRegion releases every frame in r back to the bitmap. Freeing a frame
// that is not currently allocated panics: a double free is a caller bug.
func (a *Allocator) FreeRegion(r PhysicalMemRegion) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for i := 0; i < r.FrameCount; i++ {
		f := r.Start + Frame(i)
		if !a.bitmap.inRange(f) {
			panic("frame: free of frame outside allocator region")
		}
		if !a.bitmap.test(f) {
			panic("frame: double free")
		}
		a.bitmap.clear(f)
	}
	a.Stats.Frees.Add(int64(r.FrameCount))
}

// FreeFrames releases a set of possibly-non-contiguous frames obtained from
// AllocateFramesFragmented.
func (a *Allocator) FreeFrames(frames []Frame) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, f := range frames {
		if !a.bitmap.inRange(f) {
			panic("frame: free of frame outside allocator region")
		}
		if !a.bitmap.test(f) {
			panic("frame: double free")
		}
		a.bitmap.clear(f)
	}
	a.Stats.Frees.Add(int64(len(frames)))
}

// CheckIsAllocated reports whether f is currently marked allocated. It
// panics if f falls outside the allocator's region.
func (a *Allocator) CheckIsAllocated(f Frame) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	if !a.bitmap.inRange(f) {
		panic("frame: CheckIsAllocated on frame outside allocator region")
	}
	return a.bitmap.test(f)
}

// CheckRangeAllocated reports whether every frame overlapping the half-open
// byte range [addr, addr+length) is currently marked allocated. The end
// address saturates rather than wraps near the top of the physical address
// space; frames past the allocator's own ceiling count as unallocated, since
// nothing this allocator manages ever handed them out.
func (a *Allocator) CheckRangeAllocated(addr uintptr, length uintptr) bool {
	if length == 0 {
		return false
	}
	end := addr + length
	if end < addr {
		end = ^uintptr(0)
	}
	first := Frame(addr / FrameSize)
	last := Frame(end / FrameSize)
	if end%FrameSize != 0 {
		last++
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	for f := first; f < last; f++ {
		if !a.bitmap.inRange(f) || !a.bitmap.test(f) {
			return false
		}
	}
	return true
}

// mustBeInitialized panics if Initialize has not yet completed on an
// allocator created with NewUninitialized — using the allocator before its
// memory map has been consumed is a boot-sequencing bug, not a runtime
// condition to recover from.
func (a *Allocator) mustBeInitialized() {
	if !a.initialized {
		panic("frame: allocator used before Initialize completed")
	}
}

// Region returns the allocator's current backing region (post any growth).
func (a *Allocator) Region() PhysicalMemRegion {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.region
}

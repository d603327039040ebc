package paging

import (
	"fmt"
	"sync"

	"kfs/frame"
)

// FakeAddressSpace is an in-memory test double for both KernelMemory and
// ProcessMemory, backing crossproc and ipc tests with plain []byte arenas
// instead of a real page table. It owns the address space's mapping list
// the way a real address-space object would, minus any unsafe direct-map
// plumbing.
type FakeAddressSpace struct {
	mu           sync.Mutex
	mappings     map[uintptr]Mapping
	nextFree     uintptr
	kernelFrames []frame.Frame
}

// NewFakeAddressSpace creates an empty address space whose virtual
// allocations start at base.
func NewFakeAddressSpace(base uintptr) *FakeAddressSpace {
	return &FakeAddressSpace{
		mappings: make(map[uintptr]Mapping),
		nextFree: base,
	}
}

// Install directly registers a mapping, for tests that want to set up a
// userspace buffer without going through MapSharedMapping. A nil m.Data is
// replaced with a zeroed slice the size of the mapping so callers don't
// each have to remember to allocate backing bytes themselves.
func (f *FakeAddressSpace) Install(m Mapping) {
	if m.Data == nil {
		m.Data = make([]byte, m.Len)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mappings[m.VAddr] = m
}

// SetKernelLandFrames configures what ReserveKernelLandFrames reports, for
// tests exercising frame.Allocator.Initialize against a non-empty
// kernel-land footprint.
func (f *FakeAddressSpace) SetKernelLandFrames(frames []frame.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kernelFrames = frames
}

func (f *FakeAddressSpace) MirrorMapping(vaddr uintptr, n uintptr) (Mapping, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.mappings {
		if vaddr >= m.VAddr && vaddr+n <= m.End() {
			return m, true
		}
	}
	return Mapping{}, false
}

func (f *FakeAddressSpace) Unmap(vaddr uintptr, n uintptr) (Mapping, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.mappings[vaddr]; ok && m.Len == n {
		delete(f.mappings, vaddr)
		return m, true
	}
	panic(fmt.Sprintf("paging: Unmap of unknown mapping at %#x len %d", vaddr, n))
}

func (f *FakeAddressSpace) MapSharedMapping(src Mapping, atFixed uintptr, writable bool) (uintptr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vaddr := atFixed
	if vaddr == 0 {
		vaddr = f.nextFree
		f.nextFree += src.Len
	}
	f.mappings[vaddr] = Mapping{VAddr: vaddr, Len: src.Len, Frames: src.Frames, Type: Shared, Data: src.Data}
	return vaddr, true
}

func (f *FakeAddressSpace) MapFrameIterator(frames []frame.Frame, writable bool) (uintptr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vaddr := f.nextFree
	f.nextFree += uintptr(len(frames)) * frame.FrameSize
	f.mappings[vaddr] = Mapping{VAddr: vaddr, Len: uintptr(len(frames)) * frame.FrameSize, Frames: frames, Type: Regular}
	return vaddr, true
}

func (f *FakeAddressSpace) UnmapNoDealloc(vaddr uintptr, n uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mappings, vaddr)
}

func (f *FakeAddressSpace) ReserveKernelLandFrames() ([]frame.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kernelFrames, true
}

func (f *FakeAddressSpace) FindAvailableVirtualSpace(n uintptr) (uintptr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextFree, true
}

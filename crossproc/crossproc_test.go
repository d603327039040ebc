package crossproc

import (
	"testing"

	"kfs/frame"
	"kfs/kerr"
	"kfs/paging"
)

func setupMapping(t *testing.T, nframes int) (*paging.FakeAddressSpace, paging.Mapping) {
	t.Helper()
	proc := paging.NewFakeAddressSpace(0x1000_0000)
	frames := make([]frame.Frame, nframes)
	for i := range frames {
		frames[i] = frame.Frame(i)
	}
	m := paging.Mapping{
		VAddr:  0x2000_0000,
		Len:    uintptr(nframes) * frame.FrameSize,
		Frames: frames,
		Type:   paging.Regular,
		Data:   make([]byte, uintptr(nframes)*frame.FrameSize),
	}
	proc.Install(m)
	return proc, m
}

func TestMirrorFullRange(t *testing.T) {
	proc, m := setupMapping(t, 4)
	kern := paging.NewFakeAddressSpace(0xF000_0000)

	mm, err := MirrorAddr(kern, proc, m.VAddr, m.Len, true)
	if err != kerr.OK {
		t.Fatalf("Mirror: %v", err)
	}
	if mm.Len() != m.Len {
		t.Fatalf("got len %d, want %d", mm.Len(), m.Len)
	}
	if mm.Addr() == 0 {
		t.Fatal("Addr() returned zero")
	}
	mm.Close()
}

func TestMirrorSubRange(t *testing.T) {
	proc, m := setupMapping(t, 4)
	kern := paging.NewFakeAddressSpace(0xF000_0000)

	mm, err := MirrorAddr(kern, proc, m.VAddr+frame.FrameSize, frame.FrameSize*2, false)
	if err != kerr.OK {
		t.Fatalf("Mirror: %v", err)
	}
	defer mm.Close()
	if mm.Len() != frame.FrameSize*2 {
		t.Fatalf("got len %d, want %d", mm.Len(), frame.FrameSize*2)
	}
}

// TestMirrorUnalignedAddrSucceeds exercises a 6-byte mirror that starts 3
// bytes before a frame boundary (offset FrameSize-3) and so spans two
// frames, matching the scenario where a sub-frame range crosses a frame
// boundary: this must succeed and return an address offset exactly by the
// sub-frame remainder, not be rejected for lacking frame alignment.
func TestMirrorUnalignedAddrSucceeds(t *testing.T) {
	_, m := setupMapping(t, 2)
	kern := paging.NewFakeAddressSpace(0xF000_0000)

	offset := frame.FrameSize - 3
	copy(m.Data[offset:offset+6], []byte{1, 2, 3, 4, 5, 6})

	mm, err := Mirror(kern, m, uintptr(offset), 6, true)
	if err != kerr.OK {
		t.Fatalf("Mirror: %v", err)
	}
	defer mm.Close()

	if mm.Len() != 6 {
		t.Fatalf("got len %d, want 6", mm.Len())
	}
	if rem := mm.Addr() % frame.FrameSize; rem != uintptr(frame.FrameSize-3) {
		t.Fatalf("Addr() sub-frame remainder = %d, want %d", rem, frame.FrameSize-3)
	}
	if got := mm.Bytes(); len(got) != 6 || got[0] != 1 || got[5] != 6 {
		t.Fatalf("Bytes() = %v, want the 6 bytes written at the boundary", got)
	}
}

func TestMirrorOutOfRange(t *testing.T) {
	_, m := setupMapping(t, 2)
	kern := paging.NewFakeAddressSpace(0xF000_0000)

	_, err := Mirror(kern, m, m.Len-1, frame.FrameSize, true)
	if err != kerr.InvalidSize {
		t.Fatalf("got %v, want InvalidSize", err)
	}
}

func TestMirrorRejectsUnmirrorableType(t *testing.T) {
	_, m := setupMapping(t, 2)
	m.Type = paging.SystemReserved
	kern := paging.NewFakeAddressSpace(0xF000_0000)

	_, err := Mirror(kern, m, 0, frame.FrameSize, true)
	if err != kerr.InvalidMapping {
		t.Fatalf("got %v, want InvalidMapping", err)
	}
}

func TestDoubleCloseCausesPanic(t *testing.T) {
	proc, m := setupMapping(t, 1)
	kern := paging.NewFakeAddressSpace(0xF000_0000)
	mm, err := MirrorAddr(kern, proc, m.VAddr, m.Len, true)
	if err != kerr.OK {
		t.Fatalf("Mirror: %v", err)
	}
	mm.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double close")
		}
	}()
	mm.Close()
}

func TestUseAfterCloseCausesPanic(t *testing.T) {
	proc, m := setupMapping(t, 1)
	kern := paging.NewFakeAddressSpace(0xF000_0000)
	mm, err := MirrorAddr(kern, proc, m.VAddr, m.Len, true)
	if err != kerr.OK {
		t.Fatalf("Mirror: %v", err)
	}
	mm.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on use after close")
		}
	}()
	_ = mm.Addr()
}

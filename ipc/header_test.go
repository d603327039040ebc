package ipc

import "testing"

func TestMsgPackedHdrRoundTrip(t *testing.T) {
	h := NewMsgPackedHdr(10, 2, 1, 3, 0, 5, 4, 99, true)

	if h.Type() != 10 {
		t.Fatalf("Type = %d, want 10", h.Type())
	}
	if h.NumXDescriptors() != 2 {
		t.Fatalf("NumXDescriptors = %d, want 2", h.NumXDescriptors())
	}
	if h.NumADescriptors() != 1 {
		t.Fatalf("NumADescriptors = %d, want 1", h.NumADescriptors())
	}
	if h.NumBDescriptors() != 3 {
		t.Fatalf("NumBDescriptors = %d, want 3", h.NumBDescriptors())
	}
	if h.NumWDescriptors() != 0 {
		t.Fatalf("NumWDescriptors = %d, want 0", h.NumWDescriptors())
	}
	if h.RawSectionSize() != 5 {
		t.Fatalf("RawSectionSize = %d, want 5", h.RawSectionSize())
	}
	if h.CDescriptorFlags() != 4 {
		t.Fatalf("CDescriptorFlags = %d, want 4", h.CDescriptorFlags())
	}
	if h.CListOffset() != 99 {
		t.Fatalf("CListOffset = %d, want 99", h.CListOffset())
	}
	if !h.EnableHandleDescriptor() {
		t.Fatal("EnableHandleDescriptor = false, want true")
	}
	if h.NumBufferDescriptors() != 4 {
		t.Fatalf("NumBufferDescriptors = %d, want 4", h.NumBufferDescriptors())
	}

	var b [HeaderBytes]byte
	h.WriteTo(b[:])
	got := ReadMsgPackedHdr(b[:])
	if got != h {
		t.Fatalf("round trip mismatch: got %#x, want %#x", uint64(got), uint64(h))
	}
}

func TestHandleDescriptorHeaderRoundTrip(t *testing.T) {
	h := NewHandleDescriptorHeader(true, 2, 5)
	if !h.SendPID() {
		t.Fatal("SendPID = false, want true")
	}
	if h.NumCopyHandles() != 2 {
		t.Fatalf("NumCopyHandles = %d, want 2", h.NumCopyHandles())
	}
	if h.NumMoveHandles() != 5 {
		t.Fatalf("NumMoveHandles = %d, want 5", h.NumMoveHandles())
	}

	var b [HandleDescriptorHeaderBytes]byte
	h.WriteTo(b[:])
	got := ReadHandleDescriptorHeader(b[:])
	if got != h {
		t.Fatalf("round trip mismatch: got %#x, want %#x", uint32(got), uint32(h))
	}
}

func TestMessageSizeNoHandleDescriptor(t *testing.T) {
	hdr := NewMsgPackedHdr(0, 0, 1, 1, 0, 3, 0, 0, false)
	desc := HandleDescriptorHeader(0)

	// 2 header words + 3*(1 A + 1 B) buffer-descriptor words + 3 raw words.
	want := (2 + 3*2 + 3) * 4
	if got := MessageSize(hdr, desc); got != want {
		t.Fatalf("MessageSize = %d, want %d", got, want)
	}
}

func TestMessageSizeWithHandleDescriptorAndPID(t *testing.T) {
	hdr := NewMsgPackedHdr(0, 1, 0, 0, 0, 0, 0, 0, true)
	desc := NewHandleDescriptorHeader(true, 2, 1)

	// 3 header words + 2 pid words + 3 handle-index words + 2 X-descriptor words.
	want := (3 + 2 + 3 + 2) * 4
	if got := MessageSize(hdr, desc); got != want {
		t.Fatalf("MessageSize = %d, want %d", got, want)
	}
}

func TestEffectiveCListOffsetFallsBackToMessageSize(t *testing.T) {
	hdr := NewMsgPackedHdr(0, 0, 0, 0, 0, 2, 0, 0, false)
	desc := HandleDescriptorHeader(0)

	want := MessageSize(hdr, desc)
	if got := EffectiveCListOffset(hdr, desc); got != want {
		t.Fatalf("EffectiveCListOffset = %d, want fallback %d", got, want)
	}

	hdr2 := NewMsgPackedHdr(0, 0, 0, 0, 0, 2, 0, 12345, false)
	if got := EffectiveCListOffset(hdr2, desc); got != 12345 {
		t.Fatalf("EffectiveCListOffset = %d, want explicit 12345", got)
	}
}

func TestBufDescriptorRoundTrip(t *testing.T) {
	d := BufDescriptor{
		Addr:  0x7F_FFFF_F000, // 39-bit address space
		Size:  0xF_0000_1000,  // 36-bit size space
		Flags: 0x3,
	}

	var b [BufDescriptorBytes]byte
	d.WriteTo(b[:])
	got := ReadBufDescriptor(b[:])
	if got != d {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, d)
	}
}

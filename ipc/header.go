// Package ipc implements the rendezvous-style Session between two userspace
// threads and its wire-format translation. ServerSession and ClientSession
// share one Session; SendRequest blocks the client until a receive/reply
// cycle on the server side completes it.
package ipc

import "encoding/binary"

// MsgPackedHdr is the 64-bit packed message header carried at the start of
// every IPC message, with this bit layout:
//
//	[63]    EnableHandleDescriptor (1 bit)
//	[62:46] CListOffset            (17 bits)
//	[45:42] CDescriptorFlags       (4 bits)
//	[41:32] RawSectionSize         (10 bits, in 32-bit words)
//	[31:28] NumWDescriptors        (4 bits)
//	[27:24] NumBDescriptors        (4 bits)
//	[23:20] NumADescriptors        (4 bits)
//	[19:16] NumXDescriptors        (4 bits)
//	[15:0]  Type                   (16 bits)
type MsgPackedHdr uint64

const (
	typeShift   = 0
	typeBits    = 16
	numXShift   = typeShift + typeBits
	numABits    = 4
	numAShift   = numXShift + numABits
	numBShift   = numAShift + numABits
	numWShift   = numBShift + numABits
	rawShift    = numWShift + numABits
	rawBits     = 10
	cFlagShift  = rawShift + rawBits
	cFlagBits   = 4
	cOffShift   = cFlagShift + cFlagBits
	cOffBits    = 17
	enableShift = cOffShift + cOffBits

	mask4  = 0xF
	mask10 = 0x3FF
	mask16 = 0xFFFF
	mask17 = 0x1FFFF
)

// NewMsgPackedHdr packs a header. cListOffset of 0 means "not supplied";
// MessageSize serves as the fallback, as supplemented feature #1 describes.
func NewMsgPackedHdr(msgType, numX, numA, numB, numW, rawSectionSize, cFlags, cListOffset int, enableHandleDescriptor bool) MsgPackedHdr {
	var h uint64
	h |= uint64(msgType&mask16) << typeShift
	h |= uint64(numX&mask4) << numXShift
	h |= uint64(numA&mask4) << numAShift
	h |= uint64(numB&mask4) << numBShift
	h |= uint64(numW&mask4) << numWShift
	h |= uint64(rawSectionSize&mask10) << rawShift
	h |= uint64(cFlags&mask4) << cFlagShift
	h |= uint64(cListOffset&mask17) << cOffShift
	if enableHandleDescriptor {
		h |= 1 << enableShift
	}
	return MsgPackedHdr(h)
}

// ReadMsgPackedHdr decodes the first 8 bytes of b as a MsgPackedHdr; the
// wire format is little-endian throughout.
func ReadMsgPackedHdr(b []byte) MsgPackedHdr {
	return MsgPackedHdr(binary.LittleEndian.Uint64(b))
}

// WriteTo encodes h as 8 little-endian bytes into b.
func (h MsgPackedHdr) WriteTo(b []byte) {
	binary.LittleEndian.PutUint64(b, uint64(h))
}

func (h MsgPackedHdr) Type() int { return int(uint64(h)>>typeShift) & mask16 }
func (h MsgPackedHdr) NumXDescriptors() int { return int(uint64(h)>>numXShift) & mask4 }
func (h MsgPackedHdr) NumADescriptors() int { return int(uint64(h)>>numAShift) & mask4 }
func (h MsgPackedHdr) NumBDescriptors() int { return int(uint64(h)>>numBShift) & mask4 }
func (h MsgPackedHdr) NumWDescriptors() int { return int(uint64(h)>>numWShift) & mask4 }
func (h MsgPackedHdr) RawSectionSize() int { return int(uint64(h)>>rawShift) & mask10 }
func (h MsgPackedHdr) CDescriptorFlags() int { return int(uint64(h)>>cFlagShift) & mask4 }
func (h MsgPackedHdr) CListOffset() int { return int(uint64(h)>>cOffShift) & mask17 }
func (h MsgPackedHdr) EnableHandleDescriptor() bool {
	return uint64(h)&(1<<enableShift) != 0
}

// NumBufferDescriptors returns the total A+B+W descriptor count.
func (h MsgPackedHdr) NumBufferDescriptors() int {
	return h.NumADescriptors() + h.NumBDescriptors() + h.NumWDescriptors()
}

// HandleDescriptorHeader is the optional 32-bit header immediately
// following MsgPackedHdr when EnableHandleDescriptor is set:
//
//	[8:5] NumMoveHandles (4 bits)
//	[4:1] NumCopyHandles (4 bits)
//	[0]   SendPID        (1 bit)
type HandleDescriptorHeader uint32

func NewHandleDescriptorHeader(sendPID bool, numCopyHandles, numMoveHandles int) HandleDescriptorHeader {
	var h uint32
	if sendPID {
		h |= 1
	}
	h |= uint32(numCopyHandles&mask4) << 1
	h |= uint32(numMoveHandles&mask4) << 5
	return HandleDescriptorHeader(h)
}

func ReadHandleDescriptorHeader(b []byte) HandleDescriptorHeader {
	return HandleDescriptorHeader(binary.LittleEndian.Uint32(b))
}

func (h HandleDescriptorHeader) WriteTo(b []byte) {
	binary.LittleEndian.PutUint32(b, uint32(h))
}

func (h HandleDescriptorHeader) SendPID() bool { return uint32(h)&1 != 0 }
func (h HandleDescriptorHeader) NumCopyHandles() int { return int(uint32(h)>>1) & mask4 }
func (h HandleDescriptorHeader) NumMoveHandles() int { return int(uint32(h)>>5) & mask4 }

// MessageSize returns the size in bytes of the message hdr+desc describe,
// excluding any C-descriptor continuation data: three words (the 8-byte
// header plus the 4-byte handle descriptor header) if
// EnableHandleDescriptor is set, or two (the header alone) otherwise; two
// more words if the handle descriptor asks the kernel to stamp in a sender
// pid; two words per X descriptor; three words per A/B/W descriptor;
// RawSectionSize words of raw data; and one word per copy/move handle
// index. It is the fallback C-list offset for a header that doesn't carry
// an explicit one (see EffectiveCListOffset).
func MessageSize(hdr MsgPackedHdr, desc HandleDescriptorHeader) int {
	words := 2
	if hdr.EnableHandleDescriptor() {
		words = 3
		if desc.SendPID() {
			words += 2
		}
		words += desc.NumCopyHandles() + desc.NumMoveHandles()
	}
	words += hdr.NumXDescriptors() * 2
	words += hdr.NumBufferDescriptors() * 3
	words += hdr.RawSectionSize()
	return words * 4
}

// EffectiveCListOffset returns hdr's CListOffset if it is non-zero, else
// MessageSize(hdr, desc).
func EffectiveCListOffset(hdr MsgPackedHdr, desc HandleDescriptorHeader) int {
	if off := hdr.CListOffset(); off != 0 {
		return off
	}
	return MessageSize(hdr, desc)
}

// BufDescriptor is one wire A/B/W descriptor: a 12-byte (lowersize,
// loweraddr, rest) bit-packed triple. Addr and Size are modeled as 39 and
// 36 significant bits respectively, the widest fields the wire format's
// "rest" word has room to carry.
type BufDescriptor struct {
	Addr  uint64
	Size  uint64
	Flags uint8 // 2 bits: access kind for this slot (A/B/W already distinguish kind by position; Flags carries buf-level attributes such as device-backed)
}

func ReadBufDescriptor(b []byte) BufDescriptor {
	lowersize := binary.LittleEndian.Uint32(b[0:4])
	loweraddr := binary.LittleEndian.Uint32(b[4:8])
	rest := binary.LittleEndian.Uint32(b[8:12])

	flags := uint8(rest & 0x3)
	addrHi3 := uint64((rest >> 2) & 0x7)
	sizeHi4 := uint64((rest >> 24) & 0xF)
	addrHi4 := uint64((rest >> 28) & 0xF)

	return BufDescriptor{
		Addr:  uint64(loweraddr) | (addrHi4 << 32) | (addrHi3 << 36),
		Size:  uint64(lowersize) | (sizeHi4 << 32),
		Flags: flags,
	}
}

func (d BufDescriptor) WriteTo(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(d.Size))
	binary.LittleEndian.PutUint32(b[4:8], uint32(d.Addr))

	var rest uint32
	rest |= uint32(d.Flags) & 0x3
	rest |= uint32((d.Addr>>36)&0x7) << 2
	rest |= uint32((d.Size>>32)&0xF) << 24
	rest |= uint32((d.Addr>>32)&0xF) << 28
	binary.LittleEndian.PutUint32(b[8:12], rest)
}

// Wire layout byte sizes, used by PassMessage to walk a message.
const (
	HeaderBytes                 = 8
	HandleDescriptorHeaderBytes = 4
	PIDBytes                    = 8
	HandleIndexBytes            = 4
	BufDescriptorBytes          = 12
)

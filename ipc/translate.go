package ipc

import (
	"encoding/binary"

	"kfs/handle"
	"kfs/kerr"
	"kfs/paging"
)

// PassMessage transcribes a message from a sender's mirrored buffer into a
// receiver's mirrored buffer. from and to must already be cross-process
// mirrors of the two userspace buffers (Receive mirrors the sender's
// buffer and passes the server's own destination buffer; Reply does the
// same in the other direction) — PassMessage itself never touches
// crossproc, it only walks the wire format once both buffers are
// kernel-addressable.
//
// The header, and the handle descriptor header if present, occupy the same
// byte range in both buffers (the wire layout is identical on both sides;
// only descriptor payloads — handle indices, buffer addresses — differ
// between what the sender wrote and what the receiver reads back), so a
// single cursor walks from and to in lockstep.
//
// Translation is atomic: fromPID is the sender's process id, stamped into
// the message if the handle descriptor header's SendPID bit is set.
// Same-process deadlock (sender and receiver sharing a handle table) is
// checked before any mutation. X descriptors and a non-zero
// CDescriptorFlags both fail the whole call with NotImplemented before any
// mutation happens; any other failure unwinds every handle transfer and
// buffer remap already performed before returning.
func PassMessage(
	from, to []byte,
	fromMem, toMem paging.ProcessMemory,
	fromTable, toTable *handle.Table,
	fromPID uint64,
) kerr.Err_t {
	if fromTable == toTable {
		return kerr.SameProcessDeadlock
	}
	if len(from) < HeaderBytes || len(to) < HeaderBytes {
		return kerr.InvalidSize
	}

	hdr := ReadMsgPackedHdr(from[0:HeaderBytes])
	if hdr.NumXDescriptors() > 0 || hdr.CDescriptorFlags() != 0 {
		return kerr.NotImplemented
	}
	copy(to[0:HeaderBytes], from[0:HeaderBytes])
	off := HeaderBytes

	var hdesc HandleDescriptorHeader
	if hdr.EnableHandleDescriptor() {
		if len(from) < off+HandleDescriptorHeaderBytes || len(to) < off+HandleDescriptorHeaderBytes {
			return kerr.InvalidSize
		}
		hdesc = ReadHandleDescriptorHeader(from[off : off+HandleDescriptorHeaderBytes])
		copy(to[off:off+HandleDescriptorHeaderBytes], from[off:off+HandleDescriptorHeaderBytes])
		off += HandleDescriptorHeaderBytes

		if hdesc.SendPID() {
			if len(to) < off+PIDBytes {
				return kerr.InvalidSize
			}
			binary.LittleEndian.PutUint64(to[off:off+PIDBytes], fromPID)
			off += PIDBytes
		}
	}

	var rollback []func()
	unwind := func() {
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
	}

	if hdr.EnableHandleDescriptor() {
		for i := 0; i < hdesc.NumCopyHandles(); i++ {
			if len(from) < off+HandleIndexBytes || len(to) < off+HandleIndexBytes {
				unwind()
				return kerr.InvalidSize
			}
			h := handle.Handle(binary.LittleEndian.Uint32(from[off : off+HandleIndexBytes]))
			e, err := fromTable.Dup(h)
			if err != kerr.OK {
				unwind()
				return err
			}
			nh, err := toTable.Insert(e.Object, e.Copyable)
			if err != kerr.OK {
				fromTable.Close(h)
				unwind()
				return err
			}
			binary.LittleEndian.PutUint32(to[off:off+HandleIndexBytes], uint32(nh))
			off += HandleIndexBytes

			srcHandle, dstHandle := h, nh
			rollback = append(rollback, func() {
				toTable.Close(dstHandle)
				fromTable.Close(srcHandle)
			})
		}

		for i := 0; i < hdesc.NumMoveHandles(); i++ {
			if len(from) < off+HandleIndexBytes || len(to) < off+HandleIndexBytes {
				unwind()
				return kerr.InvalidSize
			}
			h := handle.Handle(binary.LittleEndian.Uint32(from[off : off+HandleIndexBytes]))
			e, err := fromTable.Move(h)
			if err != kerr.OK {
				unwind()
				return err
			}
			nh, err := toTable.Insert(e.Object, e.Copyable)
			if err != kerr.OK {
				// h is already gone from fromTable and cannot be
				// reinstalled at its old index, so this one path is
				// not fully rolled back.
				unwind()
				return err
			}
			binary.LittleEndian.PutUint32(to[off:off+HandleIndexBytes], uint32(nh))
			off += HandleIndexBytes

			dstHandle := nh
			rollback = append(rollback, func() { toTable.Close(dstHandle) })
		}
	}

	numA := hdr.NumADescriptors()
	for i := 0; i < hdr.NumBufferDescriptors(); i++ {
		if len(from) < off+BufDescriptorBytes || len(to) < off+BufDescriptorBytes {
			unwind()
			return kerr.InvalidSize
		}
		d := ReadBufDescriptor(from[off : off+BufDescriptorBytes])
		writable := i >= numA // A descriptors are read-only; B and W are read-write.

		unmapped, ok := fromMem.Unmap(uintptr(d.Addr), uintptr(d.Size))
		if !ok {
			unwind()
			return kerr.InvalidMapping
		}
		newAddr, ok := toMem.MapSharedMapping(unmapped, 0, writable)
		if !ok {
			fromMem.MapSharedMapping(unmapped, uintptr(d.Addr), writable)
			unwind()
			return kerr.InvalidMapping
		}
		// Re-install a shared mapping in the sender at its original
		// address, so the sender's own pointer into the buffer stays
		// valid after the transfer.
		fromMem.MapSharedMapping(unmapped, uintptr(d.Addr), writable)

		nd := BufDescriptor{Addr: uint64(newAddr), Size: d.Size, Flags: d.Flags}
		nd.WriteTo(to[off : off+BufDescriptorBytes])
		off += BufDescriptorBytes

		receiverAddr, size := newAddr, uintptr(d.Size)
		rollback = append(rollback, func() { toMem.Unmap(receiverAddr, size) })
	}

	raw := hdr.RawSectionSize() * 4
	if raw > 0 {
		if len(from) < off+raw || len(to) < off+raw {
			unwind()
			return kerr.InvalidSize
		}
		copy(to[off:off+raw], from[off:off+raw])
	}

	return kerr.OK
}

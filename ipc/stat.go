package ipc

import "encoding/binary"

// SessionStat is a point-in-time, byte-serializable snapshot of a
// Session's state, for a debug/introspection endpoint to poll.
type SessionStat struct {
	PendingRequests  int
	HasActiveRequest bool
	ServerCount      int32
}

// Bytes serializes the snapshot for a userspace debug/introspection call
// to copy out directly.
func (s SessionStat) Bytes() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], uint64(s.PendingRequests))
	if s.HasActiveRequest {
		b[8] = 1
	}
	binary.LittleEndian.PutUint32(b[12:16], uint32(s.ServerCount))
	return b
}

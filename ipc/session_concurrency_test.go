package ipc

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sync/errgroup"

	"kfs/kerr"
	"kfs/paging"
	"kfs/sched"
)

// TestConcurrentClientsServedExactlyOnce checks session liveness under
// load: many clients sending concurrently against one server must each get
// back exactly the reply matching their own request, with
// golang.org/x/sync/errgroup fanning out the clients the same way it
// drives the frame package's concurrency tests.
func TestConcurrentClientsServedExactlyOnce(t *testing.T) {
	const n = 50
	const bufLen = HeaderBytes + 4

	km := paging.NewFakeAddressSpace(0xF000_0000)
	sc := sched.NewGoroutine()
	s := NewSession(km, sc)
	srv := s.NewServer()

	server := newRigSide(sc, 0x2000_0000, 0)
	const serverAddr = 0x2000_1000
	installBuf(server, serverAddr, bufLen)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		for i := 0; i < n; i++ {
			req, err := srv.Receive(server.ep, serverAddr, bufLen)
			if err != kerr.OK {
				t.Errorf("Receive: %v", err)
				return
			}
			m, _ := server.mem.MirrorMapping(serverAddr, bufLen)
			echoed := binary.LittleEndian.Uint32(m.Data[HeaderBytes:])
			req.Reply(serverAddr, bufLen)
			_ = echoed
		}
	}()

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			cli := s.NewClient()
			client := newRigSide(sc, uintptr(0x1000_0000+i*0x1000), uint64(i+1))
			addr := uintptr(0x1000_0000 + i*0x1000 + 0x100)
			installBuf(client, addr, bufLen)

			m, _ := client.mem.MirrorMapping(addr, bufLen)
			NewMsgPackedHdr(i, 0, 0, 0, 0, 1, 0, 0, false).WriteTo(m.Data[0:HeaderBytes])
			binary.LittleEndian.PutUint32(m.Data[HeaderBytes:], uint32(i))

			if err := cli.SendRequest(client.ep, addr, bufLen); err != kerr.OK {
				return err
			}

			cm, _ := client.mem.MirrorMapping(addr, bufLen)
			if got := binary.LittleEndian.Uint32(cm.Data[HeaderBytes:]); got != uint32(i) {
				t.Errorf("client %d got echo %d", i, got)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent clients failed: %v", err)
	}
	<-serverDone
	srv.Close()
}

package ipc

import (
	"sync"
	"weak"

	"kfs/crossproc"
	"kfs/handle"
	"kfs/kerr"
	"kfs/klock"
	"kfs/paging"
	"kfs/sched"
)

// Endpoint bundles everything PassMessage and CrossProcessMapping need to
// know about one side (client or server) of a SendRequest/Receive/Reply
// exchange: its address space, its handle table, the scheduler thread
// making the call, and the process id the kernel stamps into a message
// when the handle descriptor header asks for it.
type Endpoint struct {
	Mem     paging.ProcessMemory
	Handles *handle.Table
	Thread  *sched.Thread
	PID     uint64
}

// answeredSlot is the per-request rendezvous cell SendRequest parks on:
// empty until a server's Reply fills it, at which point the parked sender
// is woken.
type answeredSlot struct {
	mu    sync.Mutex
	ready bool
	err   kerr.Err_t
}

func (a *answeredSlot) isReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

func (a *answeredSlot) fill(err kerr.Err_t) {
	a.mu.Lock()
	a.ready = true
	a.err = err
	a.mu.Unlock()
}

// Request is one in-flight SendRequest call: the sender's raw buffer
// address and length (never a pre-decoded header — the kernel must not
// interpret it until a server actually calls Receive), which thread and
// address space it belongs to, and the slot its eventual reply fills.
type Request struct {
	SenderBufAddr uintptr
	SenderBufLen  uintptr
	SenderPID     uint64
	SenderThread  *sched.Thread
	SenderMem     paging.ProcessMemory
	SenderHandles *handle.Table

	answered *answeredSlot
}

// Session is the shared rendezvous point a ServerSession and any number of
// ClientSession handles communicate through: a queue of not-yet-claimed
// requests, a set of weak references to server threads parked waiting for
// one (accepters), and a live server count. A Session with zero servers
// answers every SendRequest with PortRemoteDead.
//
// accepters holds weak.Pointer values rather than plain *sched.Thread so a
// server thread that exits (or is never woken again) without deregistering
// does not keep the Session pinning it alive; a failed Value() upgrade is
// silently skipped.
type Session struct {
	lock klock.SpinLock

	active      *Request
	incoming    []*Request
	accepters   []weak.Pointer[sched.Thread]
	serverCount int
	inFlight    int
	dead        bool

	sched sched.Scheduler
	km    paging.KernelMemory
}

// NewSession creates a Session with no servers yet attached, backed by sc
// for parking/waking threads and km for mirroring message buffers.
func NewSession(km paging.KernelMemory, sc sched.Scheduler) *Session {
	return &Session{sched: sc, km: km}
}

// ClientSession is one client's handle onto a Session.
type ClientSession struct{ s *Session }

// ServerSession is one server's handle onto a Session. Multiple
// ServerSession values may share one Session (e.g. a thread pool); the
// server count only reaches zero, and thus PortRemoteDead, once every
// ServerSession sharing it has been Closed.
type ServerSession struct{ s *Session }

// NewClient returns a new client handle onto s.
func (s *Session) NewClient() *ClientSession { return &ClientSession{s: s} }

// NewPair creates a fresh Session and returns its linked server and client
// handles, the usual way a session comes into existence.
func NewPair(km paging.KernelMemory, sc sched.Scheduler) (*ServerSession, *ClientSession) {
	s := NewSession(km, sc)
	return s.NewServer(), s.NewClient()
}

// NewServer registers a new server handle onto s, incrementing the live
// server count.
func (s *Session) NewServer() *ServerSession {
	s.lock.Lock()
	s.serverCount++
	s.lock.Unlock()
	return &ServerSession{s: s}
}

// Stat returns a point-in-time snapshot of the session's state.
func (s *Session) Stat() SessionStat {
	s.lock.Lock()
	defer s.lock.Unlock()
	return SessionStat{
		PendingRequests:  len(s.incoming),
		HasActiveRequest: s.active != nil || s.inFlight > 0,
		ServerCount:      int32(s.serverCount),
	}
}

// signaledLocked is the signal-poll state machine: an already-promoted
// active request means signalled; otherwise the oldest queued request is
// promoted to active and the session reports signalled; otherwise not, with
// no state change, so polling is idempotent. Callers hold s.lock.
func (s *Session) signaledLocked() bool {
	if s.active != nil {
		return true
	}
	if len(s.incoming) > 0 {
		s.active = s.incoming[0]
		s.incoming = s.incoming[1:]
		return true
	}
	return false
}

func (s *Session) registerLocked(th *sched.Thread) {
	for _, wp := range s.accepters {
		if wp.Value() == th {
			return
		}
	}
	s.accepters = append(s.accepters, weak.Make(th))
}

// IsSignaled reports whether a Receive call on this server handle would
// find a request waiting, promoting the oldest queued request to the active
// slot as a side effect. Repeated calls with no intervening Receive keep
// reporting the same answer.
func (srv *ServerSession) IsSignaled() bool {
	s := srv.s
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.signaledLocked()
}

// Register adds th to the session's accepter set (as a weak reference, so a
// thread that exits without deregistering never pins the session) if it is
// not already present. A registered thread is woken when a request arrives.
func (srv *ServerSession) Register(th *sched.Thread) {
	s := srv.s
	s.lock.Lock()
	defer s.lock.Unlock()
	s.registerLocked(th)
}

func (s *Session) finishInFlight() {
	s.lock.Lock()
	s.inFlight--
	s.lock.Unlock()
}

// SendRequest blocks the calling thread (ep.Thread) until a server receives
// and replies to a request naming [bufAddr, bufAddr+bufLen) as the sender's
// buffer, or the session dies. On success, the server's reply bytes have
// already been transcribed into that buffer; the caller reads them directly
// out of its own memory.
//
// The request is enqueued, then weak accepter references are popped until
// one upgrades to a still-live thread, which is woken so it re-checks
// whether work is available, and finally the calling thread parks on its
// own answered slot. If ep.Thread is itself currently registered as an
// accepter on this session, the call would deadlock waiting on a receive
// only it could ever perform, so it fails immediately with
// SameProcessDeadlock instead.
func (c *ClientSession) SendRequest(ep Endpoint, bufAddr, bufLen uintptr) kerr.Err_t {
	s := c.s
	s.lock.Lock()
	if s.dead || s.serverCount == 0 {
		s.lock.Unlock()
		return kerr.PortRemoteDead
	}
	for _, wp := range s.accepters {
		if th := wp.Value(); th == ep.Thread {
			s.lock.Unlock()
			return kerr.SameProcessDeadlock
		}
	}

	req := &Request{
		SenderBufAddr: bufAddr,
		SenderBufLen:  bufLen,
		SenderPID:     ep.PID,
		SenderThread:  ep.Thread,
		SenderMem:     ep.Mem,
		SenderHandles: ep.Handles,
		answered:      &answeredSlot{},
	}
	s.incoming = append(s.incoming, req)

	// Pop accepters until one upgrades to a still-live thread; a weak
	// reference whose referent is gone is skipped, not an error.
	var wake *sched.Thread
	for len(s.accepters) > 0 && wake == nil {
		wp := s.accepters[0]
		s.accepters = s.accepters[1:]
		wake = wp.Value()
	}
	s.lock.Unlock()

	if wake != nil {
		s.sched.AddToScheduleQueue(wake)
	}
	s.sched.Park(ep.Thread, req.answered.isReady)

	req.answered.mu.Lock()
	defer req.answered.mu.Unlock()
	return req.answered.err
}

// ReceivedRequest is the in-progress request a ServerSession.Receive call
// returned; exactly one Reply call completes it.
type ReceivedRequest struct {
	req *Request
	s   *Session
	ep  Endpoint

	replied bool
}

// Receive blocks the calling thread until a request is available on this
// session or the session dies, then mirrors the sender's buffer and the
// server's own [dstAddr, dstAddr+dstLen) buffer and transcribes the
// message between them via PassMessage. The loop composes the two waitable
// operations: poll for (and promote) a queued request via the IsSignaled
// state machine; if there is none, register as a weak accepter and park
// until a sender or a dying server wakes this thread.
func (srv *ServerSession) Receive(ep Endpoint, dstAddr, dstLen uintptr) (*ReceivedRequest, kerr.Err_t) {
	s := srv.s
	for {
		s.lock.Lock()
		if s.dead {
			s.lock.Unlock()
			return nil, kerr.PortRemoteDead
		}
		if s.signaledLocked() {
			req := s.active
			s.active = nil
			s.inFlight++
			s.lock.Unlock()
			return srv.deliver(req, ep, dstAddr, dstLen)
		}
		s.registerLocked(ep.Thread)
		s.lock.Unlock()

		s.sched.Park(ep.Thread, func() bool {
			s.lock.Lock()
			defer s.lock.Unlock()
			return s.active != nil || len(s.incoming) > 0 || s.dead
		})
	}
}

func (srv *ServerSession) deliver(req *Request, ep Endpoint, dstAddr, dstLen uintptr) (*ReceivedRequest, kerr.Err_t) {
	s := srv.s

	src, err := crossproc.MirrorAddr(s.km, req.SenderMem, req.SenderBufAddr, req.SenderBufLen, false)
	if err != kerr.OK {
		req.answered.fill(err)
		s.sched.AddToScheduleQueue(req.SenderThread)
		s.finishInFlight()
		return nil, err
	}
	dst, err := crossproc.MirrorAddr(s.km, ep.Mem, dstAddr, dstLen, true)
	if err != kerr.OK {
		src.Close()
		req.answered.fill(err)
		s.sched.AddToScheduleQueue(req.SenderThread)
		s.finishInFlight()
		return nil, err
	}

	perr := PassMessage(src.Bytes(), dst.Bytes(), req.SenderMem, ep.Mem, req.SenderHandles, ep.Handles, req.SenderPID)
	src.Close()
	dst.Close()
	if perr != kerr.OK {
		req.answered.fill(perr)
		s.sched.AddToScheduleQueue(req.SenderThread)
		s.finishInFlight()
		return nil, perr
	}

	return &ReceivedRequest{req: req, s: s, ep: ep}, kerr.OK
}

// Reply completes the request, transcribing [srcAddr, srcAddr+srcLen) from
// the server's own address space back into the sender's original buffer
// via PassMessage, then unblocking the client's SendRequest. Calling Reply
// twice on the same ReceivedRequest returns NoActiveRequest rather than
// halting the kernel: a reply with no request to answer is a
// userspace-triggerable condition, not a kernel bug, and the client on a
// still-live session is still owed its one real response.
func (r *ReceivedRequest) Reply(srcAddr, srcLen uintptr) kerr.Err_t {
	if r.replied {
		return kerr.NoActiveRequest
	}
	r.replied = true
	defer r.s.finishInFlight()

	src, err := crossproc.MirrorAddr(r.s.km, r.ep.Mem, srcAddr, srcLen, false)
	if err != kerr.OK {
		r.finish(err)
		return err
	}
	dst, err := crossproc.MirrorAddr(r.s.km, r.req.SenderMem, r.req.SenderBufAddr, r.req.SenderBufLen, true)
	if err != kerr.OK {
		src.Close()
		r.finish(err)
		return err
	}

	perr := PassMessage(src.Bytes(), dst.Bytes(), r.ep.Mem, r.req.SenderMem, r.ep.Handles, r.req.SenderHandles, r.ep.PID)
	src.Close()
	dst.Close()
	r.finish(perr)
	return perr
}

func (r *ReceivedRequest) finish(err kerr.Err_t) {
	r.req.answered.fill(err)
	r.s.sched.AddToScheduleQueue(r.req.SenderThread)
}

// Close releases this server handle. Once every ServerSession sharing the
// underlying Session has been closed, the session is marked dead: every
// queued or promoted-but-unreceived request is answered with PortRemoteDead
// and every parked accepter woken, and every future SendRequest/Receive
// call fails the same way. Closing more handles than were opened is a
// fatal accounting error.
func (srv *ServerSession) Close() {
	s := srv.s
	s.lock.Lock()
	s.serverCount--
	if s.serverCount < 0 {
		s.lock.Unlock()
		panic("ipc: ServerSession closed more times than it was opened")
	}
	var pending []*Request
	var accepters []weak.Pointer[sched.Thread]
	if s.serverCount == 0 && !s.dead {
		s.dead = true
		if s.active != nil {
			pending = append(pending, s.active)
			s.active = nil
		}
		pending = append(pending, s.incoming...)
		s.incoming = nil
		accepters, s.accepters = s.accepters, nil
	}
	s.lock.Unlock()

	for _, req := range pending {
		req.answered.fill(kerr.PortRemoteDead)
		s.sched.AddToScheduleQueue(req.SenderThread)
	}
	for _, wp := range accepters {
		if th := wp.Value(); th != nil {
			s.sched.AddToScheduleQueue(th)
		}
	}
}

// Package engine is the single-threaded event-loop driver: the only
// goroutine that touches the sequence allocator, the outstanding-slot
// table, and the admitted FIFO. Everything else reaches it through
// Submit, which is safe to call from any goroutine, the way gocanopen's
// NodeProcessor is driven by one background goroutine started by
// Start/Stop/Wait (pkg/node/controller.go) while callers interact with
// it from elsewhere.
package engine

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samscp/scpengine/internal/queue"
	"github.com/samscp/scpengine/internal/scperr"
	"github.com/samscp/scpengine/internal/seqalloc"
	"github.com/samscp/scpengine/internal/window"
	"github.com/samscp/scpengine/pkg/codec"
	"github.com/samscp/scpengine/pkg/fragment"
	"github.com/samscp/scpengine/pkg/transport"
)

// Config is the set of parameters an Engine is built with. All fields
// are immutable for the Engine's lifetime; changing DataLength or
// NumOutstanding is done by the owning Connection tearing down one
// Engine and building another (see Connection.reconfigure in package scp).
type Config struct {
	Socket         transport.Socket
	DataLength     int
	NumOutstanding int
	NumTries       int
	Timeout        time.Duration
	Logger         *log.Logger
}

// Stats are the engine's own counters, read cross-thread by Connection
// under statsMu rather than atomics, matching the teacher's preference
// for a plain sync.Mutex over atomic types (bus_manager.go).
type Stats struct {
	Sent        uint64
	Received    uint64
	Retransmits uint64
	Timeouts    uint64
	BadRC       uint64
	Outstanding int
	Queued      int
}

// Engine is the event-loop driver for one connection's lifetime.
type Engine struct {
	sock transport.Socket
	d    int
	w    int
	log  *log.Logger

	seq   *seqalloc.Allocator
	win   *window.Table
	fifo  *queue.FIFO
	tries int
	tmo   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inboxMu sync.Mutex
	inbox   []func()
	closing bool
	wakeCh  chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// New builds an Engine but does not start its event loop; call Start.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{
		sock:   cfg.Socket,
		d:      cfg.DataLength,
		w:      cfg.NumOutstanding,
		tries:  cfg.NumTries,
		tmo:    cfg.Timeout,
		log:    logger,
		seq:    seqalloc.New(cfg.NumOutstanding),
		win:    window.New(cfg.NumOutstanding),
		fifo:   queue.NewFIFO(),
		wakeCh: make(chan struct{}, 1),
	}
}

// Start launches the event-loop goroutine and a small reader goroutine
// that turns blocking socket reads into channel sends, the way
// NodeProcessor.Start spawns its background/main goroutines under a
// shared sync.WaitGroup.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.ctx = ctx
	e.cancel = cancel

	recvCh := make(chan packet, 16)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.readLoop(ctx, recvCh)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, recvCh)
	}()
}

// Stop cancels the event loop and closes the socket. Closing the socket
// here (rather than only cancelling the context) is what unblocks the
// reader goroutine's in-flight Socket.ReadFrom, which otherwise has no
// way to observe context cancellation. Callers must call Wait afterward
// before touching any post-shutdown state (FailQueued, TakeQueued).
func (e *Engine) Stop() {
	e.inboxMu.Lock()
	e.closing = true
	e.inboxMu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.sock.Close()
}

// Wait blocks until the event loop and reader goroutine have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// DataLength and NumOutstanding report the engine's fixed configuration.
func (e *Engine) DataLength() int     { return e.d }
func (e *Engine) NumOutstanding() int { return e.w }

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// packet is one received datagram, handed from the reader goroutine to
// the event loop.
type packet struct {
	data []byte
	n    int
}

// readDeadlinePoll bounds how long readLoop can block before re-checking
// ctx, so shutdown does not depend solely on Stop's socket Close
// unblocking an in-flight ReadFrom.
const readDeadlinePoll = 500 * time.Millisecond

func (e *Engine) readLoop(ctx context.Context, recvCh chan<- packet) {
	buf := make([]byte, 2048)
	for {
		if err := e.sock.SetReadDeadline(time.Now().Add(readDeadlinePoll)); err != nil {
			e.log.Debugf("[ENGINE][RX] set read deadline: %v", err)
		}
		n, err := e.sock.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Transient read error (e.g. ICMP port-unreachable surfaced
			// as a read error on some platforms): log and keep reading.
			e.log.Debugf("[ENGINE][RX] read error: %v", err)
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case recvCh <- packet{data: cp, n: n}:
		case <-ctx.Done():
			return
		}
	}
}

// Submit hands new Requests to the engine from any goroutine. It
// returns false if the engine is closing and the submission was
// rejected.
func (e *Engine) Submit(reqs []*queue.Request) bool {
	e.inboxMu.Lock()
	if e.closing {
		e.inboxMu.Unlock()
		return false
	}
	e.inbox = append(e.inbox, func() {
		e.fifo.PushAll(reqs)
	})
	e.inboxMu.Unlock()
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
	return true
}

// FailQueued drains any requests still sitting in the FIFO (never
// admitted into the window) and fails them with FREED. Call after Wait
// when tearing the engine down for good.
func (e *Engine) FailQueued() {
	for _, req := range e.fifo.Drain() {
		failFreed(req)
	}
}

// TakeQueued drains any requests still sitting in the FIFO without
// failing them, for a Connection that is recreating the engine (e.g. on
// a scp_data_length/n_outstanding change) and wants to re-submit them
// unchanged to the replacement.
func (e *Engine) TakeQueued() []*queue.Request {
	return e.fifo.Drain()
}

func failFreed(req *queue.Request) {
	info := scperr.RequestInfo{X: req.Target.X, Y: req.Target.Y, P: req.Target.P, Cmd: req.Cmd}
	done := req.Parent.RecordFragmentResult(scperr.NewFreed(info))
	if done {
		req.Parent.Fail(req.Parent.FirstErr)
	}
}

// run is the single-threaded event loop: it owns seq, win, and fifo for
// the Engine's entire lifetime.
func (e *Engine) run(ctx context.Context, recvCh <-chan packet) {
	e.log.Debug("[ENGINE] starting event loop")
	defer e.log.Debug("[ENGINE] event loop exited")

	e.admit()
	e.refreshOccupancy()
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if deadline, ok := e.win.EarliestDeadline(); ok {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			e.shutdown()
			return
		case <-e.wakeCh:
			e.drainInbox()
		case pkt := <-recvCh:
			e.handleRecv(pkt)
		case <-timerC:
			e.handleTimeouts()
		}
		stopTimer(timer)
		e.admit()
		e.refreshOccupancy()
	}
}

// refreshOccupancy publishes the window/FIFO occupancy so Connection.Stats
// can report it cross-thread; window.Table.Occupied and FIFO.Len are
// otherwise only ever read from this goroutine.
func (e *Engine) refreshOccupancy() {
	e.statsMu.Lock()
	e.stats.Outstanding = e.win.Occupied()
	e.stats.Queued = e.fifo.Len()
	e.statsMu.Unlock()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (e *Engine) drainInbox() {
	e.inboxMu.Lock()
	fns := e.inbox
	e.inbox = nil
	e.inboxMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// admit moves requests from the FIFO into free sequence slots until
// either the window or the FIFO is exhausted, preserving FIFO admission
// order. The sequence allocator is the source of truth for which slots
// are free; the window table tracks what's armed in each one.
func (e *Engine) admit() {
	for {
		seqID, ok := e.seq.Allocate()
		if !ok {
			return
		}
		req, ok := e.fifo.Pop()
		if !ok {
			e.seq.Retire(seqID)
			return
		}
		e.arm(seqID, req)
	}
}

func (e *Engine) arm(seqID uint16, req *queue.Request) {
	req.Seq = seqID
	req.Armed = true
	deadline := time.Now().Add(e.requestTimeout(req))
	e.win.Arm(seqID, req, deadline)
	e.send(req)
}

func (e *Engine) requestTimeout(req *queue.Request) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return e.tmo
}

func (e *Engine) send(req *queue.Request) {
	cmd := codec.Command{
		X: req.Target.X, Y: req.Target.Y, P: req.Target.P,
		Seq:  req.Seq,
		Cmd:  req.Cmd,
		Argc: 3,
		Data: req.Data,
	}
	cmd.Args[0] = req.Arg1
	cmd.Args[1] = req.Arg2
	cmd.Args[2] = req.Arg3
	buf := codec.Encode(cmd)
	if err := e.sock.Send(buf); err != nil {
		e.log.Warnf("[ENGINE][TX] seq=%d cmd=0x%x: send error: %v", req.Seq, req.Cmd, err)
	}
	e.statsMu.Lock()
	e.stats.Sent++
	e.statsMu.Unlock()
	e.log.Debugf("[ENGINE][TX] seq=%d cmd=0x%x target=(%d,%d,%d) len=%d", req.Seq, req.Cmd, req.Target.X, req.Target.Y, req.Target.P, len(req.Data))
}

func (e *Engine) handleRecv(pkt packet) {
	e.statsMu.Lock()
	e.stats.Received++
	e.statsMu.Unlock()

	resp, err := codec.Decode(pkt.data[:pkt.n], e.d)
	if err != nil {
		e.log.Debugf("[ENGINE][RX] dropping malformed datagram: %v", err)
		return
	}
	slot := e.win.Get(resp.Seq)
	if slot == nil || slot.State != window.Armed {
		e.log.Debugf("[ENGINE][RX] dropping reply for idle/unknown seq=%d", resp.Seq)
		return
	}
	req := slot.Request
	e.win.MarkCompleting(resp.Seq)
	e.win.Retire(resp.Seq)
	e.seq.Retire(resp.Seq)

	info := scperr.RequestInfo{X: req.Target.X, Y: req.Target.Y, P: req.Target.P, Cmd: req.Cmd, Seq: resp.Seq}

	if !resp.IsOK() {
		e.statsMu.Lock()
		e.stats.BadRC++
		e.statsMu.Unlock()
		e.log.Warnf("[ENGINE][RX] seq=%d cmd=0x%x: bad rc 0x%x", resp.Seq, req.Cmd, resp.RC)
		e.fail(req, scperr.NewBadRC(info, resp.RC))
		return
	}

	e.log.Debugf("[ENGINE][RX] seq=%d cmd=0x%x: ok", resp.Seq, req.Cmd)
	e.succeed(req, resp)
}

func (e *Engine) handleTimeouts() {
	now := time.Now()
	for _, seqID := range e.win.DueSeqs(now) {
		slot := e.win.Get(seqID)
		req := slot.Request
		if req.RetriesLeft > 0 {
			req.RetriesLeft--
			e.statsMu.Lock()
			e.stats.Retransmits++
			e.statsMu.Unlock()
			e.log.Debugf("[ENGINE][TX] seq=%d cmd=0x%x: retry, %d left", seqID, req.Cmd, req.RetriesLeft)
			deadline := now.Add(e.requestTimeout(req))
			e.win.Arm(seqID, req, deadline)
			e.send(req)
			continue
		}
		e.statsMu.Lock()
		e.stats.Timeouts++
		e.statsMu.Unlock()
		info := scperr.RequestInfo{X: req.Target.X, Y: req.Target.Y, P: req.Target.P, Cmd: req.Cmd, Seq: seqID}
		e.log.Warnf("[ENGINE][RX] seq=%d cmd=0x%x: timed out", seqID, req.Cmd)
		e.win.MarkCompleting(seqID)
		e.win.Retire(seqID)
		e.seq.Retire(seqID)
		e.fail(req, scperr.NewTimeout(info))
	}
}

func (e *Engine) fail(req *queue.Request, err *scperr.Error) {
	done := req.Parent.RecordFragmentResult(err)
	if done {
		req.Parent.Fail(req.Parent.FirstErr)
	}
}

func (e *Engine) succeed(req *queue.Request, resp codec.Response) {
	if req.Kind == queue.KindReadFragment {
		fragment.CopyIn(req.Parent, req, resp.Data)
	}
	done := req.Parent.RecordFragmentResult(nil)
	if !done {
		return
	}
	single := queue.Response{
		Arg1: resp.Args[0], Arg2: resp.Args[1], Arg3: resp.Args[2],
		HasArg: resp.HasArg,
		Data:   resp.Data,
	}
	req.Parent.Complete(single)
}

// shutdown fails every in-window request with FREED, run when the event
// loop's context is cancelled. Queued-but-unadmitted requests are left
// in the FIFO for the caller to retrieve via FailQueued/TakeQueued after
// Wait returns.
func (e *Engine) shutdown() {
	// Any Submit that raced Stop() and appended to the inbox after the
	// loop's last drainInbox call would otherwise strand its requests:
	// pull them into the FIFO so the caller's FailQueued/TakeQueued (run
	// after Wait returns) sees them.
	e.drainInbox()
	for _, req := range e.win.Drain() {
		failFreed(req)
	}
}

// Package scp is an asynchronous client for the SCP request/response
// command protocol: one UDP socket, many outstanding commands bounded by
// a configurable window, per-command retry and timeout, and
// transparent fragmentation of bulk reads/writes into
// scp_data_length-sized sub-transactions.
package scp

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/samscp/scpengine/internal/engine"
	"github.com/samscp/scpengine/internal/queue"
	"github.com/samscp/scpengine/internal/scperr"
	"github.com/samscp/scpengine/pkg/fragment"
	"github.com/samscp/scpengine/pkg/transport"
)

// Target addresses one core on the remote compute fabric.
type Target struct {
	X, Y, P uint8
}

func (t Target) internal() queue.Target {
	return queue.Target{X: t.X, Y: t.Y, P: t.P}
}

// Response is what a successful single SCP command hands to the
// caller's OnSuccess callback.
type Response struct {
	Arg1, Arg2, Arg3 uint32
	HasArg           [3]bool
	Data             []byte
}

// Connection is a live SCP client: one UDP socket plus the engine
// driving it. Safe for concurrent use from any number of goroutines.
type Connection struct {
	mu   sync.RWMutex
	opts Options
	eng  *engine.Engine
	log  *log.Logger
}

// Open dials opts.RemoteAddr and starts the engine. The returned
// Connection owns the underlying socket until Close is called.
func Open(opts Options) (*Connection, error) {
	if opts.RemoteAddr == "" {
		return nil, ErrIllegalArgument
	}
	opts.normalize()

	logger := log.StandardLogger()
	c := &Connection{opts: opts, log: logger}
	eng, err := c.newEngine(opts, nil)
	if err != nil {
		return nil, err
	}
	c.eng = eng
	return c, nil
}

func (c *Connection) newEngine(opts Options, carryOver []*queue.Request) (*engine.Engine, error) {
	sock, err := transport.DialUDP(opts.RemoteAddr)
	if err != nil {
		return nil, err
	}
	if opts.RecvBufferBytes > 0 {
		if err := transport.SetRecvBuffer(sock, opts.RecvBufferBytes); err != nil {
			c.log.Warnf("[SCP] failed to set SO_RCVBUF: %v", err)
		}
	}
	eng := engine.New(engine.Config{
		Socket:         sock,
		DataLength:     opts.DataLength,
		NumOutstanding: opts.NumOutstanding,
		NumTries:       opts.NumTries,
		Timeout:        opts.Timeout,
		Logger:         c.log,
	})
	eng.Start(context.Background())
	if len(carryOver) > 0 {
		eng.Submit(carryOver)
	}
	return eng, nil
}

// Close tears the connection down: every in-window request completes
// with FREED, every still-queued request also completes with FREED, and
// the underlying socket is released.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eng == nil {
		return ErrClosed
	}
	c.eng.Stop()
	c.eng.Wait()
	c.eng.FailQueued()
	c.eng = nil
	return nil
}

// DataLength returns the connection's current scp_data_length (D).
func (c *Connection) DataLength() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.eng == nil {
		return c.opts.DataLength
	}
	return c.eng.DataLength()
}

// NumOutstanding returns the connection's current window size (W).
func (c *Connection) NumOutstanding() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.eng == nil {
		return c.opts.NumOutstanding
	}
	return c.eng.NumOutstanding()
}

// SetDataLength changes scp_data_length. This recreates the engine:
// every in-window request fails with FREED, while requests still queued
// (not yet admitted) survive and are resubmitted unchanged, per the
// engine's controlled-teardown-and-reconfiguration design.
func (c *Connection) SetDataLength(d int) error {
	return c.reconfigure(func(o *Options) { o.DataLength = d })
}

// SetNumOutstanding changes the window size W, with the same
// recreate-and-carry-over semantics as SetDataLength.
func (c *Connection) SetNumOutstanding(w int) error {
	return c.reconfigure(func(o *Options) { o.NumOutstanding = w })
}

func (c *Connection) reconfigure(mutate func(*Options)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eng == nil {
		return ErrClosed
	}
	newOpts := c.opts
	mutate(&newOpts)
	newOpts.normalize()

	old := c.eng
	old.Stop()
	old.Wait()
	carryOver := old.TakeQueued()

	eng, err := c.newEngine(newOpts, carryOver)
	if err != nil {
		// Keep the old config; the socket is already gone, so the
		// connection is now unusable, matching CLOSED semantics: the
		// carried-over queued requests fail with FREED as on Close.
		for _, req := range carryOver {
			info := scperr.RequestInfo{X: req.Target.X, Y: req.Target.Y, P: req.Target.P, Cmd: req.Cmd}
			if req.Parent.RecordFragmentResult(scperr.NewFreed(info)) {
				req.Parent.Fail(req.Parent.FirstErr)
			}
		}
		c.eng = nil
		return err
	}
	c.opts = newOpts
	c.eng = eng
	return nil
}

// Stats returns a snapshot of the connection's datagram counters.
func (c *Connection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.eng == nil {
		return Stats{}
	}
	s := c.eng.Stats()
	return Stats{
		Sent: s.Sent, Received: s.Received, Retransmits: s.Retransmits, Timeouts: s.Timeouts, BadRC: s.BadRC,
		Outstanding: s.Outstanding, Queued: s.Queued,
	}
}

func (c *Connection) submit(reqs []*queue.Request) error {
	c.mu.RLock()
	eng := c.eng
	c.mu.RUnlock()
	if eng == nil {
		return ErrClosed
	}
	if !eng.Submit(reqs) {
		return ErrShuttingDown
	}
	return nil
}

// SendSCP issues a single SCP command. The call returns immediately;
// exactly one of onSuccess or onError fires once the command completes,
// from the engine's goroutine (or, for a command still queued when the
// connection is closed, from the goroutine calling Close). timeoutMs of 0
// uses the connection's configured default timeout; a non-zero value
// overrides it for this command only.
func (c *Connection) SendSCP(target Target, cmd uint16, arg1, arg2, arg3 uint32, argc uint8, data []byte, timeoutMs uint32, onSuccess func(Response), onError func(error)) error {
	op := &queue.UserOp{
		Kind:      queue.KindSingle,
		Target:    target.internal(),
		Remaining: 1,
		OnSuccessSingle: func(r queue.Response) {
			if onSuccess != nil {
				onSuccess(Response{Arg1: r.Arg1, Arg2: r.Arg2, Arg3: r.Arg3, HasArg: r.HasArg, Data: r.Data})
			}
		},
		OnError: onError,
	}
	req := &queue.Request{
		Parent:       op,
		Kind:         queue.KindSingle,
		Target:       target.internal(),
		Cmd:          cmd,
		Arg1:         arg1,
		Arg2:         arg2,
		Arg3:         arg3,
		Data:         data,
		ExpectedArgs: argc,
		TimeoutMs:    timeoutMs,
		RetriesLeft:  c.NumTries() - 1,
	}
	return c.submit([]*queue.Request{req})
}

// NumTries returns the connection's current per-command retry budget.
func (c *Connection) NumTries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts.NumTries
}

// Write performs a bulk write of data to address on target, split
// transparently into scp_data_length-sized fragments. onSuccess fires
// once every fragment has completed; onError fires with the first
// fragment's error if any fragment fails. timeoutMs of 0 uses the
// connection's configured default, applied to every fragment.
func (c *Connection) Write(target Target, address uint32, data []byte, timeoutMs uint32, onSuccess func(), onError func(error)) error {
	op := &queue.UserOp{
		Kind:          queue.KindWriteFragment,
		Target:        target.internal(),
		Address:       address,
		Length:        uint32(len(data)),
		Buffer:        data,
		OnSuccessBulk: onSuccess,
		OnError:       onError,
	}
	reqs := fragment.Split(op, c.DataLength(), timeoutMs, c.NumTries()-1)
	return c.submit(reqs)
}

// Read performs a bulk read of length bytes from address on target into
// buf, split transparently into scp_data_length-sized fragments. buf
// must be at least length bytes; onSuccess is handed buf once every
// fragment has landed. timeoutMs of 0 uses the connection's configured
// default, applied to every fragment.
func (c *Connection) Read(target Target, address uint32, length uint32, buf []byte, timeoutMs uint32, onSuccess func([]byte), onError func(error)) error {
	op := &queue.UserOp{
		Kind:          queue.KindReadFragment,
		Target:        target.internal(),
		Address:       address,
		Length:        length,
		Buffer:        buf,
		OnSuccessRead: onSuccess,
		OnError:       onError,
	}
	reqs := fragment.Split(op, c.DataLength(), timeoutMs, c.NumTries()-1)
	return c.submit(reqs)
}

// WriteRawSync is a blocking convenience wrapper over Write, mirroring
// the original rig connection's synchronous helper methods built atop
// its async core.
func (c *Connection) WriteRawSync(target Target, address uint32, data []byte) error {
	done := make(chan error, 1)
	if err := c.Write(target, address, data, 0, func() { done <- nil }, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

// ReadRawSync is a blocking convenience wrapper over Read.
func (c *Connection) ReadRawSync(target Target, address uint32, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	done := make(chan error, 1)
	if err := c.Read(target, address, length, buf, 0, func([]byte) { done <- nil }, func(err error) { done <- err }); err != nil {
		return nil, err
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return buf, nil
}

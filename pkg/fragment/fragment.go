// Package fragment splits a bulk read/write UserOp into Request-sized
// sub-transactions no larger than the connection's negotiated
// scp_data_length (D), and reassembles read replies back into the
// caller's buffer. The accounting (bytes transferred vs. indicated)
// follows gocanopen's SDOClient download/upload bookkeeping
// (sizeTransferred/sizeIndicated), generalized from one segment in
// flight at a time to up to W fragments sharing the window.
package fragment

import (
	"github.com/samscp/scpengine/internal/queue"
)

// WriteCmd and ReadCmd are the SCP commands the fragmenter issues for
// bulk transfers. The actual numeric values are engine-internal; rig
// wire compatibility is out of scope.
const (
	WriteCmd uint16 = 3
	ReadCmd  uint16 = 4
)

// Split builds the Request fragments for op, a bulk write or read
// already populated with Target, Address, Length and (for writes)
// Buffer. d is the connection's current scp_data_length; every fragment
// carries at most d bytes. op.Remaining is set to the fragment count so
// the caller can drive completion via UserOp.RecordFragmentResult.
func Split(op *queue.UserOp, d int, timeoutMs uint32, retries int) []*queue.Request {
	if d <= 0 {
		d = 1
	}
	n := int(op.Length) / d
	if int(op.Length)%d != 0 {
		n++
	}
	if n == 0 {
		n = 1 // zero-length transfer still completes as one fragment
	}
	op.Remaining = n

	reqs := make([]*queue.Request, 0, n)
	var off uint32
	for i := 0; i < n; i++ {
		chunk := uint32(d)
		if remaining := op.Length - off; remaining < chunk {
			chunk = remaining
		}
		req := &queue.Request{
			Parent:      op,
			Kind:        op.Kind,
			Target:      op.Target,
			Address:     op.Address + off,
			BufOffset:   off,
			TimeoutMs:   timeoutMs,
			RetriesLeft: retries,
		}
		switch op.Kind {
		case queue.KindWriteFragment:
			req.Cmd = WriteCmd
			req.Data = op.Buffer[off : off+chunk]
			req.ExpectedArgs = 0
		case queue.KindReadFragment:
			req.Cmd = ReadCmd
			req.ExpectedArgs = 0
			req.Arg3 = chunk // length requested, carried as an argument
		}
		req.Arg1 = req.Address
		req.Arg2 = chunk
		reqs = append(reqs, req)
		off += chunk
	}
	return reqs
}

// CopyIn lands a read fragment's reply data into the UserOp's buffer at
// the fragment's recorded offset. Data shorter than requested is copied
// as-is; the caller (the engine) is responsible for deciding whether a
// short reply is itself an error.
func CopyIn(op *queue.UserOp, req *queue.Request, data []byte) {
	if op.Buffer == nil {
		return
	}
	end := int(req.BufOffset) + len(data)
	if end > len(op.Buffer) {
		end = len(op.Buffer)
		data = data[:end-int(req.BufOffset)]
	}
	copy(op.Buffer[req.BufOffset:end], data)
}

// Package codec implements the wire encoding/decoding of SCP command and
// response datagrams. It knows nothing about sockets, timers, or
// sequencing policy, only how to turn a command into bytes and bytes
// back into a response.
package codec

import (
	"encoding/binary"
	"errors"
)

// RCOk is the canonical "success" return code a response must carry for
// the engine to treat it as OK rather than BAD_RC.
const RCOk uint16 = 0x80

const (
	// CommandHeaderLen is x(1) + y(1) + p(1) + seq(2) + cmd(2) + argc(1).
	CommandHeaderLen = 8
	// ResponseHeaderLen is seq(2) + rc(2) + argc(1).
	ResponseHeaderLen = 5

	MaxArgs = 3
)

// ErrShortPacket is returned by Decode when a datagram is too short to
// contain even the fixed response header. Callers drop the datagram
// silently per the engine's malformed-datagram policy; this error exists
// so that policy can be expressed as a type switch rather than a string
// comparison.
var ErrShortPacket = errors.New("codec: datagram shorter than response header")

// Command is the set of fields needed to encode one request datagram.
type Command struct {
	X, Y, P uint8
	Seq     uint16
	Cmd     uint16
	Argc    uint8
	Args    [MaxArgs]uint32
	Data    []byte
}

// Encode serializes cmd into a new datagram payload.
func Encode(cmd Command) []byte {
	argc := int(cmd.Argc)
	if argc > MaxArgs {
		argc = MaxArgs
	}
	buf := make([]byte, CommandHeaderLen+argc*4+len(cmd.Data))
	buf[0] = cmd.X
	buf[1] = cmd.Y
	buf[2] = cmd.P
	binary.LittleEndian.PutUint16(buf[3:], cmd.Seq)
	binary.LittleEndian.PutUint16(buf[5:], cmd.Cmd)
	buf[7] = uint8(argc)
	off := CommandHeaderLen
	for i := 0; i < argc; i++ {
		binary.LittleEndian.PutUint32(buf[off:], cmd.Args[i])
		off += 4
	}
	copy(buf[off:], cmd.Data)
	return buf
}

// Response is the decoded form of a reply datagram. Data is a slice into
// the buffer passed to Decode, not an independent copy; callers that
// need to retain it across the next receive must copy it themselves.
type Response struct {
	Seq    uint16
	RC     uint16
	Argc   uint8
	Args   [MaxArgs]uint32
	HasArg [MaxArgs]bool
	Data   []byte
}

// IsOK reports whether the response's return code is the canonical
// success value.
func (r Response) IsOK() bool {
	return r.RC == RCOk
}

// Decode parses buf into a Response. maxData bounds how much of the
// trailing data field is kept; longer payloads are truncated rather than
// rejected, matching the engine's policy for oversized replies. A buf
// shorter than the fixed header returns ErrShortPacket; the caller (the
// engine) is responsible for dropping such datagrams silently.
func Decode(buf []byte, maxData int) (Response, error) {
	if len(buf) < ResponseHeaderLen {
		return Response{}, ErrShortPacket
	}
	var resp Response
	resp.Seq = binary.LittleEndian.Uint16(buf[0:2])
	resp.RC = binary.LittleEndian.Uint16(buf[2:4])
	resp.Argc = buf[4]

	off := ResponseHeaderLen
	argc := int(resp.Argc)
	if argc > MaxArgs {
		argc = MaxArgs
	}
	for i := 0; i < argc; i++ {
		if off+4 > len(buf) {
			break
		}
		resp.Args[i] = binary.LittleEndian.Uint32(buf[off:])
		resp.HasArg[i] = true
		off += 4
	}

	if off < len(buf) {
		data := buf[off:]
		if maxData >= 0 && len(data) > maxData {
			data = data[:maxData]
		}
		resp.Data = data
	}
	return resp, nil
}

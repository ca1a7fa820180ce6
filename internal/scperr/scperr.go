// Package scperr holds the structured per-request error type shared by
// the engine (which raises it) and the root scp package (which
// re-exports it to callers), keeping the taxonomy in one place without
// letting the engine import the public façade package.
package scperr

import "fmt"

// ErrorCode taxonomizes why a UserOp failed, following the shape of
// gocanopen's SDOAbortCode: a typed code carried by the error, not a
// bare sentinel, because every instance needs request-specific data.
type ErrorCode uint8

const (
	CodeBadRC ErrorCode = iota
	CodeTimeout
	CodeFreed
)

func (c ErrorCode) String() string {
	switch c {
	case CodeBadRC:
		return "BAD_RC"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeFreed:
		return "FREED"
	default:
		return "UNKNOWN"
	}
}

// RequestInfo identifies the failing request for diagnostics.
type RequestInfo struct {
	X, Y, P uint8
	Cmd     uint16
	Seq     uint16
}

// Error is what a UserOp completes with on failure.
type Error struct {
	Code    ErrorCode
	Request RequestInfo
	RC      uint16 // meaningful only when Code == CodeBadRC
}

func (e *Error) Error() string {
	target := fmt.Sprintf("(%d,%d,%d)", e.Request.X, e.Request.Y, e.Request.P)
	switch e.Code {
	case CodeBadRC:
		return fmt.Sprintf("scp: %s cmd=0x%x seq=%d: bad rc 0x%x", target, e.Request.Cmd, e.Request.Seq, e.RC)
	case CodeTimeout:
		return fmt.Sprintf("scp: %s cmd=0x%x seq=%d: timed out", target, e.Request.Cmd, e.Request.Seq)
	case CodeFreed:
		return fmt.Sprintf("scp: %s cmd=0x%x: request freed", target, e.Request.Cmd)
	default:
		return fmt.Sprintf("scp: %s cmd=0x%x: unknown error", target, e.Request.Cmd)
	}
}

func NewBadRC(info RequestInfo, rc uint16) *Error {
	return &Error{Code: CodeBadRC, Request: info, RC: rc}
}

func NewTimeout(info RequestInfo) *Error {
	return &Error{Code: CodeTimeout, Request: info}
}

func NewFreed(info RequestInfo) *Error {
	return &Error{Code: CodeFreed, Request: info}
}

package scp

import (
	"errors"

	"github.com/samscp/scpengine/internal/scperr"
)

// Static, pre-flight errors: conditions that don't carry any per-request
// data, following the flat sentinel list in gocanopen's root errors.go.
var (
	ErrClosed          = errors.New("scp: connection is closed")
	ErrIllegalArgument = errors.New("scp: illegal argument")
	ErrShuttingDown    = errors.New("scp: connection is shutting down")
)

// ErrorCode taxonomizes the per-request failures a UserOp can complete
// with: BAD_RC (a reply arrived with a non-OK return code), TIMEOUT
// (every retry was exhausted), and FREED (the request was in-window when
// the connection was closed or reconfigured out from under it, or still
// queued when it was closed). The type lives in internal/scperr so the
// engine can raise it without importing this package.
type ErrorCode = scperr.ErrorCode

const (
	CodeBadRC   = scperr.CodeBadRC
	CodeTimeout = scperr.CodeTimeout
	CodeFreed   = scperr.CodeFreed
)

// RequestInfo identifies which request an *Error belongs to.
type RequestInfo = scperr.RequestInfo

// Error is the structured error a UserOp completes with on failure.
type Error = scperr.Error

package scp

import "time"

// Defaults mirror the rig SCP connection's own defaults: 5 tries per
// command, a 500ms per-try timeout, an unwindowed (single-outstanding)
// connection, and 256-byte bulk transfer fragments.
const (
	DefaultPort           = 17893
	DefaultNumTries       = 5
	DefaultNumOutstanding = 1
	DefaultDataLength     = 256
	DefaultTimeoutMs      = 500
)

// Options configures a Connection at Open time. Zero-value fields are
// replaced by DefaultOptions()'s values in Open, so callers only need to
// set what they want to override.
type Options struct {
	// RemoteAddr is the "host:port" the engine dials. Required.
	RemoteAddr string

	NumTries       int
	NumOutstanding int
	DataLength     int
	Timeout        time.Duration

	// RecvBufferBytes, when non-zero, sets SO_RCVBUF on the underlying
	// UDP socket via transport.SetRecvBuffer.
	RecvBufferBytes int
}

// DefaultOptions returns an Options populated with the engine's defaults
// and no RemoteAddr; callers must set one before calling Open.
func DefaultOptions() Options {
	return Options{
		NumTries:       DefaultNumTries,
		NumOutstanding: DefaultNumOutstanding,
		DataLength:     DefaultDataLength,
		Timeout:        DefaultTimeoutMs * time.Millisecond,
	}
}

// normalize fills in any zero-valued fields with defaults, in place.
func (o *Options) normalize() {
	def := DefaultOptions()
	if o.NumTries == 0 {
		o.NumTries = def.NumTries
	}
	if o.NumOutstanding == 0 {
		o.NumOutstanding = def.NumOutstanding
	}
	if o.DataLength == 0 {
		o.DataLength = def.DataLength
	}
	if o.Timeout == 0 {
		o.Timeout = def.Timeout
	}
}

// Stats are per-connection counters, the queryable equivalent of the
// datagram-count assertions the original's mock test harness made
// directly against a private test hook.
type Stats struct {
	Sent        uint64
	Received    uint64
	Retransmits uint64
	Timeouts    uint64
	BadRC       uint64
	Outstanding int // requests currently holding a window slot
	Queued      int // requests admitted but not yet windowed
}

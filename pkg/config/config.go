// Package config loads scp.Options from an ini file, the way gocanopen's
// pkg/od parser loads an EDS file with gopkg.in/ini.v1. A convenience
// for CLI/example use, not the primary construction path (programmatic
// Options remain first-class).
package config

import (
	"time"

	"gopkg.in/ini.v1"

	scp "github.com/samscp/scpengine"
)

// Load reads path, expecting a [scp] section with keys remote_addr,
// n_tries, n_outstanding, scp_data_length, timeout_ms, recv_buffer_bytes.
// Missing keys fall back to scp.DefaultOptions()'s values.
func Load(path string) (scp.Options, error) {
	opts := scp.DefaultOptions()

	f, err := ini.Load(path)
	if err != nil {
		return opts, err
	}
	sec := f.Section("scp")

	opts.RemoteAddr = sec.Key("remote_addr").String()
	if v, err := sec.Key("n_tries").Int(); err == nil && v > 0 {
		opts.NumTries = v
	}
	if v, err := sec.Key("n_outstanding").Int(); err == nil && v > 0 {
		opts.NumOutstanding = v
	}
	if v, err := sec.Key("scp_data_length").Int(); err == nil && v > 0 {
		opts.DataLength = v
	}
	if v, err := sec.Key("timeout_ms").Int(); err == nil && v > 0 {
		opts.Timeout = time.Duration(v) * time.Millisecond
	}
	if v, err := sec.Key("recv_buffer_bytes").Int(); err == nil && v > 0 {
		opts.RecvBufferBytes = v
	}
	return opts, nil
}

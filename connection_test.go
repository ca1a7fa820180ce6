package scp_test

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scp "github.com/samscp/scpengine"
	"github.com/samscp/scpengine/pkg/codec"
)

// mockCommand is a parsed request datagram, decoded by the test harness
// the way a real SCP server would, mirroring the field layout
// pkg/codec.Encode produces.
type mockCommand struct {
	X, Y, P uint8
	Seq     uint16
	Cmd     uint16
	Argc    uint8
	Args    [3]uint32
	Data    []byte
}

func parseMockCommand(buf []byte) mockCommand {
	var c mockCommand
	c.X, c.Y, c.P = buf[0], buf[1], buf[2]
	c.Seq = binary.LittleEndian.Uint16(buf[3:5])
	c.Cmd = binary.LittleEndian.Uint16(buf[5:7])
	c.Argc = buf[7]
	off := 8
	for i := 0; i < int(c.Argc) && i < 3; i++ {
		c.Args[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	c.Data = append([]byte(nil), buf[off:]...)
	return c
}

func encodeMockResponse(seq uint16, rc uint16, args [3]uint32, data []byte) []byte {
	buf := make([]byte, codec.ResponseHeaderLen+3*4+len(data))
	binary.LittleEndian.PutUint16(buf[0:2], seq)
	binary.LittleEndian.PutUint16(buf[2:4], rc)
	buf[4] = 3
	off := codec.ResponseHeaderLen
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(buf[off:], args[i])
		off += 4
	}
	copy(buf[off:], data)
	return buf
}

// mockServer is a bare UDP listener driven by a handler invoked once per
// received datagram, on its own goroutine.
type mockServer struct {
	conn *net.UDPConn
	addr string
}

func newMockServer(t *testing.T, handle func(reply func([]byte), cmd mockCommand)) *mockServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	ms := &mockServer{conn: conn, addr: conn.LocalAddr().String()}

	go func() {
		buf := make([]byte, 2048)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			cmd := parseMockCommand(buf[:n])
			reply := func(b []byte) { conn.WriteToUDP(b, raddr) }
			// Handled off the accept loop so one blocked/slow handler
			// (e.g. a test holding a reply to simulate an in-flight
			// request) doesn't stall delivery of later datagrams.
			go handle(reply, cmd)
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return ms
}

func newTestConnection(t *testing.T, mutate func(*scp.Options)) *scp.Connection {
	t.Helper()
	opts := scp.DefaultOptions()
	opts.NumTries = 2
	opts.Timeout = 200 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	conn, err := scp.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSendSCPBasicCommand(t *testing.T) {
	srv := newMockServer(t, func(reply func([]byte), cmd mockCommand) {
		reply(encodeMockResponse(cmd.Seq, codec.RCOk, [3]uint32{1, 2, 3}, nil))
	})
	conn := newTestConnection(t, func(o *scp.Options) { o.RemoteAddr = srv.addr })

	done := make(chan scp.Response, 1)
	target := scp.Target{X: 1, Y: 2, P: 3}
	err := conn.SendSCP(target, 4, 5, 6, 7, 3, []byte("foo"), 0,
		func(r scp.Response) { done <- r },
		func(err error) { t.Errorf("unexpected error: %v", err) },
	)
	require.NoError(t, err)

	select {
	case r := <-done:
		assert.EqualValues(t, 1, r.Arg1)
		assert.EqualValues(t, 2, r.Arg2)
		assert.EqualValues(t, 3, r.Arg3)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for on_success")
	}
}

func TestBadRCPropagates(t *testing.T) {
	srv := newMockServer(t, func(reply func([]byte), cmd mockCommand) {
		reply(encodeMockResponse(cmd.Seq, 0x01, [3]uint32{}, nil))
	})
	conn := newTestConnection(t, func(o *scp.Options) { o.RemoteAddr = srv.addr })

	errCh := make(chan error, 1)
	target := scp.Target{X: 1, Y: 1, P: 1}
	err := conn.SendSCP(target, 9, 0, 0, 0, 0, nil, 0,
		func(scp.Response) { t.Error("unexpected success") },
		func(err error) { errCh <- err },
	)
	require.NoError(t, err)

	select {
	case err := <-errCh:
		var scpErr *scp.Error
		require.ErrorAs(t, err, &scpErr)
		assert.Equal(t, scp.CodeBadRC, scpErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for on_error")
	}
}

func TestTimeout(t *testing.T) {
	srv := newMockServer(t, func(reply func([]byte), cmd mockCommand) {
		// never reply
	})
	conn := newTestConnection(t, func(o *scp.Options) {
		o.RemoteAddr = srv.addr
		o.NumTries = 1
		o.Timeout = 30 * time.Millisecond
	})

	errCh := make(chan error, 1)
	target := scp.Target{X: 0, Y: 0, P: 0}
	err := conn.SendSCP(target, 1, 0, 0, 0, 0, nil, 0,
		func(scp.Response) { t.Error("unexpected success") },
		func(err error) { errCh <- err },
	)
	require.NoError(t, err)

	select {
	case err := <-errCh:
		var scpErr *scp.Error
		require.ErrorAs(t, err, &scpErr)
		assert.Equal(t, scp.CodeTimeout, scpErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for on_error")
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	srv := newMockServer(t, func(reply func([]byte), cmd mockCommand) {
		// never reply; connection will be closed before any timeout fires
	})
	opts := scp.DefaultOptions()
	opts.RemoteAddr = srv.addr
	opts.NumTries = 5
	opts.Timeout = time.Second
	conn, err := scp.Open(opts)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	target := scp.Target{X: 0, Y: 0, P: 0}
	err = conn.SendSCP(target, 1, 0, 0, 0, 0, nil, 0,
		func(scp.Response) { t.Error("unexpected success") },
		func(err error) { errCh <- err },
	)
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		var scpErr *scp.Error
		require.ErrorAs(t, err, &scpErr)
		assert.Equal(t, scp.CodeFreed, scpErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for FREED")
	}

	// Double close is idempotent; it must not panic and should report
	// already-closed rather than re-running teardown.
	assert.ErrorIs(t, conn.Close(), scp.ErrClosed)
}

func TestBulkWriteFragmentation(t *testing.T) {
	var mu sync.Mutex
	var addrs []uint32

	srv := newMockServer(t, func(reply func([]byte), cmd mockCommand) {
		mu.Lock()
		addrs = append(addrs, cmd.Args[0])
		mu.Unlock()
		reply(encodeMockResponse(cmd.Seq, codec.RCOk, [3]uint32{}, nil))
	})
	conn := newTestConnection(t, func(o *scp.Options) {
		o.RemoteAddr = srv.addr
		o.DataLength = 5
	})

	payload := []byte("ABCDEFGHIJKLMNOPQRST") // 20 bytes
	const base = 0xDEADBEEF
	err := conn.WriteRawSync(scp.Target{}, base, payload)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, addrs, 4)
	assert.ElementsMatch(t, []uint32{base, base + 5, base + 10, base + 15}, addrs)
}

func TestRoundTripWriteRead(t *testing.T) {
	store := make(map[uint32]byte)
	var mu sync.Mutex

	srv := newMockServer(t, func(reply func([]byte), cmd mockCommand) {
		mu.Lock()
		defer mu.Unlock()
		switch cmd.Cmd {
		case 3: // write
			for i, b := range cmd.Data {
				store[cmd.Args[0]+uint32(i)] = b
			}
			reply(encodeMockResponse(cmd.Seq, codec.RCOk, [3]uint32{}, nil))
		case 4: // read
			length := cmd.Args[2]
			data := make([]byte, length)
			for i := range data {
				data[i] = store[cmd.Args[0]+uint32(i)]
			}
			reply(encodeMockResponse(cmd.Seq, codec.RCOk, [3]uint32{}, data))
		}
	})
	conn := newTestConnection(t, func(o *scp.Options) {
		o.RemoteAddr = srv.addr
		o.DataLength = 8
	})

	payload := []byte("the quick brown fox jumps")
	const addr = 0x1000
	require.NoError(t, conn.WriteRawSync(scp.Target{}, addr, payload))

	readBack, err := conn.ReadRawSync(scp.Target{}, addr, uint32(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)
}

func TestWindowEnforcement(t *testing.T) {
	var mu sync.Mutex
	seen := map[uint16]bool{}
	var maxConcurrent int
	inFlight := 0
	release := make(chan struct{})

	srv := newMockServer(t, func(reply func([]byte), cmd mockCommand) {
		mu.Lock()
		if !seen[cmd.Seq] {
			seen[cmd.Seq] = true
			inFlight++
			if inFlight > maxConcurrent {
				maxConcurrent = inFlight
			}
		}
		mu.Unlock()

		<-release

		mu.Lock()
		inFlight--
		mu.Unlock()
		reply(encodeMockResponse(cmd.Seq, codec.RCOk, [3]uint32{}, nil))
	})
	conn := newTestConnection(t, func(o *scp.Options) {
		o.RemoteAddr = srv.addr
		o.DataLength = 10
		o.NumOutstanding = 1
	})

	done := make(chan error, 1)
	go func() {
		done <- conn.WriteRawSync(scp.Target{}, 0, make([]byte, 20)) // 2 fragments
	}()

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	assert.LessOrEqual(t, maxConcurrent, 1, "W=1 must bound concurrent in-flight fragments")
	mu.Unlock()

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write to complete")
	}
}

// TestSetDataLengthMidFlight covers the boundary behavior of changing
// scp_data_length while a command is in-window and another is still
// queued behind it: the in-window command must fail FREED, and the
// queued one must survive the engine recreation and complete normally
// under the new configuration.
func TestSetDataLengthMidFlight(t *testing.T) {
	var once sync.Once
	release := make(chan struct{})
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	srv := newMockServer(t, func(reply func([]byte), cmd mockCommand) {
		held := false
		once.Do(func() { held = true })
		if held {
			<-release // simulates a request still in flight when reconfigure happens
			return
		}
		reply(encodeMockResponse(cmd.Seq, codec.RCOk, [3]uint32{}, nil))
	})
	conn := newTestConnection(t, func(o *scp.Options) {
		o.RemoteAddr = srv.addr
		o.NumOutstanding = 1
		o.Timeout = 5 * time.Second // long enough that no retry/timeout races the reconfigure
	})

	errCh1 := make(chan error, 1)
	okCh2 := make(chan scp.Response, 1)

	require.NoError(t, conn.SendSCP(scp.Target{}, 1, 0, 0, 0, 0, nil, 0,
		func(scp.Response) { t.Error("in-window command should not succeed") },
		func(err error) { errCh1 <- err },
	))
	require.NoError(t, conn.SendSCP(scp.Target{}, 2, 0, 0, 0, 0, nil, 0,
		func(r scp.Response) { okCh2 <- r },
		func(err error) { t.Errorf("queued command should not fail: %v", err) },
	))

	time.Sleep(100 * time.Millisecond)
	st := conn.Stats()
	assert.Equal(t, 1, st.Outstanding, "first command should occupy the only window slot")
	assert.Equal(t, 1, st.Queued, "second command should be queued behind the full window")

	require.NoError(t, conn.SetDataLength(64))

	select {
	case err := <-errCh1:
		var scpErr *scp.Error
		require.ErrorAs(t, err, &scpErr)
		assert.Equal(t, scp.CodeFreed, scpErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for in-window command to free")
	}

	select {
	case <-okCh2:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued command to complete after reconfigure")
	}

	assert.Equal(t, 64, conn.DataLength())
}

// TestSetNumOutstanding covers the window-size setter's own
// getter-reflects-new-value contract and confirms a command submitted
// after reconfiguration still completes normally against the recreated
// engine.
func TestSetNumOutstanding(t *testing.T) {
	srv := newMockServer(t, func(reply func([]byte), cmd mockCommand) {
		reply(encodeMockResponse(cmd.Seq, codec.RCOk, [3]uint32{}, nil))
	})
	conn := newTestConnection(t, func(o *scp.Options) { o.RemoteAddr = srv.addr })

	require.Equal(t, scp.DefaultNumOutstanding, conn.NumOutstanding())
	require.NoError(t, conn.SetNumOutstanding(4))
	assert.Equal(t, 4, conn.NumOutstanding())

	done := make(chan scp.Response, 1)
	err := conn.SendSCP(scp.Target{}, 1, 0, 0, 0, 0, nil, 0,
		func(r scp.Response) { done <- r },
		func(err error) { t.Errorf("unexpected error: %v", err) },
	)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command after SetNumOutstanding")
	}
}

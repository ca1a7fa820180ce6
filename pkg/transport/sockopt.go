package transport

import (
	"golang.org/x/sys/unix"
)

// SetRecvBuffer tunes SO_RCVBUF on the underlying file descriptor, the way
// socketcanv2.Bus.New sets SO_RCVTIMEO directly with unix.SetsockoptInt
// rather than going through a generic net.Conn option. UDP sockets feeding
// a window of up to a few hundred outstanding commands can see bursty
// receive traffic on reconfigure/resend storms, so the default kernel
// buffer is worth raising for high-W configurations.
func SetRecvBuffer(s Socket, bytes int) error {
	us, ok := s.(*udpSocket)
	if !ok {
		return nil
	}
	raw, err := us.conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Package streamio wraps the raw socket-option and non-blocking I/O
// syscalls the stream state machine needs: FIONREAD/TIOCOUTQ queue
// depth introspection, SO_ERROR polling after an async connect, and
// MSG_PEEK-based bounded transfers for the forwarding discipline.
//
// The engine calls it with plain file descriptors. It is not the only
// user of golang.org/x/sys/unix: the reactor backends, the engine's
// accept path and the root package's entrance socket call it directly
// too.
package streamio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// SetNonblocking marks fd as non-blocking. The stream state machine
// never issues a syscall that is allowed to block the owning thread.
func SetNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// DialAsync creates a non-blocking TCP socket and starts an
// asynchronous connect to addr. The only acceptable immediate outcome
// is EINPROGRESS; any other return (including an immediate success) is
// treated as an error by the caller, which tears the half down rather
// than skip the CONNECTING state.
func DialAsync(sa unix.Sockaddr) (fd int, err error) {
	domain := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		domain = unix.AF_INET6
	}
	fd, err = unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := SetNonblocking(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	err = unix.Connect(fd, sa)
	if err == nil {
		unix.Close(fd)
		return -1, errConnectedImmediately
	}
	if err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

var errConnectedImmediately = errors.New("streamio: connect(2) succeeded synchronously")

// IsConnectedImmediately reports whether err is the sentinel DialAsync
// returns when connect(2) succeeded synchronously.
func IsConnectedImmediately(err error) bool {
	return err == errConnectedImmediately
}

// SocketError fetches SO_ERROR, the outcome of an asynchronous
// connect(2) once the descriptor becomes readable or writable.
func SocketError(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
}

// RecvQueued returns the number of bytes currently queued for read on
// fd (FIONREAD).
func RecvQueued(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.FIONREAD)
}

// SendQueued returns the number of bytes currently occupying the send
// buffer on fd (TIOCOUTQ).
func SendQueued(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.TIOCOUTQ)
}

// SendBufferSize returns SO_SNDBUF for fd.
func SendBufferSize(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
}

// PeekRecv reads up to len(buf) bytes from fd without consuming them
// (MSG_PEEK).
func PeekRecv(fd int, buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(fd, buf, unix.MSG_PEEK)
	return n, err
}

// ConsumeRecv drains exactly n bytes previously observed via PeekRecv.
func ConsumeRecv(fd int, n int) (int, error) {
	buf := make([]byte, n)
	return unix.Read(fd, buf)
}

// SendAll performs one send(2) of buf with MSG_NOSIGNAL so a peer
// that reset the connection raises EPIPE as an error instead of
// SIGPIPE.
func SendAll(fd int, buf []byte) (int, error) {
	return unix.SendmsgN(fd, buf, nil, nil, unix.MSG_NOSIGNAL)
}

// FDSender adapts a raw file descriptor to the bytequeue.Queue Send
// interface.
type FDSender struct {
	FD int
}

// Send implements the sender interface expected by bytequeue.Queue.
func (s FDSender) Send(b []byte) (int, error) {
	return SendAll(s.FD, b)
}

// Close shuts down both halves of fd before closing it, matching the
// pool's shutdown-then-close teardown sequence.
func Close(fd int) error {
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	return unix.Close(fd)
}

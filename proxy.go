package axproxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ecnx/axproxy/internal/engine"
)

// Run binds the entrance socket and drives the engine's reactor cycle
// until ctx is canceled or a fatal, non-transient error occurs. A
// transient error (EINTR, ENOTCONN) is retried after a one-second
// sleep, matching the supervisor's retry policy; any other error is
// returned to the caller.
func Run(ctx context.Context, opts Options) error {
	SetVerbose(opts.Verbose)

	if opts.AdminAddr != "" {
		if err := startAdmin(ctx, opts.AdminAddr); err != nil {
			return err
		}
	}

	for {
		err := runOnce(ctx, opts)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isTransient(err) {
			Log.WithField("error", err).Warn("transient proxy error, retrying")
			time.Sleep(time.Second)
			continue
		}
		return err
	}
}

func isTransient(err error) bool {
	return err == unix.EINTR || err == unix.ENOTCONN
}

// runOnce binds a fresh entrance socket, constructs a fresh engine
// around it, and runs reactor cycles until ctx is canceled or a fatal
// reactor error surfaces.
func runOnce(ctx context.Context, opts Options) error {
	fd, err := bindEntrance(opts.BindAddr, opts.BindPort)
	if err != nil {
		return err
	}

	eng, err := engine.New(fd, engine.Options{
		LoopbackBlock: opts.LoopbackBlock,
		HTTPSOnly:     opts.HTTPSOnly,
		Logger:        Log,
	})
	if err != nil {
		unix.Close(fd)
		return err
	}
	defer eng.Close()

	Log.WithFields(logrus.Fields{"addr": opts.BindAddr, "port": opts.BindPort}).Info("proxy listening")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := eng.RunCycle(); err != nil {
			return &ReactorError{Op: "wait", Err: err}
		}
	}
}

// bindEntrance creates, binds, and listens on a non-blocking IPv4 TCP
// socket for the entrance.
func bindEntrance(addr string, port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}

	var sa unix.SockaddrInet4
	ip, err := parseIPv4(addr)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa.Addr = ip
	sa.Port = int(port)

	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, engine.ListenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func parseIPv4(addr string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(addr)
	if ip == nil {
		return out, fmt.Errorf("invalid bind address %q", addr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return out, fmt.Errorf("bind address is not IPv4: %s", addr)
	}
	copy(out[:], ip4)
	return out, nil
}

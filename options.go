package axproxy

import "time"

// DefaultSelfRestartInterval bounds how long the optional external
// self-restart wrapper runs the core before cycling it.
const DefaultSelfRestartInterval = 900 * time.Second

// Options configures a single Run invocation.
type Options struct {
	// BindAddr is the dotted-quad IPv4 address to bind the entrance
	// socket to.
	BindAddr string
	// BindPort is the SOCKS5 listening port, 1..65535.
	BindPort uint16
	// Verbose enables [axpr]-prefixed stdout logging.
	Verbose bool
	// LoopbackBlock rejects CONNECT targets resolving into
	// 127.0.0.0/8.
	LoopbackBlock bool
	// HTTPSOnly rejects CONNECT targets whose port is not 443.
	HTTPSOnly bool
	// AdminAddr, if non-empty, starts an HTTP server exposing expvar
	// counters at /axproxy/vars. Empty disables the admin surface.
	AdminAddr string
}

// Package axproxy implements a single-process SOCKS5 forward proxy
// built around a single-threaded, readiness-driven connection engine.
// One goroutine owns the reactor, the stream pool and the DNS
// resolver; no synchronization primitives guard the hot path.
//
// Use Run to start the proxy with a bound listening socket and a set
// of Options; Run blocks until ctx is canceled or a fatal error
// occurs.
package axproxy

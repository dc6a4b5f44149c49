// Package engine implements axproxy's connection core: the stream
// pool, the SOCKS5 state machine, and the backpressure-aware
// forwarding discipline that together turn one readiness cycle into
// progress on every active stream.
package engine

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ecnx/axproxy/internal/metrics"
	"github.com/ecnx/axproxy/internal/reactor"
	"github.com/ecnx/axproxy/internal/resolver"
	"github.com/ecnx/axproxy/internal/streamio"
)

// PollTimeout bounds a single reactor wait; a cycle that returns no
// ready streams at all triggers the reduce sweep. It is a var, not a
// const, so tests can shorten it instead of waiting out the full
// production timeout on every idle cycle.
var PollTimeout = 16 * time.Second

// ListenBacklog is the default accept backlog for the entrance
// socket.
const ListenBacklog = 4

// Options configures per-connection policy enforced by the engine.
type Options struct {
	LoopbackBlock bool
	HTTPSOnly     bool
	// Logger receives per-connection diagnostics (upstream connect
	// failures, rejected SOCKS5 dialogs, failed resolutions). A nil
	// Logger discards everything.
	Logger *logrus.Logger
}

// Engine owns the pool, the reactor, and the DNS cache, and drives
// one reactor cycle at a time from a single goroutine.
type Engine struct {
	pool    *Pool
	reactor reactor.Reactor
	cache   *resolver.Cache
	opts    Options
	events  []reactor.Event
	log     *logrus.Logger
}

// New constructs an Engine around a listening descriptor already
// bound and set to listen by the caller.
func New(acceptFD int, opts Options) (*Engine, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	e := &Engine{
		pool:    NewPool(r),
		reactor: r,
		cache:   resolver.NewCache(resolver.New()),
		opts:    opts,
		log:     log,
	}
	accept := e.pool.Insert(acceptFD)
	accept.role = RoleAccept
	accept.level = LevelNone
	accept.events = reactor.Readable
	return e, nil
}

// Close releases the reactor and every pool slot's descriptor.
func (e *Engine) Close() error {
	for s := e.pool.Head(); s != nil; {
		next := s.next
		e.pool.Remove(s)
		s = next
	}
	return e.reactor.Close()
}

// RunCycle executes a single reactor cycle: reap abandoned streams,
// sync interest, wait for readiness, and dispatch each ready stream to
// the state machine. It returns a non-nil error only for a fatal
// reactor failure; per-connection errors are handled internally via
// abandonment and never escape this call.
func (e *Engine) RunCycle() error {
	e.pool.Reap()
	metrics.PairCount.Set(int64(e.pairCount()))
	e.syncInterest()

	var err error
	e.events, err = e.reactor.Wait(e.events[:0], PollTimeout)
	if err != nil {
		return &reactorWaitError{err: err}
	}

	if len(e.events) == 0 {
		e.reduceSweep()
		return nil
	}

	byCookie := make(map[int]*Stream, len(e.events))
	for s := e.pool.Head(); s != nil; s = s.next {
		byCookie[s.cookie] = s
	}
	for _, ev := range e.events {
		s, ok := byCookie[ev.Cookie]
		if !ok {
			continue
		}
		s.revents = ev.Ready
		s.errored = ev.Err
		s.hungup = ev.Hup
		e.dispatch(s)
	}
	return nil
}

// reactorWaitError wraps a fatal reactor failure; the supervisor loop
// decides whether to retry or exit on this class of error.
type reactorWaitError struct{ err error }

func (e *reactorWaitError) Error() string { return e.err.Error() }
func (e *reactorWaitError) Unwrap() error { return e.err }

// handshakeError reports a malformed or unsupported SOCKS5 client
// dialog; the stream is always abandoned, this exists only to give
// the rejection a useful log line.
type handshakeError struct{ reason string }

func (e *handshakeError) Error() string { return "socks5 handshake: " + e.reason }

// resolutionError reports a failed DNS resolution for a CONNECT
// target, wrapping the resolver error that caused it.
type resolutionError struct {
	name string
	err  error
}

func (e *resolutionError) Error() string { return fmt.Sprintf("resolve %q: %s", e.name, e.err) }
func (e *resolutionError) Unwrap() error { return e.err }

// syncInterest brings the reactor's registrations in line with each
// active stream's wanted events, issuing ADD/MOD/DEL only where the
// mask actually changed since the last sync.
func (e *Engine) syncInterest() {
	for s := e.pool.Head(); s != nil; s = s.next {
		if s.fd < 0 {
			continue
		}
		// POLLERR/POLLHUP need no explicit bit: the kernel reports
		// them on a registered descriptor regardless of requested
		// interest, which is why Event surfaces Err/Hup independently
		// of Interest.
		want := s.events
		switch {
		case want == 0 && s.registered:
			_ = e.reactor.Remove(s.fd)
			s.registered = false
		case want != 0 && !s.registered:
			if err := e.reactor.Add(s.fd, s.cookie, want); err == nil {
				s.registered = true
				s.levents = want
			}
		case want != 0 && want != s.levents:
			if err := e.reactor.Modify(s.fd, s.cookie, want); err == nil {
				s.levents = want
			}
		}
	}
}

// reduceSweep runs when a cycle's wait times out with nothing ready:
// every pair not already FORWARDING is abandoned, bounding how long a
// half-open or stalled handshake can occupy a pool slot.
func (e *Engine) reduceSweep() {
	for s := e.pool.Head(); s != nil; s = s.next {
		if s.role == RoleAccept {
			continue
		}
		if s.level != LevelForwarding {
			e.pool.Abandon(s)
		}
	}
}

// dispatch advances the state machine for one ready stream.
func (e *Engine) dispatch(s *Stream) {
	if s.errored || s.hungup {
		if s.role == RoleAccept {
			return
		}
		e.pool.Abandon(s)
		return
	}

	switch s.role {
	case RoleAccept:
		e.onAccept(s)
	case RolePortA:
		e.onPortA(s)
	case RolePortB:
		e.onPortB(s)
	}
}

// onAccept accepts one new client connection and seeds it into the
// SOCKS5 dialog at SOCKS_VER.
func (e *Engine) onAccept(s *Stream) {
	fd, _, err := unix.Accept(s.fd)
	if err != nil {
		return
	}
	if err := streamio.SetNonblocking(fd); err != nil {
		unix.Close(fd)
		return
	}

	client := e.pool.Insert(fd)
	if client == nil {
		if e.pool.ForceEvict(nil) {
			client = e.pool.Insert(fd)
		}
	}
	if client == nil {
		unix.Close(fd)
		return
	}
	client.role = RolePortA
	client.level = LevelSocksVer
	client.events = reactor.Readable
	metrics.PairCount.Set(int64(e.pairCount()))
}

func (e *Engine) pairCount() int {
	n := 0
	for s := e.pool.Head(); s != nil; s = s.next {
		if s.role == RolePortA {
			n++
		}
	}
	return n
}

// onPortA advances the client-facing half of a pair through the
// SOCKS5 dialog and, once in FORWARDING, relays bytes from the client
// to the upstream peer.
func (e *Engine) onPortA(s *Stream) {
	switch s.level {
	case LevelSocksVer, LevelSocksAuth, LevelSocksReq:
		if s.revents&reactor.Readable != 0 {
			e.readHandshake(s)
		}
		if s.revents&reactor.Writable != 0 && s.queue.Len() > 0 {
			e.drainQueue(s)
		}
	case LevelSocksPass:
		if s.revents&reactor.Writable != 0 {
			e.drainQueue(s)
		}
	case LevelForwarding:
		e.forwardReady(s)
	}
}

// onPortB advances the upstream-facing half through async connect and
// then participates in forwarding exactly like onPortA.
func (e *Engine) onPortB(s *Stream) {
	switch s.level {
	case LevelConnecting:
		e.checkConnect(s)
	case LevelForwarding:
		e.forwardReady(s)
	}
}

func (e *Engine) drainQueue(s *Stream) {
	_, err := s.queue.DrainTo(streamio.FDSender{FD: s.fd})
	if err != nil {
		e.pool.Abandon(s)
		return
	}
	if s.queue.Len() == 0 {
		if s.level == LevelSocksPass {
			if s.neighbour != nil && s.neighbour.level == LevelForwarding {
				s.level = LevelForwarding
				s.events = reactor.Readable
			} else {
				s.events = 0
			}
		} else {
			s.events = reactor.Readable
		}
	}
}

// forwardReady runs the backpressure-aware transfer in whichever
// direction this cycle's readiness indicates, per the FORWARDING
// discipline: readable drives forwarding toward the peer, writable
// retries a transfer that previously found the peer's send buffer
// full.
func (e *Engine) forwardReady(s *Stream) {
	peer := s.neighbour
	if peer == nil {
		e.pool.Abandon(s)
		return
	}

	if s.revents&reactor.Readable != 0 {
		n, abandon := forwardOnce(s, peer)
		if abandon {
			e.pool.Abandon(s)
			return
		}
		if n == 0 {
			if rlen, _ := streamio.RecvQueued(s.fd); rlen == 0 {
				e.pool.Abandon(s) // recv == 0: peer closed its write half
				return
			}
			peer.events |= reactor.Writable
		} else {
			afterForward(s, peer)
		}
	}

	if s.revents&reactor.Writable != 0 {
		n, abandon := forwardOnce(peer, s)
		if abandon {
			e.pool.Abandon(s)
			return
		}
		if n > 0 {
			afterForward(peer, s)
		}
	}
}

// checkConnect inspects SO_ERROR on a just-became-ready CONNECTING
// socket: any non-zero value means the async connect failed and the
// pair is abandoned; zero means the upstream socket is live and both
// halves flip to FORWARDING.
func (e *Engine) checkConnect(s *Stream) {
	errno, err := streamio.SocketError(s.fd)
	if err != nil || errno != 0 {
		e.log.WithFields(logrus.Fields{"addr": s.addr, "errno": errno}).Debug("upstream connect failed")
		e.pool.Abandon(s)
		return
	}
	s.level = LevelForwarding
	s.events = reactor.Readable
	// Only flip the peer straight to FORWARDING if it has already
	// finished draining its SOCKS_PASS reply; otherwise its own
	// queue-drain handler will notice this transition once it empties,
	// since clobbering its level here could skip an in-flight drain.
	if peer := s.neighbour; peer != nil && peer.level == LevelSocksPass && peer.queue.Len() == 0 {
		peer.level = LevelForwarding
		peer.events = reactor.Readable
	}
}

// readHandshake consumes one bounded recv and advances the SOCKS5
// dialog state machine.
func (e *Engine) readHandshake(s *Stream) {
	buf := make([]byte, maxHandshakeRead)
	n, err := unix.Read(s.fd, buf)
	if err != nil || n <= 0 {
		e.pool.Abandon(s)
		return
	}
	buf = buf[:n]

	switch s.level {
	case LevelSocksVer:
		useUserPass, ok := methodSelection(buf)
		if !ok {
			e.log.WithField("error", &handshakeError{reason: "bad method-negotiation header"}).Debug("rejecting socks5 client")
			e.pool.Abandon(s)
			return
		}
		if useUserPass {
			_ = s.queue.Push(replyMethodUserPass)
			s.level = LevelSocksAuth
		} else {
			_ = s.queue.Push(replyMethodNoAuth)
			s.level = LevelSocksReq
		}
		s.events = reactor.Writable

	case LevelSocksAuth:
		_ = s.queue.Push(replyAuthSuccess)
		s.level = LevelSocksReq
		s.events = reactor.Writable

	case LevelSocksReq:
		e.handleRequest(s, buf)
	}
}

// handleRequest resolves the CONNECT target, enforces loopback/HTTPS
// policy, and dials the upstream asynchronously.
func (e *Engine) handleRequest(s *Stream, buf []byte) {
	req, ok := parseRequest(buf)
	if !ok {
		e.log.WithField("error", &handshakeError{reason: "malformed CONNECT request"}).Debug("rejecting socks5 client")
		e.pool.Abandon(s)
		return
	}

	addr := req.addr
	if req.atype == atypeDomain {
		ip, err := e.cache.Resolve(req.addr)
		if err != nil {
			e.log.WithField("error", &resolutionError{name: req.addr, err: err}).Debug("resolution failed")
			e.pool.Abandon(s)
			return
		}
		addr = ip.String()
	}

	ip := net.ParseIP(addr)
	if ip != nil {
		if e.opts.LoopbackBlock && ip.IsLoopback() {
			e.pool.Abandon(s)
			return
		}
	}
	if e.opts.HTTPSOnly && req.port != 443 {
		e.pool.Abandon(s)
		return
	}

	sa, err := sockaddrFor(ip, req.atype, req.port)
	if err != nil {
		e.pool.Abandon(s)
		return
	}

	fd, err := streamio.DialAsync(sa)
	if err != nil {
		e.pool.Abandon(s)
		return
	}

	upstream := e.pool.Insert(fd)
	if upstream == nil {
		if e.pool.ForceEvict(s) {
			upstream = e.pool.Insert(fd)
		}
	}
	if upstream == nil {
		streamio.Close(fd)
		e.pool.Abandon(s)
		return
	}
	upstream.role = RolePortB
	upstream.level = LevelConnecting
	upstream.events = reactor.Readable | reactor.Writable
	upstream.addr = addr
	link(s, upstream)

	_ = s.queue.Push(replyConnectSuccess)
	s.level = LevelSocksPass
	s.events = reactor.Writable
}

func sockaddrFor(ip net.IP, atype byte, port uint16) (unix.Sockaddr, error) {
	if atype == atypeIPv6 {
		var a [16]byte
		copy(a[:], ip.To16())
		return &unix.SockaddrInet6{Port: int(port), Addr: a}, nil
	}
	var a [4]byte
	copy(a[:], ip.To4())
	return &unix.SockaddrInet4{Port: int(port), Addr: a}, nil
}

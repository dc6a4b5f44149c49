package engine

import (
	"github.com/ecnx/axproxy/internal/bytequeue"
	"github.com/ecnx/axproxy/internal/reactor"
)

// Role identifies which side of the proxy a stream represents.
type Role uint8

const (
	RoleInvalid Role = iota
	// RoleAccept is the single listening socket, registered once at
	// startup and never torn down.
	RoleAccept
	// RolePortA is the client-facing half of a forwarded pair.
	RolePortA
	// RolePortB is the upstream-facing half of a forwarded pair.
	RolePortB
)

// Level is the stream state machine's current state.
type Level uint8

const (
	LevelNone Level = iota
	LevelSocksVer
	LevelSocksAuth
	LevelSocksReq
	LevelSocksPass
	LevelConnecting
	LevelForwarding
)

// Stream is one half of a pool slot: either the listening socket, or
// one side of a client/upstream pair. Its neighbour field is a
// non-owning weak reference — lifetime is governed by the abandon
// protocol, never by the pointer itself.
type Stream struct {
	role  Role
	level Level
	fd    int

	events  reactor.Interest // wanted interest, source of truth
	levents reactor.Interest // last interest synced to the reactor
	revents reactor.Interest // latest observed readiness
	errored bool
	hungup  bool

	cookie     int
	registered bool

	neighbour *Stream

	allocated bool
	abandoned bool

	prev, next *Stream

	queue *bytequeue.Queue

	// addr is the resolved/parsed destination for a RolePortB stream
	// mid-connect, retained only long enough to report SO_ERROR
	// failures usefully in logs.
	addr string
}

// reset restores a stream to its just-allocated state, matching the
// pool's insert() initialization list.
func (s *Stream) reset() {
	s.role = RoleInvalid
	s.level = LevelNone
	s.fd = -1
	s.events = 0
	s.levents = 0
	s.revents = 0
	s.errored = false
	s.hungup = false
	s.cookie = 0
	s.registered = false
	s.neighbour = nil
	s.allocated = true
	s.abandoned = false
	s.addr = ""
	s.queue = bytequeue.New(bytequeue.DefaultCapacity)
}

// link sets up a mutual, exclusive neighbour relationship between a
// and b, satisfying the pair invariant that both sides' neighbour
// fields point to each other.
func link(a, b *Stream) {
	a.neighbour = b
	b.neighbour = a
}

package engine

import (
	"github.com/ecnx/axproxy/internal/metrics"
	"github.com/ecnx/axproxy/internal/reactor"
	"github.com/ecnx/axproxy/internal/streamio"
)

// PoolSize is the fixed number of concurrent streams the proxy can
// hold: one listening socket plus up to (PoolSize-1) halves of
// forwarded pairs.
const PoolSize = 256

// Pool is a fixed-capacity array of stream slots plus the active
// doubly linked list that is the source of truth for which slots are
// in use. It is not safe for concurrent use.
type Pool struct {
	slots [PoolSize]Stream
	head  *Stream
	tail  *Stream
	count int

	reactor reactor.Reactor
}

// NewPool returns an empty Pool backed by r for registration and
// deregistration of stream descriptors.
func NewPool(r reactor.Reactor) *Pool {
	p := &Pool{reactor: r}
	for i := range p.slots {
		p.slots[i].fd = -1
	}
	return p
}

// Len reports the number of streams currently in the active list.
func (p *Pool) Len() int { return p.count }

// Head returns the first stream in the active list, or nil if empty.
func (p *Pool) Head() *Stream { return p.head }

// pushFront links s at the head of the active list.
func (p *Pool) pushFront(s *Stream) {
	s.prev = nil
	s.next = p.head
	if p.head != nil {
		p.head.prev = s
	}
	p.head = s
	if p.tail == nil {
		p.tail = s
	}
	p.count++
}

// unlink removes s from the active list. It is a no-op if s is not
// currently linked (allocated == false).
func (p *Pool) unlink(s *Stream) {
	if !s.allocated {
		return
	}
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		p.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		p.tail = s.prev
	}
	s.prev = nil
	s.next = nil
	p.count--
}

// Insert claims the first free slot, initializes it, and links it
// onto the head of the active list. It returns nil if the pool is
// full; the caller is expected to force-evict and retry.
func (p *Pool) Insert(fd int) *Stream {
	for i := range p.slots {
		s := &p.slots[i]
		if s.allocated {
			continue
		}
		s.reset()
		s.fd = fd
		// cookie is the slot index, stable for the life of this
		// allocation: the reactor remembers whatever cookie we
		// register a descriptor under, so it must not change out from
		// under an fd that is still registered.
		s.cookie = i
		p.pushFront(s)
		metrics.PoolOccupied.Set(int64(p.count))
		return s
	}
	return nil
}

// Remove deregisters s's descriptor from the reactor (if registered),
// shuts it down and closes it, and returns the slot to the free pool.
// It is idempotent: removing an already-removed stream (fd == -1) is
// a no-op beyond the list unlink.
func (p *Pool) Remove(s *Stream) {
	if s.fd >= 0 {
		if s.registered {
			_ = p.reactor.Remove(s.fd)
			s.registered = false
		}
		_ = streamio.Close(s.fd)
		s.fd = -1
	}
	p.unlink(s)
	s.allocated = false
	s.neighbour = nil
	metrics.PoolOccupied.Set(int64(p.count))
}

// Abandon marks s (and transitively its neighbour) for removal on the
// next reactor cycle. This two-phase "abandon then reap" protocol is
// what keeps a mid-dispatch teardown from leaving a dangling
// neighbour reference for the current cycle to chase.
func (p *Pool) Abandon(s *Stream) {
	s.abandoned = true
	if s.neighbour != nil {
		s.neighbour.abandoned = true
		s.neighbour.neighbour = nil
	}
	s.neighbour = nil
}

// Reap unlinks and removes every stream currently marked abandoned.
// It is called once per reactor cycle, before interest is synced.
func (p *Pool) Reap() {
	s := p.head
	for s != nil {
		next := s.next
		if s.abandoned {
			p.Remove(s)
		}
		s = next
	}
}

// ForceEvict reclaims one pair's slots when Insert would otherwise
// fail. It first removes any already-abandoned entry other than
// exclude; failing that, it removes the oldest (list-tail) pair that
// is not exclude. Returns true if a slot was freed.
func (p *Pool) ForceEvict(exclude *Stream) bool {
	for s := p.head; s != nil; s = s.next {
		if s != exclude && s.abandoned {
			p.Remove(s)
			return true
		}
	}
	for s := p.tail; s != nil; s = s.prev {
		if s == exclude || s.role == RoleAccept {
			continue
		}
		nb := s.neighbour
		p.Abandon(s)
		p.Remove(s)
		if nb != nil && nb != exclude {
			p.Remove(nb)
		}
		return true
	}
	return false
}

package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ecnx/axproxy/internal/reactor"
)

// socketpairFDs returns two connected AF_UNIX stream socket
// descriptors the tests can hand to the pool without touching real
// network I/O.
func socketpairFDs(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return NewPool(r)
}

// checkInvariants verifies the active list and slot bookkeeping stay
// consistent with each other.
func checkInvariants(t *testing.T, p *Pool) {
	t.Helper()
	count := 0
	for s := p.Head(); s != nil; s = s.next {
		require.True(t, s.allocated)
		require.True(t, s.fd >= 0 || s.abandoned)
		if s.neighbour != nil {
			require.True(t, s.neighbour.neighbour == s || s.neighbour.neighbour == nil)
		}
		count++
	}
	require.Equal(t, count, p.Len())
	require.LessOrEqual(t, count, PoolSize)
}

func TestPoolInsertAndRemove(t *testing.T) {
	p := newTestPool(t)
	a, b := socketpairFDs(t)

	sa := p.Insert(a)
	require.NotNil(t, sa)
	sb := p.Insert(b)
	require.NotNil(t, sb)
	require.Equal(t, 2, p.Len())
	checkInvariants(t, p)

	p.Remove(sa)
	require.Equal(t, 1, p.Len())
	require.Equal(t, -1, sa.fd)
	checkInvariants(t, p)

	// Removing an already-removed stream is idempotent.
	p.Remove(sa)
	require.Equal(t, 1, p.Len())
}

func TestPoolAbandonMarksNeighbourAndClearsLinks(t *testing.T) {
	p := newTestPool(t)
	a, b := socketpairFDs(t)
	sa := p.Insert(a)
	sb := p.Insert(b)
	link(sa, sb)

	p.Abandon(sa)
	require.True(t, sa.abandoned)
	require.True(t, sb.abandoned)
	require.Nil(t, sa.neighbour)
	require.Nil(t, sb.neighbour)
	checkInvariants(t, p)

	p.Reap()
	require.Equal(t, 0, p.Len())
}

func TestPoolFillsToCapacityAndForceEvicts(t *testing.T) {
	p := newTestPool(t)

	var pairs [][2]*Stream
	for i := 0; i < PoolSize/2; i++ {
		a, b := socketpairFDs(t)
		sa := p.Insert(a)
		sb := p.Insert(b)
		require.NotNil(t, sa)
		require.NotNil(t, sb)
		link(sa, sb)
		pairs = append(pairs, [2]*Stream{sa, sb})
	}
	require.Equal(t, PoolSize, p.Len())
	checkInvariants(t, p)

	// Pool is full; a new insert fails until force-evict reclaims a
	// slot, after which the new connection is admitted and the active
	// list never exceeds PoolSize.
	extraA, _ := socketpairFDs(t)
	require.Nil(t, p.Insert(extraA))
	require.True(t, p.ForceEvict(nil))
	s := p.Insert(extraA)
	require.NotNil(t, s)
	require.LessOrEqual(t, p.Len(), PoolSize)
	checkInvariants(t, p)

	_ = pairs
}

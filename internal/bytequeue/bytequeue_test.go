package bytequeue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	accept int // bytes this sender will accept per call, -1 = all
	sent   []byte
}

func (s *recordingSender) Send(b []byte) (int, error) {
	n := len(b)
	if s.accept >= 0 && s.accept < n {
		n = s.accept
	}
	s.sent = append(s.sent, b[:n]...)
	return n, nil
}

func TestPushOverflow(t *testing.T) {
	q := New(4)
	require.NoError(t, q.Push([]byte("ab")))
	require.ErrorIs(t, q.Push([]byte("abc")), ErrOverflow)
	require.Equal(t, 2, q.Len())
}

func TestDrainToFullSend(t *testing.T) {
	q := New(16)
	require.NoError(t, q.Push([]byte("hello")))

	snd := &recordingSender{accept: -1}
	n, err := q.DrainTo(snd)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 0, q.Len())
	require.Equal(t, "hello", string(snd.sent))
}

func TestDrainToPartialSendShiftsRemainder(t *testing.T) {
	q := New(16)
	require.NoError(t, q.Push([]byte("hello world")))

	snd := &recordingSender{accept: 5}
	n, err := q.DrainTo(snd)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 6, q.Len())

	snd.accept = -1
	n, err = q.DrainTo(snd)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, 0, q.Len())
	require.Equal(t, "hello world", string(snd.sent))
}

func TestDrainToBoundedByCeilCapacityOverMSS(t *testing.T) {
	const capacity = 512
	const mss = 64
	q := New(capacity)
	payload := make([]byte, capacity)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, q.Push(payload))

	snd := &recordingSender{accept: mss}
	cycles := 0
	maxCycles := (capacity + mss - 1) / mss
	for q.Len() > 0 {
		cycles++
		require.LessOrEqual(t, cycles, maxCycles)
		_, err := q.DrainTo(snd)
		require.NoError(t, err)
	}
	require.Equal(t, payload, snd.sent)
}

func TestDrainToZeroBytesIsPeerClosed(t *testing.T) {
	q := New(16)
	require.NoError(t, q.Push([]byte("x")))

	snd := &recordingSender{accept: 0}
	_, err := q.DrainTo(snd)
	require.ErrorIs(t, err, ErrPeerClosed)
}

func TestDrainToEmptyQueueIsNoop(t *testing.T) {
	q := New(16)
	snd := &recordingSender{accept: -1}
	n, err := q.DrainTo(snd)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

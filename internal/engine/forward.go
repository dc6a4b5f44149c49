package engine

import (
	"github.com/ecnx/axproxy/internal/reactor"
	"github.com/ecnx/axproxy/internal/streamio"
)

// chunkSize bounds a single forwarding transfer: never more than one
// 16 KiB chunk is peeked, sent, and consumed in one cycle.
const chunkSize = 16384

// forwardOnce performs one bounded byte transfer from src to dst,
// respecting dst's send-buffer headroom. It returns the number of
// bytes moved and whether the pair should be abandoned (a short send
// or a read/write error).
func forwardOnce(src, dst *Stream) (n int, abandon bool) {
	rlen, err := streamio.RecvQueued(src.fd)
	if err != nil {
		return 0, true
	}
	if rlen == 0 {
		return 0, false
	}

	occupied, err := streamio.SendQueued(dst.fd)
	if err != nil {
		return 0, true
	}
	sndbuf, err := streamio.SendBufferSize(dst.fd)
	if err != nil {
		return 0, true
	}
	wfree := sndbuf - occupied
	if wfree <= 0 {
		return 0, false
	}

	want := min3(chunkSize, rlen, wfree)
	if want == 0 {
		return 0, false
	}

	buf := make([]byte, want)
	peeked, err := streamio.PeekRecv(src.fd, buf)
	if err != nil || peeked == 0 {
		return 0, true
	}
	buf = buf[:peeked]

	sent, err := streamio.SendAll(dst.fd, buf)
	if err != nil {
		return 0, true
	}
	if sent < len(buf) {
		return 0, true
	}

	if _, err := streamio.ConsumeRecv(src.fd, sent); err != nil {
		return 0, true
	}
	return sent, false
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// afterForward applies the post-transfer interest flip: the side that
// just absorbed a chunk goes quiet on writable (it is re-armed only
// if a future transfer finds it blocked again), and the side data was
// read from stays armed readable to drive the next chunk.
func afterForward(reader, writer *Stream) {
	reader.events |= reactor.Readable
	writer.events &^= reactor.Writable
}

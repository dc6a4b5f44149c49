package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollReactor is the Linux backend, backed by a single epoll
// instance in edge-triggered-free (level-triggered) mode. Level
// triggering matches the engine's own habit of re-arming interest
// explicitly on every state transition rather than relying on the
// kernel to re-notify.
type epollReactor struct {
	epfd   int
	events []unix.EpollEvent
}

func newEpoll() (*epollReactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollReactor{epfd: fd, events: make([]unix.EpollEvent, 256)}, nil
}

func toEpollMask(i Interest) uint32 {
	var m uint32
	if i&Readable != 0 {
		m |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func (r *epollReactor) Add(fd int, cookie int, interest Interest) error {
	ev := unix.EpollEvent{Events: toEpollMask(interest), Fd: int32(cookie)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (r *epollReactor) Modify(fd int, cookie int, interest Interest) error {
	ev := unix.EpollEvent{Events: toEpollMask(interest), Fd: int32(cookie)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (r *epollReactor) Remove(fd int) error {
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (r *epollReactor) Wait(dst []Event, timeout time.Duration) ([]Event, error) {
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(r.epfd, r.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		raw := r.events[i]
		ev := Event{Cookie: int(raw.Fd)}
		if raw.Events&unix.EPOLLIN != 0 {
			ev.Ready |= Readable
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			ev.Ready |= Writable
		}
		if raw.Events&unix.EPOLLERR != 0 {
			ev.Err = true
		}
		if raw.Events&unix.EPOLLHUP != 0 || raw.Events&unix.EPOLLRDHUP != 0 {
			ev.Hup = true
		}
		dst = append(dst, ev)
	}
	return dst, nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}

func newPreferred() (Reactor, error) {
	r, err := newEpoll()
	if err != nil {
		return newPoll()
	}
	return r, nil
}

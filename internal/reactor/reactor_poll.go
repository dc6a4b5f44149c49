package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollReactor is the portable fallback backend, built on poll(2). It
// is used on any GOOS where epoll is unavailable, and as the fallback
// when epoll_create1 itself fails (e.g. a sandboxed process without
// CAP_SYS_ADMIN-adjacent permissions).
type pollReactor struct {
	fds     []unix.PollFd
	cookies map[int]int // fd -> cookie
}

func newPoll() (*pollReactor, error) {
	return &pollReactor{cookies: make(map[int]int)}, nil
}

func toPollMask(i Interest) int16 {
	var m int16
	if i&Readable != 0 {
		m |= unix.POLLIN
	}
	if i&Writable != 0 {
		m |= unix.POLLOUT
	}
	return m
}

func (r *pollReactor) indexOf(fd int) int {
	for i, pfd := range r.fds {
		if int(pfd.Fd) == fd {
			return i
		}
	}
	return -1
}

func (r *pollReactor) Add(fd int, cookie int, interest Interest) error {
	r.fds = append(r.fds, unix.PollFd{Fd: int32(fd), Events: toPollMask(interest)})
	r.cookies[fd] = cookie
	return nil
}

func (r *pollReactor) Modify(fd int, cookie int, interest Interest) error {
	i := r.indexOf(fd)
	if i < 0 {
		return r.Add(fd, cookie, interest)
	}
	r.fds[i].Events = toPollMask(interest)
	r.cookies[fd] = cookie
	return nil
}

func (r *pollReactor) Remove(fd int) error {
	i := r.indexOf(fd)
	if i < 0 {
		return nil
	}
	r.fds = append(r.fds[:i], r.fds[i+1:]...)
	delete(r.cookies, fd)
	return nil
}

func (r *pollReactor) Wait(dst []Event, timeout time.Duration) ([]Event, error) {
	if len(r.fds) == 0 {
		time.Sleep(timeout)
		return dst, nil
	}
	ms := int(timeout / time.Millisecond)
	n, err := unix.Poll(r.fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	if n == 0 {
		return dst, nil
	}
	for _, pfd := range r.fds {
		if pfd.Revents == 0 {
			continue
		}
		cookie := r.cookies[int(pfd.Fd)]
		ev := Event{Cookie: cookie}
		if pfd.Revents&unix.POLLIN != 0 {
			ev.Ready |= Readable
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			ev.Ready |= Writable
		}
		if pfd.Revents&unix.POLLERR != 0 {
			ev.Err = true
		}
		if pfd.Revents&unix.POLLHUP != 0 {
			ev.Hup = true
		}
		dst = append(dst, ev)
	}
	return dst, nil
}

func (r *pollReactor) Close() error {
	return nil
}

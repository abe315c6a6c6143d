// Package poll multiplexes readiness of raw file descriptors.
//
// Transport sockets (hostapd control sockets, netlink sockets) are plain
// descriptors that do not fit a channel select, so the background loops wait
// on them with poll(2) together with a Waker pipe used for cancellation and
// out-of-band requests.
package poll

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by a Waker after Close.
var ErrClosed = errors.New("poll: waker closed")

// Waker is a non-blocking pipe. Writers signal a single byte; the owning loop
// includes Fd in its wait set and reads the byte back.
type Waker struct {
	r, w int
}

// NewWaker creates the pipe.
func NewWaker() (*Waker, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	return &Waker{r: fds[0], w: fds[1]}, nil
}

// Fd returns the read end.
func (w *Waker) Fd() int { return w.r }

// Signal writes b to the pipe.
func (w *Waker) Signal(b byte) error {
	if w.w < 0 {
		return ErrClosed
	}
	for {
		_, err := unix.Write(w.w, []byte{b})
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// pipe full; the reader has plenty pending already
			return nil
		}
		return err
	}
}

// Read drains the pipe and returns the first byte found. ok is false when
// nothing was pending.
func (w *Waker) Read() (b byte, ok bool, err error) {
	if w.r < 0 {
		return 0, false, ErrClosed
	}
	buf := make([]byte, 16)
	for {
		n, err := unix.Read(w.r, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return b, ok, nil
		}
		if err != nil {
			return b, ok, err
		}
		if n == 0 {
			return b, ok, nil
		}
		if !ok {
			b, ok = buf[0], true
		}
		if n < len(buf) {
			return b, ok, nil
		}
	}
}

// Close closes both ends.
func (w *Waker) Close() error {
	var errs []error
	if w.r >= 0 {
		errs = append(errs, unix.Close(w.r))
		w.r = -1
	}
	if w.w >= 0 {
		errs = append(errs, unix.Close(w.w))
		w.w = -1
	}
	return errors.Join(errs...)
}

// Readable waits up to timeout for any of fds to become readable and returns
// the ready subset in input order. Negative descriptors are skipped. A wait
// interrupted by a signal returns no descriptors and no error. A zero timeout
// polls without blocking.
func Readable(fds []int, timeout time.Duration) ([]int, error) {
	pfds := make([]unix.PollFd, 0, len(fds))
	for _, fd := range fds {
		if fd < 0 {
			continue
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}

	n, err := unix.Poll(pfds, ms)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]int, 0, n)
	for _, p := range pfds {
		if p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, int(p.Fd))
		}
	}
	return ready, nil
}

// Contains reports whether fd is in ready.
func Contains(ready []int, fd int) bool {
	for _, r := range ready {
		if r == fd {
			return true
		}
	}
	return false
}

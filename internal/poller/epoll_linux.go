//go:build linux

package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux backend: epoll_create1/epoll_ctl/epoll_wait
// via golang.org/x/sys/unix, grounded on
// other_examples/fzft-go-mock-redis__poll.go's Registry and
// bureau-foundation-bureau/cmd/bureau-launcher/inotify.go's raw
// unix.PollFd style of driving syscalls directly rather than through a
// higher-level event-loop library.
type epollPoller struct {
	epfd int
	keys map[int]*Key
	// events is reused across Tick calls — the worker never retains a
	// reference to it past the current tick (spec.md §9 zero-copy
	// discipline extends to the poller's own scratch buffers).
	events []unix.EpollEvent
}

// NewEpoll creates a Linux epoll-backed Poller sized to expect at most
// maxEvents ready fds per Tick.
func NewEpoll(maxEvents int) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	if maxEvents <= 0 {
		maxEvents = 256
	}
	return &epollPoller{
		epfd:   epfd,
		keys:   make(map[int]*Key),
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (p *epollPoller) Register(fd int, handler Handler) (*Key, error) {
	k := &Key{fd: fd, handler: handler}
	// Registered with an empty interest set; EPOLLHUP/EPOLLERR are
	// always reported by the kernel regardless of requested events, so
	// an empty mask still lets us detect peer-closed sockets once the
	// caller Adds OpRead/OpWrite.
	ev := unix.EpollEvent{Events: 0, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("poller: epoll_ctl(ADD, fd=%d): %w", fd, err)
	}
	p.keys[fd] = k
	return k, nil
}

func toEpollMask(op Op) uint32 {
	var mask uint32
	if op&OpRead != 0 {
		mask |= unix.EPOLLIN
	}
	if op&(OpWrite|OpConnect) != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func fromEpollMask(mask uint32) Op {
	var op Op
	if mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		op |= OpRead
	}
	if mask&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		op |= OpWrite | OpConnect
	}
	return op
}

func (p *epollPoller) Tick(timeoutMillis int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poller: epoll_wait: %w", err)
	}

	workDone := 0
	for i := 0; i < n; i++ {
		ev := p.events[i]
		k, ok := p.keys[int(ev.Fd)]
		if !ok {
			continue
		}
		ready := fromEpollMask(ev.Events) & k.want
		if ready == 0 {
			continue
		}
		k.handler(ready)
		workDone++
	}

	p.applyMutations()
	return workDone, nil
}

func (p *epollPoller) applyMutations() {
	for fd, k := range p.keys {
		if k.cancel {
			unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(p.keys, fd)
			continue
		}
		if k.pendingAdd == 0 && k.pendingClear == 0 {
			continue
		}
		newWant := (k.want | k.pendingAdd) &^ k.pendingClear
		k.pendingAdd = 0
		k.pendingClear = 0
		if newWant == k.want {
			continue
		}
		k.want = newWant
		ev := unix.EpollEvent{Events: toEpollMask(k.want), Fd: int32(fd)}
		unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

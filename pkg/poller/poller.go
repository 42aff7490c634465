// Copyright 2024 The Vera Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package poller is the single-threaded readiness multiplex (spec.md §4.A):
// epoll for fds, inotify for filesystem watches, and the time-ordered
// callback wheel from pkg/timer, all drained once per wakeup.
package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/svarshavchik/vera-sub000/internal/backoff"
	verlog "github.com/svarshavchik/vera-sub000/pkg/log"
	"github.com/svarshavchik/vera-sub000/pkg/timer"
)

// Poller owns the epoll fd, the inotify fd, and the timer wheel. Registered
// fds are readable-triggered only; handlers run in arrival order within one
// wakeup (spec.md §4.A).
type Poller struct {
	epfd    int
	inotify int
	timers  *timer.Wheel
	now     time.Time

	fdHandlers map[int]func(events uint32)
	watches    map[int32]*watchState          // inotify watch descriptor -> state
	pendingByPath map[string][]*pendingWatch   // path -> queued re-adds awaiting IN_IGNORED

	epollRetry   *backoff.Governor
	inotifyRetry *backoff.Governor

	self         *selfPipe
	wakeHandlers []func()
}

type watchState struct {
	path string
	mask uint32
	cb   func(mask uint32)
}

// New creates the epoll and inotify fds. Failure here is the "transient
// platform error" case spec.md §7 calls out; the caller (cmd/verad) retries
// with back-off rather than treat it as fatal.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	inofd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}

	p := &Poller{
		epfd:       epfd,
		inotify:    inofd,
		timers:     timer.New(),
		fdHandlers:    map[int]func(events uint32){},
		watches:       map[int32]*watchState{},
		pendingByPath: map[string][]*pendingWatch{},
		epollRetry:    backoff.New(time.Second, 3),
		inotifyRetry:  backoff.New(time.Second, 3),
	}

	if err := p.AddFd(inofd, unix.EPOLLIN, p.drainInotify); err != nil {
		p.Close()
		return nil, err
	}

	self, err := newSelfPipe()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("pipe2 (self-pipe): %w", err)
	}
	p.self = self
	if err := p.AddFd(self.r, unix.EPOLLIN, func(uint32) {
		self.drain()
		for _, cb := range p.wakeHandlers {
			cb()
		}
	}); err != nil {
		self.close()
		p.Close()
		return nil, err
	}
	return p, nil
}

// AddFd registers fd for readable-triggered events.
func (p *Poller) AddFd(fd int, events uint32, handler func(events uint32)) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		if !p.epollRetry.Allow() {
			return fmt.Errorf("epoll_ctl add fd=%d: %w (retry budget exhausted)", fd, err)
		}
		return fmt.Errorf("epoll_ctl add fd=%d: %w", fd, err)
	}
	p.fdHandlers[fd] = handler
	return nil
}

// RemoveFd de-registers fd.
func (p *Poller) RemoveFd(fd int) {
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(p.fdHandlers, fd)
}

// Now returns the monotonic-coarse timestamp cached at the start of the
// current wakeup (spec.md §4.A).
func (p *Poller) Now() time.Time { return p.now }

// Timers exposes the deadline wheel so callers can register Timers.
func (p *Poller) Timers() *timer.Wheel { return p.timers }

// RunOnce blocks up to timeoutMs (or indefinitely if negative) in epoll_wait,
// then dispatches every ready fd's handler in arrival order, then runs due
// timers. It returns the suggested next epoll_wait timeout.
func (p *Poller) RunOnce(timeoutMs int) (int, error) {
	events := make([]unix.EpollEvent, 32)
	n, err := unix.EpollWait(p.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		if !p.epollRetry.Allow() {
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}
		verlog.Warningf("epoll_wait transient error, retrying: %v", err)
		return 0, nil
	}
	p.now = coarseNow()
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if h, ok := p.fdHandlers[fd]; ok {
			h(events[i].Events)
		}
	}

	remaining, has := p.timers.Run(p.now)
	if !has {
		return -1, nil
	}
	ms := int(remaining / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return ms, nil
}

// Close releases the epoll and inotify fds.
func (p *Poller) Close() {
	if p.self != nil {
		p.self.close()
	}
	unix.Close(p.inotify)
	unix.Close(p.epfd)
}

func coarseNow() time.Time {
	return time.Now()
}

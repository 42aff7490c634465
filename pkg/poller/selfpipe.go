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

package poller

import "golang.org/x/sys/unix"

// selfPipe lets a background goroutine (a Runner reap, an inherited-pid wait)
// interrupt a blocked epoll_wait without taking any lock the main loop holds.
// This is the Go-idiomatic stand-in for the self-pipe trick a signal handler
// uses to break out of a blocking syscall.
type selfPipe struct {
	r, w int
}

func newSelfPipe() (*selfPipe, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &selfPipe{r: fds[0], w: fds[1]}, nil
}

// wake is safe to call from any goroutine.
func (s *selfPipe) wake() {
	_, _ = unix.Write(s.w, []byte{0})
}

func (s *selfPipe) drain() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(s.r, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *selfPipe) close() {
	unix.Close(s.r)
	unix.Close(s.w)
}

// OnWake registers cb to run after every time Wake is called and the loop
// notices (immediately, if RunOnce is currently blocked in epoll_wait; on
// the next RunOnce otherwise). Several callbacks may be registered; they run
// in registration order.
func (p *Poller) OnWake(cb func()) {
	p.wakeHandlers = append(p.wakeHandlers, cb)
}

// Wake interrupts a blocked RunOnce and schedules the registered OnWake
// callbacks to run on the poller's own goroutine at the start of its next
// iteration. Safe to call from any goroutine.
func (p *Poller) Wake() {
	if p.self != nil {
		p.self.wake()
	}
}

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

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

type pendingWatch struct {
	mask uint32
	cb   func(mask uint32)
}

// Watch installs an inotify watch on path, satisfying the observable
// contract of spec.md §4.A:
//   - constructing on a non-existent path returns a no-op cancel and a nil
//     error (a "falsy watch" whose callback never fires);
//   - a successful construct guarantees IN_IGNORED eventually reaches cb,
//     unless cb is unregistered first by calling cancel();
//   - cb never fires after cancel() returns.
//
// An add is queued only when pendingByPath already holds a queue for path;
// nothing in this package creates such a queue, so every add goes straight
// to inotify_add_watch. A cancelled watch's state is dropped at once, and
// the IN_IGNORED that follows it is discarded by drainInotify.
func (p *Poller) Watch(path string, mask uint32, cb func(mask uint32)) (func(), error) {
	if _, busy := p.pendingByPath[path]; busy {
		pw := &pendingWatch{mask: mask, cb: cb}
		p.pendingByPath[path] = append(p.pendingByPath[path], pw)
		return p.cancelPending(path, pw), nil
	}

	wd, err := unix.InotifyAddWatch(p.inotify, path, mask)
	if err != nil {
		if os.IsNotExist(err) {
			return func() {}, nil
		}
		if !p.inotifyRetry.Allow() {
			return nil, fmt.Errorf("inotify_add_watch %q: %w (retry budget exhausted)", path, err)
		}
		return nil, fmt.Errorf("inotify_add_watch %q: %w", path, err)
	}

	ws := &watchState{path: path, mask: mask, cb: cb}
	p.watches[int32(wd)] = ws

	cancelled := false
	cancel := func() {
		if cancelled {
			return
		}
		cancelled = true
		delete(p.watches, int32(wd))
		unix.InotifyRmWatch(p.inotify, uint32(wd))
	}
	return cancel, nil
}

func (p *Poller) cancelPending(path string, pw *pendingWatch) func() {
	cancelled := false
	return func() {
		if cancelled {
			return
		}
		cancelled = true
		q := p.pendingByPath[path]
		for i, x := range q {
			if x == pw {
				p.pendingByPath[path] = append(q[:i], q[i+1:]...)
				break
			}
		}
		if len(p.pendingByPath[path]) == 0 {
			delete(p.pendingByPath, path)
		}
	}
}

// drainInotify reads every pending inotify event and dispatches it to the
// watch it belongs to, in kernel delivery order.
func (p *Poller) drainInotify(_ uint32) {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(p.inotify, buf)
		if n <= 0 || err != nil {
			return
		}
		off := 0
		for off+unix.SizeofInotifyEvent <= n {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
			wd := raw.Wd
			mask := raw.Mask
			off += unix.SizeofInotifyEvent + int(raw.Len)

			ws, ok := p.watches[wd]
			if !ok {
				continue
			}
			ws.cb(mask)
			if mask&unix.IN_IGNORED != 0 {
				delete(p.watches, wd)
				p.drainOnePending(ws.path)
			}
		}
	}
}

// drainOnePending installs the next queued Watch for path, if any, now that
// the kernel has acknowledged the previous watch's removal.
func (p *Poller) drainOnePending(path string) {
	q, ok := p.pendingByPath[path]
	if !ok || len(q) == 0 {
		delete(p.pendingByPath, path)
		return
	}
	next := q[0]
	rest := q[1:]
	if len(rest) == 0 {
		delete(p.pendingByPath, path)
	} else {
		p.pendingByPath[path] = rest
	}
	if _, err := p.Watch(path, next.mask, next.cb); err != nil {
		// Nothing meaningful to do with a failed re-install of a queued
		// watch; the caller that's still waiting simply never gets a
		// callback, matching the "falsy watch" contract.
		_ = err
	}
}

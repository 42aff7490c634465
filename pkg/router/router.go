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

// Package router implements the line-oriented Unix-domain control socket
// (spec.md §4.J, §6). It is stateless: every request is translated straight
// into a scheduler intent, and the caller's connection is wired in as the
// Requester so streamed output and the terminal response reach it directly.
package router

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	verlog "github.com/svarshavchik/vera-sub000/pkg/log"
	"github.com/svarshavchik/vera-sub000/pkg/scheduler"
)

// Scheduler is the subset of *scheduler.Scheduler the router drives.
type Scheduler interface {
	Start(name string, req scheduler.Requester) error
	Stop(name string, req scheduler.Requester) error
	Restart(name string, req scheduler.Requester) error
	Reload(name string, req scheduler.Requester) error
	SetRunlevel(alias string, req scheduler.Requester) error
	GetRunlevel() []string
	Status() []string
	Reexec(req scheduler.Requester) error
}

// Router owns the listening socket and dispatches one goroutine-free
// connection handler per accepted conn onto the poller via fd registration
// is deliberately NOT done here: each connection blocks its own goroutine
// on line reads, and only calls into Scheduler (single-threaded) through
// the small, serialised Requester callbacks, matching the teacher's own
// one-goroutine-per-connection server shape.
type Router struct {
	sched Scheduler
	ln    net.Listener
}

// Listen binds the control socket at path, removing a stale socket file
// first (spec.md §6: privileged line protocol).
func Listen(path string, sched Scheduler) (*Router, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %q: %w", path, err)
	}
	return &Router{sched: sched, ln: ln}, nil
}

// Serve accepts connections until the listener is closed.
func (r *Router) Serve() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		go r.handle(conn)
	}
}

// Close stops accepting new connections.
func (r *Router) Close() error { return r.ln.Close() }

func (r *Router) handle(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		return
	}
	verb := strings.TrimSpace(sc.Text())

	switch verb {
	case "start", "stop", "restart", "reload", "setrunlevel":
		if !sc.Scan() {
			fmt.Fprintln(conn, "missing argument")
			return
		}
		name := strings.TrimSpace(sc.Text())
		r.dispatchNamed(conn, verb, name)
	case "getrunlevel":
		fmt.Fprintln(conn, "")
		for _, line := range r.sched.GetRunlevel() {
			fmt.Fprintln(conn, line)
		}
	case "status":
		// spec.md §6 describes transferring an fd for a pager to read on;
		// the pager/TUI consuming it is out of scope, so this router
		// replies with the same status lines directly on the connection
		// instead of performing SCM_RIGHTS fd-passing to nothing.
		fmt.Fprintln(conn, "")
		for _, line := range r.sched.Status() {
			fmt.Fprintln(conn, line)
		}
		fmt.Fprintln(conn, "")
	case "reexec":
		req := newConnRequester(conn)
		if err := r.sched.Reexec(req); err != nil {
			fmt.Fprintln(conn, err.Error())
			return
		}
		// Reexec either failed synchronously above, is pending until every
		// unit is transferable (resolved later by maybeRetryReexec, which
		// calls req.Done on failure), or is about to replace the process
		// image outright. Block here so the connection — and the fd the
		// scheduler may still be writing Done/Output through — stays open
		// across that async resolution instead of closing out from under
		// it; on a successful re-exec this wait simply never returns
		// because the whole process image is replaced first.
		<-req.done
	default:
		verlog.Warningf("control socket: unknown verb %q", verb)
		fmt.Fprintln(conn, "unknown verb")
	}
}

// dispatchNamed issues the request and then blocks until the scheduler calls
// Done on it — for a unit with a real starting/stopping command that is long
// after Start/Stop itself returns, once the runner's cgroup.Spawn actually
// exits (pkg/scheduler/transitions.go). Returning from handle() before then
// would close conn and silently drop the streamed Output lines and the
// terminal exit-code line spec.md §6/§8 require the client to see.
func (r *Router) dispatchNamed(conn net.Conn, verb, name string) {
	req := newConnRequester(conn)
	fmt.Fprintln(conn, "") // accepted; errors are reported via Done/Output below

	var err error
	switch verb {
	case "start":
		err = r.sched.Start(name, req)
	case "stop":
		err = r.sched.Stop(name, req)
	case "restart":
		err = r.sched.Restart(name, req)
	case "reload":
		err = r.sched.Reload(name, req)
	case "setrunlevel":
		err = r.sched.SetRunlevel(name, req)
	}
	if err != nil {
		verlog.Debugf("control socket %s %q: %v", verb, name, err)
	}
	<-req.done
}

// connRequester adapts one accepted connection into a scheduler.Requester:
// Output streams a unit's merged output line by line, Done writes the
// verb-specific terminal response and signals done so the connection
// handler holding the other end of conn can return.
type connRequester struct {
	conn net.Conn
	done chan struct{}
}

func newConnRequester(conn net.Conn) *connRequester {
	return &connRequester{conn: conn, done: make(chan struct{})}
}

func (c *connRequester) Output(line string) {
	fmt.Fprintln(c.conn, line)
}

func (c *connRequester) Done(exitCode int) {
	fmt.Fprintln(c.conn, strconv.Itoa(exitCode))
	close(c.done)
}

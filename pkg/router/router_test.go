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

package router

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/svarshavchik/vera-sub000/pkg/scheduler"
)

type fakeScheduler struct {
	started, stopped []string
	status           []string
	runlevelLines    []string
}

func (f *fakeScheduler) Start(name string, req scheduler.Requester) error {
	f.started = append(f.started, name)
	req.Done(0)
	return nil
}
func (f *fakeScheduler) Stop(name string, req scheduler.Requester) error {
	f.stopped = append(f.stopped, name)
	req.Done(0)
	return nil
}
func (f *fakeScheduler) Restart(name string, req scheduler.Requester) error { req.Done(0); return nil }
func (f *fakeScheduler) Reload(name string, req scheduler.Requester) error  { req.Done(0); return nil }
func (f *fakeScheduler) SetRunlevel(alias string, req scheduler.Requester) error {
	if req != nil {
		req.Done(0)
	}
	return nil
}
func (f *fakeScheduler) GetRunlevel() []string { return f.runlevelLines }
func (f *fakeScheduler) Status() []string      { return f.status }
func (f *fakeScheduler) Reexec(req scheduler.Requester) error {
	return fmt.Errorf("reexec not available in test")
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRouterStartDispatchesAndReplies(t *testing.T) {
	fs := &fakeScheduler{}
	path := filepath.Join(t.TempDir(), "control")
	r, err := Listen(path, fs)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer r.Close()
	go r.Serve()

	conn := dial(t, path)
	fmt.Fprintln(conn, "start")
	fmt.Fprintln(conn, "system/sshd")

	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		t.Fatalf("expected an accepted-line reply")
	}
	if !sc.Scan() {
		t.Fatalf("expected a terminal exit code line")
	}
	if sc.Text() != "0" {
		t.Errorf("terminal line = %q, want \"0\"", sc.Text())
	}
	if len(fs.started) != 1 || fs.started[0] != "system/sshd" {
		t.Errorf("Start should have been called with system/sshd, got %v", fs.started)
	}
}

// asyncScheduler mimics a unit with a real starting_command: Start returns
// immediately (as the real scheduler does after cgroup.Spawn), and Done only
// fires later from a different goroutine once the runner "exits".
type asyncScheduler struct {
	fakeScheduler
}

func (a *asyncScheduler) Start(name string, req scheduler.Requester) error {
	go func() {
		time.Sleep(20 * time.Millisecond)
		req.Output("unit output line")
		req.Done(7)
	}()
	return nil
}

func TestRouterWaitsForAsynchronousDone(t *testing.T) {
	as := &asyncScheduler{}
	path := filepath.Join(t.TempDir(), "control")
	r, err := Listen(path, as)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer r.Close()
	go r.Serve()

	conn := dial(t, path)
	fmt.Fprintln(conn, "start")
	fmt.Fprintln(conn, "system/sshd")

	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		t.Fatalf("expected an accepted-line reply")
	}
	if !sc.Scan() {
		t.Fatalf("expected the streamed output line")
	}
	if sc.Text() != "unit output line" {
		t.Errorf("output line = %q, want \"unit output line\"", sc.Text())
	}
	if !sc.Scan() {
		t.Fatalf("expected a terminal exit code line sent after the async Done")
	}
	if sc.Text() != "7" {
		t.Errorf("terminal line = %q, want \"7\"", sc.Text())
	}
}

func TestRouterStatusRepliesDirectlyOnConnection(t *testing.T) {
	fs := &fakeScheduler{status: []string{"a started -", "b stopped -"}}
	path := filepath.Join(t.TempDir(), "control")
	r, err := Listen(path, fs)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer r.Close()
	go r.Serve()

	conn := dial(t, path)
	fmt.Fprintln(conn, "status")

	sc := bufio.NewScanner(conn)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != 2 || lines[0] != "a started -" || lines[1] != "b stopped -" {
		t.Errorf("status lines = %v, want [a started -, b stopped -]", lines)
	}
}

func TestRouterUnknownVerb(t *testing.T) {
	fs := &fakeScheduler{}
	path := filepath.Join(t.TempDir(), "control")
	r, err := Listen(path, fs)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer r.Close()
	go r.Serve()

	conn := dial(t, path)
	fmt.Fprintln(conn, "bogus")

	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		t.Fatalf("expected a reply")
	}
	if sc.Text() != "unknown verb" {
		t.Errorf("reply = %q, want \"unknown verb\"", sc.Text())
	}
}

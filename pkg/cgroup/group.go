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

// Package cgroup implements the per-unit process group (spec.md §4.B): one
// cgroup v2 directory per unit, a merged stdout/stderr pipe, and the
// populated-edge bookkeeping the scheduler reacts to.
package cgroup

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	cgroup2 "github.com/containerd/cgroups/v2"
	"golang.org/x/sys/unix"

	verlog "github.com/svarshavchik/vera-sub000/pkg/log"
)

// Watcher is the subset of pkg/poller's filesystem-watch API a ProcessGroup
// needs; it is an interface here (rather than a direct import of pkg/poller)
// so this package stays a leaf and the dependency runs the other way
// (pkg/scheduler wires a real *poller.Poller in).
type Watcher interface {
	// Watch installs a watch on path and invokes cb on every inotify
	// event until the returned cancel func is called. cb receives the
	// raw inotify mask observed.
	Watch(path string, mask uint32, cb func(mask uint32)) (cancel func(), err error)
}

// Group owns one unit's cgroup v2 directory, its merged stdout+stderr pipe,
// and the derived "populated" boolean.
type Group struct {
	unitName string
	dirName  string
	base     string

	mgr *cgroup2.Manager

	pipeR *os.File
	pipeW *os.File

	eventsFile *os.File
	cancelWatch func()

	populated bool

	// onPopulated is invoked with the new value only when populated
	// changes (spec.md §4.B: "only invokes ... when the boolean
	// changes").
	onPopulated func(newValue bool)
}

// DirName derives the cgroup leaf directory name from a unit name by
// replacing '/' with ':' and prepending one ':', per spec.md §6's
// process-group cgroup layout. The leading ':' makes the leaf one byte
// longer than the unit name, which still fits NAME_MAX because unit names
// are at most NAME_MAX-1 bytes.
func DirName(unitName string) string {
	return ":" + strings.ReplaceAll(unitName, "/", ":")
}

// Create allocates the cgroup directory, the events watch, and the pipe. The
// returned Group has no process in it yet; Spawn (pkg/cgroup/runner.go) forks
// into it.
func Create(base, unitName string, w Watcher, onPopulated func(bool)) (*Group, error) {
	dir := DirName(unitName)
	mgr, err := cgroup2.NewManager(base, "/"+dir, &cgroup2.Resources{})
	if err != nil {
		return nil, fmt.Errorf("creating cgroup for %q: %w", unitName, err)
	}

	eventsPath := base + "/" + dir + "/cgroup.events"
	ef, err := os.Open(eventsPath)
	if err != nil {
		mgr.Delete()
		return nil, fmt.Errorf("opening %s: %w", eventsPath, err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		ef.Close()
		mgr.Delete()
		return nil, fmt.Errorf("creating stdio pipe for %q: %w", unitName, err)
	}

	g := &Group{
		unitName:    unitName,
		dirName:     dir,
		base:        base,
		mgr:         mgr,
		pipeR:       pr,
		pipeW:       pw,
		eventsFile:  ef,
		onPopulated: onPopulated,
	}

	cancel, err := w.Watch(eventsPath, unix.IN_MODIFY|unix.IN_IGNORED, g.handleEvent)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("watching %s: %w", eventsPath, err)
	}
	g.cancelWatch = cancel

	// The watch is installed after the directory is created but before any
	// pid is added. No populated edge is synthesised here or at fork time:
	// the first populated=false->true edge is the one handleEvent reads
	// from cgroup.events after Spawn has added a process.
	return g, nil
}

func (g *Group) handleEvent(mask uint32) {
	if mask&unix.IN_IGNORED != 0 {
		return
	}
	populated, err := g.readPopulated()
	if err != nil {
		verlog.WithUnit(g.unitName).Warnf("reading cgroup.events: %v", err)
		return
	}
	g.setPopulated(populated)
}

func (g *Group) readPopulated() (bool, error) {
	if _, err := g.eventsFile.Seek(0, 0); err != nil {
		return false, err
	}
	buf := make([]byte, 256)
	n, err := g.eventsFile.Read(buf)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(buf[:n]), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "populated" {
			return fields[1] == "1", nil
		}
	}
	return false, fmt.Errorf("cgroup.events missing populated field")
}

func (g *Group) setPopulated(v bool) {
	if v == g.populated {
		return
	}
	g.populated = v
	if g.onPopulated != nil {
		g.onPopulated(v)
	}
}

// Populated returns the last observed populated bit (synchronous fresh read
// is only needed right after a re-exec, see RestoreFromReexec).
func (g *Group) Populated() bool { return g.populated }

// ReadPopulatedNow forces a synchronous re-read, used once after a re-exec
// to recover the current state without waiting for the next inotify event
// (spec.md §4.I step 3).
func (g *Group) ReadPopulatedNow() (bool, error) {
	v, err := g.readPopulated()
	if err != nil {
		return false, err
	}
	g.populated = v
	return v, nil
}

// StdioWriteFd returns the pipe's write end, which Spawn (runner.go) hands
// to the child as its stdout and stderr.
func (g *Group) StdioWriteFd() uintptr { return g.pipeW.Fd() }

// StdioReader is the pipe's read end, used by the scheduler to forward a
// unit's merged output to a requester (spec.md §4.G start/stop).
func (g *Group) StdioReader() *os.File { return g.pipeR }

// PipeReadFd and PipeWriteFd expose the raw fds a re-exec serialises
// (spec.md §4.I step 1: "write one serialisation record ... containing
// ... the three inherited fds").
func (g *Group) PipeReadFd() int  { return int(g.pipeR.Fd()) }
func (g *Group) PipeWriteFd() int { return int(g.pipeW.Fd()) }

// EventsFd exposes the cgroup.events fd for the same purpose.
func (g *Group) EventsFd() int { return int(g.eventsFile.Fd()) }

// RestoreFromReexec reconstructs a Group around fds inherited across
// execve, re-installing the events watch and re-deriving the populated bit
// via one synchronous read rather than waiting for the next inotify event
// (spec.md §4.I step 3).
func RestoreFromReexec(base, unitName string, pipeRFd, pipeWFd, eventsFd int, w Watcher, onPopulated func(bool)) (*Group, error) {
	dir := DirName(unitName)
	mgr, err := cgroup2.NewManager(base, "/"+dir, &cgroup2.Resources{})
	if err != nil {
		return nil, fmt.Errorf("reopening cgroup for %q: %w", unitName, err)
	}

	g := &Group{
		unitName:    unitName,
		dirName:     dir,
		base:        base,
		mgr:         mgr,
		pipeR:       os.NewFile(uintptr(pipeRFd), "pipe-read"),
		pipeW:       os.NewFile(uintptr(pipeWFd), "pipe-write"),
		eventsFile:  os.NewFile(uintptr(eventsFd), "cgroup.events"),
		onPopulated: onPopulated,
	}

	eventsPath := base + "/" + dir + "/cgroup.events"
	cancel, err := w.Watch(eventsPath, unix.IN_MODIFY|unix.IN_IGNORED, g.handleEvent)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("watching %s: %w", eventsPath, err)
	}
	g.cancelWatch = cancel

	if _, err := g.ReadPopulatedNow(); err != nil {
		verlog.WithUnit(unitName).Warningf("reading cgroup.events after re-exec: %v", err)
	}
	return g, nil
}

// AddProcess moves pid into the cgroup; Spawn calls it from the parent
// right after the child has been started.
func (g *Group) AddProcess(pid int) error {
	return g.mgr.AddProc(uint64(pid))
}

// Pids lists the processes currently in the cgroup, used by Sendsig.
func (g *Group) Pids() ([]uint64, error) {
	return g.mgr.Procs(true)
}

// Sendsig signals the unit's processes per spec.md §4.B: "all" signals every
// pid in cgroup.procs; "parents" excludes pids whose executable matches
// their parent's (the parent already got the signal, children inherit it
// naturally when the parent exits, so they are skipped here).
func (g *Group) Sendsig(sig syscall.Signal, notifyAll bool) error {
	pids, err := g.Pids()
	if err != nil {
		return fmt.Errorf("listing cgroup.procs for %q: %w", g.unitName, err)
	}
	if notifyAll {
		for _, pid := range pids {
			_ = unix.Kill(int(pid), sig)
		}
		return nil
	}
	exe := func(pid uint64) string {
		target, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
		if err != nil {
			return ""
		}
		return target
	}
	parentOf := make(map[uint64]uint64, len(pids))
	for _, pid := range pids {
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if err != nil {
			continue
		}
		var ppid uint64
		fields := strings.Fields(string(data))
		if len(fields) > 3 {
			fmt.Sscanf(fields[3], "%d", &ppid)
		}
		parentOf[pid] = ppid
	}
	for _, pid := range pids {
		ppid, ok := parentOf[pid]
		if ok && exe(pid) == exe(ppid) {
			continue
		}
		_ = unix.Kill(int(pid), sig)
	}
	return nil
}

// TryRmdir deletes the events watch, closes the pipe, and deletes the
// cgroup directory. Failure is non-fatal (spec.md §4.B).
func (g *Group) TryRmdir() {
	g.Close()
	if err := g.mgr.Delete(); err != nil {
		verlog.WithUnit(g.unitName).Debugf("cgroup delete for %q: %v (non-fatal)", g.unitName, err)
	}
}

// Close releases the pipe, the events file, and the watch without removing
// the cgroup directory itself; used by TryRmdir and by the failure paths of
// Create and RestoreFromReexec. A re-exec does not call it: the fds stay
// open for the new process.
func (g *Group) Close() {
	if g.cancelWatch != nil {
		g.cancelWatch()
		g.cancelWatch = nil
	}
	g.eventsFile.Close()
	g.pipeR.Close()
	g.pipeW.Close()
}

// Name returns the unit name this group belongs to.
func (g *Group) Name() string { return g.unitName }

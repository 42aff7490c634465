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

// Package scheduler drives every unit through its start/stop lifecycle
// (spec.md §4.G): find_start_or_stop_to_do is re-entered after every event
// and repeats until a sweep makes no progress, at which point a genuine
// circular dependency is broken deterministically.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/svarshavchik/vera-sub000/pkg/cgroup"
	verlog "github.com/svarshavchik/vera-sub000/pkg/log"
	"github.com/svarshavchik/vera-sub000/pkg/poller"
	"github.com/svarshavchik/vera-sub000/pkg/reexec"
	"github.com/svarshavchik/vera-sub000/pkg/runlevel"
	"github.com/svarshavchik/vera-sub000/pkg/state"
	"github.com/svarshavchik/vera-sub000/pkg/unit"
)

// Requester is the control-socket connection (or any other caller) behind a
// start/stop/restart/reload request. Output streams the unit's merged
// stdout+stderr for the duration of the operation; Done delivers the final
// exit code exactly once (spec.md §5 "request liveness").
type Requester interface {
	Output(line string)
	Done(exitCode int)
}

// TransitionEvent is one state change, emitted on a buffered channel for
// cmd/verad to log (SPEC_FULL.md supplemented feature #5; the out-of-scope
// switchlog writer would be another consumer of the same channel).
type TransitionEvent struct {
	Unit  string
	Label string
	At    time.Time
}

// RunInfo is the mutable per-unit run state that survives an Install/reload
// by unit name (spec.md §4.G "move RunInfo across"). Everything here but the
// respawn bookkeeping is also reachable through State; the respawn counters
// live here because they must survive the Started->Starting->Started round
// trip that recreates the Started variant from scratch each time.
type RunInfo struct {
	Name  string
	State state.State
	Group *cgroup.Group

	Requesters []Requester

	RespawnWindowStart time.Time
	RespawnCounter     int

	// Autoremove marks a unit whose spec disappeared from the table on a
	// later Install while it was still live: it is kept and driven to
	// Stopped like any other unit, then purged from the table entirely
	// (spec.md §3 invariant 8), instead of being discarded out from under
	// its running cgroup/child process.
	Autoremove bool
}

// respawnPrepareTimeout bounds the populated->false wait between a respawn
// unit's runner exiting and the next fork (spec.md §4.F: "bounded by a
// SIGKILL deadline identical to ordinary removal"). spec.md never pins an
// exact duration for this timer distinct from the 10s sigkill deadline used
// for ordinary removal, so this Open Question is resolved by reusing that
// same figure; see DESIGN.md.
const respawnPrepareTimeout = 10 * time.Second

// sigkillTimeout is the hard deadline from SIGTERM to SIGKILL during an
// ordinary stop (spec.md §5).
const sigkillTimeout = 10 * time.Second

// Scheduler owns the installed Graph, every unit's RunInfo, the active
// runlevel, and the transition-event stream. It is driven exclusively from
// the poller's single goroutine; there is no internal locking (spec.md §5).
type Scheduler struct {
	poller *poller.Poller
	graph  *unit.Graph
	infos  map[string]*RunInfo
	order  []string

	cgroupBase string

	runlevels       *runlevel.Config
	currentRunlevel string

	reexecPending   bool
	reexecRequester Requester
	reexecBinary    string

	transitions chan TransitionEvent
}

// New returns an empty Scheduler; call Install before anything else.
func New(p *poller.Poller, cgroupBase string, runlevels *runlevel.Config, reexecBinary string) *Scheduler {
	return &Scheduler{
		poller:       p,
		infos:        map[string]*RunInfo{},
		cgroupBase:   cgroupBase,
		runlevels:    runlevels,
		reexecBinary: reexecBinary,
		transitions:  make(chan TransitionEvent, 256),
	}
}

// Transitions exposes the event stream cmd/verad drains into pkg/log.
func (s *Scheduler) Transitions() <-chan TransitionEvent { return s.transitions }

func (s *Scheduler) emitTransition(name, label string) {
	select {
	case s.transitions <- TransitionEvent{Unit: name, Label: label, At: s.poller.Now()}:
	default:
		// A slow/absent consumer must never block the event loop; drop
		// this new event instead and keep the ones already queued.
		verlog.WithUnit(name).Debugf("transition event channel full, dropping %q", label)
	}
}

// Install builds a fresh Graph from specs, moves RunInfo across by name for
// units that survive, and (in Initial mode, if rp is non-nil) restores
// Started/Stopped state from a re-exec payload (spec.md §4.G install,
// §4.I step 3).
func (s *Scheduler) Install(specs map[string]*unit.Spec, mode unit.InstallMode, rp *reexec.Payload) error {
	g, err := unit.Install(specs)
	if err != nil {
		return fmt.Errorf("installing units: %w", err)
	}

	newInfos := make(map[string]*RunInfo, len(g.Specs))
	newOrder := make([]string, 0, len(g.Specs))
	for _, name := range s.order {
		if _, ok := g.Specs[name]; ok {
			ri := s.infos[name]
			ri.Autoremove = false
			newInfos[name] = ri
			newOrder = append(newOrder, name)
		}
	}

	// A unit dropped from the new spec set while still live is not
	// discarded outright: that would orphan its cgroup.Group (a running
	// child, an open cgroup, pipe fds) with nothing left to ever stop it
	// or call TryRmdir. Keep its RunInfo and old Spec, flagged Autoremove,
	// so the scheduler drives it to Stopped like any other unit; it is
	// purged from the table only once finalizeStopped actually reaches
	// Stopped (spec.md §3 invariant 8).
	for _, name := range s.order {
		if _, ok := g.Specs[name]; ok {
			continue
		}
		ri, ok := s.infos[name]
		if !ok || ri.State.Kind == state.KindStopped {
			continue
		}
		ri.Autoremove = true
		newInfos[name] = ri
		newOrder = append(newOrder, name)
		if oldSpec, ok := s.graph.Specs[name]; ok {
			g.Specs[name] = oldSpec
		}
		g.Deps[name] = &unit.DependencyInfo{
			AllRequires:      map[string]struct{}{},
			AllRequiredBy:    map[string]struct{}{},
			AllStartingFirst: map[string]struct{}{},
			AllStoppingFirst: map[string]struct{}{},
		}
	}

	var added []string
	for name := range g.Specs {
		if _, ok := newInfos[name]; ok {
			continue
		}
		newInfos[name] = &RunInfo{Name: name, State: state.Stopped()}
		added = append(added, name)
	}
	// Newly-installed units have no prior insertion order to preserve;
	// sort them so sweep tie-breaking (spec.md §5) is at least
	// deterministic across an install that adds more than one unit.
	sort.Strings(added)
	newOrder = append(newOrder, added...)

	s.graph = g
	s.infos = newInfos
	s.order = newOrder

	for name, ri := range s.infos {
		if ri.Autoremove {
			s.beginStop(name, ri, "autoremove: dropped from installed spec set")
		}
	}

	if mode == unit.Initial && rp != nil {
		s.restoreFromReexec(rp)
	}

	s.findStartOrStopToDo()
	return nil
}

func (s *Scheduler) lookup(name string) (*RunInfo, *unit.Spec, error) {
	spec, ok := s.graph.Specs[name]
	if !ok {
		return nil, nil, fmt.Errorf("unknown unit %q", name)
	}
	ri, ok := s.infos[name]
	if !ok {
		return nil, nil, fmt.Errorf("unit %q has no run info", name)
	}
	return ri, spec, nil
}

// ensureUnit returns the RunInfo for name, synthesising a placeholder Spec
// and RunInfo if neither exists yet (used for runlevel units materialised on
// first setrunlevel rather than pre-declared, spec.md §4.H).
func (s *Scheduler) ensureUnit(name string) *RunInfo {
	if ri, ok := s.infos[name]; ok {
		return ri
	}
	if _, ok := s.graph.Specs[name]; !ok {
		sp := unit.NewSpec(name)
		sp.Type = unit.Runlevel
		s.graph.Specs[name] = sp
		s.graph.Deps[name] = &unit.DependencyInfo{
			AllRequires:      map[string]struct{}{},
			AllRequiredBy:    map[string]struct{}{},
			AllStartingFirst: map[string]struct{}{},
			AllStoppingFirst: map[string]struct{}{},
		}
	}
	ri := &RunInfo{Name: name, State: state.Stopped()}
	s.infos[name] = ri
	s.order = append(s.order, name)
	return ri
}

// Start accepts a user/control-socket start request (spec.md §4.G start).
func (s *Scheduler) Start(name string, req Requester) error {
	ri, spec, err := s.lookup(name)
	if err != nil {
		failReq(req, err)
		return err
	}
	if !spec.Enabled {
		err := fmt.Errorf("unit %q is disabled", name)
		failReq(req, err)
		return err
	}
	if ri.State.Kind != state.KindStopped {
		err := fmt.Errorf("unit %q cannot be started from state %q", name, ri.State.Label())
		failReq(req, err)
		return err
	}
	s.beginAlternateExclusion(spec)
	s.pullStart(name, ri, false, req)
	s.findStartOrStopToDo()
	return nil
}

// Stop accepts a user/control-socket stop request (spec.md §4.G stop).
func (s *Scheduler) Stop(name string, req Requester) error {
	ri, _, err := s.lookup(name)
	if err != nil {
		failReq(req, err)
		return err
	}
	if ri.State.Kind == state.KindStopped {
		err := fmt.Errorf("unit %q is already stopped", name)
		failReq(req, err)
		return err
	}
	if req != nil {
		ri.Requesters = append(ri.Requesters, req)
	}
	s.beginStop(name, ri, "user stop")
	s.findStartOrStopToDo()
	return nil
}

func failReq(req Requester, err error) {
	if req == nil {
		return
	}
	req.Output(err.Error())
	req.Done(1)
}

// pullStart moves a Stopped unit into Starting, allocating its ProcessGroup,
// and recursively pulls every Stopped, enabled unit in all_requires
// (spec.md §4.F: "Request start for all all_requires that are Stopped").
// Disabled units, synthesised placeholders included, are never pulled.
func (s *Scheduler) pullStart(name string, ri *RunInfo, dependency bool, req Requester) {
	if ri.State.Kind != state.KindStopped {
		if req != nil {
			ri.Requesters = append(ri.Requesters, req)
		}
		return
	}

	grp, err := cgroup.Create(s.cgroupBase, name, s.poller, func(v bool) { s.Populated(name, v) })
	if err != nil {
		verlog.WithUnit(name).Warningf("creating process group: %v", err)
		failReq(req, err)
		return
	}
	ri.Group = grp
	ri.State = state.State{Kind: state.KindStarting, Starting: &state.Starting{Dependency: dependency}}
	if req != nil {
		ri.Requesters = append(ri.Requesters, req)
	}
	s.emitTransition(name, ri.State.Label())

	if deps, ok := s.graph.Deps[name]; ok {
		for dep := range deps.AllRequires {
			if dri, ok := s.infos[dep]; ok && dri.State.Kind == state.KindStopped && s.graph.Specs[dep].Enabled {
				s.pullStart(dep, dri, true, nil)
			}
		}
	}
}

// beginAlternateExclusion stops every other non-Stopped unit sharing spec's
// alternative_group (spec.md §4.H, invariant 7).
func (s *Scheduler) beginAlternateExclusion(spec *unit.Spec) {
	if spec.AlternativeGroup == "" {
		return
	}
	for name, other := range s.graph.Specs {
		if name == spec.Name || other.AlternativeGroup != spec.AlternativeGroup {
			continue
		}
		if ri, ok := s.infos[name]; ok && ri.State.Kind != state.KindStopped {
			s.beginStop(name, ri, "alternate group exclusion")
		}
	}
}

// findStartOrStopToDo is the scheduler's sole entry point (spec.md §4.G): it
// re-sweeps until a pass makes no progress, then attempts to break a genuine
// cycle before giving up until the next external event.
func (s *Scheduler) findStartOrStopToDo() {
	for {
		if s.sweepOnce() {
			continue
		}
		if s.tryBreakCycle() {
			continue
		}
		s.maybeRetryReexec()
		return
	}
}

func (s *Scheduler) sweepOnce() bool {
	progress := false
	for _, name := range s.order {
		ri := s.infos[name]
		switch ri.State.Kind {
		case state.KindStarting:
			if ri.State.Starting.Runner != nil {
				continue
			}
			if s.startingReady(name) {
				s.fireStart(name, ri)
				progress = true
			}
		case state.KindStopping:
			if ri.State.Stopping == nil || ri.State.Stopping.Phase != state.PhasePending {
				continue
			}
			if s.stoppingReady(name) {
				s.fireStop(name, ri)
				progress = true
			}
		}
	}
	return progress
}

// startingReady implements spec.md §4.G.2's start qualification: a unit in
// all_starting_first blocks readiness only while it is itself still
// mid-transition (Starting). A dependency that was never pulled into this
// transition at all — a pure ordering-only edge with no requires, still
// sitting Stopped because nobody ever started it — must not block forever,
// per `_examples/original_source/proc_container.C`'s
// all_dependencies_in_state<state_starting> check (ground truth cited in
// DESIGN.md): only units actually in the transitional state count.
func (s *Scheduler) startingReady(name string) bool {
	deps, ok := s.graph.Deps[name]
	if !ok {
		return true
	}
	for dep := range deps.AllStartingFirst {
		dri, ok := s.infos[dep]
		if !ok {
			continue
		}
		if dri.State.Kind == state.KindStarting {
			return false
		}
	}
	return true
}

// stoppingReady is the symmetric stop qualification: a unit in
// all_stopping_first blocks readiness only while it is itself still
// Stopping.
func (s *Scheduler) stoppingReady(name string) bool {
	deps, ok := s.graph.Deps[name]
	if !ok {
		return true
	}
	for dep := range deps.AllStoppingFirst {
		dri, ok := s.infos[dep]
		if !ok {
			continue
		}
		if dri.State.Kind == state.KindStopping {
			return false
		}
	}
	return true
}

// tryBreakCycle implements spec.md §4.G.5: if nothing is ready and no runner
// anywhere is in flight to eventually generate a fresh event, the blocked set
// is a strongly-connected component stuck on itself; force-fire the
// lexicographically first member, logging once.
func (s *Scheduler) tryBreakCycle() bool {
	if s.anyInFlight() {
		return false
	}
	var blocked []string
	for _, name := range s.order {
		ri := s.infos[name]
		switch {
		case ri.State.Kind == state.KindStarting && ri.State.Starting.Runner == nil:
			blocked = append(blocked, name)
		case ri.State.Kind == state.KindStopping && ri.State.Stopping != nil && ri.State.Stopping.Phase == state.PhasePending:
			blocked = append(blocked, name)
		}
	}
	if len(blocked) == 0 {
		return false
	}
	sort.Strings(blocked)
	victim := blocked[0]
	verlog.Warningf("detected a circular dependency requirement (forcing %q)", victim)

	ri := s.infos[victim]
	if ri.State.Kind == state.KindStarting {
		s.fireStart(victim, ri)
	} else {
		s.fireStop(victim, ri)
	}
	return true
}

func (s *Scheduler) anyInFlight() bool {
	for _, ri := range s.infos {
		switch ri.State.Kind {
		case state.KindStarting:
			if ri.State.Starting.Runner != nil {
				return true
			}
		case state.KindStopping:
			if ri.State.Stopping != nil && ri.State.Stopping.Phase != state.PhasePending {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) notifyRequesters(ri *RunInfo, exitCode int) {
	for _, r := range ri.Requesters {
		if r != nil {
			r.Done(exitCode)
		}
	}
	ri.Requesters = nil
}

// Status returns one "<name> <label> <pid-or-dash>" line per installed unit
// in table order (SPEC_FULL.md supplemented feature #1).
func (s *Scheduler) Status() []string {
	lines := make([]string, 0, len(s.order))
	for _, name := range s.order {
		ri := s.infos[name]
		lines = append(lines, fmt.Sprintf("%s %s %s", name, ri.State.Label(), statusPid(ri.State)))
	}
	return lines
}

func statusPid(st state.State) string {
	switch st.Kind {
	case state.KindStarting:
		if st.Starting.Runner != nil && st.Starting.Runner.Pid != 0 {
			return fmt.Sprintf("%d", st.Starting.Runner.Pid)
		}
	case state.KindStarted:
		if st.Started.RespawnRunner != nil {
			return fmt.Sprintf("%d", st.Started.RespawnRunner.Pid)
		}
	case state.KindStopping:
		if st.Stopping.StoppingRunner != nil {
			return fmt.Sprintf("%d", st.Stopping.StoppingRunner.Pid)
		}
	}
	return "-"
}

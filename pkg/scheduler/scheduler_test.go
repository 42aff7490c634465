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

package scheduler

import (
	"bytes"
	"os"
	"strings"
	"testing"

	verlog "github.com/svarshavchik/vera-sub000/pkg/log"
	"github.com/svarshavchik/vera-sub000/pkg/poller"
	"github.com/svarshavchik/vera-sub000/pkg/runlevel"
	"github.com/svarshavchik/vera-sub000/pkg/state"
	"github.com/svarshavchik/vera-sub000/pkg/unit"
)

// newTestScheduler builds a Scheduler installed with specs, but never calls
// anything that touches a real cgroup: every spec here has empty
// starting/stopping commands, so fireStart/fireStop take their no-command
// branches (toStarted/beginSigterm-with-nil-Group) only.
func newTestScheduler(t *testing.T, specs map[string]*unit.Spec) *Scheduler {
	t.Helper()
	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New: %v", err)
	}
	t.Cleanup(p.Close)

	s := New(p, "/sys/fs/cgroup/vera-test", &runlevel.Config{Levels: map[string]*runlevel.Runlevel{}}, "/proc/self/exe")
	if err := s.Install(specs, unit.Initial, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return s
}

func TestSweepStartsReadyUnit(t *testing.T) {
	a := unit.NewSpec("a")
	s := newTestScheduler(t, map[string]*unit.Spec{"a": a})

	ri := s.infos["a"]
	ri.State = state.State{Kind: state.KindStarting, Starting: &state.Starting{}}

	if !s.sweepOnce() {
		t.Fatalf("sweepOnce should have made progress starting a ready unit")
	}
	if ri.State.Kind != state.KindStarted {
		t.Errorf("a should be Started, got %s", ri.State.Label())
	}
}

func TestStartingReadyWaitsWhileDependencyIsStarting(t *testing.T) {
	a := unit.NewSpec("a")
	b := unit.NewSpec("b")
	a.Requires["b"] = struct{}{}
	s := newTestScheduler(t, map[string]*unit.Spec{"a": a, "b": b})

	bi := s.infos["b"]
	bi.State = state.State{Kind: state.KindStarting, Starting: &state.Starting{}}
	if s.startingReady("a") {
		t.Fatalf("a should not be ready to start while its required unit b is still Starting")
	}

	bi.State = state.State{Kind: state.KindStarted, Started: &state.Started{}}
	if !s.startingReady("a") {
		t.Fatalf("a should become ready once b is Started")
	}
}

// TestStartingReadyDoesNotBlockOnAStoppedOrderingOnlyDependency is a
// liveness regression test: b sits Stopped forever because nothing ever
// pulled it into the transition (a pure ordering edge with no matching
// requires-driven start, or a dependency nobody requested). spec.md §4.G.2
// restricts the closure to units "themselves Starting", not to every
// dependency's target state — so a must still be allowed to fire, per
// _examples/original_source/proc_container.C's
// all_dependencies_in_state<state_starting> (cited in DESIGN.md).
func TestStartingReadyDoesNotBlockOnAStoppedOrderingOnlyDependency(t *testing.T) {
	a := unit.NewSpec("a")
	b := unit.NewSpec("b")
	a.StartsAfter["b"] = struct{}{}
	s := newTestScheduler(t, map[string]*unit.Spec{"a": a, "b": b})

	s.infos["b"].State = state.Stopped()
	if !s.startingReady("a") {
		t.Fatalf("a should be ready to start even though b is Stopped and not itself transitioning")
	}
}

func TestStoppingReadyWaitsWhileDependencyIsStopping(t *testing.T) {
	a := unit.NewSpec("a")
	b := unit.NewSpec("b")
	a.Requires["b"] = struct{}{} // a must stop before b (stopping_first(b) includes a)
	s := newTestScheduler(t, map[string]*unit.Spec{"a": a, "b": b})

	ai := s.infos["a"]
	ai.State = state.State{Kind: state.KindStopping, Stopping: &state.Stopping{Phase: state.PhasePending}}
	if s.stoppingReady("b") {
		t.Fatalf("b should not be ready to stop while a (which requires it) is still Stopping")
	}

	ai.State = state.Stopped()
	if !s.stoppingReady("b") {
		t.Fatalf("b should become ready to stop once a is no longer Stopping")
	}
}

// TestStoppingReadyDoesNotBlockOnAStartedOrderingOnlyDependency mirrors
// TestStartingReadyDoesNotBlockOnAStoppedOrderingOnlyDependency for stops: a
// unit ordered to stop before b that was never asked to stop (still Started)
// must not wedge b's stop forever.
func TestStoppingReadyDoesNotBlockOnAStartedOrderingOnlyDependency(t *testing.T) {
	a := unit.NewSpec("a")
	b := unit.NewSpec("b")
	a.StopsBefore["b"] = struct{}{}
	s := newTestScheduler(t, map[string]*unit.Spec{"a": a, "b": b})

	s.infos["a"].State = state.State{Kind: state.KindStarted, Started: &state.Started{}}
	if !s.stoppingReady("b") {
		t.Fatalf("b should be ready to stop even though a is Started and not itself transitioning")
	}
}

func TestTryBreakCycleForcesLexicographicallyFirst(t *testing.T) {
	a := unit.NewSpec("a")
	b := unit.NewSpec("b")
	a.Requires["b"] = struct{}{}
	b.Requires["a"] = struct{}{}
	s := newTestScheduler(t, map[string]*unit.Spec{"a": a, "b": b})

	ai, bi := s.infos["a"], s.infos["b"]
	ai.State = state.State{Kind: state.KindStarting, Starting: &state.Starting{}}
	bi.State = state.State{Kind: state.KindStarting, Starting: &state.Starting{}}

	var logged bytes.Buffer
	verlog.SetOutput(&logged)
	t.Cleanup(func() { verlog.SetOutput(os.Stderr) })

	s.findStartOrStopToDo()

	if ai.State.Kind != state.KindStarted || bi.State.Kind != state.KindStarted {
		t.Fatalf("both units should reach Started once the cycle is broken: a=%s b=%s", ai.State.Label(), bi.State.Label())
	}
	if !strings.Contains(logged.String(), "detected a circular dependency requirement") {
		t.Errorf("expected a circular-dependency log line, got: %s", logged.String())
	}
	if !strings.Contains(logged.String(), `"a"`) {
		t.Errorf("expected the lexicographically first unit (a) named in the log line, got: %s", logged.String())
	}
}

func TestStatusReportsDashWithoutGroup(t *testing.T) {
	a := unit.NewSpec("a")
	s := newTestScheduler(t, map[string]*unit.Spec{"a": a})
	s.infos["a"].State = state.State{Kind: state.KindStarted, Started: &state.Started{}}

	lines := s.Status()
	if len(lines) != 1 || lines[0] != "a started -" {
		t.Errorf("Status() = %v, want [\"a started -\"]", lines)
	}
}

func TestStartRejectsDisabledUnit(t *testing.T) {
	a := unit.NewSpec("a")
	a.Enabled = false
	s := newTestScheduler(t, map[string]*unit.Spec{"a": a})

	fr := &fakeRequester{}
	if err := s.Start("a", fr); err == nil {
		t.Errorf("Start should reject a disabled unit")
	}
	if fr.doneCode == nil || *fr.doneCode != 1 {
		t.Errorf("fakeRequester.Done should have been called with 1, got %v", fr.doneCode)
	}
}

func TestGetRunlevelMarksCurrent(t *testing.T) {
	a := unit.NewSpec("a")
	s := newTestScheduler(t, map[string]*unit.Spec{"a": a})
	s.runlevels.Levels["default"] = &runlevel.Runlevel{Name: "default", Aliases: map[string]struct{}{}}
	s.runlevels.Levels["single"] = &runlevel.Runlevel{Name: "single", Aliases: map[string]struct{}{}}
	s.currentRunlevel = runlevel.UnitName("default")

	lines := s.GetRunlevel()
	want := map[string]string{"default": "default current", "single": "single -"}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	for _, l := range lines {
		found := false
		for _, w := range want {
			if l == w {
				found = true
			}
		}
		if !found {
			t.Errorf("unexpected GetRunlevel line %q", l)
		}
	}
}

// TestInstallKeepsLiveUnitDroppedFromSpecSetForAutoremove is a resource-leak
// regression test: reloading a spec set that drops a currently-Started unit
// must not simply discard its RunInfo/cgroup.Group out from under the
// running child — it must be kept, flagged Autoremove, and driven toward
// Stopped (spec.md §3 invariant 8).
func TestInstallKeepsLiveUnitDroppedFromSpecSetForAutoremove(t *testing.T) {
	a := unit.NewSpec("a")
	s := newTestScheduler(t, map[string]*unit.Spec{"a": a})
	s.infos["a"].State = state.State{Kind: state.KindStarted, Started: &state.Started{}}

	if err := s.Install(map[string]*unit.Spec{}, unit.Initial, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}

	ri, ok := s.infos["a"]
	if !ok {
		t.Fatalf("a should still have a RunInfo after being dropped from the spec set while live")
	}
	if !ri.Autoremove {
		t.Errorf("a should be flagged Autoremove")
	}
	if ri.State.Kind != state.KindStopping {
		t.Errorf("a should have been pushed toward Stopping, got %s", ri.State.Label())
	}
	if _, ok := s.graph.Specs["a"]; !ok {
		t.Errorf("a's old Spec should be retained so its stopping_command can still run")
	}
}

// TestFinalizeStoppedPurgesAutoremovedUnit verifies the other half: once an
// autoremove unit actually reaches Stopped, it is purged from the table
// entirely rather than lingering forever.
func TestFinalizeStoppedPurgesAutoremovedUnit(t *testing.T) {
	a := unit.NewSpec("a")
	s := newTestScheduler(t, map[string]*unit.Spec{"a": a})

	ri := s.infos["a"]
	ri.Autoremove = true
	ri.State = state.State{Kind: state.KindStopping, Stopping: &state.Stopping{Phase: state.PhaseRemoving}}

	s.finalizeStopped("a", ri)

	if _, ok := s.infos["a"]; ok {
		t.Errorf("a should have been purged from infos")
	}
	if _, ok := s.graph.Specs["a"]; ok {
		t.Errorf("a should have been purged from graph.Specs")
	}
	if _, ok := s.graph.Deps["a"]; ok {
		t.Errorf("a should have been purged from graph.Deps")
	}
	for _, n := range s.order {
		if n == "a" {
			t.Errorf("a should have been purged from order")
		}
	}
}

type fakeRequester struct {
	output   []string
	doneCode *int
}

func (f *fakeRequester) Output(line string) { f.output = append(f.output, line) }
func (f *fakeRequester) Done(code int)      { c := code; f.doneCode = &c }

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
	"syscall"
	"time"

	"github.com/svarshavchik/vera-sub000/pkg/cgroup"
	verlog "github.com/svarshavchik/vera-sub000/pkg/log"
	"github.com/svarshavchik/vera-sub000/pkg/state"
	"github.com/svarshavchik/vera-sub000/pkg/unit"
)

// fireStart forks starting_command (if any) for a Starting unit chosen by
// the sweep. For a forking unit this only arms the runner and timeout;
// the transition to Started happens later in onStartingCommandDone. For
// oneshot/respawn units (original_source/proc_container.H: "the container
// starts immediately, after that starting command runs") a successful fork
// transitions to Started right here; see DESIGN.md for why this reading was
// chosen over the more literal "runner exits 0" wording.
func (s *Scheduler) fireStart(name string, ri *RunInfo) {
	spec := s.graph.Specs[name]
	if spec.StartingCommand == "" {
		s.toStarted(name, ri, ri.State.Starting.Dependency)
		return
	}

	var runner *cgroup.Runner
	runner = cgroup.Spawn(spec.StartingCommand, ri.Group, func(status cgroup.ExitStatus) {
		s.onStartingCommandDone(name, runner, status)
	})
	ri.State.Starting.Runner = runner
	if spec.StartingTimeoutS > 0 {
		ri.State.Starting.Timeout = s.poller.Timers().After(s.poller.Now(),
			time.Duration(spec.StartingTimeoutS)*time.Second,
			func() { s.onStartingTimeout(name) })
	}

	if runner.Pid == 0 {
		// Fork failed; onStartingCommandDone handles it once the queued
		// exit drains, regardless of start_type.
		return
	}
	if spec.StartType != unit.Forking {
		s.toStartedImmediate(name, ri, runner)
	}
}

// onStartingCommandDone is the single callback wired to every starting
// Runner, for every start_type. It distinguishes the case by re-examining
// the unit's current State rather than by closing over start_type, because
// a respawn unit's runner keeps firing this same callback long after the
// unit has moved on to Started.
func (s *Scheduler) onStartingCommandDone(name string, r *cgroup.Runner, status cgroup.ExitStatus) {
	ri, ok := s.infos[name]
	if !ok {
		return
	}

	if ri.State.Kind == state.KindStarting && ri.State.Starting != nil && ri.State.Starting.Runner == r {
		ri.State.Starting.Timeout.Cancel()
		spec := s.graph.Specs[name]
		if !status.Success() {
			verlog.WithUnit(name).Warningf("starting command failed: %+v", status)
			s.beginStop(name, ri, "starting command failed")
			s.findStartOrStopToDo()
			return
		}
		if spec.StartType == unit.Forking {
			depopulated := ri.State.Starting.DelayedDepopulation
			s.toStarted(name, ri, ri.State.Starting.Dependency)
			if depopulated && spec.StopType == unit.Automatic {
				s.beginStop(name, ri, "populated=false (automatic stop)")
			}
		}
		s.findStartOrStopToDo()
		return
	}

	if ri.State.Kind == state.KindStarted && ri.State.Started != nil && ri.State.Started.RespawnRunner == r {
		s.onRespawnRunnerExit(name, ri, status)
		s.findStartOrStopToDo()
		return
	}

	// Either a oneshot unit's fire-and-forget runner, or a stale reap from
	// a unit that has since moved on again; neither changes state.
	if !status.Success() {
		verlog.WithUnit(name).Debugf("starting command for %q exited non-zero after reaching started: %+v", name, status)
	}
}

func (s *Scheduler) onStartingTimeout(name string) {
	ri, ok := s.infos[name]
	if !ok || ri.State.Kind != state.KindStarting {
		return
	}
	verlog.WithUnit(name).Warningf("starting command timed out")
	s.beginStop(name, ri, "starting timeout")
	s.findStartOrStopToDo()
}

// toStarted finalises a Starting unit with no further command tracking
// (no starting_command, or a forking unit whose parent just exited 0).
func (s *Scheduler) toStarted(name string, ri *RunInfo, dependency bool) {
	if ri.State.Starting != nil {
		ri.State.Starting.Timeout.Cancel()
	}
	ri.State = state.State{Kind: state.KindStarted, Started: &state.Started{
		Dependency: dependency,
		StartTime:  s.poller.Now(),
	}}
	s.notifyRequesters(ri, 0)
	s.emitTransition(name, ri.State.Label())
}

// toStartedImmediate finalises a Starting unit whose oneshot/respawn fork
// just succeeded, without waiting for the forked process to exit.
func (s *Scheduler) toStartedImmediate(name string, ri *RunInfo, runner *cgroup.Runner) {
	spec := s.graph.Specs[name]
	dependency := ri.State.Starting.Dependency
	ri.State.Starting.Timeout.Cancel()
	now := s.poller.Now()

	started := &state.Started{Dependency: dependency, StartTime: now}
	if spec.StartType == unit.Respawn {
		s.recordRespawnAttempt(ri, spec, now)
		started.RespawnRunner = runner
		started.RespawnWindowStart = ri.RespawnWindowStart
		started.RespawnCounter = ri.RespawnCounter

		if ri.RespawnCounter > spec.RespawnAttempts {
			ri.State = state.State{Kind: state.KindStarted, Started: started}
			verlog.WithUnit(name).Warningf("respawn attempts (%d) exceeded within %ds window; giving up",
				spec.RespawnAttempts, spec.RespawnWindowS)
			s.beginStop(name, ri, "respawn attempts exceeded")
			return
		}
	}

	ri.State = state.State{Kind: state.KindStarted, Started: started}
	s.notifyRequesters(ri, 0)
	s.emitTransition(name, ri.State.Label())
}

// beginStop cancels any in-flight starting runner/timer (spec.md §5
// cancellation) and moves a unit into Stopping/Pending.
func (s *Scheduler) beginStop(name string, ri *RunInfo, reason string) {
	switch ri.State.Kind {
	case state.KindStarting:
		if ri.State.Starting.Runner != nil {
			ri.State.Starting.Runner.Cancel()
		}
		ri.State.Starting.Timeout.Cancel()
	case state.KindStarted:
		if ri.State.Started.RespawnRunner != nil {
			ri.State.Started.RespawnRunner.Cancel()
		}
		if ri.State.Started.ReloadOrRestartRunner != nil {
			ri.State.Started.ReloadOrRestartRunner.Cancel()
		}
	case state.KindStopping, state.KindStopped:
		return
	}
	ri.State = state.State{Kind: state.KindStopping, Stopping: &state.Stopping{Phase: state.PhasePending}}
	verlog.WithUnit(name).Infof("stop requested: %s", reason)
	s.emitTransition(name, ri.State.Label())
}

func (s *Scheduler) fireStop(name string, ri *RunInfo) {
	spec := s.graph.Specs[name]
	if spec.StoppingCommand == "" {
		s.beginSigterm(name, ri)
		return
	}

	var runner *cgroup.Runner
	runner = cgroup.Spawn(spec.StoppingCommand, ri.Group, func(status cgroup.ExitStatus) {
		s.onStoppingCommandDone(name, runner, status)
	})
	ri.State.Stopping.Phase = state.PhaseRunning
	ri.State.Stopping.StoppingRunner = runner
	if spec.StoppingTimeoutS > 0 {
		ri.State.Stopping.StoppingTimeout = s.poller.Timers().After(s.poller.Now(),
			time.Duration(spec.StoppingTimeoutS)*time.Second,
			func() { s.onStoppingTimeout(name) })
	}
	verlog.WithUnit(name).Debugf("stopping (command)")
	s.emitTransition(name, "stopping (command)")
}

func (s *Scheduler) onStoppingCommandDone(name string, r *cgroup.Runner, status cgroup.ExitStatus) {
	ri, ok := s.infos[name]
	if !ok || ri.State.Kind != state.KindStopping || ri.State.Stopping == nil || ri.State.Stopping.StoppingRunner != r {
		return
	}
	ri.State.Stopping.StoppingTimeout.Cancel()
	if !status.Success() {
		verlog.WithUnit(name).Debugf("stopping command exited non-zero: %+v", status)
	}
	s.beginSigterm(name, ri)
	s.findStartOrStopToDo()
}

func (s *Scheduler) onStoppingTimeout(name string) {
	ri, ok := s.infos[name]
	if !ok || ri.State.Kind != state.KindStopping || ri.State.Stopping == nil || ri.State.Stopping.Phase != state.PhaseRunning {
		return
	}
	verlog.WithUnit(name).Warningf("stopping command timed out")
	if ri.State.Stopping.StoppingRunner != nil {
		ri.State.Stopping.StoppingRunner.Cancel()
	}
	s.beginSigterm(name, ri)
	s.findStartOrStopToDo()
}

// beginSigterm moves a unit from Stopping/Pending (no stopping command) or
// Stopping/Running into Stopping/Removing,
// signalling the group and arming the hard sigkill deadline.
func (s *Scheduler) beginSigterm(name string, ri *RunInfo) {
	spec := s.graph.Specs[name]
	if ri.Group != nil {
		if err := ri.Group.Sendsig(syscall.SIGTERM, spec.SigtermNotify == unit.NotifyAll); err != nil {
			verlog.WithUnit(name).Warningf("sending SIGTERM: %v", err)
		}
	}
	ri.State.Stopping.Phase = state.PhaseRemoving
	ri.State.Stopping.SigkillTimer = s.poller.Timers().After(s.poller.Now(), sigkillTimeout,
		func() { s.onSigkillTimer(name) })
	verlog.WithUnit(name).Debugf("stopping (sigterm)")
	s.emitTransition(name, "stopping (sigterm)")
}

func (s *Scheduler) onSigkillTimer(name string) {
	ri, ok := s.infos[name]
	if !ok || ri.State.Kind != state.KindStopping || ri.State.Stopping == nil || ri.State.Stopping.Phase != state.PhaseRemoving {
		return
	}
	ri.State.Stopping.SigkillSent = true
	if ri.Group != nil {
		if err := ri.Group.Sendsig(syscall.SIGKILL, true); err != nil {
			verlog.WithUnit(name).Warningf("sending SIGKILL: %v", err)
		}
	}
	verlog.WithUnit(name).Warningf("force-removing (sigkill)")
	s.emitTransition(name, "force-removing (sigkill)")
}

// Populated reacts to a cgroup populated-edge (spec.md §4.F transition
// table); it is wired as the onPopulated callback passed to cgroup.Create.
func (s *Scheduler) Populated(name string, v bool) {
	ri, ok := s.infos[name]
	if !ok {
		return
	}
	spec := s.graph.Specs[name]

	switch ri.State.Kind {
	case state.KindStarting:
		if ri.State.Starting.Respawning && !v {
			ri.State.Starting.Timeout.Cancel()
		} else if !v {
			ri.State.Starting.DelayedDepopulation = true
		}
	case state.KindStarted:
		if !v {
			if ri.State.Started.RespawnRunner != nil {
				// The respawn runner's own exit is reaped separately and
				// handled by onRespawnRunnerExit; nothing to do from here.
				break
			}
			if spec.StopType == unit.Automatic {
				s.beginStop(name, ri, "populated=false (automatic stop)")
			}
			// manual / target-stop: populated edges are ignored while
			// Started per the transition table.
		}
	case state.KindStopping:
		if ri.State.Stopping != nil && ri.State.Stopping.Phase == state.PhaseRemoving && !v {
			s.finalizeStopped(name, ri)
		}
	}

	s.findStartOrStopToDo()
}

// finalizeStopped completes Stopping/Removing -> Stopped once the cgroup is
// confirmed empty (spec.md §4.G "stopped(name)").
func (s *Scheduler) finalizeStopped(name string, ri *RunInfo) {
	ri.State.Stopping.SigkillTimer.Cancel()
	if ri.Group != nil {
		ri.Group.TryRmdir()
		ri.Group = nil
	}
	ri.State = state.Stopped()
	s.notifyRequesters(ri, 0)
	verlog.WithUnit(name).Infof("stopped")
	s.emitTransition(name, "stopped")

	if ri.Autoremove {
		s.purgeUnit(name)
	}
}

// purgeUnit drops a unit kept alive only to autoremove once it has actually
// reached Stopped (spec.md §3 invariant 8: "autoremove units, once they
// reach state_stopped, are removed from the unit table").
func (s *Scheduler) purgeUnit(name string) {
	delete(s.infos, name)
	delete(s.graph.Specs, name)
	delete(s.graph.Deps, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	verlog.WithUnit(name).Infof("autoremoved")
}

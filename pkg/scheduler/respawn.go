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

// recordRespawnAttempt advances a respawn unit's attempt bookkeeping ahead
// of a (just-forked) attempt being counted, resetting the window if it has
// fully elapsed since the last reset (SPEC_FULL.md supplemented feature #3:
// once respawn_window_s has passed since the window start, the next fork
// starts a new window and resets the counter too, however long each run
// stayed up).
func (s *Scheduler) recordRespawnAttempt(ri *RunInfo, spec *unit.Spec, now time.Time) {
	if ri.RespawnWindowStart.IsZero() || now.Sub(ri.RespawnWindowStart) >= time.Duration(spec.RespawnWindowS)*time.Second {
		ri.RespawnWindowStart = now
		ri.RespawnCounter = 0
	}
	ri.RespawnCounter++
}

// onRespawnRunnerExit handles a respawn unit's tracked process exiting while
// Started (spec.md §4.F "Started (respawn) | respawn_runner exits |
// Starting (respawning)"): SIGTERM the group, move to Starting with the
// respawning label, and wait for populated->false before reforking.
func (s *Scheduler) onRespawnRunnerExit(name string, ri *RunInfo, status cgroup.ExitStatus) {
	spec := s.graph.Specs[name]
	verlog.WithUnit(name).Infof("respawn: runner exited: %+v", status)

	if ri.Group != nil {
		if err := ri.Group.Sendsig(syscall.SIGTERM, spec.SigtermNotify == unit.NotifyAll); err != nil {
			verlog.WithUnit(name).Warningf("respawn: sending SIGTERM: %v", err)
		}
	}

	dependency := ri.State.Started.Dependency
	ri.State = state.State{Kind: state.KindStarting, Starting: &state.Starting{
		Dependency: dependency,
		Respawning: true,
	}}
	ri.State.Starting.Timeout = s.poller.Timers().After(s.poller.Now(), respawnPrepareTimeout,
		func() { s.onRespawnPrepareTimeout(name) })
	s.emitTransition(name, ri.State.Label())
}

// onRespawnPrepareTimeout fires if the cgroup has not gone unpopulated
// within respawnPrepareTimeout of SIGTERM; it escalates to SIGKILL and keeps
// waiting for the populated->false edge (spec.md §4.F: "bounded by a SIGKILL
// deadline identical to ordinary removal").
func (s *Scheduler) onRespawnPrepareTimeout(name string) {
	ri, ok := s.infos[name]
	if !ok || ri.State.Kind != state.KindStarting || !ri.State.Starting.Respawning {
		return
	}
	verlog.WithUnit(name).Warningf("respawn: populated->false wait exceeded deadline, sending SIGKILL")
	if ri.Group != nil {
		if err := ri.Group.Sendsig(syscall.SIGKILL, true); err != nil {
			verlog.WithUnit(name).Warningf("respawn: sending SIGKILL: %v", err)
		}
	}
}

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
	"github.com/svarshavchik/vera-sub000/pkg/cgroup"
	verlog "github.com/svarshavchik/vera-sub000/pkg/log"
	"github.com/svarshavchik/vera-sub000/pkg/reexec"
	"github.com/svarshavchik/vera-sub000/pkg/state"
)

// Reexec honours a reexec request if every unit is in a transferable state
// (spec.md §4.I); otherwise it is delayed and retried from
// findStartOrStopToDo after every subsequent sweep. On success, Exec
// replaces the process image and this call never returns.
func (s *Scheduler) Reexec(req Requester) error {
	if !s.allTransferable() {
		verlog.Infof("reexec delayed: a unit is mid-transition or has a reload/restart runner in flight")
		s.reexecPending = true
		s.reexecRequester = req
		return nil
	}
	return s.doReexec()
}

func (s *Scheduler) allTransferable() bool {
	for _, ri := range s.infos {
		switch ri.State.Kind {
		case state.KindStopped:
		case state.KindStarted:
			if ri.State.Started.ReloadOrRestartRunner != nil {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// maybeRetryReexec is called at the end of every sweep; once a delayed
// reexec becomes transferable it proceeds without a fresh external request.
func (s *Scheduler) maybeRetryReexec() {
	if !s.reexecPending {
		return
	}
	if !s.allTransferable() {
		return
	}
	s.reexecPending = false
	req := s.reexecRequester
	s.reexecRequester = nil
	if err := s.doReexec(); err != nil {
		failReq(req, err)
	}
}

func (s *Scheduler) doReexec() error {
	payload := &reexec.Payload{}
	for name, ri := range s.infos {
		if ri.State.Kind != state.KindStarted || ri.Group == nil {
			continue
		}
		if err := reexec.ClearCloexec(ri.Group.PipeReadFd()); err != nil {
			return err
		}
		if err := reexec.ClearCloexec(ri.Group.PipeWriteFd()); err != nil {
			return err
		}
		if err := reexec.ClearCloexec(ri.Group.EventsFd()); err != nil {
			return err
		}
		rec := reexec.Record{
			Name:       name,
			State:      "started",
			StartTime:  ri.State.Started.StartTime,
			Dependency: ri.State.Started.Dependency,
			PipeR:      ri.Group.PipeReadFd(),
			PipeW:      ri.Group.PipeWriteFd(),
			EventsFd:   ri.Group.EventsFd(),
		}
		if ri.State.Started.RespawnRunner != nil {
			rec.RespawnPid = ri.State.Started.RespawnRunner.Pid
		}
		payload.Records = append(payload.Records, rec)
	}

	verlog.Infof("re-executing with %d live unit(s)", len(payload.Records))
	return reexec.Exec(s.reexecBinary, payload)
}

// restoreFromReexec consumes a payload read back by the new process
// (spec.md §4.I step 3), reconstructing each surviving unit's ProcessGroup
// and RunInfo.
func (s *Scheduler) restoreFromReexec(rp *reexec.Payload) {
	for _, rec := range rp.Records {
		ri, ok := s.infos[rec.Name]
		if !ok {
			// Unit no longer in the new config; its cgroup is abandoned
			// and cleaned up on its next populated->false edge
			// (spec.md §4.I, "dropped").
			continue
		}

		name := rec.Name
		grp, err := cgroup.RestoreFromReexec(s.cgroupBase, name, rec.PipeR, rec.PipeW, rec.EventsFd, s.poller,
			func(v bool) { s.Populated(name, v) })
		if err != nil {
			verlog.WithUnit(name).Warningf("restoring process group after re-exec: %v", err)
			continue
		}
		ri.Group = grp

		started := &state.Started{Dependency: rec.Dependency, StartTime: rec.StartTime}
		if rec.RespawnPid != 0 {
			started.RespawnRunner = cgroup.AdoptAfterReexec(rec.RespawnPid, func(status cgroup.ExitStatus) {
				s.onStartingCommandDone(name, started.RespawnRunner, status)
			})
		}
		ri.State = state.State{Kind: state.KindStarted, Started: started}
		verlog.WithUnit(name).Infof("restored after re-exec")
	}
}

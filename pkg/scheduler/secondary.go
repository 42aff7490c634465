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
	"fmt"

	"github.com/svarshavchik/vera-sub000/pkg/cgroup"
	"github.com/svarshavchik/vera-sub000/pkg/state"
	"github.com/svarshavchik/vera-sub000/pkg/unit"
)

// Restart runs restarting_command against a Started unit (spec.md §4.G
// "restart(name) is reload_or_restart_runner while Started").
func (s *Scheduler) Restart(name string, req Requester) error {
	return s.runSecondary(name, req, func(sp *unit.Spec) string { return sp.RestartingCommand })
}

// Reload runs reloading_command against a Started unit.
func (s *Scheduler) Reload(name string, req Requester) error {
	return s.runSecondary(name, req, func(sp *unit.Spec) string { return sp.ReloadingCommand })
}

func (s *Scheduler) runSecondary(name string, req Requester, pick func(*unit.Spec) string) error {
	ri, spec, err := s.lookup(name)
	if err != nil {
		failReq(req, err)
		return err
	}
	if ri.State.Kind != state.KindStarted {
		err := fmt.Errorf("unit %q is not started", name)
		failReq(req, err)
		return err
	}
	if ri.State.Started.ReloadOrRestartRunner != nil {
		err := fmt.Errorf("unit %q already has a restart/reload in flight", name)
		failReq(req, err)
		return err
	}

	command := pick(spec)
	if command == "" {
		if req != nil {
			req.Done(0)
		}
		return nil
	}

	var runner *cgroup.Runner
	runner = cgroup.Spawn(command, ri.Group, func(status cgroup.ExitStatus) {
		s.onSecondaryRunnerDone(name, runner, status)
	})
	ri.State.Started.ReloadOrRestartRunner = runner
	if req != nil {
		ri.Requesters = append(ri.Requesters, req)
	}
	return nil
}

func (s *Scheduler) onSecondaryRunnerDone(name string, r *cgroup.Runner, status cgroup.ExitStatus) {
	ri, ok := s.infos[name]
	if !ok || ri.State.Kind != state.KindStarted || ri.State.Started == nil || ri.State.Started.ReloadOrRestartRunner != r {
		return
	}
	ri.State.Started.ReloadOrRestartRunner = nil

	exitCode := status.ExitCode
	switch {
	case status.ForkFailed:
		exitCode = 1
	case status.Signaled:
		exitCode = 128 + int(status.Signal)
	}
	s.notifyRequesters(ri, exitCode)
}

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
	"sort"

	"github.com/svarshavchik/vera-sub000/pkg/runlevel"
	"github.com/svarshavchik/vera-sub000/pkg/state"
)

// SetRunlevel resolves alias to a primary runlevel, marks its synthesised
// unit Starting (dependency), and stops the previously active runlevel
// unit, if different (spec.md §4.H).
func (s *Scheduler) SetRunlevel(alias string, req Requester) error {
	target, err := s.runlevels.Resolve(alias)
	if err != nil {
		failReq(req, err)
		return err
	}
	targetUnit := runlevel.UnitName(target)

	if s.currentRunlevel == targetUnit {
		if req != nil {
			req.Done(0)
		}
		return nil
	}

	previous := s.currentRunlevel
	s.currentRunlevel = targetUnit

	if previous != "" {
		if pri, ok := s.infos[previous]; ok {
			s.beginStop(previous, pri, "runlevel switch")
		}
	}

	targetRI := s.ensureUnit(targetUnit)
	if targetRI.State.Kind == state.KindStopped {
		s.pullStart(targetUnit, targetRI, true, req)
	} else if req != nil {
		targetRI.Requesters = append(targetRI.Requesters, req)
	}

	s.findStartOrStopToDo()
	return nil
}

// GetRunlevel returns one "<runlevel-name> current|-" line per configured
// runlevel (SPEC_FULL.md supplemented feature #1b).
func (s *Scheduler) GetRunlevel() []string {
	names := make([]string, 0, len(s.runlevels.Levels))
	for n := range s.runlevels.Levels {
		names = append(names, n)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, n := range names {
		marker := "-"
		if runlevel.UnitName(n) == s.currentRunlevel {
			marker = "current"
		}
		lines = append(lines, fmt.Sprintf("%s %s", n, marker))
	}
	return lines
}

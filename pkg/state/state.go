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

// Package state implements the per-unit state machine (spec.md §4.F) as an
// explicit tagged union: a Kind discriminator plus exactly one populated
// sub-variant struct, following spec.md §9's Design Notes ("model explicitly
// with a sum type... avoid dynamic dispatch").
package state

import (
	"time"

	"github.com/svarshavchik/vera-sub000/pkg/cgroup"
	"github.com/svarshavchik/vera-sub000/pkg/timer"
)

// Kind discriminates the State union.
type Kind int

const (
	KindStopped Kind = iota
	KindStarting
	KindStarted
	KindStopping
)

// StoppingPhase sub-discriminates the Stopping variant (spec.md §4.F).
type StoppingPhase int

const (
	PhasePending StoppingPhase = iota
	PhaseRunning
	PhaseRemoving
)

// Starting is the Starting variant's payload.
type Starting struct {
	// Dependency is true if this unit started only as a consequence of
	// another unit's start-pull, not a direct user request.
	Dependency bool
	Runner     *cgroup.Runner
	Timeout    *timer.Timer
	// DelayedDepopulation records that a populated->false edge arrived
	// while still Starting (before the starting_runner exited); it is
	// consulted once the runner finishes.
	DelayedDepopulation bool
	// Respawning is true for the Starting state a respawn unit passes
	// through between its respawn_runner exiting and the refork
	// completing (spec.md §4.F); it picks the "respawning" external
	// label instead of "starting".
	Respawning bool
}

// Started is the Started variant's payload.
type Started struct {
	Dependency bool
	StartTime  time.Time

	ReloadOrRestartRunner *cgroup.Runner

	// Respawn-only fields; nil/zero when StartType != Respawn. The timer
	// that bounds the populated->false wait between a respawn_runner exit
	// and the next fork lives on the Starting variant instead (it is only
	// ever armed while Kind has already moved to Starting/respawning); see
	// DESIGN.md for this placement relative to spec.md's field list.
	RespawnRunner      *cgroup.Runner
	RespawnWindowStart time.Time
	RespawnCounter     int
}

// Stopping is the Stopping variant's payload.
type Stopping struct {
	Phase StoppingPhase

	// Running phase.
	StoppingRunner  *cgroup.Runner
	StoppingTimeout *timer.Timer

	// Removing phase.
	SigkillTimer *timer.Timer
	SigkillSent  bool
}

// State is the per-unit tagged union. Exactly one of Starting/Started/
// Stopping is non-nil, matching Kind.
type State struct {
	Kind     Kind
	Starting *Starting
	Started  *Started
	Stopping *Stopping
}

// Stopped returns the zero (no process, no runner, no group) state.
func Stopped() State { return State{Kind: KindStopped} }

// Label returns the externally-reported label set from spec.md §4.F, with
// "(manual)"/"(dependency)" disambiguation where the table calls for it.
func (s State) Label() string {
	switch s.Kind {
	case KindStopped:
		return "stopped"
	case KindStarting:
		if s.Starting != nil && s.Starting.Respawning {
			return "respawning"
		}
		if s.Starting != nil && s.Starting.Dependency {
			return "starting (dependency)"
		}
		return "starting"
	case KindStarted:
		return "started"
	case KindStopping:
		if s.Stopping == nil {
			return "stopping"
		}
		switch s.Stopping.Phase {
		case PhasePending:
			return "stop pending"
		case PhaseRunning:
			return "stopping"
		case PhaseRemoving:
			if s.Stopping.SigkillSent {
				return "force-removing"
			}
			return "removing"
		}
	}
	return "unknown"
}


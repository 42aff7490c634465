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

// Package unit holds the unit data model: the immutable UnitSpec produced by
// the (out of scope) loader, and the DependencyInfo closures the scheduler
// consumes. Nothing here talks to the filesystem or to a process.
package unit

import (
	"fmt"
	"regexp"
	"strings"
)

// Type is the origin of a unit: whether it came from a spec file, is the
// synthesised "active runlevel" unit, or was materialised only because
// another unit depends on it (spec.md §3, invariant 4).
type Type int

const (
	Loaded Type = iota
	Runlevel
	Synthesised
)

func (t Type) String() string {
	switch t {
	case Loaded:
		return "loaded"
	case Runlevel:
		return "runlevel"
	case Synthesised:
		return "synthesised"
	default:
		return "unknown"
	}
}

// StartType selects how a unit's starting_command is supervised once it has
// successfully forked (spec.md §3).
type StartType int

const (
	Forking StartType = iota
	Oneshot
	Respawn
)

// StopType selects how a populated->false transition while Started is
// handled (spec.md §4.F transition table).
type StopType int

const (
	Automatic StopType = iota
	Manual
	TargetStop
)

// SigtermNotify selects which processes in the cgroup receive SIGTERM
// (spec.md §4.B sendsig).
type SigtermNotify int

const (
	NotifyAll SigtermNotify = iota
	NotifyParents
)

// NameMax bounds identifier length; the cgroup directory derived from a
// unit's name (§6) must fit within the kernel's NAME_MAX for one path
// segment, so the spec keeps unit names one byte short of that.
const NameMax = 255

var (
	// segmentRe matches one '/'-delimited path segment of a unit name:
	// letters, digits, '.', '_', ' ', '-', and high-bit bytes (any
	// non-ASCII rune, including the U+FFFD an invalid byte decodes to),
	// never beginning or ending with '.', ' ', or '-', and never containing
	// two of those three adjacent (spec.md §6 naming rules).
	segmentRe = regexp.MustCompile(`^[A-Za-z0-9_[:^ascii:]]([A-Za-z0-9_[:^ascii:]]|[. -](?:[A-Za-z0-9_[:^ascii:]]))*$`)
)

// ValidateName checks a unit identifier against spec.md §6's naming rules.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("unit name must not be empty")
	}
	if len(name) > NameMax-1 {
		return fmt.Errorf("unit name %q exceeds %d bytes", name, NameMax-1)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" {
			return fmt.Errorf("unit name %q has an empty path segment", name)
		}
		if !segmentRe.MatchString(seg) {
			return fmt.Errorf("unit name %q has an invalid path segment %q", name, seg)
		}
	}
	return nil
}

// ResolveDependency applies the leading-'/' rule from spec.md §6: a leading
// slash makes the reference absolute (stripped here); otherwise it is
// resolved relative to the referencing unit's own path.
func ResolveDependency(referencingUnit, dep string) string {
	if strings.HasPrefix(dep, "/") {
		return strings.TrimPrefix(dep, "/")
	}
	if i := strings.LastIndex(referencingUnit, "/"); i >= 0 {
		return referencingUnit[:i+1] + dep
	}
	return dep
}

// Spec is the immutable per-unit configuration produced by the loader.
type Spec struct {
	Name        string
	Description string
	Type        Type

	// Enabled controls whether the unit may be started automatically or by
	// an explicit start request (SPEC_FULL.md supplemented feature #4,
	// grounded on original_source/parsed_yaml.H). Units disabled at load
	// time are still loaded (so dependents resolve against them, not a
	// synthesised placeholder) but reject "start".
	Enabled bool

	StartType StartType
	StopType  StopType

	StartingCommand   string
	StoppingCommand   string
	RestartingCommand string
	ReloadingCommand  string

	// StartingTimeoutS is 0 for "infinite", matching spec.md §3.
	StartingTimeoutS int
	StoppingTimeoutS int

	RespawnAttempts  int
	RespawnWindowS   int

	SigtermNotify SigtermNotify

	// AlternativeGroup, if non-empty, makes this unit mutually exclusive
	// with every other unit sharing the same group name (spec.md §4.H).
	AlternativeGroup string

	// Dependency sets, by unit name, as declared (not yet closed).
	Requires     map[string]struct{}
	RequiredBy   map[string]struct{}
	StartsAfter  map[string]struct{}
	StartsBefore map[string]struct{}
	StopsAfter   map[string]struct{}
	StopsBefore  map[string]struct{}
}

// NewSpec returns a Spec with its maps initialised and defaults applied
// (spec.md §3: starting_timeout_s=60, stopping_timeout_s=60,
// respawn_attempts=3, respawn_window_s=30).
func NewSpec(name string) *Spec {
	return &Spec{
		Name:             name,
		Enabled:          true,
		StartingTimeoutS: 60,
		StoppingTimeoutS: 60,
		RespawnAttempts:  3,
		RespawnWindowS:   30,
		Requires:         map[string]struct{}{},
		RequiredBy:       map[string]struct{}{},
		StartsAfter:      map[string]struct{}{},
		StartsBefore:     map[string]struct{}{},
		StopsAfter:       map[string]struct{}{},
		StopsBefore:      map[string]struct{}{},
	}
}

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

package unit

import "fmt"

// stringSet is the map-as-set idiom used throughout this package.
type stringSet = map[string]struct{}

// DependencyInfo is the transitively closed view of one unit's four
// relations (spec.md §3). RequiredBy is kept because invariant 2 ties it to
// Requires; the *_by fields of the ordering relations are discarded after
// closure per spec.md §4.E, so only the forward StartingFirst/StoppingFirst
// sets are exposed.
type DependencyInfo struct {
	AllRequires     stringSet
	AllRequiredBy   stringSet
	AllStartingFirst stringSet
	AllStoppingFirst stringSet
}

// Graph is the installed set of units plus their closed dependency info. It
// is rebuilt wholesale on every Install; RunInfo (owned by the scheduler, not
// this package) is what survives a reload.
type Graph struct {
	Specs map[string]*Spec
	Deps  map[string]*DependencyInfo
}

// directEdges is a adjacency map used only while building a closure; values
// are the directly-declared (not yet transitive) successors of a key.
type directEdges = map[string]stringSet

func addEdge(m directEdges, from, to string) {
	if from == to {
		return
	}
	s, ok := m[from]
	if !ok {
		s = stringSet{}
		m[from] = s
	}
	s[to] = struct{}{}
}

// closure computes, for every unit named in universe, the set of units
// reachable from it by following edges, via one depth-first search per
// unit. This whole-graph recomputation replaces the source's incremental
// four-step update; the two produce the same closed sets. A node is never included in its own
// closure even if a cycle loops back to it, which is what keeps invariant 3
// (no self-dependence) true even for a graph that has not been validated
// acyclic (see DESIGN.md's note on the cycle-break Open Question).
func closure(universe []string, edges directEdges) map[string]stringSet {
	result := make(map[string]stringSet, len(universe))
	for _, n := range universe {
		visited := stringSet{}
		var walk func(string)
		walk = func(cur string) {
			for next := range edges[cur] {
				if next == n {
					continue
				}
				if _, seen := visited[next]; seen {
					continue
				}
				visited[next] = struct{}{}
				walk(next)
			}
		}
		walk(n)
		result[n] = visited
	}
	return result
}

func transpose(universe []string, rel map[string]stringSet) map[string]stringSet {
	out := make(map[string]stringSet, len(universe))
	for _, n := range universe {
		out[n] = stringSet{}
	}
	for a, bs := range rel {
		for b := range bs {
			out[b][a] = struct{}{}
		}
	}
	return out
}

// InstallMode distinguishes the very first Install (which may consume a
// re-exec payload, see pkg/reexec) from a later reload.
type InstallMode int

const (
	Initial InstallMode = iota
	Update
)

// Install builds a fresh Graph from loaded specs, materialising a
// Synthesised placeholder (invariant 4) for every dependency name that is
// referenced but not present among specs.
func Install(specs map[string]*Spec) (*Graph, error) {
	all := make(map[string]*Spec, len(specs))
	for name, s := range specs {
		if err := ValidateName(name); err != nil {
			return nil, fmt.Errorf("validating unit: %w", err)
		}
		all[name] = s
	}

	referenced := func(name string) {
		if _, ok := all[name]; !ok {
			ph := NewSpec(name)
			ph.Type = Synthesised
			ph.Enabled = false
			all[name] = ph
		}
	}
	for _, s := range specs {
		for n := range s.Requires {
			referenced(n)
		}
		for n := range s.RequiredBy {
			referenced(n)
		}
		for n := range s.StartsAfter {
			referenced(n)
		}
		for n := range s.StartsBefore {
			referenced(n)
		}
		for n := range s.StopsAfter {
			referenced(n)
		}
		for n := range s.StopsBefore {
			referenced(n)
		}
	}

	universe := make([]string, 0, len(all))
	for n := range all {
		universe = append(universe, n)
	}

	reqEdges := directEdges{}
	startEdges := directEdges{}
	stopEdges := directEdges{}

	for name, s := range all {
		if _, self := s.Requires[name]; self {
			return nil, fmt.Errorf("unit %q requires itself", name)
		}
		for b := range s.Requires {
			addEdge(reqEdges, name, b)
			// all_starting_first ⊇ all_requires (spec.md §4.G.2).
			addEdge(startEdges, name, b)
			// a requires b ⇒ a stops before b stops.
			addEdge(stopEdges, b, name)
		}
		// required-by is inverted and merged into the requires closure
		// (spec.md §4.E).
		for b := range s.RequiredBy {
			addEdge(reqEdges, b, name)
			addEdge(startEdges, b, name)
			addEdge(stopEdges, name, b)
		}
		for b := range s.StartsAfter {
			addEdge(startEdges, name, b)
		}
		for b := range s.StartsBefore {
			addEdge(startEdges, b, name)
		}
		for b := range s.StopsAfter {
			addEdge(stopEdges, name, b)
		}
		for b := range s.StopsBefore {
			addEdge(stopEdges, b, name)
		}
	}

	closedRequires := closure(universe, reqEdges)
	closedStarting := closure(universe, startEdges)
	closedStopping := closure(universe, stopEdges)
	closedRequiredBy := transpose(universe, closedRequires)

	deps := make(map[string]*DependencyInfo, len(all))
	for _, n := range universe {
		deps[n] = &DependencyInfo{
			AllRequires:      closedRequires[n],
			AllRequiredBy:    closedRequiredBy[n],
			AllStartingFirst: closedStarting[n],
			AllStoppingFirst: closedStopping[n],
		}
	}

	return &Graph{Specs: all, Deps: deps}, nil
}

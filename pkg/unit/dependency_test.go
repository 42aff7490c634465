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

import "testing"

func req(s *Spec, names ...string) *Spec {
	for _, n := range names {
		s.Requires[n] = struct{}{}
	}
	return s
}

func TestInstallChainClosure(t *testing.T) {
	a := NewSpec("a")
	b := NewSpec("b")
	c := NewSpec("c")
	req(a, "b")
	req(b, "c")

	g, err := Install(map[string]*Spec{"a": a, "b": b, "c": c})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if _, ok := g.Deps["a"].AllRequires["c"]; !ok {
		t.Errorf("a should transitively require c")
	}
	if _, ok := g.Deps["c"].AllRequiredBy["a"]; !ok {
		t.Errorf("c should be transitively required-by a")
	}
}

func TestInstallDiamondClosureSymmetry(t *testing.T) {
	a := NewSpec("a")
	b := NewSpec("b")
	c := NewSpec("c")
	d := NewSpec("d")
	req(a, "b", "c")
	req(b, "d")
	req(c, "d")

	g, err := Install(map[string]*Spec{"a": a, "b": b, "c": c, "d": d})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	for name, info := range g.Deps {
		for other := range info.AllRequires {
			if _, ok := g.Deps[other].AllRequiredBy[name]; !ok {
				t.Errorf("closure symmetry broken: %s requires %s but %s not in %s.required_by", name, other, name, other)
			}
		}
	}
}

func TestNoSelfDependence(t *testing.T) {
	a := NewSpec("a")
	b := NewSpec("b")
	req(a, "b")
	req(b, "a")

	g, err := Install(map[string]*Spec{"a": a, "b": b})
	if err != nil {
		t.Fatalf("Install of a cyclic requires graph must succeed; the scheduler breaks the cycle at run time (spec.md §4.G.5, §8 scenario 5): %v", err)
	}
	if _, ok := g.Deps["a"].AllRequires["a"]; ok {
		t.Errorf("invariant 3 violated: a in all_requires(a)")
	}
	if _, ok := g.Deps["b"].AllRequires["b"]; ok {
		t.Errorf("invariant 3 violated: b in all_requires(b)")
	}
}

func TestDirectSelfRequireRejected(t *testing.T) {
	a := NewSpec("a")
	req(a, "a")
	if _, err := Install(map[string]*Spec{"a": a}); err == nil {
		t.Errorf("expected error for a unit directly requiring itself")
	}
}

func TestSynthesisedUnitForUnknownDependency(t *testing.T) {
	a := NewSpec("a")
	req(a, "ghost")

	g, err := Install(map[string]*Spec{"a": a})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	ghost, ok := g.Specs["ghost"]
	if !ok {
		t.Fatalf("expected a synthesised placeholder for %q", "ghost")
	}
	if ghost.Type != Synthesised {
		t.Errorf("placeholder should be Synthesised, got %v", ghost.Type)
	}
}

func TestStartingFirstIncludesRequires(t *testing.T) {
	a := NewSpec("a")
	b := NewSpec("b")
	req(a, "b")

	g, err := Install(map[string]*Spec{"a": a, "b": b})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, ok := g.Deps["a"].AllStartingFirst["b"]; !ok {
		t.Errorf("all_starting_first(a) should be a superset of all_requires(a)")
	}
}

func TestStoppingFirstIsReverseOfRequires(t *testing.T) {
	a := NewSpec("a")
	b := NewSpec("b")
	req(a, "b")

	g, err := Install(map[string]*Spec{"a": a, "b": b})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	// a requires b, so a must stop before b: a in stopping_first(b).
	if _, ok := g.Deps["b"].AllStoppingFirst["a"]; !ok {
		t.Errorf("all_stopping_first(b) should contain a")
	}
}

func TestRequiredByInvertsIntoRequires(t *testing.T) {
	a := NewSpec("a")
	b := NewSpec("b")
	b.RequiredBy["a"] = struct{}{}

	g, err := Install(map[string]*Spec{"a": a, "b": b})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, ok := g.Deps["a"].AllRequires["b"]; !ok {
		t.Errorf("b required-by a should be merged into a's requires closure")
	}
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"system/sshd", true},
		{"a", true},
		{"", false},
		{".leading", false},
		{"trailing.", false},
		{"a//b", false},
	}
	for _, c := range cases {
		err := ValidateName(c.name)
		if (err == nil) != c.ok {
			t.Errorf("ValidateName(%q) = %v, want ok=%v", c.name, err, c.ok)
		}
	}
}

func TestResolveDependency(t *testing.T) {
	if got := ResolveDependency("system/sshd", "/system/network"); got != "system/network" {
		t.Errorf("absolute dep resolution: got %q", got)
	}
	if got := ResolveDependency("system/sshd", "logger"); got != "system/logger" {
		t.Errorf("relative dep resolution: got %q", got)
	}
}

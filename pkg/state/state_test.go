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

package state

import "testing"

func TestLabelStopped(t *testing.T) {
	if got := Stopped().Label(); got != "stopped" {
		t.Errorf("Stopped().Label() = %q", got)
	}
}

func TestLabelStarting(t *testing.T) {
	cases := []struct {
		name  string
		s     *Starting
		label string
	}{
		{"plain", &Starting{}, "starting"},
		{"dependency", &Starting{Dependency: true}, "starting (dependency)"},
		{"respawning", &Starting{Respawning: true}, "respawning"},
		{"respawning beats dependency", &Starting{Dependency: true, Respawning: true}, "respawning"},
	}
	for _, c := range cases {
		got := State{Kind: KindStarting, Starting: c.s}.Label()
		if got != c.label {
			t.Errorf("%s: Label() = %q, want %q", c.name, got, c.label)
		}
	}
}

func TestLabelStarted(t *testing.T) {
	got := State{Kind: KindStarted, Started: &Started{}}.Label()
	if got != "started" {
		t.Errorf("Label() = %q", got)
	}
}

func TestLabelStopping(t *testing.T) {
	cases := []struct {
		name  string
		s     *Stopping
		label string
	}{
		{"pending", &Stopping{Phase: PhasePending}, "stop pending"},
		{"running", &Stopping{Phase: PhaseRunning}, "stopping"},
		{"removing", &Stopping{Phase: PhaseRemoving}, "removing"},
		{"removing sigkill sent", &Stopping{Phase: PhaseRemoving, SigkillSent: true}, "force-removing"},
	}
	for _, c := range cases {
		got := State{Kind: KindStopping, Stopping: c.s}.Label()
		if got != c.label {
			t.Errorf("%s: Label() = %q, want %q", c.name, got, c.label)
		}
	}
}

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

package cgroup

import "testing"

func TestDirNameReplacesSlashes(t *testing.T) {
	cases := map[string]string{
		"sshd":           ":sshd",
		"system/sshd":    ":system:sshd",
		"a/b/c":          ":a:b:c",
	}
	for in, want := range cases {
		if got := DirName(in); got != want {
			t.Errorf("DirName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExitStatusSuccess(t *testing.T) {
	cases := []struct {
		name string
		st   ExitStatus
		ok   bool
	}{
		{"clean exit", ExitStatus{ExitCode: 0}, true},
		{"nonzero exit", ExitStatus{ExitCode: 1}, false},
		{"fork failed", ExitStatus{ForkFailed: true}, false},
		{"signaled", ExitStatus{Signaled: true}, false},
	}
	for _, c := range cases {
		if got := c.st.Success(); got != c.ok {
			t.Errorf("%s: Success() = %v, want %v", c.name, got, c.ok)
		}
	}
}

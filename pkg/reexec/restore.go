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

package reexec

import (
	"fmt"
	"os"
	"strconv"
)

// ReadFromEnv reads and parses the payload inherited via REEXEC_FD, if the
// environment variable is set (spec.md §4.I step 2-3). It returns ok=false,
// with no error, when the variable is simply absent (an ordinary, non
// re-exec'd start).
func ReadFromEnv() (payload *Payload, ok bool, err error) {
	val, present := os.LookupEnv(EnvVar)
	if !present {
		return nil, false, nil
	}
	fd, err := strconv.Atoi(val)
	if err != nil {
		return nil, false, fmt.Errorf("parsing %s=%q: %w", EnvVar, val, err)
	}
	f := os.NewFile(uintptr(fd), "reexec-payload")
	defer f.Close()

	p, err := Parse(f)
	if err != nil {
		return nil, false, fmt.Errorf("reading re-exec payload: %w", err)
	}
	os.Unsetenv(EnvVar)
	return p, true, nil
}

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

package poller

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const hierarchicalMask = unix.IN_CREATE | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF |
	unix.IN_MOVED_TO | unix.IN_MOVED_FROM | unix.IN_DELETE

// WatchTree recursively installs watches on dir and every subdirectory
// discovered via IN_CREATE, tearing a subtree's watch down on
// IN_DELETE_SELF/IN_MOVE_SELF (spec.md §4.A hierarchical directory
// monitoring). event fires for every change anywhere in the tree with the
// path it occurred at.
func (p *Poller) WatchTree(dir string, event func(path string, mask uint32)) (func(), error) {
	cancels := map[string]func(){}

	var install func(d string) error
	install = func(d string) error {
		if _, ok := cancels[d]; ok {
			return nil
		}
		cancel, err := p.Watch(d, hierarchicalMask, func(mask uint32) {
			event(d, mask)
			if mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0 {
				if c, ok := cancels[d]; ok {
					c()
					delete(cancels, d)
				}
				return
			}
			if mask&unix.IN_CREATE != 0 {
				entries, _ := os.ReadDir(d)
				for _, ent := range entries {
					if ent.IsDir() {
						_ = install(filepath.Join(d, ent.Name()))
					}
				}
			}
		})
		if err != nil {
			return err
		}
		cancels[d] = cancel
		return nil
	}

	if err := install(dir); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				_ = install(filepath.Join(dir, ent.Name()))
			}
		}
	}

	return func() {
		for _, c := range cancels {
			c()
		}
	}, nil
}

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

// Package runlevel implements the synthesised "active runlevel" unit and
// alias resolution (spec.md §4.H). It holds no process-lifecycle state of
// its own; pkg/scheduler drives the actual transitions.
package runlevel

import "fmt"

// UnitName returns the synthesised unit name for runlevel name, e.g.
// "system/runlevel default".
func UnitName(name string) string {
	return "system/runlevel " + name
}

// Runlevel is one entry of the runlevel configuration: a name plus the
// single-character/short aliases that resolve to it and the units it
// requires (spec.md §3 Runlevel entity).
type Runlevel struct {
	Name     string
	Aliases  map[string]struct{}
	Requires map[string]struct{}
}

// Config is the full runlevel → {aliases, requires} mapping (out-of-scope
// loader output, consumed here only for alias resolution).
type Config struct {
	Levels map[string]*Runlevel

	// OverrideConsumed records whether this boot has already consumed a
	// one-time "override" alias precedence (spec.md §4.H step 1).
	OverrideConsumed bool
}

// Resolve maps an alias (or a literal runlevel name) to its primary runlevel
// name, applying the one-time "override" takes precedence over "default"
// rule.
func (c *Config) Resolve(alias string) (string, error) {
	if alias == "default" && !c.OverrideConsumed {
		if name, ok := c.findByAlias("override"); ok {
			c.OverrideConsumed = true
			return name, nil
		}
	}
	if lvl, ok := c.Levels[alias]; ok {
		return lvl.Name, nil
	}
	if name, ok := c.findByAlias(alias); ok {
		return name, nil
	}
	return "", fmt.Errorf("unknown runlevel or alias %q", alias)
}

func (c *Config) findByAlias(alias string) (string, bool) {
	for name, lvl := range c.Levels {
		if _, ok := lvl.Aliases[alias]; ok {
			return name, true
		}
	}
	return "", false
}

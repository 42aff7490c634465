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

// Package config holds the supervisor's own bootstrap configuration: where
// to mount the cgroup hierarchy, where the control socket lives, and so on.
// This is distinct from unit specs (YAML, out of scope per spec.md §1).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the daemon-level bootstrap configuration, loaded once at start
// and again (unchanged) across a re-exec.
type Config struct {
	// AppName prefixes the cgroup slice, e.g. "/sys/fs/cgroup/<AppName>".
	AppName string `toml:"app_name"`

	// CgroupBase is the cgroup v2 mountpoint base directory; per-unit
	// cgroups are created under CgroupBase/AppName (spec.md §6,
	// process-group layout).
	CgroupBase string `toml:"cgroup_base"`

	// SocketPath is the control socket's filesystem path (spec.md §6).
	SocketPath string `toml:"socket_path"`

	// LogLevel is one of "debug", "info", "warning".
	LogLevel string `toml:"log_level"`

	// ReexecPath overrides the binary path used for self re-exec; empty
	// means "use /proc/self/exe".
	ReexecPath string `toml:"reexec_path"`
}

// Default returns the configuration used when no config file is supplied.
func Default() *Config {
	return &Config{
		AppName:    "vera",
		CgroupBase: "/sys/fs/cgroup",
		SocketPath: "/run/vera/control",
		LogLevel:   "info",
	}
}

// Load parses a TOML config file, filling in defaults for any field the file
// leaves zero-valued.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decoding config %q: %w", path, err)
	}
	return cfg, nil
}

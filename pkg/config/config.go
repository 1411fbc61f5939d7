// Copyright 2026 The QMI-sub000 Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the TOML-tagged configuration dataclasses of
// spec.md §6, modeled on the teacher's dm/config subtask TOML
// structs. Parsing a file from disk is a Non-goal — callers load a
// Config however they like (github.com/BurntSushi/toml, a test
// fixture, …) and pass it to Validate before using it.
package config

import (
	"fmt"

	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
)

// ProcessManagementConfig is the external process-manager concern of
// spec.md §6: per-host launch command plus SSH coordinates. The core
// never reads these fields itself; they exist so a Config loaded from
// a real file round-trips without losing data the process manager
// needs.
type ProcessManagementConfig struct {
	OutputDir     string            `toml:"output_dir"`
	ServerCommand map[string]string `toml:"server_command"`
	SSHHost       map[string]string `toml:"ssh_host"`
	SSHUser       map[string]string `toml:"ssh_user"`
}

// ContextConfig is the per-context entry of the `contexts` table.
// Host/TCPServerPort/ConnectToPeers/Enabled are consumed by the
// messaging core (Context.Start, peer dialing); the remaining four
// fields are forwarded to the external process manager untouched.
type ContextConfig struct {
	Host           string   `toml:"host"`
	TCPServerPort  int      `toml:"tcp_server_port"`
	ConnectToPeers []string `toml:"connect_to_peers"`
	Enabled        bool     `toml:"enabled"`

	ProgramModule  string `toml:"program_module"`
	ProgramArgs    string `toml:"program_args"`
	PythonPath     string `toml:"python_path"`
	VirtualenvPath string `toml:"virtualenv_path"`
}

// HasTCPServerPort reports whether TCPServerPort was set. TOML has no
// native optional-int, so 0 (the zero value) means unset; a context
// that genuinely wants port 0 (OS-assigned) is not expressible here,
// matching the original's "int or unset" field.
func (c ContextConfig) HasTCPServerPort() bool {
	return c.TCPServerPort != 0
}

// Config is the root configuration object of spec.md §6. Logging
// format/parsing is an external concern (A.1/A.2) so it is carried
// here only as an opaque table, never interpreted by this package.
type Config struct {
	Workgroup         string                     `toml:"workgroup"`
	Contexts          map[string]ContextConfig   `toml:"contexts"`
	ProcessManagement ProcessManagementConfig     `toml:"process_management"`
	Logging           map[string]interface{}     `toml:"logging"`

	QMIHome    string `toml:"qmi_home"`
	LogDir     string `toml:"log_dir"`
	Datastore  string `toml:"datastore"`
	ConfigFile string `toml:"config_file"`
}

// DefaultWorkgroup is used when a loaded Config leaves Workgroup
// empty, per spec.md §6.
const DefaultWorkgroup = "default"

// Validate checks required-field and self-reference invariants and
// fills in DefaultWorkgroup when unset. It does not validate
// reachability of peers or filesystem paths — those are runtime
// concerns of Context.Start, not static configuration shape.
func (c *Config) Validate() error {
	if c.Workgroup == "" {
		c.Workgroup = DefaultWorkgroup
	}
	for name, ctx := range c.Contexts {
		if name == "" {
			return cerror.ErrConfiguration.GenWithStackByArgs("context name must not be empty")
		}
		for _, peer := range ctx.ConnectToPeers {
			if peer == name {
				return cerror.ErrConfiguration.GenWithStackByArgs(
					fmt.Sprintf("context %q lists itself in connect_to_peers", name))
			}
			if _, ok := c.Contexts[peer]; !ok {
				return cerror.ErrConfiguration.GenWithStackByArgs(
					fmt.Sprintf("context %q references unknown peer %q", name, peer))
			}
		}
		if ctx.Enabled && ctx.TCPServerPort < 0 {
			return cerror.ErrConfiguration.GenWithStackByArgs(
				fmt.Sprintf("context %q has a negative tcp_server_port", name))
		}
	}
	return nil
}

// ContextNames returns the configured context names in no particular
// order, a convenience used by discovery/peer-dialing code so callers
// don't range over the map themselves.
func (c *Config) ContextNames() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	return names
}

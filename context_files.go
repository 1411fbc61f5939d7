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

package qmi

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
)

// substitutionToken matches "$$", "$name" or "${name}", the three
// forms original_source/qmi/core/context.py's resolve_file_name
// accepts via Python's string.Template.
var substitutionToken = regexp.MustCompile(`\$(?:\$|([_a-zA-Z][_a-zA-Z0-9]*)|\{([_a-zA-Z][_a-zA-Z0-9]*)\})`)

func tokenKeyword(tok string) string {
	m := substitutionToken.FindStringSubmatch(tok)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

// resolvesKeyword reports whether fileName references keyword via
// either the "$keyword" or "${keyword}" form, used to decide whether
// get_datastore_dir needs to be consulted at all (and so to detect a
// self-referencing datastore path before it is ever evaluated).
func resolvesKeyword(fileName, keyword string) bool {
	for _, tok := range substitutionToken.FindAllString(fileName, -1) {
		if tok == "$$" {
			continue
		}
		if tokenKeyword(tok) == keyword {
			return true
		}
	}
	return false
}

// QMIHomeDir returns the configured qmi_home directory, falling back
// to $QMI_HOME then to "<user home>/qmi".
func (c *Context) QMIHomeDir() string {
	if c.cfg.QMIHome != "" {
		return c.cfg.QMIHome
	}
	if v := os.Getenv("QMI_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "qmi")
}

// LogDir returns the configured log directory, resolving any filename
// substitutions it contains.
func (c *Context) LogDir() (string, error) {
	if c.cfg.LogDir == "" {
		return filepath.Join(c.QMIHomeDir(), "log"), nil
	}
	return c.ResolveFileName(c.cfg.LogDir)
}

// DatastoreDir returns the configured datastore directory. It is an
// error for the field to be empty or to reference itself, mirroring
// get_datastore_dir's two checks.
func (c *Context) DatastoreDir() (string, error) {
	if c.cfg.Datastore == "" {
		return "", cerror.ErrConfiguration.GenWithStackByArgs("missing required configuration field 'datastore'")
	}
	if resolvesKeyword(c.cfg.Datastore, "datastore") {
		return "", cerror.ErrConfiguration.GenWithStackByArgs("'datastore' configuration value may not reference itself")
	}
	return c.ResolveFileName(c.cfg.Datastore)
}

// ResolveFileName expands $context/${context}/${qmi_home}/${config_dir}/
// ${date}/${datetime}/${datastore} references in fileName and
// normalizes the result, the Go counterpart of
// QMI_Context.resolve_file_name. "$$" escapes to a literal "$". An
// unrecognized "${...}" token is left untouched rather than erroring,
// since an application is free to define names the core does not know
// about and substitute them itself before calling in.
//
// ${datastore} is resolved lazily, and only when actually referenced:
// DatastoreDir requires cfg.Datastore to be set, and a filename with
// no use for it should not have to pay that requirement.
func (c *Context) ResolveFileName(fileName string) (string, error) {
	if !containsDollar(fileName) {
		return fileName, nil
	}

	configDir := c.QMIHomeDir()
	if c.cfg.ConfigFile != "" {
		configDir = filepath.Dir(c.cfg.ConfigFile)
	}
	mapping := map[string]string{
		"context":    c.name,
		"qmi_home":   c.QMIHomeDir(),
		"config_dir": configDir,
		"date":       c.startTime.UTC().Format("2006-01-02"),
		"datetime":   c.startTime.UTC().Format("2006-01-02T15-04-05"),
	}
	if resolvesKeyword(fileName, "datastore") {
		ds, err := c.DatastoreDir()
		if err != nil {
			return "", err
		}
		mapping["datastore"] = ds
	}

	result := substitutionToken.ReplaceAllStringFunc(fileName, func(tok string) string {
		if tok == "$$" {
			return "$"
		}
		keyword := tokenKeyword(tok)
		if v, ok := mapping[keyword]; ok {
			return v
		}
		return tok
	})
	return filepath.Clean(result), nil
}

func containsDollar(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '$' {
			return true
		}
	}
	return false
}

// StartTime returns the instant this Context was constructed, the
// basis for ${date}/${datetime} filename substitution.
func (c *Context) StartTime() time.Time {
	return c.startTime
}

// Copyright 2026 The gVisor Authors.
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


// Package config provides basic infrastructure to set configuration settings
// for the transfer engine. Settings come from command line flags and,
// optionally, a TOML file; flag names and TOML keys are identical.
package config

import (
	"fmt"
	"strings"
)

// Config holds configuration that is not part of any single package.
//
// Fields with a "flag" tag are populated from the command line flag of the
// same name by NewFromFlags.
type Config struct {
	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log-format"`

	// Frames is the number of physical page frames.
	Frames int `flag:"frames" toml:"frames"`

	// PhysBase is the physical address of the first frame.
	PhysBase uint64 `flag:"phys-base" toml:"phys-base"`

	// CPUs is the number of processors.
	CPUs int `flag:"cpus" toml:"cpus"`

	// MaxPinPages caps the pages pinned by a single Pin call. Zero means no
	// cap.
	MaxPinPages int `flag:"max-pin-pages" toml:"max-pin-pages"`

	// MaxPinSetPages caps the pages a single copy may span.
	MaxPinSetPages int `flag:"max-pin-set-pages" toml:"max-pin-set-pages"`

	// PageTableLimit caps the page tables of each address space. Zero means
	// no cap.
	PageTableLimit int `flag:"page-table-limit" toml:"page-table-limit"`

	// SwitchPageTables installs the placeholder page tables for the
	// duration of foreign copies.
	SwitchPageTables bool `flag:"switch-page-tables" toml:"switch-page-tables"`

	// Metrics enables metric collection.
	Metrics bool `flag:"metrics" toml:"metrics"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be one of: text, json", c.LogFormat)
	}
	if c.Frames <= 0 {
		return fmt.Errorf("frames must be positive, got %d", c.Frames)
	}
	if c.PhysBase&0xfff != 0 {
		return fmt.Errorf("phys-base %#x is not page-aligned", c.PhysBase)
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("cpus must be positive, got %d", c.CPUs)
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"max-pin-pages", c.MaxPinPages},
		{"max-pin-set-pages", c.MaxPinSetPages},
		{"page-table-limit", c.PageTableLimit},
	} {
		if f.v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", f.name, f.v)
		}
	}
	if c.PageTableLimit != 0 && c.PageTableLimit < 4 {
		// One table per level is needed to map anything.
		return fmt.Errorf("page-table-limit %d cannot map a page", c.PageTableLimit)
	}
	return nil
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	return c.validate()
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return strings.Join(c.ToFlags(), " ")
}

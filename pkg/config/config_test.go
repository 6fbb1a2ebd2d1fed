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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func init() {
	RegisterFlags(flag.CommandLine)
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(flag.CommandLine)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.ToFlags(); len(got) != 0 {
		t.Errorf("default flags not set correctly for: %s", got)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("Default() mismatch (-want +got):\n%s", diff)
	}
}

func setDefault(name string) error {
	fl := flag.CommandLine.Lookup(name)
	return fl.Value.Set(fl.DefValue)
}

func TestFromFlags(t *testing.T) {
	flag.CommandLine.Lookup("frames").Value.Set("512")
	flag.CommandLine.Lookup("debug").Value.Set("true")
	flag.CommandLine.Lookup("log-format").Value.Set("json")
	flag.CommandLine.Lookup("switch-page-tables").Value.Set("false")
	defer func() {
		for _, name := range []string{"frames", "debug", "log-format", "switch-page-tables"} {
			if err := setDefault(name); err != nil {
				t.Errorf("setDefault(%q): %v", name, err)
			}
		}
	}()

	c, err := NewFromFlags(flag.CommandLine)
	if err != nil {
		t.Fatal(err)
	}
	if c.Frames != 512 {
		t.Errorf("Frames=%d, want: 512", c.Frames)
	}
	if !c.Debug {
		t.Error("Debug=false, want: true")
	}
	if c.LogFormat != "json" {
		t.Errorf("LogFormat=%q, want: json", c.LogFormat)
	}
	if c.SwitchPageTables {
		t.Error("SwitchPageTables=true, want: false")
	}
}

func TestToFlags(t *testing.T) {
	c := Default()
	c.Frames = 256
	c.Debug = true
	c.LogFormat = "json"
	c.PhysBase = 0x1000

	got := c.ToFlags()
	want := []string{
		"--debug=true",
		"--log-format=json",
		"--frames=256",
		"--phys-base=4096",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}
	if got, want := c.String(), strings.Join(want, " "); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			error: "invalid log format",
		},
		{
			name:  "frames",
			flags: map[string]string{"frames": "0"},
			error: "frames must be positive",
		},
		{
			name:  "phys-base",
			flags: map[string]string{"phys-base": "4097"},
			error: "not page-aligned",
		},
		{
			name:  "cpus",
			flags: map[string]string{"cpus": "-1"},
			error: "cpus must be positive",
		},
		{
			name:  "max-pin-pages",
			flags: map[string]string{"max-pin-pages": "-1"},
			error: "must not be negative",
		},
		{
			name:  "page-table-limit",
			flags: map[string]string{"page-table-limit": "3"},
			error: "cannot map a page",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			for name, val := range tc.flags {
				if err := testFlags.Lookup(name).Value.Set(val); err != nil {
					t.Errorf("%s=%q: %v", name, val, err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error reported: %q, want: %q", err, tc.error)
			}
		})
	}
}

func TestOverride(t *testing.T) {
	c := Default()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)

	if err := c.Override(testFlags, "cpus", "8"); err != nil {
		t.Fatalf("Override(cpus, 8) failed: %v", err)
	}
	if c.CPUs != 8 {
		t.Errorf("CPUs=%d, want: 8", c.CPUs)
	}
	if err := c.Override(testFlags, "cpus", "many"); err == nil {
		t.Errorf("Override(cpus, many) succeeded")
	}
	if err := c.Override(testFlags, "frames", "0"); err == nil {
		t.Errorf("Override(frames, 0) left an invalid config")
	}
	if err := c.Override(testFlags, "no-such-flag", "1"); err == nil {
		t.Errorf("Override of unknown flag succeeded")
	}
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "uaccess.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
debug = true
frames = 1024
cpus = 16
switch-page-tables = false
max-pin-set-pages = 32
`)
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	want := Default()
	want.Debug = true
	want.Frames = 1024
	want.CPUs = 16
	want.SwitchPageTables = false
	want.MaxPinSetPages = 32
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadFile mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		error    string
	}{
		{
			name:     "syntax",
			contents: "frames = = 3",
			error:    "reading config",
		},
		{
			name:     "unknown key",
			contents: "frame = 3",
			error:    "unknown keys",
		},
		{
			name:     "invalid",
			contents: `log-format = "xml"`,
			error:    "invalid log format",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, tc.contents))
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("LoadFile() wrong error reported: %v, want: %q", err, tc.error)
			}
		})
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("LoadFile of a missing file succeeded")
	}
}

func TestApplyFlags(t *testing.T) {
	conf, err := LoadFile(writeFile(t, "frames = 1024\ncpus = 16\n"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.String("config", "", "not a Config field")
	if err := testFlags.Parse([]string{"--cpus=2", "--config=x.toml"}); err != nil {
		t.Fatal(err)
	}
	if err := conf.ApplyFlags(testFlags); err != nil {
		t.Fatalf("ApplyFlags failed: %v", err)
	}
	// The explicit flag wins; the file value survives.
	if conf.CPUs != 2 || conf.Frames != 1024 {
		t.Errorf("CPUs=%d Frames=%d, want: 2 1024", conf.CPUs, conf.Frames)
	}
}

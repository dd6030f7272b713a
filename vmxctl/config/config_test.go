// Copyright 2024 The gVisor Authors.
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
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmxctl/pkg/log"
)

func newFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return fs
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmxctl.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Device:      DefaultDevice,
		Manifest:    DefaultManifest,
		LockFile:    DefaultLockFile,
		LockTimeout: 30 * time.Second,
		LogLevel:    "info",
		LogFormat:   "text",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlags(t, "--device=/dev/vmm1", "--debug", "--log-format=json", "--lock-timeout=5s"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "/dev/vmm1"; c.Device != want {
		t.Errorf("Device=%v, want: %v", c.Device, want)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true")
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}
	if want := 5 * time.Second; c.LockTimeout != want {
		t.Errorf("LockTimeout=%v, want: %v", c.LockTimeout, want)
	}
}

func TestLevel(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want log.Level
	}{
		{want: log.Info},
		{args: []string{"--log-level=warning"}, want: log.Warning},
		{args: []string{"--log-level=DEBUG"}, want: log.Debug},
		{args: []string{"--log-level=warning", "--debug"}, want: log.Debug},
	} {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			c, err := NewFromFlags(newFlags(t, tc.args...))
			if err != nil {
				t.Fatal(err)
			}
			if got := c.Level(); got != tc.want {
				t.Errorf("Level() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want string
	}{
		{args: []string{"--log-format=xml"}, want: "invalid log format"},
		{args: []string{"--device="}, want: "--device"},
		{args: []string{"--lock-file="}, want: "--lock-file"},
		{args: []string{"--lock-timeout=-1s"}, want: "--lock-timeout"},
		{args: []string{"--log-level=verbose"}, want: "--log-level"},
	} {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			_, err := NewFromFlags(newFlags(t, tc.args...))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags(%v) = %v, want error containing %q", tc.args, err, tc.want)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
device = "/dev/vmm-file"
manifest = "/srv/modules.json"
debug = true
lock-timeout = "1m"
`)
	c, err := NewFromFlags(newFlags(t, "--config="+path, "--device=/dev/vmm-flag"))
	if err != nil {
		t.Fatal(err)
	}
	// Flags given on the command line win over the file.
	if want := "/dev/vmm-flag"; c.Device != want {
		t.Errorf("Device=%v, want: %v", c.Device, want)
	}
	if want := "/srv/modules.json"; c.Manifest != want {
		t.Errorf("Manifest=%v, want: %v", c.Manifest, want)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true")
	}
	if want := time.Minute; c.LockTimeout != want {
		t.Errorf("LockTimeout=%v, want: %v", c.LockTimeout, want)
	}
	if c.ConfigFile != path {
		t.Errorf("ConfigFile=%v, want: %v", c.ConfigFile, path)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		content string
		want    string
	}{
		"unknown key":  {content: "platform = \"kvm\"\n", want: "unknown key"},
		"nested":       {content: "config = \"other.toml\"\n", want: "cannot be set"},
		"bad value":    {content: "debug = \"maybe\"\n", want: "setting debug"},
		"invalid toml": {content: "device = \n", want: "reading config file"},
		"validated":    {content: "log-format = \"xml\"\n", want: "invalid log format"},
	} {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := NewFromFlags(newFlags(t, "--config="+path))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")
	if _, err := NewFromFlags(newFlags(t, "--config="+path)); err == nil {
		t.Errorf("NewFromFlags() succeeded with a missing config file")
	}
}

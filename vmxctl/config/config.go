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

// Package config provides basic infrastructure to set configuration settings
// for vmxctl. Each setting that can be changed from the command line must be
// added to Config and registered in RegisterFlags.
package config

import (
	"fmt"
	"reflect"
	"time"

	"gvisor.dev/vmxctl/pkg/log"
)

// Config holds configuration that is not part of a single command.
type Config struct {
	// Device is the path of the VMM driver's control device.
	Device string `flag:"device"`

	// Manifest is the path of the JSON module manifest consulted by load
	// and quick.
	Manifest string `flag:"manifest"`

	// LockFile serializes lifecycle commands across processes.
	LockFile string `flag:"lock-file"`

	// LockTimeout bounds the wait for LockFile. Zero waits forever.
	LockTimeout time.Duration `flag:"lock-timeout"`

	// ConfigFile is a TOML file providing defaults for flags not given on
	// the command line.
	ConfigFile string `flag:"config"`

	// Debug enables debug logging. It overrides LogLevel.
	Debug bool `flag:"debug"`

	// LogLevel is the minimum level logged: warning, info or debug.
	LogLevel string `flag:"log-level"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json or json-k8s.
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`
}

func (c *Config) validate() error {
	if c.Device == "" {
		return fmt.Errorf("--device must not be empty")
	}
	if c.LockFile == "" {
		return fmt.Errorf("--lock-file must not be empty")
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("--lock-timeout must not be negative: %v", c.LockTimeout)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	for _, f := range log.Formats {
		if c.LogFormat == f {
			return nil
		}
	}
	return fmt.Errorf("invalid log format %q, must be one of %v", c.LogFormat, log.Formats)
}

// Level returns the log level selected by Debug and LogLevel.
func (c *Config) Level() log.Level {
	if c.Debug {
		return log.Debug
	}
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.Info
	}
	return l
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("Config.%s (--%s): %v", f.Name, name, obj.Field(i).Interface())
		}
	}
}

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

// Package lifecycle sequences VMM commands over the driver's primitives.
//
// Every command starts by querying the driver's status and then issues the
// primitives needed to reach its target state:
//
//	         Unloaded        Loaded               Running
//	load     add*, load      unload, add*, load   stop, unload, add*, load
//	unload   -               unload               stop, unload
//	start    error           start                stop, start
//	stop     -               -                    stop
//	dump     -               dump                 dump
//
// A Corrupt or unknown status fails every command except Status. A failing
// primitive aborts the command; nothing is rolled back, and the next command
// observes whatever state the driver reports.
package lifecycle

import (
	"errors"
	"fmt"
	"os"

	"gvisor.dev/vmxctl/pkg/driver"
	"gvisor.dev/vmxctl/pkg/log"
)

var (
	// ErrNoDriver is returned when the Controller has no driver.
	ErrNoDriver = errors.New("no driver")

	// ErrNoModules is returned by Load when module resolution is empty.
	ErrNoModules = errors.New("no modules to load")

	// ErrCorrupt is matched by transitions refused in the Corrupt state.
	ErrCorrupt = errors.New("VMM is corrupt")

	// ErrUnknownStatus is matched by transitions refused because the
	// driver reported an undefined status.
	ErrUnknownStatus = errors.New("unknown VMM status")
)

// TransitionError is a command refused in the current state.
type TransitionError struct {
	Command string
	Status  driver.Status
}

// Error implements error.Error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s: VMM is %v", e.Command, e.Status)
}

// Is matches ErrCorrupt and ErrUnknownStatus.
func (e *TransitionError) Is(target error) bool {
	switch target {
	case ErrCorrupt:
		return e.Status == driver.Corrupt
	case ErrUnknownStatus:
		return !e.Status.Known()
	default:
		return false
	}
}

// Controller runs lifecycle commands. It is not safe for concurrent use;
// separate processes serialize with Lock.
type Controller struct {
	// Driver issues the primitives.
	Driver driver.Driver

	// Modules returns the module image paths for Load.
	Modules func() ([]string, error)

	// ReadFile reads a module image. It defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)

	// Preflight, if set, runs before Start issues any primitive and
	// aborts it on failure.
	Preflight func() error
}

// status queries the driver and refuses Corrupt and unknown states.
func (c *Controller) status(cmd string) (driver.Status, error) {
	if c.Driver == nil {
		return 0, fmt.Errorf("%s: %w", cmd, ErrNoDriver)
	}
	s, err := c.Driver.Status()
	if err != nil {
		return 0, fmt.Errorf("%s: querying status: %w", cmd, err)
	}
	if s == driver.Corrupt || !s.Known() {
		return s, &TransitionError{Command: cmd, Status: s}
	}
	return s, nil
}

// Status reports the VMM status. Corrupt is a valid answer; an unknown
// status is an error.
func (c *Controller) Status() (driver.Status, error) {
	if c.Driver == nil {
		return 0, fmt.Errorf("status: %w", ErrNoDriver)
	}
	s, err := c.Driver.Status()
	if err != nil {
		return 0, fmt.Errorf("status: %w", err)
	}
	if !s.Known() {
		return s, &TransitionError{Command: "status", Status: s}
	}
	return s, nil
}

// images resolves and reads the module images.
func (c *Controller) images() ([][]byte, error) {
	if c.Modules == nil {
		return nil, ErrNoModules
	}
	paths, err := c.Modules()
	if err != nil {
		return nil, fmt.Errorf("resolving modules: %w", err)
	}
	if len(paths) == 0 {
		return nil, ErrNoModules
	}
	read := c.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	images := make([][]byte, 0, len(paths))
	for _, p := range paths {
		b, err := read(p)
		if err != nil {
			return nil, fmt.Errorf("reading module: %w", err)
		}
		log.Debugf("Module %s: %d bytes", p, len(b))
		images = append(images, b)
	}
	return images, nil
}

// Load loads the resolved modules, replacing any VMM already loaded.
// Modules are resolved and read before anything is torn down.
func (c *Controller) Load() error {
	s, err := c.status("load")
	if err != nil {
		return err
	}
	images, err := c.images()
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if s == driver.Running {
		if err := c.Driver.Stop(); err != nil {
			return fmt.Errorf("load: %w", err)
		}
	}
	if s == driver.Running || s == driver.Loaded {
		if err := c.Driver.Unload(); err != nil {
			return fmt.Errorf("load: %w", err)
		}
	}
	for _, img := range images {
		if err := c.Driver.AddModule(img); err != nil {
			return fmt.Errorf("load: %w", err)
		}
	}
	if err := c.Driver.Load(); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	log.Infof("Loaded VMM from %d modules", len(images))
	return nil
}

// Unload unloads the VMM, stopping it first if it is running.
func (c *Controller) Unload() error {
	s, err := c.status("unload")
	if err != nil {
		return err
	}
	switch s {
	case driver.Unloaded:
		log.Debugf("VMM already unloaded")
		return nil
	case driver.Running:
		if err := c.Driver.Stop(); err != nil {
			return fmt.Errorf("unload: %w", err)
		}
	}
	if err := c.Driver.Unload(); err != nil {
		return fmt.Errorf("unload: %w", err)
	}
	log.Infof("Unloaded VMM")
	return nil
}

// Start starts the VMM, restarting it if it is running.
func (c *Controller) Start() error {
	return c.start(true)
}

func (c *Controller) start(preflight bool) error {
	s, err := c.status("start")
	if err != nil {
		return err
	}
	if s == driver.Unloaded {
		return &TransitionError{Command: "start", Status: s}
	}
	if preflight && c.Preflight != nil {
		if err := c.Preflight(); err != nil {
			return fmt.Errorf("start: preflight: %w", err)
		}
	}
	if s == driver.Running {
		if err := c.Driver.Stop(); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	if err := c.Driver.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Infof("Started VMM")
	return nil
}

// Stop stops the VMM if it is running.
func (c *Controller) Stop() error {
	s, err := c.status("stop")
	if err != nil {
		return err
	}
	if s != driver.Running {
		log.Debugf("VMM not running (%v)", s)
		return nil
	}
	if err := c.Driver.Stop(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	log.Infof("Stopped VMM")
	return nil
}

// Dump returns the debug ring text of a CPU. An unloaded VMM has no
// output. cpu is ignored by drivers without per-CPU rings.
func (c *Controller) Dump(cpu int) (string, error) {
	s, err := c.status("dump")
	if err != nil {
		return "", err
	}
	if s == driver.Unloaded {
		return "", nil
	}
	if sel, ok := c.Driver.(driver.CPUSelector); ok {
		if err := sel.SelectCPU(cpu); err != nil {
			return "", fmt.Errorf("dump: %w", err)
		}
	}
	ring, err := c.Driver.Dump()
	if err != nil {
		return "", fmt.Errorf("dump: %w", err)
	}
	return ring.Text(), nil
}

// Quick unloads, loads and starts the VMM in one step. Preflight runs
// before anything is unloaded.
func (c *Controller) Quick() error {
	if c.Preflight != nil {
		if err := c.Preflight(); err != nil {
			return fmt.Errorf("quick: preflight: %w", err)
		}
	}
	if err := c.Unload(); err != nil {
		return err
	}
	if err := c.Load(); err != nil {
		return err
	}
	return c.start(false)
}

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

// Package drivertest provides an in-memory driver that records every
// primitive call.
package drivertest

import (
	"fmt"
	"sync"

	"gvisor.dev/vmxctl/pkg/driver"
)

// Driver is a fake driver that follows the VMM state machine. Primitive
// calls are appended to Calls in the order they are issued.
type Driver struct {
	mu sync.Mutex

	// State is the status reported by Status.
	State driver.Status

	// Calls records issued primitives: "add_module", "load", "unload",
	// "start", "stop", "dump", "status" and "select_cpu".
	Calls []string

	// Modules are the images staged by AddModule.
	Modules [][]byte

	// Fail makes the named primitive fail.
	Fail map[string]error

	// Rings are the debug rings returned by Dump, per CPU.
	Rings map[int]driver.DebugRing

	cpu int
}

var _ driver.Driver = (*Driver)(nil)
var _ driver.CPUSelector = (*Driver)(nil)

// New returns a fake driver in the given state.
func New(s driver.Status) *Driver {
	return &Driver{State: s, Fail: map[string]error{}, Rings: map[int]driver.DebugRing{}}
}

// call records op and returns its configured failure.
func (d *Driver) call(op string) error {
	d.Calls = append(d.Calls, op)
	if err, ok := d.Fail[op]; ok {
		return &driver.OperationError{Op: op, Err: err}
	}
	return nil
}

// Primitives returns the recorded calls other than status queries.
func (d *Driver) Primitives() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.Calls {
		if c != "status" {
			out = append(out, c)
		}
	}
	return out
}

// AddModule implements driver.Driver.AddModule.
func (d *Driver) AddModule(image []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("add_module"); err != nil {
		return err
	}
	d.Modules = append(d.Modules, append([]byte(nil), image...))
	return nil
}

// Load implements driver.Driver.Load.
func (d *Driver) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("load"); err != nil {
		return err
	}
	if d.State != driver.Unloaded || len(d.Modules) == 0 {
		return &driver.OperationError{Op: "load", Err: fmt.Errorf("load from %v with %d modules", d.State, len(d.Modules))}
	}
	d.State = driver.Loaded
	return nil
}

// Unload implements driver.Driver.Unload.
func (d *Driver) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("unload"); err != nil {
		return err
	}
	if d.State == driver.Running {
		return &driver.OperationError{Op: "unload", Err: fmt.Errorf("unload while running")}
	}
	d.State = driver.Unloaded
	d.Modules = nil
	return nil
}

// Start implements driver.Driver.Start.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("start"); err != nil {
		return err
	}
	if d.State != driver.Loaded {
		return &driver.OperationError{Op: "start", Err: fmt.Errorf("start from %v", d.State)}
	}
	d.State = driver.Running
	return nil
}

// Stop implements driver.Driver.Stop.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("stop"); err != nil {
		return err
	}
	if d.State == driver.Running {
		d.State = driver.Loaded
	}
	return nil
}

// Dump implements driver.Driver.Dump.
func (d *Driver) Dump() (driver.DebugRing, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("dump"); err != nil {
		return driver.DebugRing{}, err
	}
	return d.Rings[d.cpu], nil
}

// Status implements driver.Driver.Status.
func (d *Driver) Status() (driver.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("status"); err != nil {
		return 0, err
	}
	return d.State, nil
}

// SelectCPU implements driver.CPUSelector.SelectCPU.
func (d *Driver) SelectCPU(cpu int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("select_cpu"); err != nil {
		return err
	}
	d.cpu = cpu
	return nil
}

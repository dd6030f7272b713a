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

//go:build linux
// +build linux

package driver

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmxctl/pkg/cleanup"
	"gvisor.dev/vmxctl/pkg/log"
)

// Device is the driver's character device.
type Device struct {
	fd   int
	path string
}

var _ Driver = (*Device)(nil)
var _ CPUSelector = (*Device)(nil)

// Open opens the driver device at path and verifies that it answers a
// status query.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()

	d := &Device{fd: fd, path: path}
	s, err := d.Status()
	if err != nil {
		return nil, fmt.Errorf("%s is not a VMM driver: %w", path, err)
	}
	log.Debugf("Opened %s, VMM %v", path, s)
	cu.Release()
	return d, nil
}

// Close closes the device.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// String implements fmt.Stringer.String.
func (d *Device) String() string {
	return d.path
}

// AddModule implements Driver.AddModule.
func (d *Device) AddModule(image []byte) error {
	if len(image) == 0 {
		return &OperationError{Op: "add module", Err: unix.EINVAL}
	}
	return d.addModule(image)
}

// Load implements Driver.Load.
func (d *Device) Load() error {
	return d.simple("load", ioctlLoad)
}

// Unload implements Driver.Unload.
func (d *Device) Unload() error {
	return d.simple("unload", ioctlUnload)
}

// Start implements Driver.Start.
func (d *Device) Start() error {
	return d.simple("start", ioctlStart)
}

// Stop implements Driver.Stop.
func (d *Device) Stop() error {
	return d.simple("stop", ioctlStop)
}

// Dump implements Driver.Dump.
func (d *Device) Dump() (DebugRing, error) {
	return d.dump()
}

// Status implements Driver.Status.
func (d *Device) Status() (Status, error) {
	return d.status()
}

// SelectCPU implements CPUSelector.SelectCPU.
func (d *Device) SelectCPU(cpu int) error {
	if cpu < 0 {
		return &OperationError{Op: "select cpu", Err: unix.EINVAL}
	}
	return d.selectCPU(uint64(cpu))
}

func (d *Device) simple(op string, req uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, 0); errno != 0 {
		return &OperationError{Op: op, Err: errno}
	}
	return nil
}

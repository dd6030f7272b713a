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

// Package vmx models the virtual-machine control structure of one logical
// CPU and the capability reporting that constrains it.
//
// Every access goes through a CPU, which binds a Backend (the hardware, or
// an in-memory Static control block) to the capability MSRs and CPUID
// features of exactly one logical processor. Two CPUs never share cached
// state, so a checker running against one CPU can never observe another
// CPU's snapshot.
package vmx

import (
	"errors"
	"fmt"

	"gvisor.dev/vmxctl/pkg/cpuid"
	"gvisor.dev/vmxctl/pkg/msr"
)

var (
	// ErrNotSupported is returned when a field or control that the
	// processor does not implement is accessed.
	ErrNotSupported = errors.New("not supported by this processor")

	// ErrNilBackend is returned when a CPU is constructed without a
	// Backend.
	ErrNilBackend = errors.New("nil control structure backend")

	// ErrReadOnly is returned on writes to read-only data fields.
	ErrReadOnly = errors.New("read-only field")
)

// Backend provides access to one logical CPU's current VMCS, its MSRs and
// physical memory referenced by the VMCS.
type Backend interface {
	msr.Reader

	// ReadField reads a VMCS field.
	ReadField(enc Encoding) (uint64, error)

	// WriteField writes a VMCS field.
	WriteField(enc Encoding, v uint64) error

	// ReadPhysical reads len(buf) bytes of physical memory at addr.
	ReadPhysical(addr uint64, buf []byte) error
}

// CPU is the control-structure context of one logical CPU.
//
// A CPU caches capability MSRs and field existence after first use. It is
// not safe for concurrent use; give each goroutine its own CPU.
type CPU struct {
	// ID is the logical CPU number.
	ID int

	backend  Backend
	features cpuid.FeatureSet

	caps   map[msr.Address]uint64
	exists map[Encoding]bool
}

// NewCPU returns a context for logical CPU id.
func NewCPU(id int, backend Backend, features cpuid.FeatureSet) (*CPU, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	if features.Function == nil {
		features = cpuid.FeatureSet{Function: cpuid.Static{}}
	}
	return &CPU{
		ID:       id,
		backend:  backend,
		features: features,
		caps:     make(map[msr.Address]uint64),
		exists:   make(map[Encoding]bool),
	}, nil
}

// Backend returns the CPU's backend.
func (c *CPU) Backend() Backend {
	return c.backend
}

// Features returns the CPU's CPUID feature set.
func (c *CPU) Features() cpuid.FeatureSet {
	return c.features
}

// PhysicalAddressBits returns MAXPHYADDR.
func (c *CPU) PhysicalAddressBits() uint {
	return c.features.PhysicalAddressBits()
}

// LinearAddressBits returns the number of implemented linear-address bits.
func (c *CPU) LinearAddressBits() uint {
	return c.features.VirtualAddressBits()
}

// Capability returns the value of a capability MSR. Values are read once
// and cached for the life of the CPU.
func (c *CPU) Capability(addr msr.Address) (uint64, error) {
	if v, ok := c.caps[addr]; ok {
		return v, nil
	}
	v, err := c.backend.ReadMSR(addr)
	if err != nil {
		return 0, fmt.Errorf("cpu %d: reading capability: %w", c.ID, err)
	}
	c.caps[addr] = v
	return v, nil
}

// ReadMSR reads an MSR without caching it.
func (c *CPU) ReadMSR(addr msr.Address) (uint64, error) {
	return c.backend.ReadMSR(addr)
}

// Exists reports whether the processor implements f. The answer is resolved
// once per CPU.
func (c *CPU) Exists(f Field) bool {
	if f.exists == nil {
		return true
	}
	if e, ok := c.exists[f.Encoding]; ok {
		return e
	}
	e := f.exists(c)
	c.exists[f.Encoding] = e
	return e
}

// Lookup returns f if it exists on this CPU.
func (c *CPU) Lookup(f Field) (Field, bool) {
	if !c.Exists(f) {
		return Field{}, false
	}
	return f, true
}

// Read reads f.
//
// Reading a field the processor does not implement fails with
// ErrNotSupported rather than returning zero.
func (c *CPU) Read(f Field) (uint64, error) {
	if !c.Exists(f) {
		return 0, fmt.Errorf("cpu %d: reading %s: %w", c.ID, f.Name, ErrNotSupported)
	}
	v, err := c.backend.ReadField(f.Encoding)
	if err != nil {
		return 0, fmt.Errorf("cpu %d: reading %s: %w", c.ID, f.Name, err)
	}
	return v & f.Width().Mask(), nil
}

// Write writes v to f, truncated to the field's width.
func (c *CPU) Write(f Field, v uint64) error {
	if !c.Exists(f) {
		return fmt.Errorf("cpu %d: writing %s: %w", c.ID, f.Name, ErrNotSupported)
	}
	if f.Encoding.Type() == TypeReadOnly {
		return fmt.Errorf("cpu %d: writing %s: %w", c.ID, f.Name, ErrReadOnly)
	}
	if err := c.backend.WriteField(f.Encoding, v&f.Width().Mask()); err != nil {
		return fmt.Errorf("cpu %d: writing %s: %w", c.ID, f.Name, err)
	}
	return nil
}

// ReadPhysical reads physical memory referenced by the control structure.
func (c *CPU) ReadPhysical(addr uint64, buf []byte) error {
	return c.backend.ReadPhysical(addr, buf)
}

// UsesTrueControls reports whether IA32_VMX_BASIC[55] is set, in which case
// the TRUE capability MSRs report the default1 controls that may be 0.
func (c *CPU) UsesTrueControls() bool {
	v, err := c.Capability(msr.VMXBasic)
	return err == nil && BasicTrueControls.IsEnabled(v)
}

// ControlCapability returns the capability MSR that governs f.
func (c *CPU) ControlCapability(f Field) msr.Address {
	if f.TrueCapability != 0 && c.UsesTrueControls() {
		return f.TrueCapability
	}
	return f.Capability
}

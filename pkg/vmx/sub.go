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

package vmx

import (
	"fmt"

	"gvisor.dev/vmxctl/pkg/bitfield"
	"gvisor.dev/vmxctl/pkg/msr"
)

// Sub is a named sub-range of a VMCS field.
type Sub struct {
	Field Field
	Bits  bitfield.Field[uint64]
}

func sub(f Field, bits bitfield.Field[uint64]) Sub {
	return Sub{Field: f, Bits: bits}
}

// Name returns "field.sub".
func (s Sub) Name() string {
	return s.Field.Name + "." + s.Bits.Name
}

// String implements fmt.Stringer.String.
func (s Sub) String() string {
	return s.Name()
}

// Get reads the sub-field.
func (s Sub) Get(c *CPU) (uint64, error) {
	v, err := c.Read(s.Field)
	if err != nil {
		return 0, err
	}
	return s.Bits.Get(v), nil
}

// Set replaces the sub-field, truncating v to its width.
func (s Sub) Set(c *CPU, v uint64) error {
	r, err := c.Read(s.Field)
	if err != nil {
		return err
	}
	return c.Write(s.Field, s.Bits.Set(r, v))
}

// IsEnabled returns true if any bit of the sub-field is set.
func (s Sub) IsEnabled(c *CPU) (bool, error) {
	v, err := s.Get(c)
	return v != 0, err
}

// IsDisabled returns true if no bit of the sub-field is set.
func (s Sub) IsDisabled(c *CPU) (bool, error) {
	v, err := s.Get(c)
	return v == 0, err
}

// Enable sets the sub-field to 1.
func (s Sub) Enable(c *CPU) error {
	return s.Set(c, 1)
}

// Disable sets the sub-field to 0.
func (s Sub) Disable(c *CPU) error {
	return s.Set(c, 0)
}

// Dump formats the sub-field's name and current value.
func (s Sub) Dump(c *CPU) string {
	v, err := s.Get(c)
	if err != nil {
		return fmt.Sprintf("%s: <%v>", s.Name(), err)
	}
	return fmt.Sprintf("%s: %#x", s.Name(), v)
}

// Control is a single bit of a capability-gated control field.
type Control struct {
	Sub
}

func control(f Field, name string, bit uint) Control {
	return Control{Sub: sub(f, bitfield.Bit[uint64](name, bit))}
}

// Allowed returns whether the processor allows this control to be 1.
func (ctl Control) Allowed(c *CPU) (bool, error) {
	if !c.Exists(ctl.Field) {
		return false, nil
	}
	v, err := c.Capability(ctl.Field.Capability)
	if err != nil {
		return false, err
	}
	if ctl.Field.Capability == msr.VMXVMFunc {
		return ctl.Bits.IsEnabled(v), nil
	}
	return SplitCapability(v).Allowed1&uint32(ctl.Bits.Mask) != 0, nil
}

// Exists reports whether the processor implements this control.
func (ctl Control) Exists(c *CPU) bool {
	ok, err := ctl.Allowed(c)
	return err == nil && ok
}

// IsEnabled reports whether the control is in effect. A control whose field
// is only active behind another control (for example secondary controls
// behind "activate secondary controls") reads as disabled while that control
// is off. A control the processor does not implement reads as disabled.
func (ctl Control) IsEnabled(c *CPU) (bool, error) {
	if !c.Exists(ctl.Field) {
		return false, nil
	}
	if a := ctl.Field.activatedBy; a != nil {
		on, err := a.IsEnabled(c)
		if err != nil || !on {
			return false, err
		}
	}
	return ctl.Sub.IsEnabled(c)
}

// IsDisabled is the negation of IsEnabled.
func (ctl Control) IsDisabled(c *CPU) (bool, error) {
	on, err := ctl.IsEnabled(c)
	return !on, err
}

// Enable sets the control, refusing if the processor does not allow it.
func (ctl Control) Enable(c *CPU) error {
	ok, err := ctl.Allowed(c)
	if err != nil {
		return err
	}
	if !ok {
		allowed, _ := c.Allowed(ctl.Field.Capability)
		return &ControlError{
			Name:       ctl.Name(),
			Proposed:   uint32(ctl.Bits.Mask),
			Allowed:    allowed,
			Disallowed: uint32(ctl.Bits.Mask),
		}
	}
	return ctl.Sub.Enable(c)
}

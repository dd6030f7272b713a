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

// Package check validates a VMCS against the checks the processor performs
// on VM entry.
//
// Checks run in the processor's order (VM-execution controls, VM-exit
// controls, VM-entry controls, then host state) and stop at the first
// failure. A control block that passes is not guaranteed to enter, since
// guest-state checks are not performed, but one that fails is guaranteed
// not to.
package check

import (
	"errors"
	"fmt"
	"strings"

	"gvisor.dev/vmxctl/pkg/hostarch"
	"gvisor.dev/vmxctl/pkg/msr"
	"gvisor.dev/vmxctl/pkg/vmx"
)

// Phase groups checks by the part of the VMCS they validate.
type Phase int

// Phases, in the order they run.
const (
	Execution Phase = iota
	Exit
	Entry
	Host
)

// String implements fmt.Stringer.String.
func (p Phase) String() string {
	switch p {
	case Execution:
		return "vm-execution controls"
	case Exit:
		return "vm-exit controls"
	case Entry:
		return "vm-entry controls"
	case Host:
		return "host state"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Violation is a failed check.
type Violation struct {
	// Phase is the phase of the failing check.
	Phase Phase

	// Rule is the name of the failing check.
	Rule string

	// Message describes the failure.
	Message string

	// Fields are the values involved, formatted as "name: value".
	Fields []string

	// Err is the underlying error, if any. For capability failures it is a
	// *vmx.ControlError.
	Err error
}

// Error implements error.Error.
func (v *Violation) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s: %s", v.Phase, v.Rule, v.Message)
	if len(v.Fields) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(v.Fields, ", "))
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (v *Violation) Unwrap() error {
	return v.Err
}

// violationf returns a Violation with the given message. Phase and Rule are
// filled in by the runner.
func violationf(format string, args ...any) *Violation {
	return &Violation{Message: fmt.Sprintf(format, args...)}
}

// with records a field value for diagnostics.
func (v *Violation) with(name string, value uint64) *Violation {
	v.Fields = append(v.Fields, fmt.Sprintf("%s: %#x", name, value))
	return v
}

// Check is a single named rule.
type Check struct {
	Phase Phase
	Name  string
	fn    func(c *vmx.CPU) error
}

// Run runs the check against c.
func (ck Check) Run(c *vmx.CPU) error {
	err := ck.fn(c)
	if err == nil {
		return nil
	}
	var v *Violation
	if errors.As(err, &v) {
		v.Phase = ck.Phase
		v.Rule = ck.Name
		return v
	}
	return fmt.Errorf("%s: %s: %w", ck.Phase, ck.Name, err)
}

// Checks returns every check, in the order they run.
func Checks() []Check {
	var all []Check
	all = append(all, executionChecks...)
	all = append(all, exitChecks...)
	all = append(all, entryChecks...)
	all = append(all, hostChecks...)
	return all
}

// Run runs every check against c and returns the first failure.
//
// A failing rule is returned as a *Violation. Errors reading the control
// block are returned wrapped but otherwise unchanged.
func Run(c *vmx.CPU) error {
	for _, ck := range Checks() {
		if err := ck.Run(c); err != nil {
			return err
		}
	}
	return nil
}

// RunPhase runs the checks of a single phase.
func RunPhase(c *vmx.CPU, p Phase) error {
	for _, ck := range Checks() {
		if ck.Phase != p {
			continue
		}
		if err := ck.Run(c); err != nil {
			return err
		}
	}
	return nil
}

// view reads fields of a CPU, remembering the first error. Once an error
// has occurred every read returns zero; callers check err before acting on
// what they read.
type view struct {
	c   *vmx.CPU
	err error
}

func newView(c *vmx.CPU) *view {
	return &view{c: c}
}

// u reads a field.
func (v *view) u(f vmx.Field) uint64 {
	if v.err != nil {
		return 0
	}
	r, err := v.c.Read(f)
	if err != nil {
		v.err = err
		return 0
	}
	return r
}

// sub reads a sub-field.
func (v *view) sub(s vmx.Sub) uint64 {
	return s.Bits.Get(v.u(s.Field))
}

// on reports whether a control is in effect.
func (v *view) on(ctl vmx.Control) bool {
	if v.err != nil {
		return false
	}
	r, err := ctl.IsEnabled(v.c)
	if err != nil {
		v.err = err
		return false
	}
	return r
}

// allowed reports whether the processor allows a control to be 1.
func (v *view) allowed(ctl vmx.Control) bool {
	if v.err != nil {
		return false
	}
	r, err := ctl.Allowed(v.c)
	if err != nil {
		v.err = err
		return false
	}
	return r
}

// capability reads a capability MSR.
func (v *view) capability(addr msr.Address) uint64 {
	if v.err != nil {
		return 0
	}
	r, err := v.c.Capability(addr)
	if err != nil {
		v.err = err
		return 0
	}
	return r
}

// pageAddress checks that addr is 4KB-aligned and within the physical
// address width.
func pageAddress(c *vmx.CPU, name string, addr uint64) error {
	return alignedAddress(c, name, addr, hostarch.PageSize)
}

// alignedAddress checks that addr is aligned to align and within the
// physical address width.
func alignedAddress(c *vmx.CPU, name string, addr, align uint64) error {
	a := hostarch.Addr(addr)
	if !a.IsAligned(align) {
		return violationf("%s is not %d-byte aligned", name, align).with(name, addr)
	}
	if !a.IsPhysicallyValid(c.PhysicalAddressBits()) {
		return violationf("%s exceeds the %d-bit physical address width", name, c.PhysicalAddressBits()).with(name, addr)
	}
	return nil
}

// controlViolation converts a capability gate failure.
func controlViolation(err error) error {
	var ce *vmx.ControlError
	if errors.As(err, &ce) {
		return &Violation{Message: ce.Error(), Err: ce}
	}
	return err
}

// reserved checks a control field against its capability MSR.
func reserved(f vmx.Field) func(c *vmx.CPU) error {
	return func(c *vmx.CPU) error {
		if !c.Exists(f) {
			return nil
		}
		return controlViolation(c.CheckControlField(f))
	}
}

// msrArea checks a VM-exit or VM-entry MSR list: 16-byte aligned, and both
// the first and the last byte within the physical address width.
func msrArea(c *vmx.CPU, name string, addr, count uint64) error {
	if count == 0 {
		return nil
	}
	if err := alignedAddress(c, name, addr, 16); err != nil {
		return err
	}
	end, ok := hostarch.Addr(addr).End(count, 16)
	if !ok || !end.IsPhysicallyValid(c.PhysicalAddressBits()) {
		return violationf("%s area of %d entries exceeds the %d-bit physical address width", name, count, c.PhysicalAddressBits()).
			with(name, addr).with("count", count)
	}
	return nil
}

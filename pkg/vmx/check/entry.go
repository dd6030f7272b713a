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

package check

import (
	"gvisor.dev/vmxctl/pkg/msr"
	"gvisor.dev/vmxctl/pkg/vmx"
)

// maxInstructionLength is the longest x86 instruction.
const maxInstructionLength = 15

// nmiVector is the vector of the non-maskable interrupt.
const nmiVector = 2

// maxExceptionVector is the highest architecturally defined exception vector.
const maxExceptionVector = 31

// errorCodeReserved are the bits of the exception error code that must be
// zero when an error code is delivered.
const errorCodeReserved = 0xffff8000

var entryChecks = []Check{
	{Entry, "entry_controls_reserved", reserved(vmx.EntryControls)},
	{Entry, "interruption_type", injected(interruptionType)},
	{Entry, "interruption_vector", injected(interruptionVector)},
	{Entry, "deliver_error_code", injected(deliverErrorCode)},
	{Entry, "interruption_reserved_bits", injected(interruptionReservedBits)},
	{Entry, "exception_error_code", injected(exceptionErrorCode)},
	{Entry, "instruction_length", injected(instructionLength)},
	{Entry, "entry_msr_load_area", entryMSRLoadArea},
	{Entry, "smm_controls", smmControls},
}

// injection is the decoded VM-entry interruption-information field.
type injection struct {
	info   uint64
	vector uint64
	typ    uint64
	code   bool
}

// injected runs fn only when the valid bit of the VM-entry
// interruption-information field is set.
func injected(fn func(c *vmx.CPU, in injection) error) func(c *vmx.CPU) error {
	return func(c *vmx.CPU) error {
		v := newView(c)
		info := v.u(vmx.EntryInterruptionInfo)
		if v.err != nil {
			return v.err
		}
		if !vmx.InterruptionValid.Bits.IsEnabled(info) {
			return nil
		}
		return fn(c, injection{
			info:   info,
			vector: vmx.InterruptionVector.Bits.Get(info),
			typ:    vmx.InterruptionType.Bits.Get(info),
			code:   vmx.InterruptionDeliverCode.Bits.IsEnabled(info),
		})
	}
}

func interruptionType(c *vmx.CPU, in injection) error {
	switch in.typ {
	case vmx.InterruptionReserved:
		return violationf("interruption type 1 is reserved").with(vmx.EntryInterruptionInfo.Name, in.info)
	case vmx.InterruptionOther:
		v := newView(c)
		if !v.allowed(vmx.MonitorTrapFlag) {
			if v.err != nil {
				return v.err
			}
			return violationf("interruption type 7 requires support for monitor trap flag").with(vmx.EntryInterruptionInfo.Name, in.info)
		}
	}
	return nil
}

func interruptionVector(c *vmx.CPU, in injection) error {
	switch {
	case in.typ == vmx.InterruptionNMI && in.vector != nmiVector:
		return violationf("NMI injection with vector %d", in.vector).with(vmx.EntryInterruptionInfo.Name, in.info)
	case in.typ == vmx.InterruptionHardwareExc && in.vector > maxExceptionVector:
		return violationf("hardware exception injection with vector %d", in.vector).with(vmx.EntryInterruptionInfo.Name, in.info)
	case in.typ == vmx.InterruptionOther && in.vector != 0:
		return violationf("other-event injection with vector %d", in.vector).with(vmx.EntryInterruptionInfo.Name, in.info)
	}
	return nil
}

// deliverErrorCode checks that the deliver-error-code bit is set exactly
// when the processor would push an error code: a hardware exception, in
// protected mode, with a vector that pushes one. Processors reporting
// IA32_VMX_BASIC[56] drop the vector requirement.
func deliverErrorCode(c *vmx.CPU, in injection) error {
	v := newView(c)
	cr0 := v.u(vmx.GuestCR0)
	basic := v.capability(msr.VMXBasic)
	if v.err != nil {
		return v.err
	}
	anyVector := vmx.BasicNoErrorCodeRule.IsEnabled(basic)
	protected := vmx.CR0PE.IsEnabled(cr0)

	switch {
	case in.typ != vmx.InterruptionHardwareExc:
		if in.code {
			return violationf("error code delivered for interruption type %d", in.typ).with(vmx.EntryInterruptionInfo.Name, in.info)
		}
	case !protected:
		if in.code {
			return violationf("error code delivered with guest CR0.PE clear").
				with(vmx.EntryInterruptionInfo.Name, in.info).
				with(vmx.GuestCR0.Name, cr0)
		}
	case anyVector:
		// Either setting is allowed.
	case vmx.PushesErrorCode(in.vector):
		if !in.code {
			return violationf("exception %d requires an error code", in.vector).with(vmx.EntryInterruptionInfo.Name, in.info)
		}
	default:
		if in.code {
			return violationf("exception %d does not push an error code", in.vector).with(vmx.EntryInterruptionInfo.Name, in.info)
		}
	}
	return nil
}

func interruptionReservedBits(c *vmx.CPU, in injection) error {
	if vmx.InterruptionReservedBits.Bits.IsEnabled(in.info) {
		return violationf("interruption-information bits 30:12 are not zero").with(vmx.EntryInterruptionInfo.Name, in.info)
	}
	return nil
}

func exceptionErrorCode(c *vmx.CPU, in injection) error {
	if !in.code {
		return nil
	}
	v := newView(c)
	code := v.u(vmx.EntryExceptionError)
	if v.err != nil {
		return v.err
	}
	if code&errorCodeReserved != 0 {
		return violationf("exception error code bits 31:15 are not zero").with(vmx.EntryExceptionError.Name, code)
	}
	return nil
}

func instructionLength(c *vmx.CPU, in injection) error {
	switch in.typ {
	case vmx.InterruptionSoftwareInt, vmx.InterruptionPrivilegedSWExc, vmx.InterruptionSoftwareExc:
	default:
		return nil
	}
	v := newView(c)
	length := v.u(vmx.EntryInstructionLen)
	misc := v.capability(msr.VMXMisc)
	if v.err != nil {
		return v.err
	}
	shortest := uint64(1)
	if vmx.MiscZeroLengthInject.IsEnabled(misc) {
		shortest = 0
	}
	if length < shortest || length > maxInstructionLength {
		return violationf("instruction length %d is outside [%d, %d]", length, shortest, maxInstructionLength).
			with(vmx.EntryInstructionLen.Name, length)
	}
	return nil
}

func entryMSRLoadArea(c *vmx.CPU) error {
	v := newView(c)
	count := v.u(vmx.EntryMSRLoadCount)
	addr := v.u(vmx.EntryMSRLoadAddress)
	if v.err != nil {
		return v.err
	}
	return msrArea(c, vmx.EntryMSRLoadAddress.Name, addr, count)
}

func smmControls(c *vmx.CPU) error {
	v := newView(c)
	if v.on(vmx.EntryToSMM) {
		return violationf("entry to SMM outside SMM")
	}
	if v.on(vmx.DeactivateDualMonitor) {
		return violationf("deactivate dual-monitor treatment outside SMM")
	}
	return v.err
}

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
	"testing"

	"gvisor.dev/vmxctl/pkg/msr"
	"gvisor.dev/vmxctl/pkg/vmx"
)

func inject(typ, vector uint64, deliver bool) modify {
	return func(s *vmx.Static) {
		info := vmx.InterruptionValid.Bits.Enable(0)
		info = vmx.InterruptionType.Bits.Set(info, typ)
		info = vmx.InterruptionVector.Bits.Set(info, vector)
		info = vmx.InterruptionDeliverCode.Bits.SetBool(info, deliver)
		s.Set(vmx.EntryInterruptionInfo, info)
	}
}

const pageFault = 14

func TestInjectionSkippedWhenInvalid(t *testing.T) {
	// Every other bit is nonsense, but the valid bit is clear.
	if err := run(t, set(vmx.EntryInterruptionInfo, 0x7fffffff)); err != nil {
		t.Errorf("invalid injection was checked: %v", err)
	}
}

func TestInjection(t *testing.T) {
	realMode := clearBits(vmx.GuestCR0, vmx.CR0PE.Mask|vmx.CR0PG.Mask)
	runCases(t, []ruleCase{
		{"external interrupt", inject(vmx.InterruptionExternal, 0x20, false), ""},
		{"reserved type", inject(vmx.InterruptionReserved, 0, false), "interruption_type"},
		{"other event", inject(vmx.InterruptionOther, 0, false), ""},
		{"other event without monitor trap flag", all(inject(vmx.InterruptionOther, 0, false),
			clearMSRBits(msr.VMXProcBasedCtls, vmx.MonitorTrapFlag.Bits.Mask<<32),
			clearMSRBits(msr.VMXTrueProcbased, vmx.MonitorTrapFlag.Bits.Mask<<32)), "interruption_type"},
		{"other event vector", inject(vmx.InterruptionOther, 1, false), "interruption_vector"},

		{"nmi", inject(vmx.InterruptionNMI, 2, false), ""},
		{"nmi wrong vector", inject(vmx.InterruptionNMI, 3, false), "interruption_vector"},
		{"exception vector 32", inject(vmx.InterruptionHardwareExc, 32, false), "interruption_vector"},

		{"page fault with error code", inject(vmx.InterruptionHardwareExc, pageFault, true), ""},
		{"page fault without error code", inject(vmx.InterruptionHardwareExc, pageFault, false), "deliver_error_code"},
		{"double fault without error code", inject(vmx.InterruptionHardwareExc, 8, false), "deliver_error_code"},
		{"breakpoint exception with error code", inject(vmx.InterruptionHardwareExc, 3, true), "deliver_error_code"},
		{"error code on external interrupt", inject(vmx.InterruptionExternal, 0x20, true), "deliver_error_code"},
		{"error code on software exception", inject(vmx.InterruptionSoftwareExc, 3, true), "deliver_error_code"},
		{"real-mode page fault with error code", all(realMode, inject(vmx.InterruptionHardwareExc, pageFault, true)), "deliver_error_code"},
		{"real-mode page fault", all(realMode, inject(vmx.InterruptionHardwareExc, pageFault, false)), ""},
		{"relaxed error code rule", all(
			setMSRBits(msr.VMXBasic, vmx.BasicNoErrorCodeRule.Mask),
			inject(vmx.InterruptionHardwareExc, 3, true)), ""},
		{"relaxed error code rule omitted code", all(
			setMSRBits(msr.VMXBasic, vmx.BasicNoErrorCodeRule.Mask),
			inject(vmx.InterruptionHardwareExc, pageFault, false)), ""},

		{"reserved bits", all(inject(vmx.InterruptionHardwareExc, pageFault, true), setBits(vmx.EntryInterruptionInfo, 1<<20)), "interruption_reserved_bits"},

		{"error code bits 14:0", all(inject(vmx.InterruptionHardwareExc, pageFault, true), set(vmx.EntryExceptionError, 0x7fff)), ""},
		{"error code bit 15", all(inject(vmx.InterruptionHardwareExc, pageFault, true), set(vmx.EntryExceptionError, 0x8000)), "exception_error_code"},
		{"error code ignored", all(inject(vmx.InterruptionHardwareExc, 6, false), set(vmx.EntryExceptionError, 0x8000)), ""},

		{"software interrupt", all(inject(vmx.InterruptionSoftwareInt, 0x80, false), set(vmx.EntryInstructionLen, 2)), ""},
		{"software interrupt length 0", inject(vmx.InterruptionSoftwareInt, 0x80, false), "instruction_length"},
		{"software interrupt length 16", all(inject(vmx.InterruptionSoftwareInt, 0x80, false), set(vmx.EntryInstructionLen, 16)), "instruction_length"},
		{"privileged software exception length 15", all(inject(vmx.InterruptionPrivilegedSWExc, 1, false), set(vmx.EntryInstructionLen, 15)), ""},
		{"zero-length injection supported", all(
			setMSRBits(msr.VMXMisc, vmx.MiscZeroLengthInject.Mask),
			inject(vmx.InterruptionSoftwareExc, 3, false)), ""},
		{"hardware exception ignores length", all(inject(vmx.InterruptionHardwareExc, 6, false), set(vmx.EntryInstructionLen, 40)), ""},
	})
}

func TestMSRAreas(t *testing.T) {
	top := uint64(1) << 39
	runCases(t, []ruleCase{
		{"entry load aligned", all(set(vmx.EntryMSRLoadCount, 2), set(vmx.EntryMSRLoadAddress, 0x80010)), ""},
		{"entry load unaligned", all(set(vmx.EntryMSRLoadCount, 2), set(vmx.EntryMSRLoadAddress, 0x80008)), "entry_msr_load_area"},
		{"entry load empty", set(vmx.EntryMSRLoadAddress, 0x80008), ""},
		{"entry load last entry", all(set(vmx.EntryMSRLoadCount, 1), set(vmx.EntryMSRLoadAddress, top-16)), ""},
		{"entry load past the end", all(set(vmx.EntryMSRLoadCount, 2), set(vmx.EntryMSRLoadAddress, top-16)), "entry_msr_load_area"},
		{"exit store unaligned", all(set(vmx.ExitMSRStoreCount, 1), set(vmx.ExitMSRStoreAddress, 0x90004)), "exit_msr_store_area"},
		{"exit load too wide", all(set(vmx.ExitMSRLoadCount, 1), set(vmx.ExitMSRLoadAddress, top)), "exit_msr_load_area"},
	})
}

func TestExitAndEntryControls(t *testing.T) {
	runCases(t, []ruleCase{
		{"save preemption timer", enable(vmx.SavePreemptionTimer), "preemption_timer_save"},
		{"save active preemption timer", enable(vmx.SavePreemptionTimer, vmx.ActivatePreemptionTimer), ""},
		{"entry to smm", enable(vmx.EntryToSMM), "smm_controls"},
		{"deactivate dual monitor", enable(vmx.DeactivateDualMonitor), "smm_controls"},
	})
}

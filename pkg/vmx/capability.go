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

// AllowedSettings is the allowed0/allowed1 pair reported by a VMX control
// capability MSR.
//
// A control bit may be 1 only if it is 1 in Allowed1, and must be 1 if it is
// 1 in Allowed0.
type AllowedSettings struct {
	Allowed0 uint32
	Allowed1 uint32
}

// SplitCapability splits a capability MSR value into its two halves.
func SplitCapability(v uint64) AllowedSettings {
	return AllowedSettings{
		Allowed0: uint32(v),
		Allowed1: uint32(v >> 32),
	}
}

// Mandatory returns the bits that must be 1.
func (a AllowedSettings) Mandatory() uint32 {
	return a.Allowed0
}

// Optional returns the bits that may be either 0 or 1.
func (a AllowedSettings) Optional() uint32 {
	return a.Allowed1 &^ a.Allowed0
}

// Forbidden returns the bits that must be 0.
func (a AllowedSettings) Forbidden() uint32 {
	return ^a.Allowed1
}

// Setting describes what the processor allows for bit.
func (a AllowedSettings) Setting(bit uint) string {
	m := uint32(1) << bit
	switch {
	case a.Mandatory()&m != 0 && a.Forbidden()&m != 0:
		// Reported by broken hypervisors only.
		return "inconsistent"
	case a.Mandatory()&m != 0:
		return "forced"
	case a.Optional()&m != 0:
		return "yes"
	default:
		return "no"
	}
}

// String implements fmt.Stringer.String.
func (a AllowedSettings) String() string {
	return fmt.Sprintf("allowed0=%#08x allowed1=%#08x", a.Allowed0, a.Allowed1)
}

// ControlError is returned when a proposed control value is rejected by the
// capability gate.
type ControlError struct {
	// Name is the name of the control (or control field).
	Name string

	// Proposed is the rejected value, masked to 32 bits.
	Proposed uint32

	// Allowed is the capability pair the value was checked against.
	Allowed AllowedSettings

	// Missing are mandatory bits that were 0.
	Missing uint32

	// Disallowed are bits that were 1 but may not be.
	Disallowed uint32
}

// Error implements error.Error.
func (e *ControlError) Error() string {
	switch {
	case e.Missing != 0 && e.Disallowed != 0:
		return fmt.Sprintf("invalid control %s=%#08x: mandatory bits %#08x clear, unsupported bits %#08x set (%v)", e.Name, e.Proposed, e.Missing, e.Disallowed, e.Allowed)
	case e.Missing != 0:
		return fmt.Sprintf("invalid control %s=%#08x: mandatory bits %#08x clear (%v)", e.Name, e.Proposed, e.Missing, e.Allowed)
	default:
		return fmt.Sprintf("invalid control %s=%#08x: unsupported bits %#08x set (%v)", e.Name, e.Proposed, e.Disallowed, e.Allowed)
	}
}

// Check returns a *ControlError if proposed leaves a mandatory bit clear or
// sets a bit that is not allowed. Only the low 32 bits of proposed are
// considered.
func (a AllowedSettings) Check(proposed uint64, name string) error {
	return a.CheckActivated(proposed, name, true)
}

// CheckActivated is Check with the allowed1 half enforced only when
// activated is true. Mandatory bits are always enforced.
func (a AllowedSettings) CheckActivated(proposed uint64, name string, activated bool) error {
	p := uint32(proposed)
	missing := a.Allowed0 &^ p
	var disallowed uint32
	if activated {
		disallowed = p &^ a.Allowed1
	}
	if missing == 0 && disallowed == 0 {
		return nil
	}
	return &ControlError{
		Name:       name,
		Proposed:   p,
		Allowed:    a,
		Missing:    missing,
		Disallowed: disallowed,
	}
}

// Allowed returns the allowed settings reported by the capability MSR addr.
func (c *CPU) Allowed(addr msr.Address) (AllowedSettings, error) {
	v, err := c.Capability(addr)
	if err != nil {
		return AllowedSettings{}, err
	}
	return SplitCapability(v), nil
}

// ReservedProperlySet checks proposed against the capability MSR addr.
//
// For IA32_VMX_PROCBASED_CTLS2 the allowed1 half is enforced only while
// "activate secondary controls" is enabled.
func (c *CPU) ReservedProperlySet(addr msr.Address, proposed uint64, name string) error {
	allowed, err := c.Allowed(addr)
	if err != nil {
		return err
	}
	activated := true
	if addr == msr.VMXProcBasedCtls2 {
		if activated, err = ActivateSecondaryControls.IsEnabled(c); err != nil {
			return err
		}
	}
	return allowed.CheckActivated(proposed, name, activated)
}

// CheckControlField reads a control field and checks it against the
// capability MSR that governs it.
func (c *CPU) CheckControlField(f Field) error {
	if f.Capability == 0 {
		return fmt.Errorf("%s is not a control field", f.Name)
	}
	v, err := c.Read(f)
	if err != nil {
		return err
	}
	return c.ReservedProperlySet(c.ControlCapability(f), v, f.Name)
}

// IA32_VMX_BASIC fields.
var (
	BasicRevision        = bitfield.Range[uint64]("vmcs_revision_identifier", 0, 30)
	BasicRegionSize      = bitfield.Range[uint64]("vmcs_region_size", 32, 44)
	BasicPhysWidth32     = bitfield.Bit[uint64]("physical_address_width_32", 48)
	BasicDualMonitor     = bitfield.Bit[uint64]("dual_monitor_smm", 49)
	BasicMemoryType      = bitfield.Range[uint64]("vmcs_memory_type", 50, 53)
	BasicInsOutsInfo     = bitfield.Bit[uint64]("ins_outs_exit_information", 54)
	BasicTrueControls    = bitfield.Bit[uint64]("true_controls", 55)
	BasicNoErrorCodeRule = bitfield.Bit[uint64]("hardware_exception_error_code_optional", 56)
)

// Basic is the table of IA32_VMX_BASIC fields.
var Basic = bitfield.Table[uint64]{
	BasicRevision, BasicRegionSize, BasicPhysWidth32, BasicDualMonitor,
	BasicMemoryType, BasicInsOutsInfo, BasicTrueControls, BasicNoErrorCodeRule,
}

// IA32_VMX_MISC fields.
var (
	MiscPreemptionTimerRate = bitfield.Range[uint64]("preemption_timer_rate", 0, 4)
	MiscStoreLMA            = bitfield.Bit[uint64]("store_efer_lma", 5)
	MiscActivityStates      = bitfield.Range[uint64]("activity_states", 6, 8)
	MiscIntelPTInVMX        = bitfield.Bit[uint64]("intel_pt_in_vmx", 14)
	MiscSMBaseRead          = bitfield.Bit[uint64]("rdmsr_smbase_in_smm", 15)
	MiscCR3Targets          = bitfield.Range[uint64]("cr3_target_values", 16, 24)
	MiscMaxMSRs             = bitfield.Range[uint64]("max_msr_list_size", 25, 27)
	MiscSMMMonitorCtl       = bitfield.Bit[uint64]("smm_monitor_ctl_bit2", 28)
	MiscVMWriteAny          = bitfield.Bit[uint64]("vmwrite_any_field", 29)
	MiscZeroLengthInject    = bitfield.Bit[uint64]("zero_length_instruction_injection", 30)
	MiscMSEGRevision        = bitfield.Range[uint64]("mseg_revision_identifier", 32, 63)
)

// Misc is the table of IA32_VMX_MISC fields.
var Misc = bitfield.Table[uint64]{
	MiscPreemptionTimerRate, MiscStoreLMA, MiscActivityStates, MiscIntelPTInVMX,
	MiscSMBaseRead, MiscCR3Targets, MiscMaxMSRs, MiscSMMMonitorCtl,
	MiscVMWriteAny, MiscZeroLengthInject, MiscMSEGRevision,
}

// IA32_VMX_EPT_VPID_CAP fields.
var (
	EPTCapExecuteOnly    = bitfield.Bit[uint64]("execute_only", 0)
	EPTCapWalkLength4    = bitfield.Bit[uint64]("page_walk_length_4", 6)
	EPTCapWalkLength5    = bitfield.Bit[uint64]("page_walk_length_5", 7)
	EPTCapUncacheable    = bitfield.Bit[uint64]("memory_type_uc", 8)
	EPTCapWriteBack      = bitfield.Bit[uint64]("memory_type_wb", 14)
	EPTCap2MBPages       = bitfield.Bit[uint64]("pde_2mb_pages", 16)
	EPTCap1GBPages       = bitfield.Bit[uint64]("pdpte_1gb_pages", 17)
	EPTCapINVEPT         = bitfield.Bit[uint64]("invept", 20)
	EPTCapAccessedDirty  = bitfield.Bit[uint64]("accessed_dirty_flags", 21)
	EPTCapAdvancedExit   = bitfield.Bit[uint64]("advanced_exit_information", 22)
	EPTCapShadowStack    = bitfield.Bit[uint64]("supervisor_shadow_stack", 23)
	EPTCapINVEPTSingle   = bitfield.Bit[uint64]("invept_single_context", 25)
	EPTCapINVEPTAll      = bitfield.Bit[uint64]("invept_all_context", 26)
	EPTCapINVVPID        = bitfield.Bit[uint64]("invvpid", 32)
	EPTCapINVVPIDAddress = bitfield.Bit[uint64]("invvpid_individual_address", 40)
	EPTCapINVVPIDSingle  = bitfield.Bit[uint64]("invvpid_single_context", 41)
	EPTCapINVVPIDAll     = bitfield.Bit[uint64]("invvpid_all_context", 42)
)

// EPTVPIDCap is the table of IA32_VMX_EPT_VPID_CAP fields.
var EPTVPIDCap = bitfield.Table[uint64]{
	EPTCapExecuteOnly, EPTCapWalkLength4, EPTCapWalkLength5, EPTCapUncacheable,
	EPTCapWriteBack, EPTCap2MBPages, EPTCap1GBPages, EPTCapINVEPT,
	EPTCapAccessedDirty, EPTCapAdvancedExit, EPTCapShadowStack, EPTCapINVEPTSingle,
	EPTCapINVEPTAll, EPTCapINVVPID, EPTCapINVVPIDAddress, EPTCapINVVPIDSingle,
	EPTCapINVVPIDAll,
}

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
	"strconv"

	"gvisor.dev/vmxctl/pkg/msr"
)

// Encoding is the 32-bit VMCS component encoding used by VMREAD/VMWRITE.
type Encoding uint32

// Width is the width of a VMCS field.
type Width uint8

// Field widths, as encoded in bits 14:13 of an Encoding.
const (
	Width16 Width = iota
	Width64
	Width32
	WidthNatural
)

// String implements fmt.Stringer.String.
func (w Width) String() string {
	switch w {
	case Width16:
		return "16-bit"
	case Width64:
		return "64-bit"
	case Width32:
		return "32-bit"
	default:
		return "natural-width"
	}
}

// Mask returns the bits a field of width w can hold.
func (w Width) Mask() uint64 {
	switch w {
	case Width16:
		return 0xffff
	case Width32:
		return 0xffffffff
	default:
		return ^uint64(0)
	}
}

// Type is the VMCS field type, encoded in bits 11:10 of an Encoding.
type Type uint8

// Field types.
const (
	TypeControl Type = iota
	TypeReadOnly
	TypeGuest
	TypeHost
)

// Width returns the width encoded in e.
func (e Encoding) Width() Width {
	return Width((e >> 13) & 0x3)
}

// Type returns the field type encoded in e.
func (e Encoding) Type() Type {
	return Type((e >> 10) & 0x3)
}

// String implements fmt.Stringer.String.
func (e Encoding) String() string {
	return fmt.Sprintf("%#06x", uint32(e))
}

// Field is a VMCS field of one logical CPU.
//
// Fields are stateless descriptors; values live in the CPU's Backend.
type Field struct {
	// Name is the diagnostic name of the field.
	Name string

	// Encoding is the VMREAD/VMWRITE encoding.
	Encoding Encoding

	// Capability is the MSR whose allowed0/allowed1 halves gate this field,
	// for VM-execution, VM-exit and VM-entry control fields. It is zero for
	// all other fields.
	Capability msr.Address

	// TrueCapability replaces Capability when IA32_VMX_BASIC[55] is set.
	TrueCapability msr.Address

	// activatedBy, if non-nil, is the control that must be enabled for the
	// bits of this field to take effect.
	activatedBy *Control

	// exists reports whether the processor implements this field. A nil
	// predicate means the field always exists.
	exists func(*CPU) bool
}

// Width returns the field's width.
func (f Field) Width() Width {
	return f.Encoding.Width()
}

// String implements fmt.Stringer.String.
func (f Field) String() string {
	return f.Name
}

func field(name string, enc Encoding) Field {
	return Field{Name: name, Encoding: enc}
}

func controlField(name string, enc Encoding, capability, trueCapability msr.Address) Field {
	return Field{Name: name, Encoding: enc, Capability: capability, TrueCapability: trueCapability}
}

func (f Field) when(pred func(*CPU) bool) Field {
	f.exists = pred
	return f
}

func (f Field) activated(by *Control) Field {
	f.activatedBy = by
	return f
}

// allowed1 reports whether the processor may set bit of the control MSR.
func allowed1(addr msr.Address, bit uint) func(*CPU) bool {
	return func(c *CPU) bool {
		v, err := c.Capability(addr)
		if err != nil {
			return false
		}
		return SplitCapability(v).Allowed1&(1<<bit) != 0
	}
}

// vmfuncAllowed reports whether VM function bit is supported.
func vmfuncAllowed(bit uint) func(*CPU) bool {
	return func(c *CPU) bool {
		v, err := c.Capability(msr.VMXVMFunc)
		return err == nil && v&(1<<bit) != 0
	}
}

func both(preds ...func(*CPU) bool) func(*CPU) bool {
	return func(c *CPU) bool {
		for _, p := range preds {
			if !p(c) {
				return false
			}
		}
		return true
	}
}

func either(preds ...func(*CPU) bool) func(*CPU) bool {
	return func(c *CPU) bool {
		for _, p := range preds {
			if p(c) {
				return true
			}
		}
		return false
	}
}

var (
	hasSecondary = allowed1(msr.VMXProcBasedCtls, 31)
)

func secondary(bit uint) func(*CPU) bool {
	return both(hasSecondary, allowed1(msr.VMXProcBasedCtls2, bit))
}

// 16-bit control fields.
var (
	VPID                        = field("virtual_processor_identifier", 0x0000).when(secondary(5))
	PostedInterruptNotification = field("posted_interrupt_notification_vector", 0x0002).when(allowed1(msr.VMXPinBasedCtls, 7))
	EPTPIndex                   = field("eptp_index", 0x0004).when(secondary(18))
)

// 16-bit guest-state fields.
var (
	GuestES             = field("guest_es_selector", 0x0800)
	GuestCS             = field("guest_cs_selector", 0x0802)
	GuestSS             = field("guest_ss_selector", 0x0804)
	GuestDS             = field("guest_ds_selector", 0x0806)
	GuestFS             = field("guest_fs_selector", 0x0808)
	GuestGS             = field("guest_gs_selector", 0x080a)
	GuestLDTR           = field("guest_ldtr_selector", 0x080c)
	GuestTR             = field("guest_tr_selector", 0x080e)
	GuestInterruptState = field("guest_interrupt_status", 0x0810).when(secondary(9))
	PMLIndex            = field("pml_index", 0x0812).when(secondary(17))
)

// 16-bit host-state fields.
var (
	HostES = field("host_es_selector", 0x0c00)
	HostCS = field("host_cs_selector", 0x0c02)
	HostSS = field("host_ss_selector", 0x0c04)
	HostDS = field("host_ds_selector", 0x0c06)
	HostFS = field("host_fs_selector", 0x0c08)
	HostGS = field("host_gs_selector", 0x0c0a)
	HostTR = field("host_tr_selector", 0x0c0c)
)

// 64-bit control fields.
var (
	IOBitmapA            = field("io_bitmap_a_address", 0x2000)
	IOBitmapB            = field("io_bitmap_b_address", 0x2002)
	MSRBitmap            = field("msr_bitmaps_address", 0x2004).when(allowed1(msr.VMXProcBasedCtls, 28))
	ExitMSRStoreAddress  = field("vmexit_msr_store_address", 0x2006)
	ExitMSRLoadAddress   = field("vmexit_msr_load_address", 0x2008)
	EntryMSRLoadAddress  = field("vmentry_msr_load_address", 0x200a)
	ExecutiveVMCSPointer = field("executive_vmcs_pointer", 0x200c)
	PMLAddress           = field("pml_address", 0x200e).when(secondary(17))
	TSCOffset            = field("tsc_offset", 0x2010)
	VirtualAPICAddress   = field("virtual_apic_address", 0x2012).when(allowed1(msr.VMXProcBasedCtls, 21))
	APICAccessAddress    = field("apic_access_address", 0x2014).when(secondary(0))
	PostedInterruptDesc  = field("posted_interrupt_descriptor_address", 0x2016).when(allowed1(msr.VMXPinBasedCtls, 7))
	VMFunctionControls   = controlField("vm_function_controls", 0x2018, msr.VMXVMFunc, 0).when(secondary(13)).activated(&EnableVMFunctions)
	EPTPointer           = field("ept_pointer", 0x201a).when(secondary(1))
	EOIExitBitmap0       = field("eoi_exit_bitmap_0", 0x201c).when(secondary(9))
	EOIExitBitmap1       = field("eoi_exit_bitmap_1", 0x201e).when(secondary(9))
	EOIExitBitmap2       = field("eoi_exit_bitmap_2", 0x2020).when(secondary(9))
	EOIExitBitmap3       = field("eoi_exit_bitmap_3", 0x2022).when(secondary(9))
	EPTPListAddress      = field("eptp_list_address", 0x2024).when(both(secondary(13), vmfuncAllowed(0)))
	VMReadBitmap         = field("vmread_bitmap_address", 0x2026).when(secondary(14))
	VMWriteBitmap        = field("vmwrite_bitmap_address", 0x2028).when(secondary(14))
	VEInformationAddress = field("virtualization_exception_information_address", 0x202a).when(secondary(18))
	XSSExitingBitmap     = field("xss_exiting_bitmap", 0x202c).when(secondary(20))
	ENCLSExitingBitmap   = field("encls_exiting_bitmap", 0x202e).when(secondary(15))
	TSCMultiplier        = field("tsc_multiplier", 0x2032).when(secondary(25))
)

// 64-bit guest-state fields.
var (
	VMCSLinkPointer     = field("vmcs_link_pointer", 0x2800)
	GuestDebugCtl       = field("guest_ia32_debugctl", 0x2802)
	GuestPAT            = field("guest_ia32_pat", 0x2804).when(either(allowed1(msr.VMXEntryCtls, 14), allowed1(msr.VMXExitCtls, 18)))
	GuestEFER           = field("guest_ia32_efer", 0x2806).when(either(allowed1(msr.VMXEntryCtls, 15), allowed1(msr.VMXExitCtls, 20)))
	GuestPerfGlobalCtrl = field("guest_ia32_perf_global_ctrl", 0x2808).when(allowed1(msr.VMXEntryCtls, 13))
)

// 64-bit host-state fields.
var (
	HostPAT            = field("host_ia32_pat", 0x2c00).when(allowed1(msr.VMXExitCtls, 19))
	HostEFER           = field("host_ia32_efer", 0x2c02).when(allowed1(msr.VMXExitCtls, 21))
	HostPerfGlobalCtrl = field("host_ia32_perf_global_ctrl", 0x2c04).when(allowed1(msr.VMXExitCtls, 12))
)

// 32-bit control fields.
var (
	PinBasedControls      = controlField("pin_based_vm_execution_controls", 0x4000, msr.VMXPinBasedCtls, msr.VMXTruePinbased)
	PrimaryControls       = controlField("primary_processor_based_vm_execution_controls", 0x4002, msr.VMXProcBasedCtls, msr.VMXTrueProcbased)
	ExceptionBitmap       = field("exception_bitmap", 0x4004)
	PageFaultErrorMask    = field("page_fault_error_code_mask", 0x4006)
	PageFaultErrorMatch   = field("page_fault_error_code_match", 0x4008)
	CR3TargetCount        = field("cr3_target_count", 0x400a)
	ExitControls          = controlField("vmexit_controls", 0x400c, msr.VMXExitCtls, msr.VMXTrueExit)
	ExitMSRStoreCount     = field("vmexit_msr_store_count", 0x400e)
	ExitMSRLoadCount      = field("vmexit_msr_load_count", 0x4010)
	EntryControls         = controlField("vmentry_controls", 0x4012, msr.VMXEntryCtls, msr.VMXTrueEntry)
	EntryMSRLoadCount     = field("vmentry_msr_load_count", 0x4014)
	EntryInterruptionInfo = field("vmentry_interruption_information", 0x4016)
	EntryExceptionError   = field("vmentry_exception_error_code", 0x4018)
	EntryInstructionLen   = field("vmentry_instruction_length", 0x401a)
	TPRThreshold          = field("tpr_threshold", 0x401c).when(allowed1(msr.VMXProcBasedCtls, 21))
	SecondaryControls     = controlField("secondary_processor_based_vm_execution_controls", 0x401e, msr.VMXProcBasedCtls2, 0).when(hasSecondary).activated(&ActivateSecondaryControls)
	PLEGap                = field("ple_gap", 0x4020).when(secondary(10))
	PLEWindow             = field("ple_window", 0x4022).when(secondary(10))
)

// 32-bit read-only data fields.
var (
	VMInstructionError = field("vm_instruction_error", 0x4400)
	ExitReason         = field("exit_reason", 0x4402)
)

// 32-bit guest-state fields.
var (
	GuestInterruptibility = field("guest_interruptibility_state", 0x4824)
	GuestActivityState    = field("guest_activity_state", 0x4826)
	GuestSysenterCS       = field("guest_ia32_sysenter_cs", 0x482a)
	PreemptionTimerValue  = field("vmx_preemption_timer_value", 0x482e).when(allowed1(msr.VMXPinBasedCtls, 6))
)

// 32-bit host-state fields.
var (
	HostSysenterCS = field("host_ia32_sysenter_cs", 0x4c00)
)

// Natural-width control fields.
var (
	CR0GuestHostMask = field("cr0_guest_host_mask", 0x6000)
	CR4GuestHostMask = field("cr4_guest_host_mask", 0x6002)
	CR0ReadShadow    = field("cr0_read_shadow", 0x6004)
	CR4ReadShadow    = field("cr4_read_shadow", 0x6006)
	CR3Target0       = field("cr3_target_value_0", 0x6008)
	CR3Target1       = field("cr3_target_value_1", 0x600a)
	CR3Target2       = field("cr3_target_value_2", 0x600c)
	CR3Target3       = field("cr3_target_value_3", 0x600e)
)

// Natural-width guest-state fields.
var (
	GuestCR0    = field("guest_cr0", 0x6800)
	GuestCR3    = field("guest_cr3", 0x6802)
	GuestCR4    = field("guest_cr4", 0x6804)
	GuestRSP    = field("guest_rsp", 0x681c)
	GuestRIP    = field("guest_rip", 0x681e)
	GuestRFLAGS = field("guest_rflags", 0x6820)
)

// Natural-width host-state fields.
var (
	HostCR0         = field("host_cr0", 0x6c00)
	HostCR3         = field("host_cr3", 0x6c02)
	HostCR4         = field("host_cr4", 0x6c04)
	HostFSBase      = field("host_fs_base", 0x6c06)
	HostGSBase      = field("host_gs_base", 0x6c08)
	HostTRBase      = field("host_tr_base", 0x6c0a)
	HostGDTRBase    = field("host_gdtr_base", 0x6c0c)
	HostIDTRBase    = field("host_idtr_base", 0x6c0e)
	HostSysenterESP = field("host_ia32_sysenter_esp", 0x6c10)
	HostSysenterEIP = field("host_ia32_sysenter_eip", 0x6c12)
	HostRSP         = field("host_rsp", 0x6c14)
	HostRIP         = field("host_rip", 0x6c16)
)

// Fields returns every field known to this package, ordered by encoding.
func Fields() []Field {
	return []Field{
		VPID, PostedInterruptNotification, EPTPIndex,
		GuestES, GuestCS, GuestSS, GuestDS, GuestFS, GuestGS, GuestLDTR, GuestTR, GuestInterruptState, PMLIndex,
		HostES, HostCS, HostSS, HostDS, HostFS, HostGS, HostTR,
		IOBitmapA, IOBitmapB, MSRBitmap, ExitMSRStoreAddress, ExitMSRLoadAddress, EntryMSRLoadAddress,
		ExecutiveVMCSPointer, PMLAddress, TSCOffset, VirtualAPICAddress, APICAccessAddress, PostedInterruptDesc,
		VMFunctionControls, EPTPointer, EOIExitBitmap0, EOIExitBitmap1, EOIExitBitmap2, EOIExitBitmap3,
		EPTPListAddress, VMReadBitmap, VMWriteBitmap, VEInformationAddress, XSSExitingBitmap, ENCLSExitingBitmap, TSCMultiplier,
		VMCSLinkPointer, GuestDebugCtl, GuestPAT, GuestEFER, GuestPerfGlobalCtrl,
		HostPAT, HostEFER, HostPerfGlobalCtrl,
		PinBasedControls, PrimaryControls, ExceptionBitmap, PageFaultErrorMask, PageFaultErrorMatch, CR3TargetCount,
		ExitControls, ExitMSRStoreCount, ExitMSRLoadCount, EntryControls, EntryMSRLoadCount,
		EntryInterruptionInfo, EntryExceptionError, EntryInstructionLen, TPRThreshold, SecondaryControls, PLEGap, PLEWindow,
		VMInstructionError, ExitReason,
		GuestInterruptibility, GuestActivityState, GuestSysenterCS, PreemptionTimerValue,
		HostSysenterCS,
		CR0GuestHostMask, CR4GuestHostMask, CR0ReadShadow, CR4ReadShadow, CR3Target0, CR3Target1, CR3Target2, CR3Target3,
		GuestCR0, GuestCR3, GuestCR4, GuestRSP, GuestRIP, GuestRFLAGS,
		HostCR0, HostCR3, HostCR4, HostFSBase, HostGSBase, HostTRBase, HostGDTRBase, HostIDTRBase,
		HostSysenterESP, HostSysenterEIP, HostRSP, HostRIP,
	}
}

// FieldByName returns the field with the given name. A numeric encoding
// (e.g. "0x4002") is also accepted.
func FieldByName(name string) (Field, bool) {
	for _, f := range Fields() {
		if f.Name == name {
			return f, true
		}
	}
	if v, err := strconv.ParseUint(name, 0, 32); err == nil {
		for _, f := range Fields() {
			if f.Encoding == Encoding(v) {
				return f, true
			}
		}
	}
	return Field{}, false
}

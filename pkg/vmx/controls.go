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
	"gvisor.dev/vmxctl/pkg/bitfield"
)

// Pin-based VM-execution controls.
var (
	ExternalInterruptExiting = control(PinBasedControls, "external_interrupt_exiting", 0)
	NMIExiting               = control(PinBasedControls, "nmi_exiting", 3)
	VirtualNMIs              = control(PinBasedControls, "virtual_nmis", 5)
	ActivatePreemptionTimer  = control(PinBasedControls, "activate_vmx_preemption_timer", 6)
	ProcessPostedInterrupts  = control(PinBasedControls, "process_posted_interrupts", 7)
)

// Primary processor-based VM-execution controls.
var (
	InterruptWindowExiting    = control(PrimaryControls, "interrupt_window_exiting", 2)
	UseTSCOffsetting          = control(PrimaryControls, "use_tsc_offsetting", 3)
	HLTExiting                = control(PrimaryControls, "hlt_exiting", 7)
	INVLPGExiting             = control(PrimaryControls, "invlpg_exiting", 9)
	MWAITExiting              = control(PrimaryControls, "mwait_exiting", 10)
	RDPMCExiting              = control(PrimaryControls, "rdpmc_exiting", 11)
	RDTSCExiting              = control(PrimaryControls, "rdtsc_exiting", 12)
	CR3LoadExiting            = control(PrimaryControls, "cr3_load_exiting", 15)
	CR3StoreExiting           = control(PrimaryControls, "cr3_store_exiting", 16)
	ActivateTertiaryControls  = control(PrimaryControls, "activate_tertiary_controls", 17)
	CR8LoadExiting            = control(PrimaryControls, "cr8_load_exiting", 19)
	CR8StoreExiting           = control(PrimaryControls, "cr8_store_exiting", 20)
	UseTPRShadow              = control(PrimaryControls, "use_tpr_shadow", 21)
	NMIWindowExiting          = control(PrimaryControls, "nmi_window_exiting", 22)
	MOVDRExiting              = control(PrimaryControls, "mov_dr_exiting", 23)
	UnconditionalIOExiting    = control(PrimaryControls, "unconditional_io_exiting", 24)
	UseIOBitmaps              = control(PrimaryControls, "use_io_bitmaps", 25)
	MonitorTrapFlag           = control(PrimaryControls, "monitor_trap_flag", 27)
	UseMSRBitmaps             = control(PrimaryControls, "use_msr_bitmaps", 28)
	MONITORExiting            = control(PrimaryControls, "monitor_exiting", 29)
	PAUSEExiting              = control(PrimaryControls, "pause_exiting", 30)
	ActivateSecondaryControls = control(PrimaryControls, "activate_secondary_controls", 31)
)

// Secondary processor-based VM-execution controls.
var (
	VirtualizeAPICAccesses     = control(SecondaryControls, "virtualize_apic_accesses", 0)
	EnableEPT                  = control(SecondaryControls, "enable_ept", 1)
	DescriptorTableExiting     = control(SecondaryControls, "descriptor_table_exiting", 2)
	EnableRDTSCP               = control(SecondaryControls, "enable_rdtscp", 3)
	VirtualizeX2APICMode       = control(SecondaryControls, "virtualize_x2apic_mode", 4)
	EnableVPID                 = control(SecondaryControls, "enable_vpid", 5)
	WBINVDExiting              = control(SecondaryControls, "wbinvd_exiting", 6)
	UnrestrictedGuest          = control(SecondaryControls, "unrestricted_guest", 7)
	APICRegisterVirtualization = control(SecondaryControls, "apic_register_virtualization", 8)
	VirtualInterruptDelivery   = control(SecondaryControls, "virtual_interrupt_delivery", 9)
	PAUSELoopExiting           = control(SecondaryControls, "pause_loop_exiting", 10)
	RDRANDExiting              = control(SecondaryControls, "rdrand_exiting", 11)
	EnableINVPCID              = control(SecondaryControls, "enable_invpcid", 12)
	EnableVMFunctions          = control(SecondaryControls, "enable_vm_functions", 13)
	VMCSShadowing              = control(SecondaryControls, "vmcs_shadowing", 14)
	EnableENCLSExiting         = control(SecondaryControls, "enable_encls_exiting", 15)
	RDSEEDExiting              = control(SecondaryControls, "rdseed_exiting", 16)
	EnablePML                  = control(SecondaryControls, "enable_pml", 17)
	EPTViolationVE             = control(SecondaryControls, "ept_violation_ve", 18)
	ConcealVMXFromPT           = control(SecondaryControls, "conceal_vmx_from_pt", 19)
	EnableXSAVES               = control(SecondaryControls, "enable_xsaves_xrstors", 20)
	ModeBasedExecuteControl    = control(SecondaryControls, "mode_based_execute_control_for_ept", 22)
	SubPageWritePermissions    = control(SecondaryControls, "sub_page_write_permissions_for_ept", 23)
	PTUsesGuestPhysical        = control(SecondaryControls, "intel_pt_uses_guest_physical_addresses", 24)
	UseTSCScaling              = control(SecondaryControls, "use_tsc_scaling", 25)
	EnableUserWaitPause        = control(SecondaryControls, "enable_user_wait_and_pause", 26)
	EnableENCLVExiting         = control(SecondaryControls, "enable_enclv_exiting", 28)
)

// VM-exit controls.
var (
	SaveDebugControls      = control(ExitControls, "save_debug_controls", 2)
	HostAddressSpaceSize   = control(ExitControls, "host_address_space_size", 9)
	ExitLoadPerfGlobalCtrl = control(ExitControls, "load_ia32_perf_global_ctrl", 12)
	AcknowledgeInterrupt   = control(ExitControls, "acknowledge_interrupt_on_exit", 15)
	ExitSavePAT            = control(ExitControls, "save_ia32_pat", 18)
	ExitLoadPAT            = control(ExitControls, "load_ia32_pat", 19)
	ExitSaveEFER           = control(ExitControls, "save_ia32_efer", 20)
	ExitLoadEFER           = control(ExitControls, "load_ia32_efer", 21)
	SavePreemptionTimer    = control(ExitControls, "save_vmx_preemption_timer_value", 22)
	ExitClearBNDCFGS       = control(ExitControls, "clear_ia32_bndcfgs", 23)
	ExitConcealVMXFromPT   = control(ExitControls, "conceal_vmx_from_pt", 24)
)

// VM-entry controls.
var (
	LoadDebugControls       = control(EntryControls, "load_debug_controls", 2)
	IA32eModeGuest          = control(EntryControls, "ia_32e_mode_guest", 9)
	EntryToSMM              = control(EntryControls, "entry_to_smm", 10)
	DeactivateDualMonitor   = control(EntryControls, "deactivate_dual_monitor_treatment", 11)
	EntryLoadPerfGlobalCtrl = control(EntryControls, "load_ia32_perf_global_ctrl", 13)
	EntryLoadPAT            = control(EntryControls, "load_ia32_pat", 14)
	EntryLoadEFER           = control(EntryControls, "load_ia32_efer", 15)
	EntryLoadBNDCFGS        = control(EntryControls, "load_ia32_bndcfgs", 16)
	EntryConcealVMXFromPT   = control(EntryControls, "conceal_vmx_from_pt", 17)
)

// VM-function controls.
var (
	EPTPSwitching = control(VMFunctionControls, "eptp_switching", 0)
)

// ControlGroup is a control field together with its named bits.
type ControlGroup struct {
	Field    Field
	Controls []Control
}

// ControlGroups returns every capability-gated control field, in the order
// the processor checks them on VM entry.
func ControlGroups() []ControlGroup {
	return []ControlGroup{
		{PinBasedControls, []Control{ExternalInterruptExiting, NMIExiting, VirtualNMIs, ActivatePreemptionTimer, ProcessPostedInterrupts}},
		{PrimaryControls, []Control{
			InterruptWindowExiting, UseTSCOffsetting, HLTExiting, INVLPGExiting, MWAITExiting, RDPMCExiting,
			RDTSCExiting, CR3LoadExiting, CR3StoreExiting, ActivateTertiaryControls, CR8LoadExiting,
			CR8StoreExiting, UseTPRShadow, NMIWindowExiting, MOVDRExiting, UnconditionalIOExiting,
			UseIOBitmaps, MonitorTrapFlag, UseMSRBitmaps, MONITORExiting, PAUSEExiting, ActivateSecondaryControls,
		}},
		{SecondaryControls, []Control{
			VirtualizeAPICAccesses, EnableEPT, DescriptorTableExiting, EnableRDTSCP, VirtualizeX2APICMode,
			EnableVPID, WBINVDExiting, UnrestrictedGuest, APICRegisterVirtualization, VirtualInterruptDelivery,
			PAUSELoopExiting, RDRANDExiting, EnableINVPCID, EnableVMFunctions, VMCSShadowing, EnableENCLSExiting,
			RDSEEDExiting, EnablePML, EPTViolationVE, ConcealVMXFromPT, EnableXSAVES, ModeBasedExecuteControl,
			SubPageWritePermissions, PTUsesGuestPhysical, UseTSCScaling, EnableUserWaitPause, EnableENCLVExiting,
		}},
		{ExitControls, []Control{
			SaveDebugControls, HostAddressSpaceSize, ExitLoadPerfGlobalCtrl, AcknowledgeInterrupt, ExitSavePAT,
			ExitLoadPAT, ExitSaveEFER, ExitLoadEFER, SavePreemptionTimer, ExitClearBNDCFGS, ExitConcealVMXFromPT,
		}},
		{EntryControls, []Control{
			LoadDebugControls, IA32eModeGuest, EntryToSMM, DeactivateDualMonitor, EntryLoadPerfGlobalCtrl,
			EntryLoadPAT, EntryLoadEFER, EntryLoadBNDCFGS, EntryConcealVMXFromPT,
		}},
	}
}

// Interruption types of the VM-entry interruption-information field.
const (
	InterruptionExternal        = 0
	InterruptionReserved        = 1
	InterruptionNMI             = 2
	InterruptionHardwareExc     = 3
	InterruptionSoftwareInt     = 4
	InterruptionPrivilegedSWExc = 5
	InterruptionSoftwareExc     = 6
	InterruptionOther           = 7
)

// VM-entry interruption-information subfields.
var (
	InterruptionVector       = sub(EntryInterruptionInfo, bitfield.Range[uint64]("vector", 0, 7))
	InterruptionType         = sub(EntryInterruptionInfo, bitfield.Range[uint64]("interruption_type", 8, 10))
	InterruptionDeliverCode  = sub(EntryInterruptionInfo, bitfield.Bit[uint64]("deliver_error_code", 11))
	InterruptionReservedBits = sub(EntryInterruptionInfo, bitfield.Range[uint64]("reserved", 12, 30))
	InterruptionValid        = sub(EntryInterruptionInfo, bitfield.Bit[uint64]("valid", 31))
)

// EPT pointer subfields.
var (
	EPTPMemoryType      = sub(EPTPointer, bitfield.Range[uint64]("memory_type", 0, 2))
	EPTPWalkLength      = sub(EPTPointer, bitfield.Range[uint64]("page_walk_length_minus_one", 3, 5))
	EPTPAccessedDirty   = sub(EPTPointer, bitfield.Bit[uint64]("accessed_dirty_enable", 6))
	EPTPShadowStack     = sub(EPTPointer, bitfield.Bit[uint64]("supervisor_shadow_stack_enable", 7))
	EPTPReservedBits    = sub(EPTPointer, bitfield.Range[uint64]("reserved", 8, 11))
	EPTPPhysicalAddress = sub(EPTPointer, bitfield.Range[uint64]("pml4_address", 12, 63))
)

// Segment selector subfields.
var (
	SelectorRPL   = bitfield.Range[uint64]("rpl", 0, 1)
	SelectorTI    = bitfield.Bit[uint64]("ti", 2)
	SelectorIndex = bitfield.Range[uint64]("index", 3, 15)
)

// Selector is a segment-selector field with RPL, TI and Index views.
type Selector struct {
	Field Field
}

// RPL returns the requested-privilege-level view.
func (s Selector) RPL() Sub {
	return sub(s.Field, SelectorRPL)
}

// TI returns the table-indicator view.
func (s Selector) TI() Sub {
	return sub(s.Field, SelectorTI)
}

// Index returns the descriptor-index view.
func (s Selector) Index() Sub {
	return sub(s.Field, SelectorIndex)
}

// GuestSelectors are the guest segment selectors.
var GuestSelectors = []Selector{
	{GuestES}, {GuestCS}, {GuestSS}, {GuestDS}, {GuestFS}, {GuestGS}, {GuestLDTR}, {GuestTR},
}

// HostSelectors are the host segment selectors.
var HostSelectors = []Selector{
	{HostES}, {HostCS}, {HostSS}, {HostDS}, {HostFS}, {HostGS}, {HostTR},
}

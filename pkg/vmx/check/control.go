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
	"gvisor.dev/vmxctl/pkg/hostarch"
	"gvisor.dev/vmxctl/pkg/msr"
	"gvisor.dev/vmxctl/pkg/vmx"
)

// maxCR3Targets is the number of CR3-target value fields.
const maxCR3Targets = 4

// vtprOffset is the offset of VTPR in the virtual-APIC page.
const vtprOffset = 0x80

var executionChecks = []Check{
	{Execution, "pin_based_controls_reserved", reserved(vmx.PinBasedControls)},
	{Execution, "primary_controls_reserved", reserved(vmx.PrimaryControls)},
	{Execution, "secondary_controls_reserved", reserved(vmx.SecondaryControls)},
	{Execution, "cr3_target_count", cr3TargetCount},
	{Execution, "io_bitmap_addresses", ioBitmaps},
	{Execution, "msr_bitmap_address", msrBitmap},
	{Execution, "tpr_shadow", tprShadow},
	{Execution, "tpr_shadow_dependencies", tprShadowDependencies},
	{Execution, "nmi_controls", nmiControls},
	{Execution, "apic_access_address", apicAccessAddress},
	{Execution, "x2apic_virtualization", x2apicVirtualization},
	{Execution, "virtual_interrupt_delivery", virtualInterruptDelivery},
	{Execution, "posted_interrupts", postedInterrupts},
	{Execution, "vpid", vpid},
	{Execution, "ept_pointer", eptPointer},
	{Execution, "page_modification_log", pageModificationLog},
	{Execution, "unrestricted_guest", unrestrictedGuest},
	{Execution, "ept_dependent_controls", eptDependentControls},
	{Execution, "vm_functions", vmFunctions},
	{Execution, "vmcs_shadowing", vmcsShadowing},
	{Execution, "ept_violation_ve", eptViolationVE},
}

func cr3TargetCount(c *vmx.CPU) error {
	v := newView(c)
	n := v.u(vmx.CR3TargetCount)
	if v.err != nil {
		return v.err
	}
	if n > maxCR3Targets {
		return violationf("CR3-target count %d exceeds %d", n, maxCR3Targets).with(vmx.CR3TargetCount.Name, n)
	}
	return nil
}

func ioBitmaps(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.UseIOBitmaps) {
		return v.err
	}
	a, b := v.u(vmx.IOBitmapA), v.u(vmx.IOBitmapB)
	if v.err != nil {
		return v.err
	}
	if err := pageAddress(c, vmx.IOBitmapA.Name, a); err != nil {
		return err
	}
	return pageAddress(c, vmx.IOBitmapB.Name, b)
}

func msrBitmap(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.UseMSRBitmaps) {
		return v.err
	}
	addr := v.u(vmx.MSRBitmap)
	if v.err != nil {
		return v.err
	}
	return pageAddress(c, vmx.MSRBitmap.Name, addr)
}

func tprShadow(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.UseTPRShadow) {
		return v.err
	}
	addr := v.u(vmx.VirtualAPICAddress)
	threshold := v.u(vmx.TPRThreshold)
	vid := v.on(vmx.VirtualInterruptDelivery)
	vapic := v.on(vmx.VirtualizeAPICAccesses)
	if v.err != nil {
		return v.err
	}
	if addr == 0 {
		return violationf("virtual-APIC address is null with use TPR shadow").with(vmx.VirtualAPICAddress.Name, addr)
	}
	if err := pageAddress(c, vmx.VirtualAPICAddress.Name, addr); err != nil {
		return err
	}
	if vid {
		return nil
	}
	if threshold&^0xf != 0 {
		return violationf("TPR threshold bits 31:4 are not zero").with(vmx.TPRThreshold.Name, threshold)
	}
	if vapic {
		return nil
	}
	var vtpr [1]byte
	if err := c.ReadPhysical(addr+vtprOffset, vtpr[:]); err != nil {
		return err
	}
	if threshold > uint64(vtpr[0]>>4) {
		return violationf("TPR threshold exceeds VTPR[7:4]").
			with(vmx.TPRThreshold.Name, threshold).
			with("vtpr", uint64(vtpr[0]))
	}
	return nil
}

func tprShadowDependencies(c *vmx.CPU) error {
	v := newView(c)
	if v.on(vmx.UseTPRShadow) {
		return v.err
	}
	for _, ctl := range []vmx.Control{vmx.VirtualizeX2APICMode, vmx.APICRegisterVirtualization, vmx.VirtualInterruptDelivery} {
		if v.on(ctl) {
			return violationf("%s requires use TPR shadow", ctl.Bits.Name)
		}
	}
	return v.err
}

func nmiControls(c *vmx.CPU) error {
	v := newView(c)
	nmiExiting := v.on(vmx.NMIExiting)
	virtualNMIs := v.on(vmx.VirtualNMIs)
	nmiWindow := v.on(vmx.NMIWindowExiting)
	if v.err != nil {
		return v.err
	}
	if !nmiExiting && virtualNMIs {
		return violationf("virtual NMIs requires NMI exiting")
	}
	if !virtualNMIs && nmiWindow {
		return violationf("NMI-window exiting requires virtual NMIs")
	}
	return nil
}

func apicAccessAddress(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.VirtualizeAPICAccesses) {
		return v.err
	}
	addr := v.u(vmx.APICAccessAddress)
	if v.err != nil {
		return v.err
	}
	return pageAddress(c, vmx.APICAccessAddress.Name, addr)
}

func x2apicVirtualization(c *vmx.CPU) error {
	v := newView(c)
	if v.on(vmx.VirtualizeX2APICMode) && v.on(vmx.VirtualizeAPICAccesses) {
		return violationf("virtualize x2APIC mode and virtualize APIC accesses are both enabled")
	}
	return v.err
}

func virtualInterruptDelivery(c *vmx.CPU) error {
	v := newView(c)
	if v.on(vmx.VirtualInterruptDelivery) && !v.on(vmx.ExternalInterruptExiting) && v.err == nil {
		return violationf("virtual-interrupt delivery requires external-interrupt exiting")
	}
	return v.err
}

func postedInterrupts(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.ProcessPostedInterrupts) {
		return v.err
	}
	vid := v.on(vmx.VirtualInterruptDelivery)
	ack := v.on(vmx.AcknowledgeInterrupt)
	vector := v.u(vmx.PostedInterruptNotification)
	desc := v.u(vmx.PostedInterruptDesc)
	if v.err != nil {
		return v.err
	}
	if !vid {
		return violationf("process posted interrupts requires virtual-interrupt delivery")
	}
	if !ack {
		return violationf("process posted interrupts requires acknowledge interrupt on exit")
	}
	if vector&0xff00 != 0 {
		return violationf("posted-interrupt notification vector bits 15:8 are not zero").with(vmx.PostedInterruptNotification.Name, vector)
	}
	return alignedAddress(c, vmx.PostedInterruptDesc.Name, desc, 64)
}

func vpid(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.EnableVPID) {
		return v.err
	}
	id := v.u(vmx.VPID)
	if v.err != nil {
		return v.err
	}
	if id == 0 {
		return violationf("VPID is zero with enable VPID")
	}
	return nil
}

func eptPointer(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.EnableEPT) {
		return v.err
	}
	eptp := v.u(vmx.EPTPointer)
	caps := v.capability(msr.VMXEPTVPIDCap)
	if v.err != nil {
		return v.err
	}

	switch mt := hostarch.MemoryType(vmx.EPTPMemoryType.Bits.Get(eptp)); mt {
	case hostarch.MemoryTypeUncacheable:
		if !vmx.EPTCapUncacheable.IsEnabled(caps) {
			return violationf("EPT memory type UC is not supported").with(vmx.EPTPointer.Name, eptp)
		}
	case hostarch.MemoryTypeWriteBack:
		if !vmx.EPTCapWriteBack.IsEnabled(caps) {
			return violationf("EPT memory type WB is not supported").with(vmx.EPTPointer.Name, eptp)
		}
	default:
		return violationf("EPT memory type %v is invalid", mt).with(vmx.EPTPointer.Name, eptp)
	}

	switch walk := vmx.EPTPWalkLength.Bits.Get(eptp) + 1; walk {
	case 4:
		if !vmx.EPTCapWalkLength4.IsEnabled(caps) {
			return violationf("EPT page-walk length 4 is not supported").with(vmx.EPTPointer.Name, eptp)
		}
	case 5:
		if !vmx.EPTCapWalkLength5.IsEnabled(caps) {
			return violationf("EPT page-walk length 5 is not supported").with(vmx.EPTPointer.Name, eptp)
		}
	default:
		return violationf("EPT page-walk length %d is invalid", walk).with(vmx.EPTPointer.Name, eptp)
	}

	if vmx.EPTPAccessedDirty.Bits.IsEnabled(eptp) && !vmx.EPTCapAccessedDirty.IsEnabled(caps) {
		return violationf("EPT accessed and dirty flags are not supported").with(vmx.EPTPointer.Name, eptp)
	}
	if vmx.EPTPShadowStack.Bits.IsEnabled(eptp) && !vmx.EPTCapShadowStack.IsEnabled(caps) {
		return violationf("EPT supervisor shadow-stack control is not supported").with(vmx.EPTPointer.Name, eptp)
	}
	if vmx.EPTPReservedBits.Bits.IsEnabled(eptp) {
		return violationf("EPT pointer reserved bits 11:8 are not zero").with(vmx.EPTPointer.Name, eptp)
	}
	if !hostarch.Addr(eptp).IsPhysicallyValid(c.PhysicalAddressBits()) {
		return violationf("EPT pointer exceeds the %d-bit physical address width", c.PhysicalAddressBits()).with(vmx.EPTPointer.Name, eptp)
	}
	return nil
}

func pageModificationLog(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.EnablePML) {
		return v.err
	}
	ept := v.on(vmx.EnableEPT)
	addr := v.u(vmx.PMLAddress)
	if v.err != nil {
		return v.err
	}
	if !ept {
		return violationf("enable PML requires enable EPT")
	}
	return pageAddress(c, vmx.PMLAddress.Name, addr)
}

func unrestrictedGuest(c *vmx.CPU) error {
	v := newView(c)
	if v.on(vmx.UnrestrictedGuest) && !v.on(vmx.EnableEPT) && v.err == nil {
		return violationf("unrestricted guest requires enable EPT")
	}
	return v.err
}

func eptDependentControls(c *vmx.CPU) error {
	v := newView(c)
	if v.on(vmx.EnableEPT) {
		return v.err
	}
	for _, ctl := range []vmx.Control{vmx.ModeBasedExecuteControl, vmx.SubPageWritePermissions} {
		if v.on(ctl) {
			return violationf("%s requires enable EPT", ctl.Bits.Name)
		}
	}
	return v.err
}

func vmFunctions(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.EnableVMFunctions) {
		return v.err
	}
	controls := v.u(vmx.VMFunctionControls)
	supported := v.capability(msr.VMXVMFunc)
	if v.err != nil {
		return v.err
	}
	if extra := controls &^ supported; extra != 0 {
		return violationf("VM-function controls %#x are not supported", extra).
			with(vmx.VMFunctionControls.Name, controls).
			with(msr.VMXVMFunc.String(), supported)
	}
	if !vmx.EPTPSwitching.Bits.IsEnabled(controls) {
		return nil
	}
	ept := v.on(vmx.EnableEPT)
	list := v.u(vmx.EPTPListAddress)
	if v.err != nil {
		return v.err
	}
	if !ept {
		return violationf("EPTP switching requires enable EPT")
	}
	return pageAddress(c, vmx.EPTPListAddress.Name, list)
}

func vmcsShadowing(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.VMCSShadowing) {
		return v.err
	}
	r, w := v.u(vmx.VMReadBitmap), v.u(vmx.VMWriteBitmap)
	if v.err != nil {
		return v.err
	}
	if err := pageAddress(c, vmx.VMReadBitmap.Name, r); err != nil {
		return err
	}
	return pageAddress(c, vmx.VMWriteBitmap.Name, w)
}

func eptViolationVE(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.EPTViolationVE) {
		return v.err
	}
	addr := v.u(vmx.VEInformationAddress)
	if v.err != nil {
		return v.err
	}
	return pageAddress(c, vmx.VEInformationAddress.Name, addr)
}

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
	"errors"

	"gvisor.dev/vmxctl/pkg/hostarch"
	"gvisor.dev/vmxctl/pkg/msr"
	"gvisor.dev/vmxctl/pkg/vmx"
)

var hostChecks = []Check{
	{Host, "host_cr0", fixedBits(vmx.HostCR0, msr.VMXCR0Fixed0, msr.VMXCR0Fixed1)},
	{Host, "host_cr4", fixedBits(vmx.HostCR4, msr.VMXCR4Fixed0, msr.VMXCR4Fixed1)},
	{Host, "host_cr3", hostCR3},
	{Host, "host_sysenter", hostSysenter},
	{Host, "host_perf_global_ctrl", hostPerfGlobalCtrl},
	{Host, "host_pat", hostPAT},
	{Host, "host_efer", hostEFER},
	{Host, "host_selectors", hostSelectors},
	{Host, "host_base_addresses", hostBaseAddresses},
	{Host, "host_address_space", hostAddressSpace},
}

// fixedBits checks a control register against its FIXED0 (must be 1) and
// FIXED1 (may be 1) capability MSRs.
func fixedBits(f vmx.Field, fixed0, fixed1 msr.Address) func(c *vmx.CPU) error {
	return func(c *vmx.CPU) error {
		v := newView(c)
		value := v.u(f)
		f0 := v.capability(fixed0)
		f1 := v.capability(fixed1)
		if v.err != nil {
			return v.err
		}
		if missing := f0 &^ value; missing != 0 {
			return violationf("%s bits %#x must be set in VMX operation", f.Name, missing).
				with(f.Name, value).with(fixed0.String(), f0)
		}
		if extra := value &^ f1; extra != 0 {
			return violationf("%s bits %#x must be clear in VMX operation", f.Name, extra).
				with(f.Name, value).with(fixed1.String(), f1)
		}
		return nil
	}
}

func hostCR3(c *vmx.CPU) error {
	v := newView(c)
	cr3 := v.u(vmx.HostCR3)
	if v.err != nil {
		return v.err
	}
	if !hostarch.Addr(cr3).IsPhysicallyValid(c.PhysicalAddressBits()) {
		return violationf("host CR3 exceeds the %d-bit physical address width", c.PhysicalAddressBits()).with(vmx.HostCR3.Name, cr3)
	}
	return nil
}

func canonical(c *vmx.CPU, fields ...vmx.Field) error {
	v := newView(c)
	for _, f := range fields {
		addr := v.u(f)
		if v.err != nil {
			return v.err
		}
		if !hostarch.Addr(addr).IsCanonical(c.LinearAddressBits()) {
			return violationf("%s is not canonical", f.Name).with(f.Name, addr)
		}
	}
	return nil
}

func hostSysenter(c *vmx.CPU) error {
	return canonical(c, vmx.HostSysenterESP, vmx.HostSysenterEIP)
}

func hostPerfGlobalCtrl(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.ExitLoadPerfGlobalCtrl) {
		return v.err
	}
	value := v.u(vmx.HostPerfGlobalCtrl)
	if v.err != nil {
		return v.err
	}
	if value&vmx.PerfGlobalCtrlReserved != 0 {
		return violationf("host IA32_PERF_GLOBAL_CTRL reserved bits are set").with(vmx.HostPerfGlobalCtrl.Name, value)
	}
	return nil
}

func hostPAT(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.ExitLoadPAT) {
		return v.err
	}
	pat := v.u(vmx.HostPAT)
	if v.err != nil {
		return v.err
	}
	for i := 0; i < 8; i++ {
		if mt := hostarch.MemoryType(pat >> (8 * i)); !mt.ValidPAT() {
			return violationf("host PAT entry %d has invalid memory type %#x", i, uint8(mt)).with(vmx.HostPAT.Name, pat)
		}
	}
	return nil
}

func hostEFER(c *vmx.CPU) error {
	v := newView(c)
	if !v.on(vmx.ExitLoadEFER) {
		return v.err
	}
	efer := v.u(vmx.HostEFER)
	longMode := v.on(vmx.HostAddressSpaceSize)
	if v.err != nil {
		return v.err
	}
	if efer&vmx.EFERReserved != 0 {
		return violationf("host IA32_EFER reserved bits are set").with(vmx.HostEFER.Name, efer)
	}
	if vmx.EFERLMA.IsEnabled(efer) != longMode {
		return violationf("host IA32_EFER.LMA does not match host address-space size").with(vmx.HostEFER.Name, efer)
	}
	if vmx.EFERLME.IsEnabled(efer) != longMode {
		return violationf("host IA32_EFER.LME does not match host address-space size").with(vmx.HostEFER.Name, efer)
	}
	return nil
}

func hostSelectors(c *vmx.CPU) error {
	v := newView(c)
	for _, sel := range vmx.HostSelectors {
		value := v.u(sel.Field)
		if v.err != nil {
			return v.err
		}
		if sel.RPL().Bits.IsEnabled(value) {
			return violationf("%s RPL is not zero", sel.Field.Name).with(sel.Field.Name, value)
		}
		if sel.TI().Bits.IsEnabled(value) {
			return violationf("%s TI is not zero", sel.Field.Name).with(sel.Field.Name, value)
		}
	}
	cs, tr, ss := v.u(vmx.HostCS), v.u(vmx.HostTR), v.u(vmx.HostSS)
	longMode := v.on(vmx.HostAddressSpaceSize)
	if v.err != nil {
		return v.err
	}
	if cs == 0 {
		return violationf("host CS selector is null")
	}
	if tr == 0 {
		return violationf("host TR selector is null")
	}
	if ss == 0 && !longMode {
		return violationf("host SS selector is null with a 32-bit host")
	}
	return nil
}

func hostBaseAddresses(c *vmx.CPU) error {
	return canonical(c, vmx.HostFSBase, vmx.HostGSBase, vmx.HostGDTRBase, vmx.HostIDTRBase, vmx.HostTRBase)
}

// inLongMode reports whether the processor running the VMM is in IA-32e
// mode. Without an IA32_EFER reading a 64-bit VMM is assumed.
func inLongMode(c *vmx.CPU) (bool, error) {
	efer, err := c.ReadMSR(msr.EFER)
	if errors.Is(err, msr.ErrNotPresent) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return vmx.EFERLMA.IsEnabled(efer), nil
}

func hostAddressSpace(c *vmx.CPU) error {
	v := newView(c)
	hostLong := v.on(vmx.HostAddressSpaceSize)
	guestLong := v.on(vmx.IA32eModeGuest)
	cr4 := v.u(vmx.HostCR4)
	rip := v.u(vmx.HostRIP)
	if v.err != nil {
		return v.err
	}
	lma, err := inLongMode(c)
	if err != nil {
		return err
	}

	if lma && !hostLong {
		return violationf("host address-space size is clear on a processor in IA-32e mode")
	}
	if !lma && hostLong {
		return violationf("host address-space size is set on a processor outside IA-32e mode")
	}
	if !hostLong {
		if guestLong {
			return violationf("IA-32e mode guest requires host address-space size")
		}
		if vmx.CR4PCIDE.IsEnabled(cr4) {
			return violationf("host CR4.PCIDE is set with a 32-bit host").with(vmx.HostCR4.Name, cr4)
		}
		if rip>>32 != 0 {
			return violationf("host RIP bits 63:32 are not zero with a 32-bit host").with(vmx.HostRIP.Name, rip)
		}
		return nil
	}
	if !vmx.CR4PAE.IsEnabled(cr4) {
		return violationf("host CR4.PAE is clear with a 64-bit host").with(vmx.HostCR4.Name, cr4)
	}
	if !hostarch.Addr(rip).IsCanonical(c.LinearAddressBits()) {
		return violationf("host RIP is not canonical").with(vmx.HostRIP.Name, rip)
	}
	return nil
}

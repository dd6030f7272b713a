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

// Package vmxtest provides a consistent, entry-ready control block for
// tests.
package vmxtest

import (
	"testing"

	"gvisor.dev/vmxctl/pkg/cpuid"
	"gvisor.dev/vmxctl/pkg/msr"
	"gvisor.dev/vmxctl/pkg/vmx"
)

// Physical and linear address widths reported by Features.
const (
	PhysicalAddressBits = 39
	LinearAddressBits   = 48
)

// Addresses of structures referenced by ControlBlock.
const (
	HostCR3   = 0x1000
	EPTRoot   = 0x5000
	MSRBitmap = 0x10000
)

func capability(allowed0, allowed1 uint32) uint64 {
	return uint64(allowed1)<<32 | uint64(allowed0)
}

// Capabilities returns the capability MSRs of a processor supporting TRUE
// controls, EPT with write-back four-level walks and accessed/dirty flags,
// VPID, and EPTP switching.
func Capabilities() msr.Static {
	return msr.Static{
		msr.VMXBasic: vmx.BasicRevision.Set(0, 4) |
			vmx.BasicRegionSize.Set(0, 0x1000) |
			vmx.BasicMemoryType.Set(0, 6) |
			vmx.BasicTrueControls.Mask,
		msr.VMXPinBasedCtls:   capability(0x16, 0xff),
		msr.VMXTruePinbased:   capability(0x16, 0xff),
		msr.VMXProcBasedCtls:  capability(0x0401e172, 0xfff9fffe),
		msr.VMXTrueProcbased:  capability(0x04006172, 0xfff9fffe),
		msr.VMXProcBasedCtls2: capability(0, 0x1fffffff),
		msr.VMXExitCtls:       capability(0x00036dff, 0x3fffffff),
		msr.VMXTrueExit:       capability(0x00036dfb, 0x3fffffff),
		msr.VMXEntryCtls:      capability(0x000011ff, 0x0003ffff),
		msr.VMXTrueEntry:      capability(0x000011fb, 0x0003ffff),
		msr.VMXMisc:           vmx.MiscCR3Targets.Set(0, 4) | vmx.MiscPreemptionTimerRate.Set(0, 5),
		msr.VMXCR0Fixed0:      0x80000021,
		msr.VMXCR0Fixed1:      0xffffffff,
		msr.VMXCR4Fixed0:      0x2000,
		msr.VMXCR4Fixed1:      0x3767ff,
		msr.VMXEPTVPIDCap: vmx.EPTCapExecuteOnly.Mask |
			vmx.EPTCapWalkLength4.Mask |
			vmx.EPTCapUncacheable.Mask |
			vmx.EPTCapWriteBack.Mask |
			vmx.EPTCap2MBPages.Mask |
			vmx.EPTCapINVEPT.Mask |
			vmx.EPTCapAccessedDirty.Mask |
			vmx.EPTCapINVVPID.Mask,
		msr.VMXVMFunc: 1,
		msr.EFER:      vmx.EFERSCE.Mask | vmx.EFERLME.Mask | vmx.EFERLMA.Mask | vmx.EFERNXE.Mask,
	}
}

// Features returns a CPUID feature set with VMX and the address widths
// above.
func Features() cpuid.FeatureSet {
	return cpuid.Static{}.
		Add(cpuid.X86FeatureVMX).
		Add(cpuid.X86FeaturePAE).
		WithAddressSizes(PhysicalAddressBits, LinearAddressBits).
		ToFeatureSet()
}

// ControlBlock returns a control block that passes every check: a 64-bit
// host entering a 64-bit guest with EPT, VPID and MSR bitmaps.
func ControlBlock() *vmx.Static {
	s := vmx.NewStatic()
	for addr, v := range Capabilities() {
		s.SetMSR(addr, v)
	}
	efer := vmx.EFERSCE.Mask | vmx.EFERLME.Mask | vmx.EFERLMA.Mask | vmx.EFERNXE.Mask
	return s.
		Set(vmx.PinBasedControls, 0x16).
		Set(vmx.PrimaryControls, 0x04006172|
			vmx.UseMSRBitmaps.Bits.Mask|
			vmx.ActivateSecondaryControls.Bits.Mask).
		Set(vmx.SecondaryControls, vmx.EnableEPT.Bits.Mask|
			vmx.EnableRDTSCP.Bits.Mask|
			vmx.EnableVPID.Bits.Mask).
		Set(vmx.ExitControls, 0x00036dfb|
			vmx.HostAddressSpaceSize.Bits.Mask|
			vmx.AcknowledgeInterrupt.Bits.Mask|
			vmx.ExitLoadPAT.Bits.Mask|
			vmx.ExitLoadEFER.Bits.Mask).
		Set(vmx.EntryControls, 0x000011fb|vmx.IA32eModeGuest.Bits.Mask).
		Set(vmx.MSRBitmap, MSRBitmap).
		Set(vmx.EPTPointer, EPTRoot|
			vmx.EPTPMemoryType.Bits.Set(0, 6)|
			vmx.EPTPWalkLength.Bits.Set(0, 3)).
		Set(vmx.VPID, 1).
		Set(vmx.VMCSLinkPointer, ^uint64(0)).
		Set(vmx.GuestCR0, 0x80000031).
		Set(vmx.GuestCR4, 0x2020).
		Set(vmx.HostCR0, 0x80050033).
		Set(vmx.HostCR3, HostCR3).
		Set(vmx.HostCR4, 0x22a0).
		Set(vmx.HostCS, 0x10).
		Set(vmx.HostSS, 0x18).
		Set(vmx.HostTR, 0x40).
		Set(vmx.HostGSBase, 0xffff888000000000).
		Set(vmx.HostTRBase, 0xfffffe0000003000).
		Set(vmx.HostGDTRBase, 0xfffffe0000001000).
		Set(vmx.HostIDTRBase, 0xfffffe0000000000).
		Set(vmx.HostPAT, 0x0007040600070406).
		Set(vmx.HostEFER, efer).
		Set(vmx.HostRSP, 0xffffc90000004000).
		Set(vmx.HostRIP, 0xffffffff81000000)
}

// NewCPU returns a CPU over s with Features, failing the test on error.
func NewCPU(tb testing.TB, id int, s *vmx.Static) *vmx.CPU {
	tb.Helper()
	c, err := vmx.NewCPU(id, s, Features())
	if err != nil {
		tb.Fatalf("vmx.NewCPU: %v", err)
	}
	return c
}

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

const nonCanonical = 0x0000800000000000

func TestHostControlRegisters(t *testing.T) {
	runCases(t, []ruleCase{
		{"cr0 pe clear", clearBits(vmx.HostCR0, vmx.CR0PE.Mask), "host_cr0"},
		{"cr0 pg clear", clearBits(vmx.HostCR0, vmx.CR0PG.Mask), "host_cr0"},
		{"cr4 vmxe clear", clearBits(vmx.HostCR4, vmx.CR4VMXE.Mask), "host_cr4"},
		{"cr4 unsupported bit", setBits(vmx.HostCR4, 1<<23), "host_cr4"},
		{"cr3 too wide", set(vmx.HostCR3, 1<<39), "host_cr3"},
		{"sysenter esp", set(vmx.HostSysenterESP, nonCanonical), "host_sysenter"},
		{"sysenter eip", set(vmx.HostSysenterEIP, 0xffff7fffffffffff), "host_sysenter"},
	})
}

func TestHostMSRs(t *testing.T) {
	perf := enable(vmx.ExitLoadPerfGlobalCtrl)
	runCases(t, []ruleCase{
		{"perf global ctrl counters", all(perf, set(vmx.HostPerfGlobalCtrl, 0xff|0x7<<32)), ""},
		{"perf global ctrl reserved", all(perf, set(vmx.HostPerfGlobalCtrl, 1<<8)), "host_perf_global_ctrl"},
		{"perf global ctrl not loaded", set(vmx.HostPerfGlobalCtrl, 1<<8), ""},

		{"pat entry 2", set(vmx.HostPAT, 0x0007040600070402), "host_pat"},
		{"pat entry 7", set(vmx.HostPAT, 0x0807040600070406), "host_pat"},
		{"pat not loaded", all(disable(vmx.ExitLoadPAT), set(vmx.HostPAT, 0x0007040600070402)), ""},

		{"efer reserved", setBits(vmx.HostEFER, 1<<1), "host_efer"},
		{"efer lma clear", clearBits(vmx.HostEFER, vmx.EFERLMA.Mask), "host_efer"},
		{"efer lme clear", clearBits(vmx.HostEFER, vmx.EFERLME.Mask), "host_efer"},
		{"efer not loaded", all(disable(vmx.ExitLoadEFER), set(vmx.HostEFER, 0xffff)), ""},
	})
}

func TestHostSegments(t *testing.T) {
	runCases(t, []ruleCase{
		{"ds rpl", set(vmx.HostDS, 0x3), "host_selectors"},
		{"es ti", set(vmx.HostES, 0x4), "host_selectors"},
		{"tr rpl", set(vmx.HostTR, 0x43), "host_selectors"},
		{"null cs", set(vmx.HostCS, 0), "host_selectors"},
		{"null tr", set(vmx.HostTR, 0), "host_selectors"},
		{"null ss", set(vmx.HostSS, 0), ""},

		{"fs base", set(vmx.HostFSBase, nonCanonical), "host_base_addresses"},
		{"gs base", set(vmx.HostGSBase, nonCanonical), "host_base_addresses"},
		{"gdtr base", set(vmx.HostGDTRBase, nonCanonical), "host_base_addresses"},
		{"idtr base", set(vmx.HostIDTRBase, nonCanonical), "host_base_addresses"},
		{"tr base", set(vmx.HostTRBase, nonCanonical), "host_base_addresses"},
	})
}

func TestHostAddressSpace(t *testing.T) {
	sce := vmx.EFERSCE.Mask
	host32 := all(
		disable(vmx.HostAddressSpaceSize, vmx.IA32eModeGuest),
		setMSR(msr.EFER, sce),
		set(vmx.HostEFER, sce),
		set(vmx.HostRIP, 0xc1000000))
	runCases(t, []ruleCase{
		{"rip not canonical", set(vmx.HostRIP, nonCanonical), "host_address_space"},
		{"cr4 pae clear", clearBits(vmx.HostCR4, vmx.CR4PAE.Mask), "host_address_space"},
		{"processor outside ia-32e mode", setMSR(msr.EFER, sce), "host_address_space"},
		{"processor efer unavailable", deleteMSR(msr.EFER), ""},
		{"64-bit host on a 32-bit processor", all(host32, enable(vmx.HostAddressSpaceSize), set(vmx.HostEFER, sce|vmx.EFERLME.Mask|vmx.EFERLMA.Mask)), "host_address_space"},

		{"32-bit host", host32, ""},
		{"32-bit host with null ss", all(host32, set(vmx.HostSS, 0)), "host_selectors"},
		{"32-bit host with ia-32e guest", all(host32, enable(vmx.IA32eModeGuest)), "host_address_space"},
		{"32-bit host with pcide", all(host32, setBits(vmx.HostCR4, vmx.CR4PCIDE.Mask)), "host_address_space"},
		{"32-bit host with high rip", all(host32, set(vmx.HostRIP, 0x1c1000000)), "host_address_space"},
		{"32-bit host on a 64-bit processor", all(host32, deleteMSR(msr.EFER)), "host_address_space"},
	})
}

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

// Package msr provides read access to model-specific registers.
//
// The VMX capability reporting facility lives entirely in MSRs, so every
// capability decision in this module is made through a Reader. Native reads
// the host through the Linux msr driver; Static serves fixed values in tests
// and when checking a recorded control block offline.
package msr

import (
	"errors"
	"fmt"
	"strconv"
)

// Address is an MSR index as used by RDMSR.
type Address uint32

// VMX capability reporting MSRs.
const (
	VMXBasic          Address = 0x480
	VMXPinBasedCtls   Address = 0x481
	VMXProcBasedCtls  Address = 0x482
	VMXExitCtls       Address = 0x483
	VMXEntryCtls      Address = 0x484
	VMXMisc           Address = 0x485
	VMXCR0Fixed0      Address = 0x486
	VMXCR0Fixed1      Address = 0x487
	VMXCR4Fixed0      Address = 0x488
	VMXCR4Fixed1      Address = 0x489
	VMXVMCSEnum       Address = 0x48a
	VMXProcBasedCtls2 Address = 0x48b
	VMXEPTVPIDCap     Address = 0x48c
	VMXTruePinbased   Address = 0x48d
	VMXTrueProcbased  Address = 0x48e
	VMXTrueExit       Address = 0x48f
	VMXTrueEntry      Address = 0x490
	VMXVMFunc         Address = 0x491
	VMXProcBasedCtls3 Address = 0x492
)

// Architectural MSRs consulted by host-state checks.
const (
	FeatureControl Address = 0x3a
	SysenterCS     Address = 0x174
	SysenterESP    Address = 0x175
	SysenterEIP    Address = 0x176
	PAT            Address = 0x277
	PerfGlobalCtrl Address = 0x38f
	EFER           Address = 0xc0000080
	FSBase         Address = 0xc0000100
	GSBase         Address = 0xc0000101
)

var names = map[Address]string{
	VMXBasic:          "IA32_VMX_BASIC",
	VMXPinBasedCtls:   "IA32_VMX_PINBASED_CTLS",
	VMXProcBasedCtls:  "IA32_VMX_PROCBASED_CTLS",
	VMXExitCtls:       "IA32_VMX_EXIT_CTLS",
	VMXEntryCtls:      "IA32_VMX_ENTRY_CTLS",
	VMXMisc:           "IA32_VMX_MISC",
	VMXCR0Fixed0:      "IA32_VMX_CR0_FIXED0",
	VMXCR0Fixed1:      "IA32_VMX_CR0_FIXED1",
	VMXCR4Fixed0:      "IA32_VMX_CR4_FIXED0",
	VMXCR4Fixed1:      "IA32_VMX_CR4_FIXED1",
	VMXVMCSEnum:       "IA32_VMX_VMCS_ENUM",
	VMXProcBasedCtls2: "IA32_VMX_PROCBASED_CTLS2",
	VMXEPTVPIDCap:     "IA32_VMX_EPT_VPID_CAP",
	VMXTruePinbased:   "IA32_VMX_TRUE_PINBASED_CTLS",
	VMXTrueProcbased:  "IA32_VMX_TRUE_PROCBASED_CTLS",
	VMXTrueExit:       "IA32_VMX_TRUE_EXIT_CTLS",
	VMXTrueEntry:      "IA32_VMX_TRUE_ENTRY_CTLS",
	VMXVMFunc:         "IA32_VMX_VMFUNC",
	VMXProcBasedCtls3: "IA32_VMX_PROCBASED_CTLS3",
	FeatureControl:    "IA32_FEATURE_CONTROL",
	SysenterCS:        "IA32_SYSENTER_CS",
	SysenterESP:       "IA32_SYSENTER_ESP",
	SysenterEIP:       "IA32_SYSENTER_EIP",
	PAT:               "IA32_PAT",
	PerfGlobalCtrl:    "IA32_PERF_GLOBAL_CTRL",
	EFER:              "IA32_EFER",
	FSBase:            "IA32_FS_BASE",
	GSBase:            "IA32_GS_BASE",
}

// String implements fmt.Stringer.String.
func (a Address) String() string {
	if n, ok := names[a]; ok {
		return n
	}
	return fmt.Sprintf("MSR(%#x)", uint32(a))
}

// ParseAddress accepts either an architectural name or a numeric index.
func ParseAddress(s string) (Address, error) {
	for a, n := range names {
		if n == s {
			return a, nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown MSR %q", s)
	}
	return Address(v), nil
}

// ErrNotPresent is returned when an MSR is not implemented by the processor
// (or not recorded in a Static table).
var ErrNotPresent = errors.New("msr not present")

// Reader reads model-specific registers of a single logical CPU.
type Reader interface {
	ReadMSR(addr Address) (uint64, error)
}

// Static is a fixed set of MSR values.
type Static map[Address]uint64

// ReadMSR implements Reader.ReadMSR.
func (s Static) ReadMSR(addr Address) (uint64, error) {
	v, ok := s[addr]
	if !ok {
		return 0, fmt.Errorf("%v: %w", addr, ErrNotPresent)
	}
	return v, nil
}

// Overlay reads from Top and falls back to Base for MSRs Top does not have.
//
// This lets a recorded control block override a subset of the host's
// capability MSRs.
type Overlay struct {
	Top  Reader
	Base Reader
}

// ReadMSR implements Reader.ReadMSR.
func (o Overlay) ReadMSR(addr Address) (uint64, error) {
	v, err := o.Top.ReadMSR(addr)
	if err == nil || !errors.Is(err, ErrNotPresent) || o.Base == nil {
		return v, err
	}
	return o.Base.ReadMSR(addr)
}

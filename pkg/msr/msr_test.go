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

package msr

import (
	"errors"
	"testing"
)

func TestStatic(t *testing.T) {
	s := Static{VMXBasic: 0xda0400000004}
	v, err := s.ReadMSR(VMXBasic)
	if err != nil || v != 0xda0400000004 {
		t.Errorf("ReadMSR(VMXBasic) = %#x, %v", v, err)
	}
	if _, err := s.ReadMSR(VMXVMFunc); !errors.Is(err, ErrNotPresent) {
		t.Errorf("ReadMSR(VMXVMFunc) err = %v, want ErrNotPresent", err)
	}
}

func TestOverlay(t *testing.T) {
	o := Overlay{
		Top:  Static{VMXPinBasedCtls: 1},
		Base: Static{VMXPinBasedCtls: 2, VMXExitCtls: 3},
	}
	for _, tc := range []struct {
		addr Address
		want uint64
	}{
		{VMXPinBasedCtls, 1},
		{VMXExitCtls, 3},
	} {
		got, err := o.ReadMSR(tc.addr)
		if err != nil || got != tc.want {
			t.Errorf("ReadMSR(%v) = %d, %v; want %d", tc.addr, got, err, tc.want)
		}
	}
	if _, err := o.ReadMSR(VMXMisc); !errors.Is(err, ErrNotPresent) {
		t.Errorf("ReadMSR(VMXMisc) err = %v, want ErrNotPresent", err)
	}
}

func TestParseAddress(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Address
	}{
		{"IA32_VMX_BASIC", VMXBasic},
		{"IA32_EFER", EFER},
		{"0x48b", VMXProcBasedCtls2},
		{"1152", VMXBasic},
	} {
		got, err := ParseAddress(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseAddress(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseAddress("IA32_BOGUS"); err == nil {
		t.Errorf("ParseAddress(IA32_BOGUS) succeeded")
	}
}

func TestString(t *testing.T) {
	if got := VMXTrueEntry.String(); got != "IA32_VMX_TRUE_ENTRY_CTLS" {
		t.Errorf("String() = %q", got)
	}
	if got := Address(0x1234).String(); got != "MSR(0x1234)" {
		t.Errorf("String() = %q", got)
	}
}

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
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmxctl/pkg/cpuid"
	"gvisor.dev/vmxctl/pkg/msr"
)

func testFeatures() cpuid.FeatureSet {
	return cpuid.Static{}.Add(cpuid.X86FeatureVMX).WithAddressSizes(39, 48).ToFeatureSet()
}

// countingBackend counts MSR reads.
type countingBackend struct {
	*Static
	msrReads int
}

func (b *countingBackend) ReadMSR(addr msr.Address) (uint64, error) {
	b.msrReads++
	return b.Static.ReadMSR(addr)
}

func TestNewCPUNilBackend(t *testing.T) {
	if _, err := NewCPU(0, nil, testFeatures()); !errors.Is(err, ErrNilBackend) {
		t.Errorf("NewCPU(nil) = %v, want ErrNilBackend", err)
	}
}

func TestEncoding(t *testing.T) {
	for _, tc := range []struct {
		f     Field
		width Width
		typ   Type
	}{
		{VPID, Width16, TypeControl},
		{HostCS, Width16, TypeHost},
		{EPTPointer, Width64, TypeControl},
		{PinBasedControls, Width32, TypeControl},
		{ExitReason, Width32, TypeReadOnly},
		{GuestCR0, WidthNatural, TypeGuest},
		{HostRIP, WidthNatural, TypeHost},
	} {
		if got := tc.f.Width(); got != tc.width {
			t.Errorf("%s: Width() = %v, want %v", tc.f, got, tc.width)
		}
		if got := tc.f.Encoding.Type(); got != tc.typ {
			t.Errorf("%s: Type() = %v, want %v", tc.f, got, tc.typ)
		}
	}
}

func TestFieldNamesUnique(t *testing.T) {
	names := make(map[string]bool)
	encodings := make(map[Encoding]bool)
	for _, f := range Fields() {
		if names[f.Name] {
			t.Errorf("duplicate field name %q", f.Name)
		}
		if encodings[f.Encoding] {
			t.Errorf("duplicate encoding %v", f.Encoding)
		}
		names[f.Name] = true
		encodings[f.Encoding] = true
	}
}

func TestFieldByName(t *testing.T) {
	if f, ok := FieldByName("host_cr4"); !ok || f.Encoding != HostCR4.Encoding {
		t.Errorf("FieldByName(host_cr4) = %v, %v", f, ok)
	}
	if f, ok := FieldByName("0x4002"); !ok || f.Name != PrimaryControls.Name {
		t.Errorf("FieldByName(0x4002) = %v, %v", f, ok)
	}
	if _, ok := FieldByName("no_such_field"); ok {
		t.Errorf("FieldByName(no_such_field) succeeded")
	}
}

func TestReadTruncatesToWidth(t *testing.T) {
	s := NewStatic()
	s.Fields[HostCS.Encoding] = 0x12345678
	c, _ := NewCPU(0, s, testFeatures())
	if v, err := c.Read(HostCS); err != nil || v != 0x5678 {
		t.Errorf("Read(host_cs) = %#x, %v; want 0x5678", v, err)
	}
	if err := c.Write(HostCS, 0xabcdef); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := s.Fields[HostCS.Encoding]; got != 0xcdef {
		t.Errorf("stored %#x, want 0xcdef", got)
	}
}

func TestWriteReadOnly(t *testing.T) {
	c, _ := NewCPU(0, NewStatic(), testFeatures())
	if err := c.Write(ExitReason, 1); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Write(exit_reason) = %v, want ErrReadOnly", err)
	}
}

func TestExistsAndLookup(t *testing.T) {
	s := NewStatic().
		SetMSR(msr.VMXProcBasedCtls, uint64(1<<31)<<32).
		SetMSR(msr.VMXProcBasedCtls2, uint64(1<<1)<<32)
	c, _ := NewCPU(0, s, testFeatures())

	if !c.Exists(EPTPointer) {
		t.Errorf("Exists(ept_pointer) = false with enable_ept allowed")
	}
	if c.Exists(VPID) {
		t.Errorf("Exists(vpid) = true with enable_vpid not allowed")
	}
	if _, ok := c.Lookup(PMLAddress); ok {
		t.Errorf("Lookup(pml_address) found a field the processor lacks")
	}
	if f, ok := c.Lookup(GuestCR0); !ok || f.Name != GuestCR0.Name {
		t.Errorf("Lookup(guest_cr0) = %v, %v", f, ok)
	}
	if _, err := c.Read(VPID); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Read(vpid) = %v, want ErrNotSupported", err)
	}
	if err := c.Write(VPID, 1); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Write(vpid) = %v, want ErrNotSupported", err)
	}
}

func TestCapabilityCachedPerCPU(t *testing.T) {
	b := &countingBackend{Static: NewStatic().SetMSR(msr.VMXPinBasedCtls, 1<<32)}
	c, _ := NewCPU(0, b, testFeatures())
	for i := 0; i < 3; i++ {
		if _, err := c.Capability(msr.VMXPinBasedCtls); err != nil {
			t.Fatalf("Capability: %v", err)
		}
	}
	if b.msrReads != 1 {
		t.Errorf("capability MSR read %d times, want 1", b.msrReads)
	}

	// A second CPU on the same backend never sees the first CPU's cache.
	other, _ := NewCPU(1, b, testFeatures())
	if _, err := other.Capability(msr.VMXPinBasedCtls); err != nil {
		t.Fatalf("Capability: %v", err)
	}
	if b.msrReads != 2 {
		t.Errorf("capability MSR read %d times across two CPUs, want 2", b.msrReads)
	}
}

func TestSubAccess(t *testing.T) {
	s := NewStatic()
	c, _ := NewCPU(0, s, testFeatures())

	if err := InterruptionVector.Set(c, 0x10e); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _ := InterruptionVector.Get(c); v != 0x0e {
		t.Errorf("vector = %#x, want 0x0e (truncated)", v)
	}
	if err := InterruptionValid.Enable(c); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if on, _ := InterruptionValid.IsEnabled(c); !on {
		t.Errorf("valid bit not enabled")
	}
	if err := InterruptionValid.Disable(c); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if off, _ := InterruptionValid.IsDisabled(c); !off {
		t.Errorf("valid bit not disabled")
	}
	if got := InterruptionVector.Dump(c); got != "vmentry_interruption_information.vector: 0xe" {
		t.Errorf("Dump() = %q", got)
	}
}

func TestControlEnableRefusesDisallowed(t *testing.T) {
	s := NewStatic().SetMSR(msr.VMXPinBasedCtls, uint64(1<<3)<<32)
	c, _ := NewCPU(0, s, testFeatures())

	if err := NMIExiting.Enable(c); err != nil {
		t.Errorf("Enable(nmi_exiting) = %v", err)
	}
	var ce *ControlError
	if err := VirtualNMIs.Enable(c); !errors.As(err, &ce) {
		t.Errorf("Enable(virtual_nmis) = %v, want *ControlError", err)
	}
	if got := s.Fields[PinBasedControls.Encoding]; got != 1<<3 {
		t.Errorf("pin-based controls = %#x, want %#x", got, 1<<3)
	}
}

func TestControlActivation(t *testing.T) {
	s := NewStatic().
		SetMSR(msr.VMXProcBasedCtls, uint64(1<<31)<<32).
		SetMSR(msr.VMXProcBasedCtls2, uint64(0xff)<<32).
		Set(SecondaryControls, 1<<1)
	c, _ := NewCPU(0, s, testFeatures())

	if on, err := EnableEPT.IsEnabled(c); err != nil || on {
		t.Errorf("EnableEPT.IsEnabled() = %v, %v with secondary controls inactive", on, err)
	}
	s.Set(PrimaryControls, 1<<31)
	if on, err := EnableEPT.IsEnabled(c); err != nil || !on {
		t.Errorf("EnableEPT.IsEnabled() = %v, %v with secondary controls active", on, err)
	}
}

func TestControlMissingField(t *testing.T) {
	// Without secondary controls the field does not exist; its controls
	// read as disabled rather than failing.
	c, _ := NewCPU(0, NewStatic().SetMSR(msr.VMXProcBasedCtls, 0), testFeatures())
	if on, err := EnableVPID.IsEnabled(c); err != nil || on {
		t.Errorf("EnableVPID.IsEnabled() = %v, %v", on, err)
	}
	if EnableVPID.Exists(c) {
		t.Errorf("EnableVPID.Exists() = true")
	}
}

func TestSelectors(t *testing.T) {
	s := NewStatic().Set(HostCS, 0x13)
	c, _ := NewCPU(0, s, testFeatures())
	sel := Selector{HostCS}
	got := map[string]uint64{}
	for _, sub := range []Sub{sel.RPL(), sel.TI(), sel.Index()} {
		v, err := sub.Get(c)
		if err != nil {
			t.Fatalf("%v: %v", sub, err)
		}
		got[sub.Name()] = v
	}
	want := map[string]uint64{
		"host_cs_selector.rpl":   3,
		"host_cs_selector.ti":    0,
		"host_cs_selector.index": 2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("selector mismatch (-want +got):\n%s", diff)
	}
}

func TestControlGroupsDoNotOverlap(t *testing.T) {
	for _, g := range ControlGroups() {
		seen := uint64(0)
		for _, ctl := range g.Controls {
			if ctl.Field.Encoding != g.Field.Encoding {
				t.Errorf("%s belongs to %s, not %s", ctl.Name(), ctl.Field.Name, g.Field.Name)
			}
			if seen&ctl.Bits.Mask != 0 {
				t.Errorf("%s overlaps another control", ctl.Name())
			}
			seen |= ctl.Bits.Mask
		}
	}
}

const controlBlock = `
[fields]
pin_based_vm_execution_controls = 0x16
"0x4002" = 0x84006172
host_rip = "0xffffffff81000000"

[msrs]
IA32_VMX_BASIC = "0xda0400000004"
"0x481" = 0x7f00000016

[memory]
"0x5080" = 0x20
`

func TestDecodeControlBlock(t *testing.T) {
	s, err := DecodeControlBlock(strings.NewReader(controlBlock))
	if err != nil {
		t.Fatalf("DecodeControlBlock: %v", err)
	}
	wantFields := map[Encoding]uint64{
		PinBasedControls.Encoding: 0x16,
		PrimaryControls.Encoding:  0x84006172,
		HostRIP.Encoding:          0xffffffff81000000,
	}
	if diff := cmp.Diff(wantFields, s.Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
	wantMSRs := msr.Static{
		msr.VMXBasic:        0xda0400000004,
		msr.VMXPinBasedCtls: 0x7f00000016,
	}
	if diff := cmp.Diff(wantMSRs, s.MSRs); diff != "" {
		t.Errorf("msrs mismatch (-want +got):\n%s", diff)
	}
	buf := make([]byte, 2)
	if err := s.ReadPhysical(0x5080, buf); err != nil || buf[0] != 0x20 || buf[1] != 0 {
		t.Errorf("ReadPhysical = %v, %v", buf, err)
	}
}

func TestDecodeControlBlockErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field":  "[fields]\nbogus = 1\n",
		"too wide":       "[fields]\nhost_cs_selector = 0x10000\n",
		"bad msr":        "[msrs]\nIA32_BOGUS = 1\n",
		"bad memory":     "[memory]\n\"0x10\" = 0x100\n",
		"unknown table":  "[registers]\nrax = 1\n",
		"malformed toml": "[fields\n",
		"bad value":      "[fields]\nhost_rip = \"rip\"\n",
	} {
		if _, err := DecodeControlBlock(strings.NewReader(doc)); err == nil {
			t.Errorf("%s: DecodeControlBlock succeeded", name)
		}
	}
}

func TestClone(t *testing.T) {
	s := NewStatic().Set(HostCR3, 0x1000).SetMSR(msr.VMXBasic, 1)
	s.WritePhysical(0x2000, []byte{1, 2})
	c := s.Clone()
	c.Set(HostCR3, 0x2000).SetMSR(msr.VMXBasic, 2)
	c.WritePhysical(0x2000, []byte{9})

	if got := s.Fields[HostCR3.Encoding]; got != 0x1000 {
		t.Errorf("original host_cr3 = %#x after clone mutation", got)
	}
	if got := s.MSRs[msr.VMXBasic]; got != 1 {
		t.Errorf("original basic = %#x after clone mutation", got)
	}
	if got := s.Memory[0x2000]; got != 1 {
		t.Errorf("original memory = %#x after clone mutation", got)
	}
	if got := c.Memory[0x2001]; got != 2 {
		t.Errorf("clone memory[0x2001] = %#x, want 2", got)
	}
}

func TestWithMSRs(t *testing.T) {
	b := WithMSRs(NewStatic().SetMSR(msr.VMXBasic, 1), msr.Static{msr.VMXBasic: 2})
	if v, err := b.ReadMSR(msr.VMXBasic); err != nil || v != 2 {
		t.Errorf("ReadMSR = %d, %v; want 2", v, err)
	}
}

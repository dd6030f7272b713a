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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gvisor.dev/vmxctl/pkg/log"
	"gvisor.dev/vmxctl/pkg/msr"
	"gvisor.dev/vmxctl/pkg/vmx"
	"gvisor.dev/vmxctl/pkg/vmx/vmxtest"
)

// modify applies a change to a copy of the baseline control block.
type modify func(s *vmx.Static)

func set(f vmx.Field, v uint64) modify {
	return func(s *vmx.Static) { s.Set(f, v) }
}

func setBits(f vmx.Field, mask uint64) modify {
	return func(s *vmx.Static) { s.Set(f, s.Fields[f.Encoding]|mask) }
}

func clearBits(f vmx.Field, mask uint64) modify {
	return func(s *vmx.Static) { s.Set(f, s.Fields[f.Encoding]&^mask) }
}

func enable(ctls ...vmx.Control) modify {
	return func(s *vmx.Static) {
		for _, ctl := range ctls {
			setBits(ctl.Field, ctl.Bits.Mask)(s)
		}
	}
}

func disable(ctls ...vmx.Control) modify {
	return func(s *vmx.Static) {
		for _, ctl := range ctls {
			clearBits(ctl.Field, ctl.Bits.Mask)(s)
		}
	}
}

func setMSR(addr msr.Address, v uint64) modify {
	return func(s *vmx.Static) { s.SetMSR(addr, v) }
}

func setMSRBits(addr msr.Address, mask uint64) modify {
	return func(s *vmx.Static) { s.SetMSR(addr, s.MSRs[addr]|mask) }
}

func clearMSRBits(addr msr.Address, mask uint64) modify {
	return func(s *vmx.Static) { s.SetMSR(addr, s.MSRs[addr]&^mask) }
}

func deleteMSR(addr msr.Address) modify {
	return func(s *vmx.Static) { delete(s.MSRs, addr) }
}

func all(ms ...modify) modify {
	return func(s *vmx.Static) {
		for _, m := range ms {
			m(s)
		}
	}
}

func run(t *testing.T, ms ...modify) error {
	t.Helper()
	s := vmxtest.ControlBlock()
	all(ms...)(s)
	return Run(vmxtest.NewCPU(t, 0, s))
}

// expectRule asserts that err is a violation of rule.
func expectRule(t *testing.T, err error, rule string) {
	t.Helper()
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("got %v, want violation of %s", err, rule)
	}
	if v.Rule != rule {
		t.Fatalf("got violation of %s (%v), want %s", v.Rule, v, rule)
	}
}

// ruleCase is a modification of the baseline and the rule it must break.
// An empty rule means the modified block must still pass.
type ruleCase struct {
	name string
	m    modify
	rule string
}

func runCases(t *testing.T, cases []ruleCase) {
	t.Helper()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := run(t, tc.m)
			if tc.rule == "" {
				if err != nil {
					t.Fatalf("got %v, want pass", err)
				}
				return
			}
			expectRule(t, err, tc.rule)
		})
	}
}

func TestBaselinePasses(t *testing.T) {
	if err := run(t); err != nil {
		t.Fatalf("baseline control block failed: %v", err)
	}
	for _, p := range []Phase{Execution, Exit, Entry, Host} {
		c := vmxtest.NewCPU(t, 0, vmxtest.ControlBlock())
		if err := RunPhase(c, p); err != nil {
			t.Errorf("RunPhase(%v) = %v", p, err)
		}
	}
}

func TestChecksOrdered(t *testing.T) {
	seen := map[string]bool{}
	last := Execution
	for _, ck := range Checks() {
		if seen[ck.Name] {
			t.Errorf("duplicate check %s", ck.Name)
		}
		seen[ck.Name] = true
		if ck.Phase < last {
			t.Errorf("check %s (%v) runs after a %v check", ck.Name, ck.Phase, last)
		}
		last = ck.Phase
	}
}

func TestFailFast(t *testing.T) {
	// Two independent failures: only the first in check order is
	// reported.
	err := run(t, set(vmx.CR3TargetCount, 5), set(vmx.HostCS, 0))
	expectRule(t, err, "cr3_target_count")

	c := vmxtest.NewCPU(t, 0, vmxtest.ControlBlock().Set(vmx.CR3TargetCount, 5).Set(vmx.HostCS, 0))
	expectRule(t, RunPhase(c, Host), "host_selectors")
}

func TestViolationMessage(t *testing.T) {
	err := run(t, set(vmx.CR3TargetCount, 9))
	want := fmt.Sprintf("vm-execution controls: cr3_target_count: CR3-target count 9 exceeds 4 (%s: 0x9)", vmx.CR3TargetCount.Name)
	if err == nil || err.Error() != want {
		t.Errorf("Error() = %q, want %q", err, want)
	}
}

func TestReadErrorsAreNotViolations(t *testing.T) {
	err := run(t, deleteMSR(msr.VMXEPTVPIDCap))
	var v *Violation
	if err == nil || errors.As(err, &v) {
		t.Fatalf("Run = %v, want a read error", err)
	}
	if !errors.Is(err, msr.ErrNotPresent) {
		t.Errorf("Run = %v, want msr.ErrNotPresent", err)
	}
	if !strings.Contains(err.Error(), "ept_pointer") {
		t.Errorf("Run = %v, want the failing check named", err)
	}
}

func TestReservedControls(t *testing.T) {
	for _, tc := range []ruleCase{
		{"pin mandatory bit clear", clearBits(vmx.PinBasedControls, 0x2), "pin_based_controls_reserved"},
		{"primary unsupported bit", setBits(vmx.PrimaryControls, 1), "primary_controls_reserved"},
		{"secondary unsupported bit", setBits(vmx.SecondaryControls, 1<<30), "secondary_controls_reserved"},
		{"exit unsupported bit", setBits(vmx.ExitControls, 1<<31), "exit_controls_reserved"},
		{"entry mandatory bit clear", clearBits(vmx.EntryControls, 1<<12), "entry_controls_reserved"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := run(t, tc.m)
			expectRule(t, err, tc.rule)
			var ce *vmx.ControlError
			if !errors.As(err, &ce) {
				t.Errorf("violation does not wrap *vmx.ControlError: %v", err)
			}
		})
	}
}

func TestSecondaryIgnoredWhenInactive(t *testing.T) {
	err := run(t,
		disable(vmx.ActivateSecondaryControls),
		setBits(vmx.SecondaryControls, 1<<30))
	if err != nil {
		t.Errorf("unsupported secondary bits with inactive secondary controls: %v", err)
	}
}

func TestTrueControls(t *testing.T) {
	// Without TRUE controls CR3-load exiting, CR3-store exiting and the
	// debug-control loads become mandatory. The baseline leaves them clear.
	basic := vmx.BasicTrueControls.Disable(vmxtest.Capabilities()[msr.VMXBasic])
	expectRule(t, run(t, setMSR(msr.VMXBasic, basic)), "primary_controls_reserved")
	err := run(t,
		setMSR(msr.VMXBasic, basic),
		enable(vmx.CR3LoadExiting, vmx.CR3StoreExiting, vmx.SaveDebugControls, vmx.LoadDebugControls))
	if err != nil {
		t.Errorf("default1 controls set without TRUE controls: %v", err)
	}
}

func TestExecutionControls(t *testing.T) {
	tpr := all(enable(vmx.UseTPRShadow), set(vmx.VirtualAPICAddress, 0x20000))
	vtpr := func(b byte) modify {
		return func(s *vmx.Static) { s.WritePhysical(0x20000+vtprOffset, []byte{b}) }
	}
	runCases(t, []ruleCase{
		{"cr3 target count 4", set(vmx.CR3TargetCount, 4), ""},
		{"cr3 target count 5", set(vmx.CR3TargetCount, 5), "cr3_target_count"},

		{"io bitmaps aligned", all(enable(vmx.UseIOBitmaps), set(vmx.IOBitmapA, 0x2000), set(vmx.IOBitmapB, 0x3000)), ""},
		{"io bitmap a unaligned", all(enable(vmx.UseIOBitmaps), set(vmx.IOBitmapA, 0x2008), set(vmx.IOBitmapB, 0x3000)), "io_bitmap_addresses"},
		{"io bitmap b too wide", all(enable(vmx.UseIOBitmaps), set(vmx.IOBitmapA, 0x2000), set(vmx.IOBitmapB, 1<<39)), "io_bitmap_addresses"},
		{"io bitmaps unused", set(vmx.IOBitmapA, 0x2008), ""},

		{"msr bitmap unaligned", set(vmx.MSRBitmap, 0x10010), "msr_bitmap_address"},
		{"msr bitmap too wide", set(vmx.MSRBitmap, 1<<40), "msr_bitmap_address"},
		{"msr bitmap unused", all(disable(vmx.UseMSRBitmaps), set(vmx.MSRBitmap, 0x10010)), ""},

		{"tpr shadow", tpr, ""},
		{"tpr shadow null page", all(tpr, set(vmx.VirtualAPICAddress, 0)), "tpr_shadow"},
		{"tpr shadow unaligned page", all(tpr, set(vmx.VirtualAPICAddress, 0x20800)), "tpr_shadow"},
		{"tpr threshold high bits", all(tpr, set(vmx.TPRThreshold, 0x10)), "tpr_shadow"},
		{"tpr threshold above vtpr", all(tpr, set(vmx.TPRThreshold, 2), vtpr(0x10)), "tpr_shadow"},
		{"tpr threshold below vtpr", all(tpr, set(vmx.TPRThreshold, 2), vtpr(0x30)), ""},
		{"vid without tpr shadow", enable(vmx.VirtualInterruptDelivery, vmx.ExternalInterruptExiting), "tpr_shadow_dependencies"},
		{"x2apic without tpr shadow", enable(vmx.VirtualizeX2APICMode), "tpr_shadow_dependencies"},
		{"apic registers without tpr shadow", enable(vmx.APICRegisterVirtualization), "tpr_shadow_dependencies"},

		{"virtual nmis without nmi exiting", enable(vmx.VirtualNMIs), "nmi_controls"},
		{"nmi window without virtual nmis", enable(vmx.NMIExiting, vmx.NMIWindowExiting), "nmi_controls"},
		{"nmi window", enable(vmx.NMIExiting, vmx.VirtualNMIs, vmx.NMIWindowExiting), ""},

		{"apic access unaligned", all(enable(vmx.VirtualizeAPICAccesses), set(vmx.APICAccessAddress, 0xfee00010)), "apic_access_address"},
		{"apic access", all(enable(vmx.VirtualizeAPICAccesses), set(vmx.APICAccessAddress, 0xfee00000)), ""},
		{"x2apic and apic accesses", all(tpr, enable(vmx.VirtualizeX2APICMode, vmx.VirtualizeAPICAccesses), set(vmx.APICAccessAddress, 0xfee00000)), "x2apic_virtualization"},
		{"vid without external interrupt exiting", all(tpr, enable(vmx.VirtualInterruptDelivery)), "virtual_interrupt_delivery"},

		{"vpid zero", set(vmx.VPID, 0), "vpid"},
		{"vpid zero but disabled", all(set(vmx.VPID, 0), disable(vmx.EnableVPID)), ""},
	})
}

func TestPostedInterrupts(t *testing.T) {
	posted := all(
		enable(vmx.UseTPRShadow, vmx.VirtualInterruptDelivery, vmx.ExternalInterruptExiting, vmx.ProcessPostedInterrupts),
		set(vmx.VirtualAPICAddress, 0x20000),
		set(vmx.PostedInterruptNotification, 0xf2),
		set(vmx.PostedInterruptDesc, 0x30040))
	runCases(t, []ruleCase{
		{"valid", posted, ""},
		{"without vid", all(posted, disable(vmx.VirtualInterruptDelivery)), "posted_interrupts"},
		{"without acknowledge", all(posted, disable(vmx.AcknowledgeInterrupt)), "posted_interrupts"},
		{"vector high byte", all(posted, set(vmx.PostedInterruptNotification, 0x1f2)), "posted_interrupts"},
		{"descriptor unaligned", all(posted, set(vmx.PostedInterruptDesc, 0x30020)), "posted_interrupts"},
		{"descriptor too wide", all(posted, set(vmx.PostedInterruptDesc, 1<<45)), "posted_interrupts"},
	})
}

func TestEPT(t *testing.T) {
	eptp := func(mt, walk, extra uint64) modify {
		return set(vmx.EPTPointer, vmxtest.EPTRoot|
			vmx.EPTPMemoryType.Bits.Set(0, mt)|
			vmx.EPTPWalkLength.Bits.Set(0, walk-1)|extra)
	}
	ad := vmx.EPTPAccessedDirty.Bits.Mask
	runCases(t, []ruleCase{
		{"uncacheable", eptp(0, 4, 0), ""},
		{"write-through", eptp(4, 4, 0), "ept_pointer"},
		{"uncacheable unsupported", all(eptp(0, 4, 0),
			setMSR(msr.VMXEPTVPIDCap, vmx.EPTCapWalkLength4.Mask|vmx.EPTCapWriteBack.Mask)), "ept_pointer"},
		{"walk length 5 unsupported", eptp(6, 5, 0), "ept_pointer"},
		{"walk length 5", all(eptp(6, 5, 0), setMSRBits(msr.VMXEPTVPIDCap, vmx.EPTCapWalkLength5.Mask)), ""},
		{"walk length 3", eptp(6, 3, 0), "ept_pointer"},
		{"accessed dirty", eptp(6, 4, ad), ""},
		{"accessed dirty unsupported", all(eptp(6, 4, ad),
			setMSR(msr.VMXEPTVPIDCap, vmx.EPTCapWalkLength4.Mask|vmx.EPTCapWriteBack.Mask)), "ept_pointer"},
		{"shadow stack unsupported", eptp(6, 4, vmx.EPTPShadowStack.Bits.Mask), "ept_pointer"},
		{"reserved bits", eptp(6, 4, 1<<9), "ept_pointer"},
		{"too wide", eptp(6, 4, 1<<40), "ept_pointer"},
		{"ept disabled", all(eptp(4, 2, 0), disable(vmx.EnableEPT)), ""},

		{"pml", all(enable(vmx.EnablePML), set(vmx.PMLAddress, 0x40000)), ""},
		{"pml unaligned", all(enable(vmx.EnablePML), set(vmx.PMLAddress, 0x40001)), "page_modification_log"},
		{"pml without ept", all(enable(vmx.EnablePML), set(vmx.PMLAddress, 0x40000), disable(vmx.EnableEPT)), "page_modification_log"},
		{"unrestricted guest", enable(vmx.UnrestrictedGuest), ""},
		{"unrestricted guest without ept", all(enable(vmx.UnrestrictedGuest), disable(vmx.EnableEPT)), "unrestricted_guest"},
		{"mode-based execute without ept", all(enable(vmx.ModeBasedExecuteControl), disable(vmx.EnableEPT)), "ept_dependent_controls"},
		{"sub-page permissions without ept", all(enable(vmx.SubPageWritePermissions), disable(vmx.EnableEPT)), "ept_dependent_controls"},
	})
}

func TestVMFunctionsAndShadowing(t *testing.T) {
	vmfunc := all(enable(vmx.EnableVMFunctions), set(vmx.VMFunctionControls, 1), set(vmx.EPTPListAddress, 0x60000))
	runCases(t, []ruleCase{
		{"eptp switching", vmfunc, ""},
		{"unsupported function", all(vmfunc, set(vmx.VMFunctionControls, 3)), "vm_functions"},
		{"eptp list unaligned", all(vmfunc, set(vmx.EPTPListAddress, 0x60100)), "vm_functions"},
		{"eptp switching without ept", all(vmfunc, disable(vmx.EnableEPT)), "vm_functions"},
		{"shadowing", all(enable(vmx.VMCSShadowing), set(vmx.VMReadBitmap, 0x70000), set(vmx.VMWriteBitmap, 0x71000)), ""},
		{"shadowing unaligned", all(enable(vmx.VMCSShadowing), set(vmx.VMReadBitmap, 0x70000), set(vmx.VMWriteBitmap, 0x71004)), "vmcs_shadowing"},
		{"ve information", all(enable(vmx.EPTViolationVE), set(vmx.VEInformationAddress, 0x72000)), ""},
		{"ve information unaligned", all(enable(vmx.EPTViolationVE), set(vmx.VEInformationAddress, 0x72040)), "ept_violation_ve"},
	})
}

func TestRunAll(t *testing.T) {
	base := vmxtest.ControlBlock()
	bad := base.Clone().Set(vmx.HostTR, 0)

	cpus := []*vmx.CPU{
		vmxtest.NewCPU(t, 0, base.Clone()),
		vmxtest.NewCPU(t, 1, base.Clone()),
	}
	if err := RunAll(context.Background(), cpus); err != nil {
		t.Fatalf("RunAll = %v", err)
	}

	cpus = append(cpus, vmxtest.NewCPU(t, 2, bad))
	err := RunAll(context.Background(), cpus)
	var ce *CPUError
	if !errors.As(err, &ce) || ce.CPU != 2 {
		t.Fatalf("RunAll = %v, want failure on cpu 2", err)
	}
	expectRule(t, err, "host_selectors")

	if err := RunAll(context.Background(), []*vmx.CPU{cpus[0], cpus[0]}); err == nil {
		t.Errorf("RunAll accepted the same CPU twice")
	}
}

// logRecorder collects formatted log messages.
type logRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *logRecorder) Emit(_ int, _ log.Level, _ time.Time, format string, v ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, fmt.Sprintf(format, v...))
}

func TestRunAllLogsCPU(t *testing.T) {
	old := log.Log()
	t.Cleanup(func() { log.SetTarget(old.Emitter) })
	r := &logRecorder{}
	log.SetTarget(r)

	if err := RunAll(context.Background(), []*vmx.CPU{vmxtest.NewCPU(t, 5, vmxtest.ControlBlock())}); err != nil {
		t.Fatalf("RunAll = %v", err)
	}
	want := fmt.Sprintf("[cpu 5] Control block passed %d checks", len(Checks()))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m == want {
			return
		}
	}
	t.Errorf("log messages %q do not contain %q", r.msgs, want)
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RunContext(ctx, vmxtest.NewCPU(t, 0, vmxtest.ControlBlock()))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RunContext = %v, want context.Canceled", err)
	}
}

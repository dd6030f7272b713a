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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/vmxctl/pkg/bitfield"
	"gvisor.dev/vmxctl/pkg/vmx"
	"gvisor.dev/vmxctl/pkg/vmx/pte"
	"gvisor.dev/vmxctl/vmxctl/cmd/util"
)

// subTable collects the bit views of VMCS sub-fields.
func subTable(subs ...vmx.Sub) bitfield.Table[uint64] {
	t := make(bitfield.Table[uint64], 0, len(subs))
	for _, s := range subs {
		t = append(t, s.Bits)
	}
	return t
}

// decodeTables returns every table decode understands, by name.
func decodeTables() map[string]bitfield.Table[uint64] {
	m := map[string]bitfield.Table[uint64]{
		"basic":        vmx.Basic,
		"misc":         vmx.Misc,
		"ept_vpid_cap": vmx.EPTVPIDCap,
		"selector":     {vmx.SelectorRPL, vmx.SelectorTI, vmx.SelectorIndex},
		"ept_pointer": subTable(vmx.EPTPMemoryType, vmx.EPTPWalkLength, vmx.EPTPAccessedDirty,
			vmx.EPTPShadowStack, vmx.EPTPReservedBits, vmx.EPTPPhysicalAddress),
		"vm_entry_interruption_information": subTable(vmx.InterruptionVector, vmx.InterruptionType,
			vmx.InterruptionDeliverCode, vmx.InterruptionReservedBits, vmx.InterruptionValid),
	}
	for name, l := range pte.Levels() {
		m[name] = l.Fields
	}
	for _, g := range vmx.ControlGroups() {
		t := make(bitfield.Table[uint64], 0, len(g.Controls))
		for _, ctl := range g.Controls {
			t = append(t, ctl.Bits)
		}
		m[g.Field.Name] = t
	}
	return m
}

// tableNames returns the sorted names of decodeTables.
func tableNames() []string {
	var names []string
	for name := range decodeTables() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode implements subcommands.Command for the "decode" command.
type Decode struct{}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "decode a register value field by field"
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return fmt.Sprintf("decode <table> <value> - decode value with one of:\n  %s\n", strings.Join(tableNames(), "\n  "))
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Decode) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (d *Decode) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := d.execute(f.Arg(0), f.Arg(1)); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (*Decode) execute(table, value string) error {
	t, ok := decodeTables()[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	v, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", value, err)
	}
	_, err = fmt.Fprint(stdout, t.Dump(v))
	return err
}

// Translate implements subcommands.Command for the "translate" command.
type Translate struct {
	vmcs        string
	secondLevel bool
	root        uint64
	levels      int
}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "walk the EPT of a control block for a guest-physical address"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate --vmcs <file> [flags] <address> - walk the paging structure recorded in the
control block and print every entry visited. By default the walk starts at the EPT pointer.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Translate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.vmcs, "vmcs", "", "TOML control block holding the paging structure.")
	f.BoolVar(&t.secondLevel, "second-level", false, "walk DMA-remapping second-level tables instead of EPT. Requires --root.")
	f.Uint64Var(&t.root, "root", 0, "physical address of the outermost table. Defaults to the EPT pointer's.")
	f.IntVar(&t.levels, "levels", 0, "number of paging levels, 4 or 5. Defaults to the EPT pointer's walk length.")
}

// Execute implements subcommands.Command.Execute.
func (t *Translate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || t.vmcs == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := t.execute(f.Arg(0)); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (t *Translate) execute(address string) error {
	addr, err := strconv.ParseUint(address, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	blk, err := vmx.LoadControlBlock(t.vmcs)
	if err != nil {
		return err
	}

	root, levels := t.root, t.levels
	if t.secondLevel && root == 0 {
		return fmt.Errorf("--second-level requires --root")
	}
	if !t.secondLevel {
		eptp, err := blk.ReadField(vmx.EPTPointer.Encoding)
		if err != nil {
			return err
		}
		if root == 0 {
			root = eptp & vmx.EPTPPhysicalAddress.Bits.Mask
		}
		if levels == 0 {
			levels = int(vmx.EPTPWalkLength.Bits.Get(eptp)) + 1
		}
	}
	if levels == 0 {
		levels = 4
	}
	if levels != 4 && levels != 5 {
		return fmt.Errorf("unsupported number of paging levels %d", levels)
	}

	var walk []pte.Level
	if t.secondLevel {
		walk = pte.SecondLevel(levels)
	} else {
		walk = pte.EPT(levels)
	}
	tr, err := pte.Translate(blk, root, walk, addr)
	for _, s := range tr.Steps {
		fmt.Fprintf(stdout, "%s @ %#x: %#016x\n", s.Level.Name, s.Addr, s.Entry)
		dumpTable(stdout, s.Level.Fields, s.Entry)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%#x -> %#x\n", addr, tr.Address)
	return err
}

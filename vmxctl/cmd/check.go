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
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
	"gvisor.dev/vmxctl/pkg/bitfield"
	"gvisor.dev/vmxctl/pkg/bits"
	"gvisor.dev/vmxctl/pkg/msr"
	"gvisor.dev/vmxctl/pkg/vmx"
	"gvisor.dev/vmxctl/pkg/vmx/check"
	"gvisor.dev/vmxctl/vmxctl/cmd/util"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	vmcs     string
	cpus     cpuList
	hostMSRs bool
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "check a VMCS control block against the processor's VM-entry rules"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check --vmcs <file> [flags] - run every VM-entry check over the control block and stop
at the first violation.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.vmcs, "vmcs", "", "TOML control block to check.")
	c.cpus = cpuList{all: true}
	f.Var(&c.cpus, "cpu", "logical CPU to check against, or \"all\".")
	f.BoolVar(&c.hostMSRs, "host-msrs", true, "read capability MSRs missing from the control block from the CPU.")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.vmcs == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.execute(ctx); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (c *Check) execute(ctx context.Context) error {
	if err := verify(ctx, c.vmcs, &c.cpus, c.hostMSRs); err != nil {
		return err
	}
	_, err := fmt.Fprintf(stdout, "%s: passed %d checks on cpu %v\n", c.vmcs, len(check.Checks()), &c.cpus)
	return err
}

// Caps implements subcommands.Command for the "caps" command.
type Caps struct {
	cpu int
}

// Name implements subcommands.Command.Name.
func (*Caps) Name() string {
	return "caps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Caps) Synopsis() string {
	return "print the VMX capabilities of a CPU"
}

// Usage implements subcommands.Command.Usage.
func (*Caps) Usage() string {
	return `caps [flags] - print the VMX capability MSRs of a CPU and the allowed setting of every
control: yes, no or forced.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Caps) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.cpu, "cpu", 0, "logical CPU to report.")
}

// Execute implements subcommands.Command.Execute.
func (c *Caps) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.execute(); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (c *Caps) execute() error {
	if c.cpu < 0 {
		return fmt.Errorf("invalid CPU %d: must not be negative", c.cpu)
	}
	r, closer, err := openMSRs(c.cpu)
	if err != nil {
		return err
	}
	defer closer.Close()
	cpu, err := vmx.NewCPU(c.cpu, vmx.WithMSRs(vmx.NewStatic(), r), hostFeatures())
	if err != nil {
		return err
	}
	return printCaps(stdout, cpu)
}

// printCaps writes the capability report of c to w.
func printCaps(w io.Writer, c *vmx.CPU) error {
	basic, err := c.Capability(msr.VMXBasic)
	if err != nil {
		return fmt.Errorf("VMX is not available: %w", err)
	}
	fmt.Fprintf(w, "%v: %#x\n", msr.VMXBasic, basic)
	dumpTable(w, vmx.Basic, basic)

	for _, g := range vmx.ControlGroups() {
		if !c.Exists(g.Field) {
			fmt.Fprintf(w, "%s: not supported\n", g.Field.Name)
			continue
		}
		addr := c.ControlCapability(g.Field)
		a, err := c.Allowed(addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s (%v): %v\n", g.Field.Name, addr, a)
		fmt.Fprintf(w, "  mandatory=%#08x optional=%#08x forbidden=%#08x\n", a.Mandatory(), a.Optional(), a.Forbidden())
		var named uint64
		for _, ctl := range g.Controls {
			named |= ctl.Bits.Mask
			fmt.Fprintf(w, "  %-40s %s\n", ctl.Bits.Name, a.Setting(ctl.Bits.Shift))
		}
		// Reserved bits the processor forces on or lets through.
		bits.ForEachSetBit64(uint64(a.Allowed1)&^named, func(i int) {
			fmt.Fprintf(w, "  %-40s %s\n", fmt.Sprintf("bit %d", i), a.Setting(uint(i)))
		})
	}

	for _, t := range []struct {
		addr  msr.Address
		table bitfield.Table[uint64]
	}{
		{msr.VMXMisc, vmx.Misc},
		{msr.VMXEPTVPIDCap, vmx.EPTVPIDCap},
	} {
		v, err := c.Capability(t.addr)
		if errors.Is(err, msr.ErrNotPresent) {
			fmt.Fprintf(w, "%v: not supported\n", t.addr)
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%v: %#x\n", t.addr, v)
		dumpTable(w, t.table, v)
	}
	return nil
}

// dumpTable writes every field of t in v, indented.
func dumpTable(w io.Writer, t bitfield.Table[uint64], v uint64) {
	for _, f := range t {
		fmt.Fprintf(w, "  %s\n", f.Dump(v))
	}
}

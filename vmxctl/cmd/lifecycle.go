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

	"github.com/google/subcommands"
	"gvisor.dev/vmxctl/pkg/lifecycle"
	"gvisor.dev/vmxctl/vmxctl/cmd/util"
	"gvisor.dev/vmxctl/vmxctl/config"
)

// Load implements subcommands.Command for the "load" command.
type Load struct{}

// Name implements subcommands.Command.Name.
func (*Load) Name() string {
	return "load"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Load) Synopsis() string {
	return "load the VMM, replacing any VMM already loaded"
}

// Usage implements subcommands.Command.Usage.
func (*Load) Usage() string {
	return `load [flags] [module] - load the modules listed in the manifest, then module and every
module it needs. Modules are found in $VMM_LIBRARY_PATH.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Load) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (l *Load) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := l.execute(ctx, conf, f.Arg(0)); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (*Load) execute(ctx context.Context, conf *config.Config, root string) error {
	return withController(ctx, conf, lifecycleOpts{root: root, lock: true}, (*lifecycle.Controller).Load)
}

// Unload implements subcommands.Command for the "unload" command.
type Unload struct{}

// Name implements subcommands.Command.Name.
func (*Unload) Name() string {
	return "unload"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Unload) Synopsis() string {
	return "unload the VMM, stopping it first if it is running"
}

// Usage implements subcommands.Command.Usage.
func (*Unload) Usage() string {
	return "unload - unload the VMM.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Unload) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Unload) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := withController(ctx, conf, lifecycleOpts{lock: true}, (*lifecycle.Controller).Unload); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// preflightFlags select a control block checked before the VMM is started.
type preflightFlags struct {
	vmcs     string
	cpus     cpuList
	hostMSRs bool
}

func (p *preflightFlags) setFlags(f *flag.FlagSet) {
	f.StringVar(&p.vmcs, "vmcs", "", "TOML control block to check before starting.")
	p.cpus = cpuList{all: true}
	f.Var(&p.cpus, "cpu", "logical CPU whose capabilities the control block is checked against, or \"all\".")
	f.BoolVar(&p.hostMSRs, "host-msrs", true, "read capability MSRs missing from the control block from the CPU.")
}

// preflight returns the check to run before starting, or nil without --vmcs.
func (p *preflightFlags) preflight(ctx context.Context) func() error {
	if p.vmcs == "" {
		return nil
	}
	return func() error {
		return verify(ctx, p.vmcs, &p.cpus, p.hostMSRs)
	}
}

// Start implements subcommands.Command for the "start" command.
type Start struct {
	preflightFlags
}

// Name implements subcommands.Command.Name.
func (*Start) Name() string {
	return "start"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Start) Synopsis() string {
	return "start the loaded VMM, restarting it if it is running"
}

// Usage implements subcommands.Command.Usage.
func (*Start) Usage() string {
	return `start [flags] - start the loaded VMM. With --vmcs, the control block is checked first
and the VMM is not started if any invariant is violated.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Start) SetFlags(f *flag.FlagSet) {
	s.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (s *Start) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := s.execute(ctx, conf); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Start) execute(ctx context.Context, conf *config.Config) error {
	opts := lifecycleOpts{lock: true, preflight: s.preflight(ctx)}
	return withController(ctx, conf, opts, (*lifecycle.Controller).Start)
}

// Stop implements subcommands.Command for the "stop" command.
type Stop struct{}

// Name implements subcommands.Command.Name.
func (*Stop) Name() string {
	return "stop"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stop) Synopsis() string {
	return "stop the VMM if it is running"
}

// Usage implements subcommands.Command.Usage.
func (*Stop) Usage() string {
	return "stop - stop the VMM.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Stop) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Stop) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := withController(ctx, conf, lifecycleOpts{lock: true}, (*lifecycle.Controller).Stop); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// Quick implements subcommands.Command for the "quick" command.
type Quick struct {
	preflightFlags
}

// Name implements subcommands.Command.Name.
func (*Quick) Name() string {
	return "quick"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Quick) Synopsis() string {
	return "unload, load and start the VMM in one step"
}

// Usage implements subcommands.Command.Usage.
func (*Quick) Usage() string {
	return `quick [flags] [module] - unload, load and start the VMM. See load for module.
With --vmcs, the control block is checked before anything is unloaded.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (q *Quick) SetFlags(f *flag.FlagSet) {
	q.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (q *Quick) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := q.execute(ctx, conf, f.Arg(0)); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (q *Quick) execute(ctx context.Context, conf *config.Config, root string) error {
	opts := lifecycleOpts{root: root, lock: true, preflight: q.preflight(ctx)}
	return withController(ctx, conf, opts, (*lifecycle.Controller).Quick)
}

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	cpu int
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print the VMM debug ring of a CPU"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return "dump [flags] - print the VMM debug ring. Prints nothing if the VMM is not loaded.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.cpu, "cpu", 0, "logical CPU whose debug ring is printed.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := d.execute(ctx, conf); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (d *Dump) execute(ctx context.Context, conf *config.Config) error {
	if d.cpu < 0 {
		return fmt.Errorf("invalid CPU %d: must not be negative", d.cpu)
	}
	return withController(ctx, conf, lifecycleOpts{lock: true}, func(c *lifecycle.Controller) error {
		text, err := c.Dump(d.cpu)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(stdout, text)
		return err
	})
}

// Status implements subcommands.Command for the "status" command.
type Status struct{}

// Name implements subcommands.Command.Name.
func (*Status) Name() string {
	return "status"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Status) Synopsis() string {
	return "print the VMM status"
}

// Usage implements subcommands.Command.Usage.
func (*Status) Usage() string {
	return "status - print the VMM status: unloaded, loaded, running or corrupt.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Status) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (s *Status) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := s.execute(ctx, conf); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (*Status) execute(ctx context.Context, conf *config.Config) error {
	// Status is read-only and never waits for the lock.
	return withController(ctx, conf, lifecycleOpts{}, func(c *lifecycle.Controller) error {
		s, err := c.Status()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, s)
		return err
	})
}

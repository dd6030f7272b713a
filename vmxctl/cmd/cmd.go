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

// Package cmd holds implementations of the vmxctl commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"

	"gvisor.dev/vmxctl/pkg/cleanup"
	"gvisor.dev/vmxctl/pkg/cpuid"
	"gvisor.dev/vmxctl/pkg/driver"
	"gvisor.dev/vmxctl/pkg/lifecycle"
	"gvisor.dev/vmxctl/pkg/log"
	"gvisor.dev/vmxctl/pkg/modules"
	"gvisor.dev/vmxctl/pkg/msr"
	"gvisor.dev/vmxctl/pkg/vmx"
	"gvisor.dev/vmxctl/pkg/vmx/check"
	"gvisor.dev/vmxctl/vmxctl/config"
)

// Host access used by the commands. Tests replace these with fakes.
var (
	// stdout receives command output.
	stdout io.Writer = os.Stdout

	// openDriver opens the VMM control device.
	openDriver = func(path string) (driver.Driver, io.Closer, error) {
		d, err := driver.Open(path)
		if err != nil {
			return nil, nil, annotatePermission(err, driverCapability)
		}
		return d, d, nil
	}

	// openMSRs opens the MSR device of a logical CPU.
	openMSRs = func(cpu int) (msr.Reader, io.Closer, error) {
		n, err := msr.OpenNative(cpu)
		if err != nil {
			return nil, nil, annotatePermission(err, msrCapability)
		}
		return n, n, nil
	}

	// hostFeatures returns the CPUID features of this machine.
	hostFeatures = cpuid.HostFeatureSet

	// numCPU returns the number of logical CPUs.
	numCPU = runtime.NumCPU
)

// cpuList is a flag naming a single logical CPU or "all" of them.
type cpuList struct {
	all bool
	id  int
}

// String implements flag.Value.
func (l *cpuList) String() string {
	if l.all {
		return "all"
	}
	return strconv.Itoa(l.id)
}

// Set implements flag.Value.
func (l *cpuList) Set(s string) error {
	if s == "all" {
		*l = cpuList{all: true}
		return nil
	}
	id, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid CPU %q: must be a number or \"all\"", s)
	}
	if id < 0 {
		return fmt.Errorf("invalid CPU %d: must not be negative", id)
	}
	*l = cpuList{id: id}
	return nil
}

// ids returns the selected CPUs.
func (l *cpuList) ids() []int {
	if !l.all {
		return []int{l.id}
	}
	ids := make([]int, numCPU())
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// controlBlockCPUs loads the control block at path and returns one CPU
// context per selected logical CPU, each over a private copy of the block.
// With hostMSRs, MSRs missing from the block are read from the CPU itself.
// The returned function releases the MSR devices.
func controlBlockCPUs(path string, cpus *cpuList, hostMSRs bool) ([]*vmx.CPU, func(), error) {
	blk, err := vmx.LoadControlBlock(path)
	if err != nil {
		return nil, nil, err
	}
	features := hostFeatures()

	var cu cleanup.Cleanup
	defer cu.Clean()

	var out []*vmx.CPU
	for _, id := range cpus.ids() {
		s := blk.Clone()
		var backend vmx.Backend = s
		if hostMSRs {
			r, closer, err := openMSRs(id)
			if err != nil {
				return nil, nil, err
			}
			cu.Add(func() { _ = closer.Close() })
			backend = vmx.WithMSRs(s, msr.Overlay{Top: s.MSRs, Base: r})
		}
		c, err := vmx.NewCPU(id, backend, features)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, c)
	}
	return out, cu.Release(), nil
}

// verify runs the invariant checker over a control block.
func verify(ctx context.Context, path string, cpus *cpuList, hostMSRs bool) error {
	ctxs, release, err := controlBlockCPUs(path, cpus, hostMSRs)
	if err != nil {
		return err
	}
	defer release()
	log.Infof("Checking %s on %d CPU(s)", path, len(ctxs))
	return check.RunAll(ctx, ctxs)
}

// lifecycleOpts control how a Controller is built for a command.
type lifecycleOpts struct {
	// root is the optional root module whose dependencies are loaded
	// after the manifest.
	root string

	// lock serializes the command with other vmxctl processes.
	lock bool

	// preflight is passed to the Controller.
	preflight func() error
}

// withController opens the driver, optionally takes the lifecycle lock and
// calls fn with a Controller configured from conf.
func withController(ctx context.Context, conf *config.Config, opts lifecycleOpts, fn func(*lifecycle.Controller) error) error {
	if opts.lock {
		if conf.LockTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, conf.LockTimeout)
			defer cancel()
		}
		unlock, err := lifecycle.Lock(ctx, conf.LockFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := unlock(); err != nil {
				log.Warningf("Releasing lock %q: %v", conf.LockFile, err)
			}
		}()
	}

	d, closer, err := openDriver(conf.Device)
	if err != nil {
		return fmt.Errorf("opening VMM device %q: %w", conf.Device, err)
	}
	defer closer.Close()

	resolver := modules.NewResolver()
	c := &lifecycle.Controller{
		Driver: d,
		Modules: func() ([]string, error) {
			return resolver.Resolve(conf.Manifest, opts.root)
		},
		Preflight: opts.preflight,
	}
	return fn(c)
}

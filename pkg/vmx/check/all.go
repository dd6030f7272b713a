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
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmxctl/pkg/log"
	"gvisor.dev/vmxctl/pkg/vmx"
)

// CPUError annotates a check failure with the logical CPU it occurred on.
type CPUError struct {
	CPU int
	Err error
}

// Error implements error.Error.
func (e *CPUError) Error() string {
	return fmt.Sprintf("cpu %d: %v", e.CPU, e.Err)
}

// Unwrap returns the underlying error.
func (e *CPUError) Unwrap() error {
	return e.Err
}

// RunContext is Run, stopping early if ctx is cancelled between checks.
func RunContext(ctx context.Context, c *vmx.CPU) error {
	for _, ck := range Checks() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ck.Run(c); err != nil {
			return err
		}
	}
	return nil
}

// RunAll checks every CPU concurrently and returns the first failure as a
// *CPUError. Each CPU is checked only against its own context, so the same
// *vmx.CPU may not appear twice.
func RunAll(ctx context.Context, cpus []*vmx.CPU) error {
	seen := make(map[*vmx.CPU]bool, len(cpus))
	for _, c := range cpus {
		if seen[c] {
			return fmt.Errorf("cpu %d listed more than once", c.ID)
		}
		seen[c] = true
	}

	progress := log.BasicRateLimitedLogger(time.Second)
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range cpus {
		c := c
		g.Go(func() error {
			if err := RunContext(ctx, c); err != nil {
				return &CPUError{CPU: c.ID, Err: err}
			}
			log.ForCPU(progress, c.ID).Infof("Control block passed %d checks", len(Checks()))
			return nil
		})
	}
	return g.Wait()
}

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

// Package driver defines the primitive operations of the VMM kernel driver.
//
// The driver owns the hypervisor: it accepts module images, loads them,
// launches and stops the VMM on every CPU, and exposes a per-CPU debug ring.
// Calls are blocking and not reentrant; callers serialize them.
package driver

import (
	"errors"
	"fmt"
)

// Status is the VMM state reported by the driver.
type Status int64

// Status codes. Any other value is unknown.
const (
	Unloaded Status = 10
	Loaded   Status = 11
	Running  Status = 12
	Corrupt  Status = 100
)

// Known reports whether s is one of the defined states.
func (s Status) Known() bool {
	switch s {
	case Unloaded, Loaded, Running, Corrupt:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Running:
		return "running"
	case Corrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("unknown(%d)", int64(s))
	}
}

// Driver is the primitive operation contract.
type Driver interface {
	// AddModule stages a module image for the next Load.
	AddModule(image []byte) error

	// Load links the staged modules into a VMM.
	Load() error

	// Unload discards the VMM and every staged module.
	Unload() error

	// Start launches the VMM on every CPU.
	Start() error

	// Stop returns every CPU from the VMM.
	Stop() error

	// Dump copies the debug ring of the selected CPU.
	Dump() (DebugRing, error)

	// Status queries the VMM state.
	Status() (Status, error)
}

// CPUSelector is implemented by drivers with a debug ring per CPU.
type CPUSelector interface {
	// SelectCPU chooses the CPU whose ring Dump returns.
	SelectCPU(cpu int) error
}

// ErrOperationFailed is matched by every *OperationError.
var ErrOperationFailed = errors.New("operation failed")

// OperationError is a failed primitive operation.
type OperationError struct {
	// Op names the primitive, e.g. "load".
	Op string

	// Err is the underlying error, typically a unix.Errno.
	Err error
}

// Error implements error.Error.
func (e *OperationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrOperationFailed)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrOperationFailed, e.Err)
}

// Unwrap returns the underlying error.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrOperationFailed) hold for every OperationError.
func (e *OperationError) Is(target error) bool {
	return target == ErrOperationFailed
}

// DebugRing is a snapshot of a circular diagnostic buffer. The text lies
// between Start and End, both indices into Buf.
type DebugRing struct {
	Start uint64
	End   uint64
	Buf   []byte
}

// Text returns the buffered text, unwrapping it when it runs past the end
// of Buf. Cursors may be plain indices or free-running counters; counters at
// least a buffer apart mean the ring is full and the oldest byte is at End.
func (r DebugRing) Text() string {
	n := uint64(len(r.Buf))
	if n == 0 {
		return ""
	}
	if r.End > r.Start && r.End-r.Start >= n {
		at := r.End % n
		return string(r.Buf[at:]) + string(r.Buf[:at])
	}
	start, end := r.Start%n, r.End%n
	switch {
	case start == end:
		return ""
	case start < end:
		return string(r.Buf[start:end])
	default:
		return string(r.Buf[start:]) + string(r.Buf[:end])
	}
}

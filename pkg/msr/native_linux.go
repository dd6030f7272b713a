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

//go:build linux
// +build linux

package msr

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Native reads MSRs of one logical CPU through /dev/cpu/N/msr.
type Native struct {
	f *os.File
}

// OpenNative opens the msr device of the given CPU.
func OpenNative(cpu int) (*Native, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s (is the msr module loaded?): %w", path, err)
	}
	return &Native{f: f}, nil
}

// ReadMSR implements Reader.ReadMSR.
//
// The msr driver maps the file offset to the MSR index; an unimplemented MSR
// faults in the kernel and surfaces as EIO.
func (n *Native) ReadMSR(addr Address) (uint64, error) {
	var buf [8]byte
	for {
		c, err := unix.Pread(int(n.f.Fd()), buf[:], int64(addr))
		if err == unix.EINTR {
			continue
		}
		if err == unix.EIO {
			return 0, fmt.Errorf("%v: %w", addr, ErrNotPresent)
		}
		if err != nil {
			return 0, fmt.Errorf("reading %v: %w", addr, err)
		}
		if c != len(buf) {
			return 0, fmt.Errorf("reading %v: short read of %d bytes", addr, c)
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
}

// Close closes the underlying device.
func (n *Native) Close() error {
	return n.f.Close()
}

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

package pte

import (
	"encoding/binary"
	"fmt"
)

// PhysicalReader reads physical memory.
type PhysicalReader interface {
	ReadPhysical(addr uint64, buf []byte) error
}

// Step is one entry visited during a walk.
type Step struct {
	Level Level
	Addr  uint64
	Entry uint64
}

// Translation is the result of a successful walk.
type Translation struct {
	// Steps are the entries visited, outermost first.
	Steps []Step

	// Address is the translated physical address.
	Address uint64
}

// NotPresentError is returned when a walk reaches a non-present entry.
type NotPresentError struct {
	Level Level
	Addr  uint64
}

// Error implements error.Error.
func (e *NotPresentError) Error() string {
	return fmt.Sprintf("%s at %#x is not present", e.Level.Name, e.Addr)
}

// Translate walks the structure rooted at root for addr.
func Translate(r PhysicalReader, root uint64, levels []Level, addr uint64) (Translation, error) {
	var (
		t     Translation
		table = root
		buf   [8]byte
	)
	for _, l := range levels {
		entryAddr := table + l.Index(addr)*8
		if err := r.ReadPhysical(entryAddr, buf[:]); err != nil {
			return t, fmt.Errorf("reading %s at %#x: %w", l.Name, entryAddr, err)
		}
		e := binary.LittleEndian.Uint64(buf[:])
		t.Steps = append(t.Steps, Step{Level: l, Addr: entryAddr, Entry: e})
		if !Present(e) {
			return t, &NotPresentError{Level: l, Addr: entryAddr}
		}
		if l.IsLeaf(e) {
			mask := l.PageBytes() - 1
			t.Address = (Address(e) &^ mask) | (addr & mask)
			return t, nil
		}
		table = Address(e)
	}
	return t, fmt.Errorf("walk of %#x did not reach a leaf", addr)
}

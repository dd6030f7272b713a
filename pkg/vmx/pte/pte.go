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

// Package pte describes the entries of EPT and DMA-remapping second-level
// page tables as bit-field tables, and walks them.
//
// Both structures share one entry shape; each paging level is just a
// different bitfield.Table over a 64-bit word.
package pte

import (
	"fmt"

	"gvisor.dev/vmxctl/pkg/bitfield"
	"gvisor.dev/vmxctl/pkg/hostarch"
)

// Entry bits common to EPT and second-level tables.
var (
	Read            = bitfield.Bit[uint64]("read", 0)
	Write           = bitfield.Bit[uint64]("write", 1)
	Execute         = bitfield.Bit[uint64]("execute", 2)
	MemoryType      = bitfield.Range[uint64]("memory_type", 3, 5)
	ExtMemoryType   = bitfield.Range[uint64]("extended_memory_type", 3, 5)
	IgnorePAT       = bitfield.Bit[uint64]("ignore_pat", 6)
	PageSize        = bitfield.Bit[uint64]("page_size", 7)
	Accessed        = bitfield.Bit[uint64]("accessed", 8)
	Dirty           = bitfield.Bit[uint64]("dirty", 9)
	UserExecute     = bitfield.Bit[uint64]("user_execute", 10)
	Snoop           = bitfield.Bit[uint64]("snoop", 11)
	PhysicalAddress = bitfield.Range[uint64]("physical_address", 12, 51)
	TransientMap    = bitfield.Bit[uint64]("transient_mapping", 62)
	SuppressVE      = bitfield.Bit[uint64]("suppress_ve", 63)
)

// Level is one level of a second-level translation structure.
type Level struct {
	// Name is the architectural name of the entry.
	Name string

	// Shift is the number of address bits translated below this level.
	Shift uint

	// Fields are the entry's fields.
	Fields bitfield.Table[uint64]

	// LargePages is true if entries at this level may map a page
	// directly when PageSize is set.
	LargePages bool
}

// Index returns the entry index of addr at this level.
func (l Level) Index(addr uint64) uint64 {
	return (addr >> l.Shift) & 0x1ff
}

// PageBytes returns the size of the region mapped by one entry.
func (l Level) PageBytes() uint64 {
	return 1 << l.Shift
}

// IsLeaf reports whether entry e maps a page rather than a table.
func (l Level) IsLeaf(e uint64) bool {
	return l.Shift == hostarch.PageShift || (l.LargePages && PageSize.IsEnabled(e))
}

// Dump formats every field of e.
func (l Level) Dump(e uint64) string {
	return l.Fields.Dump(e)
}

// Present reports whether any of read, write or execute is set.
func Present(e uint64) bool {
	return Read.IsEnabled(e) || Write.IsEnabled(e) || Execute.IsEnabled(e)
}

// Address returns the physical address referenced by e.
func Address(e uint64) uint64 {
	return PhysicalAddress.Get(e) << hostarch.PageShift
}

// SetAddress returns e referencing the page at addr, which must be
// page-aligned and fit in 52 bits.
func SetAddress(e, addr uint64) (uint64, error) {
	a := hostarch.Addr(addr)
	if !a.IsPageAligned() {
		return 0, fmt.Errorf("address %#x is not page-aligned", addr)
	}
	if !a.IsPhysicallyValid(hostarch.MaxPhysicalAddressBits) {
		return 0, fmt.Errorf("address %#x exceeds %d bits", addr, hostarch.MaxPhysicalAddressBits)
	}
	return PhysicalAddress.Set(e, addr>>hostarch.PageShift), nil
}

var (
	eptTable = bitfield.Table[uint64]{Read, Write, Execute, Accessed, UserExecute, PhysicalAddress}
	eptLeaf  = bitfield.Table[uint64]{Read, Write, Execute, MemoryType, IgnorePAT, PageSize, Accessed, Dirty, UserExecute, PhysicalAddress, SuppressVE}
	eptPTE   = bitfield.Table[uint64]{Read, Write, Execute, MemoryType, IgnorePAT, Accessed, Dirty, UserExecute, PhysicalAddress, SuppressVE}

	slTable = bitfield.Table[uint64]{Read, Write, Execute, Accessed, PhysicalAddress}
	slLeaf  = bitfield.Table[uint64]{Read, Write, Execute, ExtMemoryType, IgnorePAT, PageSize, Accessed, Dirty, Snoop, PhysicalAddress, TransientMap}
	slPTE   = bitfield.Table[uint64]{Read, Write, Execute, ExtMemoryType, IgnorePAT, Accessed, Dirty, Snoop, PhysicalAddress, TransientMap}
)

// EPT paging levels.
var (
	EPTPML5E = Level{Name: "pml5e", Shift: 48, Fields: eptTable}
	EPTPML4E = Level{Name: "pml4e", Shift: 39, Fields: eptTable}
	EPTPDPTE = Level{Name: "pdpte", Shift: 30, Fields: eptLeaf, LargePages: true}
	EPTPDE   = Level{Name: "pde", Shift: 21, Fields: eptLeaf, LargePages: true}
	EPTPTE   = Level{Name: "pte", Shift: 12, Fields: eptPTE}
)

// DMA-remapping second-level paging levels.
var (
	SLPML5E = Level{Name: "slpml5e", Shift: 48, Fields: slTable}
	SLPML4E = Level{Name: "slpml4e", Shift: 39, Fields: slTable}
	SLPDPTE = Level{Name: "slpdpte", Shift: 30, Fields: slLeaf, LargePages: true}
	SLPDE   = Level{Name: "slpde", Shift: 21, Fields: slLeaf, LargePages: true}
	SLPTE   = Level{Name: "slpte", Shift: 12, Fields: slPTE}
)

// EPT returns the EPT levels for a walk of the given length (4 or 5),
// outermost first.
func EPT(walkLength int) []Level {
	if walkLength == 5 {
		return []Level{EPTPML5E, EPTPML4E, EPTPDPTE, EPTPDE, EPTPTE}
	}
	return []Level{EPTPML4E, EPTPDPTE, EPTPDE, EPTPTE}
}

// SecondLevel returns the DMA-remapping second-level levels for the given
// number of levels (4 or 5), outermost first.
func SecondLevel(levels int) []Level {
	if levels == 5 {
		return []Level{SLPML5E, SLPML4E, SLPDPTE, SLPDE, SLPTE}
	}
	return []Level{SLPML4E, SLPDPTE, SLPDE, SLPTE}
}

// Levels returns every level by name. EPT levels are prefixed with "ept-".
func Levels() map[string]Level {
	m := make(map[string]Level)
	for _, l := range []Level{EPTPML5E, EPTPML4E, EPTPDPTE, EPTPDE, EPTPTE} {
		m["ept-"+l.Name] = l
	}
	for _, l := range []Level{SLPML5E, SLPML4E, SLPDPTE, SLPDE, SLPTE} {
		m[l.Name] = l
	}
	return m
}

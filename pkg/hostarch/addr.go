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

// Package hostarch describes x86-64 address constraints used when validating
// physical and linear addresses programmed into control structures.
package hostarch

import "gvisor.dev/vmxctl/pkg/bits"

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// DefaultLinearAddressBits is the linear address width assumed when the
	// processor does not report one (four-level paging).
	DefaultLinearAddressBits = 48

	// MaxPhysicalAddressBits is the architectural limit on MAXPHYADDR.
	MaxPhysicalAddressBits = 52
)

// Addr represents an address in an unspecified address space.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// IsAligned returns true if v is a multiple of align.
//
// Precondition: align is a power of two.
func (v Addr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// IsPhysicallyValid returns true if v does not set any bit beyond the
// processor's physical-address width.
func (v Addr) IsPhysicallyValid(physBits uint) bool {
	if physBits == 0 || physBits > MaxPhysicalAddressBits {
		physBits = MaxPhysicalAddressBits
	}
	return !bits.IsAnyOn64(uint64(v), bits.Above64(int(physBits)))
}

// IsCanonical returns true if bits 63 through linearBits-1 of v are all
// equal, that is, the address is a sign extension of its implemented bits.
func (v Addr) IsCanonical(linearBits uint) bool {
	if linearBits == 0 || linearBits > 64 {
		linearBits = DefaultLinearAddressBits
	}
	if linearBits == 64 {
		return true
	}
	high := bits.Above64(int(linearBits) - 1)
	u := uint64(v) & high
	return u == 0 || u == high
}

// End returns the last byte of the region [v, v+n*size), and whether the
// computation did not overflow. n must be non-zero.
func (v Addr) End(n, size uint64) (Addr, bool) {
	if n == 0 {
		return v, true
	}
	length := n * size
	if size != 0 && length/size != n {
		return 0, false
	}
	end := uint64(v) + length - 1
	return Addr(end), end >= uint64(v)
}

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

// Package bitfield provides typed views over sub-ranges of fixed-width
// hardware register values.
//
// A Field never holds a value. It only describes how a value is extracted
// from, or injected into, a register word:
//
//	get(r)    = (r & mask) >> shift
//	set(r, v) = (r &^ mask) | ((v << shift) & mask)
//
// Values wider than the field are truncated on Set, exactly as hardware
// truncates them.
package bitfield

import (
	"fmt"
	"strings"

	"gvisor.dev/vmxctl/pkg/bits"
)

// Word is any fixed-width unsigned register type.
type Word interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Field describes a named sub-range of a register of type W.
type Field[W Word] struct {
	// Name is the diagnostic name of the field.
	Name string

	// Mask selects the field's bits within the register.
	Mask W

	// Shift is the bit position of the field's least significant bit.
	Shift uint
}

// width returns the number of bits in W.
func width[W Word]() uint {
	var w W
	n := uint(0)
	for w = ^w; w != 0; w >>= 1 {
		n++
	}
	return n
}

// Bit returns a single-bit field at bit n.
//
// Precondition: n is smaller than the width of W.
func Bit[W Word](name string, n uint) Field[W] {
	if n >= width[W]() {
		panic(fmt.Sprintf("bitfield: bit %d out of range for %s", n, name))
	}
	return Field[W]{Name: name, Mask: W(bits.MaskOf64(int(n))), Shift: n}
}

// Range returns a field covering bits lo through hi, inclusive.
//
// Precondition: lo <= hi and hi is smaller than the width of W.
func Range[W Word](name string, lo, hi uint) Field[W] {
	if lo > hi || hi >= width[W]() {
		panic(fmt.Sprintf("bitfield: invalid range [%d:%d] for %s", hi, lo, name))
	}
	return Field[W]{Name: name, Mask: W(bits.Range64(int(lo), int(hi))), Shift: lo}
}

// Get extracts the field's value from r.
func (f Field[W]) Get(r W) W {
	return (r & f.Mask) >> f.Shift
}

// Set returns r with the field replaced by v. Bits of v that do not fit in
// the field are discarded.
func (f Field[W]) Set(r, v W) W {
	return (r &^ f.Mask) | ((v << f.Shift) & f.Mask)
}

// SetBool sets a boolean field: true sets the bits, false clears them.
func (f Field[W]) SetBool(r W, v bool) W {
	if v {
		return f.Enable(r)
	}
	return f.Disable(r)
}

// IsEnabled returns true if any bit of the field is set in r.
func (f Field[W]) IsEnabled(r W) bool {
	return f.Get(r) != 0
}

// IsDisabled returns true if no bit of the field is set in r.
func (f Field[W]) IsDisabled(r W) bool {
	return f.Get(r) == 0
}

// Enable returns r with the field set to 1.
func (f Field[W]) Enable(r W) W {
	return f.Set(r, 1)
}

// Disable returns r with the field set to 0.
func (f Field[W]) Disable(r W) W {
	return f.Set(r, 0)
}

// Max returns the largest value the field can hold.
func (f Field[W]) Max() W {
	return f.Mask >> f.Shift
}

// Dump formats the field's name and value in r.
func (f Field[W]) Dump(r W) string {
	return fmt.Sprintf("%s: %#x", f.Name, uint64(f.Get(r)))
}

// String implements fmt.Stringer.String.
func (f Field[W]) String() string {
	return fmt.Sprintf("%s[mask=%#x shift=%d]", f.Name, uint64(f.Mask), f.Shift)
}

// Table is an ordered set of fields that view the same register.
type Table[W Word] []Field[W]

// Lookup returns the field with the given name.
func (t Table[W]) Lookup(name string) (Field[W], bool) {
	for _, f := range t {
		if f.Name == name {
			return f, true
		}
	}
	return Field[W]{}, false
}

// Dump formats every field of the table for the register value r, one field
// per line.
func (t Table[W]) Dump(r W) string {
	var sb strings.Builder
	for _, f := range t {
		sb.WriteString(f.Dump(r))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Overlaps returns the names of the first pair of fields whose masks overlap,
// ignoring pairs listed in groups. Fields declared as a group (for example a
// selector's RPL inside the full selector value) may legitimately overlap.
func (t Table[W]) Overlaps(groups ...[2]string) (string, string, bool) {
	grouped := func(a, b string) bool {
		for _, g := range groups {
			if (g[0] == a && g[1] == b) || (g[0] == b && g[1] == a) {
				return true
			}
		}
		return false
	}
	for i := range t {
		for j := i + 1; j < len(t); j++ {
			if t[i].Mask&t[j].Mask == 0 || grouped(t[i].Name, t[j].Name) {
				continue
			}
			return t[i].Name, t[j].Name, true
		}
	}
	return "", "", false
}

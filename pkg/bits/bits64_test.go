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

package bits

import (
	"reflect"
	"testing"
)

func TestForEachSetBit64(t *testing.T) {
	for _, want := range [][]int{
		{},
		{0},
		{1},
		{63},
		{0, 1},
		{1, 3, 5},
		{0, 63},
	} {
		n := Mask64(want...)
		// "Slice values are deeply equal when ... they are both nil or both
		// non-nil ..."
		got := make([]int, 0)
		ForEachSetBit64(n, func(i int) {
			got = append(got, i)
		})
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ForEachSetBit64(%#x): iterated bits %v, wanted %v", n, got, want)
		}
	}
}

func TestIsOn(t *testing.T) {
	type spec struct {
		mask uint64
		bits uint64
		any  bool
		all  bool
	}
	for _, s := range []spec{
		{Mask64(0), Mask64(0), true, true},
		{Mask64(63), Mask64(63), true, true},
		{Mask64(0), Mask64(1), false, false},
		{Mask64(0), Mask64(0, 1), true, false},

		{Mask64(1, 63), Mask64(1), true, true},
		{Mask64(1, 63), Mask64(1, 63), true, true},
		{Mask64(1, 63), Mask64(0, 1, 63), true, false},
		{Mask64(1, 63), Mask64(0, 62), false, false},
	} {
		if ok := IsAnyOn64(s.mask, s.bits); ok != s.any {
			t.Errorf("IsAnyOn(%#x, %#x) = %v, wanted: %v", s.mask, s.bits, ok, s.any)
		}
		if ok := IsOn64(s.mask, s.bits); ok != s.all {
			t.Errorf("IsOn(%#x, %#x) = %v, wanted: %v", s.mask, s.bits, ok, s.all)
		}
	}
}

func TestRange64(t *testing.T) {
	for _, tc := range []struct {
		lo, hi int
		want   uint64
	}{
		{0, 0, 0x1},
		{0, 7, 0xff},
		{3, 5, 0x38},
		{12, 51, 0x000ffffffffff000},
		{63, 63, 0x8000000000000000},
		{0, 63, 0xffffffffffffffff},
	} {
		if got := Range64(tc.lo, tc.hi); got != tc.want {
			t.Errorf("Range64(%d, %d) = %#x, wanted %#x", tc.lo, tc.hi, got, tc.want)
		}
	}
}

func TestRange64Invalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Range64(5, 4) did not panic")
		}
	}()
	Range64(5, 4)
}

func TestAbove64(t *testing.T) {
	for _, tc := range []struct {
		n    int
		want uint64
	}{
		{0, 0xffffffffffffffff},
		{36, 0xfffffff000000000},
		{63, 0x8000000000000000},
		{64, 0},
	} {
		if got := Above64(tc.n); got != tc.want {
			t.Errorf("Above64(%d) = %#x, wanted %#x", tc.n, got, tc.want)
		}
	}
}

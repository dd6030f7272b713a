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

package hostarch

import "testing"

func TestAlignment(t *testing.T) {
	for _, tc := range []struct {
		addr  Addr
		align uint64
		want  bool
	}{
		{0, PageSize, true},
		{0x1000, PageSize, true},
		{0x1008, PageSize, false},
		{0x1010, 16, true},
		{0x1018, 16, false},
		{0x40, 64, true},
		{0x41, 64, false},
		{0x20, 64, false},
	} {
		if got := tc.addr.IsAligned(tc.align); got != tc.want {
			t.Errorf("Addr(%#x).IsAligned(%d) = %v, want %v", tc.addr, tc.align, got, tc.want)
		}
	}
	if !Addr(0x5000).IsPageAligned() || Addr(0x5001).IsPageAligned() {
		t.Errorf("IsPageAligned disagrees with IsAligned(PageSize)")
	}
}

func TestRoundUp(t *testing.T) {
	if got, ok := Addr(0x1001).RoundUp(); !ok || got != 0x2000 {
		t.Errorf("RoundUp(0x1001) = %#x, %v, want 0x2000, true", got, ok)
	}
	if _, ok := Addr(0xfffffffffffff001).RoundUp(); ok {
		t.Errorf("RoundUp near the top of the address space did not report wrap-around")
	}
}

func TestIsPhysicallyValid(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		bits uint
		want bool
	}{
		{0, 36, true},
		{0xfffffffff, 36, true},
		{0x1000000000, 36, false},
		{0xfffffffffffff, 0, true},
		{0x10000000000000, 0, false},
		{0x8000000000, 39, false},
	} {
		if got := tc.addr.IsPhysicallyValid(tc.bits); got != tc.want {
			t.Errorf("Addr(%#x).IsPhysicallyValid(%d) = %v, want %v", tc.addr, tc.bits, got, tc.want)
		}
	}
}

func TestIsCanonical(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		bits uint
		want bool
	}{
		{0, 48, true},
		{0x00007fffffffffff, 48, true},
		{0x0000800000000000, 48, false},
		{0xffff800000000000, 48, true},
		{0xfff0800000000000, 48, false},
		{0xffffffffffffffff, 0, true},
		{0x00ffffffffffffff, 57, true},
		{0x0100000000000000, 57, false},
	} {
		if got := tc.addr.IsCanonical(tc.bits); got != tc.want {
			t.Errorf("Addr(%#x).IsCanonical(%d) = %v, want %v", tc.addr, tc.bits, got, tc.want)
		}
	}
}

func TestEnd(t *testing.T) {
	if end, ok := Addr(0x1000).End(4, 16); !ok || end != 0x103f {
		t.Errorf("End(4, 16) = %#x, %v, want 0x103f, true", end, ok)
	}
	if _, ok := Addr(0xfffffffffffffff0).End(2, 16); ok {
		t.Errorf("End did not report overflow")
	}
	if end, ok := Addr(0x2000).End(0, 16); !ok || end != 0x2000 {
		t.Errorf("End(0, 16) = %#x, %v, want 0x2000, true", end, ok)
	}
}

func TestValidPAT(t *testing.T) {
	for mt := MemoryType(0); mt < 8; mt++ {
		want := mt != 2 && mt != 3
		if got := mt.ValidPAT(); got != want {
			t.Errorf("%v.ValidPAT() = %v, want %v", mt, got, want)
		}
	}
}

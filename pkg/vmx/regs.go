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

package vmx

import (
	"gvisor.dev/vmxctl/pkg/bitfield"
	"gvisor.dev/vmxctl/pkg/bits"
)

// Control register bits consulted by the entry checks.
var (
	CR0PE = bitfield.Bit[uint64]("pe", 0)
	CR0NE = bitfield.Bit[uint64]("ne", 5)
	CR0PG = bitfield.Bit[uint64]("pg", 31)

	CR4PAE   = bitfield.Bit[uint64]("pae", 5)
	CR4VMXE  = bitfield.Bit[uint64]("vmxe", 13)
	CR4PCIDE = bitfield.Bit[uint64]("pcide", 17)
)

// IA32_EFER bits.
var (
	EFERSCE = bitfield.Bit[uint64]("sce", 0)
	EFERLME = bitfield.Bit[uint64]("lme", 8)
	EFERLMA = bitfield.Bit[uint64]("lma", 10)
	EFERNXE = bitfield.Bit[uint64]("nxe", 11)
)

// EFERReserved are the IA32_EFER bits that must be zero.
const EFERReserved = ^uint64(1<<0 | 1<<8 | 1<<10 | 1<<11)

// PerfGlobalCtrlReserved are the IA32_PERF_GLOBAL_CTRL bits that must be
// zero, for up to eight general-purpose and three fixed-function counters.
const PerfGlobalCtrlReserved = ^uint64(0xff | 0x7<<32)

// Vectors of the exceptions that push an error code: #DF, #TS, #NP, #SS,
// #GP, #PF and #AC.
var errorCodeVectors = bits.Mask64(8, 10, 11, 12, 13, 14, 17)

// PushesErrorCode reports whether exception vector pushes an error code.
func PushesErrorCode(vector uint64) bool {
	return vector < 64 && bits.IsOn64(errorCodeVectors, bits.MaskOf64(int(vector)))
}

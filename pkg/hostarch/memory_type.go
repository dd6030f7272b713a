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

import "fmt"

// MemoryType is an x86 memory type encoding, as used by PAT entries, MTRRs,
// EPT entries and the EPT pointer.
type MemoryType uint8

const (
	// MemoryTypeUncacheable is strong uncacheable (UC).
	MemoryTypeUncacheable MemoryType = 0

	// MemoryTypeWriteCombining is write combining (WC).
	MemoryTypeWriteCombining MemoryType = 1

	// MemoryTypeWriteThrough is write through (WT).
	MemoryTypeWriteThrough MemoryType = 4

	// MemoryTypeWriteProtected is write protected (WP).
	MemoryTypeWriteProtected MemoryType = 5

	// MemoryTypeWriteBack is write back (WB).
	MemoryTypeWriteBack MemoryType = 6

	// MemoryTypeUncached is uncached (UC-). It is only valid in PAT entries.
	MemoryTypeUncached MemoryType = 7
)

// ValidPAT returns true if mt may appear in an IA32_PAT entry.
func (mt MemoryType) ValidPAT() bool {
	switch mt {
	case MemoryTypeUncacheable, MemoryTypeWriteCombining, MemoryTypeWriteThrough,
		MemoryTypeWriteProtected, MemoryTypeWriteBack, MemoryTypeUncached:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeUncacheable:
		return "Uncacheable"
	case MemoryTypeWriteCombining:
		return "WriteCombining"
	case MemoryTypeWriteThrough:
		return "WriteThrough"
	case MemoryTypeWriteProtected:
		return "WriteProtected"
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeUncached:
		return "Uncached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two or three character string compactly
// representing the MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeUncacheable:
		return "UC"
	case MemoryTypeWriteCombining:
		return "WC"
	case MemoryTypeWriteThrough:
		return "WT"
	case MemoryTypeWriteProtected:
		return "WP"
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeUncached:
		return "UC-"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}

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
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/vmxctl/pkg/msr"
)

// Static is an in-memory control block: VMCS fields, MSRs and the physical
// memory the fields refer to.
//
// Fields that were never written read as zero, as do unpopulated bytes of
// memory. Static implements Backend.
type Static struct {
	Fields map[Encoding]uint64
	MSRs   msr.Static
	Memory map[uint64]byte
}

// NewStatic returns an empty control block.
func NewStatic() *Static {
	return &Static{
		Fields: make(map[Encoding]uint64),
		MSRs:   make(msr.Static),
		Memory: make(map[uint64]byte),
	}
}

// ReadField implements Backend.ReadField.
func (s *Static) ReadField(enc Encoding) (uint64, error) {
	return s.Fields[enc], nil
}

// WriteField implements Backend.WriteField.
func (s *Static) WriteField(enc Encoding, v uint64) error {
	s.Fields[enc] = v
	return nil
}

// ReadMSR implements Backend.ReadMSR.
func (s *Static) ReadMSR(addr msr.Address) (uint64, error) {
	return s.MSRs.ReadMSR(addr)
}

// ReadPhysical implements Backend.ReadPhysical.
func (s *Static) ReadPhysical(addr uint64, buf []byte) error {
	for i := range buf {
		buf[i] = s.Memory[addr+uint64(i)]
	}
	return nil
}

// WritePhysical stores buf at addr.
func (s *Static) WritePhysical(addr uint64, buf []byte) {
	for i, b := range buf {
		s.Memory[addr+uint64(i)] = b
	}
}

// Set records a field value and returns s.
func (s *Static) Set(f Field, v uint64) *Static {
	s.Fields[f.Encoding] = v & f.Width().Mask()
	return s
}

// SetMSR records an MSR value and returns s.
func (s *Static) SetMSR(addr msr.Address, v uint64) *Static {
	s.MSRs[addr] = v
	return s
}

// Clone returns a deep copy of s. Each logical CPU checked concurrently gets
// its own copy.
func (s *Static) Clone() *Static {
	return deepcopy.Copy(s).(*Static)
}

// controlBlockFile is the on-disk TOML form of a Static.
//
//	[fields]
//	pin_based_vm_execution_controls = 0x16
//	"0x4002" = 0x84006172
//
//	[msrs]
//	IA32_VMX_BASIC = "0xda0400000004"
//
//	[memory]
//	"0x5080" = 0x20
//
// Values are integers or strings in any Go integer syntax. Strings are
// needed for 64-bit values that do not fit in a TOML integer.
type controlBlockFile struct {
	Fields map[string]any `toml:"fields"`
	MSRs   map[string]any `toml:"msrs"`
	Memory map[string]any `toml:"memory"`
}

func parseValue(v any) (uint64, error) {
	switch v := v.(type) {
	case int64:
		return uint64(v), nil
	case string:
		return strconv.ParseUint(v, 0, 64)
	default:
		return 0, fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}

// DecodeControlBlock reads a TOML control block from r.
func DecodeControlBlock(r io.Reader) (*Static, error) {
	var f controlBlockFile
	md, err := toml.NewDecoder(r).Decode(&f)
	if err != nil {
		return nil, fmt.Errorf("parsing control block: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown control block keys: %v", undecoded)
	}

	s := NewStatic()
	for name, raw := range f.Fields {
		fld, ok := FieldByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		v, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		if v&^fld.Width().Mask() != 0 {
			return nil, fmt.Errorf("field %s: value %#x does not fit in a %v field", name, v, fld.Width())
		}
		s.Set(fld, v)
	}
	for name, raw := range f.MSRs {
		addr, err := msr.ParseAddress(name)
		if err != nil {
			return nil, err
		}
		v, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("msr %s: %w", name, err)
		}
		s.SetMSR(addr, v)
	}
	for name, raw := range f.Memory {
		addr, err := strconv.ParseUint(name, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("memory address %q: %w", name, err)
		}
		v, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("memory %s: %w", name, err)
		}
		if v > 0xff {
			return nil, fmt.Errorf("memory %s: value %#x is not a byte", name, v)
		}
		s.Memory[addr] = byte(v)
	}
	return s, nil
}

// LoadControlBlock reads a TOML control block from path.
func LoadControlBlock(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := DecodeControlBlock(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// msrBackend overrides the MSR reads of a Backend.
type msrBackend struct {
	Backend
	msrs msr.Reader
}

// ReadMSR implements Backend.ReadMSR.
func (b msrBackend) ReadMSR(addr msr.Address) (uint64, error) {
	return b.msrs.ReadMSR(addr)
}

// WithMSRs returns b with MSR reads served by r.
func WithMSRs(b Backend, r msr.Reader) Backend {
	return msrBackend{Backend: b, msrs: r}
}

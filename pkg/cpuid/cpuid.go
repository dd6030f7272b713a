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

// Package cpuid provides access to the CPUID information that the control
// structure checks depend on: the physical and linear address widths and a
// handful of feature bits.
//
// A FeatureSet wraps a Function, which is either the Native instruction or a
// Static table. Tests build Static tables so that no check ever depends on the
// machine running it:
//
//	fs := cpuid.Static{}.WithAddressSizes(39, 48).Add(cpuid.X86FeatureVMX).ToFeatureSet()
package cpuid

// Function executes a CPUID function.
//
// This is typically the native function or a Static definition.
type Function interface {
	Query(In) Out
}

// In is input to the Query function.
type In struct {
	Eax uint32
	Ecx uint32
}

// Out is output from the Query function.
type Out struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
}

// cpuidFunction is a useful type wrapper. The format is eax | (ecx << 32).
type cpuidFunction uint64

func (f cpuidFunction) eax() uint32 {
	return uint32(f)
}

func (f cpuidFunction) ecx() uint32 {
	return uint32(f >> 32)
}

const (
	vendorID             cpuidFunction = 0x0        // Returns vendor ID and largest standard function.
	featureInfo          cpuidFunction = 0x1        // Returns basic feature bits and processor signature.
	extendedFeatureInfo  cpuidFunction = 0x7        // Returns extended feature bits.
	extendedFunctionInfo cpuidFunction = 0x80000000 // Returns highest available extended function in eax.
	addressSizes         cpuidFunction = 0x80000008 // Physical and virtual address sizes.
)

// normalize drops irrelevant Ecx values.
func (i *In) normalize() {
	switch cpuidFunction(i.Eax) {
	case extendedFeatureInfo:
		// Preserve i.Ecx.
	default:
		i.Ecx = 0 // Ignore.
	}
}

// Feature is a unique identifier for a particular cpu feature.
//
// Features are numbered according to "blocks". Each block is 32 bits, and
// feature bits from the same source (cpuid leaf/register) are in the same
// block.
type Feature int

// Block 0 is CPUID.1:ECX, block 1 is CPUID.1:EDX, block 2 is CPUID.7.0:EBX
// and block 3 is CPUID.7.0:ECX.
const (
	X86FeatureVMX      Feature = 0*32 + 5
	X86FeatureSMX      Feature = 0*32 + 6
	X86FeaturePCID     Feature = 0*32 + 17
	X86FeatureX2APIC   Feature = 0*32 + 21
	X86FeatureXSAVE    Feature = 0*32 + 26
	X86FeaturePAE      Feature = 1*32 + 6
	X86FeatureMSR      Feature = 1*32 + 5
	X86FeatureAPIC     Feature = 1*32 + 9
	X86FeaturePAT      Feature = 1*32 + 16
	X86FeatureFSGSBase Feature = 2*32 + 0
	X86FeatureSMEP     Feature = 2*32 + 7
	X86FeatureSMAP     Feature = 2*32 + 20
	X86FeatureLA57     Feature = 3*32 + 16
)

var featureNames = map[Feature]string{
	X86FeatureVMX:      "vmx",
	X86FeatureSMX:      "smx",
	X86FeaturePCID:     "pcid",
	X86FeatureX2APIC:   "x2apic",
	X86FeatureXSAVE:    "xsave",
	X86FeaturePAE:      "pae",
	X86FeatureMSR:      "msr",
	X86FeatureAPIC:     "apic",
	X86FeaturePAT:      "pat",
	X86FeatureFSGSBase: "fsgsbase",
	X86FeatureSMEP:     "smep",
	X86FeatureSMAP:     "smap",
	X86FeatureLA57:     "la57",
}

// String implements fmt.Stringer.String.
func (f Feature) String() string {
	if s, ok := featureNames[f]; ok {
		return s
	}
	return "unknown"
}

// FeatureFromString returns the Feature associated with the given feature
// string plus a bool to indicate if it could find the feature.
func FeatureFromString(s string) (Feature, bool) {
	for f, name := range featureNames {
		if name == s {
			return f, true
		}
	}
	return 0, false
}

// location returns the leaf and a pointer to the register holding f.
func (f Feature) location() (cpuidFunction, func(*Out) *uint32, uint32) {
	bit := uint32(1) << (uint32(f) % 32)
	switch f / 32 {
	case 0:
		return featureInfo, func(o *Out) *uint32 { return &o.Ecx }, bit
	case 1:
		return featureInfo, func(o *Out) *uint32 { return &o.Edx }, bit
	case 2:
		return extendedFeatureInfo, func(o *Out) *uint32 { return &o.Ebx }, bit
	case 3:
		return extendedFeatureInfo, func(o *Out) *uint32 { return &o.Ecx }, bit
	default:
		panic("cpuid: unknown feature block")
	}
}

// FeatureSet is a set of CPUID results backed by a Function.
type FeatureSet struct {
	// Function is the underlying CPUID Function.
	Function
}

// query is a internal wrapper.
func (fs FeatureSet) query(fn cpuidFunction) (uint32, uint32, uint32, uint32) {
	out := fs.Query(In{Eax: fn.eax(), Ecx: fn.ecx()})
	return out.Eax, out.Ebx, out.Ecx, out.Edx
}

// HasFeature tests whether or not a feature is in the given feature set.
func (fs FeatureSet) HasFeature(feature Feature) bool {
	fn, reg, bit := feature.location()
	out := fs.Query(In{Eax: fn.eax(), Ecx: fn.ecx()})
	return *reg(&out)&bit != 0
}

// maxExtendedFunction returns the highest extended leaf supported.
func (fs FeatureSet) maxExtendedFunction() uint32 {
	ax, _, _, _ := fs.query(extendedFunctionInfo)
	return ax
}

// PhysicalAddressBits returns the number of bits available for physical
// addresses (MAXPHYADDR). Processors that do not report it are assumed to
// implement 36 bits.
func (fs FeatureSet) PhysicalAddressBits() uint {
	if fs.maxExtendedFunction() < uint32(addressSizes) {
		return 36
	}
	ax, _, _, _ := fs.query(addressSizes)
	if ax&0xff == 0 {
		return 36
	}
	return uint(ax & 0xff)
}

// VirtualAddressBits returns the number of bits available for linear
// addresses, defaulting to 48.
func (fs FeatureSet) VirtualAddressBits() uint {
	if fs.maxExtendedFunction() < uint32(addressSizes) {
		return 48
	}
	ax, _, _, _ := fs.query(addressSizes)
	if (ax>>8)&0xff == 0 {
		return 48
	}
	return uint((ax >> 8) & 0xff)
}

// VendorID returns the 12-character vendor string.
func (fs FeatureSet) VendorID() string {
	_, bx, cx, dx := fs.query(vendorID)
	var r [12]byte
	for i, reg := range []uint32{bx, dx, cx} {
		for j := 0; j < 4; j++ {
			r[i*4+j] = byte(reg >> (8 * j))
		}
	}
	return string(r[:])
}

// Intel returns true if the processor reports the GenuineIntel vendor.
func (fs FeatureSet) Intel() bool {
	return fs.VendorID() == "GenuineIntel"
}

// HostFeatureSet returns the FeatureSet of the machine running this process.
func HostFeatureSet() FeatureSet {
	return FeatureSet{Function: Native{}}
}

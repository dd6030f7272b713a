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

package cpuid

// Static is a static CPUID function.
type Static map[In]Out

// Query implements Function.Query.
func (s Static) Query(in In) Out {
	in.normalize()
	return s[in]
}

// Set sets the output of a single leaf.
func (s Static) Set(in In, out Out) {
	in.normalize()
	s[in] = out
}

// Add adds a feature.
func (s Static) Add(feature Feature) Static {
	return s.set(feature, true)
}

// Remove removes a feature.
func (s Static) Remove(feature Feature) Static {
	return s.set(feature, false)
}

func (s Static) set(feature Feature, on bool) Static {
	fn, reg, bit := feature.location()
	in := In{Eax: fn.eax(), Ecx: fn.ecx()}
	out := s[in]
	if on {
		*reg(&out) |= bit
	} else {
		*reg(&out) &^= bit
	}
	s[in] = out
	return s
}

// WithAddressSizes records the physical and linear address widths.
func (s Static) WithAddressSizes(phys, linear uint) Static {
	ext := In{Eax: uint32(extendedFunctionInfo)}
	out := s[ext]
	if out.Eax < uint32(addressSizes) {
		out.Eax = uint32(addressSizes)
	}
	s[ext] = out
	s[In{Eax: uint32(addressSizes)}] = Out{Eax: uint32(phys&0xff) | uint32(linear&0xff)<<8}
	return s
}

// ToFeatureSet converts a static specification to a FeatureSet.
func (s Static) ToFeatureSet() FeatureSet {
	// Make a copy.
	ns := make(Static, len(s))
	for k, v := range s {
		ns[k] = v
	}
	return FeatureSet{ns}
}

// ToStatic captures every leaf this package reads into a Static table.
func (fs FeatureSet) ToStatic() Static {
	s := make(Static)
	for _, fn := range []cpuidFunction{vendorID, featureInfo, extendedFeatureInfo, extendedFunctionInfo, addressSizes} {
		in := In{Eax: fn.eax(), Ecx: fn.ecx()}
		s[in] = fs.Query(in)
	}
	return s
}

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

//go:build !linux
// +build !linux

package msr

import (
	"errors"
)

// Native is unavailable on this platform.
type Native struct{}

// OpenNative always fails on this platform.
func OpenNative(int) (*Native, error) {
	return nil, errors.New("msr device not supported on this platform")
}

// ReadMSR implements Reader.ReadMSR.
func (*Native) ReadMSR(addr Address) (uint64, error) {
	return 0, ErrNotPresent
}

// Close implements io.Closer.Close.
func (*Native) Close() error {
	return nil
}

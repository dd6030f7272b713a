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

package driver

import (
	"errors"
	"fmt"
)

// ErrUnsupportedPlatform is returned by Open outside Linux.
var ErrUnsupportedPlatform = errors.New("the VMM driver is only available on Linux")

// Device is the driver's character device.
type Device struct{ Driver }

// Open is not supported on this platform.
func Open(path string) (*Device, error) {
	return nil, fmt.Errorf("opening %s: %w", path, ErrUnsupportedPlatform)
}

// Close is a no-op.
func (d *Device) Close() error {
	return nil
}

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

//go:build linux
// +build linux

package driver

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

func (d *Device) ioctlPtr(op string, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg)); errno != 0 {
		return &OperationError{Op: op, Err: errno}
	}
	return nil
}

func (d *Device) addModule(image []byte) error {
	arg := moduleArg{
		addr: uint64(uintptr(unsafe.Pointer(&image[0]))),
		size: uint64(len(image)),
	}
	err := d.ioctlPtr("add module", ioctlAddModule, unsafe.Pointer(&arg))
	runtime.KeepAlive(image)
	return err
}

func (d *Device) dump() (DebugRing, error) {
	buf := make([]byte, DebugRingSize)
	arg := dumpArg{
		addr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		size: uint64(len(buf)),
	}
	err := d.ioctlPtr("dump", ioctlDump, unsafe.Pointer(&arg))
	runtime.KeepAlive(buf)
	if err != nil {
		return DebugRing{}, err
	}
	return DebugRing{Start: arg.start, End: arg.end, Buf: buf}, nil
}

func (d *Device) status() (Status, error) {
	var s int64
	if err := d.ioctlPtr("status", ioctlStatus, unsafe.Pointer(&s)); err != nil {
		return 0, err
	}
	return Status(s), nil
}

func (d *Device) selectCPU(cpu uint64) error {
	return d.ioctlPtr("select cpu", ioctlSelectCPU, unsafe.Pointer(&cpu))
}

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

package driver

import "unsafe"

// DebugRingSize is the size of each CPU's debug ring.
const DebugRingSize = 0x8000

// Linux ioctl request encoding: direction, size, type and number.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

// ioctlType is the driver's ioctl type byte.
const ioctlType = 0xf0

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | ioctlType<<iocTypeShift | nr<<iocNRShift
}

// moduleArg describes a module image in the caller's memory.
type moduleArg struct {
	addr uint64
	size uint64
}

// dumpArg receives a debug ring. The driver fills start and end and copies
// the ring into the size bytes at addr.
type dumpArg struct {
	start uint64
	end   uint64
	addr  uint64
	size  uint64
}

var (
	ioctlAddModule = ioc(iocWrite, 0x01, unsafe.Sizeof(moduleArg{}))
	ioctlLoad      = ioc(iocNone, 0x02, 0)
	ioctlUnload    = ioc(iocNone, 0x03, 0)
	ioctlStart     = ioc(iocNone, 0x04, 0)
	ioctlStop      = ioc(iocNone, 0x05, 0)
	ioctlDump      = ioc(iocRead|iocWrite, 0x06, unsafe.Sizeof(dumpArg{}))
	ioctlStatus    = ioc(iocRead, 0x07, unsafe.Sizeof(int64(0)))
	ioctlSelectCPU = ioc(iocWrite, 0x08, unsafe.Sizeof(uint64(0)))
)

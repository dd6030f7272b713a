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

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/moby/sys/capability"
	"gvisor.dev/vmxctl/pkg/log"
)

// Capabilities needed to open the host devices.
const (
	// driverCapability is required by the VMM driver's ioctls.
	driverCapability = capability.CAP_SYS_ADMIN

	// msrCapability is required to read /dev/cpu/N/msr.
	msrCapability = capability.CAP_SYS_RAWIO
)

// capName returns the conventional name of c, e.g. CAP_SYS_RAWIO.
func capName(c capability.Cap) string {
	return "CAP_" + strings.ToUpper(c.String())
}

// hasCapability reports whether the process has c in its effective set.
// Failure to read the capability sets reports true, leaving the original
// error unannotated.
var hasCapability = func(c capability.Cap) bool {
	caps, err := capability.NewPid2(os.Getpid())
	if err != nil {
		log.Debugf("Reading capabilities: %v", err)
		return true
	}
	if err := caps.Load(); err != nil {
		log.Debugf("Loading capabilities: %v", err)
		return true
	}
	return caps.Get(capability.EFFECTIVE, c)
}

// annotatePermission names the missing capability in a permission error.
func annotatePermission(err error, c capability.Cap) error {
	if err == nil || !errors.Is(err, fs.ErrPermission) || hasCapability(c) {
		return err
	}
	return fmt.Errorf("%w (%s is required)", err, capName(c))
}

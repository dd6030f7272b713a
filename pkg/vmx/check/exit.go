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

package check

import (
	"gvisor.dev/vmxctl/pkg/vmx"
)

var exitChecks = []Check{
	{Exit, "exit_controls_reserved", reserved(vmx.ExitControls)},
	{Exit, "preemption_timer_save", preemptionTimerSave},
	{Exit, "exit_msr_store_area", exitMSRStoreArea},
	{Exit, "exit_msr_load_area", exitMSRLoadArea},
}

func preemptionTimerSave(c *vmx.CPU) error {
	v := newView(c)
	if v.on(vmx.SavePreemptionTimer) && !v.on(vmx.ActivatePreemptionTimer) && v.err == nil {
		return violationf("save VMX-preemption timer value requires activate VMX-preemption timer")
	}
	return v.err
}

func exitMSRStoreArea(c *vmx.CPU) error {
	v := newView(c)
	count := v.u(vmx.ExitMSRStoreCount)
	addr := v.u(vmx.ExitMSRStoreAddress)
	if v.err != nil {
		return v.err
	}
	return msrArea(c, vmx.ExitMSRStoreAddress.Name, addr, count)
}

func exitMSRLoadArea(c *vmx.CPU) error {
	v := newView(c)
	count := v.u(vmx.ExitMSRLoadCount)
	addr := v.u(vmx.ExitMSRLoadAddress)
	if v.err != nil {
		return v.err
	}
	return msrArea(c, vmx.ExitMSRLoadAddress.Name, addr, count)
}

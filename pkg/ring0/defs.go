// Copyright 2026 The gVisor Authors.
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


// Package ring0 models the privileged processors that tasks run on.
//
// A CPU carries two pieces of state that matter for cross-address-space
// access: a preemption count, and the page tables currently installed in the
// user address space base register. A task owns a CPU for the duration of a
// system call; the Kernel hands CPUs out and takes them back.
package ring0

import (
	"gvisor.dev/uaccess/pkg/hostarch"
)

const (
	// VirtualAddressBits is the number of implemented virtual address bits.
	VirtualAddressBits = 48

	// UserspaceSize is the total size of userspace.
	UserspaceSize = uintptr(1) << (VirtualAddressBits - 1)

	// MaximumUserAddress is the largest possible user address.
	MaximumUserAddress = (UserspaceSize - 1) & ^uintptr(hostarch.PageSize-1)

	// KernelStartAddress is the starting kernel address.
	KernelStartAddress = ^uintptr(0) - (UserspaceSize - 1)
)

// IsKernelAddr returns true if addr lies in the kernel half.
func IsKernelAddr(addr hostarch.Addr) bool {
	return uintptr(addr) >= KernelStartAddress
}

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

package uaccess

import (
	"context"
	"sync/atomic"

	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/ring0"
	"gvisor.dev/uaccess/pkg/ring0/pagetables"
	"gvisor.dev/uaccess/pkg/sentry/physmem"
)

// AddressSpace is a foreign address space whose pages can be pinned.
//
// mm.MemoryManager implements AddressSpace.
type AddressSpace interface {
	// Pin pins up to len(pages) consecutive pages starting with the page
	// containing addr, for accesses of type at, storing them in pages[:n].
	// n < len(pages) with a nil error is a partial pin. An error means
	// nothing was pinned.
	Pin(ctx context.Context, addr hostarch.Addr, pages []*physmem.Page, at hostarch.AccessType) (n int, err error)

	// Unpin releases pages returned by Pin.
	Unpin(pages []*physmem.Page)

	// PageTables returns the address space's page tables. They are used for
	// diagnostics only.
	PageTables() *pagetables.PageTables
}

// WorkFlags are deferred-work requests raised by copies.
type WorkFlags uint32

const (
	// WorkFault is requested when a copy leaves bytes untransferred.
	WorkFault WorkFlags = 1 << iota

	// WorkResched is requested by callers that want a scheduling pass.
	WorkResched
)

// Task is the context a copy runs in.
type Task struct {
	// Space is the foreign address space. If nil, addresses are kernel
	// addresses.
	Space AddressSpace

	// CPU is the processor the task owns.
	CPU *ring0.CPU

	// KernelAccess marks addresses as belonging to the kernel itself
	// regardless of Space.
	KernelAccess bool

	// work holds pending WorkFlags.
	work atomic.Uint32
}

// RequestWork requests a deferred-work pass for flags.
func (t *Task) RequestWork(flags WorkFlags) {
	t.work.Or(uint32(flags))
}

// PendingWork returns pending work without clearing it.
func (t *Task) PendingWork() WorkFlags {
	return WorkFlags(t.work.Load())
}

// ClearWork clears and returns pending work.
func (t *Task) ClearWork() WorkFlags {
	return WorkFlags(t.work.Swap(0))
}

// kernelSpace returns true if t's addresses resolve through the kernel's own
// mappings.
func (t *Task) kernelSpace() bool {
	return t.KernelAccess || t.Space == nil
}

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


// Package mm implements foreign address spaces.
//
// A MemoryManager is a set of vmas (virtual memory areas, which describe what
// the address space may contain) plus page tables (which describe what it
// currently does contain). Pages are allocated from physical memory and
// mapped lazily, on first fault.
//
// Lock order:
//
//	mappingMu
//		activeMu
package mm

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/uaccess/pkg/ring0/pagetables"
	"gvisor.dev/uaccess/pkg/sentry/physmem"
)

// checkInvariants enables expensive consistency checks.
const checkInvariants = false

// vmaDegree is the btree degree of the vma set.
const vmaDegree = 8

// Options configures a MemoryManager.
type Options struct {
	// MaxPinPages bounds the number of pages a single Pin call may pin. Zero
	// means unbounded.
	MaxPinPages int
}

// MemoryManager implements a virtual address space.
type MemoryManager struct {
	// mem is the physical memory backing pages.
	mem *physmem.Memory

	// opts are immutable after construction.
	opts Options

	// mappingMu protects vmas.
	mappingMu sync.RWMutex

	// vmas are ordered by start address and never overlap.
	vmas *btree.BTreeG[vma]

	// activeMu serializes page table modification and page reference
	// changes made on behalf of this address space.
	activeMu sync.Mutex

	// pt holds the current translations. pt itself is immutable; its
	// entries are protected by activeMu for writing.
	pt *pagetables.PageTables

	// released is set by Release.
	released atomic.Bool
}

// NewMemoryManager returns an empty address space backed by mem.
func NewMemoryManager(mem *physmem.Memory, alloc pagetables.Allocator, opts Options) (*MemoryManager, error) {
	pt, err := pagetables.New(alloc)
	if err != nil {
		return nil, err
	}
	return &MemoryManager{
		mem:  mem,
		opts: opts,
		vmas: btree.NewG(vmaDegree, vmaLess),
		pt:   pt,
	}, nil
}

// PageTables returns mm's page tables.
//
// Lookups through the returned tables are advisory: they may race with
// faults and unmaps.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	return mm.pt
}

// Memory returns the physical memory backing mm.
func (mm *MemoryManager) Memory() *physmem.Memory {
	return mm.mem
}

// Release tears down the address space, dropping every mapped page. Pages
// that are still pinned stay allocated until they are unpinned.
//
// Subsequent Pin calls fail with ESRCH.
func (mm *MemoryManager) Release() {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.released.Swap(true) {
		return
	}
	mm.vmas.Clear(false)

	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()
	mm.unmapPagesLocked(userRange)
}

// Released returns true if Release has been called.
func (mm *MemoryManager) Released() bool {
	return mm.released.Load()
}

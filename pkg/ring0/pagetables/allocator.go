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

package pagetables

import (
	"sync"

	"gvisor.dev/uaccess/pkg/errors/linuxerr"
	"gvisor.dev/uaccess/pkg/hostarch"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of PTEs and their physical address.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address. It returns nil if no
	// table lives at physical.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs a freed, although they may not be available
	// for use again until Recycle is called, depending on the implementation.
	FreePTEs(ptes *PTEs)
}

// tablePhysicalBase is where RuntimeAllocator places table "physical"
// addresses. It is distinct from any physmem range.
const tablePhysicalBase = 0x10_0000_0000

// RuntimeAllocator is a trivial allocator that allocates tables from the Go
// heap and hands out synthetic physical addresses for them.
type RuntimeAllocator struct {
	// Limit, if non-zero, bounds the number of live tables.
	Limit int

	mu     sync.RWMutex
	next   uintptr
	byAddr map[uintptr]*PTEs
	byPTEs map[*PTEs]uintptr
}

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next:   tablePhysicalBase,
		byAddr: make(map[uintptr]*PTEs),
		byPTEs: make(map[*PTEs]uintptr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() (*PTEs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Limit > 0 && len(r.byAddr) >= r.Limit {
		return nil, linuxerr.ENOMEM
	}
	ptes := new(PTEs)
	physical := r.next
	r.next += hostarch.PageSize
	r.byAddr[physical] = ptes
	r.byPTEs[ptes] = physical
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPTEs[ptes]
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddr[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if physical, ok := r.byPTEs[ptes]; ok {
		delete(r.byPTEs, ptes)
		delete(r.byAddr, physical)
	}
}

// Tables returns the number of live tables.
func (r *RuntimeAllocator) Tables() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}

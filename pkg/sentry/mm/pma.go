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

package mm

import (
	"fmt"

	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/log"
	"gvisor.dev/uaccess/pkg/ring0"
	"gvisor.dev/uaccess/pkg/ring0/pagetables"
	"gvisor.dev/uaccess/pkg/sentry/physmem"
)

// userRange is the entire user half of an address space.
var userRange = hostarch.AddrRange{Start: 0, End: hostarch.Addr(ring0.UserspaceSize)}

// leafOpts returns page table options for a user page with perms.
func leafOpts(perms hostarch.AccessType) pagetables.MapOpts {
	return pagetables.MapOpts{AccessType: perms, User: true}
}

// pageForPhysical returns the page backing physical.
func (mm *MemoryManager) pageForPhysical(physical uintptr) *physmem.Page {
	f, ok := mm.mem.FrameOf(uint64(physical))
	if !ok {
		panic(fmt.Sprintf("page table entry points outside physical memory: %#x", physical))
	}
	return mm.mem.Lookup(f)
}

// pageAtLocked returns the page mapped at addr, if any.
//
// Preconditions: mm.activeMu must be locked.
func (mm *MemoryManager) pageAtLocked(addr hostarch.Addr) (*physmem.Page, pagetables.MapOpts, bool) {
	physical, opts, ok := mm.pt.Lookup(addr)
	if !ok {
		return nil, pagetables.MapOpts{}, false
	}
	return mm.pageForPhysical(physical), opts, true
}

// faultLocked ensures that the page containing addr is mapped with at least
// the permissions of v, allocating it if necessary, and returns it. The
// returned page is referenced only by the page table.
//
// Preconditions: mm.mappingMu must be locked. mm.activeMu must be locked.
// v contains addr and v.perms.SupersetOf(at).
func (mm *MemoryManager) faultLocked(v vma, addr hostarch.Addr, at hostarch.AccessType) (*physmem.Page, error) {
	addr = addr.RoundDown()
	if p, opts, ok := mm.pageAtLocked(addr); ok {
		if opts.AccessType.SupersetOf(at) {
			return p, nil
		}
		// Stale permissions; refresh from the vma.
		if err := mm.pt.Map(addr, uintptr(p.PhysAddr()), leafOpts(v.perms)); err != nil {
			return nil, err
		}
		return p, nil
	}

	p, err := mm.mem.Allocate()
	if err != nil {
		return nil, err
	}
	if err := mm.pt.Map(addr, uintptr(p.PhysAddr()), leafOpts(v.perms)); err != nil {
		p.DecRef()
		return nil, err
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Faulted in %v at %v (%v)", p, addr, v.name)
	}
	return p, nil
}

// unmapPagesLocked removes every page mapped in ar and drops the page table's
// reference to it.
//
// Preconditions: mm.activeMu must be locked. ar is page-aligned.
func (mm *MemoryManager) unmapPagesLocked(ar hostarch.AddrRange) {
	var addrs []hostarch.Addr
	mm.pt.Walk(ar, func(addr hostarch.Addr, _ uintptr, _ pagetables.MapOpts) bool {
		addrs = append(addrs, addr)
		return true
	})
	for _, addr := range addrs {
		if physical, ok := mm.pt.Unmap(addr); ok {
			mm.pageForPhysical(physical).DecRef()
		}
	}
}

// protectPagesLocked applies perms to every page mapped in ar. Pages that
// become inaccessible are unmapped.
//
// Preconditions: mm.activeMu must be locked. ar is page-aligned.
func (mm *MemoryManager) protectPagesLocked(ar hostarch.AddrRange, perms hostarch.AccessType) error {
	if !perms.Any() {
		mm.unmapPagesLocked(ar)
		return nil
	}
	type mapping struct {
		addr     hostarch.Addr
		physical uintptr
	}
	var ms []mapping
	mm.pt.Walk(ar, func(addr hostarch.Addr, physical uintptr, _ pagetables.MapOpts) bool {
		ms = append(ms, mapping{addr, physical})
		return true
	})
	for _, m := range ms {
		if err := mm.pt.Map(m.addr, m.physical, leafOpts(perms)); err != nil {
			return err
		}
	}
	return nil
}

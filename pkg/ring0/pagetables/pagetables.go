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

// Package pagetables provides a generic implementation of four-level page
// tables.
//
// Page tables translate canonical 48-bit virtual addresses to physical
// addresses at PageSize granularity. Intermediate tables are allocated on
// demand by Map and released by Unmap once they no longer hold any valid
// entries.
//
// Lookup never takes the table lock and loads every entry atomically, so it
// may run concurrently with Map and Unmap. A concurrent Lookup observes either
// the old or the new translation; callers that need an authoritative answer
// must serialize against modifications themselves.
package pagetables

import (
	"fmt"
	"sync"

	"gvisor.dev/uaccess/pkg/hostarch"
)

// Address space layout.
const (
	lowerTop    = 0x0000_7fff_ffff_ffff
	upperBottom = 0xffff_8000_0000_0000
)

// Shifts and sizes for each level, top-down.
const (
	pgdShift = 39
	pudShift = 30
	pmdShift = 21
	pteShift = hostarch.PageShift

	pgdSize = 1 << pgdShift
	pudSize = 1 << pudShift
	pmdSize = 1 << pmdShift
	pteSize = 1 << pteShift

	entriesPerPage = 512
	indexMask      = entriesPerPage - 1
	numLevels      = 4
)

// levelShifts are the shifts for each level, top-down.
var levelShifts = [numLevels]uint{pgdShift, pudShift, pmdShift, pteShift}

// MapOpts are the options used for a leaf mapping.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// User indicates the page is a user page.
	User bool
}

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// mu serializes Map and Unmap. Lookup does not take mu.
	mu sync.Mutex

	// root is the top-level table.
	root *PTEs

	// rootPhysical is the physical address of root.
	rootPhysical uintptr
}

// New returns new PageTables backed by allocator.
func New(allocator Allocator) (*PageTables, error) {
	root, err := allocator.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	return &PageTables{
		Allocator:    allocator,
		root:         root,
		rootPhysical: allocator.PhysicalFor(root),
	}, nil
}

// RootPhysical returns the physical address of the top-level table; this is
// the value an address space base register holds while p is active.
func (p *PageTables) RootPhysical() uintptr {
	return p.rootPhysical
}

// canonical returns true if addr is a canonical 48-bit address.
func canonical(addr hostarch.Addr) bool {
	return addr <= lowerTop || addr >= upperBottom
}

// index returns addr's index into a table at the given level.
func index(addr hostarch.Addr, level int) int {
	return int(uintptr(addr)>>levelShifts[level]) & indexMask
}

// Map installs a mapping of the page containing addr to the page at physical.
//
// Preconditions: physical is page-aligned.
func (p *PageTables) Map(addr hostarch.Addr, physical uintptr, opts MapOpts) error {
	if !canonical(addr) {
		return fmt.Errorf("non-canonical address %v", addr)
	}
	if physical&(pteSize-1) != 0 {
		panic(fmt.Sprintf("unaligned physical address %#x", physical))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.root
	for level := 0; level < numLevels-1; level++ {
		entry := &entries[index(addr, level)]
		if entry.Valid() {
			entries = p.Allocator.LookupPTEs(entry.Address())
			continue
		}
		next, err := p.Allocator.NewPTEs()
		if err != nil {
			return fmt.Errorf("allocating level %d table for %v: %w", level+1, addr, err)
		}
		entry.setPageTable(p.Allocator.PhysicalFor(next))
		entries = next
	}
	entries[index(addr, numLevels-1)].Set(physical, opts)
	return nil
}

// Unmap removes the mapping of the page containing addr. It returns the
// physical address previously mapped, and false if nothing was mapped.
func (p *PageTables) Unmap(addr hostarch.Addr) (uintptr, bool) {
	if !canonical(addr) {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	// Remember the path so that empty tables can be released bottom-up.
	var path [numLevels]*PTEs
	entries := p.root
	for level := 0; level < numLevels-1; level++ {
		path[level] = entries
		entry := &entries[index(addr, level)]
		if !entry.Valid() {
			return 0, false
		}
		entries = p.Allocator.LookupPTEs(entry.Address())
	}
	path[numLevels-1] = entries

	leaf := &entries[index(addr, numLevels-1)]
	if !leaf.Valid() {
		return 0, false
	}
	physical := leaf.Address()
	leaf.Clear()

	for level := numLevels - 1; level > 0; level-- {
		if !path[level].empty() {
			break
		}
		parent := &path[level-1][index(addr, level-1)]
		parent.Clear()
		p.Allocator.FreePTEs(path[level])
	}
	return physical, true
}

// Lookup returns the physical address of the page containing addr and the
// options it is mapped with. ok is false if addr is not mapped; the walk stops
// at the first level whose entry is not present.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	if !canonical(addr) {
		return 0, MapOpts{}, false
	}
	entries := p.root
	for level := 0; level < numLevels-1; level++ {
		entry := &entries[index(addr, level)]
		if !entry.Valid() {
			return 0, MapOpts{}, false
		}
		if entries = p.Allocator.LookupPTEs(entry.Address()); entries == nil {
			// Released by a concurrent Unmap.
			return 0, MapOpts{}, false
		}
	}
	leaf := &entries[index(addr, numLevels-1)]
	v := leaf.load()
	if v&present == 0 {
		return 0, MapOpts{}, false
	}
	return uintptr(v & addressMask), optsOf(v), true
}

// IsEmpty returns true if p maps nothing.
func (p *PageTables) IsEmpty() bool {
	return p.root.empty()
}

// Visitor is called by Walk for each mapped page. Returning false stops the
// walk.
type Visitor func(addr hostarch.Addr, physical uintptr, opts MapOpts) bool

// Walk calls fn for each mapped page in ar, in increasing address order.
// Absent subtrees are skipped without visiting their pages.
//
// Preconditions: ar is page-aligned and canonical.
func (p *PageTables) Walk(ar hostarch.AddrRange, fn Visitor) {
	p.walkLevel(p.root, 0, uintptr(ar.Start), uintptr(ar.End), fn)
}

// addrEnd returns the address of the next boundary of the given size after
// addr, or end if that comes earlier.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

func (p *PageTables) walkLevel(entries *PTEs, level int, start, end uintptr, fn Visitor) bool {
	size := uintptr(1) << levelShifts[level]
	for start < end {
		next := addrEnd(start, end, size)
		entry := &entries[index(hostarch.Addr(start), level)]
		v := entry.load()
		switch {
		case v&present == 0:
			// Skip over this entry.
		case level == numLevels-1:
			if !fn(hostarch.Addr(start), uintptr(v&addressMask), optsOf(v)) {
				return false
			}
		default:
			child := p.Allocator.LookupPTEs(uintptr(v & addressMask))
			if child != nil && !p.walkLevel(child, level+1, start, next, fn) {
				return false
			}
		}
		start = next
	}
	return true
}

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
	"sync/atomic"

	"gvisor.dev/uaccess/pkg/hostarch"
)

// Bits in page table entries.
const (
	present     = 1 << 0
	writable    = 1 << 1
	user        = 1 << 2
	executeDis  = 1 << 63
	addressMask = 0x000f_ffff_ffff_f000
)

// PTE is a page table entry.
type PTE struct {
	v atomic.Uint64
}

func (p *PTE) load() uint64 {
	return p.v.Load()
}

// Valid returns true iff this entry is present.
func (p *PTE) Valid() bool {
	return p.load()&present != 0
}

// Address returns the physical address this entry points to: a page for leaf
// entries, or the next-level table otherwise.
func (p *PTE) Address() uintptr {
	return uintptr(p.load() & addressMask)
}

// Opts returns the leaf options of this entry.
func (p *PTE) Opts() MapOpts {
	return optsOf(p.load())
}

// Clear clears this PTE.
func (p *PTE) Clear() {
	p.v.Store(0)
}

// Set sets this leaf PTE.
func (p *PTE) Set(physical uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := uint64(physical)&addressMask | present
	if opts.AccessType.Write {
		v |= writable
	}
	if !opts.AccessType.Execute {
		v |= executeDis
	}
	if opts.User {
		v |= user
	}
	p.v.Store(v)
}

// setPageTable points this entry at the table at physical.
func (p *PTE) setPageTable(physical uintptr) {
	p.v.Store(uint64(physical)&addressMask | present | writable | user)
}

func optsOf(v uint64) MapOpts {
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&present != 0 && v&executeDis == 0,
		},
		User: v&user != 0,
	}
}

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// empty returns true if no entry in p is valid.
func (p *PTEs) empty() bool {
	for i := range p {
		if p[i].Valid() {
			return false
		}
	}
	return true
}

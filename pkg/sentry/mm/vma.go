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
)

// A vma represents a virtual memory area.
type vma struct {
	start hostarch.Addr
	end   hostarch.Addr

	// perms are the permissions of the area.
	perms hostarch.AccessType

	// name is shown in diagnostics only.
	name string
}

func vmaLess(a, b vma) bool {
	return a.start < b.start
}

// Range returns the area's address range.
func (v vma) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.start, End: v.end}
}

// String implements fmt.Stringer.
func (v vma) String() string {
	return fmt.Sprintf("%v %v %s", v.Range(), v.perms, v.name)
}

// findVMALocked returns the vma containing addr.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) findVMALocked(addr hostarch.Addr) (vma, bool) {
	var (
		found vma
		ok    bool
	)
	mm.vmas.DescendLessOrEqual(vma{start: addr}, func(v vma) bool {
		found, ok = v, addr < v.end
		return false
	})
	return found, ok
}

// overlappingVMAsLocked returns the vmas intersecting ar, in address order.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) overlappingVMAsLocked(ar hostarch.AddrRange) []vma {
	pivot := vma{start: ar.Start}
	if v, ok := mm.findVMALocked(ar.Start); ok {
		pivot = v
	}
	var vs []vma
	mm.vmas.AscendGreaterOrEqual(pivot, func(v vma) bool {
		if v.start >= ar.End {
			return false
		}
		vs = append(vs, v)
		return true
	})
	return vs
}

// coveredLocked returns true if vmas cover every address in ar.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) coveredLocked(ar hostarch.AddrRange) bool {
	next := ar.Start
	for _, v := range mm.overlappingVMAsLocked(ar) {
		if v.start > next {
			return false
		}
		next = v.end
	}
	return next >= ar.End
}

// carveLocked removes ar from the vma set, splitting areas that straddle its
// edges. It returns the removed pieces, clipped to ar.
//
// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) carveLocked(ar hostarch.AddrRange) []vma {
	var removed []vma
	for _, v := range mm.overlappingVMAsLocked(ar) {
		mm.vmas.Delete(v)
		if v.start < ar.Start {
			left := v
			left.end = ar.Start
			mm.vmas.ReplaceOrInsert(left)
			v.start = ar.Start
		}
		if v.end > ar.End {
			right := v
			right.start = ar.End
			mm.vmas.ReplaceOrInsert(right)
			v.end = ar.End
		}
		removed = append(removed, v)
	}
	if checkInvariants {
		mm.checkVMAsLocked()
	}
	return removed
}

// checkVMAsLocked panics if vmas overlap or are malformed.
func (mm *MemoryManager) checkVMAsLocked() {
	var prev hostarch.Addr
	mm.vmas.Ascend(func(v vma) bool {
		if !v.Range().WellFormed() || v.start < prev {
			panic(fmt.Sprintf("invalid vma %v after %#x", v, prev))
		}
		prev = v.end
		return true
	})
}

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
	"context"

	"gvisor.dev/uaccess/pkg/errors/linuxerr"
	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/log"
)

// MMapOpts specifies a memory mapping.
type MMapOpts struct {
	// Addr is the page-aligned start of the mapping.
	Addr hostarch.Addr

	// Length is the length of the mapping in bytes.
	Length uint64

	// Perms is the set of permitted accesses.
	Perms hostarch.AccessType

	// Name is used in diagnostics.
	Name string

	// Precommit causes every page of the mapping to be allocated and mapped
	// immediately.
	Precommit bool
}

// checkRange validates a page-aligned user range.
func checkRange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	if !addr.IsPageAligned() || length == 0 {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	end, ok := addr.AddLength(length)
	if !ok {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	end, ok = end.RoundUp()
	if !ok || end > userRange.End {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	return hostarch.AddrRange{Start: addr, End: end}, nil
}

// MMap establishes a memory mapping at opts.Addr. Unlike mmap(2) the mapping
// never replaces an existing one; overlap fails with EEXIST.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) error {
	ar, err := checkRange(opts.Addr, opts.Length)
	if err != nil {
		return err
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.released.Load() {
		return linuxerr.ESRCH
	}
	if len(mm.overlappingVMAsLocked(ar)) != 0 {
		return linuxerr.EEXIST
	}
	v := vma{start: ar.Start, end: ar.End, perms: opts.Perms, name: opts.Name}
	mm.vmas.ReplaceOrInsert(v)

	if opts.Precommit && opts.Perms.Any() {
		mm.activeMu.Lock()
		defer mm.activeMu.Unlock()
		for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
			if err := ctx.Err(); err != nil {
				return linuxerr.EINTR
			}
			if _, err := mm.faultLocked(v, addr, hostarch.NoAccess); err != nil {
				// The mapping stays; remaining pages fault in on demand.
				log.Warningf("Precommit of %v stopped at %v: %v", v, addr, err)
				break
			}
		}
	}
	return nil
}

// MUnmap removes mappings in [addr, addr+length). Unmapping a range with no
// mappings is not an error.
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	ar, err := checkRange(addr, length)
	if err != nil {
		return err
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.carveLocked(ar)

	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()
	mm.unmapPagesLocked(ar)
	return nil
}

// MProtect changes the permissions of [addr, addr+length). Every address in
// the range must be mapped, otherwise ENOMEM is returned and nothing changes.
func (mm *MemoryManager) MProtect(ctx context.Context, addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	ar, err := checkRange(addr, length)
	if err != nil {
		return err
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if !mm.coveredLocked(ar) {
		return linuxerr.ENOMEM
	}
	for _, v := range mm.carveLocked(ar) {
		v.perms = perms
		mm.vmas.ReplaceOrInsert(v)
	}

	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()
	return mm.protectPagesLocked(ar, perms)
}

// HandleUserFault handles a fault on addr for an access of type at.
func (mm *MemoryManager) HandleUserFault(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) error {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	if mm.released.Load() {
		return linuxerr.ESRCH
	}
	v, ok := mm.findVMALocked(addr)
	if !ok || !v.perms.SupersetOf(at) {
		return linuxerr.EFAULT
	}

	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()
	_, err := mm.faultLocked(v, addr, at)
	return err
}

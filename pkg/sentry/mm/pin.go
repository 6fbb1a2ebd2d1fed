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
	"gvisor.dev/uaccess/pkg/sentry/physmem"
)

// Pin pins up to len(pages) consecutive pages, starting with the page
// containing addr, for access of type at. Pages that are not yet resident are
// faulted in. Pinned pages are stored in pages[:n] and each holds an extra
// reference that keeps its frame allocated until Unpin.
//
// Pin stops early, returning n < len(pages) and a nil error, at the first
// page that:
//
//   - has no vma,
//   - has a vma without the permissions in at,
//   - cannot be allocated, or
//   - lies beyond Options.MaxPinPages.
//
// It also stops if ctx is done. The only error is ESRCH, returned if the
// address space has been released.
func (mm *MemoryManager) Pin(ctx context.Context, addr hostarch.Addr, pages []*physmem.Page, at hostarch.AccessType) (int, error) {
	want := len(pages)
	if limit := mm.opts.MaxPinPages; limit > 0 && want > limit {
		want = limit
	}

	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	if mm.released.Load() {
		return 0, linuxerr.ESRCH
	}

	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()

	start := addr.RoundDown()
	n := 0
	for ; n < want; n++ {
		if ctx.Err() != nil {
			break
		}
		pageAddr := start + hostarch.Addr(n)*hostarch.PageSize
		if pageAddr < start {
			// Wrapped around the address space.
			break
		}
		v, ok := mm.findVMALocked(pageAddr)
		if !ok || !v.perms.SupersetOf(at) {
			break
		}
		p, err := mm.faultLocked(v, pageAddr, at)
		if err != nil {
			log.Debugf("Pin stopped at %v: %v", pageAddr, err)
			break
		}
		p.IncRef()
		pages[n] = p
	}
	return n, nil
}

// Unpin releases pages pinned by Pin.
func (mm *MemoryManager) Unpin(pages []*physmem.Page) {
	for _, p := range pages {
		p.DecRef()
	}
}

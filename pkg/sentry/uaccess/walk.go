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
	"fmt"

	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/log"
	"gvisor.dev/uaccess/pkg/ring0"
	"gvisor.dev/uaccess/pkg/sentry/kmap"
	"gvisor.dev/uaccess/pkg/sentry/physmem"
)

// chunkWalker applies a Mover to pinned pages, one chunk at a time, on a
// single CPU.
type chunkWalker struct {
	cpu     *ring0.CPU
	windows *kmap.Windows
	metrics *Metrics
	logger  log.Logger
}

// walk moves [addr, addr+length) through pages and returns the number of
// bytes not moved. Chunks are processed strictly in address order and the
// walk stops at the first failing chunk, which contributes its whole length
// to the result.
//
// Preconditions: len(pages) >= hostarch.PagesSpanned(addr, length).
func (cw *chunkWalker) walk(pages []*physmem.Page, addr hostarch.Addr, length uint64, m Mover) uint64 {
	if length == 0 {
		return 0
	}
	if need := hostarch.PagesSpanned(addr, length); uint64(len(pages)) < need {
		panic(fmt.Sprintf("walk of %d bytes at %v needs %d pages, have %d", length, addr, need, len(pages)))
	}
	remaining := length
	forEachChunk(addr, length, func(c Chunk) bool {
		cw.metrics.chunk()
		if err := cw.move(pages[c.Page], c, m); err != nil {
			cw.metrics.chunkFault()
			cw.logger.Debugf("Chunk %v failed: %v; %d bytes not transferred", c, err, remaining)
			return false
		}
		remaining -= c.Length
		return true
	})
	return remaining
}

// move moves a single chunk with preemption disabled. The window is closed
// before preemption is re-enabled, on every path.
func (cw *chunkWalker) move(p *physmem.Page, c Chunk, m Mover) error {
	cw.cpu.PreemptDisable()
	defer cw.cpu.PreemptEnable()

	w, err := cw.windows.Map(cw.cpu, p)
	if err != nil {
		return err
	}
	defer w.Unmap()
	return m.Move(w.Bytes()[c.Offset:c.Offset+c.Length], c.Cursor)
}

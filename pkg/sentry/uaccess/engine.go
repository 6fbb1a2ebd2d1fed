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
	"fmt"
	"time"

	"gvisor.dev/uaccess/pkg/cleanup"
	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/log"
	"gvisor.dev/uaccess/pkg/ring0/pagetables"
	"gvisor.dev/uaccess/pkg/sentry/kmap"
	"gvisor.dev/uaccess/pkg/sentry/physmem"
)

// Options configures an Engine.
type Options struct {
	// Memory is physical memory. It must be set.
	Memory *physmem.Memory

	// Windows are the mapping windows. They must be set.
	Windows *kmap.Windows

	// SwitchPageTables installs the placeholder page tables on the task's
	// CPU for the duration of every foreign copy, so that nothing can
	// resolve through the caller's own user mappings.
	SwitchPageTables bool

	// MaxPinSetPages is the largest number of pages a single copy may span.
	// Larger copies fail entirely. Zero means DefaultMaxPinSetPages.
	MaxPinSetPages int

	// Metrics, if set, receives counters.
	Metrics *Metrics

	// Logger is used for diagnostics. If nil, the global logger is used.
	Logger log.Logger
}

// Engine copies between kernel buffers and task memory.
type Engine struct {
	opts        Options
	logger      log.Logger
	warn        log.Logger
	pinSets     pinSetPool
	placeholder *pagetables.PageTables
}

// NewEngine returns a new Engine. If opts.SwitchPageTables is set, the
// placeholder page tables are created here and any failure is returned.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Memory == nil || opts.Windows == nil {
		return nil, fmt.Errorf("uaccess: memory and windows are required")
	}
	if opts.MaxPinSetPages < 0 {
		return nil, fmt.Errorf("uaccess: invalid MaxPinSetPages %d", opts.MaxPinSetPages)
	}
	if opts.MaxPinSetPages == 0 {
		opts.MaxPinSetPages = DefaultMaxPinSetPages
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Log()
	}
	e := &Engine{
		opts:    opts,
		logger:  logger,
		warn:    log.RateLimitedLogger(logger, time.Minute),
		pinSets: pinSetPool{max: uint64(opts.MaxPinSetPages)},
	}
	if opts.SwitchPageTables {
		pt, err := PlaceholderPageTables()
		if err != nil {
			return nil, err
		}
		e.placeholder = pt
	}
	return e, nil
}

// CopyIn copies len(dst) bytes from src in t's address space into dst. It
// returns the number of trailing bytes of dst that were not written.
func (e *Engine) CopyIn(ctx context.Context, t *Task, dst []byte, src hostarch.Addr) uint64 {
	return e.transfer(ctx, t, src, uint64(len(dst)), hostarch.Read, copyInMover{dst}, directionIn)
}

// CopyOut copies src to dst in t's address space. It returns the number of
// trailing bytes of src that were not written.
func (e *Engine) CopyOut(ctx context.Context, t *Task, dst hostarch.Addr, src []byte) uint64 {
	return e.transfer(ctx, t, dst, uint64(len(src)), hostarch.Write, copyOutMover{src}, directionOut)
}

// ZeroOut zeroes n bytes at dst in t's address space. It returns the number
// of trailing bytes that were not zeroed.
func (e *Engine) ZeroOut(ctx context.Context, t *Task, dst hostarch.Addr, n uint64) uint64 {
	return e.transfer(ctx, t, dst, n, hostarch.Write, zeroMover{}, directionZero)
}

func (e *Engine) transfer(ctx context.Context, t *Task, addr hostarch.Addr, n uint64, at hostarch.AccessType, m Mover, direction string) uint64 {
	if n == 0 {
		return 0
	}
	var (
		rem  uint64
		path string
	)
	if t.kernelSpace() {
		path = pathFast
		rem = e.copyDirect(addr, n, m)
	} else {
		path = pathGeneral
		rem = e.copyForeign(ctx, t, addr, n, at, m)
	}
	if rem != 0 {
		t.RequestWork(WorkFault)
	}
	e.opts.Metrics.copied(direction, path, rem)
	return rem
}

// copyDirect copies through the kernel direct map. Nothing is pinned and no
// window is opened.
func (e *Engine) copyDirect(addr hostarch.Addr, n uint64, m Mover) uint64 {
	b, ok := e.opts.Memory.DirectSlice(addr, n)
	if !ok {
		e.logger.Debugf("Kernel range [%v, +%d) is not direct-mapped", addr, n)
		return n
	}
	if err := m.Move(b, 0); err != nil {
		return n
	}
	return 0
}

// copyForeign pins [addr, addr+n) in t.Space and walks the pinned prefix.
//
// Resources are released in reverse order of acquisition on every path:
// pinned pages, then the pin set, then the page table switch.
func (e *Engine) copyForeign(ctx context.Context, t *Task, addr hostarch.Addr, n uint64, at hostarch.AccessType, m Mover) uint64 {
	if t.CPU == nil {
		panic("foreign copy without a CPU")
	}
	if _, ok := addr.AddLength(n); !ok {
		return n
	}

	var cu cleanup.Cleanup
	defer cu.Clean()
	if e.placeholder != nil {
		g := switchToPlaceholder(t.CPU, e.placeholder)
		cu.Add(g.Restore)
	}

	want := hostarch.PagesSpanned(addr, n)
	pages, ok := e.pinSets.get(want)
	if !ok {
		e.logger.Debugf("Copy of %d bytes at %v spans %d pages, limit %d", n, addr, want, e.pinSets.max)
		return n
	}
	cu.Add(func() { e.pinSets.put(pages) })

	e.advise(t.Space, addr)

	pinned, err := t.Space.Pin(ctx, addr, pages, at)
	if err != nil {
		e.warn.Warningf("Pinning %d pages at %v failed: %v", want, addr, err)
		return n
	}
	if pinned < 0 || uint64(pinned) > want {
		panic(fmt.Sprintf("Pin returned %d pages, requested %d", pinned, want))
	}
	cu.Add(func() { t.Space.Unpin(pages[:pinned]) })
	e.opts.Metrics.pinned(pinned, int(want))

	covered := hostarch.BytesCovered(addr, n, uint64(pinned))
	if covered < n {
		e.logger.Debugf("Pinned %d of %d pages at %v; %d bytes uncovered", pinned, want, addr, n-covered)
	}
	cw := chunkWalker{
		cpu:     t.CPU,
		windows: e.opts.Windows,
		metrics: e.opts.Metrics,
		logger:  e.logger,
	}
	return (n - covered) + cw.walk(pages[:pinned], addr, covered, m)
}

// advise logs what the page tables currently say about addr. The result is
// diagnostic only; pinning is authoritative.
func (e *Engine) advise(space AddressSpace, addr hostarch.Addr) {
	if !e.logger.IsLogging(log.Debug) {
		return
	}
	if physical, opts, ok := space.PageTables().Lookup(addr); ok {
		e.logger.Debugf("%v resident at %#x (%v) before pin", addr, physical, opts.AccessType)
	} else {
		e.logger.Debugf("%v not resident before pin", addr)
	}
}

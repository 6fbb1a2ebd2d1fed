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


// Package kmap provides per-CPU mapping windows onto physical pages.
//
// Each CPU owns exactly one fixmap slot in the kernel page tables. Mapping a
// page installs it in the slot of the calling CPU, which must have preemption
// disabled for as long as the window is open. Windows do not nest.
package kmap

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/uaccess/pkg/errors/linuxerr"
	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/ring0"
	"gvisor.dev/uaccess/pkg/ring0/pagetables"
	"gvisor.dev/uaccess/pkg/sentry/physmem"
)

// FixmapBase is the kernel virtual address of CPU 0's slot.
const FixmapBase hostarch.Addr = 0xffff_ff80_0000_0000

// Windows is the set of mapping slots for a kernel.
type Windows struct {
	mem *physmem.Memory
	pt  *pagetables.PageTables

	// open[i] is set while CPU i has a window.
	open []atomic.Bool

	// maps counts successful Map calls.
	maps atomic.Uint64
}

// New returns windows for ncpu CPUs installed in the kernel tables pt.
func New(mem *physmem.Memory, pt *pagetables.PageTables, ncpu int) *Windows {
	return &Windows{
		mem:  mem,
		pt:   pt,
		open: make([]atomic.Bool, ncpu),
	}
}

// SlotAddr returns the address of the slot for CPU id.
func SlotAddr(id int) hostarch.Addr {
	return FixmapBase + hostarch.Addr(id)*hostarch.PageSize
}

// Maps returns the number of windows opened so far.
func (ws *Windows) Maps() uint64 {
	return ws.maps.Load()
}

// Window is an open mapping of one page.
type Window struct {
	ws   *Windows
	cpu  *ring0.CPU
	page *physmem.Page
	addr hostarch.Addr
	data []byte
}

// Map opens a window onto p on cpu.
//
// It fails with EFAULT if p holds no references and EHWPOISON if p has a
// memory error; in both cases no window is left open.
//
// Preconditions: cpu is owned by the caller, has preemption disabled and has
// no open window.
func (ws *Windows) Map(cpu *ring0.CPU, p *physmem.Page) (*Window, error) {
	if cpu.Preemptible() {
		panic(fmt.Sprintf("%v: mapping window opened with preemption enabled", cpu))
	}
	id := cpu.ID()
	if id >= len(ws.open) {
		panic(fmt.Sprintf("%v: no mapping slot (have %d)", cpu, len(ws.open)))
	}
	if !ws.open[id].CompareAndSwap(false, true) {
		panic(fmt.Sprintf("%v: nested mapping window", cpu))
	}

	w, err := ws.install(cpu, p)
	if err != nil {
		ws.open[id].Store(false)
		return nil, err
	}
	ws.maps.Add(1)
	return w, nil
}

func (ws *Windows) install(cpu *ring0.CPU, p *physmem.Page) (*Window, error) {
	if p.Refs() <= 0 {
		return nil, linuxerr.EFAULT
	}
	if p.Poisoned() {
		return nil, linuxerr.EHWPOISON
	}
	addr := SlotAddr(cpu.ID())
	if err := ws.pt.Map(addr, uintptr(p.PhysAddr()), pagetables.MapOpts{AccessType: hostarch.ReadWrite}); err != nil {
		return nil, err
	}

	// Access goes through the translation just installed.
	physical, _, ok := ws.pt.Lookup(addr)
	if !ok {
		return nil, linuxerr.EFAULT
	}
	f, ok := ws.mem.FrameOf(uint64(physical))
	if !ok {
		ws.pt.Unmap(addr)
		return nil, linuxerr.EFAULT
	}
	return &Window{
		ws:   ws,
		cpu:  cpu,
		page: p,
		addr: addr,
		data: ws.mem.FrameBytes(f),
	}, nil
}

// Addr returns the kernel virtual address of the window.
func (w *Window) Addr() hostarch.Addr {
	return w.addr
}

// Page returns the mapped page.
func (w *Window) Page() *physmem.Page {
	return w.page
}

// Bytes returns the mapped page contents. The slice is invalid after Unmap.
func (w *Window) Bytes() []byte {
	return w.data
}

// Unmap closes the window. It is safe to call more than once.
func (w *Window) Unmap() {
	if w.data == nil {
		return
	}
	if w.cpu.Preemptible() {
		panic(fmt.Sprintf("%v: preemption enabled with mapping window open", w.cpu))
	}
	w.data = nil
	w.ws.pt.Unmap(w.addr)
	w.ws.open[w.cpu.ID()].Store(false)
}

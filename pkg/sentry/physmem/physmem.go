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

// Package physmem provides the sentry's physical page frames.
//
// Physical memory is a single host mapping divided into PageSize frames.
// Physical addresses start at Options.Base rather than zero, and the host
// address of a frame is never exposed as a physical address, so nothing built
// on this package can assume an identity mapping between the two.
//
// Frames are reference counted. A frame is owned by whoever allocated it
// (typically a page table entry); additional references, such as those taken
// by pinning, keep the frame from being freed and reused while held.
package physmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/uaccess/pkg/errors/linuxerr"
	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/log"
	"gvisor.dev/uaccess/pkg/memutil"
)

const (
	// DefaultBase is the default physical address of frame 0.
	DefaultBase = 0x8000_0000

	// DirectMapBase is the kernel virtual address at which all of physical
	// memory is linearly mapped.
	DirectMapBase hostarch.Addr = 0xffff_8000_0000_0000
)

// Frame is a physical frame number relative to the start of a Memory.
type Frame uint64

// Options configures a Memory.
type Options struct {
	// Frames is the number of page frames.
	Frames int

	// Base is the physical address of frame 0. It must be page-aligned. If
	// zero, DefaultBase is used.
	Base uint64
}

// Memory is a pool of physical page frames.
type Memory struct {
	base  uint64
	data  []byte
	pages []Page

	// mu protects free.
	mu   sync.Mutex
	free []Frame
}

// New returns a Memory with opts.Frames zeroed, free frames.
func New(opts Options) (*Memory, error) {
	if opts.Frames <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", opts.Frames)
	}
	if opts.Base == 0 {
		opts.Base = DefaultBase
	}
	if !hostarch.Addr(opts.Base).IsPageAligned() {
		return nil, fmt.Errorf("physical base %#x is not page-aligned", opts.Base)
	}
	data, err := memutil.MapAnonymous(opts.Frames * hostarch.PageSize)
	if err != nil {
		return nil, fmt.Errorf("allocating physical memory: %w", err)
	}
	m := &Memory{
		base:  opts.Base,
		data:  data,
		pages: make([]Page, opts.Frames),
		free:  make([]Frame, 0, opts.Frames),
	}
	// Hand out low frames first.
	for i := opts.Frames - 1; i >= 0; i-- {
		m.pages[i] = Page{mem: m, frame: Frame(i)}
		m.free = append(m.free, Frame(i))
	}
	log.Debugf("Physical memory: %d frames at %#x", opts.Frames, opts.Base)
	return m, nil
}

// Close releases the host mapping backing m. Using m or any of its pages after
// Close is a bug.
func (m *Memory) Close() error {
	data := m.data
	m.data = nil
	return memutil.UnmapSlice(data)
}

// Allocate returns a zeroed page with a single reference.
func (m *Memory) Allocate() (*Page, error) {
	m.mu.Lock()
	if len(m.free) == 0 {
		m.mu.Unlock()
		return nil, linuxerr.ENOMEM
	}
	f := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.mu.Unlock()

	p := &m.pages[f]
	clear(m.FrameBytes(f))
	p.poisoned.Store(false)
	p.refs.Store(1)
	return p, nil
}

func (m *Memory) release(p *Page) {
	m.mu.Lock()
	m.free = append(m.free, p.frame)
	m.mu.Unlock()
}

// Lookup returns the page for frame f, or nil if f is out of range.
func (m *Memory) Lookup(f Frame) *Page {
	if uint64(f) >= uint64(len(m.pages)) {
		return nil
	}
	return &m.pages[f]
}

// FrameOf returns the frame containing physical address pa.
func (m *Memory) FrameOf(pa uint64) (Frame, bool) {
	if pa < m.base {
		return 0, false
	}
	f := Frame((pa - m.base) >> hostarch.PageShift)
	if uint64(f) >= uint64(len(m.pages)) {
		return 0, false
	}
	return f, true
}

// FrameBytes returns the host memory backing frame f.
//
// Only mapping windows and the kernel direct map may call FrameBytes. Any
// other access to frame contents bypasses pinning and mapping rules.
func (m *Memory) FrameBytes(f Frame) []byte {
	off := int(f) << hostarch.PageShift
	return m.data[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Frames returns the total number of frames in m.
func (m *Memory) Frames() int {
	return len(m.pages)
}

// Free returns the number of unallocated frames in m.
func (m *Memory) Free() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.free)
}

// Allocated returns the number of allocated frames in m.
func (m *Memory) Allocated() int {
	return m.Frames() - m.Free()
}

// Page is a physical page frame.
type Page struct {
	mem      *Memory
	frame    Frame
	refs     atomic.Int64
	poisoned atomic.Bool
}

// Frame returns p's frame number.
func (p *Page) Frame() Frame {
	return p.frame
}

// PhysAddr returns the physical address of the start of p.
func (p *Page) PhysAddr() uint64 {
	return p.mem.base + uint64(p.frame)<<hostarch.PageShift
}

// IncRef takes a reference on p.
//
// Preconditions: p.Refs() > 0.
func (p *Page) IncRef() {
	if v := p.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("IncRef on free frame %d", p.frame))
	}
}

// TryIncRef takes a reference on p if p is still allocated.
func (p *Page) TryIncRef() bool {
	for {
		v := p.refs.Load()
		if v <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// DecRef releases a reference on p, freeing it when the last reference is
// dropped.
func (p *Page) DecRef() {
	switch v := p.refs.Add(-1); {
	case v == 0:
		p.mem.release(p)
	case v < 0:
		panic(fmt.Sprintf("DecRef on free frame %d", p.frame))
	}
}

// Refs returns the current reference count of p.
func (p *Page) Refs() int64 {
	return p.refs.Load()
}

// Poison marks p as having an uncorrectable memory error. Accesses through
// mapping windows fail until p is freed and reallocated.
func (p *Page) Poison() {
	p.poisoned.Store(true)
}

// Poisoned returns true if p has been poisoned.
func (p *Page) Poisoned() bool {
	return p.poisoned.Load()
}

// String implements fmt.Stringer.String.
func (p *Page) String() string {
	return fmt.Sprintf("page@%#x", p.PhysAddr())
}

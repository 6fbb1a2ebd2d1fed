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
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/uaccess/pkg/errors/linuxerr"
	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/log"
	"gvisor.dev/uaccess/pkg/ring0"
	"gvisor.dev/uaccess/pkg/ring0/pagetables"
	"gvisor.dev/uaccess/pkg/sentry/kmap"
	"gvisor.dev/uaccess/pkg/sentry/mm"
	"gvisor.dev/uaccess/pkg/sentry/physmem"
)

const (
	testCPUs   = 4
	testFrames = 256
	testBase   = hostarch.Addr(0x400000)
)

// countingSpace wraps an AddressSpace and records pin activity. If limit is
// non-negative, at most limit pages are pinned.
type countingSpace struct {
	AddressSpace

	limit int
	err   error

	// onPin, if set, is called before every Pin.
	onPin func()

	mu       sync.Mutex
	pins     int
	unpins   int
	unpinned int
}

func (s *countingSpace) Pin(ctx context.Context, addr hostarch.Addr, pages []*physmem.Page, at hostarch.AccessType) (int, error) {
	s.mu.Lock()
	s.pins++
	s.mu.Unlock()
	if s.onPin != nil {
		s.onPin()
	}
	if s.err != nil {
		return 0, s.err
	}
	if s.limit >= 0 && len(pages) > s.limit {
		pages = pages[:s.limit]
	}
	return s.AddressSpace.Pin(ctx, addr, pages, at)
}

func (s *countingSpace) Unpin(pages []*physmem.Page) {
	s.mu.Lock()
	s.unpins++
	s.unpinned += len(pages)
	s.mu.Unlock()
	s.AddressSpace.Unpin(pages)
}

type testEnv struct {
	mem     *physmem.Memory
	kernel  *ring0.Kernel
	windows *kmap.Windows
	engine  *Engine
	metrics *Metrics
	reg     *prometheus.Registry
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	mem, err := physmem.New(physmem.Options{Frames: testFrames})
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	kpt, err := pagetables.New(pagetables.NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("pagetables.New failed: %v", err)
	}
	k := new(ring0.Kernel)
	k.Init(ring0.KernelOpts{PageTables: kpt}, testCPUs)

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	opts.Memory = mem
	opts.Windows = kmap.New(mem, kpt, testCPUs)
	opts.Metrics = metrics
	opts.Logger = log.NewBasicLogger(log.Debug, &log.TestEmitter{TestLogger: t})
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return &testEnv{
		mem:     mem,
		kernel:  k,
		windows: opts.Windows,
		engine:  e,
		metrics: metrics,
		reg:     reg,
	}
}

// newSpace returns an address space with pages of read-write memory at
// testBase, wrapped for counting.
func (e *testEnv) newSpace(t *testing.T, pages int) (*mm.MemoryManager, *countingSpace) {
	t.Helper()
	m, err := mm.NewMemoryManager(e.mem, pagetables.NewRuntimeAllocator(), mm.Options{})
	if err != nil {
		t.Fatalf("NewMemoryManager failed: %v", err)
	}
	t.Cleanup(m.Release)
	if err := m.MMap(context.Background(), mm.MMapOpts{
		Addr:   testBase,
		Length: uint64(pages) * hostarch.PageSize,
		Perms:  hostarch.ReadWrite,
		Name:   t.Name(),
	}); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	return m, &countingSpace{AddressSpace: m, limit: -1}
}

func (e *testEnv) newTask(t *testing.T, space AddressSpace) *Task {
	t.Helper()
	cpu, err := e.kernel.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	t.Cleanup(func() { e.kernel.Release(cpu) })
	return &Task{Space: space, CPU: cpu}
}

// pattern returns n deterministic non-zero bytes.
func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) + seed | 1
	}
	return b
}

// residentPages returns the pages currently backing [addr, addr+n).
func residentPages(t *testing.T, m *mm.MemoryManager, mem *physmem.Memory, addr hostarch.Addr, n uint64) []*physmem.Page {
	t.Helper()
	var pages []*physmem.Page
	for p := addr.RoundDown(); p < addr+hostarch.Addr(n); p += hostarch.PageSize {
		physical, _, ok := m.PageTables().Lookup(p)
		if !ok {
			t.Fatalf("page %v not resident", p)
		}
		f, _ := mem.FrameOf(uint64(physical))
		pages = append(pages, mem.Lookup(f))
	}
	return pages
}

func TestPlan(t *testing.T) {
	for _, tc := range []struct {
		name   string
		addr   hostarch.Addr
		length uint64
		want   []Chunk
	}{
		{
			name: "empty",
			addr: 0x1234,
		},
		{
			name:   "straddle",
			addr:   0x1ffe,
			length: 8,
			want: []Chunk{
				{Page: 0, PageAddr: 0x1000, Offset: 0xffe, Length: 2, Cursor: 0},
				{Page: 1, PageAddr: 0x2000, Offset: 0, Length: 6, Cursor: 2},
			},
		},
		{
			name:   "within one page",
			addr:   0x1010,
			length: 0x20,
			want: []Chunk{
				{Page: 0, PageAddr: 0x1000, Offset: 0x10, Length: 0x20},
			},
		},
		{
			name:   "aligned both ends",
			addr:   0x2000,
			length: 2 * hostarch.PageSize,
			want: []Chunk{
				{Page: 0, PageAddr: 0x2000, Length: hostarch.PageSize},
				{Page: 1, PageAddr: 0x3000, Length: hostarch.PageSize, Cursor: hostarch.PageSize},
			},
		},
		{
			name:   "partial first full middle partial last",
			addr:   0x1800,
			length: 0x2000,
			want: []Chunk{
				{Page: 0, PageAddr: 0x1000, Offset: 0x800, Length: 0x800},
				{Page: 1, PageAddr: 0x2000, Length: 0x1000, Cursor: 0x800},
				{Page: 2, PageAddr: 0x3000, Length: 0x800, Cursor: 0x1800},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := Plan(tc.addr, tc.length)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Plan(%v, %d) mismatch (-want +got):\n%s", tc.addr, tc.length, diff)
			}
			if got, want := uint64(len(got)), hostarch.PagesSpanned(tc.addr, tc.length); got != want {
				t.Errorf("Plan has %d chunks, pages spanned = %d", got, want)
			}
		})
	}
}

func TestChunkCount(t *testing.T) {
	for _, pages := range []uint64{2, 3, 4, 9} {
		t.Run(fmt.Sprintf("%d pages", pages), func(t *testing.T) {
			addr := testBase + 0x123
			length := (pages-1)*hostarch.PageSize - 0x123 + 0x456
			chunks := Plan(addr, length)
			if got := uint64(len(chunks)); got != pages {
				t.Fatalf("got %d chunks, want 1 + %d + 1", got, pages-2)
			}
			for i, c := range chunks[1 : len(chunks)-1] {
				if c.Length != hostarch.PageSize || c.Offset != 0 {
					t.Errorf("middle chunk %d = %v, want a full page", i+1, c)
				}
			}
			var sum uint64
			for _, c := range chunks {
				sum += c.Length
			}
			if sum != length {
				t.Errorf("chunk lengths sum to %d, want %d", sum, length)
			}
		})
	}
}

func TestZeroLength(t *testing.T) {
	e := newTestEnv(t, Options{})
	_, space := e.newSpace(t, 1)
	task := e.newTask(t, space)
	ctx := context.Background()

	if rem := e.engine.CopyIn(ctx, task, nil, testBase); rem != 0 {
		t.Errorf("CopyIn of 0 bytes = %d, want 0", rem)
	}
	if rem := e.engine.CopyOut(ctx, task, testBase, []byte{}); rem != 0 {
		t.Errorf("CopyOut of 0 bytes = %d, want 0", rem)
	}
	if rem := e.engine.ZeroOut(ctx, task, 0xdead0000, 0); rem != 0 {
		t.Errorf("ZeroOut of 0 bytes = %d, want 0", rem)
	}
	if space.pins != 0 || space.unpins != 0 {
		t.Errorf("zero-length copies pinned: pins=%d unpins=%d", space.pins, space.unpins)
	}
	if got := e.windows.Maps(); got != 0 {
		t.Errorf("zero-length copies opened %d windows", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name   string
		offset uint64
		length uint64
	}{
		{"single page", 0x10, 100},
		{"whole page", 0, hostarch.PageSize},
		{"two pages", 0xff0, 0x20},
		{"three pages", 0x800, 2*hostarch.PageSize - 0x10},
		{"many pages", 0x7, 7*hostarch.PageSize + 0x99},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, Options{SwitchPageTables: true})
			m, space := e.newSpace(t, 10)
			task := e.newTask(t, space)
			ctx := context.Background()
			addr := testBase + hostarch.Addr(tc.offset)

			src := pattern(int(tc.length), 3)
			if rem := e.engine.CopyOut(ctx, task, addr, src); rem != 0 {
				t.Fatalf("CopyOut = %d, want 0", rem)
			}
			dst := make([]byte, tc.length)
			if rem := e.engine.CopyIn(ctx, task, dst, addr); rem != 0 {
				t.Fatalf("CopyIn = %d, want 0", rem)
			}
			if !bytes.Equal(src, dst) {
				t.Errorf("round trip mismatch")
			}

			// Surrounding bytes are untouched.
			edges := make([]byte, 2)
			if addr > testBase {
				if e.engine.CopyIn(ctx, task, edges[:1], addr-1); edges[0] != 0 {
					t.Errorf("byte before range = %#x, want 0", edges[0])
				}
			}
			if e.engine.CopyIn(ctx, task, edges[1:], addr+hostarch.Addr(tc.length)); edges[1] != 0 {
				t.Errorf("byte after range = %#x, want 0", edges[1])
			}

			// No leaked pins.
			for i, p := range residentPages(t, m, e.mem, addr, tc.length) {
				if got := p.Refs(); got != 1 {
					t.Errorf("page %d refs = %d, want 1", i, got)
				}
			}
			if space.pins != space.unpins {
				t.Errorf("pins = %d, unpins = %d", space.pins, space.unpins)
			}
		})
	}
}

func TestConcreteScenario(t *testing.T) {
	e := newTestEnv(t, Options{})
	m, err := mm.NewMemoryManager(e.mem, pagetables.NewRuntimeAllocator(), mm.Options{})
	if err != nil {
		t.Fatalf("NewMemoryManager failed: %v", err)
	}
	defer m.Release()
	if err := m.MMap(context.Background(), mm.MMapOpts{Addr: 0x1000, Length: 2 * hostarch.PageSize, Perms: hostarch.ReadWrite}); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	space := &countingSpace{AddressSpace: m, limit: -1}
	task := e.newTask(t, space)
	ctx := context.Background()

	want := []byte("01234567")
	if rem := e.engine.CopyOut(ctx, task, 0x1ffe, want); rem != 0 {
		t.Fatalf("CopyOut = %d, want 0", rem)
	}
	before := e.windows.Maps()
	got := make([]byte, 8)
	if rem := e.engine.CopyIn(ctx, task, got, 0x1ffe); rem != 0 {
		t.Fatalf("CopyIn = %d, want 0", rem)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("CopyIn = %q, want %q", got, want)
	}
	if maps := e.windows.Maps() - before; maps != 2 {
		t.Errorf("CopyIn opened %d windows, want 2", maps)
	}
	if space.unpinned != 4 {
		t.Errorf("unpinned %d pages over two copies, want 4", space.unpinned)
	}
}

func TestPartialPin(t *testing.T) {
	const n = 3*hostarch.PageSize + 0x200
	addr := testBase + 0x100
	for k := 0; k <= 4; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			e := newTestEnv(t, Options{})
			_, space := e.newSpace(t, 5)
			task := e.newTask(t, space)
			ctx := context.Background()

			src := pattern(n, 9)
			if rem := e.engine.CopyOut(ctx, task, addr, src); rem != 0 {
				t.Fatalf("CopyOut = %d, want 0", rem)
			}
			space.limit = k
			space.unpinned = 0

			dst := make([]byte, n)
			rem := e.engine.CopyIn(ctx, task, dst, addr)
			covered := hostarch.BytesCovered(addr, n, uint64(k))
			if want := n - covered; rem != want {
				t.Errorf("CopyIn = %d, want %d", rem, want)
			}
			if !bytes.Equal(dst[:covered], src[:covered]) {
				t.Errorf("covered prefix mismatch")
			}
			if !bytes.Equal(dst[covered:], make([]byte, n-covered)) {
				t.Errorf("bytes beyond the pinned prefix were written")
			}
			if space.unpinned != k {
				t.Errorf("unpinned %d pages, want %d", space.unpinned, k)
			}
		})
	}
}

func TestPartialPinReadOnly(t *testing.T) {
	e := newTestEnv(t, Options{})
	m, space := e.newSpace(t, 3)
	task := e.newTask(t, space)
	ctx := context.Background()
	if err := m.MProtect(ctx, testBase+hostarch.PageSize, 2*hostarch.PageSize, hostarch.Read); err != nil {
		t.Fatalf("MProtect failed: %v", err)
	}

	src := pattern(2*hostarch.PageSize, 1)
	addr := testBase + 0x800
	rem := e.engine.CopyOut(ctx, task, addr, src)
	if want := uint64(len(src) - 0x800); rem != want {
		t.Errorf("CopyOut across read-only boundary = %d, want %d", rem, want)
	}
	if task.PendingWork()&WorkFault == 0 {
		t.Errorf("WorkFault not requested after partial copy")
	}
	if got := task.ClearWork(); got&WorkFault == 0 {
		t.Errorf("ClearWork = %v, want WorkFault set", got)
	}
	if got := task.PendingWork(); got != 0 {
		t.Errorf("PendingWork after ClearWork = %v", got)
	}
}

func TestMidWalkFault(t *testing.T) {
	const n = 4*hostarch.PageSize + 0x300
	addr := testBase + 0x500
	chunks := Plan(addr, n)
	for i := range chunks {
		t.Run(fmt.Sprintf("chunk %d", i), func(t *testing.T) {
			e := newTestEnv(t, Options{})
			m, space := e.newSpace(t, 6)
			task := e.newTask(t, space)
			ctx := context.Background()

			if rem := e.engine.CopyOut(ctx, task, addr, pattern(n, 5)); rem != 0 {
				t.Fatalf("CopyOut = %d, want 0", rem)
			}
			pages := residentPages(t, m, e.mem, addr, n)
			pages[i].Poison()
			space.unpinned = 0
			before := testutil.ToFloat64(e.metrics.ChunkFaults)

			dst := make([]byte, n)
			rem := e.engine.CopyIn(ctx, task, dst, addr)
			var want uint64
			for _, c := range chunks[i:] {
				want += c.Length
			}
			if rem != want {
				t.Errorf("CopyIn = %d, want %d", rem, want)
			}
			for j, p := range pages {
				if got := p.Refs(); got != 1 {
					t.Errorf("page %d refs = %d after faulted copy, want 1", j, got)
				}
			}
			if space.unpinned != len(pages) {
				t.Errorf("unpinned %d pages, want %d", space.unpinned, len(pages))
			}
			if got := testutil.ToFloat64(e.metrics.ChunkFaults) - before; got != 1 {
				t.Errorf("chunk faults = %v, want 1", got)
			}
		})
	}
}

// failingMover fails the chunk with index fail and records every cursor.
type failingMover struct {
	fail    int
	cursors []uint64
}

func (m *failingMover) Move(mapped []byte, cursor uint64) error {
	m.cursors = append(m.cursors, cursor)
	if len(m.cursors)-1 == m.fail {
		return linuxerr.EFAULT
	}
	return nil
}

func TestWalkStopsAtFailure(t *testing.T) {
	const n = 3*hostarch.PageSize + 0x10
	addr := testBase + 0xff8
	chunks := Plan(addr, n)
	for i := range chunks {
		t.Run(fmt.Sprintf("chunk %d", i), func(t *testing.T) {
			e := newTestEnv(t, Options{})
			m, _ := e.newSpace(t, 6)
			pages := make([]*physmem.Page, len(chunks))
			ctx := context.Background()
			if got, err := m.Pin(ctx, addr, pages, hostarch.Read); err != nil || got != len(pages) {
				t.Fatalf("Pin = (%d, %v)", got, err)
			}
			defer m.Unpin(pages)

			cw := chunkWalker{cpu: e.kernel.CPU(0), windows: e.windows, logger: log.Log()}
			mover := &failingMover{fail: i}
			rem := cw.walk(pages, addr, n, mover)

			var want uint64
			var cursors []uint64
			for j, c := range chunks {
				if j >= i {
					want += c.Length
				}
				if j <= i {
					cursors = append(cursors, c.Cursor)
				}
			}
			if rem != want {
				t.Errorf("walk = %d, want %d", rem, want)
			}
			if diff := cmp.Diff(cursors, mover.cursors); diff != "" {
				t.Errorf("chunks visited out of order (-want +got):\n%s", diff)
			}
			if !e.kernel.CPU(0).Preemptible() {
				t.Errorf("CPU left with preemption disabled")
			}
		})
	}
}

func TestPinError(t *testing.T) {
	e := newTestEnv(t, Options{SwitchPageTables: true})
	m, space := e.newSpace(t, 2)
	task := e.newTask(t, space)
	m.Release()

	prev := task.CPU.ActivePageTables()
	buf := make([]byte, 100)
	if rem := e.engine.CopyIn(context.Background(), task, buf, testBase); rem != 100 {
		t.Errorf("CopyIn from released space = %d, want 100", rem)
	}
	if space.unpins != 0 {
		t.Errorf("unpins = %d after failed pin, want 0", space.unpins)
	}
	if got := task.CPU.ActivePageTables(); got != prev {
		t.Errorf("page tables not restored after failed copy")
	}

	space.err = linuxerr.ESRCH
	if rem := e.engine.CopyOut(context.Background(), task, testBase, buf); rem != 100 {
		t.Errorf("CopyOut with failing pinner = %d, want 100", rem)
	}
}

func TestPinSetLimit(t *testing.T) {
	e := newTestEnv(t, Options{MaxPinSetPages: 2})
	_, space := e.newSpace(t, 4)
	task := e.newTask(t, space)
	ctx := context.Background()

	buf := make([]byte, 2*hostarch.PageSize)
	if rem := e.engine.CopyIn(ctx, task, buf, testBase); rem != 0 {
		t.Errorf("CopyIn of 2 pages = %d, want 0", rem)
	}
	if rem := e.engine.CopyIn(ctx, task, buf, testBase+1); rem != uint64(len(buf)) {
		t.Errorf("CopyIn spanning 3 pages = %d, want %d", rem, len(buf))
	}
	if space.pins != 1 {
		t.Errorf("pins = %d, want 1", space.pins)
	}
}

func TestFastPath(t *testing.T) {
	e := newTestEnv(t, Options{SwitchPageTables: true})
	_, space := e.newSpace(t, 1)
	p, err := e.mem.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer p.DecRef()
	kaddr := e.mem.KernelAddr(p) + 0x40

	ctx := context.Background()
	for _, task := range []*Task{
		{CPU: e.kernel.CPU(0)},
		{Space: space, CPU: e.kernel.CPU(1), KernelAccess: true},
		{},
	} {
		src := pattern(64, 11)
		if rem := e.engine.CopyOut(ctx, task, kaddr, src); rem != 0 {
			t.Fatalf("CopyOut = %d, want 0", rem)
		}
		dst := make([]byte, 64)
		if rem := e.engine.CopyIn(ctx, task, dst, kaddr); rem != 0 {
			t.Fatalf("CopyIn = %d, want 0", rem)
		}
		if !bytes.Equal(src, dst) {
			t.Errorf("fast path round trip mismatch")
		}
		if rem := e.engine.ZeroOut(ctx, task, kaddr, 64); rem != 0 {
			t.Fatalf("ZeroOut = %d, want 0", rem)
		}
		if !bytes.Equal(e.mem.FrameBytes(p.Frame())[0x40:0x80], make([]byte, 64)) {
			t.Errorf("ZeroOut left data behind")
		}

		// User addresses are not reachable through the direct map.
		if rem := e.engine.CopyIn(ctx, task, dst, testBase); rem != 64 {
			t.Errorf("fast path CopyIn of user address = %d, want 64", rem)
		}
	}
	if space.pins != 0 {
		t.Errorf("fast path pinned %d times", space.pins)
	}
	if got := e.windows.Maps(); got != 0 {
		t.Errorf("fast path opened %d windows", got)
	}
	if got := e.kernel.CPU(0).Switches(); got != 0 {
		t.Errorf("fast path switched page tables %d times", got)
	}
}

func TestSwitchGuard(t *testing.T) {
	e := newTestEnv(t, Options{SwitchPageTables: true})
	_, space := e.newSpace(t, 2)
	task := e.newTask(t, space)
	placeholder, err := PlaceholderPageTables()
	if err != nil {
		t.Fatalf("PlaceholderPageTables failed: %v", err)
	}
	var during *pagetables.PageTables
	space.onPin = func() { during = task.CPU.ActivePageTables() }

	orig := task.CPU.ActivePageTables()
	buf := pattern(0x1800, 2)
	if rem := e.engine.CopyOut(context.Background(), task, testBase+0x400, buf); rem != 0 {
		t.Fatalf("CopyOut = %d, want 0", rem)
	}
	if during != placeholder {
		t.Errorf("placeholder not active during copy")
	}
	if got := task.CPU.ActivePageTables(); got != orig {
		t.Errorf("page tables not restored after copy")
	}

	// Already-installed placeholder is left in place.
	task.CPU.SwitchPageTables(placeholder)
	switches := task.CPU.Switches()
	e.engine.CopyIn(context.Background(), task, buf, testBase)
	if got := task.CPU.Switches(); got != switches {
		t.Errorf("copy switched page tables %d times with placeholder active", got-switches)
	}
	if task.CPU.ActivePageTables() != placeholder {
		t.Errorf("placeholder removed")
	}
	task.CPU.SwitchPageTables(orig)
}

func TestPlaceholderPageTables(t *testing.T) {
	a, err := PlaceholderPageTables()
	if err != nil {
		t.Fatalf("PlaceholderPageTables failed: %v", err)
	}
	b, err := PlaceholderPageTables()
	if err != nil {
		t.Fatalf("PlaceholderPageTables failed: %v", err)
	}
	if a != b {
		t.Errorf("PlaceholderPageTables returned distinct tables")
	}
	if !a.IsEmpty() {
		t.Errorf("placeholder maps pages")
	}
}

func TestZeroOut(t *testing.T) {
	e := newTestEnv(t, Options{})
	_, space := e.newSpace(t, 3)
	task := e.newTask(t, space)
	ctx := context.Background()

	addr := testBase + 0x10
	n := uint64(2*hostarch.PageSize + 0x20)
	if rem := e.engine.CopyOut(ctx, task, addr, pattern(int(n), 4)); rem != 0 {
		t.Fatalf("CopyOut = %d, want 0", rem)
	}
	if rem := e.engine.ZeroOut(ctx, task, addr+8, n-16); rem != 0 {
		t.Fatalf("ZeroOut = %d, want 0", rem)
	}
	got := make([]byte, n)
	e.engine.CopyIn(ctx, task, got, addr)
	want := pattern(int(n), 4)
	clear(want[8 : n-8])
	if !bytes.Equal(got, want) {
		t.Errorf("ZeroOut result mismatch")
	}
}

func TestMetrics(t *testing.T) {
	e := newTestEnv(t, Options{})
	_, space := e.newSpace(t, 2)
	task := e.newTask(t, space)
	ctx := context.Background()

	buf := make([]byte, 0x1000)
	e.engine.CopyIn(ctx, task, buf, testBase+0x800)
	space.limit = 1
	e.engine.CopyIn(ctx, task, buf, testBase+0x800)

	for _, tc := range []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"copies", e.metrics.Copies.WithLabelValues(directionIn, pathGeneral), 2},
		{"uncopied", e.metrics.Uncopied.WithLabelValues(directionIn), 0x800},
		{"pinned", e.metrics.PinnedPages, 3},
		{"shortfalls", e.metrics.PinShortfalls, 1},
		{"chunks", e.metrics.Chunks, 3},
	} {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}
	if err := testutil.GatherAndCompare(e.reg, bytes.NewBufferString(`
# HELP uaccess_chunk_faults_total Chunks that failed mid-transfer.
# TYPE uaccess_chunk_faults_total counter
uaccess_chunk_faults_total 0
`), "uaccess_chunk_faults_total"); err != nil {
		t.Errorf("GatherAndCompare: %v", err)
	}
}

func TestConcurrentTasks(t *testing.T) {
	e := newTestEnv(t, Options{SwitchPageTables: true})
	ctx := context.Background()
	var g errgroup.Group
	for i := 0; i < testCPUs*2; i++ {
		_, space := e.newSpace(t, 4)
		g.Go(func() error {
			cpu, err := e.kernel.Acquire(ctx)
			if err != nil {
				return err
			}
			defer e.kernel.Release(cpu)
			task := &Task{Space: space, CPU: cpu}
			src := pattern(3*hostarch.PageSize, byte(i))
			if rem := e.engine.CopyOut(ctx, task, testBase+0x123, src); rem != 0 {
				return fmt.Errorf("task %d: CopyOut = %d", i, rem)
			}
			dst := make([]byte, len(src))
			if rem := e.engine.CopyIn(ctx, task, dst, testBase+0x123); rem != 0 {
				return fmt.Errorf("task %d: CopyIn = %d", i, rem)
			}
			if !bytes.Equal(src, dst) {
				return fmt.Errorf("task %d: mismatch", i)
			}
			if cpu.ActivePageTables() != e.kernel.PageTables {
				return errors.New("page tables not restored")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Error(err)
	}
}

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
	"errors"
	"testing"

	"gvisor.dev/uaccess/pkg/errors/linuxerr"
	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/ring0/pagetables"
	"gvisor.dev/uaccess/pkg/sentry/physmem"
)

const testBase = hostarch.Addr(0x10000)

func testMemoryManager(t *testing.T, opts Options) (*MemoryManager, *physmem.Memory) {
	t.Helper()
	mem, err := physmem.New(physmem.Options{Frames: 64})
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	mm, err := NewMemoryManager(mem, pagetables.NewRuntimeAllocator(), opts)
	if err != nil {
		t.Fatalf("NewMemoryManager failed: %v", err)
	}
	return mm, mem
}

func mustMMap(t *testing.T, mm *MemoryManager, addr hostarch.Addr, pages int, perms hostarch.AccessType) {
	t.Helper()
	if err := mm.MMap(context.Background(), MMapOpts{
		Addr:   addr,
		Length: uint64(pages) * hostarch.PageSize,
		Perms:  perms,
		Name:   t.Name(),
	}); err != nil {
		t.Fatalf("MMap(%v, %d pages) failed: %v", addr, pages, err)
	}
}

func TestMMapErrors(t *testing.T) {
	mm, _ := testMemoryManager(t, Options{})
	ctx := context.Background()
	mustMMap(t, mm, testBase, 2, hostarch.ReadWrite)

	for _, tc := range []struct {
		name string
		opts MMapOpts
		want error
	}{
		{"unaligned", MMapOpts{Addr: testBase + 1, Length: hostarch.PageSize}, linuxerr.EINVAL},
		{"empty", MMapOpts{Addr: testBase, Length: 0}, linuxerr.EINVAL},
		{"overlap", MMapOpts{Addr: testBase + hostarch.PageSize, Length: hostarch.PageSize}, linuxerr.EEXIST},
		{"kernel", MMapOpts{Addr: 0xffff_8000_0000_0000, Length: hostarch.PageSize}, linuxerr.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := mm.MMap(ctx, tc.opts); err != tc.want {
				t.Errorf("MMap = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPinFaultsIn(t *testing.T) {
	mm, mem := testMemoryManager(t, Options{})
	mustMMap(t, mm, testBase, 3, hostarch.ReadWrite)

	pages := make([]*physmem.Page, 3)
	n, err := mm.Pin(context.Background(), testBase+0xffe, pages[:2], hostarch.Write)
	if err != nil || n != 2 {
		t.Fatalf("Pin = (%d, %v), want (2, nil)", n, err)
	}
	if got := mem.Allocated(); got != 2 {
		t.Errorf("Allocated = %d, want 2 (lazy fault-in)", got)
	}
	for i, p := range pages[:2] {
		if got := p.Refs(); got != 2 {
			t.Errorf("page %d refs = %d, want 2", i, got)
		}
	}
	if pages[0] == pages[1] {
		t.Errorf("distinct pages share a frame")
	}

	// The same pages are returned on a second pin.
	again := make([]*physmem.Page, 1)
	if n, _ := mm.Pin(context.Background(), testBase+hostarch.PageSize, again, hostarch.Read); n != 1 || again[0] != pages[1] {
		t.Errorf("second Pin returned %v, want %v", again[0], pages[1])
	}
	mm.Unpin(again)

	mm.Unpin(pages[:2])
	for i, p := range pages[:2] {
		if got := p.Refs(); got != 1 {
			t.Errorf("page %d refs after Unpin = %d, want 1", i, got)
		}
	}
}

func TestPinPartial(t *testing.T) {
	for _, tc := range []struct {
		name  string
		perms hostarch.AccessType
		at    hostarch.AccessType
		opts  Options
		want  int
	}{
		{"hole after mapping", hostarch.ReadWrite, hostarch.Read, Options{}, 2},
		{"write to read-only", hostarch.Read, hostarch.Write, Options{}, 0},
		{"read of read-only", hostarch.Read, hostarch.Read, Options{}, 2},
		{"max pin pages", hostarch.ReadWrite, hostarch.Read, Options{MaxPinPages: 1}, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mm, _ := testMemoryManager(t, tc.opts)
			mustMMap(t, mm, testBase, 2, tc.perms)
			pages := make([]*physmem.Page, 4)
			n, err := mm.Pin(context.Background(), testBase, pages, tc.at)
			if err != nil {
				t.Fatalf("Pin failed: %v", err)
			}
			if n != tc.want {
				t.Errorf("Pin = %d, want %d", n, tc.want)
			}
			mm.Unpin(pages[:n])
		})
	}
}

func TestPinAllocationFailure(t *testing.T) {
	mem, err := physmem.New(physmem.Options{Frames: 2})
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	defer mem.Close()
	mm, err := NewMemoryManager(mem, pagetables.NewRuntimeAllocator(), Options{})
	if err != nil {
		t.Fatalf("NewMemoryManager failed: %v", err)
	}
	mustMMap(t, mm, testBase, 4, hostarch.ReadWrite)
	pages := make([]*physmem.Page, 4)
	n, err := mm.Pin(context.Background(), testBase, pages, hostarch.Read)
	if err != nil || n != 2 {
		t.Errorf("Pin = (%d, %v), want (2, nil)", n, err)
	}
	mm.Unpin(pages[:n])
}

func TestPinCanceled(t *testing.T) {
	mm, _ := testMemoryManager(t, Options{})
	mustMMap(t, mm, testBase, 2, hostarch.ReadWrite)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n, err := mm.Pin(ctx, testBase, make([]*physmem.Page, 2), hostarch.Read); n != 0 || err != nil {
		t.Errorf("Pin = (%d, %v), want (0, nil)", n, err)
	}
}

func TestPinReleased(t *testing.T) {
	mm, mem := testMemoryManager(t, Options{})
	mustMMap(t, mm, testBase, 2, hostarch.ReadWrite)
	pages := make([]*physmem.Page, 2)
	if n, _ := mm.Pin(context.Background(), testBase, pages, hostarch.Read); n != 2 {
		t.Fatalf("Pin = %d, want 2", n)
	}

	mm.Release()
	// Pinned frames outlive the address space.
	if got := mem.Allocated(); got != 2 {
		t.Errorf("Allocated after Release = %d, want 2", got)
	}
	mm.Unpin(pages)
	if got := mem.Allocated(); got != 0 {
		t.Errorf("Allocated after Unpin = %d, want 0", got)
	}

	if _, err := mm.Pin(context.Background(), testBase, pages, hostarch.Read); !errors.Is(err, linuxerr.ESRCH) {
		t.Errorf("Pin after Release = %v, want ESRCH", err)
	}
	if !mm.PageTables().IsEmpty() {
		t.Errorf("page tables not empty after Release")
	}
}

func TestMUnmapSplits(t *testing.T) {
	mm, mem := testMemoryManager(t, Options{})
	ctx := context.Background()
	if err := mm.MMap(ctx, MMapOpts{Addr: testBase, Length: 4 * hostarch.PageSize, Perms: hostarch.ReadWrite, Precommit: true}); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	if got := mem.Allocated(); got != 4 {
		t.Fatalf("Allocated after precommit = %d, want 4", got)
	}
	if err := mm.MUnmap(ctx, testBase+hostarch.PageSize, hostarch.PageSize); err != nil {
		t.Fatalf("MUnmap failed: %v", err)
	}
	if got := mem.Allocated(); got != 3 {
		t.Errorf("Allocated after MUnmap = %d, want 3", got)
	}

	pages := make([]*physmem.Page, 4)
	if n, _ := mm.Pin(ctx, testBase, pages, hostarch.Read); n != 1 {
		t.Errorf("Pin across hole = %d, want 1", n)
		mm.Unpin(pages[:n])
	} else {
		mm.Unpin(pages[:1])
	}
	if n, _ := mm.Pin(ctx, testBase+2*hostarch.PageSize, pages, hostarch.Read); n != 2 {
		t.Errorf("Pin after hole = %d, want 2", n)
		mm.Unpin(pages[:n])
	} else {
		mm.Unpin(pages[:2])
	}
}

func TestMProtect(t *testing.T) {
	mm, _ := testMemoryManager(t, Options{})
	ctx := context.Background()
	mustMMap(t, mm, testBase, 3, hostarch.ReadWrite)
	if err := mm.HandleUserFault(ctx, testBase, hostarch.Write); err != nil {
		t.Fatalf("HandleUserFault failed: %v", err)
	}

	if err := mm.MProtect(ctx, testBase, hostarch.PageSize, hostarch.Read); err != nil {
		t.Fatalf("MProtect failed: %v", err)
	}
	if _, opts, ok := mm.PageTables().Lookup(testBase); !ok || opts.AccessType != hostarch.Read {
		t.Errorf("Lookup after MProtect = (%+v, %v), want read-only", opts, ok)
	}
	pages := make([]*physmem.Page, 2)
	if n, _ := mm.Pin(ctx, testBase, pages, hostarch.Write); n != 0 {
		t.Errorf("write Pin of read-only page = %d, want 0", n)
		mm.Unpin(pages[:n])
	}
	if n, _ := mm.Pin(ctx, testBase+hostarch.PageSize, pages, hostarch.Write); n != 2 {
		t.Errorf("write Pin of writable pages = %d, want 2", n)
		mm.Unpin(pages[:n])
	} else {
		mm.Unpin(pages)
	}

	if err := mm.MProtect(ctx, testBase, 4*hostarch.PageSize, hostarch.Read); !errors.Is(err, linuxerr.ENOMEM) {
		t.Errorf("MProtect beyond mapping = %v, want ENOMEM", err)
	}
}

func TestMProtectNone(t *testing.T) {
	mm, mem := testMemoryManager(t, Options{})
	ctx := context.Background()
	mustMMap(t, mm, testBase, 1, hostarch.ReadWrite)
	if err := mm.HandleUserFault(ctx, testBase, hostarch.Read); err != nil {
		t.Fatalf("HandleUserFault failed: %v", err)
	}
	if err := mm.MProtect(ctx, testBase, hostarch.PageSize, hostarch.NoAccess); err != nil {
		t.Fatalf("MProtect failed: %v", err)
	}
	if got := mem.Allocated(); got != 0 {
		t.Errorf("Allocated after PROT_NONE = %d, want 0", got)
	}
	if err := mm.HandleUserFault(ctx, testBase, hostarch.Read); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("HandleUserFault on PROT_NONE = %v, want EFAULT", err)
	}
}

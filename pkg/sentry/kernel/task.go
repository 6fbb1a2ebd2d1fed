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

package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/log"
	"gvisor.dev/uaccess/pkg/ring0"
	"gvisor.dev/uaccess/pkg/ring0/pagetables"
	"gvisor.dev/uaccess/pkg/sentry/mm"
	"gvisor.dev/uaccess/pkg/sentry/uaccess"
	"gvisor.dev/uaccess/pkg/sentry/usermem"
)

// Task represents a thread of execution. It owns a processor for its whole
// lifetime.
//
// Task methods must only be called by the goroutine that created the task.
type Task struct {
	k  *Kernel
	id uint64

	// logger prefixes messages with the task's name.
	logger log.Logger

	// mm is the task's address space. It is nil for kernel tasks.
	mm *mm.MemoryManager

	// ut is the engine's view of the task.
	ut uaccess.Task

	// taskWorkCount is the number of entries in taskWork. It is read without
	// taskWorkMu.
	taskWorkCount atomic.Int32

	// taskWorkMu protects taskWork.
	taskWorkMu sync.Mutex

	// taskWork is a queue of work to be executed by RunWork.
	taskWork []TaskWorker

	// faults counts copies that left bytes untransferred, as reported by
	// RunWork.
	faults atomic.Uint64

	exited atomic.Bool

	// copyScratchBuffer is a buffer available to CopyIn/CopyOut
	// implementations that require an intermediate buffer to copy data
	// into/out of. It prevents these buffers from being allocated on the
	// heap.
	copyScratchBuffer [copyScratchBufferLen]byte
}

// NewTask creates a task with a fresh, empty address space. It blocks until a
// processor is free or ctx is done.
func (k *Kernel) NewTask(ctx context.Context) (*Task, error) {
	alloc := pagetables.NewRuntimeAllocator()
	alloc.Limit = k.conf.PageTableLimit
	space, err := mm.NewMemoryManager(k.mem, alloc, mm.Options{
		MaxPinPages: k.conf.MaxPinPages,
	})
	if err != nil {
		return nil, fmt.Errorf("creating address space: %w", err)
	}
	t, err := k.newTask(ctx, space)
	if err != nil {
		space.Release()
		return nil, err
	}
	return t, nil
}

// NewKernelTask creates a task whose addresses are kernel addresses.
func (k *Kernel) NewKernelTask(ctx context.Context) (*Task, error) {
	return k.newTask(ctx, nil)
}

func (k *Kernel) newTask(ctx context.Context, space *mm.MemoryManager) (*Task, error) {
	cpu, err := k.cpus.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring CPU: %w", err)
	}
	t := &Task{
		k:  k,
		id: k.nextTaskID.Add(1),
		mm: space,
	}
	t.ut.CPU = cpu
	if space != nil {
		t.ut.Space = space
	} else {
		t.ut.KernelAccess = true
	}
	t.logger = log.Prefixed(k.logger, t.String()+": ")
	k.liveTasks.Add(1)
	t.logger.Debugf("created on %v", cpu)
	return t, nil
}

// Exit releases the task's address space and processor. Pending work is
// discarded. Exit is idempotent.
func (t *Task) Exit() {
	if !t.exited.CompareAndSwap(false, true) {
		return
	}
	t.ut.ClearWork()
	t.taskWorkMu.Lock()
	t.taskWork = nil
	t.taskWorkCount.Store(0)
	t.taskWorkMu.Unlock()

	if t.mm != nil {
		t.mm.Release()
	}
	cpu := t.ut.CPU
	t.k.cpus.Release(cpu)
	t.k.liveTasks.Add(-1)
	t.logger.Debugf("exited, released %v", cpu)
}

// Exited returns true if Exit has been called.
func (t *Task) Exited() bool {
	return t.exited.Load()
}

// ID returns the task's ID.
func (t *Task) ID() uint64 {
	return t.id
}

// Kernel returns the Kernel containing t.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// MemoryManager returns t's address space, or nil for a kernel task.
func (t *Task) MemoryManager() *mm.MemoryManager {
	return t.mm
}

// CPU returns the processor t owns.
func (t *Task) CPU() *ring0.CPU {
	return t.ut.CPU
}

// IsKernelTask returns true if t's addresses are kernel addresses.
func (t *Task) IsKernelTask() bool {
	return t.ut.KernelAccess
}

// UaccessTask returns the engine's view of t.
func (t *Task) UaccessTask() *uaccess.Task {
	return &t.ut
}

// IO returns a usermem.IO that copies to and from t's address space.
func (t *Task) IO() usermem.IO {
	return usermem.TaskIO{Engine: t.k.engine, Task: &t.ut}
}

// CopyIn copies len(dst) bytes from t's memory at addr to dst.
func (t *Task) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return t.IO().CopyIn(ctx, addr, dst)
}

// CopyOut copies src to t's memory at addr.
func (t *Task) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return t.IO().CopyOut(ctx, addr, src)
}

// copyScratchBufferLen is the length of Task.copyScratchBuffer.
const copyScratchBufferLen = 144

// CopyScratchBuffer returns a scratch buffer to be used in CopyIn/CopyOut
// functions. It must only be used within those functions and can only be used
// by the task goroutine; it exists to improve performance and thus
// intentionally lacks any synchronization.
//
// Callers should pass a constant value as an argument if possible, which will
// allow the compiler to inline and optimize out the if statement below.
func (t *Task) CopyScratchBuffer(size int) []byte {
	if size > copyScratchBufferLen {
		return make([]byte, size)
	}
	return t.copyScratchBuffer[:size]
}

// CopyInUint64 reads a little-endian uint64 from t's memory at addr.
func (t *Task) CopyInUint64(ctx context.Context, addr hostarch.Addr) (uint64, error) {
	buf := t.CopyScratchBuffer(8)
	if _, err := t.CopyIn(ctx, addr, buf); err != nil {
		return 0, err
	}
	return hostarch.ByteOrder.Uint64(buf), nil
}

// CopyOutUint64 writes v to t's memory at addr in little-endian order.
func (t *Task) CopyOutUint64(ctx context.Context, addr hostarch.Addr, v uint64) error {
	buf := t.CopyScratchBuffer(8)
	hostarch.ByteOrder.PutUint64(buf, v)
	_, err := t.CopyOut(ctx, addr, buf)
	return err
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	if t.ut.KernelAccess {
		return fmt.Sprintf("ktask%d", t.id)
	}
	return fmt.Sprintf("task%d", t.id)
}

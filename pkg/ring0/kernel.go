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

package ring0

import (
	"context"
	"fmt"

	"gvisor.dev/uaccess/pkg/ring0/pagetables"
)

// KernelOpts has initialization options for the kernel.
type KernelOpts struct {
	// PageTables are the kernel pagetables; this must be provided.
	PageTables *pagetables.PageTables
}

// Kernel is a global kernel object.
//
// This contains global state, shared by multiple CPUs.
type Kernel struct {
	// KernelOpts are the options for the kernel.
	KernelOpts

	// cpus are all CPUs, indexed by ID.
	cpus []*CPU

	// free holds CPUs not owned by any task.
	free chan *CPU
}

// Init initializes a new kernel with maxCPUs processors.
func (k *Kernel) Init(opts KernelOpts, maxCPUs int) {
	if opts.PageTables == nil {
		panic("kernel page tables are required")
	}
	if maxCPUs <= 0 {
		panic(fmt.Sprintf("invalid CPU count %d", maxCPUs))
	}
	k.KernelOpts = opts
	k.cpus = make([]*CPU, maxCPUs)
	k.free = make(chan *CPU, maxCPUs)
	for id := range k.cpus {
		c := &CPU{kernel: k, id: id}
		c.active.Store(opts.PageTables)
		k.cpus[id] = c
		k.free <- c
	}
}

// NumCPUs returns the number of processors.
func (k *Kernel) NumCPUs() int {
	return len(k.cpus)
}

// CPU returns the CPU with the given ID.
func (k *Kernel) CPU(id int) *CPU {
	return k.cpus[id]
}

// Acquire takes ownership of a free CPU, blocking until one is available or
// ctx is done.
func (k *Kernel) Acquire(ctx context.Context) (*CPU, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case c := <-k.free:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns c to the kernel.
//
// Preconditions: c is preemptible and was obtained from Acquire.
func (k *Kernel) Release(c *CPU) {
	if c.kernel != k {
		panic(fmt.Sprintf("%v released to foreign kernel", c))
	}
	if !c.Preemptible() {
		panic(fmt.Sprintf("%v released with preemption disabled", c))
	}
	k.free <- c
}

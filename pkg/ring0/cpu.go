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
	"fmt"
	"runtime"
	"sync/atomic"

	"gvisor.dev/uaccess/pkg/ring0/pagetables"
)

// CPU is a single processor.
//
// Preemption state belongs to the goroutine that owns the CPU; other
// goroutines may only observe it.
type CPU struct {
	// kernel is the owning kernel.
	kernel *Kernel

	// id is the CPU index, stable for the life of the kernel.
	id int

	// preempt is the preemption disable count.
	preempt atomic.Int32

	// active is the table held in the user base register.
	active atomic.Pointer[pagetables.PageTables]

	// switches counts base register writes.
	switches atomic.Uint64
}

// ID returns the CPU index.
func (c *CPU) ID() int {
	return c.id
}

// Kernel returns the owning kernel.
func (c *CPU) Kernel() *Kernel {
	return c.kernel
}

// PreemptDisable disables preemption. Calls nest.
//
// While preemption is disabled the calling goroutine is wired to its OS
// thread, so the CPU cannot migrate underneath per-CPU state.
func (c *CPU) PreemptDisable() {
	if c.preempt.Add(1) == 1 {
		runtime.LockOSThread()
	}
}

// PreemptEnable undoes one PreemptDisable.
func (c *CPU) PreemptEnable() {
	switch n := c.preempt.Add(-1); {
	case n == 0:
		runtime.UnlockOSThread()
	case n < 0:
		panic(fmt.Sprintf("CPU %d: unbalanced PreemptEnable", c.id))
	}
}

// Preemptible returns true if preemption is enabled.
func (c *CPU) Preemptible() bool {
	return c.preempt.Load() == 0
}

// ActivePageTables returns the tables in the user base register.
func (c *CPU) ActivePageTables() *pagetables.PageTables {
	return c.active.Load()
}

// SwitchPageTables installs pt in the user base register and returns the
// previous value.
func (c *CPU) SwitchPageTables(pt *pagetables.PageTables) *pagetables.PageTables {
	c.switches.Add(1)
	return c.active.Swap(pt)
}

// Switches returns the number of base register writes on c.
func (c *CPU) Switches() uint64 {
	return c.switches.Load()
}

// String implements fmt.Stringer.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}

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
	"sync"

	"gvisor.dev/uaccess/pkg/ring0"
	"gvisor.dev/uaccess/pkg/ring0/pagetables"
)

// placeholder holds the process-wide empty page tables.
var placeholder = sync.OnceValues(func() (*pagetables.PageTables, error) {
	pt, err := pagetables.New(pagetables.NewRuntimeAllocator())
	if err != nil {
		return nil, fmt.Errorf("creating placeholder page tables: %w", err)
	}
	return pt, nil
})

// PlaceholderPageTables returns page tables that map nothing. They are
// created on first use and never modified; the same tables, or the same
// error, are returned for the life of the process.
func PlaceholderPageTables() (*pagetables.PageTables, error) {
	return placeholder()
}

// switchGuard installs the placeholder tables on a CPU and restores the
// previous tables on Restore.
type switchGuard struct {
	cpu  *ring0.CPU
	prev *pagetables.PageTables

	// switched is false if the placeholder was already active.
	switched bool
}

// switchToPlaceholder returns a guard that has installed pt on cpu.
func switchToPlaceholder(cpu *ring0.CPU, pt *pagetables.PageTables) *switchGuard {
	if cpu.ActivePageTables() == pt {
		return &switchGuard{cpu: cpu}
	}
	return &switchGuard{
		cpu:      cpu,
		prev:     cpu.SwitchPageTables(pt),
		switched: true,
	}
}

// Restore reinstalls the tables that were active before the switch.
func (g *switchGuard) Restore() {
	if g.switched {
		g.cpu.SwitchPageTables(g.prev)
		g.switched = false
	}
}

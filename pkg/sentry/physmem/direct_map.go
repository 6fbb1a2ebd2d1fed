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

package physmem

import (
	"gvisor.dev/uaccess/pkg/hostarch"
)

// KernelAddr returns the address of p in the kernel direct map.
func (m *Memory) KernelAddr(p *Page) hostarch.Addr {
	return DirectMapBase + hostarch.Addr(uint64(p.frame)<<hostarch.PageShift)
}

// DirectSlice returns the direct-mapped kernel memory [addr, addr+length). ok
// is false if any part of the range lies outside the direct map.
//
// The direct map is only valid for kernel addresses; user addresses never
// resolve through it.
func (m *Memory) DirectSlice(addr hostarch.Addr, length uint64) ([]byte, bool) {
	if addr < DirectMapBase {
		return nil, false
	}
	end, ok := addr.AddLength(length)
	if !ok {
		return nil, false
	}
	off := uint64(addr - DirectMapBase)
	limit := uint64(len(m.data))
	if off > limit || uint64(end-DirectMapBase) > limit {
		return nil, false
	}
	return m.data[off : off+length : off+length], true
}

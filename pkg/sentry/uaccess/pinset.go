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
	"sync"

	"gvisor.dev/uaccess/pkg/sentry/physmem"
)

// DefaultMaxPinSetPages is the default limit on pages per copy.
const DefaultMaxPinSetPages = 1 << 16

// pinSetPool recycles pin sets between copies.
type pinSetPool struct {
	max  uint64
	pool sync.Pool
}

// get returns a zeroed pin set of n pages. It fails if n exceeds the limit.
func (p *pinSetPool) get(n uint64) ([]*physmem.Page, bool) {
	if n > p.max {
		return nil, false
	}
	if v, ok := p.pool.Get().(*[]*physmem.Page); ok && uint64(cap(*v)) >= n {
		s := (*v)[:n]
		clear(s)
		return s, true
	}
	return make([]*physmem.Page, n), true
}

// put returns s to the pool.
func (p *pinSetPool) put(s []*physmem.Page) {
	// Drop page references so frames are not kept reachable.
	clear(s[:cap(s)])
	s = s[:0]
	p.pool.Put(&s)
}

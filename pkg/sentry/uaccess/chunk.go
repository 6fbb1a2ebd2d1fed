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


// Package uaccess copies bytes between the kernel and foreign address spaces.
//
// A foreign address space is any address space other than the one the caller
// is executing in. Its pages are never touched through its own page tables.
// Instead, the range is pinned, then each page is visited in address order
// through a short-lived per-CPU mapping window.
//
// Every copy returns the number of bytes NOT transferred. Zero means the
// whole range was copied; k > 0 means the last k bytes were not.
package uaccess

import (
	"fmt"

	"gvisor.dev/uaccess/pkg/hostarch"
)

// Chunk is the part of a transfer that falls within a single page.
type Chunk struct {
	// Page is the index of the page in the pin set.
	Page int

	// PageAddr is the foreign address of the start of the page.
	PageAddr hostarch.Addr

	// Offset is the offset of the chunk within the page.
	Offset uint64

	// Length is the number of bytes in the chunk.
	Length uint64

	// Cursor is the offset of the chunk within the local buffer.
	Cursor uint64
}

// Addr returns the foreign address of the first byte in c.
func (c Chunk) Addr() hostarch.Addr {
	return c.PageAddr + hostarch.Addr(c.Offset)
}

// String implements fmt.Stringer.
func (c Chunk) String() string {
	return fmt.Sprintf("{page %d @ %v, offset %#x, len %d, cursor %d}", c.Page, c.PageAddr, c.Offset, c.Length, c.Cursor)
}

// forEachChunk calls fn for each chunk of [addr, addr+length), in increasing
// address order, until fn returns false.
//
// The first chunk runs from addr to the end of its page or of the range,
// whichever comes first. Middle chunks are full pages. The last chunk, if the
// range does not end on a page boundary, covers the remainder.
func forEachChunk(addr hostarch.Addr, length uint64, fn func(Chunk) bool) {
	c := Chunk{
		PageAddr: addr.RoundDown(),
		Offset:   addr.PageOffset(),
	}
	for length > 0 {
		c.Length = min(hostarch.PageSize-c.Offset, length)
		if !fn(c) {
			return
		}
		length -= c.Length
		c.Cursor += c.Length
		c.Page++
		c.PageAddr += hostarch.PageSize
		c.Offset = 0
	}
}

// Plan returns the chunks of [addr, addr+length).
func Plan(addr hostarch.Addr, length uint64) []Chunk {
	var chunks []Chunk
	forEachChunk(addr, length, func(c Chunk) bool {
		chunks = append(chunks, c)
		return true
	})
	return chunks
}

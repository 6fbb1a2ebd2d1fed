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
	"gvisor.dev/uaccess/pkg/errors/linuxerr"
)

// Mover moves the bytes of one chunk.
type Mover interface {
	// Move transfers between mapped, the window contents of a chunk, and the
	// local buffer at cursor. A non-nil error fails the whole chunk.
	Move(mapped []byte, cursor uint64) error
}

// copyInMover copies foreign memory into dst.
type copyInMover struct {
	dst []byte
}

// Move implements Mover.Move.
func (m copyInMover) Move(mapped []byte, cursor uint64) error {
	if copy(m.dst[cursor:], mapped) != len(mapped) {
		return linuxerr.EFAULT
	}
	return nil
}

// copyOutMover copies src into foreign memory.
type copyOutMover struct {
	src []byte
}

// Move implements Mover.Move.
func (m copyOutMover) Move(mapped []byte, cursor uint64) error {
	if copy(mapped, m.src[cursor:]) != len(mapped) {
		return linuxerr.EFAULT
	}
	return nil
}

// zeroMover zeroes foreign memory.
type zeroMover struct{}

// Move implements Mover.Move.
func (zeroMover) Move(mapped []byte, _ uint64) error {
	clear(mapped)
	return nil
}

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


// Package usermem governs access to task memory with error semantics.
//
// The uaccess engine reports short copies as a remainder count. IO
// implementations in this package convert that into the (n, error) form used
// by system call handlers: n bytes were transferred, and a short transfer is
// always accompanied by a non-nil error, normally EFAULT.
package usermem

import (
	"context"
	"io"
	"strconv"

	"gvisor.dev/uaccess/pkg/errors/linuxerr"
	"gvisor.dev/uaccess/pkg/hostarch"
)

// IO provides access to the contents of a virtual memory space.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr. It
	// returns the number of bytes copied. If the number of bytes copied is <
	// len(src), it returns a non-nil error explaining why.
	CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied is
	// < len(dst), it returns a non-nil error explaining why.
	CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error)

	// ZeroOut sets toZero bytes to 0, starting at addr. It returns the number
	// of bytes zeroed. If the number of bytes zeroed is < toZero, it returns a
	// non-nil error explaining why.
	//
	// Preconditions: toZero >= 0.
	ZeroOut(ctx context.Context, addr hostarch.Addr, toZero int64) (int64, error)
}

// IOReadWriter is an io.ReadWriter that reads from / writes to addresses
// starting at Addr in IO.
type IOReadWriter struct {
	Ctx  context.Context
	IO   IO
	Addr hostarch.Addr
}

// Read implements io.Reader.Read.
//
// An address space has no end of file. Attempts to read unmapped memory, or
// beyond the end of the address space, return EFAULT.
func (rw *IOReadWriter) Read(dst []byte) (int, error) {
	n, err := rw.IO.CopyIn(rw.Ctx, rw.Addr, dst)
	return n, rw.advance(n, err)
}

// Write implements io.Writer.Write.
func (rw *IOReadWriter) Write(src []byte) (int, error) {
	n, err := rw.IO.CopyOut(rw.Ctx, rw.Addr, src)
	return n, rw.advance(n, err)
}

func (rw *IOReadWriter) advance(n int, err error) error {
	end, ok := rw.Addr.AddLength(uint64(n))
	if ok {
		rw.Addr = end
		return err
	}
	// Disallow wraparound.
	rw.Addr = ^hostarch.Addr(0)
	if err != nil {
		err = linuxerr.EFAULT
	}
	return err
}

var _ io.ReadWriter = (*IOReadWriter)(nil)

// copyStringIncrement is the maximum number of bytes that are copied from
// virtual memory at a time by CopyStringIn.
const copyStringIncrement = 64

// CopyStringIn copies a NUL-terminated string of unknown length from the
// memory mapped at addr in uio and returns it as a string (not including the
// trailing NUL). If the length of the string, including the terminating NUL,
// would exceed maxlen, CopyStringIn returns the string truncated to maxlen and
// ENAMETOOLONG.
//
// Preconditions: maxlen >= 0.
func CopyStringIn(ctx context.Context, uio IO, addr hostarch.Addr, maxlen int) (string, error) {
	buf := make([]byte, maxlen)
	var done int
	for done < maxlen {
		start, ok := addr.AddLength(uint64(done))
		if !ok {
			return string(buf[:done]), linuxerr.EFAULT
		}
		readlen := min(copyStringIncrement, maxlen-done)
		end, ok := start.AddLength(uint64(readlen))
		if !ok {
			return string(buf[:done]), linuxerr.EFAULT
		}
		// Never cross a page boundary in one read: the string may end before
		// the next page, which need not be mapped.
		if start.RoundDown() != end.RoundDown() {
			end = end.RoundDown()
		}
		n, err := uio.CopyIn(ctx, start, buf[done:done+int(end-start)])
		for i, c := range buf[done : done+n] {
			if c == 0 {
				return string(buf[:done+i]), nil
			}
		}
		done += n
		if err != nil {
			return string(buf[:done]), err
		}
	}
	return string(buf), linuxerr.ENAMETOOLONG
}

// CopyOutVec copies bytes from src to the memory mapped at ars in uio. The
// maximum number of bytes copied is the total length of ars or len(src),
// whichever is less. CopyOutVec returns the number of bytes copied; if this
// is less than the maximum, it returns a non-nil error explaining why.
func CopyOutVec(ctx context.Context, uio IO, ars []hostarch.AddrRange, src []byte) (int, error) {
	var done int
	for _, ar := range ars {
		if done == len(src) {
			break
		}
		cplen := int(min(uint64(len(src)-done), ar.Length()))
		n, err := uio.CopyOut(ctx, ar.Start, src[done:done+cplen])
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

// CopyInVec copies bytes from the memory mapped at ars in uio to dst. The
// maximum number of bytes copied is the total length of ars or len(dst),
// whichever is less. CopyInVec returns the number of bytes copied; if this is
// less than the maximum, it returns a non-nil error explaining why.
func CopyInVec(ctx context.Context, uio IO, ars []hostarch.AddrRange, dst []byte) (int, error) {
	var done int
	for _, ar := range ars {
		if done == len(dst) {
			break
		}
		cplen := int(min(uint64(len(dst)-done), ar.Length()))
		n, err := uio.CopyIn(ctx, ar.Start, dst[done:done+cplen])
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

// ZeroOutVec writes zeroes to the memory mapped at ars in uio. The maximum
// number of bytes written is the total length of ars or toZero, whichever is
// less.
func ZeroOutVec(ctx context.Context, uio IO, ars []hostarch.AddrRange, toZero int64) (int64, error) {
	var done int64
	for _, ar := range ars {
		if done == toZero {
			break
		}
		cplen := int64(min(uint64(toZero-done), ar.Length()))
		n, err := uio.ZeroOut(ctx, ar.Start, cplen)
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

// NumBytes returns the total length of ars.
func NumBytes(ars []hostarch.AddrRange) uint64 {
	var n uint64
	for _, ar := range ars {
		n += ar.Length()
	}
	return n
}

func isASCIIWhitespace(b byte) bool {
	// Compare Linux include/linux/ctype.h, lib/ctype.c.
	return b == ' ' || (b >= '\t' && b <= '\r')
}

// CopyInt32StringsInVec copies up to len(dsts) whitespace-separated decimal
// strings from the memory mapped at ars in uio and converts them to int32
// values in dsts. It returns the number of bytes read.
//
// As with Linux's proc_dointvec, a value that overflows int32 or contains
// invalid characters fails with EINVAL, and reaching the end of ars early is
// only an error if no value was read at all.
func CopyInt32StringsInVec(ctx context.Context, uio IO, ars []hostarch.AddrRange, dsts []int32) (int64, error) {
	if len(dsts) == 0 {
		return 0, nil
	}

	buf := make([]byte, NumBytes(ars))
	n, cperr := CopyInVec(ctx, uio, ars, buf)
	buf = buf[:n]

	var i, j int
	for ; j < len(dsts); j++ {
		for i < len(buf) && isASCIIWhitespace(buf[i]) {
			i++
		}
		if i == len(buf) {
			break
		}
		next := i + 1
		for next < len(buf) && !isASCIIWhitespace(buf[next]) {
			next++
		}
		val, err := strconv.ParseInt(string(buf[i:next]), 10, 32)
		if err != nil {
			return int64(i), linuxerr.EINVAL
		}
		dsts[j] = int32(val)
		i = next
	}

	// Trailing whitespace counts as read.
	for i < len(buf) && isASCIIWhitespace(buf[i]) {
		i++
	}
	if cperr != nil {
		return int64(i), cperr
	}
	if j == 0 {
		return int64(i), linuxerr.EINVAL
	}
	return int64(i), nil
}

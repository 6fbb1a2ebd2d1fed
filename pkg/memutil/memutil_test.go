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

package memutil

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestMapAnonymous(t *testing.T) {
	size := 4 * unix.Getpagesize()
	b, err := MapAnonymous(size)
	if err != nil {
		t.Fatalf("MapAnonymous(%d) failed: %v", size, err)
	}
	defer func() {
		if err := UnmapSlice(b); err != nil {
			t.Errorf("UnmapSlice failed: %v", err)
		}
	}()
	if len(b) != size {
		t.Fatalf("got mapping of %d bytes, want %d", len(b), size)
	}
	for i := range b {
		if b[i] != 0 {
			t.Fatalf("byte %d is %d, want 0", i, b[i])
		}
	}
	b[size-1] = 0xff
}

func TestMapAnonymousRejectsBadSize(t *testing.T) {
	if _, err := MapAnonymous(unix.Getpagesize() + 1); err == nil {
		t.Errorf("MapAnonymous with unaligned size succeeded")
	}
	if _, err := MapAnonymous(0); err == nil {
		t.Errorf("MapAnonymous(0) succeeded")
	}
}

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

package usermem

import (
	"context"

	"gvisor.dev/uaccess/pkg/errors/linuxerr"
	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/sentry/uaccess"
)

// TaskIO implements IO for a task through the uaccess engine.
type TaskIO struct {
	Engine *uaccess.Engine
	Task   *uaccess.Task
}

// done converts a uaccess remainder into an IO result.
func done(n, rem uint64) (uint64, error) {
	if rem != 0 {
		return n - rem, linuxerr.EFAULT
	}
	return n, nil
}

// CopyOut implements IO.CopyOut.
func (t TaskIO) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	n, err := done(uint64(len(src)), t.Engine.CopyOut(ctx, t.Task, addr, src))
	return int(n), err
}

// CopyIn implements IO.CopyIn.
func (t TaskIO) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	n, err := done(uint64(len(dst)), t.Engine.CopyIn(ctx, t.Task, dst, addr))
	return int(n), err
}

// ZeroOut implements IO.ZeroOut.
func (t TaskIO) ZeroOut(ctx context.Context, addr hostarch.Addr, toZero int64) (int64, error) {
	if toZero < 0 {
		return 0, linuxerr.EINVAL
	}
	n, err := done(uint64(toZero), t.Engine.ZeroOut(ctx, t.Task, addr, uint64(toZero)))
	return int64(n), err
}

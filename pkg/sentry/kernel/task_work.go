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

package kernel

import (
	"runtime"

	"gvisor.dev/uaccess/pkg/log"
	"gvisor.dev/uaccess/pkg/sentry/uaccess"
)

// TaskWorker is a deferred task.
type TaskWorker interface {
	// TaskWork will be executed by the next RunWork. Note that TaskWork may
	// call RegisterWork again, but this will not be executed until the next
	// RunWork. This effectively allows registration of indefinite hooks, but
	// not by default.
	TaskWork(t *Task)
}

// RegisterWork can be used to register additional task work that will be
// performed by RunWork. See TaskWorker.TaskWork for semantics regarding
// registration.
func (t *Task) RegisterWork(work TaskWorker) {
	t.taskWorkMu.Lock()
	defer t.taskWorkMu.Unlock()
	t.taskWorkCount.Add(1)
	t.taskWork = append(t.taskWork, work)
}

// RunWork performs deferred work: it consumes the work flags raised by the
// engine and then executes registered task work. Callers run it at the
// points where a real kernel would return to user space.
func (t *Task) RunWork() {
	if flags := t.ut.ClearWork(); flags != 0 {
		if flags&uaccess.WorkFault != 0 {
			t.RegisterWork(faultReport{})
		}
		if flags&uaccess.WorkResched != 0 {
			runtime.Gosched()
		}
	}

	if t.taskWorkCount.Load() > 0 {
		t.taskWorkMu.Lock()
		queue := t.taskWork
		t.taskWork = nil
		t.taskWorkCount.Store(0)
		t.taskWorkMu.Unlock()

		// Do not hold taskWorkMu while executing task work, which may register
		// more work.
		for _, work := range queue {
			work.TaskWork(t)
		}
	}
}

// Faults returns the number of faulted copies RunWork has observed.
func (t *Task) Faults() uint64 {
	return t.faults.Load()
}

// faultReport records a faulted copy.
type faultReport struct{}

// TaskWork implements TaskWorker.TaskWork.
func (faultReport) TaskWork(t *Task) {
	n := t.faults.Add(1)
	log.Prefixed(t.k.faultLogger, t.String()+": ").Warningf("copy faulted (%d total)", n)
}

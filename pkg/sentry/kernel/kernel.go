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


// Package kernel assembles the transfer engine: physical memory, the kernel
// page tables, the processors, their mapping windows and the engine itself.
// Tasks own a processor and, unless they are kernel tasks, a foreign address
// space.
package kernel

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gvisor.dev/uaccess/pkg/cleanup"
	"gvisor.dev/uaccess/pkg/config"
	"gvisor.dev/uaccess/pkg/log"
	"gvisor.dev/uaccess/pkg/ring0"
	"gvisor.dev/uaccess/pkg/ring0/pagetables"
	"gvisor.dev/uaccess/pkg/sentry/kmap"
	"gvisor.dev/uaccess/pkg/sentry/physmem"
	"gvisor.dev/uaccess/pkg/sentry/uaccess"
)

// Kernel represents an emulated kernel.
type Kernel struct {
	conf   *config.Config
	logger log.Logger

	// faultLogger reports task faults no more than once a second.
	faultLogger log.Logger

	mem     *physmem.Memory
	tables  *pagetables.RuntimeAllocator
	pt      *pagetables.PageTables
	cpus    ring0.Kernel
	windows *kmap.Windows
	engine  *uaccess.Engine

	// registry and metrics are nil unless conf.Metrics is set.
	registry *prometheus.Registry
	metrics  *uaccess.Metrics

	// nextTaskID is the ID of the next task.
	nextTaskID atomic.Uint64

	// liveTasks counts tasks that have not exited.
	liveTasks atomic.Int64
}

// New returns a Kernel configured by conf. If logger is nil, the global
// logger is used.
func New(conf *config.Config, logger log.Logger) (*Kernel, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = log.Log()
	}
	k := &Kernel{
		conf:        conf,
		logger:      logger,
		faultLogger: log.RateLimitedLogger(logger, time.Second),
	}

	mem, err := physmem.New(physmem.Options{
		Frames: conf.Frames,
		Base:   conf.PhysBase,
	})
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		if err := mem.Close(); err != nil {
			logger.Warningf("Closing physical memory: %v", err)
		}
	})
	defer cu.Clean()
	k.mem = mem

	k.tables = pagetables.NewRuntimeAllocator()
	if k.pt, err = pagetables.New(k.tables); err != nil {
		return nil, fmt.Errorf("creating kernel page tables: %w", err)
	}
	k.cpus.Init(ring0.KernelOpts{PageTables: k.pt}, conf.CPUs)
	k.windows = kmap.New(mem, k.pt, conf.CPUs)

	if conf.Metrics {
		k.registry = prometheus.NewRegistry()
		if k.metrics, err = uaccess.NewMetrics(k.registry); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	if k.engine, err = uaccess.NewEngine(uaccess.Options{
		Memory:           mem,
		Windows:          k.windows,
		SwitchPageTables: conf.SwitchPageTables,
		MaxPinSetPages:   conf.MaxPinSetPages,
		Metrics:          k.metrics,
		Logger:           logger,
	}); err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	cu.Release()
	logger.Infof("Kernel: %d CPUs, %d frames, page table switching %t", conf.CPUs, conf.Frames, conf.SwitchPageTables)
	return k, nil
}

// Close releases physical memory.
//
// Preconditions: All tasks have exited.
func (k *Kernel) Close() error {
	if n := k.liveTasks.Load(); n != 0 {
		panic(fmt.Sprintf("Kernel.Close with %d live tasks", n))
	}
	return k.mem.Close()
}

// Config returns the configuration k was built from.
func (k *Kernel) Config() *config.Config {
	return k.conf
}

// Memory returns k's physical memory.
func (k *Kernel) Memory() *physmem.Memory {
	return k.mem
}

// PageTables returns the kernel page tables.
func (k *Kernel) PageTables() *pagetables.PageTables {
	return k.pt
}

// CPUs returns k's processors.
func (k *Kernel) CPUs() *ring0.Kernel {
	return &k.cpus
}

// Windows returns the per-CPU mapping windows.
func (k *Kernel) Windows() *kmap.Windows {
	return k.windows
}

// Engine returns the transfer engine.
func (k *Kernel) Engine() *uaccess.Engine {
	return k.engine
}

// Metrics returns the engine metrics, or nil if metrics are disabled.
func (k *Kernel) Metrics() *uaccess.Metrics {
	return k.metrics
}

// Gatherer returns the metric registry, or nil if metrics are disabled.
func (k *Kernel) Gatherer() prometheus.Gatherer {
	if k.registry == nil {
		return nil
	}
	return k.registry
}

// LiveTasks returns the number of tasks that have not exited.
func (k *Kernel) LiveTasks() int64 {
	return k.liveTasks.Load()
}

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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/sentry/kernel"
	"gvisor.dev/uaccess/pkg/sentry/mm"
)

// stressOpts configures a stress run.
type stressOpts struct {
	tasks      int
	iterations int
	length     int
}

func (o *stressOpts) validate() error {
	if o.tasks <= 0 || o.iterations <= 0 || o.length <= 0 {
		return fmt.Errorf("tasks, iterations and length must be positive, got %d, %d, %d", o.tasks, o.iterations, o.length)
	}
	return nil
}

// stressResult is the outcome of a stress run.
type stressResult struct {
	Copies uint64
	Bytes  uint64
}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts stressOpts
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent round trips in many tasks"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs -tasks tasks, each doing -iterations round trips at varying offsets. Tasks beyond the CPU count wait for a CPU.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.tasks, "tasks", 8, "number of concurrent tasks.")
	f.IntVar(&s.opts.iterations, "iterations", 100, "round trips per task.")
	f.IntVar(&s.opts.length, "length", 2*hostarch.PageSize+100, "length of each copy.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := s.opts.validate(); err != nil {
		return Errorf("%v", err)
	}
	k, err := newKernel(configFromArgs(args))
	if err != nil {
		return Errorf("%v", err)
	}
	defer k.Close()

	start := time.Now()
	res, err := runStress(ctx, k, s.opts)
	if err != nil {
		return Errorf("stress: %v", err)
	}
	elapsed := time.Since(start)
	fmt.Fprintf(stdout, "%d copies, %d bytes in %v (%.1f MiB/s)\n", res.Copies, res.Bytes, elapsed, float64(res.Bytes)/(1<<20)/elapsed.Seconds())
	if err := writeMetrics(stdout, k.Gatherer()); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// runStress runs opts.tasks tasks concurrently. The first failing task
// cancels the others.
func runStress(ctx context.Context, k *kernel.Kernel, opts stressOpts) (stressResult, error) {
	if err := opts.validate(); err != nil {
		return stressResult{}, err
	}
	var copies, total atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for i := range opts.tasks {
		g.Go(func() error {
			task, err := k.NewTask(ctx)
			if err != nil {
				return err
			}
			defer task.Exit()

			// One spare page for the varying offset.
			length := uint64(hostarch.Addr(opts.length + hostarch.PageSize).MustRoundUp())
			if err := task.MemoryManager().MMap(ctx, mm.MMapOpts{
				Addr:   userBase,
				Length: length,
				Perms:  hostarch.ReadWrite,
				Name:   "stress",
			}); err != nil {
				return fmt.Errorf("%v: mapping %d bytes at %v: %w", task, length, userBase, err)
			}

			src := pattern(opts.length, byte(i))
			dst := make([]byte, opts.length)
			for j := range opts.iterations {
				addr := userBase + hostarch.Addr((i*131+j*17)%hostarch.PageSize)
				if _, err := task.CopyOut(ctx, addr, src); err != nil {
					return fmt.Errorf("%v: copy-out %d at %v: %w", task, j, addr, err)
				}
				clear(dst)
				if _, err := task.CopyIn(ctx, addr, dst); err != nil {
					return fmt.Errorf("%v: copy-in %d at %v: %w", task, j, addr, err)
				}
				if !bytes.Equal(dst, src) {
					return fmt.Errorf("%v: round trip %d at %v returned different bytes", task, j, addr)
				}
				task.RunWork()
				copies.Add(2)
				total.Add(2 * uint64(opts.length))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stressResult{}, err
	}
	return stressResult{Copies: copies.Load(), Bytes: total.Load()}, nil
}

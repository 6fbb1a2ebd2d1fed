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

	"github.com/google/subcommands"
	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/sentry/kernel"
	"gvisor.dev/uaccess/pkg/sentry/mm"
	"gvisor.dev/uaccess/pkg/sentry/physmem"
)

// Fault injection modes for the copy command.
const (
	faultNone     = "none"
	faultReadOnly = "readonly"
	faultUnmapped = "unmapped"
	faultPoison   = "poison"
)

// copyOpts configures a round trip.
type copyOpts struct {
	pages     int
	offset    uint64
	length    int
	fault     string
	faultPage int
}

func (o *copyOpts) validate() error {
	if o.pages <= 0 {
		return fmt.Errorf("pages must be positive, got %d", o.pages)
	}
	if o.length < 0 || o.offset+uint64(o.length) > uint64(o.pages)*hostarch.PageSize {
		return fmt.Errorf("[%#x, +%d) does not fit in %d pages", o.offset, o.length, o.pages)
	}
	switch o.fault {
	case faultNone:
	case faultReadOnly, faultUnmapped, faultPoison:
		if o.faultPage < 0 || o.faultPage >= o.pages {
			return fmt.Errorf("fault page %d out of range [0, %d)", o.faultPage, o.pages)
		}
	default:
		return fmt.Errorf("unknown fault %q, must be one of: %s, %s, %s, %s", o.fault, faultNone, faultReadOnly, faultUnmapped, faultPoison)
	}
	return nil
}

// copyResult is the outcome of a round trip.
type copyResult struct {
	Requested int
	CopiedOut int
	CopiedIn  int
	Faults    uint64

	// Verified is true if the bytes copied in match the bytes copied out
	// wherever both copies succeeded.
	Verified bool
}

// Copy implements subcommands.Command for the "copy" command.
type Copy struct {
	opts copyOpts
}

// Name implements subcommands.Command.Name.
func (*Copy) Name() string {
	return "copy"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Copy) Synopsis() string {
	return "copy a buffer out to a fresh address space and back in"
}

// Usage implements subcommands.Command.Usage.
func (*Copy) Usage() string {
	return `copy [flags] - maps -pages pages, optionally injects a fault into one of them, copies out a pattern and copies it back in.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Copy) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.opts.pages, "pages", 4, "number of pages to map.")
	f.Uint64Var(&c.opts.offset, "offset", 0x10, "offset of the buffer from the start of the mapping.")
	f.IntVar(&c.opts.length, "length", 3*hostarch.PageSize, "length of the buffer.")
	f.StringVar(&c.opts.fault, "fault", faultNone, "fault to inject: none, readonly, unmapped or poison.")
	f.IntVar(&c.opts.faultPage, "fault-page", 1, "index of the page to inject the fault into.")
}

// Execute implements subcommands.Command.Execute.
func (c *Copy) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.opts.validate(); err != nil {
		return Errorf("%v", err)
	}
	k, err := newKernel(configFromArgs(args))
	if err != nil {
		return Errorf("%v", err)
	}
	defer k.Close()

	res, err := runCopy(ctx, k, c.opts)
	if err != nil {
		return Errorf("copy: %v", err)
	}
	fmt.Fprintf(stdout, "requested %d, copied out %d, copied in %d, faults %d\n", res.Requested, res.CopiedOut, res.CopiedIn, res.Faults)
	if err := writeMetrics(stdout, k.Gatherer()); err != nil {
		return Errorf("%v", err)
	}
	if !res.Verified {
		return Errorf("copy: data copied in does not match data copied out")
	}
	return subcommands.ExitSuccess
}

// runCopy performs a round trip in a fresh task of k.
func runCopy(ctx context.Context, k *kernel.Kernel, opts copyOpts) (copyResult, error) {
	if err := opts.validate(); err != nil {
		return copyResult{}, err
	}
	task, err := k.NewTask(ctx)
	if err != nil {
		return copyResult{}, err
	}
	defer task.Exit()

	space := task.MemoryManager()
	if err := space.MMap(ctx, mm.MMapOpts{
		Addr:   userBase,
		Length: uint64(opts.pages) * hostarch.PageSize,
		Perms:  hostarch.ReadWrite,
		Name:   "xcopy",
	}); err != nil {
		return copyResult{}, fmt.Errorf("mapping %d pages: %w", opts.pages, err)
	}
	if err := injectFault(ctx, space, opts); err != nil {
		return copyResult{}, fmt.Errorf("injecting %s fault: %w", opts.fault, err)
	}

	addr := userBase + hostarch.Addr(opts.offset)
	src := pattern(opts.length, 1)
	out, _ := task.CopyOut(ctx, addr, src)
	dst := make([]byte, opts.length)
	in, _ := task.CopyIn(ctx, addr, dst)
	task.RunWork()

	both := min(out, in)
	return copyResult{
		Requested: opts.length,
		CopiedOut: out,
		CopiedIn:  in,
		Faults:    task.Faults(),
		Verified:  bytes.Equal(dst[:both], src[:both]),
	}, nil
}

func injectFault(ctx context.Context, space *mm.MemoryManager, opts copyOpts) error {
	addr := userBase + hostarch.Addr(opts.faultPage)*hostarch.PageSize
	switch opts.fault {
	case faultReadOnly:
		return space.MProtect(ctx, addr, hostarch.PageSize, hostarch.Read)
	case faultUnmapped:
		return space.MUnmap(ctx, addr, hostarch.PageSize)
	case faultPoison:
		pages := make([]*physmem.Page, 1)
		n, err := space.Pin(ctx, addr, pages, hostarch.Read)
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("page at %v could not be faulted in", addr)
		}
		pages[0].Poison()
		space.Unpin(pages)
	}
	return nil
}

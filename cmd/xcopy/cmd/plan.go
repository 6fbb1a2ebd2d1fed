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
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/sentry/uaccess"
)

// Plan implements subcommands.Command for the "plan" command.
type Plan struct{}

// Name implements subcommands.Command.Name.
func (*Plan) Name() string {
	return "plan"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Plan) Synopsis() string {
	return "print the per-page chunks a copy is split into"
}

// Usage implements subcommands.Command.Usage.
func (*Plan) Usage() string {
	return `plan <addr> <length> - prints one line per page-bounded chunk. Numbers may be given in any Go integer syntax, e.g. 0x1ffe.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Plan) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Plan) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	addr, err := strconv.ParseUint(f.Arg(0), 0, 64)
	if err != nil {
		return Errorf("invalid address %q: %v", f.Arg(0), err)
	}
	length, err := strconv.ParseUint(f.Arg(1), 0, 64)
	if err != nil {
		return Errorf("invalid length %q: %v", f.Arg(1), err)
	}
	if err := printPlan(stdout, hostarch.Addr(addr), length); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func printPlan(w io.Writer, addr hostarch.Addr, length uint64) error {
	if _, ok := addr.AddLength(length); !ok {
		return fmt.Errorf("range [%v, +%d) wraps around", addr, length)
	}
	chunks := uaccess.Plan(addr, length)
	fmt.Fprintf(w, "%d bytes at %v span %d pages\n", length, addr, len(chunks))
	for _, c := range chunks {
		fmt.Fprintln(w, c)
	}
	return nil
}

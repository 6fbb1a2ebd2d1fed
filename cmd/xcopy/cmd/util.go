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


// Package cmd holds implementations of the xcopy commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/uaccess/pkg/config"
	"gvisor.dev/uaccess/pkg/hostarch"
	"gvisor.dev/uaccess/pkg/log"
	"gvisor.dev/uaccess/pkg/sentry/kernel"
)

// stdout is where commands write their results.
var stdout io.Writer = os.Stdout

// userBase is where commands map user memory.
const userBase = hostarch.Addr(0x10_0000)

// Errorf logs an error and returns ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}

// configFromArgs extracts the configuration passed to subcommands.Execute.
func configFromArgs(args []any) *config.Config {
	return args[0].(*config.Config)
}

// newKernel creates a kernel. The caller must call Close.
func newKernel(conf *config.Config) (*kernel.Kernel, error) {
	k, err := kernel.New(conf, log.Log())
	if err != nil {
		return nil, fmt.Errorf("creating kernel: %w", err)
	}
	return k, nil
}

// writeMetrics writes every metric gathered by g to w in the Prometheus text
// format. A nil g writes nothing.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	if g == nil {
		return nil
	}
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}

// pattern returns n bytes of a repeating, position-dependent pattern.
func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%251) + seed
	}
	return b
}

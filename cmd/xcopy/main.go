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


// Binary xcopy exercises the transfer engine from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/uaccess/cmd/xcopy/cmd"
	"gvisor.dev/uaccess/pkg/config"
	"gvisor.dev/uaccess/pkg/log"
)

var configFile = flag.String("config", "", "TOML configuration file. Flags given on the command line take precedence.")

func main() {
	// Register all commands.
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Plan), "")
	subcommands.Register(new(cmd.Copy), "")
	subcommands.Register(new(cmd.Stress), "")

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "xcopy: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	// Set up logging.
	log.SetTarget(newEmitter(conf.LogFormat, os.Stderr))
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	log.Debugf("Config: %v", conf)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// loadConfig builds the configuration from the file named by --config, if
// any, and the command line.
func loadConfig() (*config.Config, error) {
	if *configFile == "" {
		return config.NewFromFlags(flag.CommandLine)
	}
	conf, err := config.LoadFile(*configFile)
	if err != nil {
		return nil, err
	}
	if err := conf.ApplyFlags(flag.CommandLine); err != nil {
		return nil, err
	}
	return conf, nil
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{&log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{&log.Writer{Next: logFile}}
	}
	panic(fmt.Sprintf("invalid log format %q, must be 'text' or 'json'", format))
}

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

package config

import (
	"flag"
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"
)

// LoadFile reads a TOML configuration file. Keys are flag names; keys that
// are absent keep their default values.
func LoadFile(path string) (*Config, error) {
	conf := Default()
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return conf, nil
}

// ApplyFlags overrides c with every flag explicitly set in flagSet. It is
// used to let the command line take precedence over a configuration file.
func (c *Config) ApplyFlags(flagSet *flag.FlagSet) error {
	var err error
	flagSet.Visit(func(fl *flag.Flag) {
		if err != nil {
			return
		}
		if _, ok := fieldForFlag(fl.Name); !ok {
			return
		}
		err = c.Override(flagSet, fl.Name, fl.Value.String())
	})
	return err
}

// configType is the reflected type of Config.
var configType = reflect.TypeOf(Config{})

// fieldForFlag returns the index of the Config field bound to name.
func fieldForFlag(name string) (int, bool) {
	st := configType
	for i := 0; i < st.NumField(); i++ {
		if tag, ok := st.Field(i).Tag.Lookup("flag"); ok && tag == name {
			return i, true
		}
	}
	return 0, false
}

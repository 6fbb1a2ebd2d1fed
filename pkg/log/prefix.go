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

package log

// prefixLogger prepends a fixed prefix to every message.
type prefixLogger struct {
	logger Logger
	prefix string
}

// Prefixed returns a Logger that logs to logger with prefix prepended to
// every message, e.g. "task3: ". The prefix is not a format string.
func Prefixed(logger Logger, prefix string) Logger {
	if pl, ok := logger.(*prefixLogger); ok {
		return &prefixLogger{logger: pl.logger, prefix: pl.prefix + prefix}
	}
	return &prefixLogger{logger: logger, prefix: prefix}
}

func (pl *prefixLogger) Debugf(format string, v ...any) {
	if pl.logger.IsLogging(Debug) {
		pl.logger.Debugf("%s"+format, append([]any{pl.prefix}, v...)...)
	}
}

func (pl *prefixLogger) Infof(format string, v ...any) {
	if pl.logger.IsLogging(Info) {
		pl.logger.Infof("%s"+format, append([]any{pl.prefix}, v...)...)
	}
}

func (pl *prefixLogger) Warningf(format string, v ...any) {
	pl.logger.Warningf("%s"+format, append([]any{pl.prefix}, v...)...)
}

func (pl *prefixLogger) IsLogging(level Level) bool {
	return pl.logger.IsLogging(level)
}

// Copyright 2024 The gVisor Authors.
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

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger forwards at most one message per interval. Messages over
// the budget are counted, and the count is reported with the next message
// that gets through. All levels share one budget.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Int64
}

// admit reports whether a message at level may be forwarded, and returns the
// prefix announcing the messages suppressed since the last one.
func (rl *rateLimitedLogger) admit(level Level) (string, bool) {
	if !rl.logger.IsLogging(level) {
		return "", false
	}
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return "", false
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		return fmt.Sprintf("(%d messages suppressed) ", n), true
	}
	return "", true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if prefix, ok := rl.admit(Debug); ok {
		rl.logger.Debugf(prefix+format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if prefix, ok := rl.admit(Info); ok {
		rl.logger.Infof(prefix+format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if prefix, ok := rl.admit(Warning); ok {
		rl.logger.Warningf(prefix+format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger is RateLimitedLogger over the global logger.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that forwards to logger at most once
// per interval. Messages below the logger's level do not use the budget.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

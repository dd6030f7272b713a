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
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is the thread ID column of the header, space-padded to glog's 7
// characters.
var pid = fmt.Sprintf("%7d", os.Getpid())

// levelChar maps a level to its header character.
func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	case Warning:
		return 'W'
	default:
		return '?'
	}
}

// caller returns the "file:line" of the frame depth levels above the
// caller of caller.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// header formats a glog line prefix:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line]
func header(level Level, timestamp time.Time, pid, where string) string {
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	return fmt.Sprintf("%c%02d%02d %02d:%02d:%02d.%06d %s %s] ",
		levelChar(level), int(month), day, hour, minute, second,
		timestamp.Nanosecond()/1000, pid, where)
}

// Emit emits the message, google-style.
//
// The header is prepended to the format string, so any '%' in it must be
// escaped.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	h := strings.ReplaceAll(header(level, timestamp, pid, caller(depth+1)), "%", "%%")
	g.Emitter.Emit(depth+1, level, timestamp, h+format+"\n", args...)
}

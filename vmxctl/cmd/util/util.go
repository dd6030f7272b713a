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

// Package util groups helpers shared by vmxctl commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gvisor.dev/vmxctl/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are in addition to the regular logs.
var ErrorLogger io.Writer

// errorMessage is the JSON record written to ErrorLogger.
type errorMessage struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

// Errorf logs error to the log file and ErrorLogger, and prints it to
// stderr.
func Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "vmxctl: %s\n", msg)

	if ErrorLogger != nil {
		data, err := json.Marshal(errorMessage{Msg: msg, Level: "error", Time: time.Now()})
		if err == nil {
			_, _ = ErrorLogger.Write(append(data, '\n'))
		}
	}
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(1)
}

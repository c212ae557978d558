// Copyright 2018 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package async launches the engine's cooperative background workers
// (lazy rebuild, disk drain) with panic recovery so a single bad extent can't
// take the whole scheduler down.
package async

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/dynamicfs/dynamicfs/util/log"
)

// WorkerFunc is a long-running background loop; it is expected to run
// until its own exit condition (a closed channel, a cancelled context)
// rather than return immediately.
type WorkerFunc func()

// RunWorker starts fn on its own goroutine, recovering and logging any
// panic instead of letting it escape. A worker that panics is not
// restarted: callers that need restart-on-panic loop fn internally.
func RunWorker(fn WorkerFunc) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.LogCriticalf("async: worker panic: %v\n%s", r, collectStack())
			}
		}()
		fn()
	}()
}

func collectStack() string {
	pc := make([]uintptr, 32)
	n := runtime.Callers(3, pc)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pc[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			sb.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}
	return sb.String()
}

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

package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunWorkerExecutesFn(t *testing.T) {
	done := make(chan struct{})
	RunWorker(func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not run")
	}
}

func TestRunWorkerRecoversPanicWithoutCrashingProcess(t *testing.T) {
	done := make(chan struct{})
	RunWorker(func() {
		defer close(done)
		panic("worker blew up")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking worker did not complete")
	}
	// Reaching this line at all demonstrates the panic did not escape
	// the goroutine and take the test binary down with it.
	assert.True(t, true)
}

func TestRunWorkerContinuesAfterOneWorkerPanics(t *testing.T) {
	done := make(chan struct{})
	RunWorker(func() { panic("boom") })
	RunWorker(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second worker did not run after the first panicked")
	}
}

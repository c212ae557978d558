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

//go:build dfs_faultinject

// Package faultinject is a test-only process-wide crash-injection
// switch, gated behind the dfs_faultinject build tag so it costs
// nothing in a release build — see faultinject_stub.go for the
// tag-excluded no-op build.
package faultinject

import (
	"fmt"
	"sync/atomic"
)

// Point names a location in the write/commit pipeline an armed crash
// can fire at.
type Point string

const (
	AfterFragmentWrite  Point = "AfterFragmentWrite"
	BeforeRootRename    Point = "BeforeRootRename"
	AfterExtentPersist  Point = "AfterExtentPersist"
	AfterExtentMapWrite Point = "AfterExtentMapWrite"
)

// crashSignal is the panic value Hit raises at an armed point; Run is
// the only intended recoverer.
type crashSignal struct {
	point Point
	seq   int64
}

var (
	armedPoint atomic.Value // Point
	armedSeq   atomic.Int64 // fire after this many hits at armedPoint; 0 = first hit
	hitCount   atomic.Int64
)

// Set arms a crash at point, firing on the nth hit of that point
// (afterN=0 fires on the first hit).
func Set(point Point, afterN int64) {
	armedPoint.Store(point)
	armedSeq.Store(afterN)
	hitCount.Store(0)
}

// Clear disarms any pending crash.
func Clear() {
	armedPoint.Store(Point(""))
}

// Hit is called at an instrumented pipeline location; it panics with a
// crashSignal if this call is the armed trigger.
func Hit(point Point) {
	cur, _ := armedPoint.Load().(Point)
	if cur == "" || cur != point {
		return
	}
	n := hitCount.Add(1) - 1
	if n != armedSeq.Load() {
		return
	}
	armedPoint.Store(Point(""))
	panic(crashSignal{point: point, seq: n})
}

// Run executes fn, recovering a crashSignal panic raised by Hit and
// reporting it instead of letting it escape. Any other panic is
// re-raised unchanged: Run must not hide real bugs.
func Run(fn func()) (crashed bool, at Point) {
	defer func() {
		if r := recover(); r != nil {
			sig, ok := r.(crashSignal)
			if !ok {
				panic(r)
			}
			crashed = true
			at = sig.point
		}
	}()
	fn()
	return false, ""
}

func (p Point) String() string { return fmt.Sprintf("Point(%s)", string(p)) }

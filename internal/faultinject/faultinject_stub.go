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

//go:build !dfs_faultinject

package faultinject

// Point mirrors the tagged build's type so instrumented call sites
// compile identically either way.
type Point string

const (
	AfterFragmentWrite  Point = "AfterFragmentWrite"
	BeforeRootRename    Point = "BeforeRootRename"
	AfterExtentPersist  Point = "AfterExtentPersist"
	AfterExtentMapWrite Point = "AfterExtentMapWrite"
)

// Hit is a no-op in release builds; the compiler inlines it away.
func Hit(Point) {}

// Set and Clear are no-ops outside the dfs_faultinject build; calling
// them from a test run without the tag simply arms nothing.
func Set(Point, int64) {}
func Clear()           {}

// Run always executes fn without crash injection available.
func Run(fn func()) (crashed bool, at Point) {
	fn()
	return false, ""
}

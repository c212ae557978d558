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

// Package testutil carries small helpers shared by the engine's test
// files.
package testutil

import (
	"os"
	"path"
	"testing"
)

type TempPath struct {
	t    *testing.T
	path string
}

// InitTempTestPath creates a fresh temporary directory scoped to the
// running test and returns a handle whose Cleanup removes it.
func InitTempTestPath(t *testing.T) *TempPath {
	t.Helper()
	dir, err := os.MkdirTemp("", "dynamicfs-"+t.Name()+"-*")
	if err != nil {
		t.Fatalf("create temp test path: %v", err)
	}
	return &TempPath{t: t, path: dir}
}

func (p *TempPath) Path() string {
	return p.path
}

func (p *TempPath) Join(elem ...string) string {
	return path.Join(append([]string{p.path}, elem...)...)
}

func (p *TempPath) Cleanup() {
	_ = os.RemoveAll(p.path)
}

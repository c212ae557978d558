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

package engineerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesDirectKind(t *testing.T) {
	err := New(NotFound, "extent %s missing", "abc")
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, Conflict))
}

func TestIsUnwindsWrappedCause(t *testing.T) {
	root := New(IoError, "disk write failed")
	wrapped := fmt.Errorf("write fragment: %w", root)
	assert.True(t, Is(wrapped, IoError))
}

func TestIsUnwindsChainedEngineerrCause(t *testing.T) {
	root := New(Corruption, "checksum mismatch")
	outer := Wrap(Unrecoverable, root, "decode failed")
	assert.True(t, Is(outer, Unrecoverable))
	assert.True(t, Is(outer, Corruption))
	assert.False(t, Is(outer, NotFound))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, NotFound, KindOf(New(NotFound, "missing")))
	assert.Equal(t, Unknown, KindOf(errors.New("plain error")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(IoError, cause, "write fragment 2")
	assert.Contains(t, err.Error(), "IoError")
	assert.Contains(t, err.Error(), "write fragment 2")
	assert.Contains(t, err.Error(), "boom")
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(IoError, cause, "context").(*Error)
	assert.Equal(t, cause, err.Unwrap())
}

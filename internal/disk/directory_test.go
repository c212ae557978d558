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

package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamicfs/dynamicfs/internal/extent"
	"github.com/dynamicfs/dynamicfs/util/testutil"
)

func TestCreateAndOpenDirectoryDisk(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	d, err := CreateDirectoryDisk(tmp.Path(), 1<<30)
	require.NoError(t, err)
	assert.Equal(t, Healthy, d.GetHealth())
	assert.Equal(t, KindDirectory, d.Kind())

	reopened, err := OpenDirectoryDisk(tmp.Path())
	require.NoError(t, err)
	assert.Equal(t, d.ID(), reopened.ID())
	assert.Equal(t, uint64(1<<30), reopened.CapacityBytes())
}

func TestWriteReadDeleteFragmentRoundTrip(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	d, err := CreateDirectoryDisk(tmp.Path(), 0)
	require.NoError(t, err)

	extentID := extent.NewID()
	payload := []byte("hello fragment")
	ctx := context.Background()

	require.NoError(t, d.WriteFragment(ctx, extentID, 0, payload))
	got, err := d.ReadFragment(ctx, extentID, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.True(t, d.UsedBytes() >= uint64(len(payload)))

	require.NoError(t, d.DeleteFragment(ctx, extentID, 0))
	_, err = d.ReadFragment(ctx, extentID, 0)
	assert.Error(t, err)
}

func TestDeleteMissingFragmentIsNotAnError(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	d, err := CreateDirectoryDisk(tmp.Path(), 0)
	require.NoError(t, err)
	err = d.DeleteFragment(context.Background(), extent.NewID(), 0)
	assert.NoError(t, err)
}

func TestWriteFragmentRejectedWhenNotAcceptingWrites(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	d, err := CreateDirectoryDisk(tmp.Path(), 0)
	require.NoError(t, err)
	require.NoError(t, d.SetHealth(Draining))
	require.NoError(t, d.SetHealth(Failed))

	err = d.WriteFragment(context.Background(), extent.NewID(), 0, []byte("x"))
	assert.Error(t, err)
}

func TestReadFragmentRejectedOnceFailed(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	d, err := CreateDirectoryDisk(tmp.Path(), 0)
	require.NoError(t, err)
	require.NoError(t, d.SetHealth(Draining))
	require.NoError(t, d.SetHealth(Failed))

	_, err = d.ReadFragment(context.Background(), extent.NewID(), 0)
	assert.Error(t, err)
}

func TestHealthTransitions(t *testing.T) {
	assert.True(t, CanTransition(Healthy, Suspect))
	assert.True(t, CanTransition(Healthy, Failed))
	assert.False(t, CanTransition(Failed, Healthy))
	assert.False(t, CanTransition(Draining, Healthy))
	assert.True(t, CanTransition(Healthy, Healthy))
}

func TestAcceptsWritesAndReads(t *testing.T) {
	assert.True(t, Healthy.AcceptsWrites())
	assert.True(t, Suspect.AcceptsWrites())
	assert.False(t, Degraded.AcceptsWrites())
	assert.False(t, Draining.AcceptsWrites())

	assert.True(t, Draining.AcceptsReads())
	assert.False(t, Failed.AcceptsReads())
}

func TestSetHealthRejectsIllegalTransition(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	d, err := CreateDirectoryDisk(tmp.Path(), 0)
	require.NoError(t, err)
	require.NoError(t, d.SetHealth(Failed))
	err = d.SetHealth(Healthy)
	assert.Error(t, err)
}

func TestListFragments(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	d, err := CreateDirectoryDisk(tmp.Path(), 0)
	require.NoError(t, err)

	ctx := context.Background()
	extA := extent.NewID()
	extB := extent.NewID()
	require.NoError(t, d.WriteFragment(ctx, extA, 0, []byte("a0")))
	require.NoError(t, d.WriteFragment(ctx, extA, 1, []byte("a1")))
	require.NoError(t, d.WriteFragment(ctx, extB, 0, []byte("b0")))

	refs, err := d.ListFragments()
	require.NoError(t, err)
	assert.Len(t, refs, 3)

	seen := map[extent.ID]map[int]bool{}
	for _, r := range refs {
		if seen[r.ExtentID] == nil {
			seen[r.ExtentID] = map[int]bool{}
		}
		seen[r.ExtentID][r.FragmentIdx] = true
	}
	assert.True(t, seen[extA][0])
	assert.True(t, seen[extA][1])
	assert.True(t, seen[extB][0])
}

func TestConsecutiveErrorsSelfDemoteToSuspect(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	d, err := CreateDirectoryDisk(tmp.Path(), 0)
	require.NoError(t, err)

	ctx := context.Background()
	// A missing fragment is NotFound and does not count against the disk;
	// a directory squatting on the fragment's path makes the read itself
	// fail with an I/O error, which does.
	extentID := extent.NewID()
	require.NoError(t, os.Mkdir(filepath.Join(tmp.Path(), extent.FragmentPath(extentID, 0)), 0755))
	for i := 0; i < maxConsecutiveErrBeforeSuspect; i++ {
		_, _ = d.ReadFragment(ctx, extentID, 0)
	}
	assert.Equal(t, Suspect, d.GetHealth())
}

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

package metastore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamicfs/dynamicfs/engineerr"
	"github.com/dynamicfs/dynamicfs/internal/extent"
	"github.com/dynamicfs/dynamicfs/util/testutil"
)

func TestCreateInodePersistsAndReloads(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	s, err := Open(tmp.Path())
	require.NoError(t, err)

	ino, err := s.CreateInode(KindFile, 0644, InodeID{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Version())

	reopened, err := Open(tmp.Path())
	require.NoError(t, err)
	got, err := reopened.GetInode(ino.ID)
	require.NoError(t, err)
	assert.Equal(t, ino.ID, got.ID)
	assert.Equal(t, uint64(1), reopened.Version())
}

func TestGetInodeNotFound(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()
	s, err := Open(tmp.Path())
	require.NoError(t, err)

	_, err = s.GetInode(NewInodeID())
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.NotFound))
}

func TestApplyCommitOrdersExtentsMapInodeThenRoot(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()
	s, err := Open(tmp.Path())
	require.NoError(t, err)

	ino, err := s.CreateInode(KindFile, 0644, InodeID{})
	require.NoError(t, err)

	e := &extent.Extent{ID: extent.NewID(), Length: 10, Policy: extent.Replication(3)}
	em := &ExtentMap{InodeID: ino.ID, ExtentIDs: []extent.ID{e.ID}}
	require.NoError(t, s.Apply(Commit{Extents: []*extent.Extent{e}, ExtentMap: em, Inode: ino}))

	gotExt, err := s.GetExtent(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, gotExt.ID)

	gotMap, err := s.GetExtentMap(ino.ID)
	require.NoError(t, err)
	assert.Equal(t, []extent.ID{e.ID}, gotMap.ExtentIDs)

	reopened, err := Open(tmp.Path())
	require.NoError(t, err)
	gotExt2, err := reopened.GetExtent(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, gotExt2.ID)
}

func TestGetExtentMapDefaultsToEmpty(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()
	s, err := Open(tmp.Path())
	require.NoError(t, err)

	m, err := s.GetExtentMap(NewInodeID())
	require.NoError(t, err)
	assert.Empty(t, m.ExtentIDs)
}

func TestUpdateExtentLocationBumpsVersion(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()
	s, err := Open(tmp.Path())
	require.NoError(t, err)

	e := &extent.Extent{ID: extent.NewID(), Length: 10, Policy: extent.Replication(3)}
	require.NoError(t, s.Apply(Commit{Extents: []*extent.Extent{e}}))
	v1 := s.Version()

	e.ReplaceLocation(0, extent.DiskID(extent.NewID()))
	require.NoError(t, s.UpdateExtentLocation(e))
	assert.Greater(t, s.Version(), v1)

	reopened, err := Open(tmp.Path())
	require.NoError(t, err)
	got, err := reopened.GetExtent(e.ID)
	require.NoError(t, err)
	assert.Len(t, got.FragmentLocations, 1)
}

func TestAllExtentsAndAllInodeIDs(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()
	s, err := Open(tmp.Path())
	require.NoError(t, err)

	ino1, err := s.CreateInode(KindFile, 0644, InodeID{})
	require.NoError(t, err)
	ino2, err := s.CreateInode(KindFile, 0644, InodeID{})
	require.NoError(t, err)

	e1 := &extent.Extent{ID: extent.NewID(), Policy: extent.Replication(3)}
	e2 := &extent.Extent{ID: extent.NewID(), Policy: extent.Replication(3)}
	require.NoError(t, s.Apply(Commit{Extents: []*extent.Extent{e1, e2}}))

	ids := s.AllInodeIDs()
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, ino1.ID)
	assert.Contains(t, ids, ino2.ID)

	exts := s.AllExtents()
	assert.Len(t, exts, 2)
}

func TestOpenPurgesStaleTempFiles(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	s, err := Open(tmp.Path())
	require.NoError(t, err)
	_, err = s.CreateInode(KindFile, 0644, InodeID{})
	require.NoError(t, err)

	stalePath := tmp.Join("metadata", "inodes", "leftover.json.tmp")
	require.NoError(t, os.WriteFile(stalePath, []byte("{}"), 0644))

	reopened, err := Open(tmp.Path())
	require.NoError(t, err)
	_, statErr := os.Stat(stalePath)
	assert.Error(t, statErr)
	assert.NotNil(t, reopened)
}

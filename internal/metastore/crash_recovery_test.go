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

package metastore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynamicfs/dynamicfs/internal/extent"
	"github.com/dynamicfs/dynamicfs/internal/faultinject"
	"github.com/dynamicfs/dynamicfs/util/testutil"
)

// TestCrashBeforeRootRenameLeavesPreviousRootIntact simulates a process
// crash between the root temp file's fsync and its rename into place,
// on a commit that follows an already-durable root. The extent persisted
// just before the crash must not survive recovery: it was never reflected
// by any root version, so the reopened store prunes it and stays pinned
// at the version from before the crashed commit.
func TestCrashBeforeRootRenameLeavesPreviousRootIntact(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	s, err := Open(tmp.Path())
	require.NoError(t, err)
	_, err = s.CreateInode(KindFile, 0644, InodeID{})
	require.NoError(t, err)
	preCrashVersion := s.Version()

	e := &extent.Extent{ID: extent.NewID(), Length: 10, Policy: extent.Replication(3)}

	faultinject.Set(faultinject.BeforeRootRename, 0)
	crashed, at := faultinject.Run(func() {
		_ = s.Apply(Commit{Extents: []*extent.Extent{e}})
	})
	require.True(t, crashed)
	require.Equal(t, faultinject.BeforeRootRename, at)
	faultinject.Clear()

	reopened, err := Open(tmp.Path())
	require.NoError(t, err)
	require.Equal(t, preCrashVersion, reopened.Version())

	_, err = reopened.GetExtent(e.ID)
	require.Error(t, err, "extent persisted before the crashed root rename must not be visible until a root commits it")
}

// TestCrashAfterExtentPersistBeforeRootStillRecoversCleanly simulates a
// crash after an extent object is durably written but before bumpRoot
// even runs; recovery must not surface the half-applied commit, nor fail
// to open because of the stray extent file left behind.
func TestCrashAfterExtentPersistBeforeRootStillRecoversCleanly(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()

	s, err := Open(tmp.Path())
	require.NoError(t, err)
	_, err = s.CreateInode(KindFile, 0644, InodeID{})
	require.NoError(t, err)
	preCrashVersion := s.Version()

	e := &extent.Extent{ID: extent.NewID(), Length: 20, Policy: extent.Replication(3)}

	faultinject.Set(faultinject.AfterExtentPersist, 0)
	crashed, at := faultinject.Run(func() {
		_ = s.Apply(Commit{Extents: []*extent.Extent{e}})
	})
	require.True(t, crashed)
	require.Equal(t, faultinject.AfterExtentPersist, at)
	faultinject.Clear()

	reopened, err := Open(tmp.Path())
	require.NoError(t, err)
	require.Equal(t, preCrashVersion, reopened.Version())

	_, err = reopened.GetExtent(e.ID)
	require.Error(t, err, "extent written before bumpRoot ran must not survive recovery")
}

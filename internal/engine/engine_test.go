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

package engine

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamicfs/dynamicfs/internal/disk"
	"github.com/dynamicfs/dynamicfs/internal/extent"
	"github.com/dynamicfs/dynamicfs/internal/metastore"
	"github.com/dynamicfs/dynamicfs/internal/selector"
	"github.com/dynamicfs/dynamicfs/util/testutil"
)

const testDiskCapacity = 64 << 20 // 64 MiB, comfortably past SafetyFactor headroom for small test payloads

func newTestEngine(t *testing.T, numDisks int) (*Engine, []*disk.DirectoryDisk) {
	t.Helper()
	tmp := testutil.InitTempTestPath(t)
	t.Cleanup(tmp.Cleanup)

	e, err := Open(tmp.Join("pool"), selector.Smart)
	require.NoError(t, err)

	disks := make([]*disk.DirectoryDisk, numDisks)
	for i := range disks {
		d, err := disk.CreateDirectoryDisk(tmp.Join("disks", string(rune('a'+i))), testDiskCapacity)
		require.NoError(t, err)
		require.NoError(t, e.AddDisk(d))
		disks[i] = d
	}
	return e, disks
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func mustSingleExtent(t *testing.T, e *Engine, ino metastore.InodeID) extent.ID {
	t.Helper()
	emap, err := e.Metastore().GetExtentMap(ino)
	require.NoError(t, err)
	require.Len(t, emap.ExtentIDs, 1)
	return emap.ExtentIDs[0]
}

// corruptFragmentInPlace flips a byte of a fragment's on-disk blob by
// writing straight to the disk's backing path, bypassing WriteFragment
// entirely. DeleteFragment only exercises the missing-fragment path;
// this is the only way to exercise a fragment that reads back with no
// I/O error at all but whose bytes no longer match what was written.
func corruptFragmentInPlace(t *testing.T, d disk.Disk, extentID extent.ID, index int) {
	t.Helper()
	fragPath := filepath.Join(d.BackingPath(), extent.FragmentPath(extentID, index))
	raw, err := os.ReadFile(fragPath)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	raw[0] ^= 0xFF
	require.NoError(t, os.WriteFile(fragPath, raw, 0644))
}

func TestWriteWholeThenReadRoundTrips(t *testing.T) {
	e, _ := newTestEngine(t, 3)

	ino, err := e.CreateFile()
	require.NoError(t, err)

	data := randomBytes(t, 4096)
	require.NoError(t, e.WriteWhole(context.Background(), ino.ID, data))

	got, err := e.Read(context.Background(), ino.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteWholeEmptyFileProducesOneEmptyExtent(t *testing.T) {
	e, _ := newTestEngine(t, 3)

	ino, err := e.CreateFile()
	require.NoError(t, err)
	require.NoError(t, e.WriteWhole(context.Background(), ino.ID, nil))

	emap, err := e.Metastore().GetExtentMap(ino.ID)
	require.NoError(t, err)
	assert.Len(t, emap.ExtentIDs, 1)

	got, err := e.Read(context.Background(), ino.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteWholeSpansMultipleExtentsForLargeInput(t *testing.T) {
	e, _ := newTestEngine(t, 3)

	ino, err := e.CreateFile()
	require.NoError(t, err)
	data := randomBytes(t, 3*(1<<20)+17) // spans three DefaultSize extents plus a remainder

	require.NoError(t, e.WriteWhole(context.Background(), ino.ID, data))

	emap, err := e.Metastore().GetExtentMap(ino.ID)
	require.NoError(t, err)
	assert.Len(t, emap.ExtentIDs, 4)

	got, err := e.Read(context.Background(), ino.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteWholeFailsWhenTooFewDisksForPolicy(t *testing.T) {
	e, _ := newTestEngine(t, 2) // Replication(3) needs 3 distinct disks

	ino, err := e.CreateFile()
	require.NoError(t, err)
	err = e.WriteWhole(context.Background(), ino.ID, randomBytes(t, 10))
	require.Error(t, err)

	emap, err := e.Metastore().GetExtentMap(ino.ID)
	require.NoError(t, err)
	assert.Empty(t, emap.ExtentIDs, "a failed write must not leave a partial extent map behind")
}

func TestReadSurvivesOneMissingReplica(t *testing.T) {
	e, _ := newTestEngine(t, 3)

	ino, err := e.CreateFile()
	require.NoError(t, err)
	data := randomBytes(t, 1024)
	require.NoError(t, e.WriteWhole(context.Background(), ino.ID, data))

	extID := mustSingleExtent(t, e, ino.ID)
	ext, err := e.Metastore().GetExtent(extID)
	require.NoError(t, err)
	loc, ok := ext.LocationFor(0)
	require.True(t, ok)
	victim, ok := e.Disk(loc.DiskID)
	require.True(t, ok)
	require.NoError(t, victim.DeleteFragment(context.Background(), ext.ID, 0))

	got, err := e.Read(context.Background(), ino.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadFailsWhenTooManyReplicasMissing(t *testing.T) {
	e, _ := newTestEngine(t, 3)

	ino, err := e.CreateFile()
	require.NoError(t, err)
	data := randomBytes(t, 256)
	require.NoError(t, e.WriteWhole(context.Background(), ino.ID, data))

	extID := mustSingleExtent(t, e, ino.ID)
	ext, err := e.Metastore().GetExtent(extID)
	require.NoError(t, err)
	for _, loc := range ext.FragmentLocations {
		d, ok := e.Disk(loc.DiskID)
		require.True(t, ok)
		require.NoError(t, d.DeleteFragment(context.Background(), ext.ID, loc.FragmentIndex))
	}

	_, err = e.Read(context.Background(), ino.ID)
	require.Error(t, err)
}

func TestReadEnqueuesLazyRebuildOnMissingFragment(t *testing.T) {
	e, _ := newTestEngine(t, 4)

	ino, err := e.CreateFile()
	require.NoError(t, err)
	data := randomBytes(t, 512)
	require.NoError(t, e.WriteWhole(context.Background(), ino.ID, data))

	extID := mustSingleExtent(t, e, ino.ID)
	ext, err := e.Metastore().GetExtent(extID)
	require.NoError(t, err)
	loc, ok := ext.LocationFor(0)
	require.True(t, ok)
	victim, ok := e.Disk(loc.DiskID)
	require.True(t, ok)
	require.NoError(t, victim.DeleteFragment(context.Background(), ext.ID, 0))

	_, err = e.Read(context.Background(), ino.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rebuilt, err := e.Metastore().GetExtent(extID)
		if err != nil {
			return false
		}
		rloc, ok := rebuilt.LocationFor(0)
		return ok && rloc.DiskID != loc.DiskID
	}, 2*time.Second, 10*time.Millisecond, "lazy rebuild worker must repoint the missing fragment at a fresh disk")
}

func TestRebuildExtentRepairsMissingFragment(t *testing.T) {
	e, _ := newTestEngine(t, 3)

	ino, err := e.CreateFile()
	require.NoError(t, err)
	data := randomBytes(t, 2048)
	require.NoError(t, e.WriteWhole(context.Background(), ino.ID, data))

	extID := mustSingleExtent(t, e, ino.ID)
	ext, err := e.Metastore().GetExtent(extID)
	require.NoError(t, err)
	loc, ok := ext.LocationFor(1)
	require.True(t, ok)
	d, ok := e.Disk(loc.DiskID)
	require.True(t, ok)
	require.NoError(t, d.DeleteFragment(context.Background(), ext.ID, 1))

	require.NoError(t, e.RebuildExtent(context.Background(), extID))

	rebuilt, err := e.Metastore().GetExtent(extID)
	require.NoError(t, err)
	assert.Len(t, rebuilt.FragmentLocations, 3)

	got, err := e.Read(context.Background(), ino.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// TestRebuildExtentRepairsFragmentCorruptedInPlace is the scenario a
// checksum recomputed from the very bytes being checked can never
// catch: the fragment reads back with no I/O error, so only verifying
// it against the extent checksum (decode, not a self-referential CRC)
// tells RebuildExtent it cannot be trusted as an input.
func TestRebuildExtentRepairsFragmentCorruptedInPlace(t *testing.T) {
	e, _ := newTestEngine(t, 4)

	ino, err := e.CreateFile()
	require.NoError(t, err)
	data := randomBytes(t, 2048)
	require.NoError(t, e.WriteWhole(context.Background(), ino.ID, data))

	extID := mustSingleExtent(t, e, ino.ID)
	ext, err := e.Metastore().GetExtent(extID)
	require.NoError(t, err)
	loc, ok := ext.LocationFor(1)
	require.True(t, ok)
	d, ok := e.Disk(loc.DiskID)
	require.True(t, ok)
	corruptFragmentInPlace(t, d, ext.ID, 1)

	require.NoError(t, e.RebuildExtent(context.Background(), extID))

	rebuilt, err := e.Metastore().GetExtent(extID)
	require.NoError(t, err)
	rloc, ok := rebuilt.LocationFor(1)
	require.True(t, ok)
	assert.NotEqual(t, loc.DiskID, rloc.DiskID, "the corrupted fragment's index must be repointed at a fresh disk")

	got, err := e.Read(context.Background(), ino.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// TestReadEnqueuesLazyRebuildOnFragmentCorruptedInPlace mirrors
// TestReadEnqueuesLazyRebuildOnMissingFragment for corruption instead
// of absence: a fragment that is present and reads back cleanly but
// fails decode-time verification must still trigger a lazy rebuild.
func TestReadEnqueuesLazyRebuildOnFragmentCorruptedInPlace(t *testing.T) {
	e, _ := newTestEngine(t, 4)

	ino, err := e.CreateFile()
	require.NoError(t, err)
	data := randomBytes(t, 512)
	require.NoError(t, e.WriteWhole(context.Background(), ino.ID, data))

	extID := mustSingleExtent(t, e, ino.ID)
	ext, err := e.Metastore().GetExtent(extID)
	require.NoError(t, err)
	loc, ok := ext.LocationFor(0)
	require.True(t, ok)
	victim, ok := e.Disk(loc.DiskID)
	require.True(t, ok)
	corruptFragmentInPlace(t, victim, ext.ID, 0)

	got, err := e.Read(context.Background(), ino.ID)
	require.NoError(t, err, "two intact replicas must still let the read through")
	assert.Equal(t, data, got)

	assert.Eventually(t, func() bool {
		rebuilt, err := e.Metastore().GetExtent(extID)
		if err != nil {
			return false
		}
		rloc, ok := rebuilt.LocationFor(0)
		return ok && rloc.DiskID != loc.DiskID
	}, 2*time.Second, 10*time.Millisecond, "lazy rebuild worker must repoint the corrupted fragment at a fresh disk")
}

func TestSetDiskHealthToDrainingMigratesFragmentsOff(t *testing.T) {
	e, disks := newTestEngine(t, 4)

	ino, err := e.CreateFile()
	require.NoError(t, err)
	data := randomBytes(t, 1024)
	require.NoError(t, e.WriteWhole(context.Background(), ino.ID, data))

	draining := disks[0]
	require.NoError(t, e.SetDiskHealth(context.Background(), draining.ID(), disk.Draining))

	assert.Eventually(t, func() bool {
		for _, ext := range e.Metastore().AllExtents() {
			for _, loc := range ext.FragmentLocations {
				if loc.DiskID == draining.ID() {
					return false
				}
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "drain must migrate every fragment off the draining disk")

	got, err := e.Read(context.Background(), ino.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRemoveDiskRejectsNonFailedDisk(t *testing.T) {
	e, disks := newTestEngine(t, 3)
	err := e.RemoveDisk(disks[0].ID())
	require.Error(t, err)
}

func TestRemoveDiskSucceedsAfterFailed(t *testing.T) {
	e, disks := newTestEngine(t, 3)
	require.NoError(t, e.SetDiskHealth(context.Background(), disks[0].ID(), disk.Failed))
	require.NoError(t, e.RemoveDisk(disks[0].ID()))
	_, ok := e.Disk(disks[0].ID())
	assert.False(t, ok)
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamicfs/dynamicfs/internal/extent"
	"github.com/dynamicfs/dynamicfs/util/testutil"
)

func TestCreateAndOpenBlockDeviceDisk(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()
	devicePath := tmp.Join("device.img")

	d, err := CreateBlockDeviceDisk(devicePath, 8<<20)
	require.NoError(t, err)
	assert.Equal(t, KindBlockDevice, d.Kind())
	assert.Equal(t, Healthy, d.GetHealth())
	require.NoError(t, d.Close())

	reopened, err := OpenBlockDeviceDisk(devicePath)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, d.ID(), reopened.ID())
}

func TestBlockDeviceWriteReadDeleteFragment(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()
	devicePath := tmp.Join("device.img")

	d, err := CreateBlockDeviceDisk(devicePath, 8<<20)
	require.NoError(t, err)
	defer d.Close()

	extentID := extent.NewID()
	payload := []byte("block device fragment payload")
	ctx := context.Background()

	require.NoError(t, d.WriteFragment(ctx, extentID, 0, payload))
	got, err := d.ReadFragment(ctx, extentID, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	refs, err := d.ListFragments()
	require.NoError(t, err)
	assert.Len(t, refs, 1)
	assert.Equal(t, extentID, refs[0].ExtentID)

	require.NoError(t, d.DeleteFragment(ctx, extentID, 0))
	_, err = d.ReadFragment(ctx, extentID, 0)
	assert.Error(t, err)
}

func TestBlockDeviceSurvivesReopenWithFragmentIndexRescan(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()
	devicePath := tmp.Join("device.img")

	d, err := CreateBlockDeviceDisk(devicePath, 8<<20)
	require.NoError(t, err)
	extentID := extent.NewID()
	payload := []byte("persisted across reopen")
	require.NoError(t, d.WriteFragment(context.Background(), extentID, 3, payload))
	require.NoError(t, d.Close())

	reopened, err := OpenBlockDeviceDisk(devicePath)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ReadFragment(context.Background(), extentID, 3)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBlockDeviceWriteFailsWhenNotAcceptingWrites(t *testing.T) {
	tmp := testutil.InitTempTestPath(t)
	defer tmp.Cleanup()
	devicePath := tmp.Join("device.img")

	d, err := CreateBlockDeviceDisk(devicePath, 8<<20)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.SetHealth(Draining))
	require.NoError(t, d.SetHealth(Failed))

	err = d.WriteFragment(context.Background(), extent.NewID(), 0, []byte("x"))
	assert.Error(t, err)
}

func TestSuperblockEncodeDecodeRoundTrip(t *testing.T) {
	sb := &superblock{Sequence: 7, AllocatorOffset: superblockSize, AllocatorLength: 4096}
	buf := sb.encode()
	got, err := decodeSuperblock(buf)
	require.NoError(t, err)
	assert.Equal(t, sb.Sequence, got.Sequence)
	assert.Equal(t, sb.AllocatorOffset, got.AllocatorOffset)
	assert.Equal(t, sb.AllocatorLength, got.AllocatorLength)
}

func TestDecodeSuperblockRejectsCorruption(t *testing.T) {
	sb := &superblock{Sequence: 1, AllocatorOffset: superblockSize, AllocatorLength: 4096}
	buf := sb.encode()
	buf[30] ^= 0xFF
	_, err := decodeSuperblock(buf)
	assert.Error(t, err)
}

func TestFragmentHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &fragmentHeader{ExtentID: extent.NewID(), FragIdx: 2, TotalLen: 128}
	buf := h.encode()
	got, err := decodeFragmentHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h.ExtentID, got.ExtentID)
	assert.Equal(t, h.FragIdx, got.FragIdx)
	assert.Equal(t, h.TotalLen, got.TotalLen)
}

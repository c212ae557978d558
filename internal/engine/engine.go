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

// Package engine orchestrates the two-phase write pipeline, the
// lazy-rebuild read pipeline, and disk lifecycle transitions on top of
// the disk, codec, placement, selector, and metastore packages.
package engine

import (
	"context"
	"time"

	"github.com/dynamicfs/dynamicfs/engineerr"
	"github.com/dynamicfs/dynamicfs/internal/codec"
	"github.com/dynamicfs/dynamicfs/internal/disk"
	"github.com/dynamicfs/dynamicfs/internal/extent"
	"github.com/dynamicfs/dynamicfs/internal/faultinject"
	"github.com/dynamicfs/dynamicfs/internal/metastore"
	"github.com/dynamicfs/dynamicfs/internal/placement"
	"github.com/dynamicfs/dynamicfs/internal/selector"
	"github.com/dynamicfs/dynamicfs/util/async"
	"github.com/dynamicfs/dynamicfs/util/log"
)

// rebuildQueueDepth bounds the lazy-rebuild backlog; a full queue simply
// drops the job (the next read of the same extent re-enqueues it).
const rebuildQueueDepth = 256

type rebuildJob struct {
	extentID extent.ID
}

// Engine is the storage engine for one pool (one metadata tree plus its
// registered disks).
type Engine struct {
	poolRoot  string
	reg       *registry
	meta      *metastore.Store
	placer    *placement.Engine
	sel       *selector.Selector
	rebuildCh chan rebuildJob
}

// Open loads (or initializes) the pool's metadata store at poolRoot and
// starts the background lazy-rebuild worker.
func Open(poolRoot string, strategy selector.Strategy) (*Engine, error) {
	meta, err := metastore.Open(poolRoot)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		poolRoot:  poolRoot,
		reg:       newRegistry(),
		meta:      meta,
		placer:    placement.NewEngine(),
		sel:       selector.New(strategy),
		rebuildCh: make(chan rebuildJob, rebuildQueueDepth),
	}
	async.RunWorker(e.rebuildLoop)
	return e, nil
}

func (e *Engine) Metastore() *metastore.Store { return e.meta }

// AddDisk registers a disk for placement.
func (e *Engine) AddDisk(d disk.Disk) error { return e.reg.add(d) }

// RemoveDisk drops a disk from the registry; it must already be Failed.
func (e *Engine) RemoveDisk(id extent.DiskID) error { return e.reg.remove(id) }

func (e *Engine) Disks() []disk.Disk { return e.reg.list() }

func (e *Engine) Disk(id extent.DiskID) (disk.Disk, bool) { return e.reg.get(id) }

// SetDiskHealth drives the disk's lifecycle state machine; moving a
// disk into Draining kicks off fragment migration in the background.
func (e *Engine) SetDiskHealth(ctx context.Context, id extent.DiskID, h disk.Health) error {
	if err := e.reg.setHealth(id, h); err != nil {
		return err
	}
	if h == disk.Draining {
		async.RunWorker(func() { e.drainDisk(context.Background(), id) })
	}
	return nil
}

// CreateFile allocates a fresh, empty inode.
func (e *Engine) CreateFile() (*metastore.Inode, error) {
	return e.meta.CreateInode(metastore.KindFile, 0644, metastore.InodeID{})
}

type fragmentWrite struct {
	d        disk.Disk
	extentID extent.ID
	index    int
}

// Write is the offset-taking write entry point. Only offset 0 (a
// whole-file rewrite through WriteWhole) is accepted; any other offset
// fails with InvalidArgument.
func (e *Engine) Write(ctx context.Context, ino metastore.InodeID, offset int64, data []byte) error {
	if offset != 0 {
		return engineerr.New(engineerr.InvalidArgument, "engine: partial-offset write at offset %d not supported", offset)
	}
	return e.WriteWhole(ctx, ino, data)
}

// WriteWhole replaces an inode's entire contents with data; it takes no
// offset (Write routes offset 0 here and rejects any other). It splits
// data into fixed-size extents and runs a two-phase commit: fragments
// durable first, metadata published second.
func (e *Engine) WriteWhole(ctx context.Context, ino metastore.InodeID, data []byte) error {
	inode, err := e.meta.GetInode(ino)
	if err != nil {
		return err
	}

	extents, written, err := e.writeExtents(ctx, data)
	if err != nil {
		e.rollbackFragments(ctx, written)
		return err
	}

	extIDs := make([]extent.ID, len(extents))
	for i, ext := range extents {
		extIDs[i] = ext.ID
	}

	inode.Size = int64(len(data))
	inode.ModifiedAt = time.Now().UTC()

	commit := metastore.Commit{
		Extents:   extents,
		ExtentMap: &metastore.ExtentMap{InodeID: ino, ExtentIDs: extIDs},
		Inode:     inode,
	}
	if err := e.meta.Apply(commit); err != nil {
		e.rollbackFragments(ctx, written)
		return err
	}
	return nil
}

// writeExtents is write-pipeline phase 1: encode, place, and durably
// write every fragment of every extent produced by splitting data. Any
// failure rolls back every fragment written so far across all extents
// in this call.
func (e *Engine) writeExtents(ctx context.Context, data []byte) ([]*extent.Extent, []fragmentWrite, error) {
	var extents []*extent.Extent
	var written []fragmentWrite

	for off := 0; off < len(data) || (len(data) == 0 && off == 0); off += extent.DefaultSize {
		end := off + extent.DefaultSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]

		policy := extent.DefaultPolicy(int64(len(data)))
		checksum := codec.ExtentChecksum(chunk)
		fragments, err := codec.Encode(chunk, policy)
		if err != nil {
			return extents, written, err
		}

		ext := &extent.Extent{ID: extent.NewID(), Length: int64(len(chunk)), Policy: policy, Checksum: checksum}
		fragSize := int64(0)
		if len(fragments) > 0 {
			fragSize = int64(len(fragments[0]))
		}

		diskIDs, err := e.placer.Select(e.reg.list(), ext.ID, policy, fragSize, nil)
		if err != nil {
			return extents, written, err
		}

		for i, frag := range fragments {
			d, ok := e.reg.get(diskIDs[i])
			if !ok {
				return extents, written, engineerr.New(engineerr.IoError, "engine: placement chose unregistered disk %s", diskIDs[i])
			}
			if err := d.WriteFragment(ctx, ext.ID, i, frag); err != nil {
				return extents, written, err
			}
			ext.FragmentLocations = append(ext.FragmentLocations, extent.FragmentLocation{DiskID: diskIDs[i], FragmentIndex: i})
			written = append(written, fragmentWrite{d: d, extentID: ext.ID, index: i})
			faultinject.Hit(faultinject.AfterFragmentWrite)
		}

		extents = append(extents, ext)
		if len(data) == 0 {
			break
		}
	}
	return extents, written, nil
}

// rollbackFragments deletes every fragment written so far. It is
// best-effort: deletion failures are logged, never escalated, since the
// write already failed and the caller has no more durable state to lose.
func (e *Engine) rollbackFragments(ctx context.Context, written []fragmentWrite) {
	for _, w := range written {
		if err := w.d.DeleteFragment(ctx, w.extentID, w.index); err != nil {
			log.LogWarnf("engine: rollback delete fragment %s idx %d on disk %s failed: %v", w.extentID, w.index, w.d.ID(), err)
		}
	}
}

// Read loads an inode's full contents, reconstructing any extent whose
// fragments are incomplete or corrupt.
func (e *Engine) Read(ctx context.Context, ino metastore.InodeID) ([]byte, error) {
	emap, err := e.meta.GetExtentMap(ino)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(emap.ExtentIDs)*extent.DefaultSize)
	for _, extID := range emap.ExtentIDs {
		ext, err := e.meta.GetExtent(extID)
		if err != nil {
			return nil, err
		}
		data, needsRebuild, err := e.readExtent(ctx, ext)
		if err != nil {
			ext.Unrecoverable = true
			_ = e.meta.UpdateExtentLocation(ext)
			return nil, err
		}
		out = append(out, data...)
		if needsRebuild {
			e.enqueueRebuild(extID)
		}
	}
	return out, nil
}

// readExtent does a priority-ordered fragment fetch and codec
// reconstruction. It reports whether any fragment was missing, unreadable,
// or present but corrupt, which the caller uses to decide whether to
// queue a lazy rebuild — a fragment that reads back without an I/O error
// but fails Decode's verification is exactly as much a rebuild trigger
// as one that was absent outright.
func (e *Engine) readExtent(ctx context.Context, ext *extent.Extent) ([]byte, bool, error) {
	order := e.sel.Order(ext.ID, ext.FragmentLocations, e.reg.get)
	need := ext.Policy.FragmentCount()
	if ext.Policy.Kind == extent.KindErasureCoded {
		need = ext.Policy.K
	}

	present := make(map[int][]byte)
	anyMissing := false
	for _, loc := range order {
		if len(present) >= need {
			break
		}
		d, ok := e.reg.get(loc.DiskID)
		if !ok {
			anyMissing = true
			continue
		}
		if !d.GetHealth().AcceptsReads() {
			anyMissing = true
			continue
		}
		payload, err := d.ReadFragment(ctx, ext.ID, loc.FragmentIndex)
		if err != nil {
			anyMissing = true
			continue
		}
		present[loc.FragmentIndex] = payload
	}

	data, rejected, err := codec.Decode(present, ext.Policy, ext.Length, ext.Checksum)
	if err != nil && len(present) < len(order) {
		// With only the first `need` fragments in hand, decode has nothing
		// to drop when one of them is corrupt; fetch the rest and retry.
		for _, loc := range order {
			if _, ok := present[loc.FragmentIndex]; ok {
				continue
			}
			if d, ok := e.reg.get(loc.DiskID); ok && d.GetHealth().AcceptsReads() {
				if payload, rerr := d.ReadFragment(ctx, ext.ID, loc.FragmentIndex); rerr == nil {
					present[loc.FragmentIndex] = payload
				}
			}
		}
		data, rejected, err = codec.Decode(present, ext.Policy, ext.Length, ext.Checksum)
	}
	if err != nil {
		return nil, false, engineerr.Wrap(engineerr.DataLoss, err, "engine: extent %s unrecoverable", ext.ID)
	}
	if len(rejected) > 0 {
		anyMissing = true
	}
	return data, anyMissing, nil
}

func (e *Engine) enqueueRebuild(extentID extent.ID) {
	select {
	case e.rebuildCh <- rebuildJob{extentID: extentID}:
	default:
		log.LogWarnf("engine: rebuild queue full, dropping job for extent %s", extentID)
	}
}

// rebuildLoop is the background worker that drains the lazy-rebuild
// queue, recovering from a panic in any one job so the loop keeps
// running for the rest.
func (e *Engine) rebuildLoop() {
	for job := range e.rebuildCh {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.LogErrorf("engine: rebuild worker recovered from panic on extent %s: %v", job.extentID, r)
				}
			}()
			if err := e.RebuildExtent(context.Background(), job.extentID); err != nil {
				log.LogWarnf("engine: rebuild of extent %s failed: %v", job.extentID, err)
			}
		}()
	}
}

// RebuildExtent re-reads every fragment of an extent, regenerates any
// missing or corrupt one onto a fresh disk, and persists the updated
// fragment-location list. Shared by the lazy-rebuild path, scrub
// repair, and disk drain migration.
func (e *Engine) RebuildExtent(ctx context.Context, extentID extent.ID) error {
	ext, err := e.meta.GetExtent(extentID)
	if err != nil {
		return err
	}
	return e.rebuildExtentObject(ctx, ext, nil)
}

// rebuildExtentObject regenerates fragments missing or corrupt in ext,
// excluding any disk in avoid from the new placement (used by drain
// migration to guarantee the fragment actually leaves the draining
// disk).
func (e *Engine) rebuildExtentObject(ctx context.Context, ext *extent.Extent, avoid map[extent.DiskID]bool) error {
	need := ext.Policy.FragmentCount()
	present := make(map[int][]byte)
	badIdx := make(map[int]bool)

	for i := 0; i < need; i++ {
		loc, ok := ext.LocationFor(i)
		if !ok {
			badIdx[i] = true
			continue
		}
		d, ok := e.reg.get(loc.DiskID)
		if !ok || !d.GetHealth().AcceptsReads() || (avoid != nil && avoid[loc.DiskID]) {
			badIdx[i] = true
			continue
		}
		payload, err := d.ReadFragment(ctx, ext.ID, i)
		if err != nil {
			badIdx[i] = true
			continue
		}
		present[i] = payload
	}

	// A fragment can read back clean from the disk's own point of view yet
	// still be wrong (a bit flip on a profile with no independent
	// per-fragment checksum). Decode is the only thing that can tell, so
	// run it here and fold anything it rejects into badIdx before
	// RegeneratedFragment ever sees it as a trustworthy input.
	if _, rejected, _ := codec.Decode(present, ext.Policy, ext.Length, ext.Checksum); len(rejected) > 0 {
		for _, idx := range rejected {
			delete(present, idx)
			badIdx[idx] = true
		}
	}

	if len(badIdx) == 0 {
		return nil
	}

	exclude := make(map[extent.DiskID]bool)
	for idx := range present {
		if loc, ok := ext.LocationFor(idx); ok {
			exclude[loc.DiskID] = true
		}
	}
	for k, v := range avoid {
		exclude[k] = v
	}

	changed := false
	for idx := range badIdx {
		frag, err := codec.RegeneratedFragment(present, ext.Policy, idx)
		if err != nil {
			continue
		}
		// Prefer a disk other than the one that last held this index; fall
		// back to it only when no other disk qualifies.
		fresh := make(map[extent.DiskID]bool, len(exclude)+1)
		for k, v := range exclude {
			fresh[k] = v
		}
		if loc, ok := ext.LocationFor(idx); ok {
			fresh[loc.DiskID] = true
		}
		diskIDs, err := e.placer.Select(e.reg.list(), ext.ID, extent.Replication(1), int64(len(frag)), fresh)
		if err != nil {
			diskIDs, err = e.placer.Select(e.reg.list(), ext.ID, extent.Replication(1), int64(len(frag)), exclude)
		}
		if err != nil {
			log.LogWarnf("engine: rebuild extent %s idx %d: %v", ext.ID, idx, err)
			continue
		}
		target, ok := e.reg.get(diskIDs[0])
		if !ok {
			continue
		}
		if err := target.WriteFragment(ctx, ext.ID, idx, frag); err != nil {
			log.LogWarnf("engine: rebuild extent %s idx %d write failed: %v", ext.ID, idx, err)
			continue
		}
		ext.ReplaceLocation(idx, diskIDs[0])
		exclude[diskIDs[0]] = true
		present[idx] = frag
		changed = true
	}

	if !changed {
		return engineerr.New(engineerr.Unrecoverable, "engine: extent %s could not rebuild any fragment", ext.ID)
	}
	return e.meta.UpdateExtentLocation(ext)
}

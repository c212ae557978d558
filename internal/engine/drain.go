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

	"github.com/dynamicfs/dynamicfs/internal/extent"
	"github.com/dynamicfs/dynamicfs/util/log"
)

// drainDisk migrates every fragment still resident on id off of it by
// reusing the lazy-rebuild path with id excluded from the new
// placement. It makes a single pass: an extent whose migration fails is
// logged and keeps its fragment on id.
func (e *Engine) drainDisk(ctx context.Context, id extent.DiskID) {
	avoid := map[extent.DiskID]bool{id: true}
	for _, ext := range e.extentsReferencing(id) {
		if err := e.rebuildExtentObject(ctx, ext, avoid); err != nil {
			log.LogWarnf("engine: drain of disk %s: migrating extent %s failed: %v", id, ext.ID, err)
			continue
		}
	}
	log.LogInfof("engine: disk %s drain pass complete", id)
}

// extentsReferencing scans every persisted extent for one with a
// fragment on id. The metadata store keeps its whole working set in
// memory, so this is a point-in-time snapshot walk, not a disk scan.
func (e *Engine) extentsReferencing(id extent.DiskID) []*extent.Extent {
	var out []*extent.Extent
	for _, ext := range e.meta.AllExtents() {
		for _, loc := range ext.FragmentLocations {
			if loc.DiskID == id {
				out = append(out, ext)
				break
			}
		}
	}
	return out
}

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
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dynamicfs/dynamicfs/internal/extent"
)

// FragmentRef identifies one fragment blob physically present on a
// disk, independent of whether any extent object still references it.
type FragmentRef struct {
	ExtentID     extent.ID
	FragmentIdx  int
	ModifiedAt   time.Time
}

// FragmentLister is implemented by disk profiles that can enumerate
// their physically-present fragments, used by the orphan sweep to find
// fragments no persisted extent object references.
type FragmentLister interface {
	ListFragments() ([]FragmentRef, error)
}

var _ FragmentLister = (*DirectoryDisk)(nil)

// ListFragments scans the disk directory for "<extent_id>-<idx>.frag"
// entries, skipping the manifest and probe files.
func (d *DirectoryDisk) ListFragments() ([]FragmentRef, error) {
	entries, err := os.ReadDir(d.rootPath)
	if err != nil {
		return nil, err
	}
	var out []FragmentRef
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".frag") {
			continue
		}
		base := strings.TrimSuffix(name, ".frag")
		idx := strings.LastIndex(base, "-")
		if idx < 0 {
			continue
		}
		extIDStr, idxStr := base[:idx], base[idx+1:]
		extID, err := extent.ParseID(extIDStr)
		if err != nil {
			continue
		}
		fragIdx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FragmentRef{ExtentID: extID, FragmentIdx: fragIdx, ModifiedAt: info.ModTime()})
	}
	return out, nil
}

var _ FragmentLister = (*BlockDeviceDisk)(nil)

// ListFragments reports every fragment recorded in the in-memory index
// built at open time; the block-device layout has no file mtimes, so
// ModifiedAt is left as the zero time, which the orphan sweep treats as
// older than any minimum age ("always eligible") — acceptable for
// the prototype since block-device orphan collection is rare in
// practice (every write updates the index immediately).
func (d *BlockDeviceDisk) ListFragments() ([]FragmentRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FragmentRef, 0, len(d.index))
	for key := range d.index {
		out = append(out, FragmentRef{ExtentID: key.extentID, FragmentIdx: key.index})
	}
	return out, nil
}

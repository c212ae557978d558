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
	"sort"
	"sync"

	"github.com/dynamicfs/dynamicfs/engineerr"
	"github.com/dynamicfs/dynamicfs/internal/disk"
	"github.com/dynamicfs/dynamicfs/internal/extent"
)

// registry is the single RW-locked disk membership/state table the
// engine consults for every placement and read decision.
type registry struct {
	mu    sync.RWMutex
	disks map[extent.DiskID]disk.Disk
}

func newRegistry() *registry {
	return &registry{disks: make(map[extent.DiskID]disk.Disk)}
}

func (r *registry) add(d disk.Disk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.disks[d.ID()]; exists {
		return engineerr.New(engineerr.Conflict, "engine: disk %s already registered", d.ID())
	}
	r.disks[d.ID()] = d
	return nil
}

func (r *registry) remove(id extent.DiskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disks[id]
	if !ok {
		return engineerr.New(engineerr.NotFound, "engine: disk %s", id)
	}
	if d.GetHealth() != disk.Failed {
		return engineerr.New(engineerr.Conflict, "engine: disk %s must be Failed before removal, is %s", id, d.GetHealth())
	}
	delete(r.disks, id)
	return nil
}

func (r *registry) get(id extent.DiskID) (disk.Disk, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.disks[id]
	return d, ok
}

// list returns a stable-ordered snapshot of every registered disk.
func (r *registry) list() []disk.Disk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]disk.Disk, 0, len(r.disks))
	for _, d := range r.disks {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

func (r *registry) setHealth(id extent.DiskID, h disk.Health) error {
	d, ok := r.get(id)
	if !ok {
		return engineerr.New(engineerr.NotFound, "engine: disk %s", id)
	}
	return d.SetHealth(h)
}

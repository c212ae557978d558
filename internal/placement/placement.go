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

// Package placement chooses which disks host each fragment of a new
// extent: it filters candidates by health and free capacity, scores the
// survivors by load, and spreads fragments across distinct disks so that
// no single disk failure can claim more than one fragment of an extent.
package placement

import (
	"hash/fnv"
	"sort"

	"github.com/dynamicfs/dynamicfs/engineerr"
	"github.com/dynamicfs/dynamicfs/internal/disk"
	"github.com/dynamicfs/dynamicfs/internal/extent"
)

// SafetyFactor inflates the requested fragment size before comparing
// against a disk's free space, leaving headroom for concurrent writes
// racing the same disk.
const SafetyFactor = 1.25

// suspectPenalty is added to a Suspect disk's used-ratio score so it
// still qualifies for placement but sorts behind equally-loaded Healthy
// disks.
const suspectPenalty = 0.25

// Engine selects disks for new extents. It holds no state of its own;
// callers supply the live disk set on every call so placement always
// sees current health and capacity.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

type scored struct {
	d     disk.Disk
	score float64
}

// Select returns one disk per fragment index (0..FragmentCount()-1),
// excluding any disk whose ID is in exclude. It fails with
// InsufficientDisks if fewer than FragmentCount() distinct disks qualify.
// extentID seeds the tie-break hash so repeated placement runs over an
// unchanged disk set pick the same order for the same extent.
func (e *Engine) Select(disks []disk.Disk, extentID extent.ID, policy extent.Policy, fragmentSize int64, exclude map[extent.DiskID]bool) ([]extent.DiskID, error) {
	need := policy.FragmentCount()
	minFree := int64(float64(fragmentSize) * SafetyFactor)

	candidates := make([]scored, 0, len(disks))
	for _, d := range disks {
		if exclude != nil && exclude[d.ID()] {
			continue
		}
		if !d.GetHealth().AcceptsWrites() {
			continue
		}
		free := int64(d.CapacityBytes()) - int64(d.UsedBytes())
		if free < minFree {
			continue
		}
		score := d.UsedRatio()
		if d.GetHealth() == disk.Suspect {
			score += suspectPenalty
		}
		candidates = append(candidates, scored{d: d, score: score})
	}
	if len(candidates) < need {
		return nil, engineerr.New(engineerr.InsufficientDisks, "placement: need %d disks, have %d healthy with capacity", need, len(candidates))
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return stableHash(extentID, candidates[i].d.ID()) < stableHash(extentID, candidates[j].d.ID())
	})

	result := make([]extent.DiskID, need)
	for i := 0; i < need; i++ {
		result[i] = candidates[i].d.ID()
	}
	return result, nil
}

// stableHash combines the extent id and disk id so candidates with
// identical load scores still sort deterministically and spread across
// different extents rather than always preferring the same disk order.
func stableHash(extentID extent.ID, diskID extent.DiskID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(extentID[:])
	_, _ = h.Write(diskID[:])
	return h.Sum32()
}

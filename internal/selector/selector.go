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

// Package selector orders the fragment locations of an extent into the
// sequence the read pipeline should try them in. Replication policies
// give the read path a choice of equivalent replicas; a selector picks
// the order so reads spread load and favor healthier disks.
package selector

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/dynamicfs/dynamicfs/internal/disk"
	"github.com/dynamicfs/dynamicfs/internal/extent"
)

// Strategy names the four ordering strategies.
type Strategy string

const (
	Smart       Strategy = "Smart"
	First       Strategy = "First"
	LeastLoaded Strategy = "LeastLoaded"
	RoundRobin  Strategy = "RoundRobin"
)

const (
	smartHealthWeight = 0.7
	smartLoadWeight   = 0.3
)

// healthScore ranks Health best-to-worst for the Smart strategy.
func healthScore(h disk.Health) float64 {
	switch h {
	case disk.Healthy:
		return 1.0
	case disk.Suspect:
		return 0.6
	case disk.Degraded:
		return 0.3
	case disk.Draining:
		return 0.1
	default:
		return 0.0
	}
}

// Selector reorders fragment locations for read. First/LeastLoaded/Smart
// are pure functions of current disk state; RoundRobin keeps a per-extent
// rotation counter so repeated reads of the same extent cycle evenly.
type Selector struct {
	strategy Strategy

	mu      sync.Mutex
	rrState map[extent.ID]int
}

func New(strategy Strategy) *Selector {
	return &Selector{strategy: strategy, rrState: make(map[extent.ID]int)}
}

// Order returns locations reordered by the selector's strategy. lookup
// resolves a disk.ID to its live Disk; LeastLoaded and Smart sort
// missing/unknown disks last, while First and RoundRobin do not consult
// lookup at all.
func (s *Selector) Order(extentID extent.ID, locations []extent.FragmentLocation, lookup func(extent.DiskID) (disk.Disk, bool)) []extent.FragmentLocation {
	out := make([]extent.FragmentLocation, len(locations))
	copy(out, locations)

	switch s.strategy {
	case First:
		return out
	case LeastLoaded:
		sort.SliceStable(out, func(i, j int) bool {
			return loadOf(out[i].DiskID, lookup) < loadOf(out[j].DiskID, lookup)
		})
		return out
	case RoundRobin:
		s.mu.Lock()
		offset := s.rrState[extentID]
		s.rrState[extentID] = offset + 1
		s.mu.Unlock()
		if len(out) == 0 {
			return out
		}
		offset = offset % len(out)
		return append(out[offset:], out[:offset]...)
	case Smart:
		fallthrough
	default:
		sort.SliceStable(out, func(i, j int) bool {
			si := smartScore(out[i].DiskID, lookup)
			sj := smartScore(out[j].DiskID, lookup)
			if si != sj {
				return si > sj
			}
			return stableHash(out[i].DiskID) < stableHash(out[j].DiskID)
		})
		return out
	}
}

func loadOf(id extent.DiskID, lookup func(extent.DiskID) (disk.Disk, bool)) float64 {
	d, ok := lookup(id)
	if !ok {
		return 2.0 // sorts after any real disk, whose UsedRatio is in [0,1]
	}
	return d.UsedRatio()
}

func smartScore(id extent.DiskID, lookup func(extent.DiskID) (disk.Disk, bool)) float64 {
	d, ok := lookup(id)
	if !ok {
		return -1
	}
	return smartHealthWeight*healthScore(d.GetHealth()) + smartLoadWeight*(1-d.UsedRatio())
}

func stableHash(id extent.DiskID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return h.Sum32()
}

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

// Package scrub implements the engine's cooperative background
// verification sweep: it walks every extent at a bounded rate, checks
// fragment checksums, optionally repairs what it finds broken, and
// separately reclaims orphaned fragment blobs nothing references any
// longer.
package scrub

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/dynamicfs/dynamicfs/engineerr"
	"github.com/dynamicfs/dynamicfs/internal/codec"
	"github.com/dynamicfs/dynamicfs/internal/disk"
	"github.com/dynamicfs/dynamicfs/internal/extent"
	"github.com/dynamicfs/dynamicfs/internal/metastore"
	"github.com/dynamicfs/dynamicfs/util/log"
)

// engine is the narrow slice of *engine.Engine the scrubber needs;
// defined locally to avoid an import cycle (engine will eventually want
// to start a scrubber, so scrub must not import engine).
type engine interface {
	Disks() []disk.Disk
	Disk(id extent.DiskID) (disk.Disk, bool)
	Metastore() *metastore.Store
	RebuildExtent(ctx context.Context, extentID extent.ID) error
}

// Counters tracks cumulative scrub progress.
type Counters struct {
	Scrubbed          uint64
	IssuesFound       uint64
	RepairsAttempted  uint64
	RepairsSuccessful uint64
}

// DefaultOrphanAge is how long an unreferenced fragment must sit before
// the orphan sweep is willing to delete it.
const DefaultOrphanAge = 24 * time.Hour

// DefaultRatePerSecond bounds how many extents the scrubber verifies
// per second, so scrub traffic doesn't starve foreground reads/writes.
const DefaultRatePerSecond = 50

// Scrubber runs one bounded-rate pass over every known extent.
type Scrubber struct {
	eng     engine
	limiter *rate.Limiter
	repair  bool

	counters Counters
}

func New(eng engine, repair bool, ratePerSecond float64) *Scrubber {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultRatePerSecond
	}
	return &Scrubber{
		eng:     eng,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		repair:  repair,
	}
}

func (s *Scrubber) Counters() Counters { return s.counters }

// Run walks every extent once, yielding between items via the rate
// limiter and checking ctx cancellation at least once per extent.
func (s *Scrubber) Run(ctx context.Context) error {
	for _, ext := range s.eng.Metastore().AllExtents() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		s.scrubOne(ctx, ext)
	}
	return nil
}

func (s *Scrubber) scrubOne(ctx context.Context, ext *extent.Extent) {
	s.counters.Scrubbed++

	issue := false
	present := make(map[int][]byte)
	for _, loc := range ext.FragmentLocations {
		d, ok := s.eng.Disk(loc.DiskID)
		if !ok {
			issue = true
			continue
		}
		payload, err := d.ReadFragment(ctx, ext.ID, loc.FragmentIndex)
		if err != nil {
			issue = true
			continue
		}
		present[loc.FragmentIndex] = payload
	}

	// A fragment reading back without an I/O error doesn't mean its bytes
	// are intact — decode every present fragment through the real codec
	// path (the only thing that can verify a fragment independently of
	// how it was read) and treat anything it rejects as an issue too.
	if _, rejected, err := codec.Decode(present, ext.Policy, ext.Length, ext.Checksum); err != nil || len(rejected) > 0 {
		issue = true
	}

	if !issue {
		return
	}
	s.counters.IssuesFound++
	ext.Degraded = true
	if err := s.eng.Metastore().UpdateExtentLocation(ext); err != nil {
		log.LogWarnf("scrub: marking extent %s degraded failed: %v", ext.ID, err)
	}

	if !s.repair {
		return
	}
	s.counters.RepairsAttempted++
	if err := s.eng.RebuildExtent(ctx, ext.ID); err != nil {
		log.LogWarnf("scrub: repair of extent %s failed: %v", ext.ID, err)
		return
	}
	s.counters.RepairsSuccessful++
	ext.Degraded = false
	if err := s.eng.Metastore().UpdateExtentLocation(ext); err != nil {
		log.LogWarnf("scrub: clearing degraded flag on extent %s failed: %v", ext.ID, err)
	}
}

// OrphanStats summarizes one orphan-sweep pass (reported by both the
// `orphan-stats` and `cleanup-orphans` CLI verbs).
type OrphanStats struct {
	FragmentsScanned int
	OrphansFound     int
}

// SweepOrphans enumerates fragments physically present on every disk
// that supports listing, compares against the union of fragment
// locations recorded in persisted extent objects, and counts every
// fragment unreferenced and older than minAge; when deleteOrphans is
// set it also deletes each one (a failed delete is logged and still
// counted).
func SweepOrphans(ctx context.Context, eng engine, minAge time.Duration, deleteOrphans bool) (OrphanStats, error) {
	referenced := make(map[string]bool)
	for _, ext := range eng.Metastore().AllExtents() {
		for _, loc := range ext.FragmentLocations {
			referenced[fragmentKey(loc.DiskID, ext.ID, loc.FragmentIndex)] = true
		}
	}

	var stats OrphanStats
	now := time.Now()
	for _, d := range eng.Disks() {
		lister, ok := d.(disk.FragmentLister)
		if !ok {
			continue
		}
		frags, err := lister.ListFragments()
		if err != nil {
			return stats, engineerr.Wrap(engineerr.IoError, err, "scrub: list fragments on disk %s", d.ID())
		}
		for _, f := range frags {
			stats.FragmentsScanned++
			if referenced[fragmentKey(d.ID(), f.ExtentID, f.FragmentIdx)] {
				continue
			}
			if now.Sub(f.ModifiedAt) < minAge {
				continue
			}
			stats.OrphansFound++
			if !deleteOrphans {
				continue
			}
			if err := d.DeleteFragment(ctx, f.ExtentID, f.FragmentIdx); err != nil {
				log.LogWarnf("scrub: orphan delete %s idx %d on disk %s failed: %v", f.ExtentID, f.FragmentIdx, d.ID(), err)
			}
		}
	}
	return stats, nil
}

func fragmentKey(diskID extent.DiskID, extentID extent.ID, idx int) string {
	return diskID.String() + "/" + extentID.String() + "/" + strconv.Itoa(idx)
}

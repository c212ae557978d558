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

// Package disk implements a durable blob store keyed by (extent id,
// fragment index), polymorphic over a directory-backed profile and an
// optional raw block-device profile. Only the block-device profile
// checksums a fragment on read; the directory profile returns the bytes
// as stored.
package disk

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/dynamicfs/dynamicfs/internal/extent"
)

// ID is the disk's 128-bit identifier; it is the same representation as
// extent.DiskID so fragment locations round-trip without conversion.
type ID = extent.DiskID

func NewID() ID { return ID(uuid.New()) }

// Kind tags the disk's backing storage.
type Kind string

const (
	KindDirectory   Kind = "Directory"
	KindBlockDevice Kind = "BlockDevice"
)

// Health is the disk lifecycle state.
type Health string

const (
	Healthy  Health = "Healthy"
	Suspect  Health = "Suspect"
	Degraded Health = "Degraded"
	Draining Health = "Draining"
	Failed   Health = "Failed"
)

// AcceptsWrites reports whether a disk in this state may be selected by
// placement for new fragment writes. Healthy and Suspect both accept
// writes — Suspect is merely deprioritized by the placement score, not
// excluded; Degraded and beyond reject writes outright.
func (h Health) AcceptsWrites() bool {
	return h == Healthy || h == Suspect
}

// AcceptsReads reports whether fragments on a disk in this state may be
// read: permitted through Draining, excluded once Failed.
func (h Health) AcceptsReads() bool {
	switch h {
	case Healthy, Suspect, Degraded, Draining:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the disk lifecycle state machine; a
// transition not listed here fails with Conflict.
var validTransitions = map[Health]map[Health]bool{
	Healthy:  {Suspect: true, Degraded: true, Draining: true, Failed: true},
	Suspect:  {Healthy: true, Degraded: true, Draining: true, Failed: true},
	Degraded: {Draining: true, Failed: true, Healthy: true},
	Draining: {Failed: true},
	Failed:   {},
}

// CanTransition reports whether moving from `from` to `to` is an allowed
// lifecycle transition.
func CanTransition(from, to Health) bool {
	if from == to {
		return true
	}
	next, ok := validTransitions[from]
	return ok && next[to]
}

// Disk is the narrow, durable object interface the storage engine uses;
// implemented by DirectoryDisk (default) and BlockDeviceDisk (the
// optional raw on-device profile).
type Disk interface {
	ID() ID
	Kind() Kind
	BackingPath() string

	WriteFragment(ctx context.Context, extentID extent.ID, index int, payload []byte) error
	ReadFragment(ctx context.Context, extentID extent.ID, index int) ([]byte, error)
	DeleteFragment(ctx context.Context, extentID extent.ID, index int) error

	Probe(ctx context.Context) error
	SetHealth(h Health) error
	GetHealth() Health

	CapacityBytes() uint64
	UsedBytes() uint64
	UsedRatio() float64

	ReadErrorCount() uint64
	WriteErrorCount() uint64
}

// baseState is the health/error-counter bookkeeping shared by both disk
// profiles, mirroring the counters datanode/disk.go keeps per disk.
type baseState struct {
	mu             sync.RWMutex
	health         Health
	readErrCount   atomic.Uint64
	writeErrCount  atomic.Uint64
	consecutiveErr atomic.Uint64
}

// maxConsecutiveErrBeforeSuspect is how many read/write errors in a row a
// Healthy disk tolerates before self-demoting to Suspect without waiting
// for an operator-invoked probe.
const maxConsecutiveErrBeforeSuspect = 3

func (b *baseState) GetHealth() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.health
}

func (b *baseState) SetHealth(h Health) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !CanTransition(b.health, h) {
		return healthConflictError(b.health, h)
	}
	b.health = h
	if h != Suspect {
		b.consecutiveErr.Store(0)
	}
	return nil
}

func (b *baseState) ReadErrorCount() uint64  { return b.readErrCount.Load() }
func (b *baseState) WriteErrorCount() uint64 { return b.writeErrCount.Load() }

func (b *baseState) noteReadErr() { b.readErrCount.Inc(); b.noteErr() }
func (b *baseState) noteWriteErr() {
	b.writeErrCount.Inc()
	b.noteErr()
}

func (b *baseState) noteErr() {
	n := b.consecutiveErr.Inc()
	if n < maxConsecutiveErrBeforeSuspect {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.health == Healthy {
		b.health = Suspect
	}
}

func (b *baseState) noteSuccess() {
	b.consecutiveErr.Store(0)
}

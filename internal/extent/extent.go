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

// Package extent holds the engine's immutable data model: extents,
// fragments, and redundancy policies.
package extent

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// DefaultSize is the fixed extent size (1 MiB) new writes split input into.
const DefaultSize = 1 << 20

// ReplicationThreshold is the file-size boundary below which the
// default redundancy policy is Replication(3), and above which it is
// ErasureCoded(4, 2).
const ReplicationThreshold = 4 << 20

// ID is a universally-unique 128-bit extent identifier.
type ID uuid.UUID

func NewID() ID { return ID(uuid.New()) }

func (id ID) String() string { return uuid.UUID(id).String() }

func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("extent: invalid id literal %q", b)
	}
	parsed, err := uuid.Parse(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*id = ID(parsed)
	return nil
}

// PolicyKind tags the redundancy policy union.
type PolicyKind string

const (
	KindReplication  PolicyKind = "Replication"
	KindErasureCoded PolicyKind = "ErasureCoded"
)

// Policy is the tagged-union redundancy policy: either Replication(N) or
// ErasureCoded(K, M). Only the fields relevant to Kind are meaningful.
type Policy struct {
	Kind PolicyKind `json:"kind"`
	N    int        `json:"n,omitempty"` // Replication fragment count
	K    int        `json:"k,omitempty"` // ErasureCoded data shard count
	M    int        `json:"m,omitempty"` // ErasureCoded parity shard count
}

func Replication(n int) Policy {
	return Policy{Kind: KindReplication, N: n}
}

func ErasureCoded(k, m int) Policy {
	return Policy{Kind: KindErasureCoded, K: k, M: m}
}

// FragmentCount returns N for replication, K+M for erasure coding.
func (p Policy) FragmentCount() int {
	switch p.Kind {
	case KindReplication:
		return p.N
	case KindErasureCoded:
		return p.K + p.M
	default:
		return 0
	}
}

// ToleratedLosses returns how many fragment losses the policy survives.
func (p Policy) ToleratedLosses() int {
	switch p.Kind {
	case KindReplication:
		return p.N - 1
	case KindErasureCoded:
		return p.M
	default:
		return 0
	}
}

// MinFragmentsToRecover returns the minimum surviving fragment count
// needed to reconstruct the extent.
func (p Policy) MinFragmentsToRecover() int {
	switch p.Kind {
	case KindReplication:
		return 1
	case KindErasureCoded:
		return p.K
	default:
		return p.FragmentCount()
	}
}

func (p Policy) Validate() error {
	switch p.Kind {
	case KindReplication:
		if p.N < 2 {
			return fmt.Errorf("extent: Replication(n) requires n >= 2, got %d", p.N)
		}
	case KindErasureCoded:
		if p.K < 1 || p.M < 1 {
			return fmt.Errorf("extent: ErasureCoded(k,m) requires k>=1 and m>=1, got k=%d m=%d", p.K, p.M)
		}
	default:
		return fmt.Errorf("extent: unknown policy kind %q", p.Kind)
	}
	return nil
}

// DefaultPolicy selects a redundancy policy by file size: small files
// replicate, large files erasure-code.
func DefaultPolicy(fileSize int64) Policy {
	if fileSize <= ReplicationThreshold {
		return Replication(3)
	}
	return ErasureCoded(4, 2)
}

// MetadataPolicy is the fixed policy used for metadata objects themselves.
func MetadataPolicy() Policy {
	return Replication(3)
}

// FragmentLocation is one entry of an extent's fragment-location list:
// which disk holds fragment index i.
type FragmentLocation struct {
	DiskID         DiskID `json:"disk_id"`
	FragmentIndex  int    `json:"fragment_index"`
}

// DiskID mirrors disk.ID without importing the disk package, avoiding an
// import cycle (disk imports extent for fragment path derivation).
type DiskID uuid.UUID

func (id DiskID) String() string { return uuid.UUID(id).String() }

func (id DiskID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func (id *DiskID) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("extent: invalid disk id literal %q", b)
	}
	parsed, err := uuid.Parse(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*id = DiskID(parsed)
	return nil
}

func ParseDiskID(s string) (DiskID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DiskID{}, err
	}
	return DiskID(u), nil
}

// Checksum is a 256-bit BLAKE3 digest, stored and compared as raw bytes
// but rendered as hex for the JSON wire format.
type Checksum [32]byte

func (c Checksum) String() string { return hex.EncodeToString(c[:]) }

func (c Checksum) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

func (c *Checksum) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("extent: invalid checksum literal %q", b)
	}
	decoded, err := hex.DecodeString(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	if len(decoded) != len(c) {
		return fmt.Errorf("extent: checksum must be %d bytes, got %d", len(c), len(decoded))
	}
	copy(c[:], decoded)
	return nil
}

// Extent is the immutable, checksum-verified unit of redundancy. A
// rewrite produces a new Extent with a new ID. An existing Extent is
// changed in place only by rebuild (ReplaceLocation repoints or adds a
// fragment location) and by setting its Unrecoverable/Degraded flags.
type Extent struct {
	ID                ID                 `json:"id"`
	Length            int64              `json:"length"`
	Policy            Policy             `json:"policy"`
	Checksum          Checksum           `json:"checksum"`
	FragmentLocations []FragmentLocation `json:"fragment_locations"`
	// Unrecoverable marks an extent whose read pipeline could not
	// reconstruct its bytes from any surviving fragment set.
	Unrecoverable bool `json:"unrecoverable,omitempty"`
	// Degraded marks an extent scrub found with a missing or checksum-
	// mismatched fragment, cleared once a repair pass rewrites it clean.
	Degraded bool `json:"degraded,omitempty"`
}

// FragmentPath derives the on-disk fragment filename from (extent id,
// fragment index).
func FragmentPath(id ID, index int) string {
	return fmt.Sprintf("%s-%d.frag", id.String(), index)
}

// LocationFor returns the fragment location recorded for the given index,
// or ok=false if the extent carries no such fragment.
func (e *Extent) LocationFor(index int) (FragmentLocation, bool) {
	for _, loc := range e.FragmentLocations {
		if loc.FragmentIndex == index {
			return loc, true
		}
	}
	return FragmentLocation{}, false
}

// ReplaceLocation swaps the location recorded for index (used by lazy
// rebuild to repoint a fragment at a fresh disk).
func (e *Extent) ReplaceLocation(index int, newDisk DiskID) {
	for i := range e.FragmentLocations {
		if e.FragmentLocations[i].FragmentIndex == index {
			e.FragmentLocations[i].DiskID = newDisk
			return
		}
	}
	e.FragmentLocations = append(e.FragmentLocations, FragmentLocation{DiskID: newDisk, FragmentIndex: index})
}

// DistinctDiskCount reports how many distinct disks back this extent's
// fragments — used to verify anti-colocation across its fragments.
func (e *Extent) DistinctDiskCount() int {
	seen := make(map[DiskID]struct{}, len(e.FragmentLocations))
	for _, loc := range e.FragmentLocations {
		seen[loc.DiskID] = struct{}{}
	}
	return len(seen)
}

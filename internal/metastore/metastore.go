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

// Package metastore is the crash-consistent metadata store: inodes,
// extent objects, per-inode extent maps, and a versioned root. Every
// mutation is written to a temp sibling, fsynced, renamed into place, and
// the containing directory fsynced, in the fixed commit order extent
// objects -> extent map -> inode -> root version. The root version bump
// is the linearization point: nothing before it is considered committed,
// and recovery rolls back to the previous root snapshot on any checksum
// mismatch.
package metastore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dynamicfs/dynamicfs/engineerr"
	"github.com/dynamicfs/dynamicfs/internal/extent"
	"github.com/dynamicfs/dynamicfs/internal/faultinject"
	"github.com/dynamicfs/dynamicfs/util/log"
)

// InodeID is a universally-unique inode identifier.
type InodeID uuid.UUID

func NewInodeID() InodeID { return InodeID(uuid.New()) }

func (id InodeID) String() string { return uuid.UUID(id).String() }

func ParseInodeID(s string) (InodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return InodeID{}, err
	}
	return InodeID(u), nil
}

func (id InodeID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func (id *InodeID) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("metastore: invalid inode id literal %q", b)
	}
	parsed, err := uuid.Parse(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*id = InodeID(parsed)
	return nil
}

// Kind distinguishes regular files from directories.
type Kind string

const (
	KindFile      Kind = "File"
	KindDirectory Kind = "Directory"
)

// Inode is the file/directory metadata object; regular files carry no
// data inline, their payload is addressed through an ExtentMap keyed by
// the same InodeID.
type Inode struct {
	ID         InodeID   `json:"ino"`
	Kind       Kind      `json:"kind"`
	Size       int64     `json:"size"`
	Mode       uint32    `json:"mode"`
	Parent     InodeID   `json:"parent"`
	Children   []InodeID `json:"children,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ExtentMap is the ordered sequence of extent ids describing a file's
// contents in file order.
type ExtentMap struct {
	InodeID   InodeID     `json:"ino"`
	ExtentIDs []extent.ID `json:"extent_ids"`
}

// root is the small file persisted at <pool>/root.version. Alongside the
// checksum it carries the exact object IDs that made up the state it
// checksums, so recovery can tell an object written and persisted by an
// interrupted commit (never reflected by any root) apart from one whose
// file content was itself torn by a crash mid-write.
type root struct {
	Version      uint64   `json:"version"`
	ChecksumHex  string   `json:"checksum_of_state"`
	UpdatedAtRFC string   `json:"updated_at"`
	InodeIDs     []string `json:"inode_ids,omitempty"`
	ExtentIDs    []string `json:"extent_ids,omitempty"`
	ExtentMapIDs []string `json:"extent_map_ids,omitempty"`
}

const (
	inodesDir     = "inodes"
	extentsDir    = "extents"
	extentMapsDir = "extent_maps"
	rootFileName  = "root.version"
	prevSuffix    = ".prev"
)

// Store is the on-disk metadata tree rooted at <pool>/metadata.
type Store struct {
	root string // <pool>/metadata

	mu      sync.RWMutex
	version uint64

	inodes     map[InodeID]*Inode
	extents    map[extent.ID]*extent.Extent
	extentMaps map[InodeID]*ExtentMap
}

// Open loads (or initializes) the metadata store at poolRoot/metadata,
// running the crash-recovery scan: delete stale .tmp files, load the
// root version, verify its checksum against the loaded state, and roll
// back to the .prev snapshot on mismatch.
func Open(poolRoot string) (*Store, error) {
	root := filepath.Join(poolRoot, "metadata")
	for _, d := range []string{root, filepath.Join(root, inodesDir), filepath.Join(root, extentsDir), filepath.Join(root, extentMapsDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, engineerr.Wrap(engineerr.IoError, err, "metastore: create %s", d)
		}
	}

	s := &Store{
		root:       root,
		inodes:     make(map[InodeID]*Inode),
		extents:    make(map[extent.ID]*extent.Extent),
		extentMaps: make(map[InodeID]*ExtentMap),
	}

	if err := s.purgeStaleTemps(); err != nil {
		return nil, err
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	if err := s.verifyAndRecoverRoot(); err != nil {
		return nil, err
	}
	return s, nil
}

// purgeStaleTemps removes any *.tmp file left behind by a crash mid-write,
// before anything else reads the on-disk state.
func (s *Store) purgeStaleTemps() error {
	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			if rmErr := os.Remove(path); rmErr != nil {
				log.LogWarnf("metastore: failed removing stale temp %s: %v", path, rmErr)
			}
		}
		return nil
	})
}

func (s *Store) loadAll() error {
	if err := s.loadDir(filepath.Join(s.root, inodesDir), func(raw []byte) error {
		var ino Inode
		if err := json.Unmarshal(raw, &ino); err != nil {
			return err
		}
		s.inodes[ino.ID] = &ino
		return nil
	}); err != nil {
		return err
	}
	if err := s.loadDir(filepath.Join(s.root, extentsDir), func(raw []byte) error {
		var e extent.Extent
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		s.extents[e.ID] = &e
		return nil
	}); err != nil {
		return err
	}
	return s.loadDir(filepath.Join(s.root, extentMapsDir), func(raw []byte) error {
		var m ExtentMap
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		s.extentMaps[m.InodeID] = &m
		return nil
	})
}

func (s *Store) loadDir(dir string, handle func([]byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return engineerr.Wrap(engineerr.IoError, err, "metastore: list %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return engineerr.Wrap(engineerr.IoError, err, "metastore: read %s", e.Name())
		}
		if err := handle(raw); err != nil {
			return engineerr.Wrap(engineerr.Corruption, err, "metastore: parse %s", e.Name())
		}
	}
	return nil
}

// memberIDs returns the sorted string IDs of every object currently held
// in memory, used both to compute the root checksum and to record which
// objects a given root version actually committed.
func (s *Store) memberIDs() (inodeIDs, extentIDs, extentMapIDs []string) {
	for id := range s.inodes {
		inodeIDs = append(inodeIDs, id.String())
	}
	sort.Strings(inodeIDs)
	for id := range s.extents {
		extentIDs = append(extentIDs, id.String())
	}
	sort.Strings(extentIDs)
	for id := range s.extentMaps {
		extentMapIDs = append(extentMapIDs, id.String())
	}
	sort.Strings(extentMapIDs)
	return
}

// stateChecksumOfIDs hashes a deterministic rendering of the objects
// named in the given ID lists, so recovery can
// verify a root's recorded checksum against only the objects that root
// actually committed — ignoring any extra object file an interrupted
// later commit may have left on disk. An ID the caller lists but that
// isn't currently loaded contributes nothing, which reliably breaks the
// checksum match (signaling real corruption rather than a stray file).
func (s *Store) stateChecksumOfIDs(inodeIDs, extentIDs, extentMapIDs []string) string {
	h := sha256.New()

	for _, idStr := range inodeIDs {
		id, err := ParseInodeID(idStr)
		if err != nil {
			continue
		}
		if ino, ok := s.inodes[id]; ok {
			raw, _ := json.Marshal(ino)
			h.Write(raw)
		}
	}
	for _, idStr := range extentIDs {
		id, err := extent.ParseID(idStr)
		if err != nil {
			continue
		}
		if e, ok := s.extents[id]; ok {
			raw, _ := json.Marshal(e)
			h.Write(raw)
		}
	}
	for _, idStr := range extentMapIDs {
		id, err := ParseInodeID(idStr)
		if err != nil {
			continue
		}
		if m, ok := s.extentMaps[id]; ok {
			raw, _ := json.Marshal(m)
			h.Write(raw)
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

// pruneToMembership discards any in-memory object whose ID isn't listed
// by the root version recovery settled on — a stray file an interrupted
// commit persisted before the crash that kept the root from advancing
// past it.
func (s *Store) pruneToMembership(inodeIDs, extentIDs, extentMapIDs []string) {
	keepInodes := toSet(inodeIDs)
	for id := range s.inodes {
		if !keepInodes[id.String()] {
			delete(s.inodes, id)
		}
	}
	keepExtents := toSet(extentIDs)
	for id := range s.extents {
		if !keepExtents[id.String()] {
			delete(s.extents, id)
		}
	}
	keepMaps := toSet(extentMapIDs)
	for id := range s.extentMaps {
		if !keepMaps[id.String()] {
			delete(s.extentMaps, id)
		}
	}
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func (s *Store) rootPath() string     { return filepath.Join(s.root, rootFileName) }
func (s *Store) rootPrevPath() string { return s.rootPath() + prevSuffix }

func (s *Store) readRoot(path string) (*root, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r root
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, engineerr.Wrap(engineerr.Corruption, err, "metastore: parse root at %s", path)
	}
	return &r, nil
}

// verifyAndRecoverRoot checks the loaded state against the persisted
// root's recorded checksum and membership; on mismatch it rolls back to
// the .prev snapshot, kept for exactly one generation. A commit
// interrupted after persisting an object but before the root version
// that would have made it visible leaves that object's file on disk
// unreferenced by any root — verification is restricted to each root's
// own recorded ID list precisely so that stray file doesn't read as
// corruption; it is pruned from memory instead.
func (s *Store) verifyAndRecoverRoot() error {
	r, err := s.readRoot(s.rootPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.version = 0
			return nil
		}
		return engineerr.Wrap(engineerr.IoError, err, "metastore: read root")
	}
	if r.ChecksumHex == s.stateChecksumOfIDs(r.InodeIDs, r.ExtentIDs, r.ExtentMapIDs) {
		s.pruneToMembership(r.InodeIDs, r.ExtentIDs, r.ExtentMapIDs)
		s.version = r.Version
		return nil
	}

	log.LogWarnf("metastore: root checksum mismatch at version %d, rolling back to previous snapshot", r.Version)
	prev, perr := s.readRoot(s.rootPrevPath())
	if perr != nil {
		return engineerr.New(engineerr.Corruption, "metastore: root checksum mismatch and no previous snapshot available")
	}
	if prev.ChecksumHex != s.stateChecksumOfIDs(prev.InodeIDs, prev.ExtentIDs, prev.ExtentMapIDs) {
		return engineerr.New(engineerr.Corruption, "metastore: previous root snapshot also fails to verify")
	}
	s.pruneToMembership(prev.InodeIDs, prev.ExtentIDs, prev.ExtentMapIDs)
	s.version = prev.Version
	return nil
}

// writeDurably implements the tmp-write/fsync/rename/fsync-dir sequence
// shared by every object kind this store persists.
func writeDurably(dir, name string, payload []byte) error {
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "metastore: open temp %s", tmp)
	}
	defer os.Remove(tmp)
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return engineerr.Wrap(engineerr.IoError, err, "metastore: write temp %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return engineerr.Wrap(engineerr.IoError, err, "metastore: fsync temp %s", tmp)
	}
	if err := f.Close(); err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "metastore: close temp %s", tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "metastore: rename %s", final)
	}
	df, err := os.Open(dir)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "metastore: open dir %s", dir)
	}
	defer df.Close()
	return df.Sync()
}

// Commit is the payload of a single logical metadata transaction: the
// extents and extent map/inode touched by one write or rebuild.
type Commit struct {
	Extents    []*extent.Extent
	ExtentMap  *ExtentMap
	Inode      *Inode
}

// Apply persists a Commit in the fixed order extent objects -> extent
// map -> inode -> root version bump. The root version bump is the
// linearization point: if any earlier step fails, nothing durable
// references the new state yet.
func (s *Store) Apply(c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range c.Extents {
		raw, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			return engineerr.Wrap(engineerr.IoError, err, "metastore: marshal extent %s", e.ID)
		}
		if err := writeDurably(filepath.Join(s.root, extentsDir), e.ID.String()+".json", raw); err != nil {
			return err
		}
		s.extents[e.ID] = e
		faultinject.Hit(faultinject.AfterExtentPersist)
	}

	if c.ExtentMap != nil {
		raw, err := json.MarshalIndent(c.ExtentMap, "", "  ")
		if err != nil {
			return engineerr.Wrap(engineerr.IoError, err, "metastore: marshal extent map %s", c.ExtentMap.InodeID)
		}
		if err := writeDurably(filepath.Join(s.root, extentMapsDir), c.ExtentMap.InodeID.String()+".json", raw); err != nil {
			return err
		}
		s.extentMaps[c.ExtentMap.InodeID] = c.ExtentMap
		faultinject.Hit(faultinject.AfterExtentMapWrite)
	}

	if c.Inode != nil {
		raw, err := json.MarshalIndent(c.Inode, "", "  ")
		if err != nil {
			return engineerr.Wrap(engineerr.IoError, err, "metastore: marshal inode %s", c.Inode.ID)
		}
		if err := writeDurably(filepath.Join(s.root, inodesDir), c.Inode.ID.String()+".json", raw); err != nil {
			return err
		}
		s.inodes[c.Inode.ID] = c.Inode
	}

	return s.bumpRoot()
}

// bumpRoot persists the next, strictly increasing root version, keeping
// the previous good root as the one-generation rollback snapshot.
func (s *Store) bumpRoot() error {
	if existing, err := os.ReadFile(s.rootPath()); err == nil {
		_ = os.WriteFile(s.rootPrevPath(), existing, 0644)
		_ = fsyncParent(s.root)
	}
	s.version++
	inodeIDs, extentIDs, extentMapIDs := s.memberIDs()
	r := root{
		Version:      s.version,
		ChecksumHex:  s.stateChecksumOfIDs(inodeIDs, extentIDs, extentMapIDs),
		UpdatedAtRFC: nowRFC3339(),
		InodeIDs:     inodeIDs,
		ExtentIDs:    extentIDs,
		ExtentMapIDs: extentMapIDs,
	}
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "metastore: marshal root")
	}
	return writeRootDurably(s.root, rootFileName, raw)
}

// writeRootDurably is writeDurably specialized for root.version: it
// fires the BeforeRootRename fault point after the temp file is
// fsynced but before the rename, so crash-injection tests can verify
// recovery from a crash at exactly that instant.
func writeRootDurably(dir, name string, payload []byte) error {
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "metastore: open temp %s", tmp)
	}
	defer os.Remove(tmp)
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return engineerr.Wrap(engineerr.IoError, err, "metastore: write temp %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return engineerr.Wrap(engineerr.IoError, err, "metastore: fsync temp %s", tmp)
	}
	if err := f.Close(); err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "metastore: close temp %s", tmp)
	}
	faultinject.Hit(faultinject.BeforeRootRename)
	if err := os.Rename(tmp, final); err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "metastore: rename %s", final)
	}
	df, err := os.Open(dir)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "metastore: open dir %s", dir)
	}
	defer df.Close()
	return df.Sync()
}

func fsyncParent(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Version returns the current root version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// GetExtent returns the persisted extent object, or NotFound.
func (s *Store) GetExtent(id extent.ID) (*extent.Extent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.extents[id]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "metastore: extent %s", id)
	}
	return e, nil
}

// UpdateExtentLocation persists a single extent's mutated fragment
// location list outside of a full Commit (used by the lazy-rebuild and
// scrub paths, which replace one fragment's disk without touching the
// inode or extent map).
func (s *Store) UpdateExtentLocation(e *extent.Extent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "metastore: marshal extent %s", e.ID)
	}
	if err := writeDurably(filepath.Join(s.root, extentsDir), e.ID.String()+".json", raw); err != nil {
		return err
	}
	s.extents[e.ID] = e
	return s.bumpRoot()
}

// GetInode returns the persisted inode, or NotFound.
func (s *Store) GetInode(id InodeID) (*Inode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ino, ok := s.inodes[id]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "metastore: inode %s", id)
	}
	return ino, nil
}

// GetExtentMap returns the persisted extent map for an inode, or an
// empty map if the inode has never had a commit (a freshly created
// empty file).
func (s *Store) GetExtentMap(id InodeID) (*ExtentMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.extentMaps[id]; ok {
		return m, nil
	}
	return &ExtentMap{InodeID: id}, nil
}

// CreateInode allocates and persists a fresh, empty inode (size 0, no
// extents yet).
func (s *Store) CreateInode(kind Kind, mode uint32, parent InodeID) (*Inode, error) {
	now := time.Now().UTC()
	ino := &Inode{ID: NewInodeID(), Kind: kind, Mode: mode, Parent: parent, CreatedAt: now, ModifiedAt: now}
	if err := s.Apply(Commit{Inode: ino}); err != nil {
		return nil, err
	}
	return ino, nil
}

// AllExtents returns a snapshot of every extent object currently held by
// the store, used by scrub and disk-drain migration to enumerate work
// without re-reading the filesystem.
func (s *Store) AllExtents() []*extent.Extent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*extent.Extent, 0, len(s.extents))
	for _, e := range s.extents {
		out = append(out, e)
	}
	return out
}

// AllInodeIDs returns every inode id currently known to the store.
func (s *Store) AllInodeIDs() []InodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]InodeID, 0, len(s.inodes))
	for id := range s.inodes {
		out = append(out, id)
	}
	return out
}

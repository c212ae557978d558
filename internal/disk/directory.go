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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	gopsdisk "github.com/shirou/gopsutil/v3/disk"

	"github.com/dynamicfs/dynamicfs/engineerr"
	"github.com/dynamicfs/dynamicfs/internal/extent"
	"github.com/dynamicfs/dynamicfs/util/log"
)

const manifestFileName = "disk.json"
const probeFileName = ".probe"

// manifest is the JSON shape persisted at <disk>/disk.json.
type manifest struct {
	ID            ID     `json:"id"`
	CapacityBytes uint64 `json:"capacity_bytes"`
	Kind          Kind   `json:"kind"`
	Health        Health `json:"health"`
}

// DirectoryDisk is the default Disk implementation: a directory holding
// one manifest file and one blob per fragment.
type DirectoryDisk struct {
	baseState
	id       ID
	rootPath string
	capacity uint64
	used     int64 // atomic
}

var _ Disk = (*DirectoryDisk)(nil)

// OpenDirectoryDisk loads an existing directory-backed disk whose manifest
// already exists at rootPath.
func OpenDirectoryDisk(rootPath string) (*DirectoryDisk, error) {
	raw, err := os.ReadFile(filepath.Join(rootPath, manifestFileName))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, err, "disk: read manifest at %s", rootPath)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, engineerr.Wrap(engineerr.Corruption, err, "disk: parse manifest at %s", rootPath)
	}
	d := &DirectoryDisk{id: m.ID, rootPath: rootPath, capacity: m.CapacityBytes}
	d.health = m.Health
	d.recomputeUsed()
	return d, nil
}

// CreateDirectoryDisk initializes a fresh directory-backed disk at
// rootPath: writes the manifest, sets health Healthy, and discovers
// capacity via the filesystem backing rootPath unless capacityBytes > 0
// pins it explicitly.
func CreateDirectoryDisk(rootPath string, capacityBytes uint64) (*DirectoryDisk, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, err, "disk: create root %s", rootPath)
	}
	if capacityBytes == 0 {
		if usage, err := gopsdisk.Usage(rootPath); err == nil {
			capacityBytes = usage.Total
		}
	}
	d := &DirectoryDisk{id: NewID(), rootPath: rootPath, capacity: capacityBytes}
	d.health = Healthy
	if err := d.persistManifest(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DirectoryDisk) ID() ID              { return d.id }
func (d *DirectoryDisk) Kind() Kind          { return KindDirectory }
func (d *DirectoryDisk) BackingPath() string { return d.rootPath }
func (d *DirectoryDisk) CapacityBytes() uint64 { return d.capacity }
func (d *DirectoryDisk) UsedBytes() uint64 {
	return uint64(atomic.LoadInt64(&d.used))
}
func (d *DirectoryDisk) UsedRatio() float64 {
	if d.capacity == 0 {
		return 1
	}
	return float64(d.UsedBytes()) / float64(d.capacity)
}

func (d *DirectoryDisk) persistManifest() error {
	m := manifest{ID: d.id, CapacityBytes: d.capacity, Kind: KindDirectory, Health: d.GetHealth()}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "disk: marshal manifest")
	}
	return writeFileDurably(d.rootPath, manifestFileName, raw)
}

func (d *DirectoryDisk) SetHealth(h Health) error {
	if err := d.baseState.SetHealth(h); err != nil {
		return err
	}
	return d.persistManifest()
}

func (d *DirectoryDisk) recomputeUsed() {
	entries, err := os.ReadDir(d.rootPath)
	if err != nil {
		return
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	atomic.StoreInt64(&d.used, total)
}

// fragmentPath returns the absolute path of a fragment blob on this disk.
func (d *DirectoryDisk) fragmentPath(extentID extent.ID, index int) string {
	return filepath.Join(d.rootPath, extent.FragmentPath(extentID, index))
}

// WriteFragment is a durability-ordered write: temp write -> data fsync
// -> rename -> parent-dir fsync -> readback compare. The temporary file
// is removed on every exit path via the deferred cleanup guard.
func (d *DirectoryDisk) WriteFragment(ctx context.Context, extentID extent.ID, index int, payload []byte) (err error) {
	if !d.GetHealth().AcceptsWrites() {
		return engineerr.New(engineerr.Conflict, "disk %s: not accepting writes in state %s", d.id, d.GetHealth())
	}
	finalPath := d.fragmentPath(extentID, index)
	tmpPath := fmt.Sprintf("%s.tmp.%d", finalPath, os.Getpid())

	var tmp *os.File
	defer func() {
		if tmp != nil {
			tmp.Close()
		}
		// Runs on every exit path, including panics recovered by the
		// caller's own stack, so a failed write never leaks a temp file.
		_ = os.Remove(tmpPath)
	}()

	tmp, err = os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		d.noteWriteErr()
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: open temp fragment", d.id)
	}
	if _, err = tmp.Write(payload); err != nil {
		d.noteWriteErr()
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: write temp fragment", d.id)
	}
	if err = tmp.Sync(); err != nil {
		d.noteWriteErr()
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: fsync temp fragment", d.id)
	}
	if err = tmp.Close(); err != nil {
		tmp = nil
		d.noteWriteErr()
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: close temp fragment", d.id)
	}
	tmp = nil

	if err = os.Rename(tmpPath, finalPath); err != nil {
		d.noteWriteErr()
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: rename fragment into place", d.id)
	}
	if err = fsyncDir(d.rootPath); err != nil {
		d.noteWriteErr()
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: fsync parent dir", d.id)
	}

	readback, rerr := os.ReadFile(finalPath)
	if rerr != nil {
		d.noteWriteErr()
		return engineerr.Wrap(engineerr.IoError, rerr, "disk %s: readback fragment", d.id)
	}
	if !bytes.Equal(readback, payload) {
		d.noteWriteErr()
		_ = d.SetHealth(Suspect)
		return engineerr.New(engineerr.VerificationMismatch, "disk %s: readback mismatch for %s", d.id, finalPath)
	}

	d.noteSuccess()
	atomic.AddInt64(&d.used, int64(len(payload)))
	if log.IsDebugEnabled() {
		log.LogDebugf("disk %s: wrote fragment %s idx %d (%d bytes)", d.id, extentID, index, len(payload))
	}
	return nil
}

func (d *DirectoryDisk) ReadFragment(ctx context.Context, extentID extent.ID, index int) ([]byte, error) {
	if !d.GetHealth().AcceptsReads() {
		return nil, engineerr.New(engineerr.Conflict, "disk %s: not accepting reads in state %s", d.id, d.GetHealth())
	}
	payload, err := os.ReadFile(d.fragmentPath(extentID, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, engineerr.Wrap(engineerr.NotFound, err, "disk %s: fragment %s idx %d", d.id, extentID, index)
		}
		d.noteReadErr()
		return nil, engineerr.Wrap(engineerr.IoError, err, "disk %s: read fragment %s idx %d", d.id, extentID, index)
	}
	d.noteSuccess()
	return payload, nil
}

// DeleteFragment is best-effort: a missing fragment is not an error.
func (d *DirectoryDisk) DeleteFragment(ctx context.Context, extentID extent.ID, index int) error {
	size, statErr := fileSize(d.fragmentPath(extentID, index))
	err := os.Remove(d.fragmentPath(extentID, index))
	if err != nil && !os.IsNotExist(err) {
		d.noteWriteErr()
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: delete fragment %s idx %d", d.id, extentID, index)
	}
	if statErr == nil {
		atomic.AddInt64(&d.used, -size)
	}
	return nil
}

// Probe attempts a trivial read/write on a reserved path and updates
// health accordingly.
func (d *DirectoryDisk) Probe(ctx context.Context) error {
	probePath := filepath.Join(d.rootPath, probeFileName)
	payload := []byte("dynamicfs-probe")
	if err := os.WriteFile(probePath, payload, 0644); err != nil {
		d.noteWriteErr()
		_ = d.SetHealth(Degraded)
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: probe write", d.id)
	}
	readback, err := os.ReadFile(probePath)
	if err != nil || !bytes.Equal(readback, payload) {
		d.noteReadErr()
		_ = d.SetHealth(Degraded)
		return engineerr.New(engineerr.IoError, "disk %s: probe readback mismatch", d.id)
	}
	if usage, uerr := gopsdisk.Usage(d.rootPath); uerr == nil {
		d.capacity = usage.Total
	}
	d.noteSuccess()
	if d.GetHealth() == Suspect {
		_ = d.SetHealth(Healthy)
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func fsyncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// writeFileDurably implements the same tmp-write/fsync/rename/fsync-dir
// sequence as WriteFragment, reused by the manifest and by metastore.
func writeFileDurably(dir, name string, payload []byte) error {
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "write %s: open temp", final)
	}
	defer os.Remove(tmp)
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return engineerr.Wrap(engineerr.IoError, err, "write %s: write temp", final)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return engineerr.Wrap(engineerr.IoError, err, "write %s: fsync temp", final)
	}
	if err := f.Close(); err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "write %s: close temp", final)
	}
	if err := os.Rename(tmp, final); err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "write %s: rename", final)
	}
	return fsyncDir(dir)
}

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
	"context"
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/dynamicfs/dynamicfs/engineerr"
	"github.com/dynamicfs/dynamicfs/internal/extent"
)

const (
	superblockMagic      = "DFSBLOCK"
	superblockSize       = 4096
	superblockVersion    = 1
	allocationUnitBytes  = 64 * 1024
	fragmentHeaderBytes  = 16 + 4 + 8 + 32 + 4 // extent id, frag idx, total len, blake3 checksum, header crc32
)

var crcTableBD = crc32.MakeTable(crc32.Castagnoli)

// superblock is the on-device format's first 4 KiB.
type superblock struct {
	DeviceUUID      uuid.UUID
	Sequence        uint64
	AllocatorOffset uint64
	AllocatorLength uint64
}

func (s *superblock) encode() []byte {
	buf := make([]byte, superblockSize)
	copy(buf[0:8], []byte(superblockMagic))
	binary.LittleEndian.PutUint32(buf[8:12], superblockVersion)
	copy(buf[12:28], s.DeviceUUID[:])
	binary.LittleEndian.PutUint64(buf[28:36], s.Sequence)
	binary.LittleEndian.PutUint64(buf[36:44], s.AllocatorOffset)
	binary.LittleEndian.PutUint64(buf[44:52], s.AllocatorLength)
	crc := crc32.Checksum(buf[0:52], crcTableBD)
	binary.LittleEndian.PutUint32(buf[52:56], crc)
	return buf
}

func decodeSuperblock(buf []byte) (*superblock, error) {
	if len(buf) < 56 || string(buf[0:8]) != superblockMagic {
		return nil, engineerr.New(engineerr.Corruption, "disk: bad superblock magic")
	}
	version := binary.LittleEndian.Uint32(buf[8:12])
	if version != superblockVersion {
		return nil, engineerr.New(engineerr.Corruption, "disk: unsupported superblock version %d", version)
	}
	crc := binary.LittleEndian.Uint32(buf[52:56])
	if crc32.Checksum(buf[0:52], crcTableBD) != crc {
		return nil, engineerr.New(engineerr.Corruption, "disk: superblock CRC mismatch")
	}
	s := &superblock{
		Sequence:        binary.LittleEndian.Uint64(buf[28:36]),
		AllocatorOffset: binary.LittleEndian.Uint64(buf[36:44]),
		AllocatorLength: binary.LittleEndian.Uint64(buf[44:52]),
	}
	copy(s.DeviceUUID[:], buf[12:28])
	return s, nil
}

// fragmentHeader precedes every fragment's payload in the data region.
type fragmentHeader struct {
	ExtentID extent.ID
	FragIdx  uint32
	TotalLen uint64
	Checksum [32]byte
}

func (h *fragmentHeader) encode() []byte {
	buf := make([]byte, fragmentHeaderBytes)
	copy(buf[0:16], h.ExtentID[:])
	binary.LittleEndian.PutUint32(buf[16:20], h.FragIdx)
	binary.LittleEndian.PutUint64(buf[20:28], h.TotalLen)
	copy(buf[28:60], h.Checksum[:])
	crc := crc32.Checksum(buf[0:60], crcTableBD)
	binary.LittleEndian.PutUint32(buf[60:64], crc)
	return buf
}

func decodeFragmentHeader(buf []byte) (*fragmentHeader, error) {
	if len(buf) < fragmentHeaderBytes {
		return nil, engineerr.New(engineerr.Corruption, "disk: short fragment header")
	}
	crc := binary.LittleEndian.Uint32(buf[60:64])
	if crc32.Checksum(buf[0:60], crcTableBD) != crc {
		return nil, engineerr.New(engineerr.Corruption, "disk: fragment header CRC mismatch")
	}
	h := &fragmentHeader{
		FragIdx:  binary.LittleEndian.Uint32(buf[16:20]),
		TotalLen: binary.LittleEndian.Uint64(buf[20:28]),
	}
	copy(h.ExtentID[:], buf[0:16])
	copy(h.Checksum[:], buf[28:60])
	return h, nil
}

type fragKey struct {
	extentID extent.ID
	index    int
}

// BlockDeviceDisk implements the optional raw-device profile: a 4 KiB
// superblock, a 64 KiB-unit allocation bitmap, and a data region of
// header-prefixed fragments.
type BlockDeviceDisk struct {
	baseState
	id         ID
	devicePath string
	capacity   uint64

	mu    sync.Mutex
	f     *os.File
	sb    *superblock
	bits  *bitset.BitSet
	units uint64
	index map[fragKey]uint64 // byte offset of the fragment's header
}

var _ Disk = (*BlockDeviceDisk)(nil)

// CreateBlockDeviceDisk formats a fresh device file at devicePath sized
// capacityBytes: superblock, then an allocation bitmap sized to the
// remaining space at 64 KiB granularity.
func CreateBlockDeviceDisk(devicePath string, capacityBytes uint64) (*BlockDeviceDisk, error) {
	f, err := os.OpenFile(devicePath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, err, "disk: create device %s", devicePath)
	}
	if err := f.Truncate(int64(capacityBytes)); err != nil {
		f.Close()
		return nil, engineerr.Wrap(engineerr.IoError, err, "disk: truncate device %s", devicePath)
	}
	units := (capacityBytes - superblockSize) / allocationUnitBytes
	bitmapBytes := (units + 7) / 8
	allocatorLen := alignUp(bitmapBytes, superblockSize)

	sb := &superblock{DeviceUUID: uuid.New(), Sequence: 1, AllocatorOffset: superblockSize, AllocatorLength: allocatorLen}
	d := &BlockDeviceDisk{
		id:         ID(sb.DeviceUUID),
		devicePath: devicePath,
		capacity:   capacityBytes,
		f:          f,
		sb:         sb,
		bits:       bitset.New(uint(units)),
		units:      units,
		index:      make(map[fragKey]uint64),
	}
	d.health = Healthy
	if err := d.persistSuperblockAndBitmap(); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// OpenBlockDeviceDisk loads an existing device file, replaying the
// allocation bitmap and scanning allocated units to rebuild the in-memory
// fragment index (headers carry extent id + index, so this is exact).
func OpenBlockDeviceDisk(devicePath string) (*BlockDeviceDisk, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0644)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, err, "disk: open device %s", devicePath)
	}
	sbBuf := make([]byte, superblockSize)
	if _, err := f.ReadAt(sbBuf, 0); err != nil {
		f.Close()
		return nil, engineerr.Wrap(engineerr.IoError, err, "disk: read superblock %s", devicePath)
	}
	sb, err := decodeSuperblock(sbBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, engineerr.Wrap(engineerr.IoError, err, "disk: stat device %s", devicePath)
	}
	units := (uint64(info.Size()) - superblockSize) / allocationUnitBytes
	bitmapBytes := (units + 7) / 8
	bmBuf := make([]byte, bitmapBytes)
	if _, err := f.ReadAt(bmBuf, int64(sb.AllocatorOffset)); err != nil {
		f.Close()
		return nil, engineerr.Wrap(engineerr.IoError, err, "disk: read bitmap %s", devicePath)
	}
	bits := bitset.From(bytesToWords(bmBuf))

	d := &BlockDeviceDisk{
		id:         ID(sb.DeviceUUID),
		devicePath: devicePath,
		capacity:   uint64(info.Size()),
		f:          f,
		sb:         sb,
		bits:       bits,
		units:      units,
		index:      make(map[fragKey]uint64),
	}
	d.health = Healthy
	d.rescanIndex()
	return d, nil
}

func dataRegionStart(sb *superblock) uint64 {
	return sb.AllocatorOffset + sb.AllocatorLength
}

func (d *BlockDeviceDisk) rescanIndex() {
	start := dataRegionStart(d.sb)
	hdrBuf := make([]byte, fragmentHeaderBytes)
	for u := uint64(0); u < d.units; u++ {
		if !d.bits.Test(uint(u)) {
			continue
		}
		offset := int64(start + u*allocationUnitBytes)
		if _, err := d.f.ReadAt(hdrBuf, offset); err != nil {
			continue
		}
		hdr, err := decodeFragmentHeader(hdrBuf)
		if err != nil {
			continue
		}
		// Only record the first unit of a multi-unit allocation (the one
		// carrying a valid header); interior units are skipped naturally
		// because they fail header-CRC decode.
		d.index[fragKey{extentID: hdr.ExtentID, index: int(hdr.FragIdx)}] = uint64(offset)
	}
}

func alignUp(n, align uint64) uint64 {
	if n%align == 0 {
		return n
	}
	return (n/align + 1) * align
}

func bytesToWords(b []byte) []uint64 {
	words := make([]uint64, (len(b)+7)/8)
	for i := range words {
		var w uint64
		for j := 0; j < 8 && i*8+j < len(b); j++ {
			w |= uint64(b[i*8+j]) << (8 * j)
		}
		words[i] = w
	}
	return words
}

func wordsToBytes(words []uint64, n int) []byte {
	buf := make([]byte, n)
	for i, w := range words {
		for j := 0; j < 8 && i*8+j < n; j++ {
			buf[i*8+j] = byte(w >> (8 * j))
		}
	}
	return buf
}

func (d *BlockDeviceDisk) persistSuperblockAndBitmap() error {
	if _, err := d.f.WriteAt(d.sb.encode(), 0); err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: write superblock", d.id)
	}
	bitmapBytes := (d.units + 7) / 8
	buf := wordsToBytes(d.bits.Bytes(), int(bitmapBytes))
	if _, err := d.f.WriteAt(buf, int64(d.sb.AllocatorOffset)); err != nil {
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: write bitmap", d.id)
	}
	return d.f.Sync()
}

func (d *BlockDeviceDisk) ID() ID              { return d.id }
func (d *BlockDeviceDisk) Kind() Kind          { return KindBlockDevice }
func (d *BlockDeviceDisk) BackingPath() string { return d.devicePath }
func (d *BlockDeviceDisk) CapacityBytes() uint64 { return d.capacity }

func (d *BlockDeviceDisk) UsedBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bits.Count() * allocationUnitBytes
}

func (d *BlockDeviceDisk) UsedRatio() float64 {
	if d.capacity == 0 {
		return 1
	}
	return float64(d.UsedBytes()) / float64(d.capacity)
}

func (d *BlockDeviceDisk) findFreeRun(units uint64) (uint64, error) {
	var run uint64
	var start uint64
	for u := uint64(0); u < d.units; u++ {
		if d.bits.Test(uint(u)) {
			run = 0
			continue
		}
		if run == 0 {
			start = u
		}
		run++
		if run == units {
			return start, nil
		}
	}
	return 0, engineerr.New(engineerr.IoError, "disk %s: insufficient contiguous space for %d units", d.id, units)
}

func (d *BlockDeviceDisk) WriteFragment(ctx context.Context, extentID extent.ID, index int, payload []byte) error {
	if !d.GetHealth().AcceptsWrites() {
		return engineerr.New(engineerr.Conflict, "disk %s: not accepting writes in state %s", d.id, d.GetHealth())
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	needed := uint64(fragmentHeaderBytes + len(payload))
	units := (needed + allocationUnitBytes - 1) / allocationUnitBytes
	start, err := d.findFreeRun(units)
	if err != nil {
		d.noteWriteErr()
		return err
	}
	offset := int64(dataRegionStart(d.sb) + start*allocationUnitBytes)

	h := blake3.New()
	_, _ = h.Write(payload)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	hdr := &fragmentHeader{ExtentID: extentID, FragIdx: uint32(index), TotalLen: uint64(len(payload)), Checksum: sum}

	buf := append(hdr.encode(), payload...)
	if _, err := d.f.WriteAt(buf, offset); err != nil {
		d.noteWriteErr()
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: write fragment data", d.id)
	}
	if err := d.f.Sync(); err != nil {
		d.noteWriteErr()
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: fsync fragment data", d.id)
	}

	for u := start; u < start+units; u++ {
		d.bits.Set(uint(u))
	}
	d.sb.Sequence++
	if err := d.persistSuperblockAndBitmap(); err != nil {
		for u := start; u < start+units; u++ {
			d.bits.Clear(uint(u))
		}
		d.noteWriteErr()
		return err
	}

	readback := make([]byte, len(buf))
	if _, err := d.f.ReadAt(readback, offset); err != nil {
		d.noteWriteErr()
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: readback fragment", d.id)
	}
	for i := range buf {
		if buf[i] != readback[i] {
			d.noteWriteErr()
			_ = d.baseState.SetHealth(Suspect)
			return engineerr.New(engineerr.VerificationMismatch, "disk %s: readback mismatch", d.id)
		}
	}

	d.index[fragKey{extentID: extentID, index: index}] = uint64(offset)
	d.noteSuccess()
	return nil
}

func (d *BlockDeviceDisk) ReadFragment(ctx context.Context, extentID extent.ID, index int) ([]byte, error) {
	if !d.GetHealth().AcceptsReads() {
		return nil, engineerr.New(engineerr.Conflict, "disk %s: not accepting reads in state %s", d.id, d.GetHealth())
	}
	d.mu.Lock()
	offset, ok := d.index[fragKey{extentID: extentID, index: index}]
	d.mu.Unlock()
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, "disk %s: fragment %s idx %d", d.id, extentID, index)
	}
	hdrBuf := make([]byte, fragmentHeaderBytes)
	if _, err := d.f.ReadAt(hdrBuf, int64(offset)); err != nil {
		d.noteReadErr()
		return nil, engineerr.Wrap(engineerr.IoError, err, "disk %s: read fragment header", d.id)
	}
	hdr, err := decodeFragmentHeader(hdrBuf)
	if err != nil {
		d.noteReadErr()
		return nil, err
	}
	payload := make([]byte, hdr.TotalLen)
	if _, err := d.f.ReadAt(payload, int64(offset)+int64(fragmentHeaderBytes)); err != nil {
		d.noteReadErr()
		return nil, engineerr.Wrap(engineerr.IoError, err, "disk %s: read fragment payload", d.id)
	}

	h := blake3.New()
	_, _ = h.Write(payload)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	if sum != hdr.Checksum {
		d.noteReadErr()
		return nil, engineerr.New(engineerr.Corruption, "disk %s: fragment %s idx %d failed checksum recorded at write time", d.id, extentID, index)
	}

	d.noteSuccess()
	return payload, nil
}

func (d *BlockDeviceDisk) DeleteFragment(ctx context.Context, extentID extent.ID, index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	offset, ok := d.index[fragKey{extentID: extentID, index: index}]
	if !ok {
		return nil
	}
	unit := (offset - dataRegionStart(d.sb)) / allocationUnitBytes
	hdrBuf := make([]byte, fragmentHeaderBytes)
	if _, err := d.f.ReadAt(hdrBuf, int64(offset)); err == nil {
		if hdr, herr := decodeFragmentHeader(hdrBuf); herr == nil {
			units := (uint64(fragmentHeaderBytes+int(hdr.TotalLen)) + allocationUnitBytes - 1) / allocationUnitBytes
			for u := unit; u < unit+units; u++ {
				d.bits.Clear(uint(u))
			}
		}
	}
	delete(d.index, fragKey{extentID: extentID, index: index})
	d.sb.Sequence++
	return d.persistSuperblockAndBitmap()
}

func (d *BlockDeviceDisk) Probe(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sbBuf := make([]byte, superblockSize)
	if _, err := d.f.ReadAt(sbBuf, 0); err != nil {
		d.noteReadErr()
		_ = d.baseState.SetHealth(Degraded)
		return engineerr.Wrap(engineerr.IoError, err, "disk %s: probe superblock read", d.id)
	}
	if _, err := decodeSuperblock(sbBuf); err != nil {
		d.noteReadErr()
		_ = d.baseState.SetHealth(Degraded)
		return err
	}
	d.noteSuccess()
	if d.GetHealth() == Suspect {
		_ = d.baseState.SetHealth(Healthy)
	}
	return nil
}

func (d *BlockDeviceDisk) SetHealth(h Health) error {
	return d.baseState.SetHealth(h)
}

func (d *BlockDeviceDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

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

// Package codec implements the two redundancy schemes an extent's policy
// can select: N-way replication and systematic (k,m) Reed-Solomon erasure
// coding, plus the BLAKE3 extent checksum used to detect a decode (or an
// individually unverifiable fragment) that produced the wrong bytes.
package codec

import (
	"bytes"

	"github.com/klauspost/reedsolomon"
	"github.com/zeebo/blake3"

	"github.com/dynamicfs/dynamicfs/engineerr"
	"github.com/dynamicfs/dynamicfs/internal/extent"
)

// ExtentChecksum computes the 256-bit BLAKE3 digest of the pre-encoding
// extent payload, recorded so a later read can detect a decode that
// produced the wrong bytes.
func ExtentChecksum(data []byte) extent.Checksum {
	h := blake3.New()
	_, _ = h.Write(data)
	var sum extent.Checksum
	copy(sum[:], h.Sum(nil))
	return sum
}

// Encode splits data into the fragments prescribed by policy. Fragment
// ordering is deterministic: index i always identifies the same shard for
// a given policy, so placement and decode agree on what each index means.
func Encode(data []byte, policy extent.Policy) ([][]byte, error) {
	if err := policy.Validate(); err != nil {
		return nil, engineerr.Wrap(engineerr.InvalidArgument, err, "encode: invalid policy")
	}
	switch policy.Kind {
	case extent.KindReplication:
		return encodeReplication(data, policy.N), nil
	case extent.KindErasureCoded:
		return encodeErasureCoded(data, policy.K, policy.M)
	default:
		return nil, engineerr.New(engineerr.InvalidArgument, "encode: unknown policy kind %q", policy.Kind)
	}
}

func encodeReplication(data []byte, n int) [][]byte {
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		cp := make([]byte, len(data))
		copy(cp, data)
		out[i] = cp
	}
	return out
}

func encodeErasureCoded(data []byte, k, m int) ([][]byte, error) {
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.InvalidArgument, err, "encode: construct reed-solomon(%d,%d)", k, m)
	}
	shardSize := (len(data) + k - 1) / k
	if shardSize == 0 {
		shardSize = 1
	}
	padded := make([]byte, shardSize*k)
	copy(padded, data)

	shards := make([][]byte, k+m)
	for i := 0; i < k; i++ {
		shards[i] = padded[i*shardSize : (i+1)*shardSize]
	}
	for i := k; i < k+m; i++ {
		shards[i] = make([]byte, shardSize)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, err, "encode: reed-solomon encode")
	}
	return shards, nil
}

// Decode reconstructs the original bytes from the (possibly partial) set
// of present fragments. present maps fragment index -> payload for every
// fragment the caller could read, whether or not its bytes are actually
// intact; Decode is what verifies them. Besides the reconstructed data,
// it returns the indices of any present fragment it determined was
// corrupt (present but not used to produce the result) — the caller's
// only way to tell a fragment-level bit flip from a missing fragment,
// since a corrupt fragment reads back without an I/O error.
func Decode(present map[int][]byte, policy extent.Policy, originalLen int64, want extent.Checksum) ([]byte, []int, error) {
	if err := policy.Validate(); err != nil {
		return nil, nil, engineerr.Wrap(engineerr.InvalidArgument, err, "decode: invalid policy")
	}
	switch policy.Kind {
	case extent.KindReplication:
		return decodeReplication(present, originalLen, want)
	case extent.KindErasureCoded:
		return decodeErasureCoded(present, policy.K, policy.M, originalLen, want)
	default:
		return nil, nil, engineerr.New(engineerr.InvalidArgument, "decode: unknown policy kind %q", policy.Kind)
	}
}

// decodeReplication checks every present copy against the extent
// checksum rather than stopping at the first candidate, so a corrupt
// replica sitting ahead of a good one in map iteration order is still
// caught and reported instead of silently winning.
func decodeReplication(present map[int][]byte, originalLen int64, want extent.Checksum) ([]byte, []int, error) {
	var data []byte
	var rejected []int
	for idx, payload := range present {
		if int64(len(payload)) >= originalLen && ExtentChecksum(payload[:originalLen]) == want {
			if data == nil {
				data = payload[:originalLen]
			}
			continue
		}
		rejected = append(rejected, idx)
	}
	if data == nil {
		return nil, rejected, engineerr.New(engineerr.Unrecoverable, "decode: no replica verified against extent checksum")
	}
	return data, rejected, nil
}

func decodeErasureCoded(present map[int][]byte, k, m int, originalLen int64, want extent.Checksum) ([]byte, []int, error) {
	if len(present) < k {
		return nil, nil, engineerr.New(engineerr.Unrecoverable, "decode: have %d of %d required data shards", len(present), k)
	}
	if data, err := reconstructErasureCoded(present, k, m, originalLen, want); err == nil {
		return data, nil, nil
	}
	// The checksum over the straight reconstruction didn't match: one of
	// the present shards (data or parity) may be corrupted in place
	// rather than missing. Retry dropping each present shard in turn so
	// reed-solomon regenerates it instead of trusting its on-disk bytes.
	for idx := range present {
		trial := make(map[int][]byte, len(present)-1)
		for i, payload := range present {
			if i != idx {
				trial[i] = payload
			}
		}
		if len(trial) < k {
			continue
		}
		if data, err := reconstructErasureCoded(trial, k, m, originalLen, want); err == nil {
			return data, []int{idx}, nil
		}
	}
	return nil, nil, engineerr.New(engineerr.Unrecoverable, "decode: no subset of present shards verified against extent checksum")
}

func reconstructErasureCoded(present map[int][]byte, k, m int, originalLen int64, want extent.Checksum) ([]byte, error) {
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.InvalidArgument, err, "decode: construct reed-solomon(%d,%d)", k, m)
	}
	shardSize := 0
	for _, payload := range present {
		shardSize = len(payload)
		break
	}
	shards := make([][]byte, k+m)
	for idx, payload := range present {
		if idx < 0 || idx >= k+m {
			continue
		}
		shards[idx] = payload
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, engineerr.Wrap(engineerr.Unrecoverable, err, "decode: reed-solomon reconstruct")
	}
	buf := make([]byte, 0, shardSize*k)
	for i := 0; i < k; i++ {
		buf = append(buf, shards[i]...)
	}
	if int64(len(buf)) < originalLen {
		return nil, engineerr.New(engineerr.Unrecoverable, "decode: reconstructed data shorter than original length")
	}
	data := bytes.Clone(buf[:originalLen])
	if ExtentChecksum(data) != want {
		return nil, engineerr.New(engineerr.Unrecoverable, "decode: checksum mismatch after reconstruction")
	}
	return data, nil
}

// RegeneratedFragment rebuilds exactly the shard at index from whatever
// subset of the other shards is available, for the lazy-rebuild path.
// For replication this is simply a copy of any present survivor (not
// verified here; the caller passes only fragments it trusts); for
// erasure coding it is a targeted reconstruction.
func RegeneratedFragment(present map[int][]byte, policy extent.Policy, index int) ([]byte, error) {
	switch policy.Kind {
	case extent.KindReplication:
		for _, payload := range present {
			return bytes.Clone(payload), nil
		}
		return nil, engineerr.New(engineerr.Unrecoverable, "regenerate: no surviving replica")
	case extent.KindErasureCoded:
		enc, err := reedsolomon.New(policy.K, policy.M)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.InvalidArgument, err, "regenerate: construct reed-solomon")
		}
		shards := make([][]byte, policy.K+policy.M)
		for idx, payload := range present {
			if idx >= 0 && idx < len(shards) {
				shards[idx] = payload
			}
		}
		if err := enc.Reconstruct(shards); err != nil {
			return nil, engineerr.Wrap(engineerr.Unrecoverable, err, "regenerate: reconstruct")
		}
		if index < 0 || index >= len(shards) || shards[index] == nil {
			return nil, engineerr.New(engineerr.Unrecoverable, "regenerate: index %d not reconstructed", index)
		}
		return shards[index], nil
	default:
		return nil, engineerr.New(engineerr.InvalidArgument, "regenerate: unknown policy kind %q", policy.Kind)
	}
}

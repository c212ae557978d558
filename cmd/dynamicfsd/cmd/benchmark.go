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

package cmd

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type benchmarkReport struct {
	Iterations   int     `json:"iterations"`
	ObjectBytes  int     `json:"object_bytes"`
	WroteBytes   int64   `json:"wrote_bytes"`
	Elapsed      string  `json:"elapsed"`
	ThroughputMB float64 `json:"throughput_mb_per_sec"`
	Mismatches   int     `json:"verify_mismatches"`
}

// newBenchmarkCmd runs N iterations of write-then-read-verify against a
// throwaway file, printing a running MB/s figure (text mode only; with
// --json only the final report is printed).
func newBenchmarkCmd() *cobra.Command {
	var iterations int
	var objectSize int
	c := &cobra.Command{
		Use:   "benchmark",
		Short: "write-then-read-verify loop reporting throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			ctx := context.Background()
			report := benchmarkReport{Iterations: iterations, ObjectBytes: objectSize}
			start := time.Now()
			for i := 0; i < iterations; i++ {
				payload := make([]byte, objectSize)
				if _, err := rand.Read(payload); err != nil {
					return err
				}
				ino, err := eng.CreateFile()
				if err != nil {
					return err
				}
				if err := eng.WriteWhole(ctx, ino.ID, payload); err != nil {
					return fmt.Errorf("iteration %d write: %w", i, err)
				}
				got, err := eng.Read(ctx, ino.ID)
				if err != nil {
					return fmt.Errorf("iteration %d read: %w", i, err)
				}
				if !bytes.Equal(got, payload) {
					report.Mismatches++
				}
				report.WroteBytes += int64(objectSize)

				elapsed := time.Since(start)
				mb := float64(report.WroteBytes) / (1 << 20)
				rate := mb / elapsed.Seconds()
				if !jsonFlag {
					stdout("iteration %d/%d  %.2f MB/s\n", i+1, iterations, rate)
				}
			}
			elapsed := time.Since(start)
			report.Elapsed = elapsed.String()
			report.ThroughputMB = float64(report.WroteBytes) / (1 << 20) / elapsed.Seconds()
			text := fmt.Sprintf("wrote %d bytes in %s: %.2f MB/s, %d mismatch(es)\n",
				report.WroteBytes, report.Elapsed, report.ThroughputMB, report.Mismatches)
			printResult(report, text)
			return nil
		},
	}
	c.Flags().IntVar(&iterations, "iterations", 20, "number of write-then-read-verify rounds")
	c.Flags().IntVar(&objectSize, "object-bytes", 4<<20, "size in bytes of the synthetic object written each round")
	return c
}

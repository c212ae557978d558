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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dynamicfs/dynamicfs/internal/disk"
)

type statusReport struct {
	PoolRoot      string `json:"pool_root"`
	RootVersion   uint64 `json:"root_version"`
	DiskCount     int    `json:"disk_count"`
	ExtentCount   int    `json:"extent_count"`
	InodeCount    int    `json:"inode_count"`
	HealthyDisks  int    `json:"healthy_disks"`
	SuspectDisks  int    `json:"suspect_disks"`
	DegradedDisks int    `json:"degraded_disks"`
	DrainingDisks int    `json:"draining_disks"`
	FailedDisks   int    `json:"failed_disks"`
	DegradedExt   int    `json:"degraded_extents"`
	Unrecoverable int    `json:"unrecoverable_extents"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "summarize pool health: disk counts by state, extent counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			r := statusReport{PoolRoot: poolFlag, RootVersion: eng.Metastore().Version()}
			for _, d := range eng.Disks() {
				r.DiskCount++
				switch d.GetHealth() {
				case disk.Healthy:
					r.HealthyDisks++
				case disk.Suspect:
					r.SuspectDisks++
				case disk.Degraded:
					r.DegradedDisks++
				case disk.Draining:
					r.DrainingDisks++
				case disk.Failed:
					r.FailedDisks++
				}
			}
			for _, ext := range eng.Metastore().AllExtents() {
				r.ExtentCount++
				if ext.Degraded {
					r.DegradedExt++
				}
				if ext.Unrecoverable {
					r.Unrecoverable++
				}
			}
			r.InodeCount = len(eng.Metastore().AllInodeIDs())
			text := fmt.Sprintf(
				"pool:        %s\nroot version: %d\ndisks:       %d (healthy=%d suspect=%d degraded=%d draining=%d failed=%d)\nextents:     %d (degraded=%d unrecoverable=%d)\ninodes:      %d\n",
				r.PoolRoot, r.RootVersion, r.DiskCount, r.HealthyDisks, r.SuspectDisks, r.DegradedDisks, r.DrainingDisks, r.FailedDisks,
				r.ExtentCount, r.DegradedExt, r.Unrecoverable, r.InodeCount)
			printResult(r, text)
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "exit non-zero if any disk is Degraded, Draining, or Failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			bad := 0
			text := ""
			for _, d := range eng.Disks() {
				h := d.GetHealth()
				if h == disk.Degraded || h == disk.Draining || h == disk.Failed {
					bad++
					text += fmt.Sprintf("%s: %s\n", d.ID(), h)
				}
			}
			if bad > 0 {
				printResult(map[string]int{"unhealthy_disks": bad}, text)
				return fmt.Errorf("%d disk(s) unhealthy", bad)
			}
			printResult(map[string]int{"unhealthy_disks": 0}, "all disks healthy\n")
			return nil
		},
	}
}

func newMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "emit per-disk capacity and usage counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			type diskMetric struct {
				ID         string  `json:"id"`
				Capacity   uint64  `json:"capacity_bytes"`
				Used       uint64  `json:"used_bytes"`
				UsedRatio  float64 `json:"used_ratio"`
				Health     string  `json:"health"`
			}
			var metrics []diskMetric
			text := ""
			for _, d := range eng.Disks() {
				m := diskMetric{ID: d.ID().String(), Capacity: d.CapacityBytes(), Used: d.UsedBytes(), UsedRatio: d.UsedRatio(), Health: string(d.GetHealth())}
				metrics = append(metrics, m)
				text += fmt.Sprintf("%s used_ratio=%.4f used=%d capacity=%d health=%s\n", m.ID, m.UsedRatio, m.Used, m.Capacity, m.Health)
			}
			printResult(metrics, text)
			return nil
		},
	}
}

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
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dynamicfs/dynamicfs/internal/disk"
	"github.com/dynamicfs/dynamicfs/internal/extent"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "initialize a new, empty pool at --pool",
		RunE: func(c *cobra.Command, args []string) error {
			if err := os.MkdirAll(poolFlag, 0755); err != nil {
				return err
			}
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			_ = eng
			printResult(map[string]string{"pool": poolFlag, "status": "initialized"}, "pool initialized at "+poolFlag)
			return nil
		},
	}
}

func newAddDiskCmd() *cobra.Command {
	var capacity uint64
	var blockDevice bool
	c := &cobra.Command{
		Use:   "add-disk <path>",
		Short: "add a directory- or block-device-backed disk to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			var d disk.Disk
			var err error
			if blockDevice {
				d, err = disk.CreateBlockDeviceDisk(path, capacity)
			} else {
				d, err = disk.CreateDirectoryDisk(path, capacity)
			}
			if err != nil {
				return err
			}
			manifest, err := loadPoolManifest(poolFlag)
			if err != nil {
				return err
			}
			kind := disk.KindDirectory
			if blockDevice {
				kind = disk.KindBlockDevice
			}
			manifest.Disks = append(manifest.Disks, registeredDisk{Path: path, Kind: kind})
			if err := savePoolManifest(poolFlag, manifest); err != nil {
				return err
			}
			printResult(map[string]string{"disk_id": d.ID().String(), "path": path}, fmt.Sprintf("added disk %s at %s", d.ID(), path))
			return nil
		},
	}
	c.Flags().Uint64Var(&capacity, "capacity-bytes", 0, "capacity override; 0 autodiscovers")
	c.Flags().BoolVar(&blockDevice, "block-device", false, "create a raw block-device-backed disk instead of a directory")
	return c
}

func newRemoveDiskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-disk <disk-id>",
		Short: "remove a Failed disk from the pool registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := extent.ParseDiskID(args[0])
			if err != nil {
				return err
			}
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			removed, known := eng.Disk(id)
			if err := eng.RemoveDisk(id); err != nil {
				return err
			}
			manifest, err := loadPoolManifest(poolFlag)
			if err != nil {
				return err
			}
			kept := manifest.Disks[:0]
			for _, rd := range manifest.Disks {
				if known && removed.BackingPath() == rd.Path {
					continue
				}
				kept = append(kept, rd)
			}
			manifest.Disks = kept
			if err := savePoolManifest(poolFlag, manifest); err != nil {
				return err
			}
			printResult(map[string]string{"disk_id": id.String(), "status": "removed"}, "removed disk "+id.String())
			return nil
		},
	}
}

func newListDisksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-disks",
		Short: "list every disk registered in the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			type row struct {
				ID       string      `json:"id"`
				Kind     disk.Kind   `json:"kind"`
				Health   disk.Health `json:"health"`
				Capacity uint64      `json:"capacity_bytes"`
				Used     uint64      `json:"used_bytes"`
			}
			var rows []row
			text := ""
			for _, d := range eng.Disks() {
				rows = append(rows, row{ID: d.ID().String(), Kind: d.Kind(), Health: d.GetHealth(), Capacity: d.CapacityBytes(), Used: d.UsedBytes()})
				text += fmt.Sprintf("%s  %-12s %-9s %10d/%-10d\n", d.ID(), d.Kind(), d.GetHealth(), d.UsedBytes(), d.CapacityBytes())
			}
			printResult(rows, text)
			return nil
		},
	}
}

func newFailDiskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail-disk <disk-id>",
		Short: "mark a disk Failed, excluding it from all I/O",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setHealthCmd(args[0], disk.Failed)
		},
	}
}

func newSetDiskHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-disk-health <disk-id> <Healthy|Suspect|Degraded|Draining|Failed>",
		Short: "drive a disk's lifecycle state machine directly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setHealthCmd(args[0], disk.Health(args[1]))
		},
	}
}

func setHealthCmd(diskIDStr string, h disk.Health) error {
	id, err := extent.ParseDiskID(diskIDStr)
	if err != nil {
		return err
	}
	eng, err := openEngine(poolFlag)
	if err != nil {
		return err
	}
	if err := eng.SetDiskHealth(context.Background(), id, h); err != nil {
		return err
	}
	printResult(map[string]string{"disk_id": id.String(), "health": string(h)}, fmt.Sprintf("disk %s -> %s", id, h))
	return nil
}

func newProbeDisksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe-disks",
		Short: "run a health probe against every registered disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			type result struct {
				ID     string `json:"id"`
				Health string `json:"health"`
				Error  string `json:"error,omitempty"`
			}
			var results []result
			for _, d := range eng.Disks() {
				r := result{ID: d.ID().String()}
				if err := d.Probe(context.Background()); err != nil {
					r.Error = err.Error()
				}
				r.Health = string(d.GetHealth())
				results = append(results, r)
			}
			printResult(results, fmt.Sprintf("probed %d disks", len(results)))
			return nil
		},
	}
}

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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dynamicfs/dynamicfs/internal/disk"
	"github.com/dynamicfs/dynamicfs/internal/engine"
)

const poolManifestName = "pool.json"

// registeredDisk is one entry of the bootstrap manifest this CLI keeps
// at <pool>/pool.json, listing every disk add-disk has registered so a
// later invocation can rebuild the same disk registry.
type registeredDisk struct {
	Path string   `json:"path"`
	Kind disk.Kind `json:"kind"`
}

type poolManifest struct {
	Disks []registeredDisk `json:"disks"`
}

func poolManifestPath(poolRoot string) string {
	return filepath.Join(poolRoot, poolManifestName)
}

func loadPoolManifest(poolRoot string) (*poolManifest, error) {
	raw, err := os.ReadFile(poolManifestPath(poolRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return &poolManifest{}, nil
		}
		return nil, err
	}
	var m poolManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func savePoolManifest(poolRoot string, m *poolManifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(poolManifestPath(poolRoot), raw, 0644)
}

// openEngine rebuilds an *engine.Engine for poolRoot: opens the
// metadata store and re-attaches every disk listed in pool.json. The
// replica read-ordering strategy comes from the resolved config.
func openEngine(poolRoot string) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	eng, err := engine.Open(poolRoot, selectorStrategy(cfg))
	if err != nil {
		return nil, err
	}
	manifest, err := loadPoolManifest(poolRoot)
	if err != nil {
		return nil, err
	}
	for _, rd := range manifest.Disks {
		var d disk.Disk
		var err error
		switch rd.Kind {
		case disk.KindBlockDevice:
			d, err = disk.OpenBlockDeviceDisk(rd.Path)
		default:
			d, err = disk.OpenDirectoryDisk(rd.Path)
		}
		if err != nil {
			return nil, fmt.Errorf("reattach disk %s: %w", rd.Path, err)
		}
		if err := eng.AddDisk(d); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

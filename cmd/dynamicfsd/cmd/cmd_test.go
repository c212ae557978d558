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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamicfs/dynamicfs/internal/disk"
	"github.com/dynamicfs/dynamicfs/internal/selector"
	"github.com/dynamicfs/dynamicfs/util/config"
)

// withPoolFlags points the package-level flag variables at a fresh temp
// pool directory for the duration of one test and restores the prior
// values on cleanup, since every command reads poolFlag/configFlag
// directly rather than taking them as parameters.
func withPoolFlags(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prevPool, prevConfig, prevJSON := poolFlag, configFlag, jsonFlag
	poolFlag = filepath.Join(dir, "pool")
	configFlag = ""
	jsonFlag = false
	t.Cleanup(func() {
		poolFlag, configFlag, jsonFlag = prevPool, prevConfig, prevJSON
	})
	return poolFlag
}

func TestSelectorStrategyResolvesEachConfiguredValue(t *testing.T) {
	cases := map[string]selector.Strategy{
		"First":       selector.First,
		"LeastLoaded": selector.LeastLoaded,
		"RoundRobin":  selector.RoundRobin,
		"Smart":       selector.Smart,
		"garbage":     selector.Smart,
		"":            selector.Smart,
	}
	for raw, want := range cases {
		cfg := config.NewConfig()
		cfg.Set("selector_strategy", raw)
		assert.Equal(t, want, selectorStrategy(cfg))
	}
}

func TestLoadConfigFallsBackToEmptyWhenNothingConfigured(t *testing.T) {
	withPoolFlags(t)
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "", cfg.GetString("selector_strategy"))
}

func TestLoadConfigReadsPoolLocalDynamicfsJSON(t *testing.T) {
	poolRoot := withPoolFlags(t)
	require.NoError(t, os.MkdirAll(poolRoot, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(poolRoot, "dynamicfs.json"), []byte(`{"selector_strategy": "RoundRobin"}`), 0644))

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, selector.RoundRobin, selectorStrategy(cfg))
}

func TestLoadConfigPrefersExplicitConfigFlagOverPoolLocalFile(t *testing.T) {
	poolRoot := withPoolFlags(t)
	require.NoError(t, os.MkdirAll(poolRoot, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(poolRoot, "dynamicfs.json"), []byte(`{"selector_strategy": "First"}`), 0644))

	explicit := filepath.Join(t.TempDir(), "explicit.json")
	require.NoError(t, os.WriteFile(explicit, []byte(`{"selector_strategy": "LeastLoaded"}`), 0644))
	configFlag = explicit

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, selector.LeastLoaded, selectorStrategy(cfg))
}

func TestPoolManifestRoundTripsThroughDisk(t *testing.T) {
	poolRoot := withPoolFlags(t)
	require.NoError(t, os.MkdirAll(poolRoot, 0755))

	m, err := loadPoolManifest(poolRoot)
	require.NoError(t, err)
	assert.Empty(t, m.Disks)

	m.Disks = append(m.Disks, registeredDisk{Path: "/disks/a", Kind: disk.KindDirectory})
	require.NoError(t, savePoolManifest(poolRoot, m))

	reloaded, err := loadPoolManifest(poolRoot)
	require.NoError(t, err)
	require.Len(t, reloaded.Disks, 1)
	assert.Equal(t, "/disks/a", reloaded.Disks[0].Path)
}

func TestInitCmdCreatesPoolDirectory(t *testing.T) {
	poolRoot := withPoolFlags(t)
	require.NoError(t, newInitCmd().RunE(nil, nil))

	info, err := os.Stat(poolRoot)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAddDiskCmdRegistersDiskInManifestAndReattachesOnOpen(t *testing.T) {
	poolRoot := withPoolFlags(t)
	require.NoError(t, newInitCmd().RunE(nil, nil))

	diskPath := filepath.Join(t.TempDir(), "disk0")
	require.NoError(t, newAddDiskCmd().RunE(nil, []string{diskPath}))

	manifest, err := loadPoolManifest(poolRoot)
	require.NoError(t, err)
	require.Len(t, manifest.Disks, 1)
	assert.Equal(t, diskPath, manifest.Disks[0].Path)

	eng, err := openEngine(poolRoot)
	require.NoError(t, err)
	assert.Len(t, eng.Disks(), 1)
}

func TestRemoveDiskCmdRejectsNonFailedDisk(t *testing.T) {
	withPoolFlags(t)
	require.NoError(t, newInitCmd().RunE(nil, nil))

	diskPath := filepath.Join(t.TempDir(), "disk0")
	require.NoError(t, newAddDiskCmd().RunE(nil, []string{diskPath}))

	eng, err := openEngine(poolFlag)
	require.NoError(t, err)
	var diskID string
	for _, d := range eng.Disks() {
		diskID = d.ID().String()
	}
	require.NotEmpty(t, diskID)

	err = newRemoveDiskCmd().RunE(nil, []string{diskID})
	require.Error(t, err)
}

func TestStatusCmdReportsDiskAndExtentCounts(t *testing.T) {
	withPoolFlags(t)
	require.NoError(t, newInitCmd().RunE(nil, nil))
	diskPath := filepath.Join(t.TempDir(), "disk0")
	require.NoError(t, newAddDiskCmd().RunE(nil, []string{diskPath}))

	require.NoError(t, newStatusCmd().RunE(nil, nil))
}

func TestHealthCmdFailsWhenADiskIsUnhealthy(t *testing.T) {
	poolRoot := withPoolFlags(t)
	require.NoError(t, newInitCmd().RunE(nil, nil))
	diskPath := filepath.Join(t.TempDir(), "disk0")
	require.NoError(t, newAddDiskCmd().RunE(nil, []string{diskPath}))

	eng, err := openEngine(poolRoot)
	require.NoError(t, err)
	var diskID string
	for _, d := range eng.Disks() {
		diskID = d.ID().String()
	}

	require.NoError(t, newHealthCmd().RunE(nil, nil))

	require.NoError(t, setHealthCmd(diskID, disk.Degraded))
	require.Error(t, newHealthCmd().RunE(nil, nil))
}

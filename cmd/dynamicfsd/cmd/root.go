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
	"path"

	"github.com/spf13/cobra"

	"github.com/dynamicfs/dynamicfs/util/log"
)

const cmdRootShort = "DynamicFS pool administration CLI"

var (
	poolFlag   string
	jsonFlag   bool
	configFlag string
)

// NewRootCmd builds the dynamicfsd command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   path.Base(os.Args[0]),
		Short: cmdRootShort,
		Args:  cobra.MinimumNArgs(0),
	}
	root.PersistentFlags().StringVar(&poolFlag, "pool", ".", "pool root directory")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "emit a single JSON document instead of text")
	root.PersistentFlags().StringVar(&configFlag, "config", "", "JSON config file of pool-wide defaults (selector_strategy, scrub_rate, orphan_min_age_hours); defaults to <pool>/dynamicfs.json if present")

	root.AddCommand(
		newInitCmd(),
		newAddDiskCmd(),
		newRemoveDiskCmd(),
		newListDisksCmd(),
		newListExtentsCmd(),
		newShowRedundancyCmd(),
		newFailDiskCmd(),
		newSetDiskHealthCmd(),
		newMountCmd(),
		newScrubCmd(),
		newProbeDisksCmd(),
		newOrphanStatsCmd(),
		newCleanupOrphansCmd(),
		newStatusCmd(),
		newMetricsCmd(),
		newHealthCmd(),
		newBenchmarkCmd(),
	)
	return root
}

func stdout(format string, a ...interface{}) {
	_, _ = fmt.Fprintf(os.Stdout, format, a...)
}

func errout(format string, a ...interface{}) {
	log.LogErrorf(format+"\n", a...)
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
	OsExitWithLogFlush()
}

// OsExitWithLogFlush flushes the buffered logger before exiting so the
// last lines written aren't lost to a killed process.
func OsExitWithLogFlush() {
	log.LogFlush()
	os.Exit(1)
}

// printResult renders v as the command's sole output when --json is
// set, otherwise falls back to fallback (plain text already rendered
// by the caller).
func printResult(v interface{}, fallback string) {
	if jsonFlag {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			errout("marshal result: %v", err)
			return
		}
		stdout("%s\n", raw)
		return
	}
	stdout("%s\n", fallback)
}

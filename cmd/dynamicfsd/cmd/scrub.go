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
	"time"

	"github.com/spf13/cobra"

	"github.com/dynamicfs/dynamicfs/internal/scrub"
)

func newScrubCmd() *cobra.Command {
	var repair bool
	var rate float64
	c := &cobra.Command{
		Use:   "scrub",
		Short: "walk every extent, verifying fragment checksums",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("rate") {
				if cfg, cerr := loadConfig(); cerr == nil {
					if v := cfg.GetFloat64("scrub_rate"); v > 0 {
						rate = v
					}
				}
			}
			s := scrub.New(eng, repair, rate)
			if err := s.Run(context.Background()); err != nil {
				return err
			}
			c := s.Counters()
			text := fmt.Sprintf("scrubbed=%d issues_found=%d repairs_attempted=%d repairs_successful=%d\n",
				c.Scrubbed, c.IssuesFound, c.RepairsAttempted, c.RepairsSuccessful)
			printResult(c, text)
			return nil
		},
	}
	c.Flags().BoolVar(&repair, "repair", false, "rebuild any degraded extent found during the scan")
	c.Flags().Float64Var(&rate, "rate", scrub.DefaultRatePerSecond, "max extents verified per second")
	return c
}

func newOrphanStatsCmd() *cobra.Command {
	var minAgeHours int
	c := &cobra.Command{
		Use:   "orphan-stats",
		Short: "report fragments on disk with no referencing extent",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("min-age-hours") {
				if cfg, cerr := loadConfig(); cerr == nil {
					if v := cfg.GetInt64("orphan_min_age_hours"); v > 0 {
						minAgeHours = int(v)
					}
				}
			}
			stats, err := scrub.SweepOrphans(context.Background(), eng, time.Duration(minAgeHours)*time.Hour, false)
			if err != nil {
				return err
			}
			text := fmt.Sprintf("fragments_scanned=%d orphans_found=%d\n", stats.FragmentsScanned, stats.OrphansFound)
			printResult(stats, text)
			return nil
		},
	}
	c.Flags().IntVar(&minAgeHours, "min-age-hours", int(scrub.DefaultOrphanAge/time.Hour), "minimum fragment age to consider orphaned")
	return c
}

func newCleanupOrphansCmd() *cobra.Command {
	var minAgeHours int
	c := &cobra.Command{
		Use:   "cleanup-orphans",
		Short: "delete fragments with no referencing extent older than --min-age-hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("min-age-hours") {
				if cfg, cerr := loadConfig(); cerr == nil {
					if v := cfg.GetInt64("orphan_min_age_hours"); v > 0 {
						minAgeHours = int(v)
					}
				}
			}
			stats, err := scrub.SweepOrphans(context.Background(), eng, time.Duration(minAgeHours)*time.Hour, true)
			if err != nil {
				return err
			}
			text := fmt.Sprintf("fragments_scanned=%d orphans_removed=%d\n", stats.FragmentsScanned, stats.OrphansFound)
			printResult(stats, text)
			return nil
		},
	}
	c.Flags().IntVar(&minAgeHours, "min-age-hours", int(scrub.DefaultOrphanAge/time.Hour), "minimum fragment age before deletion")
	return c
}

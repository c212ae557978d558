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

	"github.com/dynamicfs/dynamicfs/internal/extent"
)

func newListExtentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-extents",
		Short: "list every extent the metadata store currently tracks",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			type row struct {
				ID            string         `json:"id"`
				Length        int64          `json:"length"`
				Policy        extent.Policy  `json:"policy"`
				Fragments     int            `json:"fragment_count"`
				Unrecoverable bool           `json:"unrecoverable"`
				Degraded      bool           `json:"degraded"`
			}
			var rows []row
			text := ""
			for _, ext := range eng.Metastore().AllExtents() {
				rows = append(rows, row{
					ID:            ext.ID.String(),
					Length:        ext.Length,
					Policy:        ext.Policy,
					Fragments:     len(ext.FragmentLocations),
					Unrecoverable: ext.Unrecoverable,
					Degraded:      ext.Degraded,
				})
				flag := " "
				if ext.Unrecoverable {
					flag = "U"
				} else if ext.Degraded {
					flag = "D"
				}
				text += fmt.Sprintf("%s %s  %-16s %10d bytes  %d frags\n", flag, ext.ID, policyLabel(ext.Policy), ext.Length, len(ext.FragmentLocations))
			}
			printResult(rows, text)
			return nil
		},
	}
}

func newShowRedundancyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-redundancy <extent-id>",
		Short: "show one extent's redundancy policy and fragment placement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := extent.ParseID(args[0])
			if err != nil {
				return err
			}
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			ext, err := eng.Metastore().GetExtent(id)
			if err != nil {
				return err
			}
			text := fmt.Sprintf("extent %s\n  policy:   %s\n  length:   %d\n  checksum: %s\n  tolerated losses: %d\n",
				ext.ID, policyLabel(ext.Policy), ext.Length, ext.Checksum, ext.Policy.ToleratedLosses())
			for _, loc := range ext.FragmentLocations {
				text += fmt.Sprintf("  fragment %d -> disk %s\n", loc.FragmentIndex, loc.DiskID)
			}
			printResult(ext, text)
			return nil
		},
	}
}

func policyLabel(p extent.Policy) string {
	if p.Kind == extent.KindErasureCoded {
		return fmt.Sprintf("ErasureCoded(%d,%d)", p.K, p.M)
	}
	return fmt.Sprintf("Replication(%d)", p.N)
}

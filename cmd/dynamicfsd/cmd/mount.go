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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dynamicfs/dynamicfs/util/log"
)

// newMountCmd opens the pool, running the crash-recovery scan described
// by the metadata store's Open path, then blocks in the foreground until
// signaled. The POSIX presentation layer itself is out of scope here;
// mount only brings the engine up and keeps it resident for the CLI
// verbs that assume a live pool.
func newMountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount",
		Short: "bring the pool up (recovery scan) and hold it resident in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(poolFlag)
			if err != nil {
				return err
			}
			printResult(map[string]interface{}{"pool": poolFlag, "root_version": eng.Metastore().Version(), "disks": len(eng.Disks())},
				fmt.Sprintf("pool %s mounted at root version %d, %d disk(s) attached", poolFlag, eng.Metastore().Version(), len(eng.Disks())))
			log.LogInfof("mount: pool %s up, %d disks attached", poolFlag, len(eng.Disks()))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			log.LogInfof("mount: received shutdown signal, exiting")
			return nil
		},
	}
}

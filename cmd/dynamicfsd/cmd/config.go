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

	"github.com/dynamicfs/dynamicfs/internal/selector"
	"github.com/dynamicfs/dynamicfs/util/config"
)

// loadConfig reads --config if set, falling back to <pool>/dynamicfs.json,
// and finally to an empty config whose getters all return zero values.
// It carries pool-wide defaults (replica selector strategy, scrub rate,
// orphan age) that individual CLI flags can still override per invocation.
func loadConfig() (*config.Config, error) {
	path := configFlag
	if path == "" {
		candidate := poolFlag + string(os.PathSeparator) + "dynamicfs.json"
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path == "" {
		return config.NewConfig(), nil
	}
	return config.LoadConfigFile(path)
}

// selectorStrategy resolves the replica read-ordering strategy from the
// config's "selector_strategy" key, defaulting to Smart.
func selectorStrategy(cfg *config.Config) selector.Strategy {
	switch cfg.GetString("selector_strategy") {
	case string(selector.First):
		return selector.First
	case string(selector.LeastLoaded):
		return selector.LeastLoaded
	case string(selector.RoundRobin):
		return selector.RoundRobin
	default:
		return selector.Smart
	}
}

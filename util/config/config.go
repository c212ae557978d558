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

// Package config provides a small JSON-backed configuration object with
// typed getters, in the shape cmd/dynamicfsd reads its pool-wide defaults
// file (dynamicfs.json) through.
package config

import (
	"encoding/json"
	"os"
	"strconv"
)

type Config struct {
	data map[string]interface{}
}

func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadConfigString(string(raw))
}

func LoadConfigString(raw string) (*Config, error) {
	c := &Config{data: make(map[string]interface{})}
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal([]byte(raw), &c.data); err != nil {
		return nil, err
	}
	return c, nil
}

func NewConfig() *Config {
	return &Config{data: make(map[string]interface{})}
}

func (c *Config) Set(key string, value interface{}) {
	c.data[key] = value
}

func (c *Config) GetString(key string) string {
	v, ok := c.data[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}

func (c *Config) GetInt64(key string) int64 {
	v, ok := c.data[key]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func (c *Config) GetBool(key string) bool {
	v, ok := c.data[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	default:
		return false
	}
}

func (c *Config) GetFloat64(key string) float64 {
	v, ok := c.data[key]
	if !ok {
		return 0
	}
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}

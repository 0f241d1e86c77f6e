// Copyright 2026 The MemSentry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the agent configuration file.
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/memsentry/memsentry/pkg/common/moerr"
	"github.com/memsentry/memsentry/pkg/logutil"
)

type Config struct {
	Heap HeapConfig        `toml:"heap"`
	Log  logutil.LogConfig `toml:"log"`
}

type HeapConfig struct {
	// Size is the guarded heap size in bytes, rounded up to a multiple
	// of the slab size at construction.
	Size uint64 `toml:"size"`
	// QuarantineRatio is the fraction of slabs the quarantine may hold
	// before the reaper evicts, in [0, 1].
	QuarantineRatio float64 `toml:"quarantine-ratio"`
	// ReapInterval is how often the quarantine reaper runs.
	ReapInterval duration `toml:"reap-interval"`
	// ReapWorkers is the disposal worker-pool size.
	ReapWorkers int `toml:"reap-workers"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return moerr.NewBadConfig("bad duration %q", string(text))
	}
	d.Duration = parsed
	return nil
}

func Default() *Config {
	return &Config{
		Heap: HeapConfig{
			Size:            64 << 20,
			QuarantineRatio: 0.25,
			ReapInterval:    duration{time.Second},
			ReapWorkers:     2,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, moerr.NewBadConfig("%s: %s", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Heap.Size == 0 {
		return moerr.NewBadConfig("heap size is zero")
	}
	if c.Heap.QuarantineRatio < 0 || c.Heap.QuarantineRatio > 1 {
		return moerr.NewInvalidArg("quarantine-ratio", c.Heap.QuarantineRatio)
	}
	if c.Heap.ReapInterval.Duration <= 0 {
		return moerr.NewBadConfig("reap-interval must be positive")
	}
	if c.Heap.ReapWorkers <= 0 {
		return moerr.NewBadConfig("reap-workers must be positive")
	}
	return nil
}

// Copyright 2026 The hostvm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vmconfig loads and validates the monitor's TOML
// configuration file.
package vmconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// maxVCPUs bounds the vCPU count; the rendezvous CPU set is a 64-bit
// mask.
const maxVCPUs = 64

// VM is the [vm] section.
type VM struct {
	// VCPUs is the virtual CPU count.
	VCPUs int `toml:"vcpus"`

	// MemoryMiB is the guest memory size in MiB.
	MemoryMiB int `toml:"memory_mib"`
}

// Disk is one [[disk]] entry.
type Disk struct {
	// Spec is the backend spec string understood by blockio.Open:
	// a path plus comma-separated options.
	Spec string `toml:"spec"`

	// Ident is the device identifier exposed to the guest.
	Ident string `toml:"ident"`

	// Boot marks the boot disk. At most one entry may set it.
	Boot bool `toml:"boot"`
}

// Log is the [log] section.
type Log struct {
	// Level is a logrus level name ("debug", "info", ...).
	Level string `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`
}

// Config is a fully parsed monitor configuration.
type Config struct {
	VM    VM     `toml:"vm"`
	Disks []Disk `toml:"disk"`
	Log   Log    `toml:"log"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vmconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates raw TOML.
func Parse(data []byte) (*Config, error) {
	c := &Config{
		VM:  VM{VCPUs: 1, MemoryMiB: 512},
		Log: Log{Level: "info", Format: "text"},
	}
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("vmconfig: decode: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("vmconfig: unknown key %q", undec[0].String())
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration's internal consistency.
func (c *Config) Validate() error {
	if c.VM.VCPUs < 1 || c.VM.VCPUs > maxVCPUs {
		return fmt.Errorf("vmconfig: vcpus must be in [1, %d], got %d", maxVCPUs, c.VM.VCPUs)
	}
	if c.VM.MemoryMiB < 1 {
		return fmt.Errorf("vmconfig: memory_mib must be positive, got %d", c.VM.MemoryMiB)
	}
	boot := 0
	for i, d := range c.Disks {
		if d.Spec == "" {
			return fmt.Errorf("vmconfig: disk %d: empty spec", i)
		}
		if d.Ident == "" {
			return fmt.Errorf("vmconfig: disk %d: empty ident", i)
		}
		if d.Boot {
			boot++
		}
	}
	if boot > 1 {
		return fmt.Errorf("vmconfig: %d boot disks, want at most one", boot)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("vmconfig: bad log level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("vmconfig: bad log format %q", c.Log.Format)
	}
	return nil
}

// ApplyLog configures the process-wide logger from the [log] section.
// Call it once, before anything logs.
func (c *Config) ApplyLog() {
	lv, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		// Validate already vetted the level.
		panic(err)
	}
	logrus.SetLevel(lv)
	if c.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{})
	}
}

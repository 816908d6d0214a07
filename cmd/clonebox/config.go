// Copyright 2024 Alexandre Mahdhaoui
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

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/wronai/clonebox/internal/types"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "CLONEBOX_CONFIG_PATH"
)

// Config holds the configuration for the clonebox CLI
type Config struct {
	// StoreRoot is the directory holding per-VM backing stores
	StoreRoot string `json:"storeRoot"`

	// BaseImage is the read-only image clones overlay
	BaseImage string `json:"baseImage"`

	// Network is the backend network clones attach to
	Network string `json:"network"`

	// Scope selects the backend instance: "user" or "system"
	Scope string `json:"scope"`

	// ComposeWorkers bounds concurrent compose member operations
	ComposeWorkers int `json:"composeWorkers"`

	// MaxMemoryMB and MaxVCPUs cap synthesized resource requests
	MaxMemoryMB int `json:"maxMemoryMB"`
	MaxVCPUs    int `json:"maxVCPUs"`

	// DevelopmentMode enables development logging
	DevelopmentMode bool `json:"developmentMode"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StoreRoot:       filepath.Join(home, ".local", "share", "clonebox"),
		BaseImage:       filepath.Join(home, ".local", "share", "clonebox", "base.qcow2"),
		Network:         "default",
		Scope:           string(types.ScopeUser),
		ComposeWorkers:  4,
		MaxMemoryMB:     16384,
		MaxVCPUs:        8,
		DevelopmentMode: false,
	}
}

// LoadConfig loads configuration from a JSON file path or returns defaults with env var overrides
// If configPath is empty, it uses environment variables only
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath == "" {
		configPath = os.Getenv(ConfigPathEnvKey)
	}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	config.applyEnvironmentOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("CLONEBOX_STORE_ROOT"); val != "" {
		c.StoreRoot = val
	}
	if val := os.Getenv("CLONEBOX_BASE_IMAGE"); val != "" {
		c.BaseImage = val
	}
	if val := os.Getenv("CLONEBOX_NETWORK"); val != "" {
		c.Network = val
	}
	if val := os.Getenv("CLONEBOX_SCOPE"); val != "" {
		c.Scope = val
	}
	if val := os.Getenv("CLONEBOX_COMPOSE_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.ComposeWorkers = n
		}
	}
	if val := os.Getenv("CLONEBOX_DEV_MODE"); val != "" {
		c.DevelopmentMode = val == "true" || val == "1" || val == "yes"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.StoreRoot == "" {
		errs = append(errs, errors.New("storeRoot cannot be empty"))
	}

	if c.BaseImage == "" {
		errs = append(errs, errors.New("baseImage cannot be empty"))
	}

	if c.Scope != string(types.ScopeUser) && c.Scope != string(types.ScopeSystem) {
		errs = append(errs, fmt.Errorf("scope must be %q or %q", types.ScopeUser, types.ScopeSystem))
	}

	if c.ComposeWorkers < 1 {
		errs = append(errs, errors.New("composeWorkers must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Copyright 2026 OpenBCH Developers
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

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "keeper.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	// PolicyFile is the governance policy the deployed covenants were
	// parameterized with.
	PolicyFile string `yaml:"policyFile"                                       split_words:"true"`
	// PolicyHash, when set, is the hex policy commitment the engine
	// verifies the loaded policy against before serving.
	PolicyHash string `yaml:"policyHash"           envconfig:"KEEPER_POLICY_HASH"`
	// DataDir holds the sqlite metadata store and the badger blob
	// store. Empty means fully in-memory (testing only).
	DataDir string `yaml:"dataDir"                                          split_words:"true"`
	// BroadcastURL is the endpoint finalized transactions are POSTed to
	// as raw hex.
	BroadcastURL    string `yaml:"broadcastUrl"         envconfig:"KEEPER_BROADCAST_URL"`
	MetricsAddr     string `yaml:"metricsAddr"                                      split_words:"true"`
	MetricsPort     uint   `yaml:"metricsPort"                                      split_words:"true"`
	ShutdownTimeout string `yaml:"shutdownTimeout"                                  split_words:"true"`
	// FeeRatePerKB is the fee rate applied to built transactions, in
	// satoshis per 1000 bytes.
	FeeRatePerKB uint64 `yaml:"feeRatePerKb"         envconfig:"KEEPER_FEE_RATE_PER_KB"`
	// SessionExpiry bounds how long a signing session may collect
	// signatures before its UTXO soft-locks release.
	SessionExpiry        string `yaml:"sessionExpiry"                               split_words:"true"`
	SessionSweepInterval string `yaml:"sessionSweepInterval"                        split_words:"true"`
}

var globalConfig = &Config{
	PolicyFile:           "policy.yaml",
	DataDir:              ".keeper",
	MetricsAddr:          "0.0.0.0",
	MetricsPort:          12798,
	ShutdownTimeout:      DefaultShutdownTimeout,
	FeeRatePerKB:         1000,
	SessionExpiry:        "24h",
	SessionSweepInterval: "1m",
}

// LoadConfig reads the optional YAML config file, overlays environment
// variables, and validates the result. An empty configFile falls back to
// ~/.keeper/keeper.yaml and then /etc/keeper/keeper.yaml.
func LoadConfig(configFile string) (*Config, error) {
	if configFile == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".keeper", "keeper.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
		if configFile == "" {
			systemPath := "/etc/keeper/keeper.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	if err := envconfig.Process("keeper", globalConfig); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := globalConfig.Validate(); err != nil {
		return nil, err
	}
	return globalConfig, nil
}

// Validate checks the durations and hash parse and the fee rate is sane.
func (c *Config) Validate() error {
	if c.PolicyFile == "" {
		return fmt.Errorf("policyFile is required")
	}
	if _, err := time.ParseDuration(c.ShutdownTimeout); err != nil {
		return fmt.Errorf("invalid shutdownTimeout: %w", err)
	}
	expiry, err := time.ParseDuration(c.SessionExpiry)
	if err != nil {
		return fmt.Errorf("invalid sessionExpiry: %w", err)
	}
	if expiry <= 0 {
		return fmt.Errorf("sessionExpiry must be positive")
	}
	sweep, err := time.ParseDuration(c.SessionSweepInterval)
	if err != nil {
		return fmt.Errorf("invalid sessionSweepInterval: %w", err)
	}
	if sweep <= 0 {
		return fmt.Errorf("sessionSweepInterval must be positive")
	}
	if c.FeeRatePerKB == 0 {
		return fmt.Errorf("feeRatePerKb must be positive")
	}
	if c.PolicyHash != "" && len(c.PolicyHash) != 64 {
		return fmt.Errorf(
			"policyHash must be 64 hex characters, got %d",
			len(c.PolicyHash),
		)
	}
	return nil
}

func GetConfig() *Config {
	return globalConfig
}

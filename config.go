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

package keeper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openbch/keeper/policy"
	"github.com/openbch/keeper/session"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	promRegistry prometheus.Registerer
	logger       *slog.Logger
	policy       *policy.Policy
	broadcaster  session.Broadcaster
	dataDir      string
	// policyCommitment, when set, is the 32-byte hash the loaded policy
	// must match before the engine serves anything.
	policyCommitment     [32]byte
	verifyPolicy         bool
	feeRatePerKB         uint64
	sessionExpiry        time.Duration
	sessionSweepInterval time.Duration
	shutdownTimeout      time.Duration
}

func (n *Node) configValidate() error {
	if n.config.policy == nil {
		return errors.New("no policy configured")
	}
	if err := n.config.policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	if n.config.broadcaster == nil {
		return errors.New("no broadcaster configured")
	}
	if n.config.verifyPolicy {
		if err := n.config.policy.Verify(n.config.policyCommitment); err != nil {
			return err
		}
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the
// engine config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new keeper config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies the prometheus registerer for engine
// metrics. This defaults to no metrics
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithDataDir specifies the persistent data directory to use. The default
// is to store everything in memory
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithPolicy specifies the governance policy the deployed covenants were
// parameterized with
func WithPolicy(pol *policy.Policy) ConfigOptionFunc {
	return func(c *Config) {
		c.policy = pol
	}
}

// WithPolicyCommitment specifies the expected policy hash. Startup fails
// if the configured policy does not hash to this value
func WithPolicyCommitment(commitment [32]byte) ConfigOptionFunc {
	return func(c *Config) {
		c.policyCommitment = commitment
		c.verifyPolicy = true
	}
}

// WithBroadcaster specifies the transaction broadcast sink for finalized
// signing sessions
func WithBroadcaster(b session.Broadcaster) ConfigOptionFunc {
	return func(c *Config) {
		c.broadcaster = b
	}
}

// WithFeeRatePerKB specifies the fee rate for built transactions in
// satoshis per 1000 bytes. This defaults to 1000 (1 sat/byte)
func WithFeeRatePerKB(feeRate uint64) ConfigOptionFunc {
	return func(c *Config) {
		c.feeRatePerKB = feeRate
	}
}

// WithSessionExpiry specifies how long signing sessions may collect
// signatures before their UTXO soft-locks release
func WithSessionExpiry(expiry time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.sessionExpiry = expiry
	}
}

// WithSessionSweepInterval specifies how often expired sessions are swept
func WithSessionSweepInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.sessionSweepInterval = interval
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}

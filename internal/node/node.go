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

package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openbch/keeper"
	"github.com/openbch/keeper/internal/config"
	"github.com/openbch/keeper/policy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")

	if cfg.BroadcastURL == "" {
		return fmt.Errorf("broadcastUrl is required")
	}
	pol, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	// Parse shutdown timeout
	shutdownTimeout := 30 * time.Second // Default timeout
	if cfg.ShutdownTimeout != "" {
		var err error
		shutdownTimeout, err = time.ParseDuration(cfg.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid shutdown timeout: %w", err)
		}
	}
	sessionExpiry, err := time.ParseDuration(cfg.SessionExpiry)
	if err != nil {
		return fmt.Errorf("invalid session expiry: %w", err)
	}
	sweepInterval, err := time.ParseDuration(cfg.SessionSweepInterval)
	if err != nil {
		return fmt.Errorf("invalid session sweep interval: %w", err)
	}

	opts := []keeper.ConfigOptionFunc{
		keeper.WithLogger(logger),
		keeper.WithDataDir(cfg.DataDir),
		keeper.WithPolicy(pol),
		keeper.WithBroadcaster(newHTTPBroadcaster(cfg.BroadcastURL, logger)),
		keeper.WithFeeRatePerKB(cfg.FeeRatePerKB),
		keeper.WithSessionExpiry(sessionExpiry),
		keeper.WithSessionSweepInterval(sweepInterval),
		keeper.WithShutdownTimeout(shutdownTimeout),
		// Enable metrics with default prometheus registry
		keeper.WithPrometheusRegistry(prometheus.DefaultRegisterer),
	}
	if cfg.PolicyHash != "" {
		raw, err := hex.DecodeString(cfg.PolicyHash)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("invalid policy hash: %q", cfg.PolicyHash)
		}
		var expected [32]byte
		copy(expected[:], raw)
		opts = append(opts, keeper.WithPolicyCommitment(expected))
	}

	k, err := keeper.New(keeper.NewConfig(opts...))
	if err != nil {
		return err
	}

	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+fmt.Sprintf(
			"%s:%d",
			cfg.MetricsAddr,
			cfg.MetricsPort,
		),
		"component",
		"node",
	)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.MetricsAddr,
			cfg.MetricsPort,
		),
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "node",
			)
			os.Exit(1)
		}
	}()

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run engine in goroutine
	errChan := make(chan error, 1)
	go func() {
		//nolint:contextcheck
		err := k.Run(signalCtx)
		select {
		case errChan <- err:
		case <-signalCtx.Done():
		}
	}()

	// Wait for signal or error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")

		// Shutdown metrics server
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}

		// Shutdown engine
		if err := k.Stop(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil

	case err := <-errChan:
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error(
				"metrics server shutdown error",
				"error",
				shutdownErr,
			)
		}
		if stopErr := k.Stop(); stopErr != nil {
			logger.Error("shutdown errors occurred", "error", stopErr)
		}
		if err != nil {
			logger.Error("engine error", "error", err)
		}
		return err
	}
}

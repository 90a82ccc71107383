// Copyright 2026 Quay Labs
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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pylon "github.com/quaylabs-io/pylon"
	"github.com/quaylabs-io/pylon/api"
	"github.com/quaylabs-io/pylon/governance"
	"github.com/quaylabs-io/pylon/internal/config"
)

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "daemon")

	// Parse shutdown timeout
	shutdownTimeout := 30 * time.Second // Default timeout
	if cfg.ShutdownTimeout != "" {
		var err error
		shutdownTimeout, err = time.ParseDuration(cfg.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid shutdown timeout: %w", err)
		}
	}

	proxy, err := pylon.New(
		pylon.NewConfig(
			pylon.WithLogger(logger),
			pylon.WithDataDir(cfg.DataDir),
			pylon.WithAuditDataDir(cfg.AuditDataDir),
			pylon.WithAuditDisabled(cfg.AuditDisabled),
			// Enable metrics with default prometheus registry
			pylon.WithPrometheusRegistry(prometheus.DefaultRegisterer),
		),
	)
	if err != nil {
		return err
	}

	// Seed governance on first start when configured. An existing
	// configuration wins; re-initialization is not an error here.
	if cfg.AutoInitialize {
		err := proxy.Initialize(
			context.Background(),
			cfg.Admins,
			cfg.Threshold,
			cfg.DelaySeconds,
		)
		if err != nil && !errors.Is(err, governance.ErrAlreadyInitialized) {
			if closeErr := proxy.Close(); closeErr != nil {
				logger.Error("proxy close error", "error", closeErr)
			}
			return fmt.Errorf("failed to initialize governance: %w", err)
		}
	}

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Admin API listener
	apiServer := api.New(
		api.ServerConfig{
			ListenAddress: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.ApiPort),
		},
		proxy,
		logger,
	)
	if err := apiServer.Start(signalCtx); err != nil {
		if closeErr := proxy.Close(); closeErr != nil {
			logger.Error("proxy close error", "error", closeErr)
		}
		return err
	}

	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		"component", "daemon",
	)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "daemon",
			)
			os.Exit(1)
		}
	}()

	<-signalCtx.Done()
	logger.Info("signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		shutdownTimeout,
	)
	defer cancel()
	var shutdownErr error
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := proxy.Close(); err != nil {
		logger.Error("proxy shutdown error", "error", err)
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if shutdownErr != nil {
		return shutdownErr
	}
	logger.Info("shutdown complete")
	return nil
}

// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/moondream-worker/internal/errors"
	"github.com/kraklabs/moondream-worker/internal/ui"
	"github.com/kraklabs/moondream-worker/pkg/embedding"
	"github.com/kraklabs/moondream-worker/pkg/imageprep"
	"github.com/kraklabs/moondream-worker/pkg/tags"
	"github.com/kraklabs/moondream-worker/pkg/vlm"
	"github.com/kraklabs/moondream-worker/pkg/worker"
)

// runWorker executes the 'run' CLI command, the long-lived enrichment daemon.
//
// It polls the shared SQLite queue and enriches one asset per cycle:
// caption, detect-verified tags with bounding boxes, segmentation masks,
// a caption embedding, and a display name. The loop runs until SIGINT or
// SIGTERM.
//
// Flags:
//   - --debug: Enable debug logging (default: false)
//   - --metrics-addr: HTTP address for Prometheus metrics (default: disabled)
//   - --retry-failed: Flip failed assets back to pending before polling
//
// Examples:
//
//	moondream-worker run                       Run against the local Station
//	moondream-worker run --retry-failed       Also retry previously failed assets
//	moondream-worker run --metrics-addr :9090  Expose /metrics
func runWorker(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")
	retryFailed := fs.Bool("retry-failed", false, "Requeue failed assets before polling")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: moondream-worker run [options]

Description:
  Start the enrichment daemon. The worker polls the shared SQLite
  database for pending assets and runs each one through the configured
  vision-language model: caption, object tags verified by detection,
  segmentation outlines, a caption embedding for similarity search, and
  a human-readable display name.

  Each poll cycle opens a fresh database connection so the worker stays
  a polite guest next to the desktop app. Transient model errors (queue
  full, timeouts) put the asset back in the queue; anything else marks
  it failed.

  Stop with Ctrl-C or SIGTERM; the current asset finishes first.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Run against a locally installed Moondream Station
  moondream-worker run

  # Retry assets that failed on a previous pass
  moondream-worker run --retry-failed

  # Enable debug logging and expose Prometheus metrics
  moondream-worker run --debug --metrics-addr :9090

Notes:
  The worker creates its own tables (asset_embeddings, asset_segments)
  on first contact. Several workers can share one database.

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	// Load configuration
	cfg, cfgPath, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON) // LoadConfig returns UserError
	}
	if *retryFailed {
		cfg.Worker.RetryFailed = true
	}

	// Setup logging
	logLevel := slog.LevelInfo
	if *debug || globals.Verbose >= 2 {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Start Prometheus metrics endpoint (optional)
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			logger.Info("metrics.http.start", "addr", *metricsAddr, "path", "/metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics.http.error", "err", err)
			}
		}()
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown.signal", "signal", sig.String())
		cancel()
	}()

	dbPath := resolveDBPath(cfg.DBPath, cfgPath)

	w, err := buildWorker(cfg, dbPath, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if !globals.Quiet {
		ui.Header("Moondream Worker")
		fmt.Printf("%s %s\n", ui.Label("Database:"), dbPath)
		fmt.Printf("%s %s\n", ui.Label("Provider:"), providerSummary(cfg))
		fmt.Println()
	}

	if err := w.Run(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
		errors.FatalError(errors.NewDatabaseError(
			"Worker stopped unexpectedly",
			err.Error(),
			fmt.Sprintf("Check that %s exists and is a Moondream database", dbPath),
			err,
		), globals.JSON)
	}

	if !globals.Quiet {
		ui.Success("Worker stopped")
	}
}

// buildWorker wires the configured providers into a Worker.
func buildWorker(cfg *Config, dbPath string, logger *slog.Logger) (*worker.Worker, error) {
	prep := imageprep.New(cfg.Image.MaxSide, cfg.Image.Quality, cfg.Image.RawBytes)

	provider, err := vlm.New(vlm.Config{
		Provider:    cfg.Provider.Name,
		Endpoint:    cfg.Provider.Endpoint,
		RemoteURL:   cfg.Provider.RemoteURL,
		RemoteToken: cfg.Provider.RemoteToken,
		Prep:        prep,
	})
	if err != nil {
		return nil, errors.NewConfigError(
			"Invalid provider configuration",
			err.Error(),
			"Set MOONDREAM_PROVIDER to local_station or remote; remote also needs MOONDREAM_REMOTE_URL",
			err,
		)
	}

	wcfg := worker.Config{
		DBPath:        dbPath,
		PollInterval:  secondsToDuration(cfg.Worker.PollSeconds),
		RetryBackoff:  secondsToDuration(cfg.Worker.RetryBackoffSeconds),
		CaptionLength: cfg.Worker.CaptionLength,
		Tags: tags.Config{
			Mode:    cfg.Tags.Mode,
			MaxTags: cfg.Tags.MaxTags,
		},
		GenerateNames: cfg.Naming.GenerateNames,
		CreateAlias:   cfg.Naming.CreateAlias,
		NameMode:      cfg.Naming.Mode,
		RetryFailed:   cfg.Worker.RetryFailed,
	}

	return worker.New(wcfg, provider, buildEncoder(cfg, logger), logger), nil
}

// buildEncoder maps the embedding provider name to an implementation.
// Unknown names disable embeddings rather than kill the daemon; captions
// and tags are worth more than vectors.
func buildEncoder(cfg *Config, logger *slog.Logger) *embedding.Lazy {
	switch cfg.Embedding.Provider {
	case "", "ollama":
		return embedding.NewLazy(embedding.NewOllamaProvider(cfg.Embedding.BaseURL, cfg.Embedding.Model, logger), logger)
	case "mock":
		return embedding.NewLazy(&embedding.MockProvider{}, logger)
	case "off", "none", "disabled":
		return embedding.NewLazy(nil, logger)
	default:
		logger.Warn("embedding.provider.unknown", "provider", cfg.Embedding.Provider)
		return embedding.NewLazy(nil, logger)
	}
}

// providerSummary is the one-line provider description for banners.
func providerSummary(cfg *Config) string {
	if cfg.Provider.Name == vlm.ProviderRemote {
		return fmt.Sprintf("remote (%s)", cfg.Provider.RemoteURL)
	}
	return fmt.Sprintf("local_station (%s)", cfg.Provider.Endpoint)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

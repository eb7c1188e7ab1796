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
	"github.com/kraklabs/moondream-worker/internal/output"
	"github.com/kraklabs/moondream-worker/internal/ui"
	"github.com/kraklabs/moondream-worker/pkg/storage"
	"github.com/kraklabs/moondream-worker/pkg/worker"
)

// DrainResult is the JSON shape of a completed drain.
type DrainResult struct {
	Enriched    int  `json:"enriched"`
	Failed      int  `json:"failed"`
	Remaining   int  `json:"remaining"`
	Interrupted bool `json:"interrupted"`
}

// runDrain executes the 'drain' CLI command: work through the queue once.
//
// Unlike 'run' it exits when a poll finds no job, so it suits cron jobs
// and batch imports. A progress bar tracks the backlog counted at start.
//
// Flags:
//   - --debug: Enable debug logging (default: false)
//   - --metrics-addr: HTTP address for Prometheus metrics (default: disabled)
//   - --retry-failed: Requeue failed assets before draining
//
// Examples:
//
//	moondream-worker drain
//	moondream-worker drain --retry-failed
func runDrain(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("drain", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")
	retryFailed := fs.Bool("retry-failed", false, "Requeue failed assets before draining")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: moondream-worker drain [options]

Description:
  Process queued assets until the queue is empty, then exit. Each asset
  gets the full enrichment pass: caption, verified object tags,
  segmentation outlines, caption embedding and display name.

  Assets bounced by transient model errors (busy station, timeouts) go
  back into the queue; if the backend keeps rejecting work the drain
  stops instead of spinning, leaving the rest for the next attempt.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Work through the backlog after a bulk import
  moondream-worker drain

  # Retry previously failed assets too
  moondream-worker drain --retry-failed

  # Machine-readable summary
  moondream-worker drain --json

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	// Load configuration
	cfg, cfgPath, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
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

	// Opening a missing path would create an empty database file; the
	// desktop app owns database creation, so bail out politely instead.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		if globals.JSON {
			_ = output.JSON(DrainResult{})
			return
		}
		ui.Warningf("No database at %s", dbPath)
		ui.Info("Set MOONDREAM_DB_PATH or start the Moondream app once to create it.")
		return
	}

	depth := queueDepthForBar(ctx, dbPath, cfg.Worker.RetryFailed, logger, globals)

	w, err := buildWorker(cfg, dbPath, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	bar := NewProgressBar(NewProgressConfig(globals), int64(depth), "Enriching assets")

	var enriched, failed int
	interrupted := false
	requeuedOnce := make(map[string]bool)

drainLoop:
	for {
		if ctx.Err() != nil {
			interrupted = true
			break
		}

		res, err := w.RunOnce(ctx)
		if err != nil {
			if stderrors.Is(err, context.Canceled) {
				interrupted = true
				break
			}
			if bar != nil {
				_ = bar.Finish()
			}
			errors.FatalError(errors.NewDatabaseError(
				"Drain stopped unexpectedly",
				err.Error(),
				fmt.Sprintf("Check that %s is a Moondream database", dbPath),
				err,
			), globals.JSON)
		}
		if !res.Processed {
			break
		}

		switch res.Outcome {
		case worker.OutcomeDone:
			enriched++
			logInfo(globals, "enriched %s (%d tags, %s)", res.AssetID, res.TagCount, res.Duration.Round(time.Millisecond))
		case worker.OutcomeFailed:
			failed++
			logError(globals, "failed %s", res.AssetID)
		case worker.OutcomeRequeued:
			// Second bounce for the same asset means the backend is not
			// recovering within this drain. Leave the rest queued.
			if requeuedOnce[res.AssetID] {
				if !globals.Quiet {
					ui.Warning("Model keeps rejecting work, leaving remaining assets queued")
				}
				break drainLoop
			}
			requeuedOnce[res.AssetID] = true
			continue
		}

		if bar != nil {
			_ = bar.Add(1)
		}
	}

	if bar != nil {
		_ = bar.Finish()
	}

	remaining := remainingQueue(dbPath)
	result := DrainResult{Enriched: enriched, Failed: failed, Remaining: remaining, Interrupted: interrupted}

	if globals.JSON {
		if err := output.JSON(result); err != nil {
			errors.FatalError(err, true)
		}
		return
	}
	printDrainSummary(result)
}

// queueDepthForBar counts the backlog before draining, optionally after
// flipping failed assets back to pending. Errors degrade to a bar-less
// drain; the loop itself surfaces anything real.
func queueDepthForBar(ctx context.Context, dbPath string, retryFailed bool, logger *slog.Logger, globals GlobalFlags) int {
	store, err := storage.Open(dbPath)
	if err != nil {
		return 0
	}
	defer func() { _ = store.Close() }()

	if retryFailed {
		if n, err := store.RequeueFailed(ctx); err == nil && n > 0 {
			logger.Info("worker.requeue", "count", n)
			if !globals.Quiet {
				ui.Infof("Requeued %d failed assets", n)
			}
		}
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return 0
	}
	return counts[storage.StatusPending] + counts[storage.StatusProcessing]
}

// remainingQueue reports what is still pending after the drain.
func remainingQueue(dbPath string) int {
	store, err := storage.Open(dbPath)
	if err != nil {
		return 0
	}
	defer func() { _ = store.Close() }()

	depth, err := store.QueueDepth(context.Background())
	if err != nil {
		return 0
	}
	return depth
}

// printDrainSummary prints the drain result summary to stdout.
func printDrainSummary(result DrainResult) {
	fmt.Println()

	if result.Enriched == 0 && result.Failed == 0 && result.Remaining == 0 {
		ui.Header("Queue Empty")
		_, _ = ui.Green.Println("No assets waiting for enrichment.")
		return
	}

	if result.Interrupted {
		ui.Header("Drain Interrupted")
	} else {
		ui.Header("Drain Complete")
	}
	fmt.Printf("%s %s\n", ui.Label("Enriched:"), ui.CountText(result.Enriched))
	if result.Failed > 0 {
		fmt.Printf("%s %s\n", ui.Label("Failed:"), ui.Red.Sprint(result.Failed))
	}
	if result.Remaining > 0 {
		fmt.Printf("%s %d\n", ui.Label("Still queued:"), result.Remaining)
	}
	fmt.Println()
	if result.Failed > 0 {
		ui.Info("Retry failed assets with 'moondream-worker drain --retry-failed'.")
	}
	if result.Remaining > 0 {
		ui.Info("Run 'moondream-worker drain' again or keep 'moondream-worker run' going to finish the queue.")
	}
}

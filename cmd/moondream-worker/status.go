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
	"encoding/json"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/moondream-worker/internal/errors"
	"github.com/kraklabs/moondream-worker/internal/ui"
	"github.com/kraklabs/moondream-worker/pkg/storage"
)

// StatusResult represents the queue status for JSON output.
type StatusResult struct {
	DBPath     string    `json:"db_path"`
	Connected  bool      `json:"connected"`
	Pending    int       `json:"pending"`
	Processing int       `json:"processing"`
	Done       int       `json:"done"`
	Failed     int       `json:"failed"`
	Embeddings int       `json:"embeddings"`
	Segments   int       `json:"segments"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// runStatus executes the 'status' CLI command, displaying queue statistics.
//
// It counts assets by enrichment status plus the embedding and segment
// rows the worker has written. The desktop app polls this with --json.
//
// Global flags from main:
//   - --json: Output results as JSON (from globals.JSON)
//   - --quiet: Suppress non-essential output (from globals.Quiet)
//
// Examples:
//
//	moondream-worker status           Display formatted status
//	moondream-worker status --json    Output as JSON for programmatic use
func runStatus(args []string, configPath string, globals GlobalFlags) {
	cfg, cfgPath, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	fs := flag.NewFlagSet("status", flag.ExitOnError)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: moondream-worker status [options]

Description:
  Display the state of the enrichment queue: how many assets are
  pending, processing, done and failed, plus how many embeddings and
  segmentation rows the worker has written.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Show human-readable status
  moondream-worker status

  # Output as JSON for programmatic use
  moondream-worker status --json

  # Pipe to jq for specific field extraction
  moondream-worker status --json | jq '.pending'

Output Fields:
  - Pending:       Assets waiting for enrichment
  - Processing:    Assets currently being enriched
  - Done:          Assets fully enriched
  - Failed:        Assets whose enrichment failed
  - Embeddings:    Caption embeddings stored for similarity search
  - Segments:      Per-tag segmentation rows stored

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dbPath := resolveDBPath(cfg.DBPath, cfgPath)

	result := &StatusResult{
		DBPath:    dbPath,
		Timestamp: time.Now(),
	}

	// Check if the database exists. Opening would create an empty file,
	// and the desktop app owns database creation.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		result.Connected = false
		result.Error = "No database found. Start the Moondream app once to create it."
		if globals.JSON {
			outputStatusJSON(result)
		} else {
			ui.Warningf("No database at %s", dbPath)
			ui.Info("Start the Moondream app once, or set MOONDREAM_DB_PATH.")
		}
		os.Exit(0)
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot open Moondream database",
			"The database file may be corrupted, locked by another process, or permission denied",
			"Close other workers and try again",
			err,
		), globals.JSON)
	}
	defer func() { _ = store.Close() }()

	result.Connected = true
	ctx := context.Background()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot read queue status",
			"Failed to count assets by status",
			"Check that the database belongs to a Moondream project",
			err,
		), globals.JSON)
	}
	result.Pending = counts[storage.StatusPending]
	result.Processing = counts[storage.StatusProcessing]
	result.Done = counts[storage.StatusDone]
	result.Failed = counts[storage.StatusFailed]

	// Worker-owned tables may not exist before the first run; both
	// counters treat that as zero.
	result.Embeddings, _ = store.CountEmbeddings(ctx)
	result.Segments, _ = store.CountSegments(ctx)

	if globals.JSON {
		outputStatusJSON(result)
	} else {
		printStatus(result)
	}
}

// outputStatusJSON writes the status result as formatted JSON to stdout.
func outputStatusJSON(result *StatusResult) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
}

// printStatus prints the status result as formatted text to stdout.
func printStatus(result *StatusResult) {
	ui.Header("Moondream Queue Status")
	fmt.Printf("%s %s\n", ui.Label("Database:"), ui.DimText(result.DBPath))
	fmt.Println()

	ui.SubHeader("Assets:")
	fmt.Printf("  Pending:       %s\n", ui.CountText(result.Pending))
	fmt.Printf("  Processing:    %s\n", ui.CountText(result.Processing))
	fmt.Printf("  Done:          %s\n", ui.CountText(result.Done))
	fmt.Printf("  Failed:        %s\n", ui.CountText(result.Failed))
	fmt.Println()

	ui.SubHeader("Enrichment:")
	fmt.Printf("  Embeddings:    %s\n", ui.CountText(result.Embeddings))
	fmt.Printf("  Segments:      %s\n", ui.CountText(result.Segments))

	if result.Failed > 0 {
		fmt.Println()
		ui.Warningf("%d assets failed enrichment. Retry with 'moondream-worker drain --retry-failed'.", result.Failed)
	}
	if result.Error != "" {
		fmt.Println()
		ui.Warning(result.Error)
	}
}

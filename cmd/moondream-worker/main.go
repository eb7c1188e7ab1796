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
	"fmt"
	"os"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/moondream-worker/internal/ui"
)

// Version information (set by ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// GlobalFlags holds the global CLI flags that apply to all commands.
type GlobalFlags struct {
	JSON    bool // Output in JSON format (for applicable commands)
	NoColor bool // Disable color output
	Verbose int  // Verbosity level: 0=normal, 1=-v (info), 2=-vv (debug)
	Quiet   bool // Suppress non-essential output (progress, info messages)
}

// logInfo outputs an informational message to stderr if verbose mode is enabled.
// Messages are suppressed if quiet mode is active.
func logInfo(globals GlobalFlags, format string, args ...interface{}) {
	if !globals.Quiet && globals.Verbose >= 1 {
		fmt.Fprintf(os.Stderr, "[INFO] "+format+"\n", args...)
	}
}

// logError outputs an error message to stderr unless quiet mode is active.
// Note: Fatal errors should still use errors.FatalError() which handles quiet mode.
func logError(globals GlobalFlags, format string, args ...interface{}) {
	if !globals.Quiet {
		fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", args...)
	}
}

// main is the entry point for the moondream-worker CLI.
//
// Global flags:
//   - --json: Output in JSON format (for status/config)
//   - --no-color: Disable colored output
//   - --verbose/-v: Increase verbosity
//   - --quiet/-q: Suppress non-essential output
//   - --config/-c: Path to .moondream/worker.yaml configuration file
//
// Commands:
//   - run: Poll the queue and enrich assets until interrupted
//   - drain: Process queued assets until the queue is empty, then exit
//   - status: Show queue depth and enrichment counts
//   - init: Create .moondream/worker.yaml configuration
//   - config: Show current configuration
func main() {
	// The desktop app keeps shared settings in a .env file at the
	// project root. Best effort; a missing file is fine.
	_ = godotenv.Load()

	// Global flags with short forms
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to .moondream/worker.yaml (default: search upward from cwd)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output (progress, info messages)")
	)

	// Stop parsing at the first non-flag argument (the command name).
	// This allows subcommand-specific flags like "init -y" or
	// "run --metrics-addr :9090" to be passed through to subcommand
	// handlers instead of being rejected by the global flag parser.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Moondream Worker - AI enrichment daemon for the Moondream asset manager

The worker drains the upload queue of a Moondream project: every queued
image is captioned by a vision-language model, tagged with verified
objects and their bounding boxes, segmented, embedded for similarity
search, and given a human-readable display name.

Usage:
  moondream-worker <command> [options]

Commands:
  run     Poll the queue and enrich assets until interrupted
  drain   Process queued assets until the queue is empty, then exit
  status  Show queue depth and enrichment counts
  init    Create .moondream/worker.yaml configuration
  config  Show current configuration

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output (progress, info messages)
  -c, --config      Path to .moondream/worker.yaml
  -V, --version     Show version and exit

Examples:
  moondream-worker run                       Start the enrichment daemon
  moondream-worker run --metrics-addr :9090  Expose Prometheus metrics
  moondream-worker drain                     Work through the backlog once
  moondream-worker status --json             Queue counts as JSON (for the app)
  moondream-worker init                      Create configuration interactively
  moondream-worker config                    Show the resolved configuration

Getting Started:
  1. Start Moondream Station (default: http://127.0.0.1:2020)
  2. Start the worker:  moondream-worker run

  Configuration is optional. With no worker.yaml the worker runs on
  built-in defaults plus MOONDREAM_* environment variables, which is
  how the desktop app launches it.

Environment Variables:
  MOONDREAM_DB_PATH    SQLite database (default: data/moondream.sqlite3)
  MOONDREAM_PROVIDER   local_station or remote (default: local_station)
  MOONDREAM_ENDPOINT   Moondream Station URL (default: http://127.0.0.1:2020)
  OLLAMA_HOST          Ollama URL for embeddings (default: http://localhost:11434)

For detailed command help: moondream-worker <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("moondream-worker version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	// Check NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}

	// Validate conflicting flags
	if *quiet && *verbose > 0 {
		fmt.Fprintf(os.Stderr, "Error: cannot use --quiet and --verbose together\n")
		os.Exit(1)
	}

	// JSON mode auto-enables quiet to prevent progress bars corrupting JSON output
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
	}

	// Initialize color output based on flags
	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "run":
		runWorker(cmdArgs, *configPath, globals)
	case "drain":
		runDrain(cmdArgs, *configPath, globals)
	case "status":
		runStatus(cmdArgs, *configPath, globals)
	case "init":
		runInit(cmdArgs, globals)
	case "config":
		runConfig(cmdArgs, *configPath, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

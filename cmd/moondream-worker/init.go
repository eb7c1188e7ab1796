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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/moondream-worker/internal/errors"
	"github.com/kraklabs/moondream-worker/internal/ui"
	"github.com/kraklabs/moondream-worker/pkg/vlm"
)

// initFlags holds parsed flags for the init command.
type initFlags struct {
	force, nonInteractive          bool
	dbPath, endpoint, providerName string
	remoteURL                      string
}

// runInit executes the 'init' CLI command, creating .moondream/worker.yaml.
//
// It generates a default configuration and optionally prompts the user
// for customization in interactive mode. The file is optional at runtime;
// init exists for people running the worker standalone, outside the
// desktop app.
//
// Flags:
//   - --force: Overwrite existing configuration (default: false)
//   - -y: Non-interactive mode, use all defaults (default: false)
//   - --db: SQLite database path
//   - --endpoint: Moondream Station URL
//   - --provider: Model provider (local_station, remote)
//   - --remote-url: Hosted caption endpoint (provider=remote)
//
// Examples:
//
//	moondream-worker init                  Interactive setup
//	moondream-worker init -y               Use all defaults
//	moondream-worker init --db /srv/moondream.sqlite3
func runInit(args []string, globals GlobalFlags) {
	flags := parseInitFlags(args)

	cwd, err := os.Getwd()
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Cannot access working directory",
			"Failed to determine current directory path",
			"This is unexpected. Please report this issue if it persists",
			err,
		), false)
	}

	configPath := filepath.Join(cwd, defaultConfigDir, defaultConfigFile)
	if _, err := os.Stat(configPath); err == nil && !flags.force {
		errors.FatalError(errors.NewInputError(
			"Configuration already exists",
			fmt.Sprintf("%s already exists in this directory", configPath),
			"Use 'moondream-worker init --force' to overwrite the existing configuration",
		), false)
	}

	cfg := createInitConfig(flags)
	reader := bufio.NewReader(os.Stdin)

	if !flags.nonInteractive {
		runInteractiveConfig(reader, cfg)
	}
	cfg.normalize()

	saveInitConfig(cwd, configPath, cfg)
	printNextSteps()
}

func parseInitFlags(args []string) initFlags {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	var f initFlags
	fs.BoolVar(&f.force, "force", false, "Overwrite existing configuration")
	fs.BoolVarP(&f.nonInteractive, "yes", "y", false, "Non-interactive mode (use defaults)")
	fs.StringVar(&f.dbPath, "db", "", "SQLite database path (default: data/moondream.sqlite3)")
	fs.StringVar(&f.endpoint, "endpoint", "", "Moondream Station URL (default: http://127.0.0.1:2020)")
	fs.StringVar(&f.providerName, "provider", "", "Model provider: local_station or remote")
	fs.StringVar(&f.remoteURL, "remote-url", "", "Hosted caption endpoint URL (provider=remote)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: moondream-worker init [options]

Description:
  Create a .moondream/worker.yaml configuration file in the current
  directory.

  By default, runs in interactive mode with prompts for each setting.
  Use -y for non-interactive mode with sensible defaults.

  The configuration defines:
  - Which vision-language backend to use (local Station or remote)
  - Where the shared SQLite database lives
  - Embedding, tagging and naming behavior

  The file is optional: without it the worker runs on built-in defaults
  plus MOONDREAM_* environment variables.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Interactive setup with prompts
  moondream-worker init

  # Non-interactive with all defaults
  moondream-worker init -y

  # Point at a specific database
  moondream-worker init -y --db /srv/moondream/data/moondream.sqlite3

  # Use the hosted caption API instead of a local Station
  moondream-worker init --provider remote --remote-url https://api.moondream.ai/v1/caption

Notes:
  Configuration is stored in .moondream/worker.yaml. You can edit this
  file manually or re-run init with --force to recreate it. Environment
  variables always override the file.

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	return f
}

func createInitConfig(f initFlags) *Config {
	cfg := DefaultConfig()
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	if f.endpoint != "" {
		cfg.Provider.Endpoint = f.endpoint
	}
	if f.providerName != "" {
		cfg.Provider.Name = f.providerName
	}
	if f.remoteURL != "" {
		cfg.Provider.RemoteURL = f.remoteURL
		if f.providerName == "" {
			cfg.Provider.Name = vlm.ProviderRemote
		}
	}
	return cfg
}

func runInteractiveConfig(reader *bufio.Reader, cfg *Config) {
	ui.Header("Moondream Worker Configuration")
	fmt.Println()

	ui.Info("Model Providers: local_station, remote")
	cfg.Provider.Name = prompt(reader, "Model provider", cfg.Provider.Name)
	if strings.EqualFold(cfg.Provider.Name, vlm.ProviderRemote) {
		cfg.Provider.RemoteURL = prompt(reader, "Remote caption URL", cfg.Provider.RemoteURL)
		cfg.Provider.RemoteToken = prompt(reader, "Remote API token (optional)", cfg.Provider.RemoteToken)
	} else {
		cfg.Provider.Endpoint = prompt(reader, "Moondream Station URL", cfg.Provider.Endpoint)
	}

	fmt.Println()
	cfg.DBPath = prompt(reader, "Database path", cfg.DBPath)

	fmt.Println()
	ui.Info("Embedding Providers: ollama, mock, off")
	cfg.Embedding.Provider = prompt(reader, "Embedding provider", cfg.Embedding.Provider)
	if cfg.Embedding.Provider == "ollama" {
		cfg.Embedding.BaseURL = prompt(reader, "Ollama URL", cfg.Embedding.BaseURL)
		cfg.Embedding.Model = prompt(reader, "Embedding model", cfg.Embedding.Model)
	}
	fmt.Println()
}

func saveInitConfig(cwd, configPath string, cfg *Config) {
	if err := SaveConfig(cfg, configPath); err != nil {
		errors.FatalError(err, false) // SaveConfig returns UserError
	}
	ui.Successf("Created %s", configPath)
	addToGitignore(cwd)
}

func printNextSteps() {
	fmt.Println()
	ui.SubHeader("Next steps:")
	fmt.Printf("  1. Review and edit %s if needed\n", ui.DimText(".moondream/worker.yaml"))
	fmt.Printf("  2. Start Moondream Station, or configure a remote endpoint\n")
	fmt.Printf("  3. Run '%s' to start enriching assets\n", ui.Cyan.Sprint("moondream-worker run"))
	fmt.Printf("  4. Run '%s' to watch the queue\n", ui.Cyan.Sprint("moondream-worker status"))
}

// prompt displays an interactive prompt and reads user input from stdin.
// If the user presses Enter without providing input, the defaultValue is
// returned.
func prompt(reader *bufio.Reader, label, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", label, defaultValue)
	} else {
		fmt.Printf("%s: ", label)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

// addToGitignore adds .moondream/ to the project's .gitignore if one
// exists, since worker.yaml may hold a remote API token. Projects without
// a .gitignore are left alone.
func addToGitignore(dir string) {
	gitignorePath := filepath.Join(dir, ".gitignore")

	content, err := os.ReadFile(gitignorePath) //nolint:gosec // G304: gitignorePath built from cwd
	if err != nil {
		return
	}

	lines := strings.Split(string(content), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == ".moondream/" || line == ".moondream" || line == "/.moondream/" || line == "/.moondream" {
			return // Already present
		}
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_WRONLY, 0600) //nolint:gosec // G304: gitignorePath built from cwd
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	if len(content) > 0 && content[len(content)-1] != '\n' {
		_, _ = f.WriteString("\n")
	}

	_, _ = f.WriteString("\n# Moondream worker configuration\n.moondream/\n")
	fmt.Println("Added .moondream/ to .gitignore")
}

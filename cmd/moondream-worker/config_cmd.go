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
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/moondream-worker/internal/errors"
	"github.com/kraklabs/moondream-worker/internal/output"
	"github.com/kraklabs/moondream-worker/internal/ui"
)

// ConfigOutput represents the resolved configuration for JSON output.
// It mirrors the Config struct but uses JSON tags appropriate for
// external consumption.
type ConfigOutput struct {
	ConfigPath string          `json:"config_path,omitempty"`
	Version    string          `json:"version"`
	DBPath     string          `json:"db_path"`
	Provider   ProviderOutput  `json:"provider"`
	Worker     WorkerOutput    `json:"worker"`
	Image      ImageOutput     `json:"image"`
	Tags       TagsOutput      `json:"tags"`
	Embedding  EmbeddingOutput `json:"embedding"`
	Naming     NamingOutput    `json:"naming"`
}

// ProviderOutput represents the model backend settings for JSON output.
type ProviderOutput struct {
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	// RemoteToken is intentionally omitted from JSON output for security
}

// WorkerOutput represents poll loop settings for JSON output.
type WorkerOutput struct {
	PollSeconds         float64 `json:"poll_seconds"`
	RetryBackoffSeconds float64 `json:"retry_backoff_seconds"`
	CaptionLength       string  `json:"caption_length"`
	RetryFailed         bool    `json:"retry_failed"`
}

// ImageOutput represents image preprocessing settings for JSON output.
type ImageOutput struct {
	MaxSide  int  `json:"max_side"`
	Quality  int  `json:"jpeg_quality"`
	RawBytes bool `json:"raw_bytes"`
}

// TagsOutput represents tag discovery settings for JSON output.
type TagsOutput struct {
	Mode    string `json:"mode"`
	MaxTags int    `json:"max_tags"`
}

// EmbeddingOutput represents embedding provider settings for JSON output.
type EmbeddingOutput struct {
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
}

// NamingOutput represents display name settings for JSON output.
type NamingOutput struct {
	GenerateNames bool   `json:"generate_names"`
	CreateAlias   bool   `json:"create_alias"`
	Mode          string `json:"mode"`
}

// runConfig executes the 'config' CLI command, displaying the resolved
// configuration: built-in defaults, then worker.yaml, then environment.
//
// Global flags from main:
//   - --json: Output results as JSON (from globals.JSON)
//
// Examples:
//
//	moondream-worker config           Display formatted configuration
//	moondream-worker config --json    Output as JSON for programmatic use
func runConfig(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: moondream-worker config [options]

Description:
  Display the configuration the worker would run with: built-in
  defaults, overridden by .moondream/worker.yaml if present, overridden
  by MOONDREAM_* environment variables.

  Note: the remote API token is never displayed.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Show human-readable configuration
  moondream-worker config

  # Output as JSON for programmatic use
  moondream-worker config --json

  # Pipe to jq for specific field extraction
  moondream-worker config --json | jq '.db_path'
  moondream-worker config --json | jq '.provider.endpoint'

Output Fields:
  - config_path:    Path to the configuration file (absent when running
                    on defaults + environment)
  - db_path:        Resolved absolute path of the SQLite database
  - provider:       Model backend settings (name, endpoint, remote_url)
  - worker:         Poll loop settings (poll_seconds, caption_length, ...)
  - image:          Pre-upload downscale settings
  - tags:           Tag discovery settings (mode, max_tags)
  - embedding:      Embedding provider settings (provider, base_url, model)
  - naming:         Display name settings

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, cfgPath, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	// Make path absolute for display
	if cfgPath != "" && !filepath.IsAbs(cfgPath) {
		if abs, absErr := filepath.Abs(cfgPath); absErr == nil {
			cfgPath = abs
		}
	}

	result := buildConfigOutput(cfgPath, resolveDBPath(cfg.DBPath, cfgPath), cfg)

	if globals.JSON {
		if err := output.JSON(result); err != nil {
			errors.FatalError(errors.NewInternalError(
				"Cannot encode configuration as JSON",
				"JSON encoding failed unexpectedly",
				"This is a bug. Please report it",
				err,
			), globals.JSON)
		}
	} else {
		printConfigHuman(result)
	}
}

// buildConfigOutput converts a Config to ConfigOutput for serialization.
func buildConfigOutput(configPath, dbPath string, cfg *Config) *ConfigOutput {
	return &ConfigOutput{
		ConfigPath: configPath,
		Version:    cfg.Version,
		DBPath:     dbPath,
		Provider: ProviderOutput{
			Name:      cfg.Provider.Name,
			Endpoint:  cfg.Provider.Endpoint,
			RemoteURL: cfg.Provider.RemoteURL,
		},
		Worker: WorkerOutput{
			PollSeconds:         cfg.Worker.PollSeconds,
			RetryBackoffSeconds: cfg.Worker.RetryBackoffSeconds,
			CaptionLength:       cfg.Worker.CaptionLength,
			RetryFailed:         cfg.Worker.RetryFailed,
		},
		Image: ImageOutput{
			MaxSide:  cfg.Image.MaxSide,
			Quality:  cfg.Image.Quality,
			RawBytes: cfg.Image.RawBytes,
		},
		Tags: TagsOutput{
			Mode:    cfg.Tags.Mode,
			MaxTags: cfg.Tags.MaxTags,
		},
		Embedding: EmbeddingOutput{
			Provider: cfg.Embedding.Provider,
			BaseURL:  cfg.Embedding.BaseURL,
			Model:    cfg.Embedding.Model,
		},
		Naming: NamingOutput{
			GenerateNames: cfg.Naming.GenerateNames,
			CreateAlias:   cfg.Naming.CreateAlias,
			Mode:          cfg.Naming.Mode,
		},
	}
}

// printConfigHuman prints the configuration in human-readable format.
func printConfigHuman(cfg *ConfigOutput) {
	ui.Header("Moondream Worker Configuration")
	if cfg.ConfigPath != "" {
		fmt.Printf("%s %s\n", ui.Label("Config File:"), ui.DimText(cfg.ConfigPath))
	} else {
		fmt.Printf("%s %s\n", ui.Label("Config File:"), ui.DimText("(built-in defaults + environment)"))
	}
	fmt.Printf("%s     %s\n", ui.Label("Version:"), cfg.Version)
	fmt.Printf("%s    %s\n", ui.Label("Database:"), cfg.DBPath)
	fmt.Println()

	ui.SubHeader("Provider:")
	fmt.Printf("  Name:          %s\n", cfg.Provider.Name)
	if cfg.Provider.Endpoint != "" {
		fmt.Printf("  Endpoint:      %s\n", cfg.Provider.Endpoint)
	}
	if cfg.Provider.RemoteURL != "" {
		fmt.Printf("  Remote URL:    %s\n", cfg.Provider.RemoteURL)
	}
	fmt.Println()

	ui.SubHeader("Worker:")
	fmt.Printf("  Poll:          %.1fs\n", cfg.Worker.PollSeconds)
	fmt.Printf("  Retry Backoff: %.1fs\n", cfg.Worker.RetryBackoffSeconds)
	fmt.Printf("  Caption:       %s\n", cfg.Worker.CaptionLength)
	fmt.Printf("  Retry Failed:  %v\n", cfg.Worker.RetryFailed)
	fmt.Println()

	ui.SubHeader("Image:")
	if cfg.Image.RawBytes {
		fmt.Printf("  Downscale:     off (raw bytes)\n")
	} else {
		fmt.Printf("  Max Side:      %d px\n", cfg.Image.MaxSide)
		fmt.Printf("  JPEG Quality:  %d\n", cfg.Image.Quality)
	}
	fmt.Println()

	ui.SubHeader("Tags:")
	fmt.Printf("  Mode:          %s\n", cfg.Tags.Mode)
	fmt.Printf("  Max Tags:      %d\n", cfg.Tags.MaxTags)
	fmt.Println()

	ui.SubHeader("Embedding:")
	fmt.Printf("  Provider:      %s\n", cfg.Embedding.Provider)
	fmt.Printf("  Base URL:      %s\n", cfg.Embedding.BaseURL)
	fmt.Printf("  Model:         %s\n", cfg.Embedding.Model)
	fmt.Println()

	ui.SubHeader("Naming:")
	fmt.Printf("  Generate:      %v\n", cfg.Naming.GenerateNames)
	fmt.Printf("  Alias:         %v\n", cfg.Naming.CreateAlias)
	fmt.Printf("  Mode:          %s\n", cfg.Naming.Mode)
}

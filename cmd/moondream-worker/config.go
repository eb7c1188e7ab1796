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
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/moondream-worker/internal/errors"
	"github.com/kraklabs/moondream-worker/pkg/imageprep"
	"github.com/kraklabs/moondream-worker/pkg/tags"
	"github.com/kraklabs/moondream-worker/pkg/vlm"
	"github.com/kraklabs/moondream-worker/pkg/worker"
)

const (
	defaultConfigDir  = ".moondream"
	defaultConfigFile = "worker.yaml"
	configVersion     = "1"

	// envConfigPath points at an explicit worker.yaml, bypassing the
	// upward directory search.
	envConfigPath = "MOONDREAM_WORKER_CONFIG"
)

// Config is the worker configuration, loaded from .moondream/worker.yaml
// and overridden by MOONDREAM_* environment variables. The file is
// optional: the desktop app launches the worker with environment
// variables only.
type Config struct {
	Version   string          `yaml:"version"`
	DBPath    string          `yaml:"db_path"`
	Provider  ProviderConfig  `yaml:"provider"`
	Worker    WorkerConfig    `yaml:"worker"`
	Image     ImageConfig     `yaml:"image"`
	Tags      TagsConfig      `yaml:"tags"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Naming    NamingConfig    `yaml:"naming"`
}

// ProviderConfig selects and configures the vision-language backend.
type ProviderConfig struct {
	// Name is local_station or remote.
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	// RemoteURL and RemoteToken configure the hosted caption endpoint
	// when Name is remote.
	RemoteURL   string `yaml:"remote_url"`
	RemoteToken string `yaml:"remote_token"`
}

// WorkerConfig tunes the poll loop.
type WorkerConfig struct {
	PollSeconds         float64 `yaml:"poll_seconds"`
	RetryBackoffSeconds float64 `yaml:"retry_backoff_seconds"`
	CaptionLength       string  `yaml:"caption_length"`
	RetryFailed         bool    `yaml:"retry_failed"`
}

// ImageConfig tunes the pre-upload downscale.
type ImageConfig struct {
	MaxSide int `yaml:"max_side"`
	Quality int `yaml:"jpeg_quality"`
	// RawBytes skips downscaling and uploads originals untouched.
	RawBytes bool `yaml:"raw_bytes"`
}

// TagsConfig tunes object tag discovery.
type TagsConfig struct {
	// Mode is query, caption or hybrid.
	Mode    string `yaml:"mode"`
	MaxTags int    `yaml:"max_tags"`
}

// EmbeddingConfig selects the caption embedding backend.
type EmbeddingConfig struct {
	// Provider is ollama, mock or off.
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// NamingConfig controls display names and filename aliases.
type NamingConfig struct {
	GenerateNames bool   `yaml:"generate_names"`
	CreateAlias   bool   `yaml:"create_alias"`
	// Mode is caption or query.
	Mode string `yaml:"mode"`
}

// DefaultConfig returns the configuration the worker runs with when no
// file and no environment variables are present.
func DefaultConfig() *Config {
	return &Config{
		Version: configVersion,
		DBPath:  filepath.Join("data", "moondream.sqlite3"),
		Provider: ProviderConfig{
			Name:     vlm.ProviderLocalStation,
			Endpoint: vlm.DefaultStationEndpoint,
		},
		Worker: WorkerConfig{
			PollSeconds:         1.0,
			RetryBackoffSeconds: 5.0,
			CaptionLength:       vlm.LengthNormal,
		},
		Image: ImageConfig{
			MaxSide: imageprep.DefaultMaxSide,
			Quality: imageprep.DefaultQuality,
		},
		Tags: TagsConfig{
			Mode:    tags.ModeHybrid,
			MaxTags: tags.DefaultMaxTags,
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			BaseURL:  "http://localhost:11434",
			Model:    "all-MiniLM-L6-v2",
		},
		Naming: NamingConfig{
			GenerateNames: true,
			CreateAlias:   true,
			Mode:          worker.NameModeCaption,
		},
	}
}

// LoadConfig resolves the worker configuration. Search order for the
// file: explicitPath flag, MOONDREAM_WORKER_CONFIG, then an upward walk
// from the working directory for .moondream/worker.yaml. A missing file
// is not an error; environment overrides always apply. The returned
// path is empty when running on defaults.
func LoadConfig(explicitPath string) (*Config, string, error) {
	path := explicitPath
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, "", errors.NewConfigError(
				"Config file not found",
				fmt.Sprintf("No config file at %s", path),
				"Check the path, or run 'moondream-worker init' to create one",
				err,
			)
		}
	} else {
		path = findConfigFile()
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", errors.NewConfigError(
				"Cannot read config file",
				fmt.Sprintf("Failed to read %s", path),
				"Check file permissions",
				err,
			)
		}
		// Unmarshal over the defaults so fields the file omits keep
		// their default values, including booleans that default to on.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", errors.NewConfigError(
				"Invalid config file",
				fmt.Sprintf("Failed to parse %s as YAML", path),
				"Fix the syntax error, or re-run 'moondream-worker init --force'",
				err,
			)
		}
		if cfg.Version != configVersion {
			return nil, "", errors.NewConfigError(
				"Unsupported config version",
				fmt.Sprintf("Config file %s declares version %q, this build understands version %q", path, cfg.Version, configVersion),
				"Re-run 'moondream-worker init --force' to regenerate the file",
				nil,
			)
		}
	}

	applyEnvOverrides(cfg)
	cfg.normalize()
	return cfg, path, nil
}

// applyEnvOverrides layers MOONDREAM_* variables over cfg. Environment
// always wins over the file. Unparseable numbers are ignored rather
// than fatal, matching how the desktop app treats stray values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MOONDREAM_PROVIDER"); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv("MOONDREAM_ENDPOINT"); v != "" {
		cfg.Provider.Endpoint = v
	}
	if v := os.Getenv("MOONDREAM_REMOTE_URL"); v != "" {
		cfg.Provider.RemoteURL = v
	}
	if v := os.Getenv("MOONDREAM_REMOTE_TOKEN"); v != "" {
		cfg.Provider.RemoteToken = v
	}
	if v := os.Getenv("MOONDREAM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MOONDREAM_POLL_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Worker.PollSeconds = f
		}
	}
	if v := os.Getenv("MOONDREAM_RETRY_BACKOFF_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Worker.RetryBackoffSeconds = f
		}
	}
	if v := os.Getenv("MOONDREAM_CAPTION_LENGTH"); v != "" {
		cfg.Worker.CaptionLength = v
	}
	if v := os.Getenv("MOONDREAM_RETRY_FAILED"); v != "" {
		cfg.Worker.RetryFailed = envTruthy(v)
	}
	if v := os.Getenv("MOONDREAM_MAX_IMAGE_SIDE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Image.MaxSide = n
		}
	}
	if v := os.Getenv("MOONDREAM_JPEG_QUALITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Image.Quality = n
		}
	}
	if v := os.Getenv("MOONDREAM_RAW_IMAGE_BYTES"); v != "" {
		cfg.Image.RawBytes = envTruthy(v)
	}
	if v := os.Getenv("MOONDREAM_TAGS_MODE"); v != "" {
		cfg.Tags.Mode = v
	}
	if v := os.Getenv("MOONDREAM_SEGMENT_TOP_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Tags.MaxTags = n
		}
	}
	if v := os.Getenv("MOONDREAM_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("MOONDREAM_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("MOONDREAM_GENERATE_NAMES"); v != "" {
		cfg.Naming.GenerateNames = envTruthy(v)
	}
	if v := os.Getenv("MOONDREAM_CREATE_NAMED_ALIAS"); v != "" {
		cfg.Naming.CreateAlias = envTruthy(v)
	}
	if v := os.Getenv("MOONDREAM_NAME_MODE"); v != "" {
		cfg.Naming.Mode = v
	}
}

// normalize folds enum fields to their canonical values. Unknown values
// fall back to defaults so a typo in an env var degrades gracefully
// instead of killing the daemon.
func (c *Config) normalize() {
	c.Worker.CaptionLength = strings.ToLower(strings.TrimSpace(c.Worker.CaptionLength))
	switch c.Worker.CaptionLength {
	case vlm.LengthShort, vlm.LengthNormal, vlm.LengthLong:
	default:
		c.Worker.CaptionLength = vlm.LengthNormal
	}

	c.Tags.Mode = strings.ToLower(strings.TrimSpace(c.Tags.Mode))
	switch c.Tags.Mode {
	case tags.ModeQuery, tags.ModeCaption, tags.ModeHybrid:
	default:
		c.Tags.Mode = tags.ModeHybrid
	}

	c.Naming.Mode = strings.ToLower(strings.TrimSpace(c.Naming.Mode))
	switch c.Naming.Mode {
	case worker.NameModeCaption, worker.NameModeQuery:
	default:
		c.Naming.Mode = worker.NameModeCaption
	}

	c.Embedding.Provider = strings.ToLower(strings.TrimSpace(c.Embedding.Provider))
	c.Provider.Name = strings.ToLower(strings.TrimSpace(c.Provider.Name))
	if c.Provider.Name == "" {
		c.Provider.Name = vlm.ProviderLocalStation
	}
}

// SaveConfig writes cfg to path, creating the parent directory.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.NewInternalError(
			"Cannot serialize config",
			"Failed to encode configuration as YAML",
			"This is a bug; please report it",
			err,
		)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errors.NewPermissionError(
			"Cannot create config directory",
			fmt.Sprintf("Failed to create %s", filepath.Dir(path)),
			"Check directory permissions",
			err,
		)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.NewPermissionError(
			"Cannot write config file",
			fmt.Sprintf("Failed to write %s", path),
			"Check directory permissions",
			err,
		)
	}
	return nil
}

// envTruthy reports whether an environment value spells "on". The
// desktop app sends 1/0 but humans type all sorts of things.
func envTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "y":
		return true
	}
	return false
}

// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"
)

// findConfigFile walks upward from the working directory looking for
// .moondream/worker.yaml, so the worker can be started from anywhere
// inside a project tree. Returns "" when no file exists.
func findConfigFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, defaultConfigDir, defaultConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// resolveDBPath turns the configured database path into an absolute one.
//
// Absolute paths pass through. A relative path is anchored at the
// project root when a config file was found (the directory holding
// .moondream/); otherwise the ancestors of the working directory are
// searched for an existing match, falling back to the working directory
// itself. The fallback keeps `moondream-worker run` working from a
// subdirectory of a checkout that has data/moondream.sqlite3 but no
// config file.
func resolveDBPath(dbPath, configPath string) string {
	if dbPath == "" {
		dbPath = filepath.Join("data", "moondream.sqlite3")
	}
	if filepath.IsAbs(dbPath) {
		return filepath.Clean(dbPath)
	}
	if configPath != "" {
		root := filepath.Dir(filepath.Dir(configPath))
		return filepath.Join(root, dbPath)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return dbPath
	}
	dir := cwd
	for {
		candidate := filepath.Join(dir, dbPath)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return filepath.Join(cwd, dbPath)
}

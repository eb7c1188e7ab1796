// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ProgressConfig decides whether long commands render a progress bar.
type ProgressConfig struct {
	Enabled bool
}

// NewProgressConfig derives progress settings from the global flags.
// Quiet and JSON modes suppress the bar; the output stream stays clean.
func NewProgressConfig(globals GlobalFlags) ProgressConfig {
	return ProgressConfig{
		Enabled: !globals.Quiet && !globals.JSON,
	}
}

// NewProgressBar builds a bar for total units of work, or nil when
// progress display is disabled or the total is unknown. Callers must
// nil-check: a nil bar means render nothing.
func NewProgressBar(cfg ProgressConfig, total int64, description string) *progressbar.ProgressBar {
	if !cfg.Enabled || total <= 0 {
		return nil
	}
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			os.Stderr.WriteString("\n")
		}),
	)
}

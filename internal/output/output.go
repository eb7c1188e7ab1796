// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package output holds shared helpers for machine-readable CLI output.
package output

import (
	"encoding/json"
	"os"
)

// JSON writes v to stdout as indented JSON, one document per call.
func JSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

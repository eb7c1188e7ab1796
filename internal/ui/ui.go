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

// Package ui provides the shared terminal styling helpers for the CLI.
//
// All helpers respect the global color state set by InitColors, so callers
// can print styled output without checking TTY or NO_COLOR themselves.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Shared palette. Callers may use these directly for one-off styling
// (e.g. ui.Cyan.Sprint("moondream-worker run")).
var (
	Green  = color.New(color.FgGreen)
	Yellow = color.New(color.FgYellow)
	Red    = color.New(color.FgRed)
	Cyan   = color.New(color.FgCyan)
	Bold   = color.New(color.Bold)
	Dim    = color.New(color.Faint)
)

// InitColors configures global color output. Colors are disabled when
// noColor is set, when the NO_COLOR environment variable is present, or
// when stdout is not a terminal.
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
		return
	}
	fd := os.Stdout.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		color.NoColor = true
	}
}

// Header prints a top-level section title with an underline.
func Header(title string) {
	fmt.Println()
	_, _ = Bold.Println(title)
	fmt.Println(strings.Repeat("=", len(title)))
}

// SubHeader prints a bold sub-section title.
func SubHeader(title string) {
	_, _ = Bold.Println(title)
}

// Label returns a bolded field label for aligned key/value output.
func Label(text string) string {
	return Bold.Sprint(text)
}

// CountText returns a count styled for emphasis in summaries.
func CountText(n int) string {
	return Green.Sprint(n)
}

// DimText returns de-emphasized text for paths and secondary detail.
func DimText(text string) string {
	return Dim.Sprint(text)
}

// Success prints a green check-marked line.
func Success(msg string) {
	_, _ = Green.Printf("✓ %s\n", msg)
}

// Successf prints a formatted success line.
func Successf(format string, args ...any) {
	Success(fmt.Sprintf(format, args...))
}

// Warning prints a yellow warning line.
func Warning(msg string) {
	_, _ = Yellow.Printf("⚠ %s\n", msg)
}

// Warningf prints a formatted warning line.
func Warningf(format string, args ...any) {
	Warning(fmt.Sprintf(format, args...))
}

// Info prints a cyan-bulleted hint line.
func Info(msg string) {
	fmt.Printf("%s %s\n", Cyan.Sprint("•"), msg)
}

// Infof prints a formatted hint line.
func Infof(format string, args ...any) {
	Info(fmt.Sprintf(format, args...))
}

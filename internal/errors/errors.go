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

// Package errors provides user-facing errors for the CLI.
//
// A UserError carries a short title, a longer detail, and a concrete
// suggestion, so failures read as actionable messages rather than raw
// error chains. FatalError is the single exit path for commands.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/fatih/color"
)

// Kind classifies a UserError for JSON output and exit reporting.
type Kind string

const (
	KindConfig     Kind = "config"
	KindInput      Kind = "input"
	KindDatabase   Kind = "database"
	KindNetwork    Kind = "network"
	KindPermission Kind = "permission"
	KindInternal   Kind = "internal"
)

// UserError is an error with enough context to explain itself to a person.
type UserError struct {
	Kind       Kind
	Title      string
	Detail     string
	Suggestion string
	Err        error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Title, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Title, e.Detail)
}

func (e *UserError) Unwrap() error { return e.Err }

func newUserError(kind Kind, title, detail, suggestion string, err error) *UserError {
	return &UserError{
		Kind:       kind,
		Title:      title,
		Detail:     detail,
		Suggestion: suggestion,
		Err:        err,
	}
}

// NewConfigError reports a problem with configuration files or values.
func NewConfigError(title, detail, suggestion string, err error) *UserError {
	return newUserError(KindConfig, title, detail, suggestion, err)
}

// NewInputError reports invalid user input. There is no underlying error
// to wrap; the input itself is the problem.
func NewInputError(title, detail, suggestion string) *UserError {
	return newUserError(KindInput, title, detail, suggestion, nil)
}

// NewDatabaseError reports a failure talking to the local database.
func NewDatabaseError(title, detail, suggestion string, err error) *UserError {
	return newUserError(KindDatabase, title, detail, suggestion, err)
}

// NewNetworkError reports a failure reaching a remote service.
func NewNetworkError(title, detail, suggestion string, err error) *UserError {
	return newUserError(KindNetwork, title, detail, suggestion, err)
}

// NewPermissionError reports a filesystem or OS permission failure.
func NewPermissionError(title, detail, suggestion string, err error) *UserError {
	return newUserError(KindPermission, title, detail, suggestion, err)
}

// NewInternalError reports a bug or an unexpected internal state.
func NewInternalError(title, detail, suggestion string, err error) *UserError {
	return newUserError(KindInternal, title, detail, suggestion, err)
}

// fatalJSON is the machine-readable shape FatalError emits in JSON mode.
type fatalJSON struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	Cause      string `json:"cause,omitempty"`
}

// FatalError prints err to stderr, human-readable by default or as a JSON
// object when jsonMode is set, then exits with status 1.
func FatalError(err error, jsonMode bool) {
	var ue *UserError
	if !stderrors.As(err, &ue) {
		ue = &UserError{
			Kind:   KindInternal,
			Title:  "Unexpected error",
			Detail: err.Error(),
		}
	}

	if jsonMode {
		out := fatalJSON{
			Error:      ue.Title,
			Kind:       string(ue.Kind),
			Detail:     ue.Detail,
			Suggestion: ue.Suggestion,
		}
		if ue.Err != nil {
			out.Cause = ue.Err.Error()
		}
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		os.Exit(1)
	}

	red := color.New(color.FgRed, color.Bold)
	_, _ = red.Fprintf(os.Stderr, "Error: %s\n", ue.Title)
	if ue.Detail != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", ue.Detail)
	}
	if ue.Err != nil {
		fmt.Fprintf(os.Stderr, "  Cause: %v\n", ue.Err)
	}
	if ue.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\n  Suggestion: %s\n", ue.Suggestion)
	}
	os.Exit(1)
}

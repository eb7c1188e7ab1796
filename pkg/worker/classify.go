// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"errors"
	"strings"

	"github.com/kraklabs/moondream-worker/pkg/vlm"
)

// Phrases that mark a model failure as retryable. Station reports queue
// pressure and per-request timeouts with these words; anything else in a
// provider error means the asset itself is the problem.
var transientPhrases = []string{
	"queue is full",
	"rejected",
	"timeout",
	"timed out",
}

// IsTransient reports whether err is worth re-queueing instead of marking
// the asset failed. Only provider errors qualify; database and filesystem
// failures never do.
func IsTransient(err error) bool {
	var perr *vlm.ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	msg := strings.ToLower(perr.Error())
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

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

package embedding

import (
	"context"
	"log/slog"
	"sync"
)

type lazyState int

const (
	lazyUninitialized lazyState = iota
	lazyReady
	lazyDisabled
)

// Lazy defers the first contact with the embedding backend until a caption
// actually needs a vector. If that first call fails the wrapper disables
// itself for the rest of the process, so a machine without Ollama pays the
// probe cost exactly once instead of once per asset.
type Lazy struct {
	provider Provider
	logger   *slog.Logger

	mu    sync.Mutex
	state lazyState
}

// NewLazy wraps provider. A nil provider yields a Lazy that encodes nothing.
func NewLazy(provider Provider, logger *slog.Logger) *Lazy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lazy{provider: provider, logger: logger}
}

// Encode embeds text and packs the vector for storage. A nil blob means no
// embedding is available; callers treat that as "skip the write", never as
// a job failure.
func (l *Lazy) Encode(ctx context.Context, text string) (blob []byte, dim int, model string) {
	if l == nil || l.provider == nil || text == "" {
		return nil, 0, ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case lazyDisabled:
		return nil, 0, ""
	case lazyUninitialized:
		vec, err := l.provider.Embed(ctx, text)
		if err != nil {
			l.state = lazyDisabled
			l.logger.Warn("embedding.disabled",
				"model", l.provider.ModelName(),
				"error", err)
			return nil, 0, ""
		}
		l.state = lazyReady
		return EncodeBlob(vec), len(vec), l.provider.ModelName()
	default:
		vec, err := l.provider.Embed(ctx, text)
		if err != nil {
			l.logger.Debug("embedding.encode.error", "error", err)
			return nil, 0, ""
		}
		return EncodeBlob(vec), len(vec), l.provider.ModelName()
	}
}

// Enabled reports whether the wrapper can still produce embeddings. Before
// the first Encode this is optimistic.
func (l *Lazy) Enabled() bool {
	if l == nil || l.provider == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != lazyDisabled
}

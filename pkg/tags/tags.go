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

// Package tags discovers object tags for an image.
//
// Candidates come from asking the model directly, from the caption, or
// both. Each candidate is normalized into tag form and then verified with
// a detect call; only candidates the model can actually locate in the
// image are kept. Kept tags are enriched with segmentation masks when the
// backend provides them.
package tags

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kraklabs/moondream-worker/pkg/vlm"
)

// Candidate source modes.
const (
	ModeQuery   = "query"
	ModeCaption = "caption"
	ModeHybrid  = "hybrid"
)

// DefaultMaxTags is the kept-tag budget per asset.
const DefaultMaxTags = 8

// minScanBudget floors the number of detect calls so small tag budgets
// still get a fair pass over the candidate list.
const minScanBudget = 24

// Config controls candidate generation and verification budgets.
type Config struct {
	// Mode selects where candidates come from. Unknown values fall back
	// to hybrid.
	Mode string

	// MaxTags caps the verified tags kept per asset.
	MaxTags int
}

func (c Config) withDefaults() Config {
	switch c.Mode {
	case ModeQuery, ModeCaption, ModeHybrid:
	default:
		c.Mode = ModeHybrid
	}
	if c.MaxTags <= 0 {
		c.MaxTags = DefaultMaxTags
	}
	return c
}

// Tag is one verified tag with its supporting model evidence.
type Tag struct {
	// Name is the normalized tag text.
	Name string

	// Boxes are the detection boxes that verified the tag.
	Boxes []vlm.Box

	// Raw is the detect response body, kept for diagnostics.
	Raw json.RawMessage

	// SVG is the segmentation mask, empty when unavailable.
	SVG string

	// SegmentBox is the mask bounding box, when the backend reports one.
	SegmentBox *vlm.Box
}

// BBoxJSON renders the persisted bbox payload: the verified boxes, plus
// the segmentation box merged in under segment_bbox when present.
func (t *Tag) BBoxJSON() string {
	payload := struct {
		Boxes      []vlm.Box `json:"boxes"`
		SegmentBox *vlm.Box  `json:"segment_bbox,omitempty"`
	}{Boxes: t.Boxes, SegmentBox: t.SegmentBox}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(b)
}

// Engine turns a caption into verified, segment-enriched tags.
type Engine struct {
	provider vlm.Provider
	cfg      Config
	logger   *slog.Logger
}

// NewEngine returns an Engine using provider for all model calls.
func NewEngine(provider vlm.Provider, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{provider: provider, cfg: cfg.withDefaults(), logger: logger}
}

// Discover generates candidates, verifies each with detect, and enriches
// the kept tags with segmentation masks.
//
// Individual model failures never fail the asset: a query error removes
// that candidate source, a detect error skips that candidate, a segment
// error leaves the tag unmasked.
func (e *Engine) Discover(ctx context.Context, imageRef, caption string) []Tag {
	seen := make(map[string]struct{})
	var candidates []string
	for _, c := range e.rawCandidates(ctx, imageRef, caption) {
		n := Normalize(c)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		candidates = append(candidates, n)
	}

	scanBudget := 3 * e.cfg.MaxTags
	if scanBudget < minScanBudget {
		scanBudget = minScanBudget
	}

	var kept []Tag
	scanned := 0
	for _, name := range candidates {
		if len(kept) >= e.cfg.MaxTags || scanned >= scanBudget || ctx.Err() != nil {
			break
		}
		scanned++
		res, err := e.provider.Detect(ctx, imageRef, name)
		if err != nil {
			e.logger.Debug("tags.detect.error", "tag", name, "error", err)
			continue
		}
		if len(res.Boxes) == 0 {
			continue
		}
		kept = append(kept, Tag{Name: name, Boxes: res.Boxes, Raw: res.Raw})
	}

	e.segment(ctx, imageRef, kept)

	e.logger.Debug("tags.discover.done",
		"candidates", len(candidates),
		"scanned", scanned,
		"kept", len(kept))
	return kept
}

// rawCandidates collects unnormalized candidates in priority order:
// query answers first, caption tokens second.
func (e *Engine) rawCandidates(ctx context.Context, imageRef, caption string) []string {
	var out []string
	if e.cfg.Mode == ModeQuery || e.cfg.Mode == ModeHybrid {
		question := fmt.Sprintf(
			"List up to %d distinct object nouns visible in this image. Answer with a JSON array of strings and nothing else.",
			2*e.cfg.MaxTags)
		items, err := e.provider.Query(ctx, imageRef, question)
		if err != nil {
			e.logger.Debug("tags.query.error", "error", err)
		} else {
			out = append(out, items...)
		}
	}
	if e.cfg.Mode == ModeCaption || e.cfg.Mode == ModeHybrid {
		out = append(out, CaptionTokens(caption)...)
	}
	return out
}

// segment enriches kept tags in place. A backend that reports the
// operation as unsupported ends the whole pass; any other error only
// skips that one tag.
func (e *Engine) segment(ctx context.Context, imageRef string, kept []Tag) {
	for i := range kept {
		if ctx.Err() != nil {
			return
		}
		res, err := e.provider.Segment(ctx, imageRef, kept[i].Name)
		if err != nil {
			if vlm.IsUnsupported(err) {
				e.logger.Info("tags.segment.unsupported", "error", err)
				return
			}
			e.logger.Debug("tags.segment.error", "tag", kept[i].Name, "error", err)
			continue
		}
		kept[i].SVG = res.SVG
		kept[i].SegmentBox = res.BBox
	}
}

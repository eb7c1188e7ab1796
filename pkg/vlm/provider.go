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

// Package vlm talks to vision-language model backends.
//
// The primary backend is Moondream Station, a local inference server with
// caption, detect, segment and query endpoints. A reduced remote backend
// covers hosted caption-only endpoints. Both are exposed through the
// Provider interface so the enrichment pipeline never branches on which
// one is configured.
package vlm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kraklabs/moondream-worker/pkg/imageprep"
)

// Provider names accepted in configuration.
const (
	ProviderLocalStation = "local_station"
	ProviderRemote       = "remote"
)

// Operation names, matching the station endpoint paths.
const (
	OpCaption = "caption"
	OpDetect  = "detect"
	OpSegment = "segment"
	OpQuery   = "query"
)

// Caption lengths accepted by the caption operation.
const (
	LengthShort  = "short"
	LengthNormal = "normal"
	LengthLong   = "long"
)

// DefaultTimeout bounds a single model request. Station queues work behind
// one local model instance, so individual requests can take minutes.
const DefaultTimeout = 180 * time.Second

// Box is a bounding box in fractional image coordinates, min corner plus
// derived width and height.
type Box struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
	W    float64 `json:"w"`
	H    float64 `json:"h"`
}

// DetectResult carries the normalized boxes for one object along with the
// raw response body for record-keeping.
type DetectResult struct {
	Boxes []Box
	Raw   json.RawMessage
}

// SegmentResult is a segmentation mask as SVG markup plus an optional
// bounding box. SVG may be empty when the backend returned nothing usable.
type SegmentResult struct {
	SVG  string
	BBox *Box
}

// Provider is the uniform surface over a vision-language model backend.
// Implementations hold no per-image state; one instance serves a whole
// worker run.
type Provider interface {
	// Caption describes the whole image. length is one of the Length
	// constants; implementations fall back to normal when empty.
	Caption(ctx context.Context, imageRef, length string) (string, error)

	// Detect locates an object in the image, returning zero or more boxes.
	Detect(ctx context.Context, imageRef, object string) (*DetectResult, error)

	// Segment produces a mask for an object.
	Segment(ctx context.Context, imageRef, object string) (*SegmentResult, error)

	// Query answers a free-form question about the image, split into
	// candidate items.
	Query(ctx context.Context, imageRef, question string) ([]string, error)

	// ModelVersion identifies the backend in persisted results.
	ModelVersion() string
}

// ProviderError reports a failed model call. Message carries whatever the
// backend said; the job loop inspects it to tell transient overload apart
// from permanent failures.
type ProviderError struct {
	Op      string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("vlm %s: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsUnsupported reports whether err is the backend declaring an operation
// unavailable, as opposed to the operation failing.
func IsUnsupported(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	msg := strings.ToLower(pe.Message)
	return strings.Contains(msg, "not supported") || strings.Contains(msg, "not available")
}

// Config selects and tunes a provider backend.
type Config struct {
	// Provider is local_station or remote. Empty selects local_station.
	Provider string

	// Endpoint is the Moondream Station base URL.
	Endpoint string

	// RemoteURL and RemoteToken configure the hosted caption endpoint.
	RemoteURL   string
	RemoteToken string

	// Timeout bounds each request. Zero selects DefaultTimeout.
	Timeout time.Duration

	// Prep prepares local images before upload. Only the station backend
	// uses it; nil gets default settings.
	Prep *imageprep.Preprocessor
}

// New builds the configured provider backend.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", ProviderLocalStation:
		return NewLocalStation(cfg.Endpoint, cfg.Prep, cfg.Timeout), nil
	case ProviderRemote:
		if strings.TrimSpace(cfg.RemoteURL) == "" {
			return nil, fmt.Errorf("remote provider requires an endpoint URL")
		}
		return NewRemote(cfg.RemoteURL, cfg.RemoteToken, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown vlm provider %q", cfg.Provider)
	}
}

// firstString returns the first key in m holding a non-blank string,
// trimmed.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

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

package vlm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/moondream-worker/pkg/imageprep"
)

// DefaultStationEndpoint is where a locally installed Moondream Station
// listens.
const DefaultStationEndpoint = "http://127.0.0.1:2020"

// LocalStation is the full-featured backend: caption, detect, segment and
// query against a local Moondream Station instance.
type LocalStation struct {
	base   string
	prep   *imageprep.Preprocessor
	client *http.Client

	// One asset fans out into dozens of requests; encode its image once.
	mu       sync.Mutex
	lastPath string
	lastRef  string
}

// NewLocalStation returns a station backend for the given base endpoint.
// A trailing slash or /v1 segment on the endpoint is tolerated.
func NewLocalStation(endpoint string, prep *imageprep.Preprocessor, timeout time.Duration) *LocalStation {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	base = strings.TrimSuffix(base, "/v1")
	if base == "" {
		base = DefaultStationEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if prep == nil {
		prep = imageprep.New(0, 0, false)
	}
	return &LocalStation{
		base:   base,
		prep:   prep,
		client: &http.Client{Timeout: timeout},
	}
}

// Caption implements Provider. An empty or whitespace caption falls back
// to the whole response body so the result is never blank.
func (s *LocalStation) Caption(ctx context.Context, imageRef, length string) (string, error) {
	if length == "" {
		length = LengthNormal
	}
	decoded, raw, err := s.post(ctx, OpCaption, imageRef, map[string]any{"length": length})
	if err != nil {
		return "", err
	}
	if m, ok := decoded.(map[string]any); ok {
		if text := firstString(m, "caption", "text"); text != "" {
			return text, nil
		}
	}
	return strings.TrimSpace(string(raw)), nil
}

// Detect implements Provider.
func (s *LocalStation) Detect(ctx context.Context, imageRef, object string) (*DetectResult, error) {
	decoded, raw, err := s.post(ctx, OpDetect, imageRef, map[string]any{"object": object})
	if err != nil {
		return nil, err
	}
	return &DetectResult{Boxes: NormalizeDetect(decoded), Raw: json.RawMessage(raw)}, nil
}

// Segment implements Provider.
func (s *LocalStation) Segment(ctx context.Context, imageRef, object string) (*SegmentResult, error) {
	decoded, _, err := s.post(ctx, OpSegment, imageRef, map[string]any{"object": object})
	if err != nil {
		return nil, err
	}
	svg, bbox := NormalizeSegment(decoded)
	return &SegmentResult{SVG: svg, BBox: bbox}, nil
}

// Query implements Provider.
func (s *LocalStation) Query(ctx context.Context, imageRef, question string) ([]string, error) {
	_, raw, err := s.post(ctx, OpQuery, imageRef, map[string]any{"question": question})
	if err != nil {
		return nil, err
	}
	return NormalizeQuery(raw), nil
}

// ModelVersion implements Provider.
func (s *LocalStation) ModelVersion() string { return "moondream_station" }

// ref preprocesses imageRef, reusing the previous encoding when the same
// image is requested again.
func (s *LocalStation) ref(imageRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if imageRef == s.lastPath && s.lastRef != "" {
		return s.lastRef, nil
	}
	ref, err := s.prep.Ref(imageRef)
	if err != nil {
		return "", err
	}
	s.lastPath, s.lastRef = imageRef, ref
	return ref, nil
}

// post sends one station request and applies the shared error rules:
// transport failures, HTTP >= 400, an error field in the body, and a
// rejected or timeout status all become ProviderErrors.
func (s *LocalStation) post(ctx context.Context, op, imageRef string, extra map[string]any) (any, []byte, error) {
	ref, err := s.ref(imageRef)
	if err != nil {
		return nil, nil, err
	}

	payload := map[string]any{
		"image_url": ref,
		"stream":    false,
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/v1/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, &ProviderError{Op: op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &ProviderError{Op: op, Message: fmt.Sprintf("read response: %v", err), Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, nil, &ProviderError{
			Op:      op,
			Message: fmt.Sprintf("station %s failed: %d %s", op, resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, &ProviderError{Op: op, Message: fmt.Sprintf("invalid response body: %v", err), Err: err}
	}
	if m, ok := decoded.(map[string]any); ok {
		if perr := stationErr(op, m); perr != nil {
			return nil, nil, perr
		}
	}
	return decoded, raw, nil
}

// stationErr extracts the error a 200 response can still carry.
func stationErr(op string, m map[string]any) *ProviderError {
	if v, ok := m["error"]; ok && v != nil {
		if msg, isStr := v.(string); !isStr {
			return &ProviderError{Op: op, Message: fmt.Sprintf("%v", v)}
		} else if msg != "" {
			return &ProviderError{Op: op, Message: msg}
		}
	}
	if status, _ := m["status"].(string); status == "rejected" || status == "timeout" {
		return &ProviderError{Op: op, Message: fmt.Sprintf("station %s %s", op, status)}
	}
	return nil
}

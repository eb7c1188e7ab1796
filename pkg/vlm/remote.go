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
	"os"
	"strings"
	"time"
)

// Remote posts raw image bytes to a hosted inference endpoint. Only
// captioning is available; detect, segment and query report not supported
// so callers can degrade instead of failing.
type Remote struct {
	url    string
	token  string
	client *http.Client
}

// NewRemote returns a remote backend for url, authenticated with token
// when non-empty.
func NewRemote(url, token string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Remote{
		url:    strings.TrimSpace(url),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Caption implements Provider. The image is uploaded as-is; hosted
// endpoints do their own resizing. length is accepted for interface
// parity but hosted endpoints ignore it.
func (r *Remote) Caption(ctx context.Context, imageRef, length string) (string, error) {
	data, err := os.ReadFile(imageRef)
	if err != nil {
		return "", fmt.Errorf("read image %s: %w", imageRef, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build caption request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", &ProviderError{Op: OpCaption, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Op: OpCaption, Message: fmt.Sprintf("read response: %v", err), Err: err}
	}
	if resp.StatusCode >= 400 {
		return "", &ProviderError{
			Op:      OpCaption,
			Message: fmt.Sprintf("remote caption failed: %d %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	caption := parseRemoteCaption(raw)
	if caption == "" {
		return "", &ProviderError{Op: OpCaption, Message: "empty caption in response"}
	}
	return caption, nil
}

// Detect implements Provider.
func (r *Remote) Detect(ctx context.Context, imageRef, object string) (*DetectResult, error) {
	return nil, r.unsupported(OpDetect)
}

// Segment implements Provider.
func (r *Remote) Segment(ctx context.Context, imageRef, object string) (*SegmentResult, error) {
	return nil, r.unsupported(OpSegment)
}

// Query implements Provider.
func (r *Remote) Query(ctx context.Context, imageRef, question string) ([]string, error) {
	return nil, r.unsupported(OpQuery)
}

// ModelVersion implements Provider.
func (r *Remote) ModelVersion() string { return "remote_endpoint" }

func (r *Remote) unsupported(op string) error {
	return &ProviderError{Op: op, Message: "not supported by the remote endpoint"}
}

// parseRemoteCaption pulls a caption out of the loose response shapes
// hosted endpoints return: a plain string, an object with one of the
// usual text fields, or a single-element result list.
func parseRemoteCaption(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		return firstString(t, "caption", "generated_text", "text", "answer")
	case []any:
		if len(t) == 0 {
			return ""
		}
		if m, ok := t[0].(map[string]any); ok {
			return firstString(m, "generated_text", "text")
		}
		if s, ok := t[0].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

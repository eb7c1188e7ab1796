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

// Package embedding generates caption embeddings for semantic search.
//
// Embeddings are a best-effort side effect of enrichment: when the
// embedding backend is missing or broken the worker keeps captioning and
// tagging, it just stops producing vectors. The Lazy wrapper implements
// that policy.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// Provider generates an embedding vector for a text.
type Provider interface {
	// Embed returns a unit-length vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ModelName identifies the model in persisted rows.
	ModelName() string
}

// OllamaProvider generates embeddings through a local Ollama server.
// Supports models like all-minilm, nomic-embed-text and mxbai-embed-large.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// OllamaEmbedRequest is the request body for the Ollama embeddings API.
type OllamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// OllamaEmbedResponse is the response from the Ollama embeddings API.
type OllamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// OllamaErrorResponse is an error response from Ollama.
type OllamaErrorResponse struct {
	Error string `json:"error"`
}

// NewOllamaProvider creates an Ollama embedding provider.
func NewOllamaProvider(baseURL, model string, logger *slog.Logger) *OllamaProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaProvider{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Local models may be slow on first load
		},
		logger: logger,
	}
}

// Embed implements Provider.
func (o *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := OllamaEmbedRequest{
		Model:  o.model,
		Prompt: text,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := o.baseURL + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request (is Ollama running at %s?): %w", o.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp OllamaErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var embedResp OllamaEmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding")
	}

	embedding := make([]float32, len(embedResp.Embedding))
	for i, v := range embedResp.Embedding {
		embedding[i] = float32(v)
	}
	return normalizeEmbedding(embedding), nil
}

// ModelName implements Provider.
func (o *OllamaProvider) ModelName() string { return o.model }

// MockProvider generates deterministic embeddings for testing.
type MockProvider struct {
	Dimension int
}

// Embed implements Provider with a hash-derived pseudo-random vector.
func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := m.Dimension
	if dim <= 0 {
		dim = 384
	}
	hash := hashString(text)
	embedding := make([]float32, dim)
	for i := 0; i < dim; i++ {
		val := float32((hash+uint64(i)*7919)%10000) / 10000.0
		embedding[i] = val*2.0 - 1.0
	}
	return normalizeEmbedding(embedding), nil
}

// ModelName implements Provider.
func (m *MockProvider) ModelName() string { return "mock" }

func hashString(s string) uint64 {
	var hash uint64 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint64(c)
	}
	return hash
}

// normalizeEmbedding normalizes a vector to unit length (L2 norm = 1).
func normalizeEmbedding(embedding []float32) []float32 {
	if len(embedding) == 0 {
		return embedding
	}
	var norm float64
	for _, v := range embedding {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return embedding
	}
	normf := float32(norm)
	for i := range embedding {
		embedding[i] /= normf
	}
	return embedding
}

package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOllamaProviderEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req OllamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all-minilm", req.Model)
		assert.Equal(t, "a red sofa", req.Prompt)

		_ = json.NewEncoder(w).Encode(OllamaEmbedResponse{Embedding: []float64{3, 4}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "all-minilm", testLogger())
	vec, err := p.Embed(context.Background(), "a red sofa")
	require.NoError(t, err)
	require.Len(t, vec, 2)

	// 3-4-5 triangle normalizes to 0.6, 0.8.
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)
	assert.Equal(t, "all-minilm", p.ModelName())
}

func TestOllamaProviderErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(OllamaErrorResponse{Error: `model "all-minilm" not found`})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "all-minilm", testLogger())
	_, err := p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "not found")
}

func TestOllamaProviderEmptyEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(OllamaEmbedResponse{Embedding: []float64{}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "all-minilm", testLogger())
	_, err := p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embedding")
}

func TestOllamaProviderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewOllamaProvider(url, "all-minilm", testLogger())
	_, err := p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is Ollama running")
}

func TestMockProviderDeterministic(t *testing.T) {
	m := &MockProvider{Dimension: 16}

	a, err := m.Embed(context.Background(), "sofa")
	require.NoError(t, err)
	b, err := m.Embed(context.Background(), "sofa")
	require.NoError(t, err)
	c, err := m.Embed(context.Background(), "lamp")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	require.Len(t, a, 16)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

// scriptedProvider fails on the call numbers listed in failOn.
type scriptedProvider struct {
	calls  int
	failOn map[int]bool
}

func (s *scriptedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.failOn[s.calls] {
		return nil, errors.New("backend down")
	}
	return []float32{1, 0, 0}, nil
}

func (s *scriptedProvider) ModelName() string { return "scripted" }

func TestLazyEncode(t *testing.T) {
	p := &scriptedProvider{}
	lazy := NewLazy(p, testLogger())

	blob, dim, model := lazy.Encode(context.Background(), "a caption")
	require.NotNil(t, blob)
	assert.Equal(t, 3, dim)
	assert.Len(t, blob, 12)
	assert.Equal(t, "scripted", model)
	assert.True(t, lazy.Enabled())

	assert.Equal(t, []float32{1, 0, 0}, DecodeBlob(blob))
}

func TestLazyFirstFailureDisables(t *testing.T) {
	p := &scriptedProvider{failOn: map[int]bool{1: true}}
	lazy := NewLazy(p, testLogger())

	blob, dim, model := lazy.Encode(context.Background(), "a caption")
	assert.Nil(t, blob)
	assert.Zero(t, dim)
	assert.Empty(t, model)
	assert.False(t, lazy.Enabled())

	// Disabled wrappers never touch the provider again.
	blob, _, _ = lazy.Encode(context.Background(), "another caption")
	assert.Nil(t, blob)
	assert.Equal(t, 1, p.calls)
}

func TestLazyLaterFailureKeepsEnabled(t *testing.T) {
	p := &scriptedProvider{failOn: map[int]bool{2: true}}
	lazy := NewLazy(p, testLogger())

	blob, _, _ := lazy.Encode(context.Background(), "first")
	require.NotNil(t, blob)

	blob, _, _ = lazy.Encode(context.Background(), "second")
	assert.Nil(t, blob)
	assert.True(t, lazy.Enabled())

	blob, _, _ = lazy.Encode(context.Background(), "third")
	assert.NotNil(t, blob)
	assert.Equal(t, 3, p.calls)
}

func TestLazyEmptyTextAndNilProvider(t *testing.T) {
	p := &scriptedProvider{}
	lazy := NewLazy(p, testLogger())

	blob, _, _ := lazy.Encode(context.Background(), "")
	assert.Nil(t, blob)
	assert.Zero(t, p.calls)

	var none *Lazy
	blob, dim, model := none.Encode(context.Background(), "text")
	assert.Nil(t, blob)
	assert.Zero(t, dim)
	assert.Empty(t, model)
	assert.False(t, none.Enabled())

	disabled := NewLazy(nil, testLogger())
	blob, _, _ = disabled.Encode(context.Background(), "text")
	assert.Nil(t, blob)
	assert.False(t, disabled.Enabled())
}

func TestBlobRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75, 0}
	blob := EncodeBlob(vec)
	require.Len(t, blob, 16)
	assert.Equal(t, vec, DecodeBlob(blob))

	// float32(1.0) is 0x3f800000, stored little-endian.
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, EncodeBlob([]float32{1}))

	assert.Nil(t, EncodeBlob(nil))
	assert.Nil(t, DecodeBlob(nil))
	assert.Nil(t, DecodeBlob([]byte{1, 2, 3}))
}

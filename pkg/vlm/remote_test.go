package vlm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemote_CaptionPostsRawBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	content := []byte{0xff, 0xd8, 0xff, 0xe0, 0x01, 0x02}
	require.NoError(t, os.WriteFile(path, content, 0o644))

	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`[{"generated_text": " a dog in a field "}]`))
	}))
	t.Cleanup(srv.Close)

	remote := NewRemote(srv.URL, "sekrit", 0)
	caption, err := remote.Caption(context.Background(), path, LengthNormal)
	require.NoError(t, err)

	assert.Equal(t, "a dog in a field", caption)
	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.Equal(t, content, gotBody, "image bytes must be posted unmodified")
}

func TestRemote_CaptionParsesObjectShapes(t *testing.T) {
	cases := map[string]string{
		`{"caption": "a cat"}`:        "a cat",
		`{"generated_text": "a cat"}`: "a cat",
		`{"answer": "a cat"}`:         "a cat",
		`"a cat"`:                     "a cat",
	}
	for body, want := range cases {
		assert.Equal(t, want, parseRemoteCaption([]byte(body)), "body %s", body)
	}
}

func TestRemote_CaptionHTTPError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte{1}, 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	remote := NewRemote(srv.URL, "", 0)
	_, err := remote.Caption(context.Background(), path, "")
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Message, "503")
}

func TestRemote_OtherOpsUnsupported(t *testing.T) {
	remote := NewRemote("http://example.invalid", "", 0)

	_, err := remote.Detect(context.Background(), "x.jpg", "sofa")
	assert.True(t, IsUnsupported(err))

	_, err = remote.Segment(context.Background(), "x.jpg", "sofa")
	assert.True(t, IsUnsupported(err))

	_, err = remote.Query(context.Background(), "x.jpg", "what?")
	assert.True(t, IsUnsupported(err))
}

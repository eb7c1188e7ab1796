//go:build cgo

package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/moondream-worker/pkg/embedding"
	"github.com/kraklabs/moondream-worker/pkg/imageprep"
	"github.com/kraklabs/moondream-worker/pkg/storage"
	"github.com/kraklabs/moondream-worker/pkg/tags"
	"github.com/kraklabs/moondream-worker/pkg/vlm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stationResponse struct {
	code int
	body string
}

// fakeStation scripts the four model endpoints. Caption and segment pop
// from response queues (the last entry sticks); detect answers with one
// box for whitelisted objects and an empty list otherwise.
type fakeStation struct {
	mu            sync.Mutex
	captionQueue  []stationResponse
	captionLens   []string
	detectObjects map[string]bool
	detectCalls   []string
	queryBody     string
	segmentQueue  []stationResponse
	segmentCalls  int
}

func (f *fakeStation) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	_ = json.NewDecoder(r.Body).Decode(&payload)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/v1/caption":
		length, _ := payload["length"].(string)
		f.captionLens = append(f.captionLens, length)
		writeStationResponse(w, pop(&f.captionQueue))
	case "/v1/detect":
		object, _ := payload["object"].(string)
		f.detectCalls = append(f.detectCalls, object)
		if f.detectObjects[object] {
			writeStationResponse(w, stationResponse{body: `{"objects":[{"x_min":0.1,"y_min":0.2,"x_max":0.4,"y_max":0.5}]}`})
		} else {
			writeStationResponse(w, stationResponse{body: `{"objects":[]}`})
		}
	case "/v1/query":
		writeStationResponse(w, stationResponse{body: f.queryBody})
	case "/v1/segment":
		f.segmentCalls++
		writeStationResponse(w, pop(&f.segmentQueue))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func pop(queue *[]stationResponse) stationResponse {
	if len(*queue) == 0 {
		return stationResponse{body: `{}`}
	}
	resp := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	return resp
}

func writeStationResponse(w http.ResponseWriter, resp stationResponse) {
	if resp.code != 0 && resp.code != http.StatusOK {
		w.WriteHeader(resp.code)
	}
	_, _ = w.Write([]byte(resp.body))
}

type testEnv struct {
	root      string
	assetsDir string
	dbPath    string
	store     *storage.Store
	fake      *fakeStation
	srv       *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	assetsDir := filepath.Join(root, "assets")
	require.NoError(t, os.MkdirAll(assetsDir, 0750))

	dbPath := filepath.Join(root, "moondream.sqlite3")
	store, err := storage.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, stmt := range []string{
		`CREATE TABLE assets (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			original_name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			storage_path TEXT NOT NULL,
			storage_url TEXT,
			sha256 TEXT
		)`,
		`CREATE TABLE asset_ai (
			asset_id TEXT PRIMARY KEY REFERENCES assets(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'pending',
			caption TEXT,
			tags_json TEXT,
			model_version TEXT,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE asset_search (
			asset_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			original_name TEXT NOT NULL,
			caption TEXT,
			tags TEXT
		)`,
	} {
		_, err := store.DB().Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, store.EnsureSchema(context.Background()))

	fake := &fakeStation{detectObjects: map[string]bool{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	return &testEnv{root: root, assetsDir: assetsDir, dbPath: dbPath, store: store, fake: fake, srv: srv}
}

// seedAsset writes a real PNG under assets/ and enqueues it.
func (env *testEnv) seedAsset(t *testing.T, id, status string) string {
	t.Helper()
	path := filepath.Join(env.assetsDir, id+".png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 16, 16))))
	require.NoError(t, f.Close())

	_, err = env.store.DB().Exec(`
		INSERT INTO assets (id, project_id, original_name, mime_type, storage_path, storage_url, sha256)
		VALUES (?, 'proj-1', 'upload.png', 'image/png', ?, NULL, 'abcdef1234567890')`,
		id, path)
	require.NoError(t, err)
	_, err = env.store.DB().Exec(
		`INSERT INTO asset_ai (asset_id, status, updated_at) VALUES (?, ?, datetime('now'))`,
		id, status)
	require.NoError(t, err)
	return path
}

func (env *testEnv) newWorker(cfg Config) *Worker {
	cfg.DBPath = env.dbPath
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	provider := vlm.NewLocalStation(env.srv.URL, imageprep.New(0, 0, false), 5*time.Second)
	encoder := embedding.NewLazy(&embedding.MockProvider{Dimension: 8}, testLogger())
	return New(cfg, provider, encoder, testLogger())
}

type aiRow struct {
	status       string
	caption      string
	tagsJSON     string
	modelVersion string
}

func readAI(t *testing.T, env *testEnv, assetID string) aiRow {
	t.Helper()
	var row aiRow
	var caption, tagsJSON, modelVersion sql.NullString
	err := env.store.DB().QueryRow(
		`SELECT status, caption, tags_json, model_version FROM asset_ai WHERE asset_id = ?`, assetID).
		Scan(&row.status, &caption, &tagsJSON, &modelVersion)
	require.NoError(t, err)
	row.caption = caption.String
	row.tagsJSON = tagsJSON.String
	row.modelVersion = modelVersion.String
	return row
}

func segmentRows(t *testing.T, env *testEnv, assetID string) map[string]sql.NullString {
	t.Helper()
	rows, err := env.store.DB().Query(
		`SELECT tag, svg FROM asset_segments WHERE asset_id = ?`, assetID)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	segments := make(map[string]sql.NullString)
	for rows.Next() {
		var tag string
		var svg sql.NullString
		require.NoError(t, rows.Scan(&tag, &svg))
		segments[tag] = svg
	}
	require.NoError(t, rows.Err())
	return segments
}

func readSearch(t *testing.T, env *testEnv, assetID string) (string, string) {
	t.Helper()
	var caption, tagsText sql.NullString
	err := env.store.DB().QueryRow(
		`SELECT caption, tags FROM asset_search WHERE asset_id = ?`, assetID).
		Scan(&caption, &tagsText)
	require.NoError(t, err)
	return caption.String, tagsText.String
}

func TestRunOnceEmptyQueue(t *testing.T) {
	env := newTestEnv(t)
	w := env.newWorker(Config{})

	result, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Processed)
}

func TestRunOnceHappyPath(t *testing.T) {
	env := newTestEnv(t)
	storagePath := env.seedAsset(t, "a1", storage.StatusPending)

	env.fake.captionQueue = []stationResponse{{body: `{"caption":"A dog on a sofa."}`}}
	env.fake.queryBody = `{"answer":["dog","sofa","window"]}`
	env.fake.detectObjects = map[string]bool{"dog": true, "sofa": true}
	env.fake.segmentQueue = []stationResponse{{body: `{"path":"M0 0 L1 1"}`}}

	w := env.newWorker(Config{
		Tags:          tags.Config{Mode: tags.ModeHybrid, MaxTags: 2},
		GenerateNames: true,
		CreateAlias:   true,
	})

	result, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.Equal(t, OutcomeDone, result.Outcome)
	assert.Equal(t, 2, result.TagCount)

	row := readAI(t, env, "a1")
	assert.Equal(t, storage.StatusDone, row.status)
	assert.Equal(t, "A dog on a sofa.", row.caption)
	assert.Equal(t, `["dog","sofa"]`, row.tagsJSON)
	assert.Equal(t, "moondream_station", row.modelVersion)

	// Window had no boxes, so only the verified tags got segment rows.
	segments := segmentRows(t, env, "a1")
	require.Len(t, segments, 2)
	for tag, svg := range segments {
		require.True(t, svg.Valid, "tag %s missing svg", tag)
		assert.Contains(t, svg.String, `d="M0 0 L1 1"`)
	}

	searchCaption, searchTags := readSearch(t, env, "a1")
	assert.Equal(t, "A dog on a sofa.", searchCaption)
	assert.Equal(t, "dog sofa", searchTags)

	var dim int
	var blob []byte
	err = env.store.DB().QueryRow(
		`SELECT dim, embedding FROM asset_embeddings WHERE asset_id = 'a1'`).Scan(&dim, &blob)
	require.NoError(t, err)
	assert.Equal(t, 8, dim)
	assert.Len(t, blob, dim*4)

	// Display name and symlink alias.
	var originalName string
	err = env.store.DB().QueryRow(`SELECT original_name FROM assets WHERE id = 'a1'`).Scan(&originalName)
	require.NoError(t, err)
	assert.Equal(t, "a-dog-on-a-sofa--abcdef12.png", originalName)

	target, err := os.Readlink(filepath.Join(env.root, "named", "a-dog-on-a-sofa--abcdef12.png"))
	require.NoError(t, err)
	assert.Equal(t, storagePath, target)
}

func TestRunOnceTransientTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", storage.StatusPending)
	env.fake.captionQueue = []stationResponse{{body: `{"status":"timeout"}`}}

	backoff := 50 * time.Millisecond
	w := env.newWorker(Config{RetryBackoff: backoff})

	start := time.Now()
	result, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, result.Outcome)
	assert.GreaterOrEqual(t, time.Since(start), backoff)

	row := readAI(t, env, "a1")
	assert.Equal(t, storage.StatusPending, row.status)
	assert.Empty(t, row.caption)
	assert.Equal(t, "[]", row.tagsJSON)
	assert.Empty(t, segmentRows(t, env, "a1"))

	searchCaption, searchTags := readSearch(t, env, "a1")
	assert.Empty(t, searchCaption)
	assert.Empty(t, searchTags)
}

func TestRunOnceFatalError(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", storage.StatusPending)
	env.fake.captionQueue = []stationResponse{{code: http.StatusInternalServerError, body: "boom"}}

	w := env.newWorker(Config{})
	result, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	row := readAI(t, env, "a1")
	assert.Equal(t, storage.StatusFailed, row.status)
	assert.Empty(t, row.caption)
	assert.Equal(t, "[]", row.tagsJSON)
	assert.Empty(t, segmentRows(t, env, "a1"))
}

func TestRunOnceSegmentUnsupported(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", storage.StatusPending)

	env.fake.captionQueue = []stationResponse{{body: `{"caption":"A dog on a sofa."}`}}
	env.fake.queryBody = `{"answer":["dog","sofa"]}`
	env.fake.detectObjects = map[string]bool{"dog": true, "sofa": true}
	env.fake.segmentQueue = []stationResponse{{body: `{"error":"segmentation not supported"}`}}

	w := env.newWorker(Config{Tags: tags.Config{Mode: tags.ModeHybrid, MaxTags: 2}})
	result, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, result.Outcome)

	// Both tags kept, both unmasked, and only one segment call was spent.
	segments := segmentRows(t, env, "a1")
	require.Len(t, segments, 2)
	for tag, svg := range segments {
		assert.False(t, svg.Valid, "tag %s should have no mask", tag)
	}
	assert.Equal(t, 1, env.fake.segmentCalls)
}

func TestRunOnceReprocessesStuckJob(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", storage.StatusProcessing)
	env.fake.captionQueue = []stationResponse{{body: `{"caption":"A dog."}`}}
	env.fake.detectObjects = map[string]bool{"dog": true}

	w := env.newWorker(Config{Tags: tags.Config{Mode: tags.ModeCaption, MaxTags: 2}})
	result, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.Equal(t, OutcomeDone, result.Outcome)
	assert.Equal(t, storage.StatusDone, readAI(t, env, "a1").status)
}

func TestRunOnceClearsStaleSegments(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", storage.StatusPending)
	require.NoError(t, env.store.UpsertSegment(context.Background(), env.store.DB(),
		storage.SegmentRow{AssetID: "a1", Tag: "old-tag"}))

	env.fake.captionQueue = []stationResponse{{body: `{"caption":"A dog."}`}}
	env.fake.detectObjects = map[string]bool{"dog": true}

	w := env.newWorker(Config{Tags: tags.Config{Mode: tags.ModeCaption, MaxTags: 2}})
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	segments := segmentRows(t, env, "a1")
	require.Len(t, segments, 1)
	_, ok := segments["dog"]
	assert.True(t, ok, "stale tag should be replaced by the fresh one")
}

func TestCaptionLongRetry(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", storage.StatusPending)
	env.fake.captionQueue = []stationResponse{
		{body: `{"status":"timeout"}`},
		{body: `{"caption":"A dog."}`},
	}
	env.fake.detectObjects = map[string]bool{"dog": true}

	w := env.newWorker(Config{
		CaptionLength: vlm.LengthLong,
		Tags:          tags.Config{Mode: tags.ModeCaption, MaxTags: 2},
	})
	result, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, result.Outcome)
	assert.Equal(t, []string{vlm.LengthLong, vlm.LengthNormal}, env.fake.captionLens)
	assert.Equal(t, "A dog.", readAI(t, env, "a1").caption)
}

func TestNameModeQuery(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", storage.StatusPending)
	env.fake.captionQueue = []stationResponse{{body: `{"caption":"A dog."}`}}
	env.fake.queryBody = `{"answer":"Golden Retriever Puppy"}`
	env.fake.detectObjects = map[string]bool{"dog": true}

	w := env.newWorker(Config{
		Tags:          tags.Config{Mode: tags.ModeCaption, MaxTags: 2},
		GenerateNames: true,
		NameMode:      NameModeQuery,
	})
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	var originalName string
	require.NoError(t, env.store.DB().QueryRow(
		`SELECT original_name FROM assets WHERE id = 'a1'`).Scan(&originalName))
	assert.Equal(t, "golden-retriever-puppy--abcdef12.png", originalName)
}

func TestNamesDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", storage.StatusPending)
	env.fake.captionQueue = []stationResponse{{body: `{"caption":"A dog."}`}}
	env.fake.detectObjects = map[string]bool{"dog": true}

	w := env.newWorker(Config{Tags: tags.Config{Mode: tags.ModeCaption, MaxTags: 2}})
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	var originalName string
	require.NoError(t, env.store.DB().QueryRow(
		`SELECT original_name FROM assets WHERE id = 'a1'`).Scan(&originalName))
	assert.Equal(t, "upload.png", originalName)

	_, err = os.Stat(filepath.Join(env.root, "named"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "f1", storage.StatusFailed)
	env.fake.captionQueue = []stationResponse{{body: `{"caption":"A dog."}`}}
	env.fake.detectObjects = map[string]bool{"dog": true}

	w := env.newWorker(Config{
		Tags:        tags.Config{Mode: tags.ModeCaption, MaxTags: 2},
		RetryFailed: true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// RetryFailed requeued the row at startup and the loop then drained it.
	assert.Equal(t, storage.StatusDone, readAI(t, env, "f1").status)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"queue full", &vlm.ProviderError{Op: vlm.OpCaption, Message: "station caption failed: 503 queue is full"}, true},
		{"rejected status", &vlm.ProviderError{Op: vlm.OpDetect, Message: "station detect rejected"}, true},
		{"timeout status", &vlm.ProviderError{Op: vlm.OpCaption, Message: "station caption timeout"}, true},
		{"timed out transport", &vlm.ProviderError{Op: vlm.OpCaption, Message: "request timed out"}, true},
		{"http 500", &vlm.ProviderError{Op: vlm.OpCaption, Message: "station caption failed: 500 boom"}, false},
		{"wrapped provider error", &vlm.ProviderError{Op: vlm.OpCaption, Message: "Timed Out upstream"}, true},
		{"plain error with timeout wording", errors.New("timeout"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

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

// Package storage is the persistence layer over the SQLite database shared
// with the desktop app. The app owns assets, asset_ai and asset_search;
// the worker owns asset_embeddings and asset_segments and creates them on
// first contact.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Enrichment states of an asset_ai row.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// DBTX is the method set shared by *sql.DB and *sql.Tx, so the write
// helpers run the same inside and outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps a connection to the shared SQLite database. The worker opens
// a fresh Store per job cycle and closes it afterwards, so a wedged
// connection never outlives one job.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

// Open connects to the SQLite database at path with foreign keys enabled
// and a 5 s busy timeout per statement.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite is a single-writer store; more connections just means more
	// busy-timeout contention.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying handle for advanced operations.
// Use with caution - prefer the Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// EnsureSchema creates the worker-owned tables if they don't exist.
// This is idempotent and safe to call multiple times; the desktop app may
// ship the same schema in a future migration.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS asset_embeddings (
			asset_id TEXT PRIMARY KEY REFERENCES assets(id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			dim INTEGER NOT NULL,
			embedding BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS asset_segments (
			asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			svg TEXT,
			bbox_json TEXT,
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (asset_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_asset_segments_tag ON asset_segments(tag)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// An equivalent table created by the app counts as success.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing when it returns nil and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Job is one enqueued asset: the assets row joined with its asset_ai state.
type Job struct {
	AssetID      string
	ProjectID    string
	OriginalName string
	MimeType     string
	StoragePath  string
	StorageURL   string
	SHA256       string
}

// ImageRef returns what the VLM should load: the public URL when the
// upstream app stored one, otherwise the local file path.
func (j *Job) ImageRef() string {
	if j.StorageURL != "" {
		return j.StorageURL
	}
	return j.StoragePath
}

// FetchNextJob returns the oldest image asset still waiting for
// enrichment, or nil when the queue is empty. Rows stuck in processing are
// picked up again, so a crashed worker's job is eventually redone.
func (s *Store) FetchNextJob(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.project_id, a.original_name, a.mime_type, a.storage_path,
		       COALESCE(a.storage_url, ''), COALESCE(a.sha256, '')
		FROM assets a
		JOIN asset_ai ai ON ai.asset_id = a.id
		WHERE ai.status IN (?, ?) AND a.mime_type LIKE 'image/%'
		ORDER BY ai.updated_at ASC
		LIMIT 1`,
		StatusPending, StatusProcessing)

	var j Job
	err := row.Scan(&j.AssetID, &j.ProjectID, &j.OriginalName, &j.MimeType,
		&j.StoragePath, &j.StorageURL, &j.SHA256)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch next job: %w", err)
	}
	return &j, nil
}

// SetStatus moves an asset_ai row to status and bumps updated_at.
func (s *Store) SetStatus(ctx context.Context, q DBTX, assetID, status string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE asset_ai SET status = ?, updated_at = datetime('now') WHERE asset_id = ?`,
		status, assetID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// WriteResults stores the enrichment outcome on the asset_ai row. A nil
// tags slice is written as an empty JSON array, never as null.
func (s *Store) WriteResults(ctx context.Context, q DBTX, assetID, caption string, tags []string, status, modelVersion string) error {
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE asset_ai
		SET caption = ?,
		    tags_json = ?,
		    status = ?,
		    model_version = ?,
		    updated_at = datetime('now')
		WHERE asset_id = ?`,
		caption, string(tagsJSON), status, modelVersion, assetID)
	if err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

// UpdateOriginalName renames the asset's display name.
func (s *Store) UpdateOriginalName(ctx context.Context, q DBTX, assetID, name string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE assets SET original_name = ? WHERE id = ?`, name, assetID)
	if err != nil {
		return fmt.Errorf("update original name: %w", err)
	}
	return nil
}

// EmbeddingRow is one caption embedding ready to persist.
type EmbeddingRow struct {
	AssetID   string
	Model     string
	Dim       int
	Embedding []byte
}

// UpsertEmbedding inserts or replaces the embedding for an asset.
func (s *Store) UpsertEmbedding(ctx context.Context, q DBTX, row EmbeddingRow) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO asset_embeddings (asset_id, model, dim, embedding, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(asset_id) DO UPDATE SET
			model = excluded.model,
			dim = excluded.dim,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`,
		row.AssetID, row.Model, row.Dim, row.Embedding)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// SegmentRow is one verified tag with its boxes and optional mask.
type SegmentRow struct {
	AssetID  string
	Tag      string
	SVG      string
	BBoxJSON string
}

// UpsertSegment inserts or replaces the segment row for (asset, tag).
// Empty SVG and bbox strings are stored as NULL.
func (s *Store) UpsertSegment(ctx context.Context, q DBTX, row SegmentRow) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO asset_segments (asset_id, tag, svg, bbox_json, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(asset_id, tag) DO UPDATE SET
			svg = excluded.svg,
			bbox_json = excluded.bbox_json,
			updated_at = excluded.updated_at`,
		row.AssetID, row.Tag, nullable(row.SVG), nullable(row.BBoxJSON))
	if err != nil {
		return fmt.Errorf("upsert segment: %w", err)
	}
	return nil
}

// DeleteSegmentsNotIn removes segment rows for tags outside the kept set,
// so tags dropped between runs cannot linger. An empty set deletes all
// rows for the asset.
func (s *Store) DeleteSegmentsNotIn(ctx context.Context, q DBTX, assetID string, tags []string) error {
	var err error
	if len(tags) == 0 {
		_, err = q.ExecContext(ctx,
			`DELETE FROM asset_segments WHERE asset_id = ?`, assetID)
	} else {
		placeholders := strings.Repeat("?, ", len(tags)-1) + "?"
		args := make([]any, 0, len(tags)+1)
		args = append(args, assetID)
		for _, tag := range tags {
			args = append(args, tag)
		}
		_, err = q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM asset_segments WHERE asset_id = ? AND tag NOT IN (%s)`, placeholders),
			args...)
	}
	if err != nil {
		return fmt.Errorf("delete stale segments: %w", err)
	}
	return nil
}

// UpdateSearchIndex rebuilds the asset_search row from the current
// assets/asset_ai state. Delete then insert, matching the app's writer. A
// missing asset is not an error.
func (s *Store) UpdateSearchIndex(ctx context.Context, q DBTX, assetID string) error {
	row := q.QueryRowContext(ctx, `
		SELECT a.id, a.project_id, a.original_name,
		       COALESCE(ai.caption, ''), COALESCE(ai.tags_json, '')
		FROM assets a
		LEFT JOIN asset_ai ai ON ai.asset_id = a.id
		WHERE a.id = ?`, assetID)

	var id, projectID, originalName, caption, tagsJSON string
	err := row.Scan(&id, &projectID, &originalName, &caption, &tagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read search source: %w", err)
	}

	if _, err := q.ExecContext(ctx,
		`DELETE FROM asset_search WHERE asset_id = ?`, assetID); err != nil {
		return fmt.Errorf("clear search row: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO asset_search (asset_id, project_id, original_name, caption, tags)
		VALUES (?, ?, ?, ?, ?)`,
		id, projectID, originalName, caption, tagsText(tagsJSON)); err != nil {
		return fmt.Errorf("insert search row: %w", err)
	}
	return nil
}

// tagsText flattens a tags_json array to the whitespace-joined form the
// search table stores. Garbage JSON yields an empty string.
func tagsText(tagsJSON string) string {
	var parsed []any
	if err := json.Unmarshal([]byte(tagsJSON), &parsed); err != nil {
		return ""
	}
	parts := make([]string, 0, len(parsed))
	for _, t := range parsed {
		if t == nil {
			continue
		}
		if s := fmt.Sprint(t); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// RequeueFailed flips every failed row back to pending and returns how
// many it touched.
func (s *Store) RequeueFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE asset_ai SET status = ?, updated_at = datetime('now') WHERE status = ?`,
		StatusPending, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("requeue failed rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue failed rows: %w", err)
	}
	return n, nil
}

// QueueDepth counts image assets still waiting for enrichment.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM assets a
		JOIN asset_ai ai ON ai.asset_id = a.id
		WHERE ai.status IN (?, ?) AND a.mime_type LIKE 'image/%'`,
		StatusPending, StatusProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// CountByStatus returns asset_ai row counts grouped by status. A database
// the desktop app has not initialized yet counts as all zeros.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM asset_ai GROUP BY status`)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return map[string]int{}, nil
		}
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count by status: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	return counts, nil
}

// CountSegments returns the number of segment rows, treating a database
// the worker has never touched as empty.
func (s *Store) CountSegments(ctx context.Context) (int, error) {
	return s.countTable(ctx, "asset_segments")
}

// CountEmbeddings returns the number of embedding rows, treating a
// database the worker has never touched as empty.
func (s *Store) CountEmbeddings(ctx context.Context) (int, error) {
	return s.countTable(ctx, "asset_embeddings")
}

func (s *Store) countTable(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

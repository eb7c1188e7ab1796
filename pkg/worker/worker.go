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

// Package worker runs the enrichment loop: lease the oldest queued image,
// caption it, discover grounded tags, attach embedding and display-name
// side effects, and commit everything atomically. One asset at a time;
// horizontal scale is more worker processes on the same database.
package worker

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/moondream-worker/pkg/embedding"
	"github.com/kraklabs/moondream-worker/pkg/naming"
	"github.com/kraklabs/moondream-worker/pkg/storage"
	"github.com/kraklabs/moondream-worker/pkg/tags"
	"github.com/kraklabs/moondream-worker/pkg/vlm"
)

// Title sources for the display name.
const (
	NameModeCaption = "caption"
	NameModeQuery   = "query"
)

// nameQuestion is the prompt used in query naming mode.
const nameQuestion = "Suggest a short descriptive filename for this image, at most six words, plain words only."

// Outcomes of one processed job.
const (
	OutcomeDone     = "done"
	OutcomeRequeued = "requeued"
	OutcomeFailed   = "failed"
)

// Config tunes one worker run.
type Config struct {
	// DBPath is the shared SQLite database.
	DBPath string

	// PollInterval is the idle sleep between empty queue checks.
	// Defaults to 1 s.
	PollInterval time.Duration

	// RetryBackoff is the pause after a transient failure re-queues a
	// job. Defaults to 5 s.
	RetryBackoff time.Duration

	// CaptionLength is short, normal or long. Long captions that time
	// out are retried once at normal length.
	CaptionLength string

	// Tags configures discovery mode and budget.
	Tags tags.Config

	// GenerateNames derives a display name from the caption or a VLM
	// query. CreateAlias additionally maintains the named/ symlink.
	GenerateNames bool
	CreateAlias   bool
	NameMode      string

	// RetryFailed flips failed rows back to pending once at startup.
	RetryFailed bool
}

// Worker drains the enrichment queue.
type Worker struct {
	cfg      Config
	provider vlm.Provider
	encoder  *embedding.Lazy
	logger   *slog.Logger
	runID    string
}

// CycleResult reports what one poll cycle did.
type CycleResult struct {
	// Processed is false when the queue was empty.
	Processed bool
	AssetID   string
	Outcome   string
	TagCount  int
	Duration  time.Duration
}

// New builds a Worker. The provider is wrapped with request metrics.
func New(cfg Config, provider vlm.Provider, encoder *embedding.Lazy, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.CaptionLength == "" {
		cfg.CaptionLength = vlm.LengthNormal
	}
	if cfg.NameMode == "" {
		cfg.NameMode = NameModeCaption
	}
	return &Worker{
		cfg:      cfg,
		provider: instrument(provider),
		encoder:  encoder,
		logger:   logger,
		runID:    uuid.NewString(),
	}
}

// Run polls for jobs until ctx ends. It returns ctx.Err() on shutdown and
// any error that escapes the job body, such as an unreachable database.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker.start",
		"run_id", w.runID,
		"db", w.cfg.DBPath,
		"model", w.provider.ModelVersion())

	if w.cfg.RetryFailed {
		if err := w.requeueFailed(ctx); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("worker.stop", "run_id", w.runID)
			return err
		}

		result, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !result.Processed {
			if err := sleepCtx(ctx, w.cfg.PollInterval); err != nil {
				w.logger.Info("worker.stop", "run_id", w.runID)
				return err
			}
		}
	}
}

// RunOnce opens a fresh connection, processes at most one job and closes
// the connection again. Processed is false when the queue is empty. The
// returned error means the loop itself is broken; per-job failures are
// recorded in the database and reported through Outcome instead.
func (w *Worker) RunOnce(ctx context.Context) (*CycleResult, error) {
	store, err := storage.Open(w.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	job, err := store.FetchNextJob(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &CycleResult{}, nil
	}
	return w.processJob(ctx, store, job)
}

func (w *Worker) processJob(ctx context.Context, store *storage.Store, job *storage.Job) (*CycleResult, error) {
	start := time.Now()
	w.logger.Info("worker.job.start",
		"asset", job.AssetID,
		"file", job.OriginalName)

	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.SetStatus(ctx, tx, job.AssetID, storage.StatusProcessing)
	})
	if err != nil {
		return nil, err
	}

	tagCount, enrichErr := w.enrich(ctx, store, job)
	result := &CycleResult{Processed: true, AssetID: job.AssetID}

	if enrichErr != nil {
		outcome, err := w.failJob(ctx, store, job, enrichErr)
		if err != nil {
			return nil, err
		}
		result.Outcome = outcome
	} else {
		result.Outcome = OutcomeDone
		result.TagCount = tagCount
		tagsKept.Observe(float64(tagCount))
	}

	result.Duration = time.Since(start)
	jobsTotal.WithLabelValues(result.Outcome).Inc()
	jobDuration.Observe(result.Duration.Seconds())

	if result.Outcome == OutcomeDone {
		w.logger.Info("worker.job.done",
			"asset", job.AssetID,
			"tags", tagCount,
			"duration", result.Duration)
	}
	return result, nil
}

// enrich runs the full pipeline for one leased job and commits the result.
// Errors escaping here are classified by failJob.
func (w *Worker) enrich(ctx context.Context, store *storage.Store, job *storage.Job) (int, error) {
	imageRef := job.ImageRef()

	caption, err := w.captionWithRetry(ctx, imageRef)
	if err != nil {
		return 0, err
	}

	engine := tags.NewEngine(w.provider, w.cfg.Tags, w.logger)
	kept := engine.Discover(ctx, imageRef, caption)
	keptNames := make([]string, len(kept))
	for i := range kept {
		keptNames[i] = kept[i].Name
	}

	blob, dim, model := w.encoder.Encode(ctx, caption)

	pretty := ""
	if w.cfg.GenerateNames {
		pretty = w.prettyName(ctx, imageRef, caption, job)
	}

	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.WriteResults(ctx, tx, job.AssetID, caption, keptNames, storage.StatusDone, w.provider.ModelVersion()); err != nil {
			return err
		}
		if pretty != "" {
			if err := store.UpdateOriginalName(ctx, tx, job.AssetID, pretty); err != nil {
				w.logger.Warn("worker.rename.error", "asset", job.AssetID, "error", err)
			}
		}
		if blob != nil {
			row := storage.EmbeddingRow{AssetID: job.AssetID, Model: model, Dim: dim, Embedding: blob}
			if err := store.UpsertEmbedding(ctx, tx, row); err != nil {
				w.logger.Warn("worker.embedding.write.error", "asset", job.AssetID, "error", err)
			}
		}
		for i := range kept {
			row := storage.SegmentRow{
				AssetID:  job.AssetID,
				Tag:      kept[i].Name,
				SVG:      kept[i].SVG,
				BBoxJSON: kept[i].BBoxJSON(),
			}
			if err := store.UpsertSegment(ctx, tx, row); err != nil {
				return err
			}
		}
		if err := store.DeleteSegmentsNotIn(ctx, tx, job.AssetID, keptNames); err != nil {
			return err
		}
		return store.UpdateSearchIndex(ctx, tx, job.AssetID)
	})
	if err != nil {
		return 0, err
	}

	// Filesystem side of the alias happens after the commit; it can race
	// with other workers and must never undo a finished job.
	if pretty != "" && w.cfg.CreateAlias {
		suffix := naming.AliasSuffix(job.SHA256, job.StoragePath, job.OriginalName)
		if err := naming.ReplaceAlias(job.StoragePath, pretty, suffix); err != nil {
			w.logger.Debug("worker.alias.error", "asset", job.AssetID, "error", err)
		}
	}

	return len(keptNames), nil
}

// captionWithRetry asks for the configured caption length, retrying once
// at normal length when a long caption times out.
func (w *Worker) captionWithRetry(ctx context.Context, imageRef string) (string, error) {
	caption, err := w.provider.Caption(ctx, imageRef, w.cfg.CaptionLength)
	if err == nil {
		return caption, nil
	}
	if w.cfg.CaptionLength == vlm.LengthLong && mentionsTimeout(err) {
		w.logger.Warn("worker.caption.retry", "error", err)
		return w.provider.Caption(ctx, imageRef, vlm.LengthNormal)
	}
	return "", err
}

// prettyName derives the display name. In query mode the VLM proposes a
// short title; any error falls back to the caption.
func (w *Worker) prettyName(ctx context.Context, imageRef, caption string, job *storage.Job) string {
	title := caption
	if w.cfg.NameMode == NameModeQuery {
		items, err := w.provider.Query(ctx, imageRef, nameQuestion)
		if err != nil {
			w.logger.Debug("worker.name.query.error", "asset", job.AssetID, "error", err)
		} else if len(items) > 0 {
			title = items[0]
		}
	}
	return naming.PrettyName(title, job.SHA256, job.StoragePath, job.OriginalName)
}

// failJob records a classified failure: transient errors re-queue the
// asset, anything else marks it failed. Both paths clear prior results so
// readers never see a half-enriched asset.
func (w *Worker) failJob(ctx context.Context, store *storage.Store, job *storage.Job, cause error) (string, error) {
	status := storage.StatusFailed
	outcome := OutcomeFailed
	if IsTransient(cause) {
		status = storage.StatusPending
		outcome = OutcomeRequeued
	}

	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.WriteResults(ctx, tx, job.AssetID, "", nil, status, w.provider.ModelVersion()); err != nil {
			return err
		}
		if err := store.DeleteSegmentsNotIn(ctx, tx, job.AssetID, nil); err != nil {
			return err
		}
		return store.UpdateSearchIndex(ctx, tx, job.AssetID)
	})
	if err != nil {
		w.logger.Error("worker.job.clear.error", "asset", job.AssetID, "error", err)
		return "", err
	}

	if outcome == OutcomeRequeued {
		w.logger.Warn("worker.job.requeued", "asset", job.AssetID, "error", cause)
		_ = sleepCtx(ctx, w.cfg.RetryBackoff)
	} else {
		w.logger.Error("worker.job.failed", "asset", job.AssetID, "error", cause)
	}
	return outcome, nil
}

func (w *Worker) requeueFailed(ctx context.Context) error {
	store, err := storage.Open(w.cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.RequeueFailed(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("worker.requeue", "count", n)
	}
	return nil
}

func mentionsTimeout(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// sleepCtx sleeps for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

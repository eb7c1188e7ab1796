// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kraklabs/moondream-worker/pkg/vlm"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moondream_worker_jobs_total",
		Help: "Processed jobs by outcome.",
	}, []string{"result"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "moondream_worker_job_duration_seconds",
		Help:    "Wall time per processed job.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	tagsKept = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "moondream_worker_tags_kept",
		Help:    "Verified tags kept per successful job.",
		Buckets: prometheus.LinearBuckets(0, 2, 10),
	})

	vlmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moondream_worker_vlm_requests_total",
		Help: "Model calls by operation and outcome.",
	}, []string{"op", "outcome"})
)

// instrumentedProvider counts every model call without changing behavior.
type instrumentedProvider struct {
	next vlm.Provider
}

func instrument(p vlm.Provider) vlm.Provider {
	return &instrumentedProvider{next: p}
}

func (p *instrumentedProvider) Caption(ctx context.Context, imageRef, length string) (string, error) {
	caption, err := p.next.Caption(ctx, imageRef, length)
	countRequest(vlm.OpCaption, err)
	return caption, err
}

func (p *instrumentedProvider) Detect(ctx context.Context, imageRef, object string) (*vlm.DetectResult, error) {
	result, err := p.next.Detect(ctx, imageRef, object)
	countRequest(vlm.OpDetect, err)
	return result, err
}

func (p *instrumentedProvider) Segment(ctx context.Context, imageRef, object string) (*vlm.SegmentResult, error) {
	result, err := p.next.Segment(ctx, imageRef, object)
	countRequest(vlm.OpSegment, err)
	return result, err
}

func (p *instrumentedProvider) Query(ctx context.Context, imageRef, question string) ([]string, error) {
	items, err := p.next.Query(ctx, imageRef, question)
	countRequest(vlm.OpQuery, err)
	return items, err
}

func (p *instrumentedProvider) ModelVersion() string {
	return p.next.ModelVersion()
}

func countRequest(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	vlmRequests.WithLabelValues(op, outcome).Inc()
}

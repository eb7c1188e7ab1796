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

// Package main implements the moondream-worker CLI.
//
// The worker is the AI enrichment daemon of the Moondream asset manager.
// It polls the shared SQLite database for uploaded images, runs each one
// through a vision-language model, and writes back a caption, a set of
// detect-verified object tags with bounding boxes and optional
// segmentation masks, a caption embedding for similarity search, and a
// human-readable display name.
//
// # Quick Start
//
// Start the worker against a Moondream Station running locally:
//
//	moondream-worker run
//
// Process the backlog once and exit:
//
//	moondream-worker drain
//
// Check the queue:
//
//	moondream-worker status
//
// # Commands
//
// The CLI provides these commands:
//
//	run      Poll the queue and enrich assets until interrupted
//	drain    Process queued assets until the queue is empty, then exit
//	status   Show queue depth and enrichment counts
//	init     Create a .moondream/worker.yaml configuration file
//	config   Show the resolved configuration
//
// # Configuration
//
// The worker is configured through an optional .moondream/worker.yaml
// file and environment variables; environment variables win. No
// configuration at all is a supported setup: the desktop app spawns the
// worker with nothing but MOONDREAM_* variables.
//
// Environment variables:
//
//	MOONDREAM_PROVIDER               local_station (default) or remote
//	MOONDREAM_ENDPOINT               Station base URL (default http://127.0.0.1:2020)
//	MOONDREAM_REMOTE_URL             Hosted caption endpoint (provider=remote)
//	MOONDREAM_REMOTE_TOKEN           Bearer token for the hosted endpoint
//	MOONDREAM_DB_PATH                SQLite file (default data/moondream.sqlite3)
//	MOONDREAM_POLL_SECONDS           Idle sleep between polls (default 1.0)
//	MOONDREAM_RETRY_BACKOFF_SECONDS  Sleep after a transient failure (default 5.0)
//	MOONDREAM_MAX_IMAGE_SIDE         Downscale target (default 512)
//	MOONDREAM_JPEG_QUALITY           Re-encode quality (default 85)
//	MOONDREAM_RAW_IMAGE_BYTES        Skip downscaling when truthy
//	MOONDREAM_CAPTION_LENGTH         short, normal (default) or long
//	MOONDREAM_SEGMENT_TOP_N          Verified tags kept per asset (default 8)
//	MOONDREAM_TAGS_MODE              query, caption or hybrid (default)
//	MOONDREAM_EMBEDDING_MODEL        Text embedding model (default all-MiniLM-L6-v2)
//	MOONDREAM_GENERATE_NAMES         Derive display names when truthy (default on)
//	MOONDREAM_CREATE_NAMED_ALIAS     Maintain named/ symlinks when truthy (default on)
//	MOONDREAM_NAME_MODE              caption (default) or query
//	MOONDREAM_RETRY_FAILED           Requeue failed assets at startup when truthy
//	MOONDREAM_WORKER_CONFIG          Explicit path to worker.yaml
//	OLLAMA_HOST                      Embedding server URL (default http://localhost:11434)
//
// # Data Ownership
//
// The desktop app owns the assets, asset_ai and asset_search tables. The
// worker owns asset_embeddings and asset_segments and creates them on
// first contact. Several workers may share one database; SQLite's
// single-writer locking and the pending→processing transition keep them
// from stepping on each other.
package main

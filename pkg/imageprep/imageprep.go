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

// Package imageprep converts image references into URLs the vision model
// accepts.
//
// Local files are downscaled and re-encoded as JPEG data URLs to keep
// request payloads small. References that are already URLs (http, https,
// data) pass through untouched, so callers can preprocess once and feed
// the result back in for follow-up requests.
package imageprep

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

// Defaults tuned for Moondream Station: large enough to keep small text
// legible, small enough to stay well under request size limits.
const (
	DefaultMaxSide = 512
	DefaultQuality = 85
)

// Preprocessor turns an image reference into a URL suitable for the
// vision model. It holds no per-image state and is safe to share.
type Preprocessor struct {
	// MaxSide is the longest edge after downscaling. Images already
	// within bounds are never upscaled.
	MaxSide int

	// Quality is the JPEG quality used for re-encoding, 1-100.
	Quality int

	// RawBytes skips decoding entirely and embeds the file bytes as-is.
	// Useful when the model should see the unmodified image.
	RawBytes bool
}

// New returns a Preprocessor, substituting defaults for out-of-range
// values.
func New(maxSide, quality int, rawBytes bool) *Preprocessor {
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Preprocessor{MaxSide: maxSide, Quality: quality, RawBytes: rawBytes}
}

// Ref converts pathOrURL into a URL the vision model accepts.
//
// http, https and data references pass through unchanged. Local files are
// read, downscaled so the longest edge is at most MaxSide, and embedded
// as a JPEG data URL. Files that fail to decode (unsupported formats,
// truncated data) are embedded as-is with a best-effort MIME type, so the
// model still gets a chance at them. Only an unreadable file is an error.
func (p *Preprocessor) Ref(pathOrURL string) (string, error) {
	if isPassthrough(pathOrURL) {
		return pathOrURL, nil
	}

	data, err := os.ReadFile(pathOrURL)
	if err != nil {
		return "", fmt.Errorf("read image %s: %w", pathOrURL, err)
	}

	if p.RawBytes {
		return dataURL(guessMIME(pathOrURL, data), data), nil
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return dataURL(guessMIME(pathOrURL, data), data), nil
	}

	// Fit only shrinks; smaller images come back unchanged.
	img = imaging.Fit(img, p.MaxSide, p.MaxSide, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.Quality)); err != nil {
		return dataURL(guessMIME(pathOrURL, data), data), nil
	}
	return dataURL("image/jpeg", buf.Bytes()), nil
}

func isPassthrough(ref string) bool {
	return strings.HasPrefix(ref, "http://") ||
		strings.HasPrefix(ref, "https://") ||
		strings.HasPrefix(ref, "data:")
}

func dataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// guessMIME resolves the MIME type for raw embedding: file extension
// first, content sniffing second, image/png as the last resort.
func guessMIME(path string, data []byte) string {
	if ext := filepath.Ext(path); ext != "" {
		if typ := mime.TypeByExtension(ext); typ != "" {
			if i := strings.IndexByte(typ, ';'); i >= 0 {
				typ = strings.TrimSpace(typ[:i])
			}
			return typ
		}
	}
	if typ := mimetype.Detect(data).String(); strings.HasPrefix(typ, "image/") {
		return typ
	}
	return "image/png"
}

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

// Package naming derives human-friendly display names for content-addressed
// assets and maintains the named/ symlink directory next to the asset store.
//
// A stored file like assets/ab/ab12cd…ef.jpg is unreadable in a file
// browser. The worker gives it an alias such as
// a-cat-playing-with-yarn--ab12cd34.jpg: a slug of the caption, the first
// eight characters of the content hash to keep aliases unique, and the
// original extension.
package naming

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxSlugLen = 64

// fallbackSlug stands in when a title slugifies to nothing, so an alias
// never starts with the sha separator.
const fallbackSlug = "asset"

// Slugify lowercases title and reduces it to [a-z0-9-]: every maximal run
// of other characters becomes a single dash, leading and trailing dashes
// are trimmed, and the result is capped at 64 characters.
func Slugify(title string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(title) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !alnum {
			pendingDash = b.Len() > 0
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	slug := b.String()
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

// PrettyName builds the display name <slug>--<sha8><ext>. The sha segment
// is omitted when sha256 is empty, and an unusable title falls back to
// "asset".
func PrettyName(title, sha256, storagePath, originalName string) string {
	slug := Slugify(title)
	if slug == "" {
		slug = fallbackSlug
	}
	return slug + AliasSuffix(sha256, storagePath, originalName)
}

// AliasSuffix returns the disambiguating tail of a pretty name:
// "--<sha8><ext>", or just the extension when sha256 is empty. The
// extension comes from storagePath, falling back to originalName.
func AliasSuffix(sha256, storagePath, originalName string) string {
	ext := filepath.Ext(storagePath)
	if ext == "" {
		ext = filepath.Ext(originalName)
	}
	if sha256 == "" {
		return ext
	}
	sha8 := sha256
	if len(sha8) > 8 {
		sha8 = sha8[:8]
	}
	return "--" + sha8 + ext
}

// NamedDir returns the alias directory for an asset at storagePath: a
// named/ directory under the project root, which is the parent of the
// parent of the stored file.
func NamedDir(storagePath string) string {
	return filepath.Join(filepath.Dir(filepath.Dir(storagePath)), "named")
}

// ReplaceAlias links pretty to storagePath under the named directory,
// removing any prior alias that carries the same suffix first. Callers log
// and swallow the returned error; alias maintenance never fails a job.
func ReplaceAlias(storagePath, pretty, suffix string) error {
	dir := NamedDir(storagePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create named dir: %w", err)
	}

	// Without a sha the suffix is a bare extension and would match
	// unrelated aliases, so only scan when the separator is present.
	if strings.HasPrefix(suffix, "--") {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("scan named dir: %w", err)
		}
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), suffix) {
				_ = os.Remove(filepath.Join(dir, entry.Name()))
			}
		}
	}

	link := filepath.Join(dir, pretty)
	_ = os.Remove(link)
	if err := os.Symlink(storagePath, link); err != nil {
		return fmt.Errorf("create alias: %w", err)
	}
	return nil
}

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

package tags

import (
	"strings"
	"unicode"
)

// modifierWords are words that describe an object without naming one:
// colors, positions and surfaces, shapes, sizes and counts, and the
// presentation verbs captions lean on. They are removed from candidates
// word by word; a candidate made only of these vanishes entirely.
var modifierWords = wordSet(`
	red orange yellow green blue purple pink brown black white gray grey
	beige tan cream golden silver dark light pale bright colorful colored

	left right top bottom front back upper lower central middle center
	side near far foreground background wall walls floor ceiling corner
	edge

	round square rectangular circular oval triangular curved straight flat

	small large big little tiny huge tall short long wide narrow thin
	thick one two three four five six seven eight nine ten single double
	triple several many few multiple pair group

	shows showing shown depicts depicting depicted features featuring
	featured displays displaying displayed placed positioned arranged
	visible evenly neatly partially slightly mostly
`)

// captionStopwords filter caption tokens before they become candidates:
// connectives, prepositions, spatial words, photo-speak, and small
// numerals. Words under three letters never reach this check.
var captionStopwords = wordSet(`
	the and with this that these those there its his her their our your
	for from into onto over under above below near beside between behind
	through during about against around along across within without upon
	off out own

	are was were been being has have had can will would could should may
	might must

	left right top bottom front back side middle center corner edge
	background foreground

	image photo picture scene view shot photograph close closeup render
	rendering

	one two three four five six seven eight nine ten

	some several many few each other another more most very while where
	which what when who how all any both
`)

func wordSet(words string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(words) {
		set[w] = struct{}{}
	}
	return set
}

// Normalize canonicalizes a candidate into tag form: lowercase, separators
// flattened to spaces, leading articles stripped, modifier words and bare
// numbers removed, at most three words. It returns "" when nothing that
// names an object survives.
func Normalize(candidate string) string {
	s := strings.ToLower(strings.TrimSpace(candidate))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)

	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	words := strings.Fields(b.String())

	for len(words) > 0 && isArticle(words[0]) {
		words = words[1:]
	}

	var kept []string
	for _, w := range words {
		if _, mod := modifierWords[w]; mod {
			continue
		}
		if isDigits(w) {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		return ""
	}
	if len(kept) == 1 && isNonObjectWord(kept[0]) {
		return ""
	}
	if len(kept) > 3 {
		kept = kept[:3]
	}

	result := strings.Join(kept, " ")
	if len(result) < 2 {
		return ""
	}
	return result
}

// CaptionTokens extracts single-word candidates from a caption: lowercase
// words of three or more letters, stopwords removed, first-occurrence
// order preserved.
func CaptionTokens(caption string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(caption) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	seen := make(map[string]struct{})
	var tokens []string
	for _, w := range strings.Fields(b.String()) {
		if len(w) < 3 {
			continue
		}
		if _, stop := captionStopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		tokens = append(tokens, w)
	}
	return tokens
}

func isArticle(w string) bool {
	return w == "a" || w == "an" || w == "the"
}

func isDigits(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(w) > 0
}

// isNonObjectWord rejects a lone word that names no taggable object even
// though the word filters let it through. Mostly scene and photo words
// arriving as query answers.
func isNonObjectWord(w string) bool {
	if _, ok := modifierWords[w]; ok {
		return true
	}
	_, ok := captionStopwords[w]
	return ok
}

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

package vlm

import (
	"bytes"
	"encoding/json"
	"strings"
)

// The normalizers below absorb the payload drift between Moondream
// Station builds and compatible backends. They never fail: unusable input
// yields an empty result and the caller moves on.

// NormalizeDetect extracts bounding boxes from a detect response.
//
// The box list may sit at the top level or under result, keyed objects,
// detections or boxes. Each element may use min/max corners, x/y/w/h, a
// nested box object, or a bare 4-element array. Entries that are
// non-numeric or degenerate (zero or negative extent) are dropped.
func NormalizeDetect(v any) []Box {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	list := boxList(m)
	if list == nil {
		if inner, ok := m["result"].(map[string]any); ok {
			list = boxList(inner)
		}
	}
	var boxes []Box
	for _, el := range list {
		if b, ok := parseBox(el); ok {
			boxes = append(boxes, b)
		}
	}
	return boxes
}

func boxList(m map[string]any) []any {
	for _, key := range []string{"objects", "detections", "boxes"} {
		if l, ok := m[key].([]any); ok {
			return l
		}
	}
	return nil
}

func parseBox(el any) (Box, bool) {
	switch t := el.(type) {
	case map[string]any:
		if b, ok := boxFromCorners(t); ok {
			return b, true
		}
		if b, ok := boxFromXYWH(t); ok {
			return b, true
		}
		if inner, ok := t["box"].(map[string]any); ok {
			return parseBox(inner)
		}
	case []any:
		if len(t) >= 4 {
			x1, ok1 := toFloat(t[0])
			y1, ok2 := toFloat(t[1])
			x2, ok3 := toFloat(t[2])
			y2, ok4 := toFloat(t[3])
			if ok1 && ok2 && ok3 && ok4 {
				return makeBox(x1, y1, x2, y2)
			}
		}
	}
	return Box{}, false
}

func boxFromCorners(m map[string]any) (Box, bool) {
	x1, ok1 := toFloat(m["x_min"])
	y1, ok2 := toFloat(m["y_min"])
	x2, ok3 := toFloat(m["x_max"])
	y2, ok4 := toFloat(m["y_max"])
	if !(ok1 && ok2 && ok3 && ok4) {
		return Box{}, false
	}
	return makeBox(x1, y1, x2, y2)
}

func boxFromXYWH(m map[string]any) (Box, bool) {
	x, ok1 := toFloat(m["x"])
	y, ok2 := toFloat(m["y"])
	w, ok3 := toFloat(m["w"])
	h, ok4 := toFloat(m["h"])
	if !(ok1 && ok2 && ok3 && ok4) {
		return Box{}, false
	}
	return makeBox(x, y, x+w, y+h)
}

func makeBox(x1, y1, x2, y2 float64) (Box, bool) {
	b := Box{XMin: x1, YMin: y1, XMax: x2, YMax: y2, W: x2 - x1, H: y2 - y1}
	if b.W <= 0 || b.H <= 0 {
		return Box{}, false
	}
	return b, true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// NormalizeSegment extracts SVG markup and an optional bounding box from
// a segment response. A raw string is taken as SVG verbatim. A bare path
// definition is wrapped into a minimal SVG document in normalized
// coordinates. Empty SVG means the backend returned nothing usable.
func NormalizeSegment(v any) (string, *Box) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return "", nil
	}

	var bbox *Box
	if bm, ok := m["bbox"].(map[string]any); ok {
		if b, ok := boxFromCorners(bm); ok {
			bbox = &b
		}
	}

	for _, key := range []string{"svg", "mask_svg", "result", "output"} {
		if s, ok := m[key].(string); ok && strings.HasPrefix(strings.TrimSpace(s), "<svg") {
			return s, bbox
		}
	}
	if inner, ok := m["result"].(map[string]any); ok {
		if s, ok := inner["svg"].(string); ok && s != "" {
			return s, bbox
		}
		if d, ok := inner["path"].(string); ok && d != "" {
			return wrapPath(d), bbox
		}
	}
	if d, ok := m["path"].(string); ok && d != "" {
		return wrapPath(d), bbox
	}
	return "", bbox
}

func wrapPath(d string) string {
	return `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 1 1" preserveAspectRatio="none"><path d="` + d + `" fill="white"/></svg>`
}

// NormalizeQuery turns a query response into a flat list of short items.
// The worker asks for JSON arrays, but models routinely answer with plain
// prose, bullet lists, or an array wrapped in an answer field; all of
// those are accepted.
func NormalizeQuery(raw []byte) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	var arr []any
	if err := json.Unmarshal(raw, &arr); err == nil {
		return cleanItems(stringItems(arr))
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"answer", "text", "result", "output", "response"} {
			switch t := obj[key].(type) {
			case string:
				return splitAnswer(t)
			case []any:
				return cleanItems(stringItems(t))
			}
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return splitAnswer(s)
	}
	return splitAnswer(string(raw))
}

// splitAnswer handles a free-text answer: a JSON array serialized as text
// first, then a split on the first of newline, comma or semicolon.
func splitAnswer(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var arr []any
	if err := json.Unmarshal([]byte(s), &arr); err == nil {
		return cleanItems(stringItems(arr))
	}
	for _, sep := range []string{"\n", ",", ";"} {
		if strings.Contains(s, sep) {
			return cleanItems(strings.Split(s, sep))
		}
	}
	return cleanItems([]string{s})
}

func stringItems(arr []any) []string {
	var items []string
	for _, el := range arr {
		if s, ok := el.(string); ok {
			items = append(items, s)
		}
	}
	return items
}

// cleanItems strips list bullets and numbering and drops blanks.
func cleanItems(items []string) []string {
	var out []string
	for _, it := range items {
		if it = stripBullet(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func stripBullet(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "-*•")
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

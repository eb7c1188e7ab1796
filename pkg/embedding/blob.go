// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package embedding

import (
	"encoding/binary"
	"math"
)

// EncodeBlob packs a vector as little-endian float32 bytes, 4 bytes per
// dimension. This is the layout the desktop app reads back for search.
func EncodeBlob(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeBlob is the inverse of EncodeBlob. Returns nil for empty or
// misaligned input.
func DecodeBlob(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

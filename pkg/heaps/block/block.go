// Copyright 2026 The MemSentry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package block plans the byte layout of guarded allocations: a header
// redzone, an aligned body, and a trailer redzone, with padding so that
// every region boundary lands on a shadow-granularity boundary.
package block

// ShadowRatio is the shadow-memory granularity. Block bodies are placed
// and sized in units of this many bytes.
const ShadowRatio = 8

// HeaderSize and TrailerSize are the bytes reserved at the start of the
// left redzone and the end of the right redzone for the per-block
// record (state bits and allocation bookkeeping).
const (
	HeaderSize  = 16
	TrailerSize = 20
)

// Layout describes a planned block:
//
//	| header | header padding | body | trailer padding | trailer |
//
// The sum of all regions is BlockSize, a multiple of the chunk size the
// plan was made for. The body starts at an address aligned to
// BlockAlignment.
type Layout struct {
	BlockAlignment     uint64
	BlockSize          uint64
	HeaderSize         uint64
	HeaderPaddingSize  uint64
	BodySize           uint64
	TrailerPaddingSize uint64
	TrailerSize        uint64
}

// LeftRedzoneSize is the distance from the block start to the body.
func (l Layout) LeftRedzoneSize() uint64 {
	return l.HeaderSize + l.HeaderPaddingSize
}

// RightRedzoneSize is the distance from the body end to the block end.
func (l Layout) RightRedzoneSize() uint64 {
	return l.TrailerPaddingSize + l.TrailerSize
}

func IsPowerOfTwo(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

// AlignUp rounds x up to a multiple of alignment, a power of two.
func AlignUp(x, alignment uint64) uint64 {
	return (x + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds x down to a multiple of alignment, a power of two.
func AlignDown(x, alignment uint64) uint64 {
	return x &^ (alignment - 1)
}

// PlanLayout computes a block layout for a body of the given size with
// redzones of at least the requested sizes, on chunkSize granularity.
// Reports false if the request cannot be planned.
func PlanLayout(
	chunkSize uint64,
	alignment uint64,
	size uint64,
	minLeftRedzone uint64,
	minRightRedzone uint64,
) (Layout, bool) {
	var zero Layout
	if !IsPowerOfTwo(chunkSize) || !IsPowerOfTwo(alignment) {
		return zero, false
	}
	if alignment < ShadowRatio || alignment > chunkSize {
		return zero, false
	}

	// Minimum redzones: the left one must hold the header and keep the
	// body aligned, the right one must hold the trailer.
	left := AlignUp(max(minLeftRedzone, HeaderSize), alignment)
	right := max(minRightRedzone, TrailerSize)

	total := AlignUp(left+size+right, chunkSize)
	if total < size {
		// overflow
		return zero, false
	}

	// Pad the trailer so the body ends on an alignment boundary.
	bodyTrailer := size + right
	bodyTrailerAligned := AlignUp(bodyTrailer, alignment)
	right += bodyTrailerAligned - bodyTrailer

	// The left redzone absorbs the remaining slack.
	left = total - right - size
	if left < HeaderSize || right < TrailerSize {
		return zero, false
	}

	return Layout{
		BlockAlignment:     alignment,
		BlockSize:          total,
		HeaderSize:         HeaderSize,
		HeaderPaddingSize:  left - HeaderSize,
		BodySize:           size,
		TrailerPaddingSize: right - TrailerSize,
		TrailerSize:        TrailerSize,
	}, true
}

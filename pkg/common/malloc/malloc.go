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

// Package malloc provides the allocator used for the heap's own
// bookkeeping structures. It is kept separate from the guarded heap so
// that heap metadata never itself satisfies client allocations.
package malloc

import (
	"sync"
)

const (
	KB = 1 << 10
	MB = 1 << 20
	GB = 1 << 30
)

type Hints uint32

const (
	NoHints Hints = 0
	// NoClear skips zeroing the returned bytes.
	NoClear Hints = 1 << iota
)

type Allocator interface {
	Allocate(size uint64, hints Hints) ([]byte, Deallocator, error)
}

type Deallocator interface {
	Deallocate(hints Hints)
}

var defaultAllocator = sync.OnceValue(func() Allocator {
	return NewClassAllocator(16 * MB)
})

// Default returns the shared metadata allocator.
func Default() Allocator {
	return defaultAllocator()
}

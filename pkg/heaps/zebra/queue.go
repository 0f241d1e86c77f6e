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

package zebra

import (
	"unsafe"

	"github.com/memsentry/memsentry/pkg/common/malloc"
)

// indexQueue is a fixed-capacity FIFO of slab indices. Its backing
// array lives in metadata-allocator memory, never in the guarded heap.
type indexQueue struct {
	buf  []uint32
	head uint64
	n    uint64
}

func newIndexQueue(meta malloc.Allocator, capacity uint64) (indexQueue, malloc.Deallocator, error) {
	bytes, dec, err := meta.Allocate(capacity*uint64(unsafe.Sizeof(uint32(0))), malloc.NoHints)
	if err != nil {
		return indexQueue{}, nil, err
	}
	buf := unsafe.Slice(
		(*uint32)(unsafe.Pointer(unsafe.SliceData(bytes))),
		capacity,
	)
	return indexQueue{buf: buf}, dec, nil
}

func (q *indexQueue) push(v uint32) bool {
	if q.n == uint64(len(q.buf)) {
		return false
	}
	q.buf[(q.head+q.n)%uint64(len(q.buf))] = v
	q.n++
	return true
}

func (q *indexQueue) pop() (uint32, bool) {
	if q.n == 0 {
		return 0, false
	}
	v := q.buf[q.head%uint64(len(q.buf))]
	q.head++
	q.n--
	return v, true
}

func (q *indexQueue) len() uint64 {
	return q.n
}

func (q *indexQueue) empty() bool {
	return q.n == 0
}

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

package malloc

import (
	"sync/atomic"
)

// ClassAllocator serves size-class buckets from per-class channels.
// Requests above the largest class fall through to the Go heap.
type ClassAllocator struct {
	classSizes      []uint64
	pools           []classPool
	deallocatorPool *ClosureDeallocatorPool[classDeallocatorArgs]
}

type classPool struct {
	numAlloc atomic.Int64
	numFree  atomic.Int64
	ch       chan []byte
}

type classDeallocatorArgs struct {
	class int
	buf   []byte
}

func NewClassAllocator(
	maxBufferSize uint64,
) *ClassAllocator {
	const (
		minClassSize    = 128
		maxClassSize    = 1 * MB
		classSizeFactor = 1.5
	)

	classSizes := func() (ret []uint64) {
		for size := uint64(minClassSize); size <= maxClassSize; size = uint64(float64(size) * classSizeFactor) {
			ret = append(ret, size)
		}
		return
	}()

	classSumSize := func() (ret uint64) {
		for _, size := range classSizes {
			ret += size
		}
		return
	}()

	bufferedObjectsPerClass := max(int(maxBufferSize/classSumSize), 1)

	pools := make([]classPool, len(classSizes))
	for i := range pools {
		pools[i].ch = make(chan []byte, bufferedObjectsPerClass)
	}

	ret := &ClassAllocator{
		classSizes: classSizes,
		pools:      pools,
	}
	ret.deallocatorPool = NewClosureDeallocatorPool(
		func(hints Hints, args *classDeallocatorArgs) {
			pool := &ret.pools[args.class]
			select {
			case pool.ch <- args.buf:
				pool.numFree.Add(1)
			default:
				// bucket full, let the GC take it
			}
		},
	)
	return ret
}

var _ Allocator = new(ClassAllocator)

func (c *ClassAllocator) requestSizeToClass(size uint64) int {
	for class, classSize := range c.classSizes {
		if classSize >= size {
			return class
		}
	}
	return -1
}

func (c *ClassAllocator) Allocate(size uint64, hints Hints) ([]byte, Deallocator, error) {
	class := c.requestSizeToClass(size)
	if class == -1 {
		// oversize, no recycling
		return make([]byte, size), NopDeallocator, nil
	}

	classSize := c.classSizes[class]
	pool := &c.pools[class]
	var buf []byte
	select {
	case buf = <-pool.ch:
		pool.numAlloc.Add(1)
		if hints&NoClear == 0 {
			clear(buf)
		}
	default:
		buf = make([]byte, classSize)
	}

	return buf[:size], c.deallocatorPool.Get(classDeallocatorArgs{
		class: class,
		buf:   buf[:classSize],
	}), nil
}

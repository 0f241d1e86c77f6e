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
	"sync"
)

// ClosureDeallocatorPool recycles deallocators whose state is a value
// of type T, avoiding a closure allocation per Allocate call.
type ClosureDeallocatorPool[T any] struct {
	pool sync.Pool
}

type closureDeallocator[T any] struct {
	args T
	fn   func(hints Hints, args *T)
	pool *ClosureDeallocatorPool[T]
}

func (c *closureDeallocator[T]) Deallocate(hints Hints) {
	c.fn(hints, &c.args)
	var zero T
	c.args = zero
	c.pool.pool.Put(c)
}

func NewClosureDeallocatorPool[T any](
	fn func(hints Hints, args *T),
) *ClosureDeallocatorPool[T] {
	ret := &ClosureDeallocatorPool[T]{}
	ret.pool.New = func() any {
		return &closureDeallocator[T]{
			fn:   fn,
			pool: ret,
		}
	}
	return ret
}

func (c *ClosureDeallocatorPool[T]) Get(args T) Deallocator {
	dec := c.pool.Get().(*closureDeallocator[T])
	dec.args = args
	return dec
}

type nopDeallocator struct{}

func (nopDeallocator) Deallocate(Hints) {}

// NopDeallocator is for allocations whose backing memory is reclaimed
// by the garbage collector.
var NopDeallocator Deallocator = nopDeallocator{}

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
	"context"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Reaper periodically pops over-budget quarantine entries and hands
// their disposal to a worker pool. Pop itself enforces the quarantine
// ratio, so the reaper only ever drains the excess.
type Reaper struct {
	heap     *Heap
	interval time.Duration
	pool     *ants.Pool
	dispose  func(CompactBlockInfo)

	cancel context.CancelFunc
	done   chan struct{}
}

type ReaperOption func(*Reaper)

// WithDispose overrides the disposal of popped descriptors. The default
// frees the block back to the heap.
func WithDispose(fn func(CompactBlockInfo)) ReaperOption {
	return func(r *Reaper) {
		r.dispose = fn
	}
}

func NewReaper(h *Heap, interval time.Duration, workers int, opts ...ReaperOption) (*Reaper, error) {
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	r := &Reaper{
		heap:     h,
		interval: interval,
		pool:     pool,
	}
	r.dispose = func(info CompactBlockInfo) {
		h.Free(info.Block)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Reap pops until the quarantine is back within budget, returning the
// number of descriptors handed to the pool.
func (r *Reaper) Reap() int {
	n := 0
	for {
		info, ok := r.heap.Pop()
		if !ok {
			break
		}
		if err := r.pool.Submit(func() {
			r.dispose(info)
		}); err != nil {
			// pool unavailable, dispose inline
			r.dispose(info)
		}
		n++
	}
	return n
}

// Stop halts the loop and waits for queued disposals to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.pool.Release()
}

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
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/memsentry/memsentry/pkg/common/moerr"
	"github.com/memsentry/memsentry/pkg/common/vmem"
	"github.com/memsentry/memsentry/pkg/heaps/block"
)

func newTestHeap(t *testing.T, slabs uint64, opts ...Option) *Heap {
	t.Helper()
	slabSize := 2 * vmem.Default().PageSize()
	h := New(slabs*slabSize, opts...)
	t.Cleanup(h.Close)
	require.Equal(t, slabs, h.SlabCount())
	return h
}

func plainInfo(ptr unsafe.Pointer, size uint64) CompactBlockInfo {
	return CompactBlockInfo{
		Block:     ptr,
		BlockSize: uint32(size),
	}
}

func TestHeapSizeRoundsUpToSlabMultiple(t *testing.T) {
	slabSize := 2 * vmem.Default().PageSize()
	h := New(4*slabSize - 1)
	defer h.Close()
	require.Equal(t, uint64(4), h.SlabCount())
	require.Equal(t, 4*slabSize, h.HeapSize())
	require.Equal(t, slabSize, h.SlabSize())
	require.Equal(t, h.PageSize(), h.MaxAllocationSize())
}

func TestFeatures(t *testing.T) {
	h := newTestHeap(t, 1)
	features := h.Features()
	require.NotZero(t, features&FeatureSupportsIsAllocated)
	require.NotZero(t, features&FeatureReportsReservations)
	require.NotZero(t, features&FeatureSupportsGetAllocationSize)
}

func TestFreeNil(t *testing.T) {
	h := newTestHeap(t, 2)
	require.True(t, h.Free(nil))
	// no slab consumed, both still allocatable
	require.NotNil(t, h.Allocate(1))
	require.NotNil(t, h.Allocate(1))
	require.Nil(t, h.Allocate(1))
}

func TestAllocateBounds(t *testing.T) {
	h := newTestHeap(t, 2)
	require.Nil(t, h.Allocate(0))
	require.Nil(t, h.Allocate(h.PageSize()+1))
	require.NotNil(t, h.Allocate(h.PageSize()))
}

func TestAllocatePlacement(t *testing.T) {
	h := newTestHeap(t, 4)
	base := uintptr(h.base)
	for _, n := range []uint64{1, 7, 8, 100, h.PageSize() - 1} {
		ptr := h.Allocate(n)
		require.NotNil(t, ptr, "size %d", n)
		require.Zero(t, uintptr(ptr)%block.ShadowRatio)

		idx := (uintptr(ptr) - base) / uintptr(h.SlabSize())
		slabStart := base + idx*uintptr(h.SlabSize())
		evenPageEnd := slabStart + uintptr(h.PageSize())
		// block flush against the even page end, modulo alignment
		require.LessOrEqual(t, uintptr(ptr)+uintptr(n), evenPageEnd)
		require.Less(t, evenPageEnd-(uintptr(ptr)+uintptr(n)), uintptr(block.ShadowRatio))

		// memory is writable
		buf := unsafe.Slice((*byte)(ptr), n)
		buf[0] = 0x5A
		buf[n-1] = 0xA5

		require.True(t, h.Free(ptr))
	}
}

func TestIsAllocatedAndSize(t *testing.T) {
	h := newTestHeap(t, 2)
	ptr := h.Allocate(100)
	require.NotNil(t, ptr)
	require.True(t, h.IsAllocated(ptr))
	require.Equal(t, uint64(100), h.AllocationSize(ptr))

	// interior pointers do not resolve as allocations
	interior := unsafe.Add(ptr, 1)
	require.False(t, h.IsAllocated(interior))
	require.Equal(t, UnknownSize, h.AllocationSize(interior))

	// pointers outside the region do not resolve
	outside := unsafe.Pointer(new(byte))
	require.False(t, h.IsAllocated(outside))
	require.Equal(t, UnknownSize, h.AllocationSize(outside))
	require.False(t, h.Free(outside))

	require.False(t, h.IsAllocated(nil))
	require.Equal(t, UnknownSize, h.AllocationSize(nil))

	require.True(t, h.Free(ptr))
	require.False(t, h.IsAllocated(ptr))
	require.Equal(t, UnknownSize, h.AllocationSize(ptr))
}

func TestExhaustion(t *testing.T) {
	h := newTestHeap(t, 4)
	ptrs := make([]unsafe.Pointer, 0, 4)
	for i := 0; i < 4; i++ {
		ptr := h.Allocate(64)
		require.NotNil(t, ptr)
		ptrs = append(ptrs, ptr)
	}
	require.Nil(t, h.Allocate(64))
	// failure left the quarantine untouched and all four live
	require.Zero(t, h.Count())
	for _, ptr := range ptrs {
		require.True(t, h.IsAllocated(ptr))
	}
}

func TestDoubleFree(t *testing.T) {
	h := newTestHeap(t, 1)
	ptr := h.Allocate(32)
	require.NotNil(t, ptr)
	require.True(t, h.Free(ptr))
	require.False(t, h.Free(ptr))
}

func TestRoundRobinReuse(t *testing.T) {
	h := newTestHeap(t, 3)
	a := h.Allocate(16)
	b := h.Allocate(16)
	require.True(t, h.Free(a))
	// the freed slab goes to the tail: the next allocation takes the
	// remaining virgin slab first
	c := h.Allocate(16)
	require.NotEqual(t, a, c)
	d := h.Allocate(16)
	require.Equal(t, a, d)
	require.True(t, h.Free(b))
	require.True(t, h.Free(c))
	require.True(t, h.Free(d))
}

func TestPushPopFIFO(t *testing.T) {
	h := newTestHeap(t, 8, WithQuarantineRatio(0))
	var infos []CompactBlockInfo
	for i := 0; i < 5; i++ {
		ptr := h.Allocate(uint64(16 * (i + 1)))
		require.NotNil(t, ptr)
		info, ok := h.Info(ptr)
		require.True(t, ok)
		require.True(t, h.Push(info))
		infos = append(infos, info)
	}
	require.Equal(t, uint64(5), h.Count())

	// ratio 0: everything is over budget, FIFO order out
	for i := 0; i < 5; i++ {
		got, ok := h.Pop()
		require.True(t, ok)
		require.Equal(t, infos[i], got)
	}
	_, ok := h.Pop()
	require.False(t, ok)
}

func TestPushRejectsStaleDescriptor(t *testing.T) {
	h := newTestHeap(t, 2)
	ptr := h.Allocate(128)
	require.NotNil(t, ptr)

	stale := plainInfo(ptr, 64) // wrong size
	require.False(t, h.Push(stale))

	require.False(t, h.Push(plainInfo(unsafe.Pointer(new(byte)), 1)))

	// exact descriptor works
	require.True(t, h.Push(plainInfo(ptr, 128)))
	// a quarantined slab cannot be pushed again
	require.False(t, h.Push(plainInfo(ptr, 128)))
}

func TestFreeQuarantinedFails(t *testing.T) {
	h := newTestHeap(t, 2, WithQuarantineRatio(0))
	ptr := h.Allocate(64)
	require.NotNil(t, ptr)
	require.True(t, h.Push(plainInfo(ptr, 64)))

	require.False(t, h.Free(ptr))
	// still quarantined and tracked
	require.True(t, h.IsAllocated(ptr))
	require.Equal(t, uint64(1), h.Count())

	info, ok := h.Pop()
	require.True(t, ok)
	require.True(t, h.Free(info.Block))
}

func TestPopHonorsQuarantineRatio(t *testing.T) {
	h := newTestHeap(t, 8)
	require.NoError(t, h.SetQuarantineRatio(0.5))
	for i := 0; i < 8; i++ {
		ptr := h.Allocate(8)
		require.NotNil(t, ptr)
		require.True(t, h.Push(plainInfo(ptr, 8)))
	}
	// 8/8 > 0.5: pops succeed until occupancy reaches 4/8
	for i := 0; i < 4; i++ {
		_, ok := h.Pop()
		require.True(t, ok, "pop %d", i)
	}
	_, ok := h.Pop()
	require.False(t, ok)
	require.LessOrEqual(t,
		float64(h.Count())/float64(h.SlabCount()), h.QuarantineRatio())

	// lowering the ratio re-enables eviction, raising it does not evict
	require.NoError(t, h.SetQuarantineRatio(0.25))
	_, ok = h.Pop()
	require.True(t, ok)
	require.NoError(t, h.SetQuarantineRatio(1))
	_, ok = h.Pop()
	require.False(t, ok)
	require.Equal(t, uint64(3), h.Count())
}

func TestSetQuarantineRatioValidates(t *testing.T) {
	h := newTestHeap(t, 1)
	require.NoError(t, h.SetQuarantineRatio(0))
	require.NoError(t, h.SetQuarantineRatio(1))
	err := h.SetQuarantineRatio(-0.1)
	require.True(t, moerr.IsErrCode(err, moerr.ErrInvalidArg))
	err = h.SetQuarantineRatio(1.1)
	require.True(t, moerr.IsErrCode(err, moerr.ErrInvalidArg))
}

func TestEmptyDrainsFIFO(t *testing.T) {
	h := newTestHeap(t, 4)
	var pushed []CompactBlockInfo
	for i := 0; i < 3; i++ {
		ptr := h.Allocate(32)
		require.NotNil(t, ptr)
		info := plainInfo(ptr, 32)
		require.True(t, h.Push(info))
		pushed = append(pushed, info)
	}

	drained := h.Empty()
	require.Equal(t, pushed, drained)
	require.Zero(t, h.Count())

	// drained slabs are Allocated again: disposal is on the caller
	for _, info := range drained {
		require.True(t, h.IsAllocated(info.Block))
		require.True(t, h.Free(info.Block))
	}
}

func TestAllocateBlock(t *testing.T) {
	h := newTestHeap(t, 4)
	ptr, layout, ok := h.AllocateBlock(1024, 16, 16)
	require.True(t, ok)
	require.NotNil(t, ptr)
	require.Zero(t, uintptr(ptr)%block.ShadowRatio)
	require.Equal(t, h.SlabSize(), layout.BlockSize)
	require.GreaterOrEqual(t, layout.RightRedzoneSize(), h.PageSize())
	require.Less(t, layout.RightRedzoneSize()-h.PageSize(), uint64(block.ShadowRatio))

	// the descriptor records the planned redzones
	info, found := h.Info(ptr)
	require.True(t, found)
	require.Equal(t, uint32(layout.BlockSize), info.BlockSize)
	require.Equal(t, uint16(layout.LeftRedzoneSize()), info.HeaderSize)
	require.Equal(t, uint16(layout.RightRedzoneSize()), info.TrailerSize)
	require.False(t, info.IsNested)

	require.Equal(t, uint64(layout.BlockSize), h.AllocationSize(ptr))
	require.True(t, h.FreeBlock(info))
	require.False(t, h.FreeBlock(info))
	require.False(t, h.FreeBlock(CompactBlockInfo{}))
}

func TestAllocateBlockRejectsOversizeRedzones(t *testing.T) {
	h := newTestHeap(t, 2)
	ptr, _, ok := h.AllocateBlock(16, 0, h.PageSize()+1)
	require.False(t, ok)
	require.Nil(t, ptr)
	ptr, _, ok = h.AllocateBlock(h.PageSize(), 1, 0)
	require.False(t, ok)
	require.Nil(t, ptr)

	// no slab was consumed by the failures
	require.NotNil(t, h.Allocate(1))
	require.NotNil(t, h.Allocate(1))
}

func TestAllocateBlockExhaustion(t *testing.T) {
	h := newTestHeap(t, 1)
	require.NotNil(t, h.Allocate(1))
	ptr, _, ok := h.AllocateBlock(64, 0, 0)
	require.False(t, ok)
	require.Nil(t, ptr)
}

// The end-to-end scenario: four slabs, exhaustion, reuse, then
// ratio-driven quarantine eviction in push order.
func TestFourSlabScenario(t *testing.T) {
	h := newTestHeap(t, 4, WithQuarantineRatio(0.5))

	ptrs := make([]unsafe.Pointer, 4)
	for i := range ptrs {
		ptrs[i] = h.Allocate(h.PageSize())
		require.NotNil(t, ptrs[i])
	}
	require.Nil(t, h.Allocate(h.PageSize()))

	require.True(t, h.Free(ptrs[0]))
	reused := h.Allocate(h.PageSize())
	require.Equal(t, ptrs[0], reused)
	require.True(t, h.Free(reused))

	var infos []CompactBlockInfo
	for _, ptr := range ptrs[1:] {
		info := plainInfo(ptr, h.PageSize())
		require.True(t, h.Push(info))
		infos = append(infos, info)
	}
	require.Equal(t, uint64(3), h.Count())

	// 3/4 > 0.5: first pop returns the earliest push
	got, ok := h.Pop()
	require.True(t, ok)
	require.Equal(t, infos[0], got)

	// 2/4 <= 0.5: back under budget
	_, ok = h.Pop()
	require.False(t, ok)
	require.Equal(t, uint64(2), h.Count())
}

func TestLockBracket(t *testing.T) {
	h := newTestHeap(t, 1)
	h.Lock()
	require.False(t, h.TryLock())
	h.Unlock()
	require.True(t, h.TryLock())
	h.Unlock()
}

func TestNotifierSeesRegion(t *testing.T) {
	n := &recordingNotifier{}
	slabSize := 2 * vmem.Default().PageSize()
	h := New(2*slabSize, WithNotifier(n))
	require.Equal(t, 1, n.reserves)
	require.Equal(t, 2*slabSize, n.lastSize)
	h.Close()
	require.Equal(t, 1, n.releases)
	// closing twice does not release twice
	h.Close()
	require.Equal(t, 1, n.releases)
}

type recordingNotifier struct {
	reserves int
	releases int
	lastSize uint64
}

func (n *recordingNotifier) OnReserve(addr unsafe.Pointer, size uint64) {
	n.reserves++
	n.lastSize = size
}

func (n *recordingNotifier) OnRelease(addr unsafe.Pointer, size uint64) {
	n.releases++
	n.lastSize = size
}

func TestParallelAllocateFree(t *testing.T) {
	h := newTestHeap(t, 64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ptr := h.Allocate(uint64(i%int(h.PageSize()) + 1))
				if ptr == nil {
					continue
				}
				require.True(t, h.IsAllocated(ptr))
				require.True(t, h.Free(ptr))
			}
		}()
	}
	wg.Wait()
	// all slabs back on the free queue
	for i := uint64(0); i < h.SlabCount(); i++ {
		require.NotNil(t, h.Allocate(1))
	}
	require.Nil(t, h.Allocate(1))
}

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

// Package zebra implements a striped slab heap for memory-error
// detection. Every allocation lives at the end of the even page of a
// two-page slab; the unused prefix of the even page and the whole odd
// page are guard space. Freed blocks can be parked in a bounded FIFO
// quarantine so dangling pointers keep faulting for longer.
package zebra

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/memsentry/memsentry/pkg/common/malloc"
	"github.com/memsentry/memsentry/pkg/common/moerr"
	"github.com/memsentry/memsentry/pkg/common/vmem"
	"github.com/memsentry/memsentry/pkg/heaps/block"
	"github.com/memsentry/memsentry/pkg/logutil"
)

// SlabState is the lifecycle state of a slab. Exactly one state holds
// at any time; the only legal transitions are
// Free -> Allocated -> {Free, Quarantined} and Quarantined -> Allocated.
type SlabState uint8

const (
	SlabFree SlabState = iota
	SlabAllocated
	SlabQuarantined
)

// CompactBlockInfo describes the block occupying a slab. It is only
// meaningful while the slab is not free, and is reset to the zero value
// when the slab returns to the free queue.
type CompactBlockInfo struct {
	// Block is the interior pointer handed to the caller.
	Block unsafe.Pointer
	// BlockSize is the full block size in bytes: the requested size for
	// plain allocations, the whole planned block for guarded ones.
	BlockSize uint32
	// HeaderSize and TrailerSize are the left and right redzone sizes,
	// zero for plain allocations.
	HeaderSize  uint16
	TrailerSize uint16
	// IsNested is reserved for composite layouts and always false here.
	IsNested bool
}

type slabInfo struct {
	state SlabState
	info  CompactBlockInfo
	stack StacktraceID
}

// UnknownSize is returned by AllocationSize when the pointer does not
// resolve to a live allocation.
const UnknownSize = ^uint64(0)

const invalidSlab = ^uint64(0)

// Features reported by this heap.
type HeapFeatures uint32

const (
	FeatureSupportsIsAllocated HeapFeatures = 1 << iota
	FeatureReportsReservations
	FeatureSupportsGetAllocationSize
)

// DefaultQuarantineRatio is the fraction of slabs the quarantine may
// hold before Pop starts evicting.
const DefaultQuarantineRatio = 0.25

// Heap is the guarded slab heap. All mutable state is protected by one
// mutex; public operations are short, non-blocking critical sections.
type Heap struct {
	mu sync.Mutex

	base      unsafe.Pointer
	heapSize  uint64
	pageSize  uint64
	slabSize  uint64
	slabCount uint64

	slabs      []slabInfo
	freeSlabs  indexQueue
	quarantine indexQueue

	quarantineRatio float64

	provider vmem.Provider
	notifier vmem.Notifier
	meta     malloc.Allocator
	profiler *Profiler

	metaDeallocators []malloc.Deallocator
}

type Option func(*Heap)

// WithProvider substitutes the OS memory provider, e.g. for tests.
func WithProvider(p vmem.Provider) Option {
	return func(h *Heap) {
		h.provider = p
	}
}

// WithNotifier sets the memory-accounting collaborator told about
// region reservation and release.
func WithNotifier(n vmem.Notifier) Option {
	return func(h *Heap) {
		h.notifier = n
	}
}

// WithMetadataAllocator sets the allocator backing the slab table and
// the free/quarantine queues.
func WithMetadataAllocator(a malloc.Allocator) Option {
	return func(h *Heap) {
		h.meta = a
	}
}

// WithQuarantineRatio sets the initial quarantine occupancy budget.
func WithQuarantineRatio(r float64) Option {
	return func(h *Heap) {
		h.quarantineRatio = r
	}
}

// WithProfiler enables allocation-site profiling.
func WithProfiler(p *Profiler) Option {
	return func(h *Heap) {
		h.profiler = p
	}
}

// New reserves a region of at least heapSize bytes (rounded up to a
// multiple of the slab size) and carves it into free slabs. Failure to
// reserve the region is fatal: there is no fallback to a smaller heap.
func New(heapSize uint64, opts ...Option) *Heap {
	h := &Heap{
		quarantineRatio: DefaultQuarantineRatio,
		provider:        vmem.Default(),
		notifier:        vmem.NopNotifier{},
		meta:            malloc.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.pageSize = h.provider.PageSize()
	h.slabSize = 2 * h.pageSize
	// Round up so no incomplete slab sits at the end of the region.
	h.heapSize = block.AlignUp(heapSize, h.slabSize)
	h.slabCount = h.heapSize / h.slabSize

	base, err := h.provider.ReserveAndCommit(h.heapSize)
	if err != nil {
		logutil.Fatal("zebra: cannot reserve heap region",
			zap.Uint64("size", h.heapSize),
			zap.Error(err),
		)
	}
	h.base = base
	h.notifier.OnReserve(h.base, h.heapSize)

	h.slabs = h.newSlabTable()
	h.freeSlabs = h.newQueue()
	h.quarantine = h.newQueue()
	for i := uint64(0); i < h.slabCount; i++ {
		h.freeSlabs.push(uint32(i))
	}

	logutil.Debug("zebra: heap ready",
		zap.Uint64("slabs", h.slabCount),
		zap.Uint64("slab size", h.slabSize),
	)
	return h
}

func (h *Heap) newSlabTable() []slabInfo {
	var info slabInfo
	bytes, dec, err := h.meta.Allocate(h.slabCount*uint64(unsafe.Sizeof(info)), malloc.NoHints)
	if err != nil {
		logutil.Fatal("zebra: cannot allocate slab table", zap.Error(err))
	}
	h.metaDeallocators = append(h.metaDeallocators, dec)
	return unsafe.Slice(
		(*slabInfo)(unsafe.Pointer(unsafe.SliceData(bytes))),
		h.slabCount,
	)
}

func (h *Heap) newQueue() indexQueue {
	q, dec, err := newIndexQueue(h.meta, h.slabCount)
	if err != nil {
		logutil.Fatal("zebra: cannot allocate slab queue", zap.Error(err))
	}
	h.metaDeallocators = append(h.metaDeallocators, dec)
	return q
}

// Close releases the backing region. The heap must not be used after.
func (h *Heap) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.base == nil {
		return
	}
	if err := h.provider.Release(h.base, h.heapSize); err != nil {
		logutil.Fatal("zebra: cannot release heap region", zap.Error(err))
	}
	h.notifier.OnRelease(h.base, h.heapSize)
	h.base = nil
	h.slabs = nil
	h.freeSlabs = indexQueue{}
	h.quarantine = indexQueue{}
	for _, dec := range h.metaDeallocators {
		dec.Deallocate(malloc.NoHints)
	}
	h.metaDeallocators = nil
}

func (h *Heap) Features() HeapFeatures {
	return FeatureSupportsIsAllocated |
		FeatureReportsReservations |
		FeatureSupportsGetAllocationSize
}

func (h *Heap) PageSize() uint64  { return h.pageSize }
func (h *Heap) SlabSize() uint64  { return h.slabSize }
func (h *Heap) SlabCount() uint64 { return h.slabCount }
func (h *Heap) HeapSize() uint64  { return h.heapSize }

// MaxAllocationSize is the largest request this heap serves. Larger
// requests must go to a fallback allocator.
func (h *Heap) MaxAllocationSize() uint64 { return h.pageSize }

// Lock freezes the heap, e.g. while the runtime inspects slab memory
// during error capture. Mutating operations take the lock themselves
// and must not be called while holding it.
func (h *Heap) Lock() { h.mu.Lock() }

func (h *Heap) Unlock() { h.mu.Unlock() }

func (h *Heap) TryLock() bool { return h.mu.TryLock() }

// Allocate returns a pointer to bytes usable bytes, or nil when bytes
// is out of (0, page size] or no free slab remains. The block is placed
// flush against the end of the slab's even page, aligned down to the
// shadow ratio.
func (h *Heap) Allocate(bytes uint64) unsafe.Pointer {
	stack := h.captureStack()
	h.mu.Lock()
	defer h.mu.Unlock()
	si := h.allocateSlabLocked(bytes, stack)
	if si == nil {
		return nil
	}
	if h.profiler != nil {
		h.profiler.recordAllocate(stack, uint64(si.info.BlockSize))
	}
	return si.info.Block
}

// Free returns the slab holding ptr to the free queue. Freeing nil
// succeeds with no state change. Freeing an unresolved pointer, an
// already-free slab (double free) or a quarantined slab fails.
func (h *Heap) Free(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.slabIndex(ptr)
	if idx == invalidSlab {
		contractViolationResolveCounter.Inc()
		return false
	}
	si := &h.slabs[idx]
	if si.info.Block != ptr {
		contractViolationResolveCounter.Inc()
		return false
	}
	if si.state == SlabQuarantined {
		// Quarantined blocks must come back through Pop first.
		contractViolationQuarantinedFreeCounter.Inc()
		return false
	}
	if si.state == SlabFree {
		contractViolationDoubleFreeCounter.Inc()
		return false
	}

	if h.profiler != nil {
		h.profiler.recordFree(si.stack, uint64(si.info.BlockSize))
	}
	si.info = CompactBlockInfo{}
	si.stack = 0
	si.state = SlabFree
	// Append to the tail: round-robin reuse maximizes the time before
	// any given address is handed out again.
	h.freeSlabs.push(uint32(idx))

	freeCounter.Inc()
	inuseSlabsGauge.Dec()
	return true
}

// IsAllocated reports whether ptr is the block pointer of a non-free
// slab.
func (h *Heap) IsAllocated(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.slabIndex(ptr)
	if idx == invalidSlab {
		return false
	}
	si := &h.slabs[idx]
	if si.state == SlabFree {
		return false
	}
	return si.info.Block == ptr
}

// AllocationSize returns the block size recorded for ptr, or
// UnknownSize when ptr does not resolve to a live allocation.
func (h *Heap) AllocationSize(ptr unsafe.Pointer) uint64 {
	if ptr == nil {
		return UnknownSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.slabIndex(ptr)
	if idx == invalidSlab {
		return UnknownSize
	}
	si := &h.slabs[idx]
	if si.state == SlabFree {
		return UnknownSize
	}
	if si.info.Block != ptr {
		return UnknownSize
	}
	return uint64(si.info.BlockSize)
}

// Info returns the descriptor recorded for ptr, for callers preparing a
// Push.
func (h *Heap) Info(ptr unsafe.Pointer) (CompactBlockInfo, bool) {
	if ptr == nil {
		return CompactBlockInfo{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.slabIndex(ptr)
	if idx == invalidSlab {
		return CompactBlockInfo{}, false
	}
	si := &h.slabs[idx]
	if si.state == SlabFree || si.info.Block != ptr {
		return CompactBlockInfo{}, false
	}
	return si.info, true
}

// AllocateBlock allocates a guarded block: the planned layout must fill
// exactly one slab, with the whole odd page (give or take less than one
// shadow unit) as the right redzone. The returned pointer is the block
// start, aligned to the shadow ratio. Fails without consuming a slab if
// the redzones cannot fit.
func (h *Heap) AllocateBlock(
	size uint64,
	minLeftRedzone uint64,
	minRightRedzone uint64,
) (unsafe.Pointer, block.Layout, bool) {
	var zero block.Layout
	// Redzones beyond a page would force a non-standard layout.
	if size > h.pageSize || minLeftRedzone > h.pageSize ||
		minLeftRedzone+size > h.pageSize {
		return nil, zero, false
	}
	if minRightRedzone > h.pageSize {
		return nil, zero, false
	}

	layout, ok := block.PlanLayout(
		h.pageSize,
		block.ShadowRatio,
		size,
		minLeftRedzone,
		max(h.pageSize, minRightRedzone),
	)
	if !ok {
		return nil, zero, false
	}

	if layout.BlockSize != h.slabSize {
		return nil, zero, false
	}
	rz := layout.RightRedzoneSize()
	// The body must end within one shadow unit of the odd page.
	if rz < h.pageSize || rz-h.pageSize >= block.ShadowRatio {
		return nil, zero, false
	}

	stack := h.captureStack()
	h.mu.Lock()
	defer h.mu.Unlock()
	si := h.allocateSlabLocked(h.pageSize, stack)
	if si == nil {
		return nil, zero, false
	}
	si.info.BlockSize = uint32(layout.BlockSize)
	si.info.HeaderSize = uint16(layout.LeftRedzoneSize())
	si.info.TrailerSize = uint16(layout.RightRedzoneSize())
	si.info.IsNested = false
	if h.profiler != nil {
		h.profiler.recordAllocate(stack, layout.BlockSize)
	}
	return si.info.Block, layout, true
}

// FreeBlock frees a guarded block by its descriptor.
func (h *Heap) FreeBlock(info CompactBlockInfo) bool {
	if info.Block == nil {
		return false
	}
	return h.Free(info.Block)
}

// Push moves an allocated slab into the quarantine. The supplied
// descriptor must match the recorded one exactly, defending against a
// stale descriptor pushed after the slab was reused.
func (h *Heap) Push(info CompactBlockInfo) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.slabIndex(info.Block)
	if idx == invalidSlab {
		return false
	}
	si := &h.slabs[idx]
	if si.state != SlabAllocated {
		return false
	}
	if si.info != info {
		contractViolationStalePushCounter.Inc()
		return false
	}

	h.quarantine.push(uint32(idx))
	si.state = SlabQuarantined
	quarantineSlabsGauge.Inc()
	return true
}

// Pop evicts the oldest quarantined slab, but only while the quarantine
// is over budget: it reports false when the quarantine is empty or
// occupancy is already at or below the quarantine ratio. The popped
// slab returns to the Allocated state and its disposal becomes the
// caller's responsibility.
func (h *Heap) Pop() (CompactBlockInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.quarantineSatisfiedLocked() {
		return CompactBlockInfo{}, false
	}

	idx, _ := h.quarantine.pop()
	si := &h.slabs[idx]
	si.state = SlabAllocated
	quarantineSlabsGauge.Dec()
	return si.info, true
}

// Empty drains the whole quarantine in FIFO order, returning every
// descriptor. Drained slabs become Allocated; they are not freed.
func (h *Heap) Empty() []CompactBlockInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]CompactBlockInfo, 0, h.quarantine.len())
	for {
		idx, ok := h.quarantine.pop()
		if !ok {
			break
		}
		si := &h.slabs[idx]
		si.state = SlabAllocated
		infos = append(infos, si.info)
	}
	quarantineSlabsGauge.Sub(float64(len(infos)))
	return infos
}

// Count returns the quarantine length.
func (h *Heap) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quarantine.len()
}

// SetQuarantineRatio changes the occupancy budget for future Pop calls.
// Lowering it does not evict anything by itself.
func (h *Heap) SetQuarantineRatio(r float64) error {
	if r < 0 || r > 1 {
		return moerr.NewInvalidArg("quarantine ratio", r)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.quarantineRatio = r
	return nil
}

func (h *Heap) QuarantineRatio() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quarantineRatio
}

func (h *Heap) allocateSlabLocked(bytes uint64, stack StacktraceID) *slabInfo {
	if bytes == 0 || bytes > h.pageSize {
		return nil
	}
	idx, ok := h.freeSlabs.pop()
	if !ok {
		allocateFailCounter.Inc()
		return nil
	}

	// Push the allocation against the end of the even page, then align
	// down to the shadow granularity. The region base is page aligned,
	// so offsets within it align the same as absolute addresses.
	slabOffset := uint64(idx) * h.slabSize
	allocOffset := block.AlignDown(slabOffset+h.pageSize-bytes, block.ShadowRatio)

	si := &h.slabs[idx]
	si.state = SlabAllocated
	si.info = CompactBlockInfo{
		Block:     unsafe.Add(h.base, allocOffset),
		BlockSize: uint32(bytes),
	}
	si.stack = stack

	allocateCounter.Inc()
	inuseSlabsGauge.Inc()
	return si
}

func (h *Heap) quarantineSatisfiedLocked() bool {
	return h.quarantine.empty() ||
		float64(h.quarantine.len())/float64(h.slabCount) <= h.quarantineRatio
}

// slabIndex resolves an address to the slab containing it, or
// invalidSlab when the address is outside the region. All raw offset
// math stays in this routine.
func (h *Heap) slabIndex(ptr unsafe.Pointer) uint64 {
	addr := uintptr(ptr)
	base := uintptr(h.base)
	if h.base == nil || addr < base || addr >= base+uintptr(h.heapSize) {
		return invalidSlab
	}
	return uint64(addr-base) / h.slabSize
}

func (h *Heap) captureStack() StacktraceID {
	if h.profiler == nil {
		return 0
	}
	return GetStacktraceID(2)
}

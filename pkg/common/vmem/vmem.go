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

// Package vmem abstracts the OS virtual-memory operations the guarded
// heap needs: one reservation at construction, one release at teardown.
package vmem

import (
	"unsafe"
)

// Provider reserves and commits page-aligned virtual memory.
type Provider interface {
	PageSize() uint64
	ReserveAndCommit(size uint64) (unsafe.Pointer, error)
	Release(addr unsafe.Pointer, size uint64) error
}

// Notifier is told about region reservation and release, for memory
// accounting outside the heap.
type Notifier interface {
	OnReserve(addr unsafe.Pointer, size uint64)
	OnRelease(addr unsafe.Pointer, size uint64)
}

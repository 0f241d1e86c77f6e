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

//go:build unix

package vmem

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Default returns the OS-backed provider.
func Default() Provider {
	return mmapProvider{}
}

type mmapProvider struct{}

var _ Provider = mmapProvider{}

func (mmapProvider) PageSize() uint64 {
	return uint64(os.Getpagesize())
}

func (mmapProvider) ReserveAndCommit(size uint64) (unsafe.Pointer, error) {
	slice, err := unix.Mmap(
		-1, 0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(unsafe.SliceData(slice)), nil
}

func (mmapProvider) Release(addr unsafe.Pointer, size uint64) error {
	return unix.Munmap(
		unsafe.Slice((*byte)(addr), size),
	)
}

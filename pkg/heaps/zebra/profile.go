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
	"hash/maphash"
	"io"
	"runtime"
	"slices"
	"sync"
	"unsafe"

	"github.com/google/pprof/profile"
)

// StacktraceID identifies an allocation site by a hash of its program
// counters.
type StacktraceID uint64

var (
	stackIDToPCs sync.Map // StacktraceID -> []uintptr
	stackSeed    = maphash.MakeSeed()
	pcsPool      = sync.Pool{
		New: func() any {
			slice := make([]uintptr, 128)
			return &slice
		},
	}
)

// GetStacktraceID captures the calling stack, skipping skip frames
// above the caller, and interns it.
func GetStacktraceID(skip int) StacktraceID {
	pcsPtr := pcsPool.Get().(*[]uintptr)
	pcs := (*pcsPtr)[:cap(*pcsPtr)]
	n := runtime.Callers(2+skip, pcs)
	pcs = pcs[:n]

	var hasher maphash.Hash
	hasher.SetSeed(stackSeed)
	for _, pc := range pcs {
		hasher.Write(
			unsafe.Slice((*byte)(unsafe.Pointer(&pc)), unsafe.Sizeof(pc)),
		)
	}
	id := StacktraceID(hasher.Sum64())

	if _, ok := stackIDToPCs.Load(id); !ok {
		stackIDToPCs.LoadOrStore(id, slices.Clone(pcs))
	}
	pcsPool.Put(pcsPtr)
	return id
}

func stacktracePCs(id StacktraceID) []uintptr {
	v, ok := stackIDToPCs.Load(id)
	if !ok {
		return nil
	}
	return v.([]uintptr)
}

// Profiler aggregates per-allocation-site counters and renders them as
// a pprof heap profile.
type Profiler struct {
	mu      sync.Mutex
	samples map[StacktraceID]*heapSample
}

type heapSample struct {
	allocatedObjects uint64
	allocatedBytes   uint64
	inuseObjects     int64
	inuseBytes       int64
}

func NewProfiler() *Profiler {
	return &Profiler{
		samples: make(map[StacktraceID]*heapSample),
	}
}

func (p *Profiler) recordAllocate(id StacktraceID, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.samples[id]
	if s == nil {
		s = &heapSample{}
		p.samples[id] = s
	}
	s.allocatedObjects++
	s.allocatedBytes += size
	s.inuseObjects++
	s.inuseBytes += int64(size)
}

func (p *Profiler) recordFree(id StacktraceID, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.samples[id]
	if s == nil {
		return
	}
	s.inuseObjects--
	s.inuseBytes -= int64(size)
}

// WriteProfile writes the current samples as a pprof profile with
// allocated/inuse objects and bytes sample types.
func (p *Profiler) WriteProfile(w io.Writer) error {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "allocated_objects", Unit: "object"},
			{Type: "allocated_bytes", Unit: "bytes"},
			{Type: "inuse_objects", Unit: "object"},
			{Type: "inuse_bytes", Unit: "bytes"},
		},
		DefaultSampleType: "inuse_bytes",
	}

	locByAddr := make(map[uint64]*profile.Location)
	fnByName := make(map[string]*profile.Function)

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.samples {
		pcs := stacktracePCs(id)
		if len(pcs) == 0 {
			continue
		}
		var locs []*profile.Location
		frames := runtime.CallersFrames(pcs)
		for {
			frame, more := frames.Next()
			addr := uint64(frame.PC)
			loc := locByAddr[addr]
			if loc == nil {
				fn := fnByName[frame.Function]
				if fn == nil {
					fn = &profile.Function{
						ID:         uint64(len(fnByName) + 1),
						Name:       frame.Function,
						SystemName: frame.Function,
						Filename:   frame.File,
					}
					fnByName[frame.Function] = fn
					prof.Function = append(prof.Function, fn)
				}
				loc = &profile.Location{
					ID:      uint64(len(locByAddr) + 1),
					Address: addr,
					Line: []profile.Line{
						{Function: fn, Line: int64(frame.Line)},
					},
				}
				locByAddr[addr] = loc
				prof.Location = append(prof.Location, loc)
			}
			locs = append(locs, loc)
			if !more {
				break
			}
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locs,
			Value: []int64{
				int64(s.allocatedObjects),
				int64(s.allocatedBytes),
				s.inuseObjects,
				s.inuseBytes,
			},
		})
	}

	return prof.Write(w)
}

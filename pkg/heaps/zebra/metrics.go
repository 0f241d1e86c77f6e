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

import "github.com/prometheus/client_golang/prometheus"

var (
	allocateCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memsentry",
			Subsystem: "zebra",
			Name:      "allocate_total",
			Help:      "Total number of slab allocations.",
		})

	allocateFailCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memsentry",
			Subsystem: "zebra",
			Name:      "allocate_fail_total",
			Help:      "Total number of allocations refused for slab exhaustion.",
		})

	freeCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memsentry",
			Subsystem: "zebra",
			Name:      "free_total",
			Help:      "Total number of slabs returned to the free queue.",
		})

	inuseSlabsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memsentry",
			Subsystem: "zebra",
			Name:      "inuse_slabs",
			Help:      "Number of slabs currently allocated or quarantined.",
		})

	quarantineSlabsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memsentry",
			Subsystem: "zebra",
			Name:      "quarantine_slabs",
			Help:      "Number of slabs currently quarantined.",
		})

	contractViolationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memsentry",
			Subsystem: "zebra",
			Name:      "contract_violation_total",
			Help:      "Total number of caller contract violations detected.",
		}, []string{"type"})

	contractViolationResolveCounter         = contractViolationCounter.WithLabelValues("bad_pointer")
	contractViolationDoubleFreeCounter      = contractViolationCounter.WithLabelValues("double_free")
	contractViolationQuarantinedFreeCounter = contractViolationCounter.WithLabelValues("quarantined_free")
	contractViolationStalePushCounter       = contractViolationCounter.WithLabelValues("stale_push")
)

// RegisterMetrics registers the heap collectors with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(allocateCounter)
	r.MustRegister(allocateFailCounter)
	r.MustRegister(freeCounter)
	r.MustRegister(inuseSlabsGauge)
	r.MustRegister(quarantineSlabsGauge)
	r.MustRegister(contractViolationCounter)
}

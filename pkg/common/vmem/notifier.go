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

package vmem

import (
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
)

type NopNotifier struct{}

var _ Notifier = NopNotifier{}

func (NopNotifier) OnReserve(addr unsafe.Pointer, size uint64) {}
func (NopNotifier) OnRelease(addr unsafe.Pointer, size uint64) {}

var (
	reservedBytesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memsentry",
			Subsystem: "vmem",
			Name:      "reserved_bytes",
			Help:      "Bytes of virtual memory currently reserved for guarded heaps.",
		})

	reserveCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memsentry",
			Subsystem: "vmem",
			Name:      "reserve_total",
			Help:      "Total number of region reservations.",
		})
)

// RegisterMetrics registers the vmem collectors with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(reservedBytesGauge)
	r.MustRegister(reserveCounter)
}

// MetricsNotifier accounts reserved regions in prometheus gauges.
type MetricsNotifier struct{}

var _ Notifier = MetricsNotifier{}

func (MetricsNotifier) OnReserve(addr unsafe.Pointer, size uint64) {
	reservedBytesGauge.Add(float64(size))
	reserveCounter.Inc()
}

func (MetricsNotifier) OnRelease(addr unsafe.Pointer, size uint64) {
	reservedBytesGauge.Sub(float64(size))
}

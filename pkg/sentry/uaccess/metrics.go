// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uaccess

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label values.
const (
	directionIn   = "in"
	directionOut  = "out"
	directionZero = "zero"

	pathFast    = "fast"
	pathGeneral = "general"
)

// Metrics are the engine's counters. A nil *Metrics records nothing.
type Metrics struct {
	// Copies counts copies by direction and path.
	Copies *prometheus.CounterVec

	// Uncopied counts bytes not transferred, by direction.
	Uncopied *prometheus.CounterVec

	// PinnedPages counts pages pinned.
	PinnedPages prometheus.Counter

	// PinShortfalls counts copies that pinned fewer pages than requested.
	PinShortfalls prometheus.Counter

	// Chunks counts chunks attempted.
	Chunks prometheus.Counter

	// ChunkFaults counts chunks that failed.
	ChunkFaults prometheus.Counter
}

// NewMetrics creates the engine's metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Copies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uaccess",
			Name:      "copies_total",
			Help:      "Copies performed, by direction and path.",
		}, []string{"direction", "path"}),
		Uncopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uaccess",
			Name:      "uncopied_bytes_total",
			Help:      "Bytes that could not be transferred.",
		}, []string{"direction"}),
		PinnedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uaccess",
			Name:      "pinned_pages_total",
			Help:      "Foreign pages pinned.",
		}),
		PinShortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uaccess",
			Name:      "pin_shortfalls_total",
			Help:      "Copies that pinned fewer pages than they span.",
		}),
		Chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uaccess",
			Name:      "chunks_total",
			Help:      "Chunks attempted.",
		}),
		ChunkFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uaccess",
			Name:      "chunk_faults_total",
			Help:      "Chunks that failed mid-transfer.",
		}),
	}
	for _, c := range []prometheus.Collector{m.Copies, m.Uncopied, m.PinnedPages, m.PinShortfalls, m.Chunks, m.ChunkFaults} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) copied(direction, path string, uncopied uint64) {
	if m == nil {
		return
	}
	m.Copies.WithLabelValues(direction, path).Inc()
	if uncopied != 0 {
		m.Uncopied.WithLabelValues(direction).Add(float64(uncopied))
	}
}

func (m *Metrics) pinned(pinned, want int) {
	if m == nil {
		return
	}
	m.PinnedPages.Add(float64(pinned))
	if pinned < want {
		m.PinShortfalls.Inc()
	}
}

func (m *Metrics) chunk() {
	if m != nil {
		m.Chunks.Inc()
	}
}

func (m *Metrics) chunkFault() {
	if m != nil {
		m.ChunkFaults.Inc()
	}
}

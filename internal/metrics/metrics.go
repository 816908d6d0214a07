// Copyright 2024 Alexandre Mahdhaoui
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

// Package metrics exposes Prometheus instrumentation for clone lifecycle
// operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wronai/clonebox/internal/types"
)

// Metrics instruments lifecycle operations. A nil *Metrics is valid and
// records nothing, so callers never need to branch on instrumentation being
// enabled.
type Metrics struct {
	operations *prometheus.CounterVec
	rollbacks  prometheus.Counter
	duration   *prometheus.HistogramVec
	vms        *prometheus.GaugeVec
}

// New registers the clonebox collectors with reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clonebox",
			Name:      "operations_total",
			Help:      "Lifecycle operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clonebox",
			Name:      "rollbacks_total",
			Help:      "Provisioning rollbacks triggered by failed creates.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clonebox",
			Name:      "operation_duration_seconds",
			Help:      "Lifecycle operation latency by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		vms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clonebox",
			Name:      "vms",
			Help:      "Managed VMs by current state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.operations, m.rollbacks, m.duration, m.vms)
	return m
}

// ObserveOperation records one completed operation.
func (m *Metrics) ObserveOperation(kind types.EventKind, outcome types.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(kind), string(outcome)).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// SetVMStates replaces the per-state VM gauge with a fresh tally. States
// absent from counts are zeroed so stale series do not linger between
// reconcile passes.
func (m *Metrics) SetVMStates(counts map[types.VMState]int) {
	if m == nil {
		return
	}
	for _, s := range []types.VMState{
		types.StateProvisioning,
		types.StateRunning,
		types.StateStopped,
		types.StateFailed,
	} {
		m.vms.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// ObserveRollback records one provisioning rollback.
func (m *Metrics) ObserveRollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

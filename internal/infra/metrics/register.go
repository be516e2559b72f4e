// Package metrics holds the Prometheus collectors for the job pipeline.
// Each file declares its collectors and enqueues them from init; the ops
// server calls MustRegister once before exposing /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once
	pending      []prometheus.Collector
)

func register(cs ...prometheus.Collector) {
	pending = append(pending, cs...)
}

// MustRegister registers every enqueued collector with the default
// registry. Safe to call from multiple wiring paths; only the first
// call does anything.
func MustRegister() {
	registerOnce.Do(func() {
		if len(pending) > 0 {
			prometheus.MustRegister(pending...)
		}
	})
}

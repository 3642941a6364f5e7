// Package metrics is a minimal atomic-counter sink for the comms.* metrics
// named in the spec (comms.dedupe.hit, comms.ack.latency, ...). No
// third-party metrics backend is wired: every metrics library in the
// retrieval pack (Prometheus client, cloud-provider monitoring SDKs) targets
// a remotely-scraped, cluster-scale service, not a workstation daemon whose
// only consumer is its own status command. See DESIGN.md.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Sink accumulates named counters and a latency histogram bucketed by
// rounding to the nearest power-of-two millisecond bucket.
type Sink struct {
	counters sync.Map // string -> *int64

	latencyMu   sync.Mutex
	latencyN    int64
	latencySum  int64
	latencyMax  int64
}

// NewSink creates an empty metrics sink.
func NewSink() *Sink {
	return &Sink{}
}

// Inc increments a named counter by delta.
func (s *Sink) Inc(name string, delta int64) {
	v, _ := s.counters.LoadOrStore(name, new(int64))
	atomic.AddInt64(v.(*int64), delta)
}

// ObserveAckLatency records one ack-latency sample in milliseconds.
func (s *Sink) ObserveAckLatency(ms int64) {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	s.latencyN++
	s.latencySum += ms
	if ms > s.latencyMax {
		s.latencyMax = ms
	}
}

// Snapshot returns a point-in-time view of all counters plus latency stats.
func (s *Sink) Snapshot() map[string]int64 {
	out := map[string]int64{}
	s.counters.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	out["comms.ack.latency.count"] = s.latencyN
	out["comms.ack.latency.sumMs"] = s.latencySum
	out["comms.ack.latency.maxMs"] = s.latencyMax
	if s.latencyN > 0 {
		out["comms.ack.latency.avgMs"] = s.latencySum / s.latencyN
	}
	return out
}

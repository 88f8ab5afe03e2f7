package observe

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"
)

// Metrics counts hook events with atomic counters and exposes them in the
// Prometheus text format.
type Metrics struct {
	connectionsEstablished atomic.Int64
	connectionsLostRetry   atomic.Int64
	connectionsLostFatal   atomic.Int64
	reconnectsScheduled    atomic.Int64
	reconnectDelayMs       atomic.Int64
	duplicatesSuppressed   atomic.Int64
	streamsFailed          atomic.Int64
	durabilityDropped      atomic.Int64
	durabilityWriteFailed  atomic.Int64
	durabilityAbandoned    atomic.Int64

	// activeStreams is maintained by the session layer.
	activeStreams atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) ConnectionEstablished(Stream) { m.connectionsEstablished.Add(1) }

func (m *Metrics) ConnectionLost(_ Stream, retryable bool, _ error) {
	if retryable {
		m.connectionsLostRetry.Add(1)
		return
	}
	m.connectionsLostFatal.Add(1)
}

func (m *Metrics) ReconnectScheduled(_ Stream, _ int, delay time.Duration) {
	m.reconnectsScheduled.Add(1)
	m.reconnectDelayMs.Add(delay.Milliseconds())
}

func (m *Metrics) DuplicateSuppressed(Stream, string) { m.duplicatesSuppressed.Add(1) }
func (m *Metrics) StreamFailed(Stream, error) { m.streamsFailed.Add(1) }
func (m *Metrics) DurabilityDropped(string) { m.durabilityDropped.Add(1) }
func (m *Metrics) DurabilityWriteFailed(string, int, error) { m.durabilityWriteFailed.Add(1) }
func (m *Metrics) DurabilityAbandoned(string, int, error) { m.durabilityAbandoned.Add(1) }

// StreamStarted and StreamStopped track the active stream gauge.
func (m *Metrics) StreamStarted() { m.activeStreams.Add(1) }
func (m *Metrics) StreamStopped() { m.activeStreams.Add(-1) }

// Snapshot returns the current values keyed by metric name.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"connections_established_total":      m.connectionsEstablished.Load(),
		"connections_lost_retryable_total":   m.connectionsLostRetry.Load(),
		"connections_lost_fatal_total":       m.connectionsLostFatal.Load(),
		"reconnects_scheduled_total":         m.reconnectsScheduled.Load(),
		"reconnect_delay_milliseconds_total": m.reconnectDelayMs.Load(),
		"duplicates_suppressed_total":        m.duplicatesSuppressed.Load(),
		"streams_failed_total":               m.streamsFailed.Load(),
		"durability_dropped_total":           m.durabilityDropped.Load(),
		"durability_write_failed_total":      m.durabilityWriteFailed.Load(),
		"durability_abandoned_total":         m.durabilityAbandoned.Load(),
		"active_streams":                     m.activeStreams.Load(),
	}
}

// WritePrometheus writes every metric as one line, sorted by name.
func (m *Metrics) WritePrometheus(w io.Writer) error {
	snap := m.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		kind := "counter"
		if name == "active_streams" {
			kind = "gauge"
		}
		if _, err := fmt.Fprintf(w, "# TYPE streamrelay_%s %s\nstreamrelay_%s %d\n", name, kind, name, snap[name]); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_ = m.WritePrometheus(w)
	})
}

var _ Hook = (*Metrics)(nil)

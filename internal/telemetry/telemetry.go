// Package telemetry exposes counters and gauges for the rollback session
// and orchestrator on their own metrics.Set, written out in Prometheus
// text format.
//
// Adapted from a hand-rolled Fprintln-per-line WritePrometheus method
// (atlas_nspkt_* gauges/counters keyed by a type label) seen in a
// connectionless-packet listener for the same kind of peer-networking
// service, generalized to use github.com/VictoriaMetrics/metrics's
// registry instead of formatting each line by hand. Gauges in that
// library are pull-based (a callback invoked on scrape), so every gauge
// here is backed by an atomic value the callback reads.
package telemetry

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/atomic"

	"github.com/kokokino/talonlance/internal/core"
	"github.com/kokokino/talonlance/internal/rollback"
)

// Metrics holds the counters and gauges one session/orchestrator pair
// reports, all registered on a private metrics.Set so multiple sessions in
// the same process (e.g. in tests) don't collide on the global default set.
type Metrics struct {
	set *metrics.Set

	framesAdvanced   *metrics.Counter
	rollbacksTotal   *metrics.Counter
	rollbackDepth    *metrics.Histogram
	desyncsTotal     *metrics.Counter
	disconnectsTotal *metrics.Counter

	currentFrame   atomic.Int64
	syncFrameDelta atomic.Int64
	peerRTTMs      [core.PlayerCapacity]atomic.Float64
}

// New creates a Metrics bound to localSlot, with gauges for every other
// peer slot's RTT.
func New(localSlot core.PeerSlot) *Metrics {
	set := metrics.NewSet()

	m := &Metrics{
		set:              set,
		framesAdvanced:   set.NewCounter("talonlance_frames_advanced_total"),
		rollbacksTotal:   set.NewCounter("talonlance_rollbacks_total"),
		rollbackDepth:    set.NewHistogram("talonlance_rollback_depth_frames"),
		desyncsTotal:     set.NewCounter("talonlance_desyncs_total"),
		disconnectsTotal: set.NewCounter("talonlance_disconnects_total"),
	}

	set.NewGauge("talonlance_current_frame", func() float64 {
		return float64(m.currentFrame.Load())
	})
	set.NewGauge("talonlance_sync_frame_delta", func() float64 {
		return float64(m.syncFrameDelta.Load())
	})

	for slot := core.PeerSlot(0); slot < core.PlayerCapacity; slot++ {
		if slot == localSlot {
			continue
		}
		s := slot
		set.NewGauge(`talonlance_peer_rtt_ms{slot="`+slotLabel(s)+`"}`, func() float64 {
			return m.peerRTTMs[s].Load()
		})
	}

	return m
}

// RecordTick updates the frame/rollback gauges and counters after one
// AdvanceFrame call. depth is the number of resimulated frames (0 if no
// rollback occurred this tick).
func (m *Metrics) RecordTick(currentFrame, syncFrame core.Frame, depth int) {
	m.framesAdvanced.Inc()
	m.currentFrame.Store(int64(currentFrame))
	m.syncFrameDelta.Store(int64(currentFrame - syncFrame))
	if depth > 0 {
		m.rollbacksTotal.Inc()
		m.rollbackDepth.Update(float64(depth))
	}
}

// RecordPeerRTTMs updates the RTT gauge for slot.
func (m *Metrics) RecordPeerRTTMs(slot core.PeerSlot, ms float64) {
	if slot < 0 || int(slot) >= core.PlayerCapacity {
		return
	}
	m.peerRTTMs[slot].Store(ms)
}

// RecordEvents increments the desync/disconnect counters for any such
// events drained from a Session this tick.
func (m *Metrics) RecordEvents(events []rollback.Event) {
	for _, e := range events {
		switch e.(type) {
		case rollback.DesyncDetected:
			m.desyncsTotal.Inc()
		case rollback.Disconnected:
			m.disconnectsTotal.Inc()
		}
	}
}

// WritePrometheus writes every registered metric in Prometheus text
// exposition format to w.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

func slotLabel(slot core.PeerSlot) string {
	const digits = "0123456789"
	if slot < 0 || int(slot) >= len(digits) {
		return "?"
	}
	return string(digits[slot])
}

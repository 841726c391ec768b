// Package timesync implements the per-peer RTT averaging and frame-advantage
// advisory: a 32-sample RTT ring plus remote/local
// frame-advantage bookkeeping, producing a recommended wait (to let a lagging
// peer catch up) and a recommended input delay.
//
// This component has no fixed-two-peer analogue (an unconditional
// drain-then-tick loop has no frame-advantage throttling at all); the RTT
// ring is styled after atomic-guarded running statistics seen elsewhere in
// the ecosystem for peer link quality tracking.
package timesync

import (
	"math"
	"time"

	"github.com/kokokino/talonlance/internal/core"
)

const rttHistorySize = 32

// Tracker maintains the round-trip-time history and frame-advantage figures
// for one remote peer.
type Tracker struct {
	rtt     [rttHistorySize]time.Duration
	rttLen  int
	rttNext int

	localAdvantage  core.Frame
	remoteAdvantage core.Frame
}

// New returns a tracker with no history.
func New() *Tracker {
	return &Tracker{}
}

// RecordRTT appends one round-trip sample (e.g. the time between sending a
// SYNC_REQUEST and receiving its SYNC_RESPONSE) to the 32-sample ring.
func (t *Tracker) RecordRTT(d time.Duration) {
	t.rtt[t.rttNext] = d
	t.rttNext = (t.rttNext + 1) % rttHistorySize
	if t.rttLen < rttHistorySize {
		t.rttLen++
	}
}

// AverageRTT returns the mean of the recorded RTT samples, or zero if none
// have been recorded yet.
func (t *Tracker) AverageRTT() time.Duration {
	if t.rttLen == 0 {
		return 0
	}

	var sum time.Duration
	for i := 0; i < t.rttLen; i++ {
		sum += t.rtt[i]
	}
	return sum / time.Duration(t.rttLen)
}

// UpdateAdvantage records the locally observed frame advantage for this peer
// (how many frames ahead the local simulation is of the peer's confirmed
// frame) and the peer's own self-reported advantage from its last
// QUALITY_REPORT.
func (t *Tracker) UpdateAdvantage(local, remote core.Frame) {
	t.localAdvantage = local
	t.remoteAdvantage = remote
}

// RecommendWait returns how many frames, if any, the session should pause to
// let this peer catch up: max(local_advantage - remote_advantage - allowed,
// 0), clamped to 4, where allowed = max(2, one-way-frames-from-RTT).
func (t *Tracker) RecommendWait() core.Frame {
	oneWay := framesFromRTT(t.AverageRTT()) / 2

	allowed := core.Frame(2)
	if oneWay > allowed {
		allowed = oneWay
	}

	wait := t.localAdvantage - t.remoteAdvantage - allowed
	if wait < 0 {
		wait = 0
	}
	if wait > 4 {
		wait = 4
	}
	return wait
}

// RecommendedInputDelay suggests an input delay, in frames, derived from
// RTT: clamp(ceil(RTT/2 * 60/1000), 1, 15).
func (t *Tracker) RecommendedInputDelay() core.Frame {
	ms := float64(t.AverageRTT().Milliseconds())
	frames := core.Frame(math.Ceil(ms / 2 * core.TickRate / 1000))

	if frames < 1 {
		frames = 1
	}
	if frames > 15 {
		frames = 15
	}
	return frames
}

func framesFromRTT(d time.Duration) core.Frame {
	return core.Frame(d.Seconds() * core.TickRate)
}

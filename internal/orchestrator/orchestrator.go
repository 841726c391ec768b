// Package orchestrator schedules a rollback session and its network I/O
// into four strict per-frame stages: pre-tick message drain, the
// fixed-timestep tick loop, a post-tick peer-lifecycle drain, and the
// broadcast step.
//
// Adapted from a drain-then-tick loop that drained at most one message per
// frame before ticking, generalized to drain every buffered message before
// the tick loop, add a peer-lifecycle drain after it, and add the
// authority/broadcast logic a fixed two-peer design never needed.
package orchestrator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kokokino/talonlance/internal/core"
	"github.com/kokokino/talonlance/internal/game"
	"github.com/kokokino/talonlance/internal/rollback"
	"github.com/kokokino/talonlance/internal/telemetry"
	"github.com/kokokino/talonlance/internal/transport"
	"github.com/kokokino/talonlance/internal/wire"
)

type peerEventKind int

const (
	peerConnected peerEventKind = iota
	peerDisconnected
)

type peerEvent struct {
	kind peerEventKind
	slot core.PeerSlot
}

type inboundMessage struct {
	from core.PeerSlot
	msg  wire.Message
}

// Orchestrator drives one Session and one Game against a Router. Messages
// are buffered off the network goroutines and only ever drained at the top
// of a frame, so all session mutation happens inside the deterministic
// tick boundary.
type Orchestrator struct {
	log zerolog.Logger

	session *rollback.Session
	game    game.Game
	router  *transport.Router

	accumulator time.Duration

	messages []inboundMessage
	events   []peerEvent

	lastResyncBroadcast time.Time
	lastAcceptedSync    time.Time

	lastQualityBroadcast time.Time
	pendingSync          map[core.PeerSlot]syncProbe

	metrics *telemetry.Metrics
}

type syncProbe struct {
	nonce  uint32
	sentAt time.Time
}

// New creates an orchestrator around an already-constructed session and
// game, routing outbound traffic through router.
func New(session *rollback.Session, g game.Game, router *transport.Router, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		log:         log.With().Str("component", "orchestrator").Logger(),
		session:     session,
		game:        g,
		router:      router,
		pendingSync: make(map[core.PeerSlot]syncProbe),
	}
}

// SetMetrics attaches a telemetry.Metrics sink; ticks, rollbacks, and
// events recorded before this is called are simply not observed. Passing
// nil detaches it.
func (o *Orchestrator) SetMetrics(m *telemetry.Metrics) {
	o.metrics = m
}

// HandleMessage implements transport.Handler: it only buffers, per the
// "always buffered, never drives session mutation directly" invariant.
func (o *Orchestrator) HandleMessage(from core.PeerSlot, msg wire.Message) {
	o.messages = append(o.messages, inboundMessage{from: from, msg: msg})
}

// HandlePeerUp implements transport.Handler.
func (o *Orchestrator) HandlePeerUp(slot core.PeerSlot) {
	o.events = append(o.events, peerEvent{kind: peerConnected, slot: slot})
}

// HandlePeerDown implements transport.Handler.
func (o *Orchestrator) HandlePeerDown(slot core.PeerSlot) {
	o.events = append(o.events, peerEvent{kind: peerDisconnected, slot: slot})
}

// RunFrame executes one driver iteration: pre-tick drain, the tick loop
// (consuming dt against the fixed 60 Hz accumulator), post-tick peer
// lifecycle drain, then broadcast. localInput is the most recently sampled
// local input byte; it is a single pending-input register, not a queue —
// only its latest value before each tick is kept.
func (o *Orchestrator) RunFrame(dt time.Duration, localInput core.Input, now time.Time) {
	o.accumulator += dt
	o.session.SetPendingLocalInput(localInput)

	o.preTickDrain(now)
	o.tickLoop(now)
	o.postTickDrain(now)
	o.broadcast(now)
}

func (o *Orchestrator) preTickDrain(now time.Time) {
	msgs := o.messages
	o.messages = nil

	for _, m := range msgs {
		switch msg := m.msg.(type) {
		case wire.InputMsg:
			// Inputs arrive newest-first; replay oldest-first so confirm()
			// observes ascending frames.
			for i := len(msg.Inputs) - 1; i >= 0; i-- {
				frame := core.Frame(msg.Frame) - core.Frame(i)
				o.session.AddRemoteInput(m.from, frame, core.Input(msg.Inputs[i]), now)
			}

		case wire.ChecksumMsg:
			o.session.AddRemoteChecksum(m.from, core.Frame(msg.Frame), msg.Checksum)

		case wire.StateSyncMsg:
			o.handleStateSync(m.from, msg, now)

		case wire.ResyncRequestMsg:
			if o.session.IsAuthority() {
				o.broadcastStateSync(now)
			}

		case wire.QualityReportMsg:
			o.session.RecordPeerAdvantage(m.from, core.Frame(msg.FrameAdvantage))
			o.router.Send(m.from, wire.QualityReplyMsg{PongMs: msg.PingMs}) //nolint:errcheck

		case wire.SyncRequestMsg:
			o.router.Send(m.from, wire.SyncResponseMsg{Nonce: msg.Nonce}) //nolint:errcheck

		case wire.SyncResponseMsg:
			if probe, ok := o.pendingSync[m.from]; ok && probe.nonce == msg.Nonce {
				o.session.RecordPeerRTT(m.from, now.Sub(probe.sentAt))
				delete(o.pendingSync, m.from)
			}

		case wire.QualityReplyMsg, wire.InputAckMsg:
			// Acknowledgement traffic: no session-state action required
			// beyond what the transport layer already does.

		default:
			o.log.Warn().Int("peer", int(m.from)).Msg("unhandled message type in pre-tick drain")
		}
	}
}

func (o *Orchestrator) handleStateSync(from core.PeerSlot, msg wire.StateSyncMsg, now time.Time) {
	authority := o.session.ResyncAuthority()
	pastFallback := o.lastAcceptedSync.IsZero() || now.Sub(o.lastAcceptedSync) > core.AuthorityFallbackWindow
	if from != authority && !pastFallback {
		o.log.Debug().Int("from", int(from)).Msg("dropping state-sync from non-authority")
		return
	}

	syncFrame := core.Frame(msg.Frame)
	if o.session.CurrentFrame()-syncFrame > core.StaleSyncFrames {
		o.router.Send(authority, wire.ResyncRequestMsg{Frame: uint32(o.session.CurrentFrame())}) //nolint:errcheck
		return
	}

	o.game.Deserialize(msg.Blob)
	o.session.ResetToFrame(syncFrame)
	// Reseed local input redundancy with neutral input so the first few
	// outbound INPUT messages after a resync carry real (zero) confirmed
	// frames instead of an empty queue.
	o.session.SetPendingLocalInput(0)
	o.lastAcceptedSync = now
}

func (o *Orchestrator) tickLoop(now time.Time) {
	if o.accumulator > core.CatastrophicAccumulatorTicks*core.TickPeriod {
		o.accumulator = core.ClampedAccumulatorTicks * core.TickPeriod
	}

	ticks := 0
	for o.accumulator >= core.TickPeriod && ticks < core.MaxTicksPerFrame {
		reqs := o.session.AdvanceFrame(now)
		o.applyRequests(reqs)
		if o.metrics != nil {
			o.metrics.RecordTick(o.session.CurrentFrame(), o.session.SyncFrame(), rollbackDepth(reqs))
		}
		o.accumulator -= core.TickPeriod
		ticks++
	}
}

// rollbackDepth counts the resimulated AdvanceFrameRequests beyond the
// tick's own final advance: a normal tick produces exactly one, a rollback
// produces one per resimulated frame plus the final advance.
func rollbackDepth(reqs []rollback.Request) int {
	var advances int
	for _, r := range reqs {
		if _, ok := r.(rollback.AdvanceFrameRequest); ok {
			advances++
		}
	}
	if advances <= 1 {
		return 0
	}
	return advances - 1
}

func (o *Orchestrator) applyRequests(reqs []rollback.Request) {
	for _, r := range reqs {
		switch req := r.(type) {
		case rollback.LoadGameStateRequest:
			if data := req.Cell.Load(); data != nil {
				o.game.Deserialize(data)
			}
		case rollback.SaveGameStateRequest:
			req.Cell.Save(o.game.Serialize())
		case rollback.AdvanceFrameRequest:
			o.game.AdvanceFrame(req.Inputs)
		}
	}
}

func (o *Orchestrator) postTickDrain(now time.Time) {
	events := o.events
	o.events = nil

	for _, e := range events {
		switch e.kind {
		case peerConnected:
			o.session.ConnectPeer(e.slot, now)
			if o.session.IsAuthority() {
				// Activation is implicit: the Game contract has no explicit
				// "activate slot" operation, since a slot simply becomes
				// live the first time AdvanceFrame feeds it a non-sentinel
				// input. Broadcasting STATE_SYNC is what actually lets the
				// joiner catch up.
				o.broadcastStateSync(now)
			}

		case peerDisconnected:
			o.session.RemovePeer(e.slot)
			o.router.RemovePeer(e.slot)
			if !o.session.HasActiveRemotePeers() {
				o.log.Info().Msg("last remote peer left, returning to solo path")
			}
		}
	}
}

func (o *Orchestrator) broadcastStateSync(now time.Time) {
	if now.Sub(o.lastResyncBroadcast) < core.ResyncBroadcastCooldown {
		return
	}
	o.lastResyncBroadcast = now

	msg := wire.StateSyncMsg{Frame: uint32(o.session.CurrentFrame()), Blob: o.game.Serialize()}
	for slot := core.PeerSlot(0); slot < core.PlayerCapacity; slot++ {
		if slot == o.session.LocalSlot() {
			continue
		}
		o.router.Send(slot, msg) //nolint:errcheck
	}
}

func (o *Orchestrator) broadcastQuality(now time.Time) {
	if now.Sub(o.lastQualityBroadcast) < core.HeartbeatInterval {
		return
	}
	o.lastQualityBroadcast = now

	advantage := o.session.CurrentFrame() - o.session.SyncFrame()
	for slot := core.PeerSlot(0); slot < core.PlayerCapacity; slot++ {
		if slot == o.session.LocalSlot() {
			continue
		}

		pingMs := uint16(o.session.PeerAverageRTT(slot).Milliseconds())
		if o.metrics != nil {
			o.metrics.RecordPeerRTTMs(slot, float64(pingMs))
		}
		report := wire.QualityReportMsg{
			Frame:          uint32(o.session.CurrentFrame()),
			PingMs:         pingMs,
			FrameAdvantage: int8(clampAdvantage(advantage)),
		}
		o.router.Send(slot, report) //nolint:errcheck

		nonce := uint32(o.session.CurrentFrame())
		o.pendingSync[slot] = syncProbe{nonce: nonce, sentAt: now}
		o.router.Send(slot, wire.SyncRequestMsg{Nonce: nonce}) //nolint:errcheck
	}
}

func clampAdvantage(f core.Frame) core.Frame {
	if f > 127 {
		return 127
	}
	if f < -128 {
		return -128
	}
	return f
}

func (o *Orchestrator) broadcast(now time.Time) {
	o.broadcastQuality(now)

	redundancy := o.session.LocalRedundancy()
	if len(redundancy) == 0 {
		return
	}

	inputs := make([]uint8, len(redundancy))
	for i, in := range redundancy {
		inputs[i] = uint8(in)
	}

	// Frame must match the local queue's actual newest entry (redundancy[0]):
	// input_delay shifts that ahead of current_frame-1, and the receiver
	// reconstructs each entry's frame as msg.Frame - i.
	msg := wire.InputMsg{
		Frame:  uint32(o.session.LocalLastAddedFrame()),
		Player: uint8(o.session.LocalSlot()),
		Inputs: inputs,
	}

	for slot := core.PeerSlot(0); slot < core.PlayerCapacity; slot++ {
		if slot == o.session.LocalSlot() {
			continue
		}
		o.router.Send(slot, msg) //nolint:errcheck
	}

	if checksum, frame, ok := o.session.GetCurrentChecksum(); ok {
		cmsg := wire.ChecksumMsg{Frame: uint32(frame), Checksum: checksum}
		for slot := core.PeerSlot(0); slot < core.PlayerCapacity; slot++ {
			if slot == o.session.LocalSlot() {
				continue
			}
			o.router.Send(slot, cmsg) //nolint:errcheck
		}
	}
}

// PollEvents forwards the session's queued events to the caller (for
// logging, metrics, or UI advisories), recording desync/disconnect counts
// along the way if a telemetry sink is attached.
func (o *Orchestrator) PollEvents() []rollback.Event {
	events := o.session.PollEvents()
	if o.metrics != nil {
		o.metrics.RecordEvents(events)
	}
	return events
}

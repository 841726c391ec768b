// Package rollback implements the frame advancement, rollback/resimulation,
// authority election, and disconnect-detection core of the session, the
// single largest component by line share.
//
// Adapted from a two-fixed-peer rollback loop (load checkpoint, resimulate
// forward with corrected input, re-save) generalized from a single
// held-prediction baseline to N peer slots each with their own
// inputqueue.Queue, and from an ad hoc checkpoint struct to
// statebuf.Buffer's checksummed ring.
package rollback

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kokokino/talonlance/internal/core"
	"github.com/kokokino/talonlance/internal/inputqueue"
	"github.com/kokokino/talonlance/internal/statebuf"
	"github.com/kokokino/talonlance/internal/timesync"
)

// Session owns everything assigned to "session state": the input
// queues, the state buffer, per-peer time-sync trackers, and the event
// queue. It never mutates itself outside AdvanceFrame and the explicit
// ingestion/lifecycle methods below; all reads/writes are single-threaded
// cooperative.
type Session struct {
	log zerolog.Logger

	localSlot core.PeerSlot

	queues   [core.PlayerCapacity]*inputqueue.Queue
	states   *statebuf.Buffer
	trackers [core.PlayerCapacity]*timesync.Tracker

	currentFrame core.Frame
	syncFrame    core.Frame

	connected [core.PlayerCapacity]bool
	autoInput [core.PlayerCapacity]bool
	lastRecv  [core.PlayerCapacity]time.Time

	// disconnectedFrame pins the exact frame a slot's disconnect sentinel
	// starts applying from, per the frame-pinned design described in
	// DESIGN.md: a rollback to a frame before this one must still gather the
	// slot's real historical input, not a retroactive sentinel.
	disconnectedFrame map[core.PeerSlot]core.Frame

	// mispredicted holds, per remote slot, the earliest frame confirmed
	// mispredicted since the last AdvanceFrame call. A later confirm that
	// didn't mispredict never clears an already-recorded candidate: the
	// rollback must still reach back to the earliest bad frame even if a
	// subsequent (or out-of-order) confirm in the same drain was clean. It
	// is the rollback scan's candidate pool and is cleared right after the
	// scan; an AdvanceFrame call that returns early (wait recommendation or
	// prediction-gap throttle) leaves it in place for the next call.
	mispredicted map[core.PeerSlot]core.Frame

	remoteChecksums map[core.Frame]map[core.PeerSlot]uint32

	pendingLocalInput *core.Input

	inputDelay          core.Frame
	maxPredictionWindow core.Frame

	checksumDueFrame *core.Frame

	events []Event
}

// New creates a session for localSlot, with every other slot initially
// vacant (auto-input, synthesizing zero).
func New(localSlot core.PeerSlot, log zerolog.Logger) *Session {
	s := &Session{
		log:                 log.With().Str("component", "rollback.session").Int("local_slot", int(localSlot)).Logger(),
		localSlot:           localSlot,
		states:              statebuf.New(),
		currentFrame:        0,
		syncFrame:           -1,
		disconnectedFrame:   make(map[core.PeerSlot]core.Frame),
		mispredicted:        make(map[core.PeerSlot]core.Frame),
		remoteChecksums:     make(map[core.Frame]map[core.PeerSlot]uint32),
		inputDelay:          core.DefaultInputDelay,
		maxPredictionWindow: core.DefaultMaxPredictionWindow,
	}
	for slot := core.PeerSlot(0); slot < core.PlayerCapacity; slot++ {
		s.queues[slot] = inputqueue.New()
		if slot != localSlot {
			s.autoInput[slot] = true
		}
	}
	s.connected[localSlot] = true
	return s
}

// LocalSlot returns the slot this session simulates locally.
func (s *Session) LocalSlot() core.PeerSlot { return s.localSlot }

// CurrentFrame returns the session's current frame.
func (s *Session) CurrentFrame() core.Frame { return s.currentFrame }

// SyncFrame returns the highest frame at which every active remote peer has
// confirmed input.
func (s *Session) SyncFrame() core.Frame { return s.syncFrame }

// SetPendingLocalInput stages the local input sample for the next
// AdvanceFrame call to enqueue at current_frame + input_delay.
func (s *Session) SetPendingLocalInput(in core.Input) {
	s.pendingLocalInput = &in
}

// SetInputDelay overrides the default local input delay (e.g. from
// timesync.Tracker.RecommendedInputDelay).
func (s *Session) SetInputDelay(d core.Frame) { s.inputDelay = d }

// LocalRedundancy returns up to core.InputRedundancy of the most recent
// local inputs, newest first, suitable for an InputMsg payload.
func (s *Session) LocalRedundancy() []core.Input {
	q := s.queues[s.localSlot]
	latest := q.LastAddedFrame()
	if latest == core.NoFrame {
		return nil
	}

	out := make([]core.Input, 0, core.InputRedundancy)
	for i := 0; i < core.InputRedundancy; i++ {
		f := latest - core.Frame(i)
		if f < 0 {
			break
		}
		out = append(out, q.Peek(f).Input)
	}
	return out
}

// LocalLastAddedFrame returns the newest frame present in the local input
// queue (the frame LocalRedundancy's payload is keyed off), or core.NoFrame
// if nothing has been enqueued yet.
func (s *Session) LocalLastAddedFrame() core.Frame {
	return s.queues[s.localSlot].LastAddedFrame()
}

// ConnectPeer marks slot as an active connected peer: clears auto-input,
// clears any disconnect mark, and resets its input queue so a stale
// confirmed frame can't stall the prediction-gap throttle.
func (s *Session) ConnectPeer(slot core.PeerSlot, now time.Time) {
	s.connected[slot] = true
	s.autoInput[slot] = false
	delete(s.disconnectedFrame, slot)
	s.queues[slot].Reset()
	s.lastRecv[slot] = now
	if s.trackers[slot] == nil {
		s.trackers[slot] = timesync.New()
	}
}

// IsConnected reports whether slot is currently an active connected peer
// (or the local slot).
func (s *Session) IsConnected(slot core.PeerSlot) bool { return s.connected[slot] }

// ConfirmedFrameOf returns the highest frame confirmed for peer's input
// queue, or core.NoFrame if nothing has been confirmed yet.
func (s *Session) ConfirmedFrameOf(peer core.PeerSlot) core.Frame {
	return s.queues[peer].ConfirmedFrame()
}

// RemovePeer fully retires slot from the session (the peer left the room,
// as opposed to merely timing out): it stops counting toward sync-frame/gap
// computations and its next gathered input carries the disconnect sentinel.
func (s *Session) RemovePeer(slot core.PeerSlot) {
	s.connected[slot] = false
	s.disconnectedFrame[slot] = s.currentFrame
	for f := range s.remoteChecksums {
		delete(s.remoteChecksums[f], slot)
	}
}

// AddRemoteInput confirms input for peer at frame. It is a no-op for the
// local slot. It returns
// the misprediction oracle flag Queue.Confirm produced.
func (s *Session) AddRemoteInput(peer core.PeerSlot, frame core.Frame, input core.Input, now time.Time) bool {
	if peer == s.localSlot {
		return false
	}

	mispredicted := s.queues[peer].Confirm(frame, input)
	if mispredicted {
		if existing, ok := s.mispredicted[peer]; !ok || frame < existing {
			s.mispredicted[peer] = frame
		}
	}

	// Frame-advantage bookkeeping itself is driven by QUALITY_REPORT
	// messages (see internal/orchestrator), not by ordinary input
	// confirmations; this only stamps liveness.
	s.lastRecv[peer] = now

	if _, wasDisconnected := s.disconnectedFrame[peer]; wasDisconnected && s.connected[peer] {
		delete(s.disconnectedFrame, peer)
		s.pushEvent(NetworkResumed{Peer: peer})
	}

	return mispredicted
}

// RecordPeerRTT feeds a measured SYNC_REQUEST/SYNC_RESPONSE round trip into
// peer's tracker. It is a no-op if peer has no tracker yet (not connected).
func (s *Session) RecordPeerRTT(peer core.PeerSlot, rtt time.Duration) {
	if tr := s.trackers[peer]; tr != nil {
		tr.RecordRTT(rtt)
	}
}

// RecordPeerAdvantage feeds the local and peer-self-reported frame advantage
// from a QUALITY_REPORT into peer's tracker, so recommendWait has live data.
// The local advantage is how far current_frame leads peer's confirmed
// frame, not the absolute frame counter.
func (s *Session) RecordPeerAdvantage(peer core.PeerSlot, remoteAdvantage core.Frame) {
	if tr := s.trackers[peer]; tr != nil {
		localAdvantage := s.currentFrame - s.queues[peer].ConfirmedFrame()
		tr.UpdateAdvantage(localAdvantage, remoteAdvantage)
	}
}

// PeerAverageRTT returns peer's mean recorded round-trip time, or zero if
// peer has no tracker yet or no samples have been recorded.
func (s *Session) PeerAverageRTT(peer core.PeerSlot) time.Duration {
	if tr := s.trackers[peer]; tr != nil {
		return tr.AverageRTT()
	}
	return 0
}

// RecommendedInputDelay returns the suggested local input delay derived
// from peer's RTT history, or core.DefaultInputDelay if peer has no
// tracker yet.
func (s *Session) RecommendedInputDelay(peer core.PeerSlot) core.Frame {
	if tr := s.trackers[peer]; tr != nil {
		return tr.RecommendedInputDelay()
	}
	return core.DefaultInputDelay
}

// AddRemoteChecksum records peer's reported checksum for frame; the next
// AdvanceFrame's desync scan compares it against the local checksum.
func (s *Session) AddRemoteChecksum(peer core.PeerSlot, frame core.Frame, checksum uint32) {
	if s.remoteChecksums[frame] == nil {
		s.remoteChecksums[frame] = make(map[core.PeerSlot]uint32)
	}
	s.remoteChecksums[frame][peer] = checksum
}

// ResetToFrame resets the session to a given frame, invoked
// by the orchestrator after applying a STATE_SYNC blob.
func (s *Session) ResetToFrame(f core.Frame) {
	s.currentFrame = f
	s.syncFrame = f - 1
	for slot := range s.queues {
		s.queues[slot].Reset()
	}
	for slot := range s.trackers {
		if s.trackers[slot] != nil {
			s.trackers[slot] = timesync.New()
		}
	}
	s.remoteChecksums = make(map[core.Frame]map[core.PeerSlot]uint32)
	s.mispredicted = make(map[core.PeerSlot]core.Frame)
	s.pendingLocalInput = nil
	s.checksumDueFrame = nil
}

// ResyncAuthority returns the lowest active slot (local ∪ connected,
// non-disconnected peers), computed independently by every peer from
// mirrored connect/disconnect ordering.
func (s *Session) ResyncAuthority() core.PeerSlot {
	best := core.PeerSlot(-1)
	for slot := core.PeerSlot(0); slot < core.PlayerCapacity; slot++ {
		if slot != s.localSlot && !s.isActiveRemote(slot) {
			continue
		}
		if best == -1 || slot < best {
			best = slot
		}
	}
	return best
}

// IsAuthority reports whether the local slot is currently the resync
// authority.
func (s *Session) IsAuthority() bool {
	return s.ResyncAuthority() == s.localSlot
}

// GetCurrentChecksum polls whether a checksum marked for broadcast (step 8
// of AdvanceFrame) has actually landed in the state ring yet. See
// DESIGN.md's "checksum-broadcast timing" note: the frame's checkpoint is
// not saved until the AdvanceFrame call after the one that flagged it, so
// this must be called every tick until it resolves.
func (s *Session) GetCurrentChecksum() (checksum uint32, frame core.Frame, ok bool) {
	if s.checksumDueFrame == nil {
		return 0, 0, false
	}
	f := *s.checksumDueFrame
	cs, have := s.states.Checksum(f)
	if !have {
		return 0, 0, false
	}
	s.checksumDueFrame = nil
	return cs, f, true
}

// HasActiveRemotePeers reports whether any remote peer is currently
// connected and not disconnected, the condition the orchestrator uses to
// decide whether the loop should return to a solo direct-tick path.
func (s *Session) HasActiveRemotePeers() bool {
	return len(s.activeRemoteSlots()) > 0
}

// PollEvents drains and returns all events queued since the last call.
func (s *Session) PollEvents() []Event {
	out := s.events
	s.events = nil
	return out
}

func (s *Session) pushEvent(e Event) {
	s.events = append(s.events, e)
}

func (s *Session) isActiveRemote(slot core.PeerSlot) bool {
	if slot == s.localSlot || !s.connected[slot] {
		return false
	}
	_, disconnected := s.disconnectedFrame[slot]
	return !disconnected
}

func (s *Session) activeRemoteSlots() []core.PeerSlot {
	var out []core.PeerSlot
	for slot := core.PeerSlot(0); slot < core.PlayerCapacity; slot++ {
		if s.isActiveRemote(slot) {
			out = append(out, slot)
		}
	}
	return out
}

// AdvanceFrame implements the session's ten-step per-tick algorithm: it returns the
// request list the driver must apply, in order, to the game.
func (s *Session) AdvanceFrame(now time.Time) []Request {
	active := s.activeRemoteSlots()

	// Step 1: global wait recommendation.
	if wait := s.recommendWait(active); wait > 0 {
		s.pushEvent(WaitRecommendation{Frames: wait})
		return nil
	}

	// Step 2: prediction-gap throttle.
	if len(active) > 0 {
		minConfirmed := s.queues[active[0]].ConfirmedFrame()
		for _, slot := range active[1:] {
			if c := s.queues[slot].ConfirmedFrame(); c < minConfirmed {
				minConfirmed = c
			}
		}
		gap := s.currentFrame - minConfirmed
		if gap >= s.maxPredictionWindow {
			return nil
		}
	}

	var requests []Request

	// Step 3: enqueue the pending local input as confirmed, at the input
	// delay.
	if s.pendingLocalInput != nil {
		s.queues[s.localSlot].Confirm(s.currentFrame+s.inputDelay, *s.pendingLocalInput)
		s.pendingLocalInput = nil
	}

	// Step 4: rollback scan.
	performedTailSave := false
	if target, ok := s.pickRollbackFrame(); ok {
		requests = append(requests, LoadGameStateRequest{Cell: s.states.Cell(target)})
		for g := target; g < s.currentFrame; g++ {
			requests = append(requests, AdvanceFrameRequest{Inputs: s.gatherInputs(g)})
			requests = append(requests, SaveGameStateRequest{Cell: s.states.Cell(g + 1)})
		}
		performedTailSave = target < s.currentFrame
	}
	s.mispredicted = make(map[core.PeerSlot]core.Frame)

	// Step 5: snapshot before advancing (skipped if the rollback loop above
	// already produced this exact save as its final iteration).
	if !performedTailSave {
		requests = append(requests, SaveGameStateRequest{Cell: s.states.Cell(s.currentFrame)})
	}

	// Step 6: advance the current frame.
	requests = append(requests, AdvanceFrameRequest{Inputs: s.gatherInputs(s.currentFrame)})

	// Step 7: increment current frame; recompute sync frame.
	s.currentFrame++
	if len(active) > 0 {
		sync := s.queues[active[0]].ConfirmedFrame()
		for _, slot := range active[1:] {
			if c := s.queues[slot].ConfirmedFrame(); c < sync {
				sync = c
			}
		}
		s.syncFrame = sync
	} else {
		s.syncFrame = s.currentFrame - 1
	}

	// Step 8: flag the checksum for broadcast every 60 frames.
	if s.currentFrame > 0 && s.currentFrame.Mod(60) == 0 {
		f := s.currentFrame
		s.checksumDueFrame = &f
	}

	// Step 9: desync scan.
	s.desyncScan()

	// Step 10: disconnect scan.
	s.disconnectScan(now)

	return requests
}

// pickRollbackFrame returns the earliest mispredicted-and-checkpointed
// frame within (sync_frame, current_frame], if any.
func (s *Session) pickRollbackFrame() (core.Frame, bool) {
	best := core.NoFrame
	for _, f := range s.mispredicted {
		if f <= s.syncFrame || f > s.currentFrame {
			continue
		}
		if !s.states.Has(f) {
			continue
		}
		if best == core.NoFrame || f < best {
			best = f
		}
	}
	if best == core.NoFrame {
		return 0, false
	}
	return best, true
}

// gatherInputs assembles the per-slot input vector for frame f.
func (s *Session) gatherInputs(f core.Frame) []core.Input {
	out := make([]core.Input, core.PlayerCapacity)
	for slot := core.PeerSlot(0); slot < core.PlayerCapacity; slot++ {
		if discFrame, ok := s.disconnectedFrame[slot]; ok && f >= discFrame {
			out[slot] = core.DisconnectBit
			continue
		}
		if s.autoInput[slot] {
			out[slot] = 0
			continue
		}
		out[slot] = s.queues[slot].Get(f).Input
	}
	return out
}

func (s *Session) recommendWait(active []core.PeerSlot) core.Frame {
	var worst core.Frame
	for _, slot := range active {
		tr := s.trackers[slot]
		if tr == nil {
			continue
		}
		if w := tr.RecommendWait(); w > worst {
			worst = w
		}
	}
	return worst
}

func (s *Session) desyncScan() {
	for frame, byPeer := range s.remoteChecksums {
		localChecksum, ok := s.states.Checksum(frame)
		if !ok {
			continue
		}
		for peer, remoteChecksum := range byPeer {
			if remoteChecksum != localChecksum {
				s.pushEvent(DesyncDetected{
					Frame:  frame,
					Local:  localChecksum,
					Remote: remoteChecksum,
					Peer:   peer,
				})
			}
		}
		if frame < s.syncFrame {
			delete(s.remoteChecksums, frame)
		}
	}
}

func (s *Session) disconnectScan(now time.Time) {
	for _, slot := range s.activeRemoteSlots() {
		silence := now.Sub(s.lastRecv[slot])
		switch {
		case silence > core.DefaultDisconnectTimeout:
			s.disconnectedFrame[slot] = s.currentFrame
			s.pushEvent(Disconnected{Peer: slot})
		case silence > core.DefaultDisconnectTimeout/2:
			s.pushEvent(NetworkInterrupted{Peer: slot})
		}
	}
}

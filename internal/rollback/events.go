package rollback

import "github.com/kokokino/talonlance/internal/core"

// Event is the sealed union of advisories AdvanceFrame and the ingestion
// methods push onto the session's event queue for the driver to poll. The
// session never returns errors from these paths; everything recoverable is
// funneled through an event instead.
type Event interface {
	isEvent()
}

// WaitRecommendation reports that the session skipped a tick because a
// remote peer is lagging and needs Frames ticks of breathing room.
type WaitRecommendation struct {
	Frames core.Frame
}

func (WaitRecommendation) isEvent() {}

// DesyncDetected reports a checksum mismatch for Frame between the local
// simulation and Peer's reported checksum.
type DesyncDetected struct {
	Frame  core.Frame
	Local  uint32
	Remote uint32
	Peer   core.PeerSlot
}

func (DesyncDetected) isEvent() {}

// Disconnected reports that Peer has been silent past the disconnect
// timeout and has been marked disconnected.
type Disconnected struct {
	Peer core.PeerSlot
}

func (Disconnected) isEvent() {}

// NetworkInterrupted is an advisory that Peer has been silent past half the
// disconnect timeout, but has not yet been marked disconnected.
type NetworkInterrupted struct {
	Peer core.PeerSlot
}

func (NetworkInterrupted) isEvent() {}

// NetworkResumed reports that a peer previously marked disconnected has
// sent fresh input.
type NetworkResumed struct {
	Peer core.PeerSlot
}

func (NetworkResumed) isEvent() {}

// Package core defines the fundamental types and tunables shared by the
// rollback netcode subsystems: frame numbers, peer slots, input encoding,
// and the timing constants the session and transport layers are built
// around.
package core

import "time"

// Frame is a monotonically increasing tick counter, in 60Hz ticks since the
// session started. NoFrame denotes "nothing confirmed/loaded yet".
type Frame int64

// NoFrame is the sentinel value for "no frame yet" (confirmed_frame and
// last_added_frame both start here).
const NoFrame Frame = -1

// Mod returns f's non-negative index into a ring of size n.
func (f Frame) Mod(n int) int {
	m := int64(f) % int64(n)
	if m < 0 {
		m += int64(n)
	}
	return int(m)
}

// Input is a single byte of encoded player input. Bits 0-2 carry
// directional/action state; bit 3 is the disconnect sentinel; higher bits
// are reserved zero.
type Input uint8

const (
	InputLeft  Input = 1 << 0
	InputRight Input = 1 << 1
	InputFlap  Input = 1 << 2

	// DisconnectBit tells the game to deterministically retire the slot
	// that observes it, inside the tick that observes it.
	DisconnectBit Input = 1 << 3
)

// PeerSlot identifies one of the players in the session, 0..PlayerCapacity-1.
type PeerSlot int

const (
	// PlayerCapacity is the number of player slots the game supports.
	PlayerCapacity = 4

	// InputQueueSize is the size of the per-peer input ring (Q).
	InputQueueSize = 128

	// StateRingSize is the size of the state snapshot ring.
	StateRingSize = 64

	// InputRedundancy is how many trailing frames of local input are
	// repeated in each outbound INPUT message.
	InputRedundancy = 5

	// RelayPeerIDLen is the length, in bytes, of the peer identifier the
	// relay transport prefixes onto every message.
	RelayPeerIDLen = 16

	// CheckpointInterval is the number of frames between checksum
	// broadcasts.
	CheckpointInterval = 60

	// StaleSyncFrames is the maximum age, in frames, of a STATE_SYNC
	// before it is rejected in favor of a RESYNC_REQUEST.
	StaleSyncFrames = 120
)

// Default tunables and timing constants. Only the input delay can be
// overridden (Session.SetInputDelay); the others are used as fixed values.
const (
	DefaultInputDelay          Frame = 2
	DefaultMaxPredictionWindow Frame = 8

	DefaultDisconnectTimeout = 5 * time.Second
	AuthorityFallbackWindow  = 5 * time.Second
	ResyncBroadcastCooldown  = 3 * time.Second
	P2PConnectTimeout        = 3 * time.Second
	HeartbeatInterval        = 1 * time.Second
	HeartbeatTimeout         = 3 * time.Second
	JoinOverlayTimeout       = 15 * time.Second

	TickRate   = 60
	TickPeriod = time.Second / TickRate

	// MaxTicksPerFrame bounds how many simulation ticks the driver will
	// run in a single real-time frame.
	MaxTicksPerFrame = 10

	// Catastrophic-drift clamp: an accumulator beyond
	// CatastrophicAccumulatorTicks*TickPeriod is clamped to
	// ClampedAccumulatorTicks ticks' worth of buffered time instead.
	CatastrophicAccumulatorTicks = 300
	ClampedAccumulatorTicks      = 10
)

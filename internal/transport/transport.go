// Package transport implements the P2P-first, relay-fallback message
// delivery: each remote peer is routed
// independently, preferring a direct UDP path and falling back to a relay
// server when the direct path is unreachable or times out.
//
// Grounded on R2Northstar-Atlas's pkg/nspkt Listener (a single UDP socket
// serving many remote endpoints, tracked with atomic rx/tx counters) and
// S7evinK-pinecone/router/peer.go's atomic.Bool-guarded liveness fields,
// adapted from pinecone's single multiplexed connection to one UDP socket
// per local side with N remote AddrPorts, plus a second relay socket for the
// peers that can't be reached directly.
package transport

import (
	"github.com/kokokino/talonlance/internal/core"
	"github.com/kokokino/talonlance/internal/wire"
)

// Handler receives events demultiplexed by peer slot. Implementations must
// not block, since the P2P and relay transports invoke it from their read
// loops.
type Handler interface {
	HandleMessage(from core.PeerSlot, msg wire.Message)
	HandlePeerUp(slot core.PeerSlot)
	HandlePeerDown(slot core.PeerSlot)
}

// Link is a single outbound path to one remote peer, either a direct UDP
// socket or a relay-multiplexed channel.
type Link interface {
	Send(msg wire.Message) error
	// Alive reports whether this link has seen traffic recently enough to
	// be considered usable right now.
	Alive() bool
	Close() error
}

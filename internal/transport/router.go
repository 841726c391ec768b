package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kokokino/talonlance/internal/core"
	"github.com/kokokino/talonlance/internal/wire"
)

// Router picks, per peer, between a direct P2P link and a relay fallback
// link: it prefers P2P whenever that link is alive, and switches to relay
// once P2P has gone quiet for longer than P2PConnectTimeout. This mirrors
// The per-peer independent routing policy; there is no shared
// "session mode", only a per-slot decision.
type Router struct {
	log zerolog.Logger

	mu    sync.RWMutex
	peers map[core.PeerSlot]*routedPeer
}

type routedPeer struct {
	p2p          Link
	relay        Link
	usingRelay   bool
	p2pDeadSince time.Time
}

// NewRouter returns an empty router.
func NewRouter(log zerolog.Logger) *Router {
	return &Router{
		log:   log.With().Str("component", "transport.router").Logger(),
		peers: make(map[core.PeerSlot]*routedPeer),
	}
}

// SetP2PLink attaches or replaces slot's direct link.
func (r *Router) SetP2PLink(slot core.PeerSlot, link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peerLocked(slot)
	p.p2p = link
}

// SetRelayLink attaches or replaces slot's relay fallback link.
func (r *Router) SetRelayLink(slot core.PeerSlot, link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peerLocked(slot)
	p.relay = link
}

func (r *Router) peerLocked(slot core.PeerSlot) *routedPeer {
	p, ok := r.peers[slot]
	if !ok {
		p = &routedPeer{}
		r.peers[slot] = p
	}
	return p
}

// RemovePeer drops all routing state for slot.
func (r *Router) RemovePeer(slot core.PeerSlot) {
	r.mu.Lock()
	delete(r.peers, slot)
	r.mu.Unlock()
}

// Send routes msg to slot, preferring the direct link and falling back to
// relay once the direct link has been dead for longer than
// core.P2PConnectTimeout. It reports ErrNoRoute if neither link exists.
func (r *Router) Send(slot core.PeerSlot, msg wire.Message) error {
	r.mu.Lock()
	p, ok := r.peers[slot]
	if !ok {
		r.mu.Unlock()
		return ErrNoRoute
	}

	link := r.pickLocked(p)
	r.mu.Unlock()

	if link == nil {
		return ErrNoRoute
	}
	return link.Send(msg)
}

func (r *Router) pickLocked(p *routedPeer) Link {
	if p.p2p != nil && p.p2p.Alive() {
		p.p2pDeadSince = time.Time{}
		p.usingRelay = false
		return p.p2p
	}

	if p.p2p != nil {
		if p.p2pDeadSince.IsZero() {
			p.p2pDeadSince = time.Now()
		}
		if time.Since(p.p2pDeadSince) < core.P2PConnectTimeout {
			// Grace period: still prefer the direct link even though its
			// last heartbeat is stale, in case it is merely slow.
			return p.p2p
		}
	}

	if p.relay != nil {
		if !p.usingRelay {
			r.log.Info().Msg("falling back to relay")
			p.usingRelay = true
		}
		return p.relay
	}

	return p.p2p // no relay configured; best effort on a possibly-dead link
}

// UsingRelay reports whether slot's traffic is currently routed through the
// relay fallback rather than directly.
func (r *Router) UsingRelay(slot core.PeerSlot) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[slot]
	return ok && p.usingRelay
}

// ErrNoRoute is returned by Send when no link has been registered for a slot.
var ErrNoRoute = errNoRouteErr{}

type errNoRouteErr struct{}

func (errNoRouteErr) Error() string { return "transport: no route registered for peer slot" }

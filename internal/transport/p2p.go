package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/kokokino/talonlance/internal/core"
	"github.com/kokokino/talonlance/internal/wire"
)

// heartbeatTag is a one-byte datagram sent on the idle timer to keep NAT
// bindings open and let the remote side measure liveness. It collides with
// no wire.Type tag (all of which are >= 0x01 and well-formed with a payload);
// a lone 0x00 byte can never decode as a Message.
const heartbeatTag = 0x00

var errNotRegistered = errors.New("transport: peer slot not registered on this socket")

// P2PTransport serves one UDP socket shared by every directly-reachable
// remote peer, mirroring nspkt.Listener's single-socket-many-endpoints
// design.
type P2PTransport struct {
	conn    *net.UDPConn
	log     zerolog.Logger
	handler Handler

	mu    sync.RWMutex
	peers map[core.PeerSlot]*p2pLink

	rxCount atomic.Uint64
	txCount atomic.Uint64
}

// NewP2PTransport binds a UDP socket at addr (port 0 picks an ephemeral
// port) and returns a transport ready to Serve.
func NewP2PTransport(addr netip.AddrPort, handler Handler, log zerolog.Logger) (*P2PTransport, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, err
	}
	return &P2PTransport{
		conn:    conn,
		log:     log.With().Str("component", "transport.p2p").Logger(),
		handler: handler,
		peers:   make(map[core.PeerSlot]*p2pLink),
	}, nil
}

// LocalAddr returns the bound UDP address, useful for out-of-band exchange
// with peers before a connection exists.
func (t *P2PTransport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// AddPeer registers slot as reachable at remote, creating its Link. Calling
// AddPeer again for a slot already registered replaces its remote address,
// which is how a reconnecting peer re-attaches without disturbing others.
func (t *P2PTransport) AddPeer(slot core.PeerSlot, remote netip.AddrPort) Link {
	link := &p2pLink{conn: t.conn, remote: remote, transport: t}
	link.lastRx.Store(time.Now().UnixNano())

	t.mu.Lock()
	t.peers[slot] = link
	t.mu.Unlock()
	return link
}

// RemovePeer stops routing datagrams for slot.
func (t *P2PTransport) RemovePeer(slot core.PeerSlot) {
	t.mu.Lock()
	delete(t.peers, slot)
	t.mu.Unlock()
}

// Serve runs the read loop and a heartbeat ticker under an errgroup until ctx
// is cancelled or the socket errors, mirroring nspkt.Listener.Serve's
// read-until-error loop generalized with a second supervised goroutine.
func (t *P2PTransport) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.readLoop(ctx) })
	g.Go(func() error { return t.heartbeatLoop(ctx) })

	return g.Wait()
}

func (t *P2PTransport) readLoop(ctx context.Context) error {
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)) //nolint:errcheck
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		t.rxCount.Inc()

		slot, ok := t.slotFor(from)
		if !ok {
			t.log.Debug().Str("from", from.String()).Msg("datagram from unregistered peer")
			continue
		}

		if n == 1 && buf[0] == heartbeatTag {
			t.touch(slot)
			continue
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			t.log.Warn().Err(err).Int("slot", int(slot)).Msg("dropping malformed datagram")
			continue
		}
		t.touch(slot)
		t.handler.HandleMessage(slot, msg)
	}
}

func (t *P2PTransport) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(core.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.mu.RLock()
			links := make([]*p2pLink, 0, len(t.peers))
			slots := make([]core.PeerSlot, 0, len(t.peers))
			for slot, link := range t.peers {
				links = append(links, link)
				slots = append(slots, slot)
			}
			t.mu.RUnlock()

			now := time.Now()
			for i, link := range links {
				if _, err := t.conn.WriteToUDPAddrPort([]byte{heartbeatTag}, link.remote); err == nil {
					t.txCount.Inc()
				}
				if now.Sub(time.Unix(0, link.lastRx.Load())) > core.HeartbeatTimeout {
					t.handler.HandlePeerDown(slots[i])
				}
			}
		}
	}
}

func (t *P2PTransport) slotFor(addr netip.AddrPort) (core.PeerSlot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for slot, link := range t.peers {
		if link.remote == addr {
			return slot, true
		}
	}
	return 0, false
}

func (t *P2PTransport) touch(slot core.PeerSlot) {
	t.mu.RLock()
	link, ok := t.peers[slot]
	t.mu.RUnlock()
	if ok {
		link.lastRx.Store(time.Now().UnixNano())
	}
}

// Close releases the underlying socket.
func (t *P2PTransport) Close() error {
	return t.conn.Close()
}

// p2pLink is one remote peer's direct UDP path.
type p2pLink struct {
	conn      *net.UDPConn
	remote    netip.AddrPort
	transport *P2PTransport
	lastRx    atomic.Int64 // unix nanoseconds of the last datagram seen from remote
}

func (l *p2pLink) Send(msg wire.Message) error {
	enc, ok := msg.(interface{ Encode() []byte })
	if !ok {
		return errors.New("transport: message type has no Encode method")
	}
	_, err := l.conn.WriteToUDPAddrPort(enc.Encode(), l.remote)
	if err == nil {
		l.transport.txCount.Inc()
	}
	return err
}

func (l *p2pLink) Alive() bool {
	return time.Since(time.Unix(0, l.lastRx.Load())) <= core.HeartbeatTimeout
}

func (l *p2pLink) Close() error { return nil }

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/kokokino/talonlance/internal/core"
	"github.com/kokokino/talonlance/internal/wire"
)

// RelayPeerID is the opaque 16-byte identifier a relay server uses to
// demultiplex datagrams between peers that can't reach each other directly
// (relay fallback path).
type RelayPeerID [core.RelayPeerIDLen]byte

// RelayTransport forwards messages through a single relay server connection,
// with every outbound datagram prefixed by the destination's RelayPeerID and
// every inbound datagram demultiplexed by its sender's RelayPeerID prefix.
type RelayTransport struct {
	conn    *net.UDPConn
	log     zerolog.Logger
	handler Handler

	mu      sync.RWMutex
	byID    map[RelayPeerID]core.PeerSlot
	bySlot  map[core.PeerSlot]*relayLink
	rxCount atomic.Uint64
	txCount atomic.Uint64
}

// NewRelayTransport dials the relay server at addr over UDP.
func NewRelayTransport(addr string, handler Handler, log zerolog.Logger) (*RelayTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &RelayTransport{
		conn:    conn,
		log:     log.With().Str("component", "transport.relay").Logger(),
		handler: handler,
		byID:    make(map[RelayPeerID]core.PeerSlot),
		bySlot:  make(map[core.PeerSlot]*relayLink),
	}, nil
}

// AddPeer registers slot as reachable through the relay under id.
func (t *RelayTransport) AddPeer(slot core.PeerSlot, id RelayPeerID) Link {
	link := &relayLink{conn: t.conn, id: id, transport: t}
	link.lastRx.Store(time.Now().UnixNano())

	t.mu.Lock()
	t.byID[id] = slot
	t.bySlot[slot] = link
	t.mu.Unlock()
	return link
}

// RemovePeer stops routing datagrams for slot.
func (t *RelayTransport) RemovePeer(slot core.PeerSlot) {
	t.mu.Lock()
	if link, ok := t.bySlot[slot]; ok {
		delete(t.byID, link.id)
		delete(t.bySlot, slot)
	}
	t.mu.Unlock()
}

// Serve runs the relay read loop until ctx is cancelled or the socket errors.
func (t *RelayTransport) Serve(ctx context.Context) error {
	buf := make([]byte, 1500+core.RelayPeerIDLen)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)) //nolint:errcheck
		n, err := t.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		t.rxCount.Inc()

		if n < core.RelayPeerIDLen {
			t.log.Debug().Int("n", n).Msg("relay datagram shorter than id prefix")
			continue
		}

		var id RelayPeerID
		copy(id[:], buf[:core.RelayPeerIDLen])
		payload := buf[core.RelayPeerIDLen:n]

		t.mu.RLock()
		slot, ok := t.byID[id]
		link := t.bySlot[slot]
		t.mu.RUnlock()
		if !ok {
			t.log.Debug().Msg("relay datagram from unregistered peer id")
			continue
		}

		msg, err := wire.Decode(payload)
		if err != nil {
			t.log.Warn().Err(err).Int("slot", int(slot)).Msg("dropping malformed relayed datagram")
			continue
		}
		link.lastRx.Store(time.Now().UnixNano())
		t.handler.HandleMessage(slot, msg)
	}
}

// Close releases the underlying socket.
func (t *RelayTransport) Close() error {
	return t.conn.Close()
}

type relayLink struct {
	conn      *net.UDPConn
	id        RelayPeerID
	transport *RelayTransport
	lastRx    atomic.Int64
}

func (l *relayLink) Send(msg wire.Message) error {
	enc, ok := msg.(interface{ Encode() []byte })
	if !ok {
		return errors.New("transport: message type has no Encode method")
	}
	out := make([]byte, core.RelayPeerIDLen+len(enc.Encode()))
	copy(out, l.id[:])
	copy(out[core.RelayPeerIDLen:], enc.Encode())

	_, err := l.conn.Write(out)
	if err == nil {
		l.transport.txCount.Inc()
	}
	return err
}

func (l *relayLink) Alive() bool {
	return time.Since(time.Unix(0, l.lastRx.Load())) <= core.HeartbeatTimeout
}

func (l *relayLink) Close() error { return nil }

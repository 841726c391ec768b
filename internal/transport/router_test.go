package transport

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kokokino/talonlance/internal/core"
	"github.com/kokokino/talonlance/internal/wire"
)

// fakeLink is an in-memory Link for exercising Router's policy without a
// real socket.
type fakeLink struct {
	alive bool
	sent  []wire.Message
}

func (f *fakeLink) Send(msg wire.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeLink) Alive() bool  { return f.alive }
func (f *fakeLink) Close() error { return nil }

func TestRouter_PrefersP2PWhenAlive(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	p2p := &fakeLink{alive: true}
	relay := &fakeLink{alive: true}
	r.SetP2PLink(0, p2p)
	r.SetRelayLink(0, relay)

	require.NoError(t, r.Send(0, wire.InputAckMsg{Frame: 1}))
	require.Len(t, p2p.sent, 1)
	require.Len(t, relay.sent, 0)
	require.False(t, r.UsingRelay(0))
}

func TestRouter_FallsBackAfterGracePeriod(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	p2p := &fakeLink{alive: false}
	relay := &fakeLink{alive: true}
	r.SetP2PLink(0, p2p)
	r.SetRelayLink(0, relay)

	p := r.peers[0]
	p.p2pDeadSince = time.Now().Add(-core.P2PConnectTimeout - time.Second)

	require.NoError(t, r.Send(0, wire.InputAckMsg{Frame: 2}))
	require.Len(t, relay.sent, 1)
	require.True(t, r.UsingRelay(0))
}

func TestRouter_StaysOnP2PDuringGracePeriod(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	p2p := &fakeLink{alive: false}
	relay := &fakeLink{alive: true}
	r.SetP2PLink(0, p2p)
	r.SetRelayLink(0, relay)

	require.NoError(t, r.Send(0, wire.InputAckMsg{Frame: 3}))
	require.Len(t, p2p.sent, 1)
	require.Len(t, relay.sent, 0)
}

func TestRouter_NoRouteError(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	err := r.Send(9, wire.InputAckMsg{Frame: 1})
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestRouter_RemovePeer(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	r.SetP2PLink(0, &fakeLink{alive: true})
	r.RemovePeer(0)

	err := r.Send(0, wire.InputAckMsg{Frame: 1})
	require.ErrorIs(t, err, ErrNoRoute)
}

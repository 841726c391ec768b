package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kokokino/talonlance/internal/core"
)

func TestRelayPeerID_MatchesCoreLength(t *testing.T) {
	var id RelayPeerID
	require.Equal(t, core.RelayPeerIDLen, len(id))
}

func TestRelayTransport_AddRemovePeerBookkeeping(t *testing.T) {
	rt := &RelayTransport{
		byID:   make(map[RelayPeerID]core.PeerSlot),
		bySlot: make(map[core.PeerSlot]*relayLink),
	}

	var id RelayPeerID
	copy(id[:], "0123456789abcdef")

	rt.AddPeer(2, id)
	require.Contains(t, rt.byID, id)
	require.Contains(t, rt.bySlot, core.PeerSlot(2))

	rt.RemovePeer(2)
	require.NotContains(t, rt.byID, id)
	require.NotContains(t, rt.bySlot, core.PeerSlot(2))
}

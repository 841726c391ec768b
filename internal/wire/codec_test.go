package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInputMsg_RoundTrips_NoRedundancy(t *testing.T) {
	m := InputMsg{Frame: 42, Player: 2, Inputs: []uint8{0x05}}
	got, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestInputMsg_RoundTrips_WithRedundancy(t *testing.T) {
	m := InputMsg{Frame: 1000, Player: 0, Inputs: []uint8{0x01, 0x01, 0x00, 0x00, 0x02}}
	got, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestInputMsg_EmptyInputs(t *testing.T) {
	m := InputMsg{Frame: 7, Player: 1, Inputs: []uint8{}}
	got, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, 0, len(got.(InputMsg).Inputs))
}

func TestDecode_Input_CountOverrun(t *testing.T) {
	raw := InputMsg{Frame: 1, Player: 0, Inputs: []uint8{0x01, 0x02}}.Encode()
	raw[6] = 5 // claim 5 bytes of input when only 2 are present
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrCountOverrun)
}

func TestDecode_Input_ShortBuffer(t *testing.T) {
	raw := []byte{byte(TypeInput), 0x01, 0x02, 0x03}
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestInputAckMsg_RoundTrips(t *testing.T) {
	m := InputAckMsg{Frame: 99}
	got, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestSyncRequestResponse_RoundTrip(t *testing.T) {
	req := SyncRequestMsg{Nonce: 0xDEADBEEF}
	got, err := Decode(req.Encode())
	require.NoError(t, err)
	require.Equal(t, req, got)

	resp := SyncResponseMsg{Nonce: 0xDEADBEEF}
	got2, err := Decode(resp.Encode())
	require.NoError(t, err)
	require.Equal(t, resp, got2)
}

func TestQualityReportMsg_RoundTrips_NegativeAdvantage(t *testing.T) {
	m := QualityReportMsg{Frame: 500, PingMs: 33, FrameAdvantage: -5}
	got, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestQualityReplyMsg_RoundTrips(t *testing.T) {
	m := QualityReplyMsg{PongMs: 17}
	got, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestStateSyncMsg_RoundTrips(t *testing.T) {
	m := StateSyncMsg{Frame: 120, Blob: []byte("snapshot-bytes")}
	got, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestStateSyncMsg_EmptyBlobRejected(t *testing.T) {
	m := StateSyncMsg{Frame: 120, Blob: nil}
	_, err := Decode(m.Encode())
	require.ErrorIs(t, err, ErrEmptyBlob)
}

func TestChecksumMsg_RoundTrips(t *testing.T) {
	m := ChecksumMsg{Frame: 60, Checksum: 0xCAFEBABE}
	got, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestResyncRequestMsg_RoundTrips(t *testing.T) {
	m := ResyncRequestMsg{Frame: 360}
	got, err := Decode(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte{0xEE, 0x00, 0x00, 0x00, 0x00})
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDecode_EmptyBuffer(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecode_ShortBuffer_EachFixedPrefixType(t *testing.T) {
	cases := []Type{
		TypeInputAck, TypeSyncRequest, TypeSyncResponse,
		TypeQualityReport, TypeQualityReply, TypeStateSync,
		TypeChecksum, TypeResyncRequest,
	}
	for _, tag := range cases {
		_, err := Decode([]byte{byte(tag)})
		require.ErrorIsf(t, err, ErrShortBuffer, "type %v", tag)
	}
}

func TestStateSyncMsg_LoadDoesNotAliasInput(t *testing.T) {
	raw := StateSyncMsg{Frame: 1, Blob: []byte("abc")}.Encode()
	got, err := Decode(raw)
	require.NoError(t, err)

	raw[5] = 'z' // mutate the original buffer's first blob byte after decode
	require.Equal(t, byte('a'), got.(StateSyncMsg).Blob[0])
}

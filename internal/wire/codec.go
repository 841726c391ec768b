// Package wire implements the fixed message-type-tagged binary frames
// little-endian integers, no framing prefix (the
// underlying channel delivers atomic datagrams), and an explicit
// short-buffer/count-overrun rejection policy.
//
// Grounded on the tag-byte + encoding/binary fixed-offset encode/decode
// style visible in S7evinK-pinecone/types (see its frame_test.go), adapted
// to this spec's own nine-message table instead of pinecone's switch
// frames.
package wire

import (
	"encoding/binary"
	"errors"
)

// Type tags the wire format of a Message.
type Type uint8

const (
	TypeInput         Type = 0x01
	TypeInputAck      Type = 0x02
	TypeSyncRequest   Type = 0x03
	TypeSyncResponse  Type = 0x04
	TypeQualityReport Type = 0x05
	TypeQualityReply  Type = 0x06
	TypeStateSync     Type = 0x07
	TypeChecksum      Type = 0x08
	TypeResyncRequest Type = 0x09
)

// Errors returned by Decode. All of these are handled by the
// caller as "drop, log at warn, peer otherwise unaffected" — none of them
// propagate into session state.
var (
	ErrShortBuffer  = errors.New("wire: message shorter than its fixed prefix")
	ErrCountOverrun = errors.New("wire: input count overruns the received buffer")
	ErrEmptyBlob    = errors.New("wire: state-sync blob is empty")
	ErrUnknownType  = errors.New("wire: unknown message tag")
)

// Message is the sealed union of the nine wire message kinds.
type Message interface {
	Type() Type
}

// InputMsg carries up to InputRedundancy frames of one player's input,
// newest-first: Inputs[0] is frame Frame, Inputs[1] is Frame-1, and so on.
type InputMsg struct {
	Frame  uint32
	Player uint8
	Inputs []uint8
}

func (InputMsg) Type() Type { return TypeInput }

// Encode serializes m as frame:u32, player:u8, count:u8, inputs[count]:u8.
func (m InputMsg) Encode() []byte {
	body := make([]byte, 4+1+1+len(m.Inputs))
	binary.LittleEndian.PutUint32(body[0:4], m.Frame)
	body[4] = m.Player
	body[5] = uint8(len(m.Inputs))
	copy(body[6:], m.Inputs)
	return tag(TypeInput, body)
}

// InputAckMsg acknowledges receipt of input up to and including Frame.
type InputAckMsg struct {
	Frame uint32
}

func (InputAckMsg) Type() Type { return TypeInputAck }

func (m InputAckMsg) Encode() []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, m.Frame)
	return tag(TypeInputAck, body)
}

// SyncRequestMsg starts a round-trip-time probe.
type SyncRequestMsg struct {
	Nonce uint32
}

func (SyncRequestMsg) Type() Type { return TypeSyncRequest }

func (m SyncRequestMsg) Encode() []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, m.Nonce)
	return tag(TypeSyncRequest, body)
}

// SyncResponseMsg answers a SyncRequestMsg, echoing its nonce.
type SyncResponseMsg struct {
	Nonce uint32
}

func (SyncResponseMsg) Type() Type { return TypeSyncResponse }

func (m SyncResponseMsg) Encode() []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, m.Nonce)
	return tag(TypeSyncResponse, body)
}

// QualityReportMsg reports the sender's own link quality so the receiver's
// timesync tracker can compute a recommended wait.
type QualityReportMsg struct {
	Frame          uint32
	PingMs         uint16
	FrameAdvantage int8
}

func (QualityReportMsg) Type() Type { return TypeQualityReport }

func (m QualityReportMsg) Encode() []byte {
	body := make([]byte, 4+2+1)
	binary.LittleEndian.PutUint32(body[0:4], m.Frame)
	binary.LittleEndian.PutUint16(body[4:6], m.PingMs)
	body[6] = byte(m.FrameAdvantage)
	return tag(TypeQualityReport, body)
}

// QualityReplyMsg answers a QualityReportMsg; the orchestrator fills PongMs
// by echoing the report's PingMs.
type QualityReplyMsg struct {
	PongMs uint16
}

func (QualityReplyMsg) Type() Type { return TypeQualityReply }

func (m QualityReplyMsg) Encode() []byte {
	body := make([]byte, 2)
	binary.LittleEndian.PutUint16(body, m.PongMs)
	return tag(TypeQualityReply, body)
}

// StateSyncMsg carries a full serialized game-state blob for a given frame.
type StateSyncMsg struct {
	Frame uint32
	Blob  []byte
}

func (StateSyncMsg) Type() Type { return TypeStateSync }

func (m StateSyncMsg) Encode() []byte {
	body := make([]byte, 4+len(m.Blob))
	binary.LittleEndian.PutUint32(body[0:4], m.Frame)
	copy(body[4:], m.Blob)
	return tag(TypeStateSync, body)
}

// ChecksumMsg reports the sender's state checksum for a given frame.
type ChecksumMsg struct {
	Frame    uint32
	Checksum uint32
}

func (ChecksumMsg) Type() Type { return TypeChecksum }

func (m ChecksumMsg) Encode() []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], m.Frame)
	binary.LittleEndian.PutUint32(body[4:8], m.Checksum)
	return tag(TypeChecksum, body)
}

// ResyncRequestMsg asks the authority for a fresh STATE_SYNC at/after Frame.
type ResyncRequestMsg struct {
	Frame uint32
}

func (ResyncRequestMsg) Type() Type { return TypeResyncRequest }

func (m ResyncRequestMsg) Encode() []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, m.Frame)
	return tag(TypeResyncRequest, body)
}

func tag(t Type, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(t)
	copy(out[1:], body)
	return out
}

// Decode parses a single datagram into its Message. It rejects buffers
// shorter than the fixed prefix for their tag, INPUT messages whose declared
// count overruns the received bytes, and STATE_SYNC messages with a
// zero-length blob. Unknown tags are reported via ErrUnknownType so the
// caller can drop-and-log without otherwise affecting the sending peer.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 1 {
		return nil, ErrShortBuffer
	}

	tagByte, body := Type(buf[0]), buf[1:]

	switch tagByte {
	case TypeInput:
		if len(body) < 6 {
			return nil, ErrShortBuffer
		}
		count := int(body[5])
		if 6+count > len(body) {
			return nil, ErrCountOverrun
		}
		inputs := make([]byte, count)
		copy(inputs, body[6:6+count])
		return InputMsg{
			Frame:  binary.LittleEndian.Uint32(body[0:4]),
			Player: body[4],
			Inputs: inputs,
		}, nil

	case TypeInputAck:
		if len(body) < 4 {
			return nil, ErrShortBuffer
		}
		return InputAckMsg{Frame: binary.LittleEndian.Uint32(body)}, nil

	case TypeSyncRequest:
		if len(body) < 4 {
			return nil, ErrShortBuffer
		}
		return SyncRequestMsg{Nonce: binary.LittleEndian.Uint32(body)}, nil

	case TypeSyncResponse:
		if len(body) < 4 {
			return nil, ErrShortBuffer
		}
		return SyncResponseMsg{Nonce: binary.LittleEndian.Uint32(body)}, nil

	case TypeQualityReport:
		if len(body) < 7 {
			return nil, ErrShortBuffer
		}
		return QualityReportMsg{
			Frame:          binary.LittleEndian.Uint32(body[0:4]),
			PingMs:         binary.LittleEndian.Uint16(body[4:6]),
			FrameAdvantage: int8(body[6]),
		}, nil

	case TypeQualityReply:
		if len(body) < 2 {
			return nil, ErrShortBuffer
		}
		return QualityReplyMsg{PongMs: binary.LittleEndian.Uint16(body)}, nil

	case TypeStateSync:
		if len(body) < 4 {
			return nil, ErrShortBuffer
		}
		blob := body[4:]
		if len(blob) == 0 {
			return nil, ErrEmptyBlob
		}
		cp := make([]byte, len(blob))
		copy(cp, blob)
		return StateSyncMsg{Frame: binary.LittleEndian.Uint32(body[0:4]), Blob: cp}, nil

	case TypeChecksum:
		if len(body) < 8 {
			return nil, ErrShortBuffer
		}
		return ChecksumMsg{
			Frame:    binary.LittleEndian.Uint32(body[0:4]),
			Checksum: binary.LittleEndian.Uint32(body[4:8]),
		}, nil

	case TypeResyncRequest:
		if len(body) < 4 {
			return nil, ErrShortBuffer
		}
		return ResyncRequestMsg{Frame: binary.LittleEndian.Uint32(body)}, nil

	default:
		return nil, ErrUnknownType
	}
}

// Package protocol defines the wire frames exchanged between peers and the
// codec that turns messages into frames and back. The format is a fixed
// little-endian header followed by a canonical-CBOR body for message
// frames; acknowledgment frames carry no body.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Andrepuel/icechat/pkg/chat"
)

// Fixed header layout (24 bytes). All integer fields are little-endian.
//
//  0  ..1   Magic   'I''C' (0x4349)
//  2        Version u8
//  3        Kind    u8
//  4  ..7   PayloadLen u32
//  8  ..23  MessageID [16]byte
const (
	headerSize = 24
	magicWord  = uint16(0x4349) // 'I''C'

	// Version is the current protocol version written into every frame.
	Version = uint8(1)

	// maxPayload guards against absurd payload lengths on decode.
	maxPayload = 1 << 24
)

// Frame kinds.
const (
	KindUnknown uint8 = iota
	KindMessage       // chat message, CBOR body
	KindAck           // delivery acknowledgment, empty body
)

// Decode failures are never fatal to the process; see the sync engine for
// how each is handled at the session level.
var (
	// ErrMalformed marks a truncated or corrupt frame. The caller drops
	// the frame and keeps the session.
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrUnsupportedVersion marks a frame from an incompatible protocol
	// version. The session cannot make progress and is torn down.
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
)

// Frame is one decoded transfer unit. Message is set only for KindMessage
// frames; frames of unrecognized kind decode successfully so newer payload
// kinds can be skipped by older nodes.
type Frame struct {
	Version   uint8
	Kind      uint8
	MessageID uuid.UUID
	Message   *chat.Message
}

func putHeader(buf []byte, kind uint8, id uuid.UUID, payloadLen int) {
	binary.LittleEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = Version
	buf[3] = kind
	binary.LittleEndian.PutUint32(buf[4:8], uint32(payloadLen))
	copy(buf[8:24], id[:])
}

// parseHeader validates the fixed header and returns kind, id and the
// declared payload length.
func parseHeader(buf []byte) (kind uint8, id uuid.UUID, payloadLen int, err error) {
	if len(buf) < headerSize {
		return 0, uuid.Nil, 0, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(buf))
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return 0, uuid.Nil, 0, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if v := buf[2]; v != Version {
		return 0, uuid.Nil, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	kind = buf[3]
	payloadLen = int(binary.LittleEndian.Uint32(buf[4:8]))
	if payloadLen > maxPayload {
		return 0, uuid.Nil, 0, fmt.Errorf("%w: payload length %d", ErrMalformed, payloadLen)
	}
	if headerSize+payloadLen != len(buf) {
		return 0, uuid.Nil, 0, fmt.Errorf("%w: declared %d payload bytes, got %d", ErrMalformed, payloadLen, len(buf)-headerSize)
	}
	copy(id[:], buf[8:24])
	return kind, id, payloadLen, nil
}

// EncodeAck builds an acknowledgment frame referencing a message id.
func EncodeAck(id uuid.UUID) []byte {
	buf := make([]byte, headerSize)
	putHeader(buf, KindAck, id, 0)
	return buf
}

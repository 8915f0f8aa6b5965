package protocol

import (
	"fmt"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/Andrepuel/icechat/pkg/chat"
)

// wireBody is the CBOR body of a message frame. Integer keys keep the
// encoding compact and stable; new fields must use fresh keys so older
// decoders skip them.
type wireBody struct {
	Conversation []byte `cbor:"1,keyasint"`
	Sender       string `cbor:"2,keyasint"`
	Text         string `cbor:"3,keyasint"`
	CreatedAt    int64  `cbor:"4,keyasint"` // unix microseconds
	Kind         uint8  `cbor:"5,keyasint"`
}

// Codec serializes chat messages into wire frames and back. Encoding is
// deterministic (canonical CBOR) so equal messages produce equal bytes on
// every node.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCodec builds a codec with the canonical CBOR profile (RFC 8949).
func NewCodec() (*Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &Codec{enc: em, dec: dm}, nil
}

// EncodeMessage builds a message frame for m.
func (c *Codec) EncodeMessage(m chat.Message) ([]byte, error) {
	body, err := c.enc.Marshal(wireBody{
		Conversation: m.ConversationID[:],
		Sender:       m.SenderID,
		Text:         m.Payload,
		CreatedAt:    m.CreatedAt.UnixMicro(),
		Kind:         uint8(m.Kind),
	})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize+len(body))
	putHeader(buf, KindMessage, m.ID, len(body))
	copy(buf[headerSize:], body)
	return buf, nil
}

// Decode parses one frame. Truncated or corrupt input fails with
// ErrMalformed and an unrecognized version tag with ErrUnsupportedVersion;
// both leave the codec reusable. Frames of unknown kind decode without
// error and carry no message.
func (c *Codec) Decode(buf []byte) (Frame, error) {
	kind, id, payloadLen, err := parseHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Version: Version, Kind: kind, MessageID: id}
	if kind != KindMessage {
		// Acks carry no body; unknown kinds are kept opaque for the
		// caller to skip.
		return f, nil
	}
	if payloadLen == 0 {
		return Frame{}, fmt.Errorf("%w: message frame without body", ErrMalformed)
	}
	var body wireBody
	if err := c.dec.Unmarshal(buf[headerSize:], &body); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	conv, err := uuid.FromBytes(body.Conversation)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: conversation id: %v", ErrMalformed, err)
	}
	f.Message = &chat.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       body.Sender,
		Payload:        body.Text,
		CreatedAt:      time.UnixMicro(body.CreatedAt).UTC(),
		Kind:           chat.Kind(body.Kind),
	}
	return f, nil
}

package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Andrepuel/icechat/pkg/chat"
)

func testMessage() chat.Message {
	return chat.Message{
		ID:             uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		ConversationID: uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"),
		SenderID:       "pk:ed25519:alice",
		Payload:        "hello, bob",
		CreatedAt:      time.UnixMicro(1700000000123456).UTC(),
		Kind:           chat.KindText,
	}
}

func TestMessageRoundtrip(t *testing.T) {
	c, err := NewCodec()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	in := testMessage()
	buf, err := c.EncodeMessage(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := c.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Kind != KindMessage || f.MessageID != in.ID {
		t.Fatalf("frame meta mismatch: %+v", f)
	}
	if f.Message == nil || *f.Message != in {
		t.Fatalf("message mismatch: %#v vs %#v", f.Message, in)
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	c, _ := NewCodec()
	in := testMessage()
	a, err := c.EncodeMessage(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := c.EncodeMessage(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("same message encoded differently")
	}
}

func TestAckRoundtrip(t *testing.T) {
	c, _ := NewCodec()
	id := uuid.New()
	f, err := c.Decode(EncodeAck(id))
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if f.Kind != KindAck || f.MessageID != id || f.Message != nil {
		t.Fatalf("unexpected ack frame: %+v", f)
	}
}

func TestDecodeMalformed(t *testing.T) {
	c, _ := NewCodec()
	buf, _ := c.EncodeMessage(testMessage())

	cases := map[string][]byte{
		"empty":          nil,
		"short header":   buf[:10],
		"truncated body": buf[:len(buf)-3],
		"random bytes":   {0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24},
	}
	for name, in := range cases {
		if _, err := c.Decode(in); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: want ErrMalformed, got %v", name, err)
		}
	}

	// corrupt CBOR body under a valid header
	bad := append([]byte(nil), buf...)
	for i := headerSize; i < len(bad); i++ {
		bad[i] = 0xff
	}
	if _, err := c.Decode(bad); !errors.Is(err, ErrMalformed) {
		t.Fatalf("corrupt body: want ErrMalformed, got %v", err)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	c, _ := NewCodec()
	buf, _ := c.EncodeMessage(testMessage())
	buf[2] = 99
	if _, err := c.Decode(buf); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("want ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeUnknownKindIsSkippable(t *testing.T) {
	c, _ := NewCodec()
	id := uuid.New()
	buf := EncodeAck(id)
	buf[3] = 0x7f // future frame kind
	f, err := c.Decode(buf)
	if err != nil {
		t.Fatalf("unknown kind must decode: %v", err)
	}
	if f.Kind != 0x7f || f.Message != nil {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

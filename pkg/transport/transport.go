package transport

import (
	"context"
	"net"
	"time"
)

// Kind identifies the link type of a session.
type Kind int

const (
	KindUnknown Kind = iota
	KindQUIC
	KindTCP
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindQUIC:
		return "quic"
	case KindTCP:
		return "tcp"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// PeerID is an opaque stable peer identity (e.g., public key hash).
type PeerID string

// PeerInfo bundles peer identity and addressing hints.
type PeerInfo struct {
	ID   PeerID
	Addr string // transport-dependent address string
}

// Quality captures link timing used by the manager to rank sessions.
type Quality struct {
	EstablishedAt time.Time
	LastSeen      time.Time
}

// Session is one encrypted duplex frame stream to a peer. Frames are
// opaque bytes with no ordering guarantee across reconnects. Exactly one
// reader and one writer goroutine are expected.
type Session interface {
	Peer() PeerInfo
	TransportKind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// SendBytes writes one frame. An error means the session is unusable
	// and should be treated as disconnected.
	SendBytes([]byte) error
	// RecvBytes blocks for the next frame until disconnect.
	RecvBytes() ([]byte, error)

	Quality() Quality
	Close() error
}

// MutablePeer is an optional interface for sessions that allow updating
// the peer identity once the authenticated identity becomes known.
type MutablePeer interface {
	SetPeer(PeerInfo)
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound sessions on address.
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial creates an outbound session to a peer/address.
	Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}

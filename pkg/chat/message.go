// Package chat holds the domain model shared by the store, the delivery
// tracker and the sync engine: messages, conversations and per-message
// delivery records.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Kind labels the payload of a message.
type Kind uint8

const (
	KindText Kind = iota
	KindSystemEvent
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindSystemEvent:
		return "system"
	default:
		return "unknown"
	}
}

// Message is an immutable chat message. ID is globally unique across peers
// and is the sole deduplication key: re-inserting an id already present in
// the store is a no-op.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderID       string
	Payload        string
	CreatedAt      time.Time
	Kind           Kind
}

// Conversation binds a peer to its ordered message history. The store is
// the sole owner; readers get snapshots only.
type Conversation struct {
	ID     uuid.UUID
	PeerID string
	// ReadWatermark is the creation time of the newest message the user
	// has seen, zero when nothing was read yet.
	ReadWatermark time.Time
}

// DeliveryState is the lifecycle of a locally originated message.
type DeliveryState uint8

const (
	StatePending DeliveryState = iota
	StateSent
	StateAcknowledged
	StateFailed
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateAcknowledged:
		return "acknowledged"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transition.
func (s DeliveryState) Terminal() bool {
	return s == StateAcknowledged || s == StateFailed
}

// DeliveryRecord tracks delivery of one locally created message. Its
// lifecycle is 1:1 with the message and it is destroyed only when the
// message itself is purged.
type DeliveryRecord struct {
	MessageID     uuid.UUID
	PeerID        string
	State         DeliveryState
	AttemptCount  int
	LastAttemptAt time.Time
}

// Package store persists messages, conversations and delivery records.
// The interface is append-only for messages: inserts are idempotent on the
// message id and deletions are not part of the contract.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Andrepuel/icechat/pkg/chat"
)

var (
	// ErrNotFound is returned for lookups of unknown ids.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable marks persistence as structurally broken (disk
	// full, corrupt database). It is the only error the application
	// treats as fatal: delivery semantics cannot be guaranteed without
	// durable storage.
	ErrUnavailable = errors.New("store: unavailable")
)

// InsertResult reports the outcome of an idempotent insert.
type InsertResult int

const (
	// Inserted means the message was new and is now durable.
	Inserted InsertResult = iota + 1
	// AlreadyExists means a message with the same id was present; the
	// duplicate was safely ignored. Not an error.
	AlreadyExists
)

// ListRange bounds a history query. Zero Before means "from the newest";
// Limit <= 0 means no limit.
type ListRange struct {
	Before time.Time
	Limit  int
}

// Store is the durable table interface consumed by the sync engine.
// Implementations must keep every operation atomic under concurrent calls:
// readers never observe a partially written message, and concurrent
// inserts of the same id yield exactly one row.
type Store interface {
	// Insert adds m unless a message with the same id exists.
	Insert(ctx context.Context, m chat.Message) (InsertResult, error)
	// Get returns the message with the given id or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (chat.Message, error)
	// List returns messages of a conversation ordered by creation time,
	// ties broken by id for determinism.
	List(ctx context.Context, conversation uuid.UUID, r ListRange) ([]chat.Message, error)

	// EnsureConversation returns the conversation owned by peerID,
	// creating it on first contact.
	EnsureConversation(ctx context.Context, peerID string) (chat.Conversation, error)
	// GetConversation returns a conversation by id or ErrNotFound.
	GetConversation(ctx context.Context, id uuid.UUID) (chat.Conversation, error)
	// Conversations lists all known conversations.
	Conversations(ctx context.Context) ([]chat.Conversation, error)
	// SetReadWatermark advances the read watermark of a conversation.
	// Watermarks never move backwards.
	SetReadWatermark(ctx context.Context, conversation uuid.UUID, at time.Time) error

	// PutDelivery writes the delivery record of a locally created message.
	PutDelivery(ctx context.Context, rec chat.DeliveryRecord) error
	// GetDelivery returns the delivery record for a message id or ErrNotFound.
	GetDelivery(ctx context.Context, id uuid.UUID) (chat.DeliveryRecord, error)
	// Deliveries lists the delivery records addressed to peerID that are
	// in the given state, ordered by message creation time.
	Deliveries(ctx context.Context, peerID string, state chat.DeliveryState) ([]chat.DeliveryRecord, error)
	// PendingMessages returns messages addressed to peerID whose delivery
	// record is Pending, oldest first. Limit <= 0 means no limit.
	PendingMessages(ctx context.Context, peerID string, limit int) ([]chat.Message, error)

	Close() error
}

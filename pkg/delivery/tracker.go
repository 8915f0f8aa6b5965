// Package delivery implements the per-message delivery state machine for
// locally originated messages:
//
//	Pending -> Sent          frame handed to a connected session
//	Sent    -> Acknowledged  peer acked the message id (terminal)
//	Sent    -> Pending       owning session disconnected before the ack
//	Pending -> Failed        bounded attempts exhausted (terminal)
//
// All transitions for a single message id are serialized, so no two
// sends of the same message can race.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Andrepuel/icechat/pkg/chat"
	"github.com/Andrepuel/icechat/pkg/store"
)

// ErrExhausted is returned when a message ran out of delivery attempts
// and was moved to Failed.
var ErrExhausted = errors.New("delivery: attempts exhausted")

// Tracker drives delivery records persisted in the store. MaxAttempts
// bounds how often a message may go Pending->Sent before it fails.
type Tracker struct {
	st          store.Store
	maxAttempts int

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewTracker builds a tracker. maxAttempts <= 0 selects the default of 5.
func NewTracker(st store.Store, maxAttempts int) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Tracker{
		st:          st,
		maxAttempts: maxAttempts,
		locks:       make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockFor returns the single-writer lock of a message id.
func (t *Tracker) lockFor(id uuid.UUID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

// Create persists a fresh Pending record for a locally created message.
// It must be called before any network attempt.
func (t *Tracker) Create(ctx context.Context, messageID uuid.UUID, peerID string) error {
	l := t.lockFor(messageID)
	l.Lock()
	defer l.Unlock()
	return t.st.PutDelivery(ctx, chat.DeliveryRecord{
		MessageID: messageID,
		PeerID:    peerID,
		State:     chat.StatePending,
	})
}

// MarkSent transitions Pending->Sent and counts the attempt. When the
// attempt budget is already spent the record moves to Failed instead and
// ErrExhausted is returned.
func (t *Tracker) MarkSent(ctx context.Context, messageID uuid.UUID) error {
	l := t.lockFor(messageID)
	l.Lock()
	defer l.Unlock()

	rec, err := t.st.GetDelivery(ctx, messageID)
	if err != nil {
		return err
	}
	if rec.State != chat.StatePending {
		return fmt.Errorf("delivery: cannot send message in state %s", rec.State)
	}
	if rec.AttemptCount >= t.maxAttempts {
		rec.State = chat.StateFailed
		if err := t.st.PutDelivery(ctx, rec); err != nil {
			return err
		}
		return ErrExhausted
	}
	rec.State = chat.StateSent
	rec.AttemptCount++
	rec.LastAttemptAt = time.Now().UTC()
	return t.st.PutDelivery(ctx, rec)
}

// Acknowledge transitions Sent->Acknowledged. Acks for unknown ids, for
// records already Acknowledged, or arriving in any other state are
// ignored: they may be late or duplicated and are not an error. The
// return value reports whether the state actually changed.
func (t *Tracker) Acknowledge(ctx context.Context, messageID uuid.UUID) (bool, error) {
	l := t.lockFor(messageID)
	l.Lock()
	defer l.Unlock()

	rec, err := t.st.GetDelivery(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.State != chat.StateSent {
		return false, nil
	}
	rec.State = chat.StateAcknowledged
	if err := t.st.PutDelivery(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// RequeueMessage moves one Sent record back to Pending, used when the
// session that sent it died before the ack arrived. Records in any other
// state are left alone, so a message the peer already acknowledged (or
// that a newer session owns as Pending) is never regressed. The return
// value reports whether a transition happened.
func (t *Tracker) RequeueMessage(ctx context.Context, messageID uuid.UUID) (bool, error) {
	l := t.lockFor(messageID)
	l.Lock()
	defer l.Unlock()

	rec, err := t.st.GetDelivery(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.State != chat.StateSent {
		return false, nil
	}
	rec.State = chat.StatePending
	if err := t.st.PutDelivery(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Requeue moves every Sent record addressed to peerID back to Pending.
// This is the startup recovery path: any session that owned these records
// died with the previous process. Live sessions requeue per message id
// so a replacement session's in-flight records are untouched. Returns the
// requeued ids.
func (t *Tracker) Requeue(ctx context.Context, peerID string) ([]uuid.UUID, error) {
	recs, err := t.st.Deliveries(ctx, peerID, chat.StateSent)
	if err != nil {
		return nil, err
	}
	var requeued []uuid.UUID
	for _, rec := range recs {
		l := t.lockFor(rec.MessageID)
		l.Lock()
		cur, err := t.st.GetDelivery(ctx, rec.MessageID)
		if err == nil && cur.State == chat.StateSent {
			cur.State = chat.StatePending
			if err := t.st.PutDelivery(ctx, cur); err == nil {
				requeued = append(requeued, cur.MessageID)
			} else {
				zap.L().Error("requeue delivery", zap.String("message", cur.MessageID.String()), zap.Error(err))
			}
		}
		l.Unlock()
	}
	return requeued, nil
}

// Fail moves a record to the terminal Failed state regardless of attempts
// left, used when the engine learns the peer is permanently unreachable.
func (t *Tracker) Fail(ctx context.Context, messageID uuid.UUID) error {
	l := t.lockFor(messageID)
	l.Lock()
	defer l.Unlock()

	rec, err := t.st.GetDelivery(ctx, messageID)
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return nil
	}
	rec.State = chat.StateFailed
	return t.st.PutDelivery(ctx, rec)
}

// Resend gives a Failed message a fresh attempt cycle: the record resets
// to Pending with a zero attempt count. This is the user-initiated path;
// failed messages are never retried automatically.
func (t *Tracker) Resend(ctx context.Context, messageID uuid.UUID) error {
	l := t.lockFor(messageID)
	l.Lock()
	defer l.Unlock()

	rec, err := t.st.GetDelivery(ctx, messageID)
	if err != nil {
		return err
	}
	if rec.State != chat.StateFailed {
		return fmt.Errorf("delivery: resend of message in state %s", rec.State)
	}
	rec.State = chat.StatePending
	rec.AttemptCount = 0
	return t.st.PutDelivery(ctx, rec)
}

// State returns the current delivery state of a message.
func (t *Tracker) State(ctx context.Context, messageID uuid.UUID) (chat.DeliveryState, error) {
	rec, err := t.st.GetDelivery(ctx, messageID)
	if err != nil {
		return 0, err
	}
	return rec.State, nil
}

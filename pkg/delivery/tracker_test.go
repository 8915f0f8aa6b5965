package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Andrepuel/icechat/pkg/chat"
	"github.com/Andrepuel/icechat/pkg/store"
)

const peer = "pk:ed25519:bob"

func setup(t *testing.T, maxAttempts int) (*Tracker, *store.MemoryStore, chat.Message) {
	t.Helper()
	st := store.NewMemoryStore()
	tr := NewTracker(st, maxAttempts)
	ctx := context.Background()
	conv, _ := st.EnsureConversation(ctx, peer)
	m := chat.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderID:       "pk:ed25519:alice",
		Payload:        "hello",
		CreatedAt:      time.UnixMicro(1000).UTC(),
	}
	if _, err := st.Insert(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tr.Create(ctx, m.ID, peer); err != nil {
		t.Fatalf("create: %v", err)
	}
	return tr, st, m
}

func wantState(t *testing.T, tr *Tracker, id uuid.UUID, want chat.DeliveryState) {
	t.Helper()
	got, err := tr.State(context.Background(), id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func TestHappyPathPendingSentAcknowledged(t *testing.T) {
	tr, _, m := setup(t, 5)
	ctx := context.Background()

	wantState(t, tr, m.ID, chat.StatePending)
	if err := tr.MarkSent(ctx, m.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	wantState(t, tr, m.ID, chat.StateSent)
	changed, err := tr.Acknowledge(ctx, m.ID)
	if err != nil || !changed {
		t.Fatalf("ack: %v %v", changed, err)
	}
	wantState(t, tr, m.ID, chat.StateAcknowledged)
}

func TestAcknowledgedNeverRegresses(t *testing.T) {
	tr, _, m := setup(t, 5)
	ctx := context.Background()
	_ = tr.MarkSent(ctx, m.ID)
	if _, err := tr.Acknowledge(ctx, m.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// duplicate ack is a no-op
	changed, err := tr.Acknowledge(ctx, m.ID)
	if err != nil || changed {
		t.Fatalf("dup ack changed state: %v %v", changed, err)
	}
	// a disconnect after the ack must not requeue it
	if _, err := tr.Requeue(ctx, peer); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	wantState(t, tr, m.ID, chat.StateAcknowledged)
}

func TestAckForUnknownIDIsIgnored(t *testing.T) {
	tr, _, _ := setup(t, 5)
	changed, err := tr.Acknowledge(context.Background(), uuid.New())
	if err != nil || changed {
		t.Fatalf("unknown ack: %v %v", changed, err)
	}
}

func TestDisconnectRequeuesSent(t *testing.T) {
	tr, _, m := setup(t, 5)
	ctx := context.Background()
	_ = tr.MarkSent(ctx, m.ID)

	ids, err := tr.Requeue(ctx, peer)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != m.ID {
		t.Fatalf("requeued %v", ids)
	}
	wantState(t, tr, m.ID, chat.StatePending)
}

func TestAttemptsAreBounded(t *testing.T) {
	tr, _, m := setup(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := tr.MarkSent(ctx, m.ID); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if _, err := tr.Requeue(ctx, peer); err != nil {
			t.Fatalf("requeue %d: %v", i, err)
		}
	}
	if err := tr.MarkSent(ctx, m.ID); !errors.Is(err, ErrExhausted) {
		t.Fatalf("want ErrExhausted, got %v", err)
	}
	wantState(t, tr, m.ID, chat.StateFailed)
}

func TestResendStartsFreshCycle(t *testing.T) {
	tr, _, m := setup(t, 1)
	ctx := context.Background()
	_ = tr.MarkSent(ctx, m.ID)
	_, _ = tr.Requeue(ctx, peer)
	if err := tr.MarkSent(ctx, m.ID); !errors.Is(err, ErrExhausted) {
		t.Fatalf("want exhaustion first: %v", err)
	}

	if err := tr.Resend(ctx, m.ID); err != nil {
		t.Fatalf("resend: %v", err)
	}
	wantState(t, tr, m.ID, chat.StatePending)
	if err := tr.MarkSent(ctx, m.ID); err != nil {
		t.Fatalf("send after resend: %v", err)
	}
}

func TestFailIsTerminalAndIdempotent(t *testing.T) {
	tr, _, m := setup(t, 5)
	ctx := context.Background()
	if err := tr.Fail(ctx, m.ID); err != nil {
		t.Fatalf("fail: %v", err)
	}
	wantState(t, tr, m.ID, chat.StateFailed)
	if err := tr.Fail(ctx, m.ID); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if err := tr.MarkSent(ctx, m.ID); err == nil {
		t.Fatalf("send of failed message must error")
	}
}

func TestRequeueMessageOnlySentRegresses(t *testing.T) {
	tr, _, m := setup(t, 5)
	ctx := context.Background()

	// Pending is not touched.
	changed, err := tr.RequeueMessage(ctx, m.ID)
	if err != nil || changed {
		t.Fatalf("requeue of pending = (%v, %v), want no-op", changed, err)
	}

	if err := tr.MarkSent(ctx, m.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	changed, err = tr.RequeueMessage(ctx, m.ID)
	if err != nil || !changed {
		t.Fatalf("requeue of sent = (%v, %v), want transition", changed, err)
	}
	wantState(t, tr, m.ID, chat.StatePending)

	// An acknowledged record stays acknowledged even when a dead session
	// still believed it was in flight.
	if err := tr.MarkSent(ctx, m.ID); err != nil {
		t.Fatalf("mark sent again: %v", err)
	}
	if _, err := tr.Acknowledge(ctx, m.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	changed, err = tr.RequeueMessage(ctx, m.ID)
	if err != nil || changed {
		t.Fatalf("requeue of acknowledged = (%v, %v), want no-op", changed, err)
	}
	wantState(t, tr, m.ID, chat.StateAcknowledged)

	// Unknown id is not an error.
	changed, err = tr.RequeueMessage(ctx, uuid.New())
	if err != nil || changed {
		t.Fatalf("requeue of unknown = (%v, %v), want no-op", changed, err)
	}
}

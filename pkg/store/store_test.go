package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Andrepuel/icechat/pkg/chat"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore(context.Background(), SQLiteOptions{
		Path: filepath.Join(t.TempDir(), "icechat.db"),
	})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func msg(conv uuid.UUID, at time.Time, text string) chat.Message {
	return chat.Message{
		ID:             uuid.New(),
		ConversationID: conv,
		SenderID:       "pk:ed25519:alice",
		Payload:        text,
		CreatedAt:      at,
		Kind:           chat.KindText,
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, _ := st.EnsureConversation(ctx, "pk:ed25519:bob")
			m := msg(conv.ID, time.UnixMicro(1000).UTC(), "hi")

			if res, err := st.Insert(ctx, m); err != nil || res != Inserted {
				t.Fatalf("first insert: %v %v", res, err)
			}
			if res, err := st.Insert(ctx, m); err != nil || res != AlreadyExists {
				t.Fatalf("second insert: %v %v", res, err)
			}
			got, err := st.Get(ctx, m.ID)
			if err != nil || got != m {
				t.Fatalf("get: %#v %v", got, err)
			}
		})
	}
}

func TestConcurrentInsertKeepsOneRow(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, _ := st.EnsureConversation(ctx, "pk:ed25519:bob")
			m := msg(conv.ID, time.UnixMicro(1000).UTC(), "dup")

			var wg sync.WaitGroup
			var mu sync.Mutex
			inserted := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := st.Insert(ctx, m)
					if err != nil {
						t.Errorf("insert: %v", err)
						return
					}
					if res == Inserted {
						mu.Lock()
						inserted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if inserted != 1 {
				t.Fatalf("inserted %d times", inserted)
			}
			list, err := st.List(ctx, conv.ID, ListRange{})
			if err != nil || len(list) != 1 {
				t.Fatalf("list: %d messages, err %v", len(list), err)
			}
		})
	}
}

func TestListOrdersByTimeThenID(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, _ := st.EnsureConversation(ctx, "pk:ed25519:bob")

			tie := time.UnixMicro(2000).UTC()
			a := msg(conv.ID, tie, "a")
			b := msg(conv.ID, tie, "b")
			later := msg(conv.ID, time.UnixMicro(3000).UTC(), "later")
			early := msg(conv.ID, time.UnixMicro(1000).UTC(), "early")
			for _, m := range []chat.Message{a, b, later, early} {
				if _, err := st.Insert(ctx, m); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}

			list, err := st.List(ctx, conv.ID, ListRange{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 4 {
				t.Fatalf("got %d messages", len(list))
			}
			if list[0].ID != early.ID || list[3].ID != later.ID {
				t.Fatalf("time ordering broken: %v", list)
			}
			// tied messages ordered by id
			if !(list[1].ID.String() < list[2].ID.String()) {
				t.Fatalf("tie not broken by id: %v then %v", list[1].ID, list[2].ID)
			}
		})
	}
}

func TestEnsureConversationIsStable(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c1, err := st.EnsureConversation(ctx, "pk:ed25519:bob")
			if err != nil {
				t.Fatalf("ensure: %v", err)
			}
			c2, err := st.EnsureConversation(ctx, "pk:ed25519:bob")
			if err != nil || c2.ID != c1.ID {
				t.Fatalf("second ensure: %+v %v", c2, err)
			}
		})
	}
}

func TestReadWatermarkNeverRegresses(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, _ := st.EnsureConversation(ctx, "pk:ed25519:bob")
			newer := time.UnixMicro(5000).UTC()
			older := time.UnixMicro(1000).UTC()

			if err := st.SetReadWatermark(ctx, c.ID, newer); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := st.SetReadWatermark(ctx, c.ID, older); err != nil {
				t.Fatalf("set older: %v", err)
			}
			got, err := st.GetConversation(ctx, c.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !got.ReadWatermark.Equal(newer) {
				t.Fatalf("watermark regressed to %v", got.ReadWatermark)
			}
		})
	}
}

func TestPendingMessagesOldestFirst(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, _ := st.EnsureConversation(ctx, "pk:ed25519:bob")

			var ids []uuid.UUID
			for i := 0; i < 3; i++ {
				m := msg(conv.ID, time.UnixMicro(int64(1000*(i+1))).UTC(), "m")
				if _, err := st.Insert(ctx, m); err != nil {
					t.Fatalf("insert: %v", err)
				}
				rec := chat.DeliveryRecord{MessageID: m.ID, PeerID: conv.PeerID, State: chat.StatePending}
				if err := st.PutDelivery(ctx, rec); err != nil {
					t.Fatalf("put delivery: %v", err)
				}
				ids = append(ids, m.ID)
			}
			// one already sent must not appear
			sent := msg(conv.ID, time.UnixMicro(500).UTC(), "sent")
			_, _ = st.Insert(ctx, sent)
			_ = st.PutDelivery(ctx, chat.DeliveryRecord{MessageID: sent.ID, PeerID: conv.PeerID, State: chat.StateSent})

			pending, err := st.PendingMessages(ctx, conv.PeerID, 0)
			if err != nil {
				t.Fatalf("pending: %v", err)
			}
			if len(pending) != 3 {
				t.Fatalf("got %d pending", len(pending))
			}
			for i, m := range pending {
				if m.ID != ids[i] {
					t.Fatalf("pending out of order at %d", i)
				}
			}
		})
	}
}

func TestGetUnknownIsNotFound(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get: %v", err)
			}
			if _, err := st.GetDelivery(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get delivery: %v", err)
			}
			if _, err := st.GetConversation(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get conversation: %v", err)
			}
		})
	}
}

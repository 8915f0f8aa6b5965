package peers

import (
	"testing"

	"github.com/Andrepuel/icechat/pkg/kv"
	"github.com/Andrepuel/icechat/pkg/transport"
)

const bob = transport.PeerID("pk:ed25519:bob")

func newStore(t *testing.T) *Store {
	t.Helper()
	kvs := kv.New(kv.Options{})
	t.Cleanup(kvs.Close)
	return NewStore(kvs)
}

func TestStateTransitions(t *testing.T) {
	ps := newStore(t)
	if _, ok := ps.Get(bob); ok {
		t.Fatal("unknown peer should not exist")
	}
	ps.SetState(bob, StateConnecting)
	ps.SetState(bob, StateConnected)
	m, ok := ps.Get(bob)
	if !ok {
		t.Fatal("peer not found after SetState")
	}
	if m.State != StateConnected {
		t.Fatalf("state = %s, want %s", m.State, StateConnected)
	}
	if m.LastSeen == 0 {
		t.Fatal("SetState should stamp last seen")
	}
}

func TestTouchDeduplicatesAddresses(t *testing.T) {
	ps := newStore(t)
	ps.Touch(bob, "10.0.0.1:7000")
	ps.Touch(bob, "10.0.0.2:7000")
	ps.Touch(bob, "10.0.0.1:7000")
	ps.Touch(bob, "")
	m, _ := ps.Get(bob)
	if len(m.Addresses) != 2 {
		t.Fatalf("addresses = %v, want 2 unique", m.Addresses)
	}
}

func TestRecordExchangeAccumulates(t *testing.T) {
	ps := newStore(t)
	ps.RecordExchange(bob, 100, 40, 1, 0)
	ps.RecordExchange(bob, 0, 60, 0, 2)
	m, _ := ps.Get(bob)
	if m.BytesIn != 100 || m.BytesOut != 100 || m.MsgsIn != 1 || m.MsgsOut != 2 {
		t.Fatalf("counters = in %d/%d out %d/%d", m.BytesIn, m.MsgsIn, m.BytesOut, m.MsgsOut)
	}
}

func TestRecordAck(t *testing.T) {
	ps := newStore(t)
	ps.RecordAck(bob)
	m, _ := ps.Get(bob)
	if m.LastAckTs == 0 {
		t.Fatal("ack timestamp not recorded")
	}
}

func TestListAndDelete(t *testing.T) {
	ps := newStore(t)
	ps.SetState(bob, StateConnected)
	ps.SetState("pk:ed25519:carol", StateDisconnected)
	if got := len(ps.List()); got != 2 {
		t.Fatalf("list length = %d, want 2", got)
	}
	ps.Delete(bob)
	if got := len(ps.List()); got != 1 {
		t.Fatalf("list length after delete = %d, want 1", got)
	}
	if _, ok := ps.Get(bob); ok {
		t.Fatal("deleted peer still readable")
	}
}

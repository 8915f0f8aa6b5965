package transport

import (
	"errors"
	"net"
	"testing"
	"time"
)

// fakeSession is a minimal Session for manager policy tests.
type fakeSession struct {
	peer        PeerInfo
	kind        Kind
	established time.Time
	closed      bool
}

func (f *fakeSession) Peer() PeerInfo          { return f.peer }
func (f *fakeSession) SetPeer(pi PeerInfo)     { f.peer = pi }
func (f *fakeSession) TransportKind() Kind     { return f.kind }
func (f *fakeSession) LocalAddr() net.Addr     { return nil }
func (f *fakeSession) RemoteAddr() net.Addr    { return nil }
func (f *fakeSession) SendBytes([]byte) error  { return errors.New("fake") }
func (f *fakeSession) RecvBytes() ([]byte, error) {
	return nil, errors.New("fake")
}
func (f *fakeSession) Quality() Quality {
	return Quality{EstablishedAt: f.established}
}
func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestFirstSessionBecomesCanonical(t *testing.T) {
	m := NewManager()
	s := &fakeSession{peer: PeerInfo{ID: "bob"}, kind: KindTCP, established: time.Now()}
	accepted, old := m.AddSession(s)
	if !accepted || old != nil {
		t.Fatalf("accepted=%v old=%v", accepted, old)
	}
	if m.GetSession("bob") != Session(s) {
		t.Fatalf("canonical session mismatch")
	}
}

func TestStaleSessionTornDownBeforeReplacement(t *testing.T) {
	m := NewManager()
	older := &fakeSession{peer: PeerInfo{ID: "bob"}, kind: KindTCP, established: time.Now().Add(-time.Minute)}
	newer := &fakeSession{peer: PeerInfo{ID: "bob"}, kind: KindTCP, established: time.Now()}

	m.AddSession(older)
	accepted, old := m.AddSession(newer)
	if !accepted || old != Session(older) {
		t.Fatalf("newer session should replace: accepted=%v old=%v", accepted, old)
	}
	if !older.closed {
		t.Fatalf("stale session was not closed")
	}
	if m.GetSession("bob") != Session(newer) {
		t.Fatalf("canonical is not the newer session")
	}
}

func TestInferiorKindLosesElection(t *testing.T) {
	m := NewManager()
	q := &fakeSession{peer: PeerInfo{ID: "bob"}, kind: KindQUIC, established: time.Now().Add(-time.Minute)}
	tc := &fakeSession{peer: PeerInfo{ID: "bob"}, kind: KindTCP, established: time.Now()}

	m.AddSession(q)
	accepted, _ := m.AddSession(tc)
	if accepted {
		t.Fatalf("tcp must not replace quic")
	}
	if !tc.closed {
		t.Fatalf("rejected session was not closed")
	}
	if q.closed {
		t.Fatalf("canonical session must stay open")
	}
}

func TestRemoveOnlyForgetsCurrentSession(t *testing.T) {
	m := NewManager()
	a := &fakeSession{peer: PeerInfo{ID: "bob"}, kind: KindTCP, established: time.Now().Add(-time.Minute)}
	b := &fakeSession{peer: PeerInfo{ID: "bob"}, kind: KindTCP, established: time.Now()}
	m.AddSession(a)
	m.AddSession(b)

	// removing the replaced session must not drop the canonical one
	m.Remove(a)
	if m.GetSession("bob") != Session(b) {
		t.Fatalf("canonical dropped by stale Remove")
	}
	m.Remove(b)
	if m.GetSession("bob") != nil {
		t.Fatalf("canonical not removed")
	}
}

func TestRebindPeerMovesSession(t *testing.T) {
	m := NewManager()
	s := &fakeSession{peer: PeerInfo{ID: "temp:tcp:1.2.3.4"}, kind: KindTCP, established: time.Now()}
	m.AddSession(s)

	if !m.RebindPeer("temp:tcp:1.2.3.4", "pk:ed25519:bob") {
		t.Fatalf("rebind failed")
	}
	if m.GetSession("temp:tcp:1.2.3.4") != nil {
		t.Fatalf("old id still mapped")
	}
	if got := m.GetSession("pk:ed25519:bob"); got != Session(s) {
		t.Fatalf("new id not mapped")
	}
	if s.peer.ID != "pk:ed25519:bob" {
		t.Fatalf("session peer not updated: %s", s.peer.ID)
	}
}

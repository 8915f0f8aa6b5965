package transport

import (
	"sort"
	"sync"
)

// Manager keeps at most one canonical Session per peer. A stale session is
// torn down before its replacement becomes canonical, so no two sessions
// to the same peer are ever live simultaneously.
type Manager struct {
	mu    sync.RWMutex
	peers map[PeerID]Session
}

func NewManager() *Manager { return &Manager{peers: make(map[PeerID]Session)} }

// AddSession registers a new session for a peer and applies the selection
// policy. If the newcomer loses the election it is closed and (false, nil)
// is returned. If it wins and replaced an existing session, the old one is
// closed first and returned for the caller's bookkeeping.
func (m *Manager) AddSession(s Session) (accepted bool, old Session) {
	pid := s.Peer().ID
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.peers[pid]
	if cur == nil {
		m.peers[pid] = s
		return true, nil
	}
	if better(s, cur) {
		_ = cur.Close()
		m.peers[pid] = s
		return true, cur
	}
	_ = s.Close()
	return false, nil
}

// GetSession returns the current canonical session for a peer (if any).
func (m *Manager) GetSession(id PeerID) Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[id]
}

// Remove forgets s if it is still the canonical session of its peer and
// closes it. A session that was already replaced is left alone.
func (m *Manager) Remove(s Session) {
	pid := s.Peer().ID
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[pid] == s {
		delete(m.peers, pid)
	}
	_ = s.Close()
}

// ClosePeer closes the canonical session for a peer and clears it.
func (m *Manager) ClosePeer(id PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.peers[id]; s != nil {
		_ = s.Close()
		delete(m.peers, id)
	}
}

// CloseAll tears down every canonical session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.peers {
		_ = s.Close()
		delete(m.peers, id)
	}
}

// ListPeers returns all peer IDs with a canonical session.
func (m *Manager) ListPeers() []PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RebindPeer moves the canonical session from oldID to newID once the
// authenticated identity becomes known. If newID already has a canonical
// session the policy decides which survives; the loser is closed.
func (m *Manager) RebindPeer(oldID, newID PeerID) bool {
	if oldID == newID || newID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	moving := m.peers[oldID]
	if moving == nil {
		return false
	}
	delete(m.peers, oldID)

	if mp, ok := moving.(MutablePeer); ok {
		pi := moving.Peer()
		pi.ID = newID
		mp.SetPeer(pi)
	}

	cur := m.peers[newID]
	if cur == nil {
		m.peers[newID] = moving
		return true
	}
	if better(moving, cur) {
		_ = cur.Close()
		m.peers[newID] = moving
		return true
	}
	_ = moving.Close()
	return false
}

// Preference order across kinds; higher is better.
func baseRank(k Kind) int {
	switch k {
	case KindMem:
		return 100
	case KindQUIC:
		return 90
	case KindTCP:
		return 80
	default:
		return 0
	}
}

// better decides whether a should replace b as canonical.
func better(a, b Session) bool {
	ra := baseRank(a.TransportKind())
	rb := baseRank(b.TransportKind())
	if ra != rb {
		return ra > rb
	}
	// Same kind: prefer the newer link, which settles reconnect races
	// where the peer redialed before the old session noticed the drop.
	return !a.Quality().EstablishedAt.Before(b.Quality().EstablishedAt)
}

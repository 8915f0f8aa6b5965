// Package peers keeps ephemeral metadata and statistics about known peers
// in the in-memory KV: connection state, addresses, traffic counters.
// Durable conversation data is the relational store's business, not ours.
package peers

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Andrepuel/icechat/pkg/kv"
	"github.com/Andrepuel/icechat/pkg/transport"
)

// ConnState mirrors the PeerSession lifecycle.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Meta is the JSON blob stored per peer.
type Meta struct {
	ID        transport.PeerID `json:"id"`
	Addresses []string         `json:"addresses,omitempty"`
	State     ConnState        `json:"state,omitempty"`
	LastSeen  int64            `json:"last_seen_unix_ms"`
	MsgsIn    uint64           `json:"msgs_in"`
	MsgsOut   uint64           `json:"msgs_out"`
	BytesIn   uint64           `json:"bytes_in"`
	BytesOut  uint64           `json:"bytes_out"`
	LastAckTs int64            `json:"last_ack_ts_unix_ms,omitempty"`
}

// Store persists peer metadata in the in-memory KV.
type Store struct {
	kv *kv.Store
	// update serializes read-modify-write cycles per store
	mu sync.Mutex
}

func NewStore(store *kv.Store) *Store { return &Store{kv: store} }

func keyPeer(id transport.PeerID) string { return "peer:" + string(id) }

func (s *Store) update(id transport.PeerID, fn func(*Meta)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m Meta
	if b, ok := s.kv.Get(keyPeer(id)); ok {
		_ = json.Unmarshal(b, &m)
	}
	m.ID = id
	fn(&m)
	b, _ := json.Marshal(m)
	s.kv.Set(keyPeer(id), b, 0)
}

// Get returns the metadata of a peer.
func (s *Store) Get(id transport.PeerID) (Meta, bool) {
	b, ok := s.kv.Get(keyPeer(id))
	if !ok {
		return Meta{}, false
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, false
	}
	return m, true
}

// List returns metadata of every known peer.
func (s *Store) List() []Meta {
	keys := s.kv.Keys("peer:")
	out := make([]Meta, 0, len(keys))
	for _, k := range keys {
		b, ok := s.kv.Get(k)
		if !ok {
			continue
		}
		var m Meta
		if json.Unmarshal(b, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

// SetState records a connection state transition.
func (s *Store) SetState(id transport.PeerID, state ConnState) {
	s.update(id, func(m *Meta) {
		m.State = state
		m.LastSeen = time.Now().UnixMilli()
	})
	zap.L().Debug("peer state", zap.String("peer", string(id)), zap.String("state", string(state)))
}

// Touch updates last-seen and records a known address.
func (s *Store) Touch(id transport.PeerID, addr string) {
	s.update(id, func(m *Meta) {
		m.LastSeen = time.Now().UnixMilli()
		if addr == "" {
			return
		}
		for _, a := range m.Addresses {
			if a == addr {
				return
			}
		}
		m.Addresses = append(m.Addresses, addr)
	})
}

// RecordExchange updates message/byte counters for a peer.
func (s *Store) RecordExchange(id transport.PeerID, inBytes, outBytes, inMsgs, outMsgs uint64) {
	s.update(id, func(m *Meta) {
		m.MsgsIn += inMsgs
		m.MsgsOut += outMsgs
		m.BytesIn += inBytes
		m.BytesOut += outBytes
	})
}

// RecordAck notes when the last delivery acknowledgment arrived.
func (s *Store) RecordAck(id transport.PeerID) {
	s.update(id, func(m *Meta) {
		m.LastAckTs = time.Now().UnixMilli()
	})
}

// Delete forgets a peer.
func (s *Store) Delete(id transport.PeerID) {
	s.kv.Delete(keyPeer(id))
}

// Package feed exposes the read-only push feed the GUI subscribes to.
// The core never depends on a GUI toolkit; it only emits state-change
// events to generic subscribers.
package feed

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Andrepuel/icechat/pkg/chat"
)

// EventType labels feed events.
type EventType int

const (
	// EventMessage announces a newly stored message (local or inbound).
	EventMessage EventType = iota + 1
	// EventDeliveryState announces a delivery state change of a locally
	// created message.
	EventDeliveryState
	// EventPeerState announces a peer connection state change.
	EventPeerState
	// EventRead announces an advanced read watermark.
	EventRead
)

// Event is a single feed update. Fields beyond Type/ConversationID are
// set depending on the event type.
type Event struct {
	Type           EventType
	ConversationID uuid.UUID
	Message        chat.Message
	MessageID      uuid.UUID
	State          chat.DeliveryState
	PeerID         string
	PeerConnected  bool
}

// Feed fans out events to any number of subscribers. Publishing never
// blocks: a subscriber that cannot keep up loses events (and a warning is
// logged) rather than stalling the sync engine.
type Feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func New() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given buffer size and returns
// its channel plus a cancel function. Cancel closes the channel.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to all current subscribers.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			zap.L().Warn("feed subscriber lagging, event dropped",
				zap.Int("subscriber", id), zap.Int("type", int(ev.Type)))
		}
	}
}

// Close drops all subscribers.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// Package syncer ties the store, the delivery tracker, the wire codec and
// the transport sessions together. It owns one worker per connected peer
// and guarantees that every stored outbound message is flushed oldest
// first, that inbound duplicates collapse to a single stored row, and
// that every received message is acked even when it was seen before.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Andrepuel/icechat/pkg/chat"
	"github.com/Andrepuel/icechat/pkg/config"
	"github.com/Andrepuel/icechat/pkg/delivery"
	"github.com/Andrepuel/icechat/pkg/feed"
	"github.com/Andrepuel/icechat/pkg/notify"
	"github.com/Andrepuel/icechat/pkg/peers"
	"github.com/Andrepuel/icechat/pkg/protocol"
	"github.com/Andrepuel/icechat/pkg/store"
	"github.com/Andrepuel/icechat/pkg/transport"
)

// ErrClosed is returned by operations on an engine that was shut down.
var ErrClosed = errors.New("syncer: engine closed")

// Engine is the sync core. All exported methods are safe for concurrent
// use.
type Engine struct {
	cfg     config.SyncConfig
	selfID  string
	st      store.Store
	tracker *delivery.Tracker
	codec   *protocol.Codec
	mgr     *transport.Manager
	feed    *feed.Feed
	ntf     notify.Notifier
	peers   *peers.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[transport.PeerID]*peerWorker
	closed  bool

	fatal chan error
}

// New builds an engine. notifier and peerStore may be nil.
func New(cfg config.SyncConfig, selfID string, st store.Store, tracker *delivery.Tracker,
	codec *protocol.Codec, mgr *transport.Manager, fd *feed.Feed,
	notifier notify.Notifier, peerStore *peers.Store) *Engine {
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = 64
	}
	return &Engine{
		cfg:     cfg,
		selfID:  selfID,
		st:      st,
		tracker: tracker,
		codec:   codec,
		mgr:     mgr,
		feed:    fd,
		ntf:     notifier,
		peers:   peerStore,
		workers: make(map[transport.PeerID]*peerWorker),
		fatal:   make(chan error, 1),
	}
}

// Start recovers delivery state left over from the previous run and arms
// the engine for sessions. Records stuck in Sent belong to sessions that
// no longer exist, so they go back to Pending before anything connects.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	convs, err := e.st.Conversations(e.ctx)
	if err != nil {
		return fmt.Errorf("recover conversations: %w", err)
	}
	for _, c := range convs {
		requeued, err := e.tracker.Requeue(e.ctx, c.PeerID)
		if err != nil {
			return fmt.Errorf("recover deliveries for %s: %w", c.PeerID, err)
		}
		if len(requeued) > 0 {
			zap.L().Info("requeued unacknowledged messages from previous run",
				zap.String("peer", c.PeerID), zap.Int("count", len(requeued)))
		}
	}
	return nil
}

// Fatal delivers at most one unrecoverable error, typically a broken
// store. The owner should shut the process down when it fires.
func (e *Engine) Fatal() <-chan error { return e.fatal }

func (e *Engine) fail(err error) {
	select {
	case e.fatal <- err:
	default:
	}
	zap.L().Error("sync engine fatal", zap.Error(err))
	if e.cancel != nil {
		e.cancel()
	}
}

// Close tears down all sessions and waits for workers to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mgr.CloseAll()
	e.wg.Wait()
}

// Attach offers a freshly established session to the engine. The session
// manager keeps one canonical session per peer; losers of that election
// are closed and no worker is started for them.
func (e *Engine) Attach(s transport.Session) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = s.Close()
		return false
	}
	e.mu.Unlock()

	accepted, old := e.mgr.AddSession(s)
	if !accepted {
		return false
	}
	if old != nil {
		// The replaced session's worker notices the closed link and
		// winds down on its own.
		zap.L().Debug("replaced session", zap.String("peer", string(s.Peer().ID)))
	}

	w := newPeerWorker(e, s)
	e.mu.Lock()
	e.workers[s.Peer().ID] = w
	e.mu.Unlock()

	if e.peers != nil {
		e.peers.Touch(s.Peer().ID, s.Peer().Addr)
		e.peers.SetState(s.Peer().ID, peers.StateConnected)
	}
	e.publish(feed.Event{Type: feed.EventPeerState, PeerID: string(s.Peer().ID), PeerConnected: true})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.run(e.ctx)
	}()
	return true
}

// detach is called by a worker when its session died.
func (e *Engine) detach(w *peerWorker) {
	id := w.sess.Peer().ID
	e.mgr.Remove(w.sess)

	e.mu.Lock()
	current := e.workers[id] == w
	if current {
		delete(e.workers, id)
	}
	e.mu.Unlock()

	// Only the messages this worker handed to its own dead session go
	// back to Pending. A replacement session may be mid-delivery for the
	// same peer; its Sent records are owned by the new worker.
	var requeued []uuid.UUID
	for _, mid := range w.inflightIDs() {
		changed, err := e.tracker.RequeueMessage(context.Background(), mid)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				e.fail(err)
				break
			}
			zap.L().Error("requeue on disconnect",
				zap.String("peer", string(id)), zap.String("message", mid.String()), zap.Error(err))
			continue
		}
		if changed {
			requeued = append(requeued, mid)
		}
	}
	for _, mid := range requeued {
		e.publishDeliveryState(mid, chat.StatePending)
	}
	if len(requeued) > 0 {
		// A replacement session (if any) picks the requeued backlog up.
		e.kick(id)
	}

	// A replaced worker must not report the peer offline: a better
	// session took over.
	if current {
		if e.peers != nil {
			e.peers.SetState(id, peers.StateDisconnected)
		}
		e.publish(feed.Event{Type: feed.EventPeerState, PeerID: string(id), PeerConnected: false})
	}
}

// rebind moves a worker from a temporary peer id to the authenticated
// identity learned from its traffic.
func (e *Engine) rebind(w *peerWorker, newID transport.PeerID) bool {
	oldID := w.sess.Peer().ID
	ok := e.mgr.RebindPeer(oldID, newID)

	e.mu.Lock()
	if e.workers[oldID] == w {
		delete(e.workers, oldID)
		if ok {
			e.workers[newID] = w
		}
	}
	e.mu.Unlock()
	if !ok {
		// Lost the election against an existing session under newID;
		// the manager closed ours and the worker winds down.
		return false
	}

	if e.peers != nil {
		e.peers.Delete(oldID)
		e.peers.Touch(newID, w.sess.Peer().Addr)
		e.peers.SetState(newID, peers.StateConnected)
	}
	zap.L().Info("peer identity learned",
		zap.String("temp", string(oldID)), zap.String("peer", string(newID)))
	e.publish(feed.Event{Type: feed.EventPeerState, PeerID: string(newID), PeerConnected: true})
	return true
}

// Send stores a new outbound text message for peerID and schedules it for
// delivery. The message is durable and Pending before Send returns, even
// when the peer is offline.
func (e *Engine) Send(ctx context.Context, peerID string, text string) (chat.Message, error) {
	return e.send(ctx, peerID, text, chat.KindText)
}

// SendToConversation sends into an existing conversation, resolving the
// peer it belongs to. This is the send intent a GUI issues.
func (e *Engine) SendToConversation(ctx context.Context, conversation uuid.UUID, text string) (chat.Message, error) {
	conv, err := e.st.GetConversation(ctx, conversation)
	if err != nil {
		return chat.Message{}, err
	}
	return e.send(ctx, conv.PeerID, text, chat.KindText)
}

// SendSystemEvent stores a system event line in the peer's conversation.
func (e *Engine) SendSystemEvent(ctx context.Context, peerID string, text string) (chat.Message, error) {
	return e.send(ctx, peerID, text, chat.KindSystemEvent)
}

func (e *Engine) send(ctx context.Context, peerID, text string, kind chat.Kind) (chat.Message, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return chat.Message{}, ErrClosed
	}
	e.mu.Unlock()

	conv, err := e.st.EnsureConversation(ctx, peerID)
	if err != nil {
		return chat.Message{}, err
	}
	m := chat.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderID:       e.selfID,
		Payload:        text,
		CreatedAt:      time.Now().UTC(),
		Kind:           kind,
	}
	if _, err := e.st.Insert(ctx, m); err != nil {
		return chat.Message{}, err
	}
	if err := e.tracker.Create(ctx, m.ID, peerID); err != nil {
		return chat.Message{}, err
	}
	e.publish(feed.Event{Type: feed.EventMessage, ConversationID: conv.ID, Message: m})
	e.publishDeliveryState(m.ID, chat.StatePending)
	e.kick(transport.PeerID(peerID))
	return m, nil
}

// Resend gives a Failed message a fresh attempt cycle and schedules it.
func (e *Engine) Resend(ctx context.Context, messageID uuid.UUID) error {
	if err := e.tracker.Resend(ctx, messageID); err != nil {
		return err
	}
	e.publishDeliveryState(messageID, chat.StatePending)
	rec, err := e.st.GetDelivery(ctx, messageID)
	if err == nil {
		e.kick(transport.PeerID(rec.PeerID))
	}
	return nil
}

// MarkRead advances the read watermark of a conversation. Watermarks are
// monotonic; marking an older point is a no-op.
func (e *Engine) MarkRead(ctx context.Context, conversation uuid.UUID, at time.Time) error {
	if err := e.st.SetReadWatermark(ctx, conversation, at); err != nil {
		return err
	}
	e.publish(feed.Event{Type: feed.EventRead, ConversationID: conversation})
	return nil
}

// DeliveryState reports the current delivery state of a message.
func (e *Engine) DeliveryState(ctx context.Context, messageID uuid.UUID) (chat.DeliveryState, error) {
	return e.tracker.State(ctx, messageID)
}

// kick wakes the flusher of a peer, if one is connected.
func (e *Engine) kick(id transport.PeerID) {
	e.mu.Lock()
	w := e.workers[id]
	e.mu.Unlock()
	if w != nil {
		w.wake()
	}
}

func (e *Engine) publish(ev feed.Event) {
	if e.feed != nil {
		e.feed.Publish(ev)
	}
}

func (e *Engine) publishDeliveryState(id uuid.UUID, st chat.DeliveryState) {
	e.publish(feed.Event{Type: feed.EventDeliveryState, MessageID: id, State: st})
}

package syncer

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Andrepuel/icechat/pkg/chat"
	"github.com/Andrepuel/icechat/pkg/delivery"
	"github.com/Andrepuel/icechat/pkg/feed"
	"github.com/Andrepuel/icechat/pkg/protocol"
	"github.com/Andrepuel/icechat/pkg/store"
	"github.com/Andrepuel/icechat/pkg/transport"
)

// peerWorker owns one session. It runs a read loop and a flush loop; when
// either finds the session dead the worker detaches and both stop.
type peerWorker struct {
	eng  *Engine
	sess transport.Session
	log  *zap.Logger

	kick chan struct{}
	done chan struct{}

	// inflight holds the ids this worker handed to its own session and
	// has not seen acked. Only these are requeued on detach: a
	// replacement session's in-flight messages are not ours to regress.
	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func newPeerWorker(e *Engine, s transport.Session) *peerWorker {
	return &peerWorker{
		eng:  e,
		sess: s,
		log: zap.L().With(
			zap.String("peer", string(s.Peer().ID)),
			zap.String("transport", s.TransportKind().String()),
		),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		inflight: make(map[uuid.UUID]struct{}),
	}
}

func (w *peerWorker) noteSent(id uuid.UUID) {
	w.mu.Lock()
	w.inflight[id] = struct{}{}
	w.mu.Unlock()
}

func (w *peerWorker) noteDone(id uuid.UUID) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}

func (w *peerWorker) inflightIDs() []uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uuid.UUID, 0, len(w.inflight))
	for id := range w.inflight {
		out = append(out, id)
	}
	return out
}

// wake schedules a flush pass. Coalesces when one is already scheduled.
func (w *peerWorker) wake() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *peerWorker) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.log.Info("session up",
		zap.String("local", w.sess.LocalAddr().String()),
		zap.String("remote", w.sess.RemoteAddr().String()))

	go func() {
		defer cancel()
		w.flushLoop(ctx)
	}()
	// The read loop owns the session lifetime: it returns on disconnect
	// or when ctx forces the session closed.
	go func() {
		<-ctx.Done()
		_ = w.sess.Close()
	}()

	w.readLoop(ctx)
	cancel()
	close(w.done)

	w.log.Info("session down")
	w.eng.detach(w)
}

// flushLoop pushes stored Pending messages out, oldest first. It runs a
// pass at session start (offline backlog) and again on every wake.
func (w *peerWorker) flushLoop(ctx context.Context) {
	w.wake()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
		}
		if err := w.flushOnce(ctx); err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				w.eng.fail(err)
			}
			return
		}
	}
}

// flushOnce drains the Pending backlog in batches. A send error means the
// session is gone; the records stay Sent and are requeued on detach.
func (w *peerWorker) flushOnce(ctx context.Context) error {
	peerID := string(w.sess.Peer().ID)
	for {
		msgs, err := w.eng.st.PendingMessages(ctx, peerID, w.eng.cfg.FlushBatch)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, m := range msgs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			frame, err := w.eng.codec.EncodeMessage(m)
			if err != nil {
				// Cannot happen for a stored message; park it so the
				// backlog keeps moving.
				w.log.Error("encode stored message", zap.String("message", m.ID.String()), zap.Error(err))
				_ = w.eng.tracker.Fail(ctx, m.ID)
				w.eng.publishDeliveryState(m.ID, chat.StateFailed)
				continue
			}
			if err := w.eng.tracker.MarkSent(ctx, m.ID); err != nil {
				switch {
				case errors.Is(err, delivery.ErrExhausted):
					w.log.Warn("message out of delivery attempts", zap.String("message", m.ID.String()))
					w.eng.publishDeliveryState(m.ID, chat.StateFailed)
				case errors.Is(err, store.ErrUnavailable):
					return err
				default:
					// Lost a race against a concurrent transition; the
					// record is no longer Pending and not ours to send.
					w.log.Debug("skipping message", zap.String("message", m.ID.String()), zap.Error(err))
				}
				continue
			}
			// Tracked before the write: a half-written frame still owns
			// the Sent record and must be requeued on detach.
			w.noteSent(m.ID)
			if err := w.sess.SendBytes(frame); err != nil {
				w.log.Warn("send failed, session presumed dead", zap.Error(err))
				return err
			}
			w.eng.publishDeliveryState(m.ID, chat.StateSent)
			if w.eng.peers != nil {
				w.eng.peers.RecordExchange(w.sess.Peer().ID, 0, uint64(len(frame)), 0, 1)
			}
		}
		if len(msgs) < w.eng.cfg.FlushBatch {
			return nil
		}
	}
}

// readLoop consumes inbound frames until the session dies. Malformed
// frames are dropped and the session kept; a version mismatch tears the
// session down since no later frame from that peer can be understood.
func (w *peerWorker) readLoop(ctx context.Context) {
	for {
		buf, err := w.sess.RecvBytes()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Debug("session read ended", zap.Error(err))
			}
			return
		}
		f, err := w.eng.codec.Decode(buf)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedVersion) {
				w.log.Warn("peer speaks an unsupported protocol version, closing session", zap.Error(err))
				return
			}
			w.log.Warn("dropping malformed frame", zap.Int("size", len(buf)), zap.Error(err))
			continue
		}
		switch f.Kind {
		case protocol.KindMessage:
			w.handleMessage(ctx, *f.Message, len(buf))
		case protocol.KindAck:
			w.handleAck(ctx, f)
		default:
			w.log.Debug("skipping frame of unknown kind", zap.Uint8("kind", uint8(f.Kind)))
		}
	}
}

// handleMessage stores an inbound message and always acks it. Duplicates
// are stored (and notified) at most once, but re-acked every time: the
// sender may have missed the first ack.
func (w *peerWorker) handleMessage(ctx context.Context, m chat.Message, wireSize int) {
	// Inbound sessions start under a temporary id; the first message
	// reveals who the peer actually is.
	if m.SenderID != "" && transport.IsTemp(w.sess.Peer().ID) {
		if w.eng.rebind(w, transport.PeerID(m.SenderID)) {
			// The pending backlog for this identity can flow now.
			w.wake()
		}
	}
	peerID := string(w.sess.Peer().ID)

	conv, err := w.eng.st.EnsureConversation(ctx, peerID)
	if err != nil {
		w.storeErr("ensure conversation", err)
		return
	}
	// Inbound messages land in the local conversation owned by the
	// sending peer regardless of the id they were tagged with.
	m.ConversationID = conv.ID
	if m.SenderID == "" {
		m.SenderID = peerID
	}

	res, err := w.eng.st.Insert(ctx, m)
	if err != nil {
		// Not stored means not acked: the peer retries later.
		w.storeErr("insert inbound message", err)
		return
	}
	if res == store.Inserted {
		w.eng.publish(feed.Event{Type: feed.EventMessage, ConversationID: conv.ID, Message: m})
		if w.eng.ntf != nil {
			w.eng.ntf.NewMessage(m)
		}
	}
	if w.eng.peers != nil {
		w.eng.peers.RecordExchange(w.sess.Peer().ID, uint64(wireSize), 0, 1, 0)
	}
	if err := w.sess.SendBytes(protocol.EncodeAck(m.ID)); err != nil {
		w.log.Warn("ack send failed", zap.String("message", m.ID.String()), zap.Error(err))
	}
}

func (w *peerWorker) handleAck(ctx context.Context, f protocol.Frame) {
	changed, err := w.eng.tracker.Acknowledge(ctx, f.MessageID)
	if err != nil {
		w.storeErr("acknowledge", err)
		return
	}
	w.noteDone(f.MessageID)
	if !changed {
		w.log.Debug("ignoring stale ack", zap.String("message", f.MessageID.String()))
		return
	}
	w.eng.publishDeliveryState(f.MessageID, chat.StateAcknowledged)
	if w.eng.peers != nil {
		w.eng.peers.RecordAck(w.sess.Peer().ID)
	}
}

func (w *peerWorker) storeErr(op string, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		w.eng.fail(err)
		return
	}
	w.log.Error(op, zap.Error(err))
}

package syncer

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/Andrepuel/icechat/pkg/peers"
	"github.com/Andrepuel/icechat/pkg/transport"
)

// MaintainPeer keeps a session to a statically configured peer alive:
// dial, hand the session to the engine, wait for it to die, dial again.
// Dial failures back off exponentially with jitter up to the configured
// cap; a successful connection resets the backoff. Blocks until ctx is
// done, so run it in its own goroutine.
func (e *Engine) MaintainPeer(ctx context.Context, tr transport.Transport, addr string, peer transport.PeerInfo) {
	log := zap.L().With(
		zap.String("peer", string(peer.ID)),
		zap.String("addr", addr),
		zap.String("transport", tr.Kind().String()),
	)

	initial := time.Duration(e.cfg.DialBackoffInitialMS) * time.Millisecond
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	max := time.Duration(e.cfg.DialBackoffMaxMS) * time.Millisecond
	if max < initial {
		max = 30 * time.Second
	}
	jitter := time.Duration(e.cfg.DialBackoffJitterMS) * time.Millisecond

	backoff := initial
	for ctx.Err() == nil {
		if w := e.workerFor(peer.ID); w != nil {
			// Someone (an inbound session, usually) already holds the
			// canonical link. Wait for it to go away.
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				backoff = initial
			}
			continue
		}

		if e.peers != nil {
			e.peers.SetState(peer.ID, peers.StateConnecting)
		}
		s, err := tr.Dial(ctx, addr, peer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := backoff
			if jitter > 0 {
				wait += time.Duration(rand.Int63n(int64(jitter)))
			}
			log.Debug("dial failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > max {
				backoff = max
			}
			continue
		}
		if e.Attach(s) {
			log.Info("connected")
			backoff = initial
		}
		// Either our session is now canonical (the next loop iteration
		// waits on its worker) or a better one already was.
	}
}

func (e *Engine) workerFor(id transport.PeerID) *peerWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers[id]
}

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Andrepuel/icechat/pkg/config"
	"github.com/Andrepuel/icechat/pkg/delivery"
	"github.com/Andrepuel/icechat/pkg/feed"
	"github.com/Andrepuel/icechat/pkg/identity"
	"github.com/Andrepuel/icechat/pkg/kv"
	"github.com/Andrepuel/icechat/pkg/notify"
	"github.com/Andrepuel/icechat/pkg/observability"
	"github.com/Andrepuel/icechat/pkg/peers"
	"github.com/Andrepuel/icechat/pkg/protocol"
	"github.com/Andrepuel/icechat/pkg/store"
	"github.com/Andrepuel/icechat/pkg/syncer"
	"github.com/Andrepuel/icechat/pkg/transport"
	"github.com/Andrepuel/icechat/pkg/transport/mem"
	"github.com/Andrepuel/icechat/pkg/transport/quic"
	"github.com/Andrepuel/icechat/pkg/transport/tcp"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("icechat-node started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	// Load/generate the local identity (ed25519)
	_, canonicalID, err := identity.LoadOrGenEd25519(cfg.Identity)
	if err != nil {
		zap.L().Error("failed to init identity", zap.Error(err))
		return 1
	}
	if cfg.NodeID == "" {
		cfg.NodeID = string(canonicalID)
		zap.L().Info("derived node_id from identity", zap.String("node_id", cfg.NodeID))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "icechat.db")
	}
	st, err := store.NewSQLiteStore(ctx, store.SQLiteOptions{
		Path:         dbPath,
		MaxTxRetries: cfg.Store.MaxTxRetries,
	})
	if err != nil {
		zap.L().Error("failed to open message store", zap.String("path", dbPath), zap.Error(err))
		return 1
	}
	defer func() { _ = st.Close() }()

	codec, err := protocol.NewCodec()
	if err != nil {
		zap.L().Error("failed to build codec", zap.Error(err))
		return 1
	}

	// peer store (in-mem) for connection state and counters
	kvs := kv.New(kv.Options{})
	defer kvs.Close()
	ps := peers.NewStore(kvs)

	mgr := transport.NewManager()
	fd := feed.New()
	defer fd.Close()
	tracker := delivery.NewTracker(st, cfg.Sync.MaxAttempts)

	eng := syncer.New(cfg.Sync, cfg.NodeID, st, tracker, codec, mgr, fd, notify.LogNotifier{}, ps)
	if err := eng.Start(ctx); err != nil {
		zap.L().Error("failed to start sync engine", zap.Error(err))
		return 1
	}
	defer eng.Close()

	if err := startTransports(ctx, cfg, eng); err != nil {
		zap.L().Error("failed to start transports", zap.Error(err))
		return 1
	}

	go statusLoop(ctx, ps, kvs)

	zap.L().Info("node is running; press Ctrl+C to exit")
	select {
	case <-ctx.Done():
		zap.L().Info("shutting down")
		return 0
	case err := <-eng.Fatal():
		zap.L().Error("unrecoverable error, shutting down", zap.Error(err))
		return 1
	}
}

// startTransports brings up the configured listeners and dialers. Inbound
// sessions get a temporary peer id until their first message identifies
// them; configured dial targets carry the expected identity in config.
func startTransports(ctx context.Context, cfg *config.Config, eng *syncer.Engine) error {
	qt, err := quic.New()
	if err != nil {
		return err
	}
	registry := map[string]transport.Transport{
		"tcp":  tcp.New(),
		"quic": qt,
		"mem":  mem.New(),
	}
	for _, tc := range cfg.Transports {
		tr, ok := registry[tc.Kind]
		if !ok {
			zap.L().Warn("skipping unknown transport kind", zap.String("kind", tc.Kind))
			continue
		}
		for _, addr := range tc.Listen {
			lis, err := tr.Listen(ctx, addr)
			if err != nil {
				return err
			}
			zap.L().Info("listening", zap.String("kind", tc.Kind), zap.String("addr", lis.Addr().String()))
			go acceptLoop(ctx, lis, eng)
		}
		for _, d := range tc.Dial {
			pi := transport.PeerInfo{ID: transport.PeerID(d.PeerID), Addr: d.Address}
			go eng.MaintainPeer(ctx, tr, d.Address, pi)
		}
	}
	return nil
}

// statusLoop periodically logs per-peer connection state and traffic
// counters, plus cache statistics at debug level.
func statusLoop(ctx context.Context, ps *peers.Store, kvs *kv.Store) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, m := range ps.List() {
				zap.L().Info("peer status",
					zap.String("peer", string(m.ID)),
					zap.String("state", string(m.State)),
					zap.Int64("last_seen_ms", m.LastSeen),
					zap.Uint64("msgs_in", m.MsgsIn),
					zap.Uint64("msgs_out", m.MsgsOut),
					zap.Uint64("bytes_in", m.BytesIn),
					zap.Uint64("bytes_out", m.BytesOut),
				)
			}
			zap.L().Debug("peer store stats", zap.Any("kv", kvs.Stats()))
		}
	}
}

func acceptLoop(ctx context.Context, lis transport.Listener, eng *syncer.Engine) {
	defer func() { _ = lis.Close() }()
	for {
		s, err := lis.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zap.L().Warn("accept failed", zap.Error(err))
			return
		}
		if mp, ok := s.(transport.MutablePeer); ok {
			mp.SetPeer(transport.PeerInfo{
				ID:   transport.TempPeerID(s.TransportKind(), s.RemoteAddr()),
				Addr: s.RemoteAddr().String(),
			})
		}
		eng.Attach(s)
	}
}

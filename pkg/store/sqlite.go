package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Andrepuel/icechat/pkg/chat"
)

// SQLiteStore backs the Store interface with an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
	// maxRetries bounds transaction retries on transient lock errors.
	maxRetries int
}

// SQLiteOptions tunes the sqlite backend.
type SQLiteOptions struct {
	// Path of the database file. Empty defaults to ./data/icechat.db.
	Path string
	// MaxTxRetries bounds retries of a busy transaction (default 3).
	MaxTxRetries int
}

// NewSQLiteStore opens (creating if needed) the database at opts.Path and
// initializes the schema.
func NewSQLiteStore(ctx context.Context, opts SQLiteOptions) (*SQLiteStore, error) {
	path := opts.Path
	if path == "" {
		path = "./data/icechat.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	retries := opts.MaxTxRetries
	if retries <= 0 {
		retries = 3
	}
	s := &SQLiteStore{db: db, maxRetries: retries}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		peer_id TEXT UNIQUE NOT NULL,
		read_watermark INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		kind INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		message_id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		state INTEGER NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_peer_state ON deliveries(peer_id, state);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// retryable reports whether the transaction may succeed on a retry.
func retryable(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry runs fn, retrying a bounded number of times on transient lock
// errors. A persistent failure is surfaced as ErrUnavailable.
func (s *SQLiteStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err = fn(); err == nil || !retryable(err) {
			break
		}
		zap.L().Warn("sqlite transaction retry", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	if err != nil && retryable(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (s *SQLiteStore) Insert(ctx context.Context, m chat.Message) (InsertResult, error) {
	var res InsertResult
	err := s.withRetry(ctx, func() error {
		r, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (id, conversation_id, sender_id, kind, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, m.ID.String(), m.ConversationID.String(), m.SenderID, int(m.Kind), m.Payload, m.CreatedAt.UnixMicro())
		if err != nil {
			return err
		}
		n, err := r.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			res = AlreadyExists
		} else {
			res = Inserted
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return res, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, kind, payload, created_at
		FROM messages WHERE id = ?
	`, id.String())
	return scanMessage(row)
}

func (s *SQLiteStore) List(ctx context.Context, conversation uuid.UUID, r ListRange) ([]chat.Message, error) {
	q := `
		SELECT id, conversation_id, sender_id, kind, payload, created_at
		FROM messages WHERE conversation_id = ?
	`
	args := []any{conversation.String()}
	if !r.Before.IsZero() {
		q += " AND created_at < ?"
		args = append(args, r.Before.UnixMicro())
	}
	q += " ORDER BY created_at ASC, id ASC"
	if r.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, r.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EnsureConversation(ctx context.Context, peerID string) (chat.Conversation, error) {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversations (id, peer_id) VALUES (?, ?)
		`, uuid.New().String(), peerID)
		return err
	})
	if err != nil {
		return chat.Conversation{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, peer_id, read_watermark FROM conversations WHERE peer_id = ?
	`, peerID)
	return scanConversation(row)
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id uuid.UUID) (chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, peer_id, read_watermark FROM conversations WHERE id = ?
	`, id.String())
	return scanConversation(row)
}

func (s *SQLiteStore) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, peer_id, read_watermark FROM conversations ORDER BY peer_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetReadWatermark(ctx context.Context, conversation uuid.UUID, at time.Time) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE conversations SET read_watermark = MAX(read_watermark, ?) WHERE id = ?
		`, at.UnixMicro(), conversation.String())
		return err
	})
}

func (s *SQLiteStore) PutDelivery(ctx context.Context, rec chat.DeliveryRecord) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO deliveries (message_id, peer_id, state, attempt_count, last_attempt_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET
				state = excluded.state,
				attempt_count = excluded.attempt_count,
				last_attempt_at = excluded.last_attempt_at
		`, rec.MessageID.String(), rec.PeerID, int(rec.State), rec.AttemptCount, rec.LastAttemptAt.UnixMicro())
		return err
	})
}

func (s *SQLiteStore) GetDelivery(ctx context.Context, id uuid.UUID) (chat.DeliveryRecord, error) {
	var (
		idStr   string
		peer    string
		state   int
		count   int
		lastAt  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, peer_id, state, attempt_count, last_attempt_at
		FROM deliveries WHERE message_id = ?
	`, id.String()).Scan(&idStr, &peer, &state, &count, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.DeliveryRecord{}, ErrNotFound
	}
	if err != nil {
		return chat.DeliveryRecord{}, err
	}
	mid, err := uuid.Parse(idStr)
	if err != nil {
		return chat.DeliveryRecord{}, err
	}
	rec := chat.DeliveryRecord{
		MessageID:    mid,
		PeerID:       peer,
		State:        chat.DeliveryState(state),
		AttemptCount: count,
	}
	if lastAt > 0 {
		rec.LastAttemptAt = time.UnixMicro(lastAt).UTC()
	}
	return rec, nil
}

func (s *SQLiteStore) Deliveries(ctx context.Context, peerID string, state chat.DeliveryState) ([]chat.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.message_id, d.peer_id, d.state, d.attempt_count, d.last_attempt_at
		FROM deliveries d JOIN messages m ON m.id = d.message_id
		WHERE d.peer_id = ? AND d.state = ?
		ORDER BY m.created_at ASC, m.id ASC
	`, peerID, int(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.DeliveryRecord
	for rows.Next() {
		var (
			idStr  string
			peer   string
			st     int
			count  int
			lastAt int64
		)
		if err := rows.Scan(&idStr, &peer, &st, &count, &lastAt); err != nil {
			return nil, err
		}
		mid, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		rec := chat.DeliveryRecord{MessageID: mid, PeerID: peer, State: chat.DeliveryState(st), AttemptCount: count}
		if lastAt > 0 {
			rec.LastAttemptAt = time.UnixMicro(lastAt).UTC()
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PendingMessages(ctx context.Context, peerID string, limit int) ([]chat.Message, error) {
	q := `
		SELECT m.id, m.conversation_id, m.sender_id, m.kind, m.payload, m.created_at
		FROM deliveries d JOIN messages m ON m.id = d.message_id
		WHERE d.peer_id = ? AND d.state = ?
		ORDER BY m.created_at ASC, m.id ASC
	`
	args := []any{peerID, int(chat.StatePending)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		idStr     string
		convStr   string
		sender    string
		kind      int
		payload   string
		createdAt int64
	)
	err := row.Scan(&idStr, &convStr, &sender, &kind, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, ErrNotFound
	}
	if err != nil {
		return chat.Message{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return chat.Message{}, err
	}
	conv, err := uuid.Parse(convStr)
	if err != nil {
		return chat.Message{}, err
	}
	return chat.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Payload:        payload,
		CreatedAt:      time.UnixMicro(createdAt).UTC(),
		Kind:           chat.Kind(kind),
	}, nil
}

func scanConversation(row rowScanner) (chat.Conversation, error) {
	var (
		idStr     string
		peer      string
		watermark int64
	)
	err := row.Scan(&idStr, &peer, &watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return chat.Conversation{}, err
	}
	c := chat.Conversation{ID: id, PeerID: peer}
	if watermark > 0 {
		c.ReadWatermark = time.UnixMicro(watermark).UTC()
	}
	return c, nil
}

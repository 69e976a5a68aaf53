package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStore is the embedded SQLite implementation of Store. The connection
// pool is pinned to a single connection, so every write is serialized and
// persisted before the call returns.
type SQLStore struct {
	logger *slog.Logger
	dbPath string
	db     *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens (creating if needed) the SQLite database at dbPath and
// brings the schema up to date. Open, ping, or migration failures come
// back wrapped in ErrStoreUnavailable and are fatal at startup.
func OpenSQL(ctx context.Context, log *slog.Logger, dbPath string) (*SQLStore, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "history"))

	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create database directory: %v", ErrStoreUnavailable, err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStoreUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}
	if err := configureDatabase(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s := &SQLStore{logger: log, dbPath: dbPath, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("history store ready", slog.String("path", dbPath))
	return s, nil
}

// configureDatabase applies the WAL pragmas and pins the pool to one
// connection for single-writer serialization.
func configureDatabase(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=1000",
		"PRAGMA temp_store=memory",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %v", pragma, err)
		}
	}
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)
	return nil
}

// migrate runs the embedded forward-only migrations; the migration state
// table doubles as the schema version marker.
func (s *SQLStore) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: migration source: %v", ErrStoreUnavailable, err)
	}
	driver, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{
		MigrationsTable: "schema_version",
	})
	if err != nil {
		return fmt.Errorf("%w: migration driver: %v", ErrStoreUnavailable, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("%w: migrate init: %v", ErrStoreUnavailable, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: migrate up: %v", ErrStoreUnavailable, err)
	}
	return nil
}

type messageRow struct {
	RowID             int64          `db:"row_id"`
	ChannelID         string         `db:"channel_id"`
	ThreadID          sql.NullString `db:"thread_id"`
	ParentChannelID   string         `db:"parent_channel_id"`
	MessageID         string         `db:"message_id"`
	AuthorID          string         `db:"author_id"`
	AuthorName        string         `db:"author_name"`
	Content           string         `db:"content"`
	PlatformTimestamp time.Time      `db:"platform_timestamp"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (r messageRow) toMessage() Message {
	return Message{
		RowID:             r.RowID,
		ChannelID:         r.ChannelID,
		ThreadID:          r.ThreadID.String,
		ParentChannelID:   r.ParentChannelID,
		MessageID:         r.MessageID,
		AuthorID:          r.AuthorID,
		AuthorName:        r.AuthorName,
		Content:           r.Content,
		PlatformTimestamp: r.PlatformTimestamp,
		CreatedAt:         r.CreatedAt,
	}
}

type boundaryRow struct {
	RowID          int64          `db:"row_id"`
	ChannelID      string         `db:"channel_id"`
	ThreadID       sql.NullString `db:"thread_id"`
	FirstMessageID string         `db:"first_message_id"`
	LastMessageID  string         `db:"last_message_id"`
	FirstRowID     int64          `db:"first_row_id"`
	LastRowID      int64          `db:"last_row_id"`
	TokenCount     int            `db:"token_count"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r boundaryRow) toBoundary() BlockBoundary {
	return BlockBoundary{
		RowID:          r.RowID,
		ChannelID:      r.ChannelID,
		ThreadID:       r.ThreadID.String,
		FirstMessageID: r.FirstMessageID,
		LastMessageID:  r.LastMessageID,
		FirstRowID:     r.FirstRowID,
		LastRowID:      r.LastRowID,
		TokenCount:     r.TokenCount,
		CreatedAt:      r.CreatedAt,
	}
}

type resetRow struct {
	ThreadID           string         `db:"thread_id"`
	BotID              string         `db:"bot_id"`
	LastResetRowID     int64          `db:"last_reset_row_id"`
	LastResetMessageID sql.NullString `db:"last_reset_message_id"`
	CreatedAt          time.Time      `db:"created_at"`
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertMessage persists m. Duplicate (channel_id, message_id) pairs are
// a no-op: the existing row id comes back with inserted=false.
func (s *SQLStore) InsertMessage(ctx context.Context, m Message) (int64, bool, error) {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.PlatformTimestamp.IsZero() {
		m.PlatformTimestamp = now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			channel_id, thread_id, parent_channel_id, message_id,
			author_id, author_name, content, platform_timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, message_id) DO NOTHING`,
		m.ChannelID, nullable(m.ThreadID), m.ParentChannelID, m.MessageID,
		m.AuthorID, m.AuthorName, m.Content,
		m.PlatformTimestamp.UTC(), m.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert message: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("insert message rows affected: %w", err)
	}
	if affected == 0 {
		var rowID int64
		err := s.db.GetContext(ctx, &rowID,
			`SELECT row_id FROM messages WHERE channel_id = ? AND message_id = ?`,
			m.ChannelID, m.MessageID)
		if err != nil {
			return 0, false, fmt.Errorf("%w: duplicate message without row: %v", ErrIntegrity, err)
		}
		return rowID, false, nil
	}

	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("insert message id: %w", err)
	}
	return rowID, true, nil
}

func (s *SQLStore) InsertBlockBoundary(ctx context.Context, b BlockBoundary) (int64, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO block_boundaries (
			channel_id, thread_id, first_message_id, last_message_id,
			first_row_id, last_row_id, token_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ChannelID, nullable(b.ThreadID), b.FirstMessageID, b.LastMessageID,
		b.FirstRowID, b.LastRowID, b.TokenCount, b.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert block boundary: %w", err)
	}
	return res.LastInsertId()
}

// threadClause narrows a query to one thread, or to messages outside any
// thread when threadID is empty.
func threadClause(threadID string) (string, []any) {
	if threadID == "" {
		return "thread_id IS NULL", nil
	}
	return "thread_id = ?", []any{threadID}
}

func (s *SQLStore) Messages(ctx context.Context, channelID, threadID string, afterRowID int64) ([]Message, error) {
	clause, extra := threadClause(threadID)
	args := append([]any{channelID}, extra...)
	args = append(args, afterRowID)

	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT row_id, channel_id, thread_id, parent_channel_id, message_id,
		       author_id, author_name, content, platform_timestamp, created_at
		FROM messages
		WHERE channel_id = ? AND `+clause+` AND row_id > ?
		ORDER BY row_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}

	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = r.toMessage()
	}
	return out, nil
}

func (s *SQLStore) MessagesRange(ctx context.Context, channelID, threadID string, firstRowID, lastRowID int64) ([]Message, error) {
	clause, extra := threadClause(threadID)
	args := append([]any{channelID}, extra...)
	args = append(args, firstRowID, lastRowID)

	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT row_id, channel_id, thread_id, parent_channel_id, message_id,
		       author_id, author_name, content, platform_timestamp, created_at
		FROM messages
		WHERE channel_id = ? AND `+clause+` AND row_id >= ? AND row_id <= ?
		ORDER BY row_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("select message range: %w", err)
	}

	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = r.toMessage()
	}
	return out, nil
}

func (s *SQLStore) Boundaries(ctx context.Context, channelID, threadID string, afterRowID int64) ([]BlockBoundary, error) {
	clause, extra := threadClause(threadID)
	args := append([]any{channelID}, extra...)
	args = append(args, afterRowID)

	var rows []boundaryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT row_id, channel_id, thread_id, first_message_id, last_message_id,
		       first_row_id, last_row_id, token_count, created_at
		FROM block_boundaries
		WHERE channel_id = ? AND `+clause+` AND last_row_id > ?
		ORDER BY last_row_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("select boundaries: %w", err)
	}

	out := make([]BlockBoundary, len(rows))
	for i, r := range rows {
		out[i] = r.toBoundary()
	}
	return out, nil
}

func (s *SQLStore) RecordThreadReset(ctx context.Context, threadID, botID string, lastRowID int64, lastMessageID string) error {
	if botID == "" {
		botID = GlobalBotID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_resets (thread_id, bot_id, last_reset_row_id, last_reset_message_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, bot_id) DO UPDATE SET
			last_reset_row_id = excluded.last_reset_row_id,
			last_reset_message_id = excluded.last_reset_message_id,
			created_at = excluded.created_at`,
		threadID, botID, lastRowID, nullable(lastMessageID), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record thread reset: %w", err)
	}
	return nil
}

// ThreadResetInfo returns the reset record for (threadID, botID), falling
// back to the global record, or nil when neither exists.
func (s *SQLStore) ThreadResetInfo(ctx context.Context, threadID, botID string) (*ResetInfo, error) {
	if botID == "" {
		botID = GlobalBotID
	}
	var row resetRow
	err := s.db.GetContext(ctx, &row, `
		SELECT thread_id, bot_id, last_reset_row_id, last_reset_message_id, created_at
		FROM thread_resets
		WHERE thread_id = ? AND bot_id IN (?, ?)
		ORDER BY CASE bot_id WHEN ? THEN 0 ELSE 1 END
		LIMIT 1`,
		threadID, botID, GlobalBotID, botID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select thread reset: %w", err)
	}
	return &ResetInfo{
		ThreadID:           row.ThreadID,
		BotID:              row.BotID,
		LastResetRowID:     row.LastResetRowID,
		LastResetMessageID: row.LastResetMessageID.String,
		CreatedAt:          row.CreatedAt,
	}, nil
}

func (s *SQLStore) MaxThreadRow(ctx context.Context, threadID string) (int64, string, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `
		SELECT row_id, channel_id, thread_id, parent_channel_id, message_id,
		       author_id, author_name, content, platform_timestamp, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY row_id DESC
		LIMIT 1`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("select max thread row: %w", err)
	}
	return row.RowID, row.MessageID, nil
}

func (s *SQLStore) ClearThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear thread begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear thread messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM block_boundaries WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear thread boundaries: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.GetContext(ctx, &st.Messages, `SELECT COUNT(*) FROM messages`); err != nil {
		return st, fmt.Errorf("count messages: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.Boundaries, `SELECT COUNT(*) FROM block_boundaries`); err != nil {
		return st, fmt.Errorf("count boundaries: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.Resets, `SELECT COUNT(*) FROM thread_resets`); err != nil {
		return st, fmt.Errorf("count resets: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.Channels, `SELECT COUNT(DISTINCT channel_id) FROM messages`); err != nil {
		return st, fmt.Errorf("count channels: %w", err)
	}
	if info, err := os.Stat(s.dbPath); err == nil {
		st.DatabaseBytes = info.Size()
	}
	return st, nil
}

func (s *SQLStore) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear all begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "block_boundaries", "thread_resets"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

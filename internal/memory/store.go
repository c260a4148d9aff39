package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps session mappings, file records, last-seen markers and
// the local transcript in one SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ domain.SessionStore    = (*SQLiteStore)(nil)
	_ domain.FileStore       = (*SQLiteStore)(nil)
	_ domain.LastSeenStore   = (*SQLiteStore)(nil)
	_ domain.TranscriptStore = (*SQLiteStore)(nil)
	_ domain.HistoryReader   = (*SQLiteStore)(nil)
)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, userID, botID string) (*domain.SessionMapping, error) {
	var m domain.SessionMapping
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, bot_id, conversation_id, created_at FROM sessions WHERE user_id = ? AND bot_id = ?`,
		userID, botID,
	).Scan(&m.UserID, &m.BotID, &m.ConversationID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveSession inserts the mapping; an existing (user, bot) pair is kept as is.
func (s *SQLiteStore) SaveSession(ctx context.Context, m domain.SessionMapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (user_id, bot_id, conversation_id, created_at) VALUES (?, ?, ?, ?)`,
		m.UserID, m.BotID, m.ConversationID, m.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) SaveFile(ctx context.Context, rec domain.FileRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO files (file_id, bytes, file_name, file_type, msg_content, origin_msg_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.FileID, rec.Bytes, rec.FileName, rec.FileType, rec.MsgContent, rec.OriginMsgID, rec.CreatedAt,
	)
	return err
}

// FindFileByOrigin returns the first file uploaded for a platform message, or nil.
func (s *SQLiteStore) FindFileByOrigin(ctx context.Context, originMsgID string) (*domain.FileRecord, error) {
	var rec domain.FileRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT file_id, bytes, file_name, file_type, msg_content, origin_msg_id, created_at
		 FROM files WHERE origin_msg_id = ? ORDER BY id ASC LIMIT 1`, originMsgID,
	).Scan(&rec.FileID, &rec.Bytes, &rec.FileName, &rec.FileType, &rec.MsgContent, &rec.OriginMsgID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// TouchLastSeen upserts the marker. Millisecond timestamps are stored as seconds.
func (s *SQLiteStore) TouchLastSeen(ctx context.Context, userID string, ts int64) error {
	if ts <= 0 {
		ts = time.Now().Unix()
	}
	ts = domain.NormalizeUnix(ts)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_seen (user_id, last_message_time) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET last_message_time = excluded.last_message_time`,
		userID, ts,
	)
	return err
}

func (s *SQLiteStore) ListLastSeen(ctx context.Context) ([]domain.LastSeen, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, last_message_time FROM last_seen ORDER BY user_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LastSeen
	for rows.Next() {
		var ls domain.LastSeen
		if err := rows.Scan(&ls.UserID, &ls.LastMessageTime); err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendTranscript(ctx context.Context, userID string, entry domain.HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript (user_id, kind, from_self, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, int(entry.Kind), entry.FromSelf, entry.Content, entry.CreatedAt.Unix(),
	)
	return err
}

// History returns the newest limit transcript entries for userID, newest first.
func (s *SQLiteStore) History(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 15
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, from_self, content, created_at FROM transcript
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

// Unread returns incoming text entries newer than since, oldest first.
func (s *SQLiteStore) Unread(ctx context.Context, userID string, since time.Time) ([]domain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, from_self, content, created_at FROM transcript
		 WHERE user_id = ? AND created_at > ? AND from_self = 0 AND kind = ?
		 ORDER BY created_at ASC, id ASC`, userID, since.Unix(), int(domain.KindText),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

func scanHistory(rows *sql.Rows) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	for rows.Next() {
		var (
			e    domain.HistoryEntry
			kind int
			ts   int64
		)
		if err := rows.Scan(&kind, &e.FromSelf, &e.Content, &ts); err != nil {
			return nil, err
		}
		e.Kind = domain.EventKind(kind)
		e.CreatedAt = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats reports row counts per table for the status command.
func (s *SQLiteStore) Stats(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	for _, table := range []string{"sessions", "files", "last_seen", "transcript"} {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// PruneTranscript deletes transcript rows older than the cutoff.
func (s *SQLiteStore) PruneTranscript(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcript WHERE created_at < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Snapshot writes a consistent copy of the database to path.
func (s *SQLiteStore) Snapshot(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

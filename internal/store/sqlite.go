package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"parley/server/internal/identity"
	"parley/server/internal/protocol"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is the durable MessagesDAO. Message ids are stored in canonical
// uuid text form; timestamps as integer Unix microseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database and runs migrations.
func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &SQLite{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_key TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	member_a TEXT NOT NULL DEFAULT '',
	member_b TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	room_key TEXT NOT NULL,
	id TEXT NOT NULL,
	sender TEXT NOT NULL,
	content TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	PRIMARY KEY (room_key, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_room_start ON messages(room_key, start_time);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// AddMessage stores a finalized message under the destination's room,
// creating the room row on first use. A duplicate message id within the
// room overwrites the previous row.
func (s *SQLite) AddMessage(ctx context.Context, msg protocol.Message, dest protocol.Destination) error {
	id := DMRoom(msg.Sender, dest.User)

	const roomQ = `INSERT OR IGNORE INTO rooms (room_key, kind, member_a, member_b) VALUES (?, 'dm', ?, ?)`
	if _, err := s.db.ExecContext(ctx, roomQ, id.Key(), string(id.Pair.First), string(id.Pair.Second)); err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}

	const msgQ = `
INSERT INTO messages (room_key, id, sender, content, start_time, end_time)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (room_key, id) DO UPDATE SET
	sender = excluded.sender,
	content = excluded.content,
	start_time = excluded.start_time,
	end_time = excluded.end_time
`
	_, err := s.db.ExecContext(ctx, msgQ,
		id.Key(),
		msg.ID.String(),
		string(msg.Sender),
		msg.Content,
		int64(msg.StartTime),
		int64(msg.EndTime),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	slog.Debug("message persisted", "room", id, "msg_id", msg.ID, "sender", msg.Sender)
	return nil
}

// Room returns the per-room DAO, or ErrMissingRoom.
func (s *SQLite) Room(ctx context.Context, id RoomID) (Room, error) {
	const q = `SELECT member_a, member_b FROM rooms WHERE room_key = ?`

	var a, b string
	err := s.db.QueryRowContext(ctx, q, id.Key()).Scan(&a, &b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrMissingRoom, id)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	return &sqliteRoom{db: s.db, key: id.Key(), memberA: identity.UserID(a), memberB: identity.UserID(b)}, nil
}

type sqliteRoom struct {
	db      *sql.DB
	key     string
	memberA identity.UserID
	memberB identity.UserID
}

func (r *sqliteRoom) AddMessage(ctx context.Context, msg protocol.Message) error {
	const q = `
INSERT INTO messages (room_key, id, sender, content, start_time, end_time)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (room_key, id) DO UPDATE SET
	sender = excluded.sender,
	content = excluded.content,
	start_time = excluded.start_time,
	end_time = excluded.end_time
`
	_, err := r.db.ExecContext(ctx, q, r.key, msg.ID.String(), string(msg.Sender), msg.Content, int64(msg.StartTime), int64(msg.EndTime))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *sqliteRoom) Message(ctx context.Context, id protocol.MessageID) (protocol.Message, error) {
	const q = `SELECT id, sender, content, start_time, end_time FROM messages WHERE room_key = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, q, r.key, id.String())
	msg, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.Message{}, fmt.Errorf("%w: %s", ErrMissingMessage, id)
		}
		return protocol.Message{}, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// Messages returns the messages passing filter, oldest start time first.
// A nil filter includes everything.
func (r *sqliteRoom) Messages(ctx context.Context, filter func(protocol.Message) bool) ([]protocol.Message, error) {
	const q = `SELECT id, sender, content, start_time, end_time FROM messages WHERE room_key = ? ORDER BY start_time, id`

	rows, err := r.db.QueryContext(ctx, q, r.key)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []protocol.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if filter == nil || filter(msg) {
			out = append(out, msg)
		}
	}
	return out, rows.Err()
}

func (r *sqliteRoom) EditMessage(ctx context.Context, id protocol.MessageID, content string) error {
	const q = `UPDATE messages SET content = ? WHERE room_key = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, q, content, r.key, id.String())
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMissingMessage, id)
	}
	return nil
}

func (r *sqliteRoom) Members(_ context.Context) ([]identity.UserID, error) {
	return []identity.UserID{r.memberA, r.memberB}, nil
}

func scanMessage(scan func(...any) error) (protocol.Message, error) {
	var (
		idText     string
		sender     string
		content    string
		start, end int64
	)
	if err := scan(&idText, &sender, &content, &start, &end); err != nil {
		return protocol.Message{}, err
	}
	u, err := uuid.Parse(idText)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("parse stored uuid %q: %w", idText, err)
	}
	return protocol.Message{
		Sender:    identity.UserID(sender),
		Content:   content,
		ID:        protocol.MessageID(u),
		StartTime: protocol.Timestamp(start),
		EndTime:   protocol.Timestamp(end),
	}, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"openchat-server/core"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db *sql.DB
}

// NewStore opens the database and creates the chat tables when missing.
func NewStore(dataSourceName string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer keeps inserts from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	roomTableStmt := `CREATE TABLE IF NOT EXISTS chat_room (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);`
	if _, err = db.Exec(roomTableStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat_room table: %w", err)
	}

	// AUTOINCREMENT keeps ids from being reused after the last row is removed.
	messageTableStmt := `CREATE TABLE IF NOT EXISTS chat_message (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		username TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);`
	if _, err = db.Exec(messageTableStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat_message table: %w", err)
	}

	if _, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_chat_message_room ON chat_message (room_id, id);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat_message index: %w", err)
	}

	return &sqliteStore{db}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// RoomDirectory implementation
func (s *sqliteStore) Create(ctx context.Context, room *core.Room) error {
	if room.ID == "" {
		return fmt.Errorf("room id is required")
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	log := logrus.WithField("room_id", room.ID)

	result, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO chat_room (id, name, created_at) VALUES (?, ?, ?)",
		room.ID, room.Name, room.CreatedAt.UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create room")
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("room %s: %w", room.ID, core.ErrRoomExists)
	}

	log.Debug("Room record created")
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*core.Room, error) {
	var (
		room      core.Room
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM chat_room WHERE id = ? AND deleted = 0", id).
		Scan(&room.ID, &room.Name, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("room %s: %w", id, core.ErrRoomNotFound)
		}
		logrus.WithField("room_id", id).WithError(err).Error("Failed to retrieve room")
		return nil, err
	}
	room.CreatedAt = time.UnixMilli(createdAt)
	return &room, nil
}

func (s *sqliteStore) SoftDelete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE chat_room SET deleted = 1 WHERE id = ?", id)
	return err
}

// MessageStore implementation
func (s *sqliteStore) Insert(ctx context.Context, roomID, username, content string) (*core.Message, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO chat_message (room_id, username, content, created_at) VALUES (?, ?, ?, ?)",
		roomID, username, content, now.UnixMilli())
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to insert message")
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &core.Message{
		ID:        id,
		RoomID:    roomID,
		Username:  username,
		Content:   content,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

func (s *sqliteStore) QueryAfter(ctx context.Context, roomID string, cursor int64, limit int) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, username, content, created_at FROM chat_message
		WHERE room_id = ? AND id > ? AND deleted = 0
		ORDER BY id DESC LIMIT ?`,
		roomID, max(cursor, 0), limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close message rows")
		}
	}()

	var messages []core.Message
	for rows.Next() {
		var (
			msg       core.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Username, &msg.Content, &createdAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *sqliteStore) SoftDeleteAll(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE chat_message SET deleted = 1 WHERE room_id = ?", roomID)
	return err
}

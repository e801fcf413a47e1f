package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"openchat-server/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_room (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS chat_message (
	id BIGSERIAL PRIMARY KEY,
	room_id TEXT NOT NULL,
	username TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_chat_message_room ON chat_message (room_id, id);
`

type pgStore struct {
	pool *pgxpool.Pool
}

// Connect creates a pgx pool for dsn, pings it and applies the schema.
// Accepted forms include postgres://, postgresql:// and the "+asyncpg"/"+pgx" driver suffixes.
func Connect(ctx context.Context, dsn string) (*pgStore, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}

	return &pgStore{pool: pool}, nil
}

func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+asyncpg://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+asyncpg://", "postgres://", 1)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) Create(ctx context.Context, room *core.Room) error {
	if room.ID == "" {
		return errors.New("room id is required")
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		"INSERT INTO chat_room (id, name, created_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING",
		room.ID, room.Name, room.CreatedAt)
	if err != nil {
		logrus.WithField("room_id", room.ID).WithError(err).Error("Failed to create room")
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %s: %w", room.ID, core.ErrRoomExists)
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, id string) (*core.Room, error) {
	var room core.Room
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, created_at FROM chat_room WHERE id = $1 AND NOT deleted", id).
		Scan(&room.ID, &room.Name, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("room %s: %w", id, core.ErrRoomNotFound)
		}
		return nil, err
	}
	return &room, nil
}

func (s *pgStore) SoftDelete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, "UPDATE chat_room SET deleted = TRUE WHERE id = $1", id)
	return err
}

func (s *pgStore) Insert(ctx context.Context, roomID, username, content string) (*core.Message, error) {
	msg := core.Message{RoomID: roomID, Username: username, Content: content}
	err := s.pool.QueryRow(ctx,
		"INSERT INTO chat_message (room_id, username, content) VALUES ($1, $2, $3) RETURNING id, created_at",
		roomID, username, content).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to insert message")
		return nil, err
	}
	return &msg, nil
}

func (s *pgStore) QueryAfter(ctx context.Context, roomID string, cursor int64, limit int) ([]core.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, username, content, created_at
		FROM chat_message
		WHERE room_id = $1 AND id > $2 AND NOT deleted
		ORDER BY id DESC
		LIMIT $3
	`, roomID, max(cursor, 0), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []core.Message
	for rows.Next() {
		var msg core.Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Username, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *pgStore) SoftDeleteAll(ctx context.Context, roomID string) error {
	_, err := s.pool.Exec(ctx, "UPDATE chat_message SET deleted = TRUE WHERE room_id = $1", roomID)
	return err
}

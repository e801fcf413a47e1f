package core

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRoomNotFound is returned for rooms that were never created or have been deleted.
	ErrRoomNotFound = errors.New("room not found")
	// ErrStoreFailure wraps persistence errors. It is not retried here.
	ErrStoreFailure = errors.New("store failure")
	// ErrRoomExists is returned by RoomDirectory.Create when the id is taken.
	ErrRoomExists = errors.New("room already exists")
)

type (
	Room struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Deleted   bool      `json:"-"`
		CreatedAt time.Time `json:"createdAt"`
	}

	Message struct {
		ID        int64     `json:"id"`
		RoomID    string    `json:"roomId"`
		Username  string    `json:"username"`
		Content   string    `json:"content"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// PollResult is the payload handed to message and presence pollers.
	PollResult struct {
		Messages      []Message `json:"messages"`
		OnlineUsers   []string  `json:"onlineUsers"`
		LastMessageID *int64    `json:"lastMessageId"`
	}

	RoomInfo struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		OnlineUsers []string `json:"onlineUsers"`
		OnlineCount int      `json:"onlineCount"`
	}

	// MessageStore is the durable, append-only message table.
	MessageStore interface {
		// Insert stores a message and returns it with the store-assigned id and timestamp.
		// Ids are strictly increasing and never reused.
		Insert(ctx context.Context, roomID, username, content string) (*Message, error)

		// QueryAfter returns at most limit live messages of the room with id > cursor,
		// newest first. A cursor <= 0 means no lower bound.
		QueryAfter(ctx context.Context, roomID string, cursor int64, limit int) ([]Message, error)

		// SoftDeleteAll flags every message of the room as deleted. Repeating it is harmless.
		SoftDeleteAll(ctx context.Context, roomID string) error
	}

	// RoomDirectory keeps room records.
	RoomDirectory interface {
		Create(ctx context.Context, room *Room) error
		// Get returns ErrRoomNotFound for absent or soft-deleted rooms.
		Get(ctx context.Context, id string) (*Room, error)
		// SoftDelete flags the room as deleted. Repeating it is harmless.
		SoftDelete(ctx context.Context, id string) error
	}

	// Store is a backend that keeps both rooms and messages.
	Store interface {
		RoomDirectory
		MessageStore
	}
)

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}

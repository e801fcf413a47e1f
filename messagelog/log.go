// Package messagelog owns cursor semantics over a core.MessageStore.
package messagelog

import (
	"context"
	"fmt"
	"slices"

	"openchat-server/core"
)

const (
	// DefaultLimit caps every read.
	DefaultLimit = 50
	// TranscriptLimit caps the messages captured when a room is archived.
	TranscriptLimit = 10000
)

type Log struct {
	store core.MessageStore
}

func New(store core.MessageStore) *Log {
	return &Log{store: store}
}

// Append stores a message. The returned id is assigned by the store.
func (l *Log) Append(ctx context.Context, roomID, username, content string) (*core.Message, error) {
	msg, err := l.store.Insert(ctx, roomID, username, content)
	if err != nil {
		return nil, fmt.Errorf("append message to room %s: %w: %v", roomID, core.ErrStoreFailure, err)
	}
	return msg, nil
}

// Since returns up to limit messages with id > cursor in ascending id order.
// A cursor <= 0 yields the latest limit messages. limit <= 0 means DefaultLimit.
func (l *Log) Since(ctx context.Context, roomID string, cursor int64, limit int) ([]core.Message, error) {
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}
	messages, err := l.store.QueryAfter(ctx, roomID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages of room %s: %w: %v", roomID, core.ErrStoreFailure, err)
	}
	if len(messages) == 0 {
		return []core.Message{}, nil
	}
	// The store answers newest first.
	slices.Reverse(messages)
	return messages, nil
}

// Transcript returns every live message of the room in ascending id order,
// up to TranscriptLimit.
func (l *Log) Transcript(ctx context.Context, roomID string) ([]core.Message, error) {
	messages, err := l.store.QueryAfter(ctx, roomID, 0, TranscriptLimit)
	if err != nil {
		return nil, fmt.Errorf("read transcript of room %s: %w: %v", roomID, core.ErrStoreFailure, err)
	}
	slices.Reverse(messages)
	return messages, nil
}

// Purge soft-deletes every message of the room.
func (l *Log) Purge(ctx context.Context, roomID string) error {
	if err := l.store.SoftDeleteAll(ctx, roomID); err != nil {
		return fmt.Errorf("purge messages of room %s: %w: %v", roomID, core.ErrStoreFailure, err)
	}
	return nil
}

// LastID returns the id of the newest message, or 0 for an empty slice.
func LastID(messages []core.Message) int64 {
	if len(messages) == 0 {
		return 0
	}
	return messages[len(messages)-1].ID
}

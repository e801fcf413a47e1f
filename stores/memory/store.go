package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"openchat-server/core"

	"github.com/sirupsen/logrus"
)

type storedMessage struct {
	core.Message
	deleted bool
}

// memStore implements both MessageStore and RoomDirectory for in-memory storage.
type memStore struct {
	mu       sync.RWMutex
	rooms    map[string]*core.Room
	messages map[string][]storedMessage
	lastID   int64
}

// NewStore creates a new in-memory store.
func NewStore() *memStore {
	return &memStore{
		rooms:    make(map[string]*core.Room),
		messages: make(map[string][]storedMessage),
	}
}

// Create adds a room record. Part of the RoomDirectory interface.
func (s *memStore) Create(ctx context.Context, room *core.Room) error {
	if room.ID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.ID]; exists {
		return fmt.Errorf("room %s: %w", room.ID, core.ErrRoomExists)
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	stored := *room
	s.rooms[room.ID] = &stored

	logrus.WithField("room_id", room.ID).Debug("Room record created")
	return nil
}

// Get returns a live room record. Part of the RoomDirectory interface.
func (s *memStore) Get(ctx context.Context, id string) (*core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	if !ok || room.Deleted {
		return nil, fmt.Errorf("room %s: %w", id, core.ErrRoomNotFound)
	}
	found := *room
	return &found, nil
}

// SoftDelete flags a room as deleted. Part of the RoomDirectory interface.
func (s *memStore) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room, ok := s.rooms[id]; ok {
		room.Deleted = true
	}
	return nil
}

// Insert appends a message with the next id. Part of the MessageStore interface.
func (s *memStore) Insert(ctx context.Context, roomID, username, content string) (*core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	msg := core.Message{
		ID:        s.lastID,
		RoomID:    roomID,
		Username:  username,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.messages[roomID] = append(s.messages[roomID], storedMessage{Message: msg})

	logrus.WithFields(logrus.Fields{
		"room_id":    roomID,
		"message_id": msg.ID,
	}).Debug("Message stored")
	return &msg, nil
}

// QueryAfter returns live messages newer than cursor, newest first. Part of the MessageStore interface.
func (s *memStore) QueryAfter(ctx context.Context, roomID string, cursor int64, limit int) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.messages[roomID]
	result := make([]core.Message, 0, min(limit, len(stored)))
	for i := len(stored) - 1; i >= 0 && len(result) < limit; i-- {
		m := stored[i]
		if cursor > 0 && m.ID <= cursor {
			break
		}
		if m.deleted {
			continue
		}
		result = append(result, m.Message)
	}
	return result, nil
}

// SoftDeleteAll flags all messages of a room. Part of the MessageStore interface.
func (s *memStore) SoftDeleteAll(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.messages[roomID]
	for i := range stored {
		stored[i].deleted = true
	}
	return nil
}

// Package chat implements room lifecycle and long-poll coordination on top of
// the presence set, the message log and the waiter registry.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"openchat-server/core"
	"openchat-server/longpoll"
	"openchat-server/messagelog"
	"openchat-server/presence"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPollTimeout applies to message polls that do not ask for a timeout.
	DefaultPollTimeout = 10 * time.Second
	// DefaultPresenceTimeout applies to presence polls that do not ask for a timeout.
	DefaultPresenceTimeout = 30 * time.Second

	MinPollTimeout = time.Second
	MaxPollTimeout = 30 * time.Second

	roomIDLength   = 11
	createAttempts = 3
)

// Observer receives room events after they have been applied. Calls are made
// synchronously from the request that caused the event and must not block.
type Observer interface {
	MessageSent(ctx context.Context, roomID string, msg core.Message)
	PresenceChanged(ctx context.Context, roomID string, users []string)
	RoomDeleted(ctx context.Context, roomID string)
}

// Archiver keeps a copy of a room transcript before its messages are purged.
type Archiver interface {
	Archive(ctx context.Context, roomID string, messages []core.Message) error
}

// TeardownQueue schedules another teardown attempt for a room whose teardown failed.
type TeardownQueue interface {
	EnqueueTeardown(ctx context.Context, roomID string) error
}

// RoomActivity describes a room with pending pollers.
type RoomActivity struct {
	RoomID          string `json:"roomId"`
	MessagePollers  int    `json:"messagePollers"`
	PresencePollers int    `json:"presencePollers"`
}

type Service struct {
	rooms    core.RoomDirectory
	log      *messagelog.Log
	presence presence.Set

	messageWaiters  *longpoll.Registry[core.PollResult]
	presenceWaiters *longpoll.Registry[core.PollResult]

	pollTimeout time.Duration
	observers   []Observer
	archiver    Archiver
	teardowns   TeardownQueue
	newRoomID   func() string
}

type Option func(*Service)

// WithPollTimeout sets the message poll timeout used when a client does not send one.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

func WithArchiver(a Archiver) Option {
	return func(s *Service) {
		s.archiver = a
	}
}

func WithTeardownQueue(q TeardownQueue) Option {
	return func(s *Service) {
		s.teardowns = q
	}
}

func NewService(rooms core.RoomDirectory, messages core.MessageStore, users presence.Set, opts ...Option) *Service {
	s := &Service{
		rooms:           rooms,
		log:             messagelog.New(messages),
		presence:        users,
		messageWaiters:  longpoll.NewRegistry[core.PollResult]("messages"),
		presenceWaiters: longpoll.NewRegistry[core.PollResult]("presence"),
		pollTimeout:     DefaultPollTimeout,
		newRoomID:       generateRoomID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func generateRoomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:roomIDLength]
}

// CreateRoom creates a room with a fresh id. Id collisions are detected by the
// directory and retried with a new id.
func (s *Service) CreateRoom(ctx context.Context) (*core.Room, error) {
	for attempt := 1; ; attempt++ {
		id := s.newRoomID()
		room := &core.Room{
			ID:        id,
			Name:      "Room-" + id[:min(6, len(id))],
			CreatedAt: time.Now(),
		}

		err := s.rooms.Create(ctx, room)
		if err == nil {
			logrus.WithField("room_id", id).Info("Chat room created")
			return room, nil
		}
		if errors.Is(err, core.ErrRoomExists) && attempt < createAttempts {
			logrus.WithField("room_id", id).Warn("Room id collision, retrying")
			continue
		}
		logrus.WithError(err).Error("Failed to create chat room")
		return nil, fmt.Errorf("create room: %w: %v", core.ErrStoreFailure, err)
	}
}

// RoomInfo returns the room record together with its online users.
func (s *Service) RoomInfo(ctx context.Context, roomID string) (*core.RoomInfo, error) {
	room, err := s.room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	users, err := s.members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &core.RoomInfo{
		ID:          room.ID,
		Name:        room.Name,
		OnlineUsers: users,
		OnlineCount: len(users),
	}, nil
}

// ActiveRooms lists rooms that have pending pollers, ordered by id.
func (s *Service) ActiveRooms() []RoomActivity {
	byRoom := make(map[string]*RoomActivity)
	get := func(id string) *RoomActivity {
		a, ok := byRoom[id]
		if !ok {
			a = &RoomActivity{RoomID: id}
			byRoom[id] = a
		}
		return a
	}
	for id, n := range s.messageWaiters.Rooms() {
		get(id).MessagePollers = n
	}
	for id, n := range s.presenceWaiters.Rooms() {
		get(id).PresencePollers = n
	}

	rooms := make([]RoomActivity, 0, len(byRoom))
	for _, a := range byRoom {
		rooms = append(rooms, *a)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	return rooms
}

// Close cancels every pending poll. Polls started afterwards answer with the
// current state without waiting.
func (s *Service) Close() {
	s.messageWaiters.Close()
	s.presenceWaiters.Close()
	logrus.Info("Chat service closed, pending polls cancelled")
}

func (s *Service) room(ctx context.Context, roomID string) (*core.Room, error) {
	room, err := s.rooms.Get(ctx, roomID)
	if err == nil {
		return room, nil
	}
	if errors.Is(err, core.ErrRoomNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("get room %s: %w: %v", roomID, core.ErrStoreFailure, err)
}

func (s *Service) members(ctx context.Context, roomID string) ([]string, error) {
	users, err := s.presence.Members(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("members of room %s: %w: %v", roomID, core.ErrStoreFailure, err)
	}
	return users, nil
}

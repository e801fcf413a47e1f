package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type roomMembers struct {
	users   map[string]struct{}
	expires time.Time
}

// MemorySet is an in-process Set.
type MemorySet struct {
	mu    sync.Mutex
	ttl   time.Duration
	rooms map[string]*roomMembers
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemorySet returns a MemorySet with the given TTL (DefaultTTL when ttl <= 0).
// A janitor sweeps expired rooms every sweep interval; sweep <= 0 disables it
// and expired rooms are then only dropped when touched.
func NewMemorySet(ttl, sweep time.Duration) *MemorySet {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemorySet{
		ttl:   ttl,
		rooms: make(map[string]*roomMembers),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if sweep > 0 {
		go s.janitor(sweep)
	}
	return s
}

// liveLocked returns the room entry, dropping it first when it has expired.
func (s *MemorySet) liveLocked(roomID string) *roomMembers {
	rm, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	if !s.now().Before(rm.expires) {
		delete(s.rooms, roomID)
		logrus.WithField("room_id", roomID).Debug("Presence set expired")
		return nil
	}
	return rm
}

func (s *MemorySet) Join(ctx context.Context, roomID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.liveLocked(roomID)
	if rm == nil {
		rm = &roomMembers{users: make(map[string]struct{})}
		s.rooms[roomID] = rm
	}
	rm.users[username] = struct{}{}
	rm.expires = s.now().Add(s.ttl)
	return nil
}

func (s *MemorySet) Leave(ctx context.Context, roomID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.liveLocked(roomID)
	if rm == nil {
		return false, nil
	}
	if _, ok := rm.users[username]; !ok {
		return false, nil
	}
	delete(rm.users, username)
	if len(rm.users) == 0 {
		delete(s.rooms, roomID)
	} else {
		rm.expires = s.now().Add(s.ttl)
	}
	return true, nil
}

func (s *MemorySet) Members(ctx context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.liveLocked(roomID)
	if rm == nil {
		return []string{}, nil
	}
	rm.expires = s.now().Add(s.ttl)

	members := make([]string, 0, len(rm.users))
	for u := range rm.users {
		members = append(members, u)
	}
	sort.Strings(members)
	return members, nil
}

func (s *MemorySet) Count(ctx context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.liveLocked(roomID)
	if rm == nil {
		return 0, nil
	}
	rm.expires = s.now().Add(s.ttl)
	return len(rm.users), nil
}

func (s *MemorySet) Clear(ctx context.Context, roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	return nil
}

// Close stops the janitor.
func (s *MemorySet) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemorySet) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			for roomID := range s.rooms {
				s.liveLocked(roomID)
			}
			s.mu.Unlock()
		}
	}
}

package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"openchat-server/core"
	"openchat-server/presence"
	"openchat-server/stores/memory"
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	store := memory.NewStore()
	users := presence.NewMemorySet(presence.DefaultTTL, 0)
	s := NewService(store, store, users, opts...)
	t.Cleanup(s.Close)
	return s
}

func createRoom(t *testing.T, s *Service) string {
	t.Helper()
	room, err := s.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	return room.ID
}

// waitForPollers blocks until the room has n pending message or presence pollers.
func waitForPollers(t *testing.T, s *Service, roomID string, messages, users int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.messageWaiters.Pending(roomID) == messages && s.presenceWaiters.Pending(roomID) == users {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("room %s: pollers = %d/%d, want %d/%d", roomID,
		s.messageWaiters.Pending(roomID), s.presenceWaiters.Pending(roomID), messages, users)
}

type pollOutcome struct {
	result *core.PollResult
	err    error
}

func pollMessagesAsync(s *Service, ctx context.Context, roomID string, cursor int64, timeout time.Duration) <-chan pollOutcome {
	ch := make(chan pollOutcome, 1)
	go func() {
		res, err := s.PollMessages(ctx, roomID, cursor, timeout)
		ch <- pollOutcome{res, err}
	}()
	return ch
}

func pollPresenceAsync(s *Service, ctx context.Context, roomID string, timeout time.Duration) <-chan pollOutcome {
	ch := make(chan pollOutcome, 1)
	go func() {
		res, err := s.PollPresence(ctx, roomID, timeout)
		ch <- pollOutcome{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan pollOutcome) *core.PollResult {
	t.Helper()
	select {
	case out := <-ch:
		if out.err != nil {
			t.Fatalf("poll failed: %v", out.err)
		}
		return out.result
	case <-time.After(5 * time.Second):
		t.Fatal("poll never returned")
	}
	return nil
}

func TestCreateRoom(t *testing.T) {
	s := newTestService(t)
	room, err := s.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	if len(room.ID) != 11 || strings.Contains(room.ID, "-") {
		t.Errorf("room id %q, want 11 characters without dashes", room.ID)
	}
	if room.Name != "Room-"+room.ID[:6] {
		t.Errorf("room name %q, want Room-%s", room.Name, room.ID[:6])
	}

	info, err := s.RoomInfo(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("RoomInfo() failed: %v", err)
	}
	if info.OnlineCount != 0 || len(info.OnlineUsers) != 0 {
		t.Errorf("new room has users: %+v", info)
	}
}

func TestCreateRoomRetriesCollision(t *testing.T) {
	s := newTestService(t)
	ids := []string{"aaaaaaaaaaa", "aaaaaaaaaaa", "bbbbbbbbbbb"}
	s.newRoomID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first := createRoom(t, s)
	second := createRoom(t, s)
	if first != "aaaaaaaaaaa" || second != "bbbbbbbbbbb" {
		t.Errorf("created %s and %s, want aaaaaaaaaaa and bbbbbbbbbbb", first, second)
	}
}

func TestCreateRoomGivesUp(t *testing.T) {
	s := newTestService(t)
	s.newRoomID = func() string { return "samesamesam" }

	createRoom(t, s)
	_, err := s.CreateRoom(context.Background())
	if !errors.Is(err, core.ErrStoreFailure) {
		t.Errorf("CreateRoom() error = %v, want ErrStoreFailure", err)
	}
}

func TestRoomLifecycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	roomID := createRoom(t, s)

	if _, err := s.Join(ctx, roomID, "alice"); err != nil {
		t.Fatalf("Join(alice) failed: %v", err)
	}
	joined, err := s.Join(ctx, roomID, "bob")
	if err != nil {
		t.Fatalf("Join(bob) failed: %v", err)
	}
	if strings.Join(joined.OnlineUsers, ",") != "alice,bob" {
		t.Errorf("Join() users = %v, want [alice bob]", joined.OnlineUsers)
	}

	if err := s.Leave(ctx, roomID, "alice"); err != nil {
		t.Fatalf("Leave(alice) failed: %v", err)
	}
	info, err := s.RoomInfo(ctx, roomID)
	if err != nil {
		t.Fatalf("RoomInfo() after first leave failed: %v", err)
	}
	if info.OnlineCount != 1 || info.OnlineUsers[0] != "bob" {
		t.Errorf("RoomInfo() = %+v, want only bob", info)
	}

	if err := s.Leave(ctx, roomID, "bob"); err != nil {
		t.Fatalf("Leave(bob) failed: %v", err)
	}
	if _, err := s.RoomInfo(ctx, roomID); !errors.Is(err, core.ErrRoomNotFound) {
		t.Errorf("RoomInfo() after last leave error = %v, want ErrRoomNotFound", err)
	}
	if _, err := s.Join(ctx, roomID, "carol"); !errors.Is(err, core.ErrRoomNotFound) {
		t.Errorf("Join() on deleted room error = %v, want ErrRoomNotFound", err)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	s := newTestService(t)
	if _, err := s.Join(context.Background(), "missing", "alice"); !errors.Is(err, core.ErrRoomNotFound) {
		t.Errorf("Join() error = %v, want ErrRoomNotFound", err)
	}
}

func TestRepeatedJoinStillNotifies(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	roomID := createRoom(t, s)
	_, _ = s.Join(ctx, roomID, "alice")

	poll := pollPresenceAsync(s, ctx, roomID, 10*time.Second)
	waitForPollers(t, s, roomID, 0, 1)

	res, err := s.Join(ctx, roomID, "alice")
	if err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	if len(res.OnlineUsers) != 1 {
		t.Errorf("Join() users = %v, want [alice]", res.OnlineUsers)
	}

	got := await(t, poll)
	if len(got.OnlineUsers) != 1 || got.OnlineUsers[0] != "alice" {
		t.Errorf("presence poll users = %v, want [alice]", got.OnlineUsers)
	}
}

func TestLeaveNonMemberDoesNotNotify(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	roomID := createRoom(t, s)
	_, _ = s.Join(ctx, roomID, "alice")

	start := time.Now()
	poll := pollPresenceAsync(s, ctx, roomID, time.Second)
	waitForPollers(t, s, roomID, 0, 1)

	if err := s.Leave(ctx, roomID, "mallory"); err != nil {
		t.Fatalf("Leave() of a non-member failed: %v", err)
	}
	if s.presenceWaiters.Pending(roomID) != 1 {
		t.Error("presence poller was woken by a no-op leave")
	}

	got := await(t, poll)
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("presence poll returned after %v, want the full timeout", elapsed)
	}
	if len(got.OnlineUsers) != 1 || got.OnlineUsers[0] != "alice" {
		t.Errorf("presence poll users = %v, want the snapshot [alice]", got.OnlineUsers)
	}
}

func TestLeaveNotifiesRemainingUsers(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	roomID := createRoom(t, s)
	_, _ = s.Join(ctx, roomID, "alice")
	_, _ = s.Join(ctx, roomID, "bob")

	poll := pollPresenceAsync(s, ctx, roomID, 10*time.Second)
	waitForPollers(t, s, roomID, 0, 1)

	if err := s.Leave(ctx, roomID, "alice"); err != nil {
		t.Fatalf("Leave() failed: %v", err)
	}
	got := await(t, poll)
	if len(got.OnlineUsers) != 1 || got.OnlineUsers[0] != "bob" {
		t.Errorf("presence poll users = %v, want [bob]", got.OnlineUsers)
	}
}

func TestSendMessageWakesPendingPoll(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	roomID := createRoom(t, s)
	_, _ = s.Join(ctx, roomID, "alice")

	poll := pollMessagesAsync(s, ctx, roomID, 0, 10*time.Second)
	waitForPollers(t, s, roomID, 1, 0)

	msg, err := s.SendMessage(ctx, roomID, "alice", "hi")
	if err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}
	if msg.ID != 1 {
		t.Errorf("message id = %d, want 1", msg.ID)
	}

	got := await(t, poll)
	if len(got.Messages) != 1 || got.Messages[0].ID != 1 || got.Messages[0].Content != "hi" {
		t.Fatalf("poll messages = %+v, want [{1 hi}]", got.Messages)
	}
	if got.LastMessageID == nil || *got.LastMessageID != 1 {
		t.Errorf("poll cursor = %v, want 1", got.LastMessageID)
	}
	if len(got.OnlineUsers) != 1 || got.OnlineUsers[0] != "alice" {
		t.Errorf("poll users = %v, want [alice]", got.OnlineUsers)
	}
	if s.messageWaiters.Pending(roomID) != 0 {
		t.Error("message poller left pending after broadcast")
	}
}

func TestPollMessagesReturnsImmediately(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	roomID := createRoom(t, s)

	for _, body := range []string{"one", "two", "three"} {
		if _, err := s.SendMessage(ctx, roomID, "alice", body); err != nil {
			t.Fatalf("SendMessage() failed: %v", err)
		}
	}

	start := time.Now()
	got, err := s.PollMessages(ctx, roomID, 1, 10*time.Second)
	if err != nil {
		t.Fatalf("PollMessages() failed: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("PollMessages() waited although messages were available")
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "two" || got.Messages[1].Content != "three" {
		t.Errorf("PollMessages() = %+v, want [two three]", got.Messages)
	}
	if *got.LastMessageID != 3 {
		t.Errorf("cursor = %d, want 3", *got.LastMessageID)
	}
}

func TestPollMessagesTimesOut(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	roomID := createRoom(t, s)

	start := time.Now()
	got, err := s.PollMessages(ctx, roomID, 0, time.Second)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("PollMessages() failed: %v", err)
	}
	if elapsed < time.Second || elapsed > 3*time.Second {
		t.Errorf("PollMessages() returned after %v, want about 1s", elapsed)
	}
	if len(got.Messages) != 0 {
		t.Errorf("messages = %v, want none", got.Messages)
	}
	if got.LastMessageID == nil || *got.LastMessageID != 0 {
		t.Errorf("cursor = %v, want 0", got.LastMessageID)
	}
	if s.messageWaiters.Pending(roomID) != 0 {
		t.Error("timed out poller left pending")
	}
}

func TestPollMessagesClampsShortTimeout(t *testing.T) {
	s := newTestService(t)
	roomID := createRoom(t, s)

	start := time.Now()
	if _, err := s.PollMessages(context.Background(), roomID, 0, 10*time.Millisecond); err != nil {
		t.Fatalf("PollMessages() failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < MinPollTimeout {
		t.Errorf("PollMessages() returned after %v, before the minimum timeout", elapsed)
	}
}

func TestPollTrimsBroadcastToCursor(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	roomID := createRoom(t, s)
	for i := 0; i < 3; i++ {
		_, _ = s.SendMessage(ctx, roomID, "alice", "old")
	}

	poll := pollMessagesAsync(s, ctx, roomID, 3, 10*time.Second)
	waitForPollers(t, s, roomID, 1, 0)
	_, _ = s.SendMessage(ctx, roomID, "bob", "new")

	got := await(t, poll)
	if len(got.Messages) != 1 || got.Messages[0].ID != 4 || got.Messages[0].Content != "new" {
		t.Errorf("poll messages = %+v, want only message 4", got.Messages)
	}
	if *got.LastMessageID != 4 {
		t.Errorf("cursor = %d, want 4", *got.LastMessageID)
	}
}

func TestPollCancelledByContext(t *testing.T) {
	s := newTestService(t)
	roomID := createRoom(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	poll := pollMessagesAsync(s, ctx, roomID, 7, 30*time.Second)
	waitForPollers(t, s, roomID, 1, 0)
	cancel()

	got := await(t, poll)
	if len(got.Messages) != 0 || *got.LastMessageID != 7 {
		t.Errorf("cancelled poll = %+v, want empty with cursor 7", got)
	}
	if s.messageWaiters.Pending(roomID) != 0 {
		t.Error("cancelled poller left pending")
	}
}

func TestPollUnknownRoom(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if _, err := s.PollMessages(ctx, "missing", 0, time.Second); !errors.Is(err, core.ErrRoomNotFound) {
		t.Errorf("PollMessages() error = %v, want ErrRoomNotFound", err)
	}
	if _, err := s.PollPresence(ctx, "missing", time.Second); !errors.Is(err, core.ErrRoomNotFound) {
		t.Errorf("PollPresence() error = %v, want ErrRoomNotFound", err)
	}
}

func TestCloseReleasesPollers(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	roomID := createRoom(t, s)
	_, _ = s.Join(ctx, roomID, "alice")

	messages := pollMessagesAsync(s, ctx, roomID, 0, 30*time.Second)
	users := pollPresenceAsync(s, ctx, roomID, 30*time.Second)
	waitForPollers(t, s, roomID, 1, 1)

	s.Close()

	if got := await(t, messages); len(got.Messages) != 0 {
		t.Errorf("message poll after Close() = %+v, want empty", got)
	}
	if got := await(t, users); len(got.OnlineUsers) != 1 {
		t.Errorf("presence poll after Close() = %v, want the snapshot", got.OnlineUsers)
	}
}

func TestConcurrentSendsGetIncreasingIDs(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	roomID := createRoom(t, s)

	const senders, perSender = 8, 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if _, err := s.SendMessage(ctx, roomID, "user", "msg"); err != nil {
					t.Errorf("SendMessage() failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	msgs, err := s.Messages(ctx, roomID, 0, 0)
	if err != nil {
		t.Fatalf("Messages() failed: %v", err)
	}
	if len(msgs) != 50 {
		t.Fatalf("Messages() returned %d, want the 50 newest", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("ids not strictly increasing at %d: %d then %d", i, msgs[i-1].ID, msgs[i].ID)
		}
	}
	if msgs[len(msgs)-1].ID != senders*perSender {
		t.Errorf("newest id = %d, want %d", msgs[len(msgs)-1].ID, senders*perSender)
	}
}

func TestClampTimeout(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"unset uses default", 0, 10 * time.Second},
		{"negative uses default", -time.Second, 10 * time.Second},
		{"below minimum", 100 * time.Millisecond, time.Second},
		{"in range", 5 * time.Second, 5 * time.Second},
		{"above maximum", time.Minute, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampTimeout(tt.in, DefaultPollTimeout); got != tt.want {
				t.Errorf("ClampTimeout(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

package messagelog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"openchat-server/core"
	"openchat-server/stores/memory"
)

type failingStore struct{}

func (failingStore) Insert(ctx context.Context, roomID, username, content string) (*core.Message, error) {
	return nil, errors.New("disk full")
}

func (failingStore) QueryAfter(ctx context.Context, roomID string, cursor int64, limit int) ([]core.Message, error) {
	return nil, errors.New("connection reset")
}

func (failingStore) SoftDeleteAll(ctx context.Context, roomID string) error {
	return errors.New("read only")
}

func TestSince_Ordering(t *testing.T) {
	log := New(memory.NewStore())
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		if _, err := log.Append(ctx, "room", "alice", "msg"); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	messages, err := log.Since(ctx, "room", 0, DefaultLimit)
	if err != nil {
		t.Fatalf("Since() failed: %v", err)
	}
	if len(messages) != DefaultLimit {
		t.Fatalf("Since() returned %d messages, want %d", len(messages), DefaultLimit)
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].ID <= messages[i-1].ID {
			t.Fatalf("Since() not ascending at %d", i)
		}
	}
	if LastID(messages) != 120 {
		t.Errorf("LastID() = %d, want 120 (most recent)", LastID(messages))
	}
}

func TestSince_Cursor(t *testing.T) {
	log := New(memory.NewStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = log.Append(ctx, "room", "alice", "msg")
	}

	messages, err := log.Since(ctx, "room", 3, 0)
	if err != nil {
		t.Fatalf("Since() failed: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != 4 || messages[1].ID != 5 {
		t.Errorf("Since(3) = %+v, want ids [4 5]", messages)
	}

	empty, err := log.Since(ctx, "room", 5, 0)
	if err != nil {
		t.Fatalf("Since() failed: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Since(head) = %#v, want empty non-nil slice", empty)
	}
}

func TestSince_LimitIsCapped(t *testing.T) {
	log := New(memory.NewStore())
	ctx := context.Background()

	for i := 0; i < 80; i++ {
		_, _ = log.Append(ctx, "room", "alice", "msg")
	}
	messages, _ := log.Since(ctx, "room", 0, 500)
	if len(messages) != DefaultLimit {
		t.Errorf("Since() returned %d, want cap %d", len(messages), DefaultLimit)
	}
}

func TestPurge(t *testing.T) {
	log := New(memory.NewStore())
	ctx := context.Background()

	_, _ = log.Append(ctx, "room", "alice", "msg")
	if err := log.Purge(ctx, "room"); err != nil {
		t.Fatalf("Purge() failed: %v", err)
	}
	messages, _ := log.Since(ctx, "room", 0, 0)
	if len(messages) != 0 {
		t.Errorf("Since() after Purge returned %d messages", len(messages))
	}
}

func TestStoreFailure(t *testing.T) {
	log := New(failingStore{})
	ctx := context.Background()

	if _, err := log.Append(ctx, "room", "alice", "msg"); !errors.Is(err, core.ErrStoreFailure) {
		t.Errorf("Append() error = %v, want ErrStoreFailure", err)
	}
	if _, err := log.Since(ctx, "room", 0, 0); !errors.Is(err, core.ErrStoreFailure) {
		t.Errorf("Since() error = %v, want ErrStoreFailure", err)
	}
	if err := log.Purge(ctx, "room"); !errors.Is(err, core.ErrStoreFailure) {
		t.Errorf("Purge() error = %v, want ErrStoreFailure", err)
	}
}

func TestConcurrentAppendIDsStrictlyIncrease(t *testing.T) {
	log := New(memory.NewStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := log.Append(ctx, "room", "user", "concurrent"); err != nil {
				t.Errorf("Append() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	messages, _ := log.Since(ctx, "room", 0, 0)
	seen := make(map[int64]bool)
	for i, m := range messages {
		if seen[m.ID] {
			t.Fatalf("id %d reused", m.ID)
		}
		seen[m.ID] = true
		if i > 0 && m.ID <= messages[i-1].ID {
			t.Fatalf("ids not strictly increasing at %d", i)
		}
	}
	if len(messages) != 40 {
		t.Errorf("Since() returned %d, want 40", len(messages))
	}
}

func TestTranscriptReturnsEverything(t *testing.T) {
	log := New(memory.NewStore())
	ctx := context.Background()

	for i := 0; i < 75; i++ {
		_, _ = log.Append(ctx, "room", "alice", "msg")
	}
	_, _ = log.Append(ctx, "other", "bob", "elsewhere")

	transcript, err := log.Transcript(ctx, "room")
	if err != nil {
		t.Fatalf("Transcript() failed: %v", err)
	}
	if len(transcript) != 75 {
		t.Fatalf("Transcript() returned %d messages, want 75", len(transcript))
	}
	if transcript[0].ID != 1 || LastID(transcript) != 75 {
		t.Errorf("Transcript() spans %d..%d, want 1..75", transcript[0].ID, LastID(transcript))
	}
}

package stores

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"openchat-server/config"
	"openchat-server/presence"
)

func TestGetStoreDefaultsToMemory(t *testing.T) {
	store, err := GetStore(context.Background(), &config.Config{})
	if err != nil {
		t.Fatalf("GetStore() failed: %v", err)
	}
	if _, ok := store.(io.Closer); ok {
		t.Error("Expected the in-memory store, got a closable backend")
	}
}

func TestGetStoreSQLite(t *testing.T) {
	cfg := &config.Config{
		StorageType:    "sqlite",
		DataSourceName: filepath.Join(t.TempDir(), "chat.db"),
	}
	store, err := GetStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("GetStore() failed: %v", err)
	}
	closer, ok := store.(io.Closer)
	if !ok {
		t.Fatal("Expected sqlite store to be closable")
	}
	defer closer.Close()

	if _, err := store.Insert(context.Background(), "room", "alice", "hi"); err != nil {
		t.Errorf("Insert() failed: %v", err)
	}
}

func TestGetStorePostgresNeedsURL(t *testing.T) {
	if _, err := GetStore(context.Background(), &config.Config{StorageType: "postgres"}); err == nil {
		t.Error("GetStore() accepted postgres without DB_URL")
	}
}

func TestGetPresenceDefaultsToMemory(t *testing.T) {
	set, err := GetPresence(&config.Config{PresenceTTL: presence.DefaultTTL})
	if err != nil {
		t.Fatalf("GetPresence() failed: %v", err)
	}
	mem, ok := set.(*presence.MemorySet)
	if !ok {
		t.Fatalf("Expected *presence.MemorySet, got %T", set)
	}
	mem.Close()
}

func TestGetPresenceRedisNeedsURL(t *testing.T) {
	if _, err := GetPresence(&config.Config{PresenceType: "redis", PresenceTTL: presence.DefaultTTL}); err == nil {
		t.Error("GetPresence() accepted redis without REDIS_URL")
	}
}

func TestGetArchiver(t *testing.T) {
	ctx := context.Background()

	archiver, err := GetArchiver(ctx, &config.Config{})
	if err != nil || archiver != nil {
		t.Errorf("Expected no archiver by default, got %v %v", archiver, err)
	}

	archiver, err = GetArchiver(ctx, &config.Config{ArchiveType: "filesystem", ArchivePath: t.TempDir()})
	if err != nil || archiver == nil {
		t.Errorf("Expected filesystem archiver, got %v %v", archiver, err)
	}

	if _, err := GetArchiver(ctx, &config.Config{ArchiveType: "s3"}); err == nil {
		t.Error("GetArchiver() accepted s3 without a bucket")
	}
}

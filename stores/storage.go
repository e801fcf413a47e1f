package stores

import (
	"context"
	"fmt"
	"time"

	"openchat-server/archive/filesystem"
	"openchat-server/archive/s3"
	"openchat-server/chat"
	"openchat-server/config"
	"openchat-server/core"
	"openchat-server/presence"
	"openchat-server/stores/memory"
	"openchat-server/stores/postgres"
	"openchat-server/stores/sqlite"

	"github.com/sirupsen/logrus"
)

const presenceSweep = 10 * time.Minute

// GetStore picks the room and message backend from STORAGE_TYPE. Backends
// that hold connections also implement io.Closer.
func GetStore(ctx context.Context, cfg *config.Config) (core.Store, error) {
	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	var (
		store core.Store
		err   error
	)
	switch cfg.StorageType {
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewStore(cfg.DataSourceName)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DB_URL must be set for postgres storage")
		}
		store, err = postgres.Connect(ctx, cfg.DatabaseURL)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	if err != nil {
		return nil, err
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}

// GetPresence picks the presence backend from PRESENCE_TYPE.
func GetPresence(cfg *config.Config) (presence.Set, error) {
	presenceField := logrus.Fields{
		"presenceType": cfg.PresenceType,
		"ttl":          cfg.PresenceTTL.String(),
	}

	var (
		set presence.Set
		err error
	)
	switch cfg.PresenceType {
	case "redis":
		set, err = presence.NewRedisSet(cfg.RedisURL, cfg.PresenceTTL)
	default:
		set = presence.NewMemorySet(cfg.PresenceTTL, presenceSweep)
		presenceField["presenceType"] = "in-memory"
	}
	if err != nil {
		return nil, err
	}
	logrus.WithFields(presenceField).Info("Use presence")
	return set, nil
}

// GetArchiver picks the transcript archive from ARCHIVE_TYPE. It returns nil
// when archiving is off.
func GetArchiver(ctx context.Context, cfg *config.Config) (chat.Archiver, error) {
	archiveField := logrus.Fields{
		"archiveType": cfg.ArchiveType,
	}

	var (
		archiver chat.Archiver
		err      error
	)
	switch cfg.ArchiveType {
	case "filesystem":
		archiveField["basePath"] = cfg.ArchivePath
		archiver, err = filesystem.NewStore(cfg.ArchivePath)
	case "s3":
		archiveField["bucketName"] = cfg.S3Bucket
		archiver, err = s3.NewStore(ctx, cfg.S3Bucket)
	default:
		logrus.Info("Transcript archive disabled")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	logrus.WithFields(archiveField).Info("Use archive")
	return archiver, nil
}

package filesystem

import (
	"context"
	"os"
	"path/filepath"

	"openchat-server/archive"
	"openchat-server/core"

	"github.com/sirupsen/logrus"
)

type fsArchive struct {
	basePath string
}

// NewStore creates an archive writing one JSON file per transcript under basePath.
func NewStore(basePath string) (*fsArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &fsArchive{basePath: basePath}, nil
}

// Archive writes the transcript to <basePath>/<room>/<ulid>.json.
func (s *fsArchive) Archive(ctx context.Context, roomID string, messages []core.Message) error {
	key, err := archive.Key(roomID)
	if err != nil {
		return err
	}
	filePath := filepath.Join(s.basePath, filepath.FromSlash(key))
	log := logrus.WithFields(logrus.Fields{
		"room_id":   roomID,
		"file_path": filePath,
		"messages":  len(messages),
	})

	data, err := archive.Encode(roomID, messages)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		log.WithError(err).Error("Failed to create archive directory")
		return err
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		log.WithError(err).Error("Failed to write transcript")
		return err
	}

	log.Info("Transcript archived")
	return nil
}

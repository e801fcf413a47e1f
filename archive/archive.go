// Package archive serializes room transcripts for the archivers under it.
package archive

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	"openchat-server/core"

	"github.com/oklog/ulid/v2"
)

// Transcript is the archived form of a torn down room.
type Transcript struct {
	RoomID     string         `json:"roomId"`
	ArchivedAt time.Time      `json:"archivedAt"`
	Messages   []core.Message `json:"messages"`
}

// Key returns a new object key "<room>/<ulid>.json". Keys of one room sort by
// archive time.
func Key(roomID string) (string, error) {
	if roomID == "" || roomID == "." || roomID == ".." || path.Base(roomID) != roomID {
		return "", fmt.Errorf("invalid room id %q for archive key", roomID)
	}
	return path.Join(roomID, ulid.Make().String()+".json"), nil
}

// Encode marshals the transcript of roomID.
func Encode(roomID string, messages []core.Message) ([]byte, error) {
	data, err := json.Marshal(Transcript{
		RoomID:     roomID,
		ArchivedAt: time.Now().UTC(),
		Messages:   messages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transcript of room %s: %v", roomID, err)
	}
	return data, nil
}

// Package presence tracks which users are online in a room.
//
// A room's member set expires as a whole when it has not been read or written
// for the configured TTL. Expiry is silent: it produces no event.
package presence

import (
	"context"
	"time"
)

// DefaultTTL is the sliding expiry applied to a room's member set.
const DefaultTTL = 24 * time.Hour

type Set interface {
	// Join adds user to the room. Joining twice is a no-op apart from the TTL refresh.
	Join(ctx context.Context, roomID, username string) error
	// Leave removes user and reports whether it was a member.
	Leave(ctx context.Context, roomID, username string) (bool, error)
	// Members returns a sorted copy of the current members and refreshes the TTL.
	Members(ctx context.Context, roomID string) ([]string, error)
	Count(ctx context.Context, roomID string) (int, error)
	// Clear drops the room's member set.
	Clear(ctx context.Context, roomID string) error
}

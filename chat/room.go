package chat

import (
	"context"
	"fmt"
	"slices"

	"openchat-server/core"

	"github.com/sirupsen/logrus"
)

// Join adds username to the room and wakes presence pollers, even when the
// user was already online. It returns the current member snapshot.
func (s *Service) Join(ctx context.Context, roomID, username string) (*core.PollResult, error) {
	if _, err := s.room(ctx, roomID); err != nil {
		return nil, err
	}
	if err := s.presence.Join(ctx, roomID, username); err != nil {
		return nil, fmt.Errorf("join room %s: %w: %v", roomID, core.ErrStoreFailure, err)
	}
	// The last member may have left while we were joining.
	if _, err := s.room(ctx, roomID); err != nil {
		if _, lerr := s.presence.Leave(ctx, roomID, username); lerr != nil {
			logrus.WithError(lerr).WithField("room_id", roomID).Warn("Failed to undo join of a deleted room")
		}
		return nil, err
	}
	users, err := s.members(ctx, roomID)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"username": username,
		"online":   len(users),
	}).Info("User joined room")

	s.presenceChanged(ctx, roomID, users)
	return presenceResult(users), nil
}

// Leave removes username from the room. Leaving a room one is not in does
// nothing. When the last user leaves, the room is torn down.
func (s *Service) Leave(ctx context.Context, roomID, username string) error {
	fields := logrus.Fields{"room_id": roomID, "username": username}

	before, err := s.members(ctx, roomID)
	if err != nil {
		return err
	}
	if !slices.Contains(before, username) {
		logrus.WithFields(fields).Info("User not in room, nothing to leave")
		return nil
	}

	removed, err := s.presence.Leave(ctx, roomID, username)
	if err != nil {
		return fmt.Errorf("leave room %s: %w: %v", roomID, core.ErrStoreFailure, err)
	}
	if !removed {
		// Lost a race with a concurrent leave of the same user.
		return nil
	}

	count, err := s.presence.Count(ctx, roomID)
	if err != nil {
		return fmt.Errorf("count members of room %s: %w: %v", roomID, core.ErrStoreFailure, err)
	}
	logrus.WithFields(fields).WithField("online", count).Info("User left room")

	if count == 0 {
		return s.teardown(ctx, roomID)
	}

	after, err := s.members(ctx, roomID)
	if err != nil {
		return err
	}
	if !slices.Equal(before, after) {
		s.presenceChanged(ctx, roomID, after)
	}
	return nil
}

// SendMessage stores a message and wakes the room's message pollers.
func (s *Service) SendMessage(ctx context.Context, roomID, username, content string) (*core.Message, error) {
	if _, err := s.room(ctx, roomID); err != nil {
		return nil, err
	}
	msg, err := s.log.Append(ctx, roomID, username, content)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to store message")
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"room_id":    roomID,
		"username":   username,
		"message_id": msg.ID,
	}).Info("Message sent")

	// Every poller gets the latest page; each one trims it to its own cursor.
	latest, err := s.log.Since(ctx, roomID, 0, 0)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to read latest messages, broadcasting the new one only")
		latest = []core.Message{*msg}
	}
	users, err := s.members(ctx, roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to read members for broadcast")
		users = []string{}
	}

	woken := s.messageWaiters.Broadcast(roomID, core.PollResult{
		Messages:      latest,
		OnlineUsers:   users,
		LastMessageID: core.Int64Ptr(msg.ID),
	})
	logrus.WithFields(logrus.Fields{"room_id": roomID, "woken": woken}).Debug("Message pollers notified")

	for _, o := range s.observers {
		o.MessageSent(ctx, roomID, *msg)
	}
	return msg, nil
}

// RetryTeardown runs the teardown steps of an emptied room again. Every step
// is safe to repeat. A room that has members again is left alone.
func (s *Service) RetryTeardown(ctx context.Context, roomID string) error {
	count, err := s.presence.Count(ctx, roomID)
	if err != nil {
		return fmt.Errorf("count members of room %s: %w: %v", roomID, core.ErrStoreFailure, err)
	}
	if count > 0 {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "online": count}).Info("Room has members again, skipping teardown")
		return nil
	}
	if err := s.runTeardown(ctx, roomID); err != nil {
		return err
	}
	logrus.WithField("room_id", roomID).Info("Room teardown completed on retry")
	return nil
}

func (s *Service) teardown(ctx context.Context, roomID string) error {
	logrus.WithField("room_id", roomID).Info("Last user left, deleting chat room")
	err := s.runTeardown(ctx, roomID)

	// Pollers are released whatever the store did.
	empty := core.PollResult{Messages: []core.Message{}, OnlineUsers: []string{}}
	s.presenceWaiters.Broadcast(roomID, empty)
	s.messageWaiters.Broadcast(roomID, empty)
	for _, o := range s.observers {
		o.RoomDeleted(ctx, roomID)
	}

	if err == nil {
		logrus.WithField("room_id", roomID).Info("Chat room deleted")
		return nil
	}

	logrus.WithError(err).WithField("room_id", roomID).Error("Failed to delete chat room")
	if s.teardowns != nil {
		qerr := s.teardowns.EnqueueTeardown(ctx, roomID)
		if qerr == nil {
			logrus.WithField("room_id", roomID).Warn("Room teardown scheduled for retry")
			return nil
		}
		logrus.WithError(qerr).WithField("room_id", roomID).Error("Failed to schedule teardown retry")
	}
	return err
}

// runTeardown soft-deletes the room record, archives and purges its messages
// and drops its presence set, stopping at the first failure.
func (s *Service) runTeardown(ctx context.Context, roomID string) error {
	if err := s.rooms.SoftDelete(ctx, roomID); err != nil {
		return fmt.Errorf("soft delete room %s: %w: %v", roomID, core.ErrStoreFailure, err)
	}

	if s.archiver != nil {
		transcript, err := s.log.Transcript(ctx, roomID)
		if err != nil {
			return err
		}
		if len(transcript) > 0 {
			if err := s.archiver.Archive(ctx, roomID, transcript); err != nil {
				return fmt.Errorf("archive room %s: %w: %v", roomID, core.ErrStoreFailure, err)
			}
		}
	}

	if err := s.log.Purge(ctx, roomID); err != nil {
		return err
	}
	if err := s.presence.Clear(ctx, roomID); err != nil {
		return fmt.Errorf("clear presence of room %s: %w: %v", roomID, core.ErrStoreFailure, err)
	}
	return nil
}

func (s *Service) presenceChanged(ctx context.Context, roomID string, users []string) {
	woken := s.presenceWaiters.Broadcast(roomID, *presenceResult(users))
	logrus.WithFields(logrus.Fields{"room_id": roomID, "woken": woken}).Debug("Presence pollers notified")
	for _, o := range s.observers {
		o.PresenceChanged(ctx, roomID, users)
	}
}

func presenceResult(users []string) *core.PollResult {
	return &core.PollResult{
		Messages:    []core.Message{},
		OnlineUsers: users,
	}
}

package chat

import (
	"context"
	"time"

	"openchat-server/core"
	"openchat-server/longpoll"
	"openchat-server/messagelog"

	"github.com/sirupsen/logrus"
)

// ClampTimeout returns def when d is not positive, and bounds the result to
// [MinPollTimeout, MaxPollTimeout].
func ClampTimeout(d, def time.Duration) time.Duration {
	if d <= 0 {
		d = def
	}
	return min(max(d, MinPollTimeout), MaxPollTimeout)
}

// Messages returns up to limit messages newer than cursor without waiting.
func (s *Service) Messages(ctx context.Context, roomID string, cursor int64, limit int) ([]core.Message, error) {
	if _, err := s.room(ctx, roomID); err != nil {
		return nil, err
	}
	return s.log.Since(ctx, roomID, cursor, limit)
}

// PollMessages answers with the messages newer than cursor. When there are
// none it waits for the next message of the room, the timeout, or the end of
// ctx. A timeout of zero means the configured default.
func (s *Service) PollMessages(ctx context.Context, roomID string, cursor int64, timeout time.Duration) (*core.PollResult, error) {
	if _, err := s.room(ctx, roomID); err != nil {
		return nil, err
	}
	fields := logrus.Fields{"room_id": roomID, "cursor": cursor}

	result, err := s.currentMessages(ctx, roomID, cursor)
	if err != nil || len(result.Messages) > 0 {
		return result, err
	}

	deadline := time.Now().Add(ClampTimeout(timeout, s.pollTimeout))
	w, err := s.messageWaiters.Register(roomID, deadline, core.PollResult{})
	if err != nil {
		// Shutting down.
		return result, nil
	}

	// A message may have landed between the first read and the registration.
	result, err = s.currentMessages(ctx, roomID, cursor)
	if err != nil || len(result.Messages) > 0 {
		s.messageWaiters.Cancel(w)
		return result, err
	}

	res := s.messageWaiters.Wait(ctx, w)
	logrus.WithFields(fields).WithField("outcome", res.Outcome).Debug("Message poll resolved")

	switch res.Outcome {
	case longpoll.Fulfilled:
		if fresh := newerThan(res.Payload.Messages, cursor); len(fresh) > 0 {
			return &core.PollResult{
				Messages:      fresh,
				OnlineUsers:   res.Payload.OnlineUsers,
				LastMessageID: core.Int64Ptr(messagelog.LastID(fresh)),
			}, nil
		}
		// Nothing past our cursor in the broadcast page; read it ourselves.
		return s.currentMessages(ctx, roomID, cursor)
	case longpoll.TimedOut:
		return s.currentMessages(ctx, roomID, cursor)
	default:
		// The client is gone or the service is closing.
		return emptyMessages(cursor), nil
	}
}

// PollPresence waits for the next presence change of the room. If none happens
// before the timeout it answers with the members seen when the poll started.
// A timeout of zero means DefaultPresenceTimeout.
func (s *Service) PollPresence(ctx context.Context, roomID string, timeout time.Duration) (*core.PollResult, error) {
	if _, err := s.room(ctx, roomID); err != nil {
		return nil, err
	}
	users, err := s.members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	snapshot := presenceResult(users)

	deadline := time.Now().Add(ClampTimeout(timeout, DefaultPresenceTimeout))
	w, err := s.presenceWaiters.Register(roomID, deadline, *snapshot)
	if err != nil {
		return snapshot, nil
	}

	res := s.presenceWaiters.Wait(ctx, w)
	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"outcome": res.Outcome,
	}).Debug("Presence poll resolved")

	if res.Outcome == longpoll.Cancelled {
		return snapshot, nil
	}
	return &res.Payload, nil
}

// currentMessages reads the messages after cursor together with the online
// users. The cursor is carried over when there is nothing new.
func (s *Service) currentMessages(ctx context.Context, roomID string, cursor int64) (*core.PollResult, error) {
	messages, err := s.log.Since(ctx, roomID, cursor, messagelog.DefaultLimit)
	if err != nil {
		return nil, err
	}
	users, err := s.members(ctx, roomID)
	if err != nil {
		return nil, err
	}

	last := cursor
	if len(messages) > 0 {
		last = messagelog.LastID(messages)
	}
	return &core.PollResult{
		Messages:      messages,
		OnlineUsers:   users,
		LastMessageID: core.Int64Ptr(last),
	}, nil
}

func newerThan(messages []core.Message, cursor int64) []core.Message {
	for i, m := range messages {
		if m.ID > cursor {
			return messages[i:]
		}
	}
	return nil
}

func emptyMessages(cursor int64) *core.PollResult {
	return &core.PollResult{
		Messages:      []core.Message{},
		OnlineUsers:   []string{},
		LastMessageID: core.Int64Ptr(cursor),
	}
}

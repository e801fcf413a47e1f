// Package nats mirrors room events onto NATS subjects so that other processes
// can follow a room without polling.
//
// Subjects:
//
//	chat.room.<id>.messages   one core.Message per sent message
//	chat.room.<id>.presence   {"roomId","onlineUsers"} on every presence change
//	chat.room.<id>.deleted    {"roomId"} when the room is torn down
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"openchat-server/core"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const subjectPrefix = "chat.room."

type publisher interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	conn publisher
	nc   *nats.Conn
}

type presenceEvent struct {
	RoomID      string   `json:"roomId"`
	OnlineUsers []string `json:"onlineUsers"`
}

type deletedEvent struct {
	RoomID string `json:"roomId"`
}

// Connect dials url and keeps reconnecting for the life of the process.
func Connect(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("openchat-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logrus.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %v", err)
	}
	logrus.WithField("url", nc.ConnectedUrl()).Info("Connected to NATS")
	return &Publisher{conn: nc, nc: nc}, nil
}

// MessageSent is part of the chat.Observer interface.
func (p *Publisher) MessageSent(ctx context.Context, roomID string, msg core.Message) {
	p.publish(roomID, "messages", msg)
}

// PresenceChanged is part of the chat.Observer interface.
func (p *Publisher) PresenceChanged(ctx context.Context, roomID string, users []string) {
	p.publish(roomID, "presence", presenceEvent{RoomID: roomID, OnlineUsers: users})
}

// RoomDeleted is part of the chat.Observer interface.
func (p *Publisher) RoomDeleted(ctx context.Context, roomID string) {
	p.publish(roomID, "deleted", deletedEvent{RoomID: roomID})
}

// Close flushes pending publishes and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

func subject(roomID, event string) string {
	return subjectPrefix + roomID + "." + event
}

// publish never fails the caller; the mirror is best effort.
func (p *Publisher) publish(roomID, event string, v any) {
	log := logrus.WithFields(logrus.Fields{"room_id": roomID, "event": event})

	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("Failed to marshal room event")
		return
	}
	if err := p.conn.Publish(subject(roomID, event), data); err != nil {
		log.WithError(err).Warn("Failed to publish room event")
		return
	}
	log.Debug("Room event published")
}

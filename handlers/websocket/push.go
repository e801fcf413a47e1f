// Package websocket pushes room events to socket.io clients. It mirrors what
// long-poll clients receive and never changes room state.
//
// Client events: "join-room" (roomId[, ack]) and "leave-room" (roomId).
// Server events: "messages" ([]Message), "room-user-change" ([]username),
// "room-deleted" (roomId), "join-room-ack".
package websocket

import (
	"context"
	"net/http"
	"regexp"
	"sync"

	"openchat-server/core"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// HistoryFunc returns the latest messages of a room for a client that joins.
type HistoryFunc func(ctx context.Context, roomID string) ([]core.Message, error)

type Mirror struct {
	srv     *socketio.Server
	handler http.Handler
	history HistoryFunc

	mu    sync.RWMutex
	rooms map[string]int
}

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

// NewMirror creates the socket.io server. Origins are allowed in addition to localhost.
func NewMirror(origins []string, history HistoryFunc) *Mirror {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(1000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)

	allowed := []any{localhostOrigin}
	for _, o := range origins {
		allowed = append(allowed, o)
	}
	opts.SetCors(&types.Cors{
		Origin:      allowed,
		Credentials: true,
	})

	m := &Mirror{
		srv:     socketio.NewServer(nil, opts),
		history: history,
		rooms:   make(map[string]int),
	}
	// Binding the engine here lets Close run on a mirror that was never mounted.
	m.handler = m.srv.ServeHandler(nil)
	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	m.srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		m.handle(socket)
	})
	return m
}

// Handler serves the socket.io endpoint. Mount it under /socket.io/.
func (m *Mirror) Handler() http.Handler {
	return m.handler
}

// ActiveRooms returns the number of connected sockets per room.
func (m *Mirror) ActiveRooms() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make(map[string]int, len(m.rooms))
	for k, v := range m.rooms {
		rooms[k] = v
	}
	return rooms
}

func (m *Mirror) Close() {
	m.srv.Close(nil)
}

// MessageSent is part of the chat.Observer interface.
func (m *Mirror) MessageSent(ctx context.Context, roomID string, msg core.Message) {
	if err := m.srv.To(socketio.Room(roomID)).Emit("messages", []core.Message{msg}); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to push message")
	}
}

// PresenceChanged is part of the chat.Observer interface.
func (m *Mirror) PresenceChanged(ctx context.Context, roomID string, users []string) {
	if err := m.srv.To(socketio.Room(roomID)).Emit("room-user-change", users); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to push presence")
	}
}

// RoomDeleted is part of the chat.Observer interface.
func (m *Mirror) RoomDeleted(ctx context.Context, roomID string) {
	if err := m.srv.To(socketio.Room(roomID)).Emit("room-deleted", roomID); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to push room deletion")
	}
	m.setCount(roomID, 0)
}

func (m *Mirror) handle(socket *socketio.Socket) {
	me := socket.Id()
	log := logrus.WithField("socket_id", me)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("join-room", func(datas ...any) {
		args, ack := splitAck(datas)
		roomID := ""
		if len(args) > 0 {
			roomID, _ = args[0].(string)
		}
		if roomID == "" {
			reply(socket, ack, map[string]any{"status": "error", "error": "room id is required"})
			return
		}

		room := socketio.Room(roomID)
		socket.Join(room)
		log.WithField("room_id", roomID).Debug("Socket joined room")

		m.srv.In(room).FetchSockets()(func(sockets []*socketio.RemoteSocket, err error) {
			if err != nil {
				reply(socket, ack, map[string]any{"status": "error", "error": err.Error()})
				return
			}
			m.setCount(roomID, len(sockets))
			reply(socket, ack, map[string]any{"status": "ok", "user_count": len(sockets)})
		})

		if m.history == nil {
			return
		}
		messages, err := m.history(context.Background(), roomID)
		if err != nil {
			log.WithError(err).WithField("room_id", roomID).Warn("Failed to load history for socket")
			return
		}
		_ = socket.Emit("messages", messages)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("leave-room", func(datas ...any) {
		args, _ := splitAck(datas)
		if len(args) == 0 {
			return
		}
		roomID, _ := args[0].(string)
		if roomID == "" {
			return
		}
		socket.Leave(socketio.Room(roomID))
		m.recount(roomID, me)
	})

	socket.On("disconnecting", func(datas ...any) {
		for _, room := range socket.Rooms().Keys() {
			if room == socketio.Room(me) {
				continue
			}
			m.recount(string(room), me)
		}
	})

	socket.On("disconnect", func(datas ...any) {
		socket.RemoveAllListeners("")
	})
}

// recount refreshes the socket count of roomID, ignoring the socket that is leaving.
func (m *Mirror) recount(roomID string, leaving socketio.SocketId) {
	m.srv.In(socketio.Room(roomID)).FetchSockets()(func(sockets []*socketio.RemoteSocket, err error) {
		if err != nil {
			return
		}
		n := 0
		for _, s := range sockets {
			if s.Id() != leaving {
				n++
			}
		}
		m.setCount(roomID, n)
	})
}

func (m *Mirror) setCount(roomID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		delete(m.rooms, roomID)
		return
	}
	m.rooms[roomID] = n
}

// splitAck separates a trailing acknowledgement callback from the event arguments.
func splitAck(datas []any) ([]any, func(map[string]any)) {
	n := len(datas)
	if n == 0 {
		return datas, nil
	}
	if fn, ok := datas[n-1].(func([]any, error)); ok {
		return datas[:n-1], func(payload map[string]any) {
			fn([]any{payload}, nil)
		}
	}
	return datas, nil
}

func reply(socket *socketio.Socket, ack func(map[string]any), payload map[string]any) {
	if ack != nil {
		ack(payload)
	}
	if err := socket.Emit("join-room-ack", payload); err != nil {
		logrus.WithError(err).WithField("socket_id", socket.Id()).Debug("Failed to ack socket")
	}
}

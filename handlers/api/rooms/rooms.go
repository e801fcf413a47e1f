package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"openchat-server/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	// RoomRequest is the body of every room endpoint. Each endpoint reads the
	// fields it needs.
	RoomRequest struct {
		RoomID        string `json:"roomId"`
		Username      string `json:"username"`
		Content       string `json:"content"`
		LastMessageID *int64 `json:"lastMessageId"`
		// Timeout in seconds.
		Timeout *int `json:"timeout"`
	}

	// Response is the envelope of every answer.
	Response struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data"`
	}

	CreateRoomResponse struct {
		RoomID string `json:"roomId"`
	}

	ChatService interface {
		CreateRoom(ctx context.Context) (*core.Room, error)
		RoomInfo(ctx context.Context, roomID string) (*core.RoomInfo, error)
		Join(ctx context.Context, roomID, username string) (*core.PollResult, error)
		Leave(ctx context.Context, roomID, username string) error
		SendMessage(ctx context.Context, roomID, username, content string) (*core.Message, error)
		PollMessages(ctx context.Context, roomID string, cursor int64, timeout time.Duration) (*core.PollResult, error)
		PollPresence(ctx context.Context, roomID string, timeout time.Duration) (*core.PollResult, error)
	}
)

// Routes registers the room endpoints under /api/room.
func Routes(r chi.Router, svc ChatService) {
	r.Route("/api/room", func(r chi.Router) {
		r.Post("/create", HandleCreate(svc))
		r.Post("/join", HandleJoin(svc))
		r.Post("/leave", HandleLeave(svc))
		r.Post("/message", HandleSendMessage(svc))
		r.Post("/info", HandleInfo(svc))
		r.Post("/users", HandleUsers(svc))
		r.Post("/messages", HandleMessages(svc))
	})
}

// HandleCreate creates a room. The request body is ignored.
func HandleCreate(svc ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := svc.CreateRoom(r.Context())
		if err != nil {
			renderError(w, r, err)
			return
		}
		renderSuccess(w, r, CreateRoomResponse{RoomID: room.ID})
	}
}

// HandleJoin adds the user to the room and answers with the online users.
func HandleJoin(svc ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r, needRoom, needUser)
		if !ok {
			return
		}
		result, err := svc.Join(r.Context(), req.RoomID, req.Username)
		if err != nil {
			renderError(w, r, err)
			return
		}
		renderSuccess(w, r, result)
	}
}

func HandleLeave(svc ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r, needRoom, needUser)
		if !ok {
			return
		}
		if err := svc.Leave(r.Context(), req.RoomID, req.Username); err != nil {
			renderError(w, r, err)
			return
		}
		renderSuccess(w, r, nil)
	}
}

func HandleSendMessage(svc ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r, needRoom, needUser, needContent)
		if !ok {
			return
		}
		if _, err := svc.SendMessage(r.Context(), req.RoomID, req.Username, req.Content); err != nil {
			renderError(w, r, err)
			return
		}
		renderSuccess(w, r, nil)
	}
}

func HandleInfo(svc ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r, needRoom)
		if !ok {
			return
		}
		info, err := svc.RoomInfo(r.Context(), req.RoomID)
		if err != nil {
			renderError(w, r, err)
			return
		}
		renderSuccess(w, r, info)
	}
}

// HandleUsers long-polls the room's online users.
func HandleUsers(svc ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r, needRoom)
		if !ok {
			return
		}
		result, err := svc.PollPresence(r.Context(), req.RoomID, req.timeout())
		if err != nil {
			renderError(w, r, err)
			return
		}
		renderSuccess(w, r, result)
	}
}

// HandleMessages long-polls for messages newer than lastMessageId.
func HandleMessages(svc ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r, needRoom)
		if !ok {
			return
		}
		var cursor int64
		if req.LastMessageID != nil {
			cursor = *req.LastMessageID
		}
		result, err := svc.PollMessages(r.Context(), req.RoomID, cursor, req.timeout())
		if err != nil {
			renderError(w, r, err)
			return
		}
		renderSuccess(w, r, result)
	}
}

func (req *RoomRequest) timeout() time.Duration {
	if req.Timeout == nil || *req.Timeout <= 0 {
		return 0
	}
	return time.Duration(*req.Timeout) * time.Second
}

type check func(*RoomRequest) string

func needRoom(req *RoomRequest) string {
	if req.RoomID == "" {
		return "roomId is required"
	}
	return ""
}

func needUser(req *RoomRequest) string {
	if req.Username == "" {
		return "username is required"
	}
	return ""
}

func needContent(req *RoomRequest) string {
	if req.Content == "" {
		return "content is required"
	}
	return ""
}

func decode(w http.ResponseWriter, r *http.Request, checks ...check) (*RoomRequest, bool) {
	var req RoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		logrus.WithError(err).Warn("Failed to decode request")
		renderStatus(w, r, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	for _, c := range checks {
		if msg := c(&req); msg != "" {
			renderStatus(w, r, http.StatusBadRequest, msg)
			return nil, false
		}
	}
	return &req, true
}

func renderSuccess(w http.ResponseWriter, r *http.Request, data any) {
	render.JSON(w, r, Response{Code: http.StatusOK, Message: "success", Data: data})
}

func renderStatus(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, Response{Code: status, Message: msg})
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		logrus.WithError(err).Warn("Room not found")
		renderStatus(w, r, http.StatusNotFound, "Room not found")
	default:
		logrus.WithError(err).Error("Request failed")
		renderStatus(w, r, http.StatusInternalServerError, "Internal server error")
	}
}

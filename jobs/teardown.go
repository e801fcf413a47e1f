// Package jobs retries failed room teardowns through an asynq queue backed by Redis.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	TypeRoomTeardown = "room:teardown"

	queueName        = "chat"
	teardownMaxRetry = 10
	teardownUnique   = time.Minute
)

type teardownPayload struct {
	RoomID string `json:"roomId"`
}

// Retrier runs the teardown of a room again.
type Retrier interface {
	RetryTeardown(ctx context.Context, roomID string) error
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Queue schedules teardown retries. It satisfies chat.TeardownQueue.
type Queue struct {
	client enqueuer
}

func NewQueue(redisURL string) (*Queue, error) {
	opt, err := redisOpt(redisURL)
	if err != nil {
		return nil, err
	}
	return &Queue{client: asynq.NewClient(opt)}, nil
}

func NewTeardownTask(roomID string) (*asynq.Task, error) {
	if roomID == "" {
		return nil, errors.New("teardown task needs a room id")
	}
	payload, err := json.Marshal(teardownPayload{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomTeardown, payload), nil
}

// EnqueueTeardown schedules a retry. A retry already scheduled for the room
// within the last minute counts as success.
func (q *Queue) EnqueueTeardown(ctx context.Context, roomID string) error {
	task, err := NewTeardownTask(roomID)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(queueName),
		asynq.MaxRetry(teardownMaxRetry),
		asynq.Unique(teardownUnique),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		logrus.WithField("room_id", roomID).Debug("Teardown retry already scheduled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue teardown of room %s: %w", roomID, err)
	}
	logrus.WithFields(logrus.Fields{"room_id": roomID, "task_id": info.ID}).Info("Teardown retry enqueued")
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// HandleTeardown returns the asynq handler for TypeRoomTeardown tasks.
func HandleTeardown(r Retrier) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p teardownPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil || p.RoomID == "" {
			return fmt.Errorf("bad teardown payload %q: %w", t.Payload(), asynq.SkipRetry)
		}
		if err := r.RetryTeardown(ctx, p.RoomID); err != nil {
			logrus.WithError(err).WithField("room_id", p.RoomID).Warn("Teardown retry failed")
			return err
		}
		return nil
	}
}

// Worker consumes teardown retries.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(redisURL string, r Retrier) (*Worker, error) {
	opt, err := redisOpt(redisURL)
	if err != nil {
		return nil, err
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{queueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logrus.WithError(err).WithField("task_type", task.Type()).Error("Task failed")
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRoomTeardown, HandleTeardown(r))
	return &Worker{server: srv, mux: mux}, nil
}

// Start begins processing in the background.
func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func redisOpt(redisURL string) (asynq.RedisConnOpt, error) {
	if redisURL == "" {
		return nil, errors.New("asynq: REDIS_URL is not set")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse REDIS_URL: %w", err)
	}
	return opt, nil
}

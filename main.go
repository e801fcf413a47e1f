package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"sort"
	"syscall"
	"time"

	"openchat-server/chat"
	"openchat-server/config"
	"openchat-server/core"
	"openchat-server/events/nats"
	"openchat-server/handlers/api/rooms"
	"openchat-server/handlers/websocket"
	"openchat-server/jobs"
	"openchat-server/middleware"
	"openchat-server/stores"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type roomEntry struct {
	ID              string `json:"id"`
	MessagePollers  int    `json:"messagePollers"`
	PresencePollers int    `json:"presencePollers"`
	Sockets         int    `json:"sockets"`
}

func setupRouter(svc *chat.Service, mirror *websocket.Mirror, origins []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)

	corsOptions := cors.Options{
		AllowedOrigins: origins,
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}
			if slices.Contains(origins, origin) {
				return true
			}
			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}
			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "::1":
					return true
				}
			}
			return false
		},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	r.Use(cors.Handler(corsOptions))

	rooms.Routes(r, svc)

	r.Get("/api/rooms", func(w http.ResponseWriter, r *http.Request) {
		byID := make(map[string]*roomEntry)
		for _, a := range svc.ActiveRooms() {
			byID[a.RoomID] = &roomEntry{ID: a.RoomID, MessagePollers: a.MessagePollers, PresencePollers: a.PresencePollers}
		}
		for id, n := range mirror.ActiveRooms() {
			entry, ok := byID[id]
			if !ok {
				entry = &roomEntry{ID: id}
				byID[id] = entry
			}
			entry.Sockets = n
		}

		list := make([]roomEntry, 0, len(byID))
		for _, entry := range byID {
			list = append(list, *entry)
		}
		sort.Slice(list, func(i, j int) bool {
			li := list[i].MessagePollers + list[i].PresencePollers + list[i].Sockets
			lj := list[j].MessagePollers + list[j].PresencePollers + list[j].Sockets
			if li == lj {
				return list[i].ID < list[j].ID
			}
			return li > lj
		})
		render.JSON(w, r, rooms.Response{Code: http.StatusOK, Message: "success", Data: list})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	return r
}

func waitForShutdown(srv *http.Server, cleanup func()) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	s := <-signalC
	logrus.WithField("signal", s.String()).Info("Shutting down")

	// Pollers are released first so that Shutdown does not wait out their timeouts.
	cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
}

func closeQuietly(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logrus.WithError(err).WithField("component", name).Warn("Close failed")
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	listenAddr := flag.String("listen", cfg.ListenAddr, "Set the server listen address")
	logLevel := flag.String("loglevel", cfg.LogLevel, "Set the logging level: debug, info, warn, error, fatal, panic")
	pollTimeout := flag.Duration("timeout", cfg.PollTimeout, "Default message poll timeout")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	ctx := context.Background()
	var closers []func()

	store, err := stores.GetStore(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open storage")
	}
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, func() { closeQuietly("store", c) })
	}

	users, err := stores.GetPresence(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open presence")
	}
	if c, ok := users.(io.Closer); ok {
		closers = append(closers, func() { closeQuietly("presence", c) })
	}

	opts := []chat.Option{chat.WithPollTimeout(*pollTimeout)}

	archiver, err := stores.GetArchiver(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open transcript archive")
	}
	if archiver != nil {
		opts = append(opts, chat.WithArchiver(archiver))
	}

	if cfg.NatsURL != "" {
		pub, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect event mirror")
		}
		opts = append(opts, chat.WithObserver(pub))
		closers = append(closers, func() { closeQuietly("nats", pub) })
	}

	var queue *jobs.Queue
	if cfg.TeardownQueue == "asynq" {
		queue, err = jobs.NewQueue(cfg.RedisURL)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to open teardown queue")
		}
		opts = append(opts, chat.WithTeardownQueue(queue))
		closers = append(closers, func() { closeQuietly("teardown queue", queue) })
	}

	var svc *chat.Service
	mirror := websocket.NewMirror(cfg.AllowedOrigins, func(ctx context.Context, roomID string) ([]core.Message, error) {
		return svc.Messages(ctx, roomID, 0, 0)
	})
	opts = append(opts, chat.WithObserver(mirror))
	svc = chat.NewService(store, store, users, opts...)

	if queue != nil {
		worker, err := jobs.NewWorker(cfg.RedisURL, svc)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to create teardown worker")
		}
		if err := worker.Start(); err != nil {
			logrus.WithError(err).Fatal("Failed to start teardown worker")
		}
		closers = append(closers, worker.Shutdown)
	}

	r := setupRouter(svc, mirror, cfg.AllowedOrigins)
	r.Handle("/socket.io/", mirror.Handler())

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.WithField("addr", *listenAddr).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv, func() {
		svc.Close()
		mirror.Close()
	})
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	logrus.Info("Server stopped")
}

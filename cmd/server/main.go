package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gorilla/mux"

	"github.com/ahsanbhutta01/private-chat/internal/api"
	"github.com/ahsanbhutta01/private-chat/internal/config"
	"github.com/ahsanbhutta01/private-chat/internal/metrics"
	"github.com/ahsanbhutta01/private-chat/internal/ratelimit"
	"github.com/ahsanbhutta01/private-chat/internal/realtime"
	"github.com/ahsanbhutta01/private-chat/internal/room"
	"github.com/ahsanbhutta01/private-chat/internal/store"
	"github.com/ahsanbhutta01/private-chat/internal/ws"
)

func main() {
	cfg := config.Load()

	// --- Store ---
	var (
		st      store.Store
		limiter api.Limiter
	)
	switch cfg.StoreBackend {
	case config.BackendMemory:
		st = store.NewMemory()
	default:
		rs, err := store.NewRedis(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		st = rs
		// Counters must be shared between instances, so limits need Redis.
		limiter = ratelimit.NewLimiter(rs.Client())
	}

	// --- Broadcaster ---
	var (
		bus     realtime.Broadcaster
		busPing func(context.Context) error
	)
	switch cfg.BusBackend {
	case config.BackendLocal:
		bus = realtime.NewLocalBus(realtime.DefaultBufferSize)
	default:
		nb, err := realtime.NewNATSBroadcaster(cfg.NATS)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		bus = nb
		busPing = func(context.Context) error { return nb.Ping() }
	}

	// --- Room core ---
	registry, err := room.NewRegistry(st, bus, cfg.Room)
	if err != nil {
		log.Fatalf("invalid room config: %v", err)
	}
	messages := room.NewLog(st, bus)
	typing := room.NewTracker(st, bus, cfg.Room.TypingTTL)
	reaper := room.NewReaper(registry, cfg.Room.ReapInterval)

	// --- WebSocket feed ---
	feed := ws.NewFeed(registry, bus)
	dispatcher := ws.NewMessageDispatcher()
	feed.Register(dispatcher)

	wsServer := ws.NewServer(cfg.WS, dispatcher.Dispatch)
	wsServer.SetOnDisconnect(feed.Disconnect)
	if err := wsServer.Start(); err != nil {
		log.Fatalf("failed to start websocket server: %v", err)
	}

	// --- HTTP ---
	checks := []api.HealthCheck{{Name: "store", Check: st.Ping}}
	if busPing != nil {
		checks = append(checks, api.HealthCheck{Name: "bus", Check: busPing})
	}
	opts := []api.Option{
		api.WithHealthChecks(checks...),
		api.WithStats(func() map[string]interface{} {
			return map[string]interface{}{
				"connections": wsServer.Connections().Count(),
				"viewers":     feed.Viewers(),
				"ws_uptime":   wsServer.Uptime().Round(time.Second).String(),
				"server_name": cfg.ServerName,
			}
		}),
	}
	if limiter != nil {
		opts = append(opts, api.WithLimiter(limiter))
	}
	handler := api.NewHandler(cfg.API, registry, messages, typing, opts...)

	router := mux.NewRouter()
	handler.Register(router)
	router.Handle("/ws", wsServer)
	router.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.CORS(router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("Private chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  store:           %s (%s)", cfg.StoreBackend, cfg.RedisAddr)
	log.Printf("  bus:             %s (%s)", cfg.BusBackend, cfg.NATS.URL)
	log.Printf("  room_ttl:        %s", cfg.Room.TTL)
	log.Printf("  typing_ttl:      %s", cfg.Room.TypingTTL)
	log.Printf("  reap_interval:   %s", cfg.Room.ReapInterval)
	log.Printf("  worker_pool:     %d", cfg.WS.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.WS.MaxConnections)
	log.Printf("  rate_limits:     %v (msg=%d typing=%d)", limiter != nil, cfg.API.MessageRule.Limit, cfg.API.TypingRule.Limit)
	log.Printf("  cors_origins:    %v", cfg.API.CORSOrigins)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reaper.Run(reaperCtx)
	}()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Blocks on SIGINT/SIGTERM; the operation gets a context bounded by the
	// shutdown timeout.
	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"server": func(ctx context.Context) error {
			return shutdown(ctx, httpServer, wsServer, stopReaper, reaperDone, bus, st)
		},
	})

	exitCode := <-wait
	log.Printf("shutdown completed with exit code: %d", exitCode)
	os.Exit(exitCode)
}

// shutdown stops intake first, then the reaper, then releases the bus and
// the store the other components depend on.
func shutdown(ctx context.Context, httpServer *http.Server, wsServer *ws.Server, stopReaper context.CancelFunc,
	reaperDone <-chan struct{}, bus realtime.Broadcaster, st store.Store) error {
	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := wsServer.Shutdown(); err != nil {
		errs = append(errs, err)
	}

	stopReaper()
	select {
	case <-reaperDone:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := st.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Package api is the HTTP boundary of the room core. It validates input,
// maps the room error taxonomy onto status codes, retries transient store
// failures on reads, and applies per-sender rate limits.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/sync/singleflight"

	"github.com/ahsanbhutta01/private-chat/internal/metrics"
	"github.com/ahsanbhutta01/private-chat/internal/ratelimit"
	"github.com/ahsanbhutta01/private-chat/internal/room"
)

// Limiter throttles actions per identifier. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// HealthCheck probes one dependency for /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config holds HTTP boundary settings.
type Config struct {
	CORSOrigins  []string
	MessageRule  ratelimit.Rule
	TypingRule   ratelimit.Rule
	ReadAttempts int           // tries for idempotent reads on StoreUnavailable
	RetryBackoff time.Duration // first backoff step, doubled per attempt
	RetryAfter   time.Duration // Retry-After hint on 503
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CORSOrigins:  []string{"http://localhost:3000"},
		MessageRule:  ratelimit.RuleMessage,
		TypingRule:   ratelimit.RuleTyping,
		ReadAttempts: 3,
		RetryBackoff: 50 * time.Millisecond,
		RetryAfter:   time.Second,
	}
}

// Handler serves the REST API.
type Handler struct {
	config   Config
	registry *room.Registry
	messages *room.Log
	typing   *room.Tracker
	limiter  Limiter // nil disables rate limiting
	checks   []HealthCheck
	stats    func() map[string]interface{}
	ttlGroup singleflight.Group
	started  time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithLimiter enables rate limiting for message and typing writes.
func WithLimiter(l Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithHealthChecks adds dependency probes to /health.
func WithHealthChecks(checks ...HealthCheck) Option {
	return func(h *Handler) { h.checks = append(h.checks, checks...) }
}

// WithStats adds extra fields to the /health body.
func WithStats(fn func() map[string]interface{}) Option {
	return func(h *Handler) { h.stats = fn }
}

// NewHandler wires the API over the room core.
func NewHandler(config Config, registry *room.Registry, messages *room.Log, typing *room.Tracker, opts ...Option) *Handler {
	if config.ReadAttempts < 1 {
		config.ReadAttempts = 1
	}
	h := &Handler{
		config:   config,
		registry: registry,
		messages: messages,
		typing:   typing,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the API routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.instrument("health", h.health)).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/room", h.instrument("room_create", h.createRoom)).Methods(http.MethodPost)
	api.HandleFunc("/room", h.instrument("room_get", h.getRoom)).Methods(http.MethodGet)
	api.HandleFunc("/room", h.instrument("room_destroy", h.destroyRoom)).Methods(http.MethodDelete)
	api.HandleFunc("/room/ttl", h.instrument("room_ttl", h.roomTTL)).Methods(http.MethodGet)
	api.HandleFunc("/messages", h.instrument("messages_list", h.listMessages)).Methods(http.MethodGet)
	api.HandleFunc("/messages", h.instrument("messages_append", h.appendMessage)).Methods(http.MethodPost)
	api.HandleFunc("/realtime/typing", h.instrument("typing_set", h.setTyping)).Methods(http.MethodPost)
	api.HandleFunc("/realtime/typing", h.instrument("typing_roster", h.typingRoster)).Methods(http.MethodGet)
}

// Router returns a router with the API mounted.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.Register(r)
	return r
}

// CORS wraps next with the configured cross-origin policy for the UI.
func (h *Handler) CORS(next http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   h.config.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
	}).Handler(next)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		fn(rec, r)
		metrics.RequestLatency.WithLabelValues(route, strconv.Itoa(rec.code)).Observe(time.Since(start).Seconds())
	}
}

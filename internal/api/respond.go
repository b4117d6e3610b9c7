package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ahsanbhutta01/private-chat/internal/ratelimit"
	"github.com/ahsanbhutta01/private-chat/internal/room"
)

// errRateLimited is returned by the limiter check when a sender is over its
// window.
var errRateLimited = errors.New("api: rate limited")

type errorBody struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

// writeError maps err onto the HTTP taxonomy: invalid input 400, missing room
// 404, transient store failure 503, anything else 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, room.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, room.ErrRoomNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "room not found"})
	case errors.Is(err, room.ErrStoreUnavailable):
		log.Printf("[api] %v", err)
		secs := retryAfterSeconds(h.config.RetryAfter)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store unavailable", RetryAfter: secs})
	default:
		log.Printf("[api] internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func (h *Handler) writeRateLimited(w http.ResponseWriter, wait time.Duration) {
	secs := retryAfterSeconds(wait)
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errRateLimited.Error(), RetryAfter: secs})
}

func retryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// withRetry runs an idempotent read, retrying with exponential backoff while
// it fails with ErrStoreUnavailable.
func (h *Handler) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := h.config.RetryBackoff
	var err error
	for attempt := 1; attempt <= h.config.ReadAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, room.ErrStoreUnavailable) || attempt == h.config.ReadAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// decodeBody decodes a JSON request body of bounded size.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", room.ErrInvalidInput)
	}
	return nil
}

// roomIDParam reads and validates the roomId query parameter.
func roomIDParam(r *http.Request) (string, error) {
	id := r.URL.Query().Get("roomId")
	if err := room.ValidateRoomID(id); err != nil {
		return "", err
	}
	return id, nil
}

// allow applies rule to (room, sender) when a limiter is configured and
// reports the quota left in X-RateLimit headers. Limiter errors fail open.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, roomID, sender string, rule ratelimit.Rule) (time.Duration, bool) {
	if h.limiter == nil {
		return 0, true
	}
	ctx := r.Context()
	id := roomID + ":" + sender
	ok, err := h.limiter.Allow(ctx, id, rule)
	if err != nil {
		return 0, true
	}
	if ok {
		if left, err := h.limiter.Remaining(ctx, id, rule); err == nil {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(left))
		}
		return 0, true
	}
	wait, err := h.limiter.RetryAfter(ctx, id, rule)
	if err != nil || wait <= 0 {
		wait = rule.Window
	}
	return wait, false
}

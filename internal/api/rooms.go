package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ahsanbhutta01/private-chat/internal/room"
)

type roomResponse struct {
	RoomID    string `json:"roomId"`
	CreatedAt int64  `json:"createdAt"`
	TTL       int64  `json:"ttl"`
}

type createRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (h *Handler) roomBody(rec *room.Room) roomResponse {
	return roomResponse{
		RoomID:    rec.ID,
		CreatedAt: rec.CreatedAt,
		TTL:       room.Seconds(h.registry.Remaining(rec)),
	}
}

// createRoom handles POST /api/room. The body is optional; without a roomId
// a fresh id is generated.
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if req.RoomID != "" {
		if err := room.ValidateRoomID(req.RoomID); err != nil {
			h.writeError(w, err)
			return
		}
	}

	rec, created, err := h.registry.CreateOrGet(r.Context(), req.RoomID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, h.roomBody(rec))
}

// getRoom handles GET /api/room?roomId=, an idempotent get-or-create.
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	id, err := roomIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	rec, _, err := h.registry.CreateOrGet(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.roomBody(rec))
}

// destroyRoom handles DELETE /api/room?roomId=.
func (h *Handler) destroyRoom(w http.ResponseWriter, r *http.Request) {
	id, err := roomIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.registry.Destroy(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// roomTTL handles GET /api/room/ttl?roomId=. Concurrent lookups for the same
// room share one store round trip.
func (h *Handler) roomTTL(w http.ResponseWriter, r *http.Request) {
	id, err := roomIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	v, err, _ := h.ttlGroup.Do(id, func() (interface{}, error) {
		var ttl time.Duration
		err := h.withRetry(context.WithoutCancel(r.Context()), func(ctx context.Context) error {
			var err error
			ttl, err = h.registry.RemainingTTL(ctx, id)
			return err
		})
		return ttl, err
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"ttl": room.Seconds(v.(time.Duration))})
}

package api

import (
	"context"
	"net/http"

	"github.com/ahsanbhutta01/private-chat/internal/room"
)

type typingRequest struct {
	Sender   string `json:"sender"`
	IsTyping *bool  `json:"isTyping"`
}

func (h *Handler) setTyping(w http.ResponseWriter, r *http.Request) {
	id, err := roomIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req typingRequest
	if err := decodeBody(w, r, &req); err != nil || req.IsTyping == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid payload"})
		return
	}
	if err := room.ValidateSender(req.Sender); err != nil {
		h.writeError(w, err)
		return
	}

	if wait, ok := h.allow(w, r, id, req.Sender, h.config.TypingRule); !ok {
		h.writeRateLimited(w, wait)
		return
	}

	if err := h.typing.SetTyping(r.Context(), id, req.Sender, *req.IsTyping); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) typingRoster(w http.ResponseWriter, r *http.Request) {
	id, err := roomIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var senders []string
	err = h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		senders, err = h.typing.Active(ctx, id)
		return err
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if senders == nil {
		senders = []string{}
	}
	// windowMs lets viewers time indicators out locally, since a lapsed
	// signal publishes nothing.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"typing":   senders,
		"windowMs": h.typing.TTL().Milliseconds(),
	})
}

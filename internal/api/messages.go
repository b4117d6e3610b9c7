package api

import (
	"context"
	"net/http"

	"github.com/ahsanbhutta01/private-chat/internal/room"
)

type appendRequest struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := roomIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var msgs []room.Message
	err = h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		msgs, err = h.messages.List(ctx, id)
		return err
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []room.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (h *Handler) appendMessage(w http.ResponseWriter, r *http.Request) {
	id, err := roomIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req appendRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if err := room.ValidateSender(req.Sender); err != nil {
		h.writeError(w, err)
		return
	}
	if err := room.ValidateMessage(req.Text); err != nil {
		h.writeError(w, err)
		return
	}

	if wait, ok := h.allow(w, r, id, req.Sender, h.config.MessageRule); !ok {
		h.writeRateLimited(w, wait)
		return
	}

	msg, err := h.messages.Append(r.Context(), id, req.Sender, req.Text)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"message": msg})
}

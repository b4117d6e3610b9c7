package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// API is a thin HTTP client for the room endpoints.
type API struct {
	base string
	http *http.Client
}

// NewAPI creates a client for the server at base, e.g. http://localhost:8080.
func NewAPI(base string) *API {
	return &API{
		base: base,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 256,
			},
		},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// CreateRoom creates a room, letting the server pick the id when id is "".
func (a *API) CreateRoom(ctx context.Context, id string) (string, error) {
	var out struct {
		RoomID string `json:"roomId"`
	}
	body := map[string]string{}
	if id != "" {
		body["roomId"] = id
	}
	if err := a.do(ctx, http.MethodPost, "/api/room", "", body, &out); err != nil {
		return "", err
	}
	return out.RoomID, nil
}

// PostMessage appends a message to room.
func (a *API) PostMessage(ctx context.Context, room, sender, text string) error {
	return a.do(ctx, http.MethodPost, "/api/messages", room,
		map[string]string{"sender": sender, "text": text}, nil)
}

// SetTyping sends a typing signal.
func (a *API) SetTyping(ctx context.Context, room, sender string, typing bool) error {
	return a.do(ctx, http.MethodPost, "/api/realtime/typing", room,
		map[string]interface{}{"sender": sender, "isTyping": typing}, nil)
}

// DestroyRoom deletes room.
func (a *API) DestroyRoom(ctx context.Context, room string) error {
	return a.do(ctx, http.MethodDelete, "/api/room", room, nil, nil)
}

func (a *API) do(ctx context.Context, method, path, room string, in, out interface{}) error {
	target := a.base + path
	if room != "" {
		target += "?roomId=" + url.QueryEscape(room)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Package roomapi is the client for the relay's out-of-band room REST API.
package roomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client issues room-management requests against the relay's HTTP base URL
// (the scheme+host portion, without a trailing slash).
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type createRoomRequest struct {
	MaxParticipants int `json:"max_participants"`
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

// CreateRoom asks the relay for a fresh room id. Failures are reported to
// the caller; no automatic retry is attempted.
func (c *Client) CreateRoom(ctx context.Context, maxParticipants int) (string, error) {
	body, err := json.Marshal(createRoomRequest{MaxParticipants: maxParticipants})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/rooms", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create room: unexpected status %d", resp.StatusCode)
	}

	var out createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create room: decode response: %w", err)
	}
	if out.RoomID == "" {
		return "", fmt.Errorf("create room: response missing room_id")
	}
	return out.RoomID, nil
}

type getRoomResponse struct {
	RoomID string `json:"room_id"`
	Error  string `json:"error"`
}

// RoomExists reports whether the relay knows the given room id.
func (c *Client) RoomExists(ctx context.Context, roomID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/rooms/"+roomID, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("get room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("get room: unexpected status %d", resp.StatusCode)
	}

	var out getRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("get room: decode response: %w", err)
	}
	// The relay reports a missing room inside a 200 body.
	return out.Error == "" && out.RoomID != "", nil
}

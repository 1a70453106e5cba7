// Package client implements the HTTP side of the canvas contract: tile batch
// polls and profile lookups.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"canvaswatch.app/internal/protocol"
)

const maxResponseBytes = 64 << 20 // full tiles are big, but not that big

type Client struct {
	canvasURL  string
	profileURL string
	http       *http.Client
}

func New(canvasURL, profileURL string) *Client {
	return &Client{
		canvasURL:  canvasURL,
		profileURL: profileURL,
		http:       &http.Client{Timeout: 60 * time.Second},
	}
}

// FetchTiles posts a batch request and decodes the validated response.
func (c *Client) FetchTiles(ctx context.Context, tiles []protocol.TileRef) (*protocol.BatchResponse, error) {
	body, err := c.post(ctx, c.canvasURL, protocol.BatchRequest{Tiles: tiles})
	if err != nil {
		return nil, err
	}
	if err := protocol.ValidateBatch(body); err != nil {
		return nil, err
	}
	var resp protocol.BatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("batch response: %w", err)
	}
	return &resp, nil
}

// FetchProfile looks up one user's public profile.
func (c *Client) FetchProfile(ctx context.Context, userID uint32) (*protocol.ProfileResponse, error) {
	if c.profileURL == "" {
		return nil, fmt.Errorf("profile endpoint not configured")
	}
	body, err := c.post(ctx, c.profileURL, protocol.ProfileRequest{TargetID: int64(userID)})
	if err != nil {
		return nil, err
	}
	if err := protocol.ValidateProfile(body); err != nil {
		return nil, err
	}
	var resp protocol.ProfileResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("profile response: %w", err)
	}
	resp.Raw = body
	return &resp, nil
}

func (c *Client) post(ctx context.Context, url string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return body, nil
}

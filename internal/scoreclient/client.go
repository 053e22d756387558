// Package scoreclient reports hits to the arena server over HTTP.
package scoreclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pewpew/arena-backend/internal/shooter"
	"github.com/pewpew/arena-backend/pkg/types"
)

// ErrRejected is returned for any non-200 answer from the server.
var ErrRejected = errors.New("score rejected")

type Client struct {
	base string
	http *http.Client
}

var _ shooter.Scorer = (*Client)(nil)

// New targets the server at baseURL (e.g. "http://localhost:8080").
// A nil hc gets a client with a 5s timeout.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Score posts one hit and returns the shooter's new total.
func (c *Client) Score(ctx context.Context, code, name string, target types.Color) (int64, error) {
	body, err := json.Marshal(types.ShootRequest{PlayerName: name, TargetColor: &target})
	if err != nil {
		return 0, err
	}

	u := c.base + "/api/game/" + url.PathEscape(code) + "/shoot"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build shoot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post shoot: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("read shoot response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e types.ErrorResponse
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return 0, fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, e.Error)
	}

	var out types.ShootResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("decode shoot response: %w", err)
	}
	if !out.Success {
		return 0, fmt.Errorf("%w: %s", ErrRejected, out.Message)
	}
	return out.Score, nil
}

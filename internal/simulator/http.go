package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrStatus is returned for unexpected response codes.
var ErrStatus = errors.New("unexpected status")

// Client talks to the gazemap HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client with a per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// do sends body as JSON and decodes a JSON answer into out when the status
// is one of want. It returns the status and the raw body.
func (c *Client) do(ctx context.Context, method, path string, body, out any, want ...int) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out, want...)
}

func (c *Client) send(req *http.Request, out any, want ...int) (int, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s: %w", req.URL.Path, err)
	}
	for _, w := range want {
		if resp.StatusCode != w {
			continue
		}
		if out != nil && resp.StatusCode < 300 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, data, fmt.Errorf("decode %s: %w", req.URL.Path, err)
			}
		}
		return resp.StatusCode, data, nil
	}
	return resp.StatusCode, data, fmt.Errorf("%w %d from %s %s: %s", ErrStatus, resp.StatusCode, req.Method, req.URL.Path, bytes.TrimSpace(data))
}

// Health checks /healthz.
func (c *Client) Health(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, StatusOK)
	return err
}

// UploadImage stores a stimulus and returns its reference.
func (c *Client) UploadImage(ctx context.Context, name, contentType string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/images?filename="+url.QueryEscape(name), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	var out struct {
		Ref string `json:"ref"`
	}
	if _, _, err := c.send(req, &out, StatusCreated); err != nil {
		return "", err
	}
	return out.Ref, nil
}

type createRequest struct {
	StimulusRef    string  `json:"stimulus_ref"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	DurationMs     int64   `json:"duration_ms,omitempty"`
	ViewportWidth  float64 `json:"viewport_width"`
	ViewportHeight float64 `json:"viewport_height"`
}

// CreateSession starts a session on the stimulus.
func (c *Client) CreateSession(ctx context.Context, ref string, width, height int, durationMs int64) (Session, error) {
	var s Session
	_, _, err := c.do(ctx, http.MethodPost, "/sessions", createRequest{
		StimulusRef: ref, Width: width, Height: height, DurationMs: durationMs,
		ViewportWidth: float64(width), ViewportHeight: float64(height),
	}, &s, StatusCreated)
	return s, err
}

// Session reads the session view.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var s Session
	_, _, err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &s, StatusOK)
	return s, err
}

// Permission reports the camera decision.
func (c *Client) Permission(ctx context.Context, id string, granted bool) (Session, error) {
	var s Session
	_, _, err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/permission",
		map[string]bool{"granted": granted}, &s, StatusOK)
	return s, err
}

// Click registers one click on a calibration target.
func (c *Client) Click(ctx context.Context, id string, targetID int) (Target, error) {
	var t Target
	_, _, err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/clicks",
		map[string]int{"target_id": targetID}, &t, StatusOK)
	return t, err
}

// SubmitGaze posts a batch of predictions.
func (c *Client) SubmitGaze(ctx context.Context, id, batchID string, samples []*Sample) (GazeAck, error) {
	var ack GazeAck
	_, _, err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/gaze",
		map[string]any{"batch_id": batchID, "samples": samples}, &ack, StatusAccepted)
	return ack, err
}

// Heatmap fetches the rendered PNG. ready is false while the session is
// still running; a failed session yields an error carrying its reason.
func (c *Client) Heatmap(ctx context.Context, id string) (data []byte, ready bool, err error) {
	status, body, err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id)+"/heatmap", nil, nil,
		StatusOK, StatusConflict)
	if err != nil {
		return nil, false, err
	}
	if status == StatusConflict {
		return nil, false, nil
	}
	return body, true, nil
}

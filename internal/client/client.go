// Package client is the HTTP and websocket client the conveyor CLI uses to
// talk to a hub.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conveyor-ci/conveyor/internal/store"
	"github.com/conveyor-ci/conveyor/internal/stream"
)

// Client talks to a conveyor hub.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client for the hub at baseURL authenticating with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the hub.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&errBody)
		return &APIError{Status: resp.StatusCode, Message: errBody.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListJobs returns the caller's jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status string, limit int) ([]store.Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Jobs []store.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (*store.Job, error) {
	var job store.Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobRequest describes a job submission.
type CreateJobRequest struct {
	SourceType string `json:"source_type"`
	SourceURL  string `json:"source_url,omitempty"`
	Command    string `json:"command,omitempty"`
	Script     string `json:"script,omitempty"`
}

// CreateJob submits a new job.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*store.Job, error) {
	var job store.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob cancels a pending or running job.
func (c *Client) CancelJob(ctx context.Context, id string) (*store.Job, error) {
	var job store.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// RetryJob resubmits a failed or cancelled job as a new one.
func (c *Client) RetryJob(ctx context.Context, id string) (*store.Job, error) {
	var job store.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id+"/retry", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// FollowLogs opens the job's log websocket and delivers messages on the
// returned channel. The channel closes after the eof frame, on error, or when
// the context is canceled.
func (c *Client) FollowLogs(ctx context.Context, jobID string) (<-chan stream.Message, error) {
	wsURL, err := c.logsURL(jobID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	ch := make(chan stream.Message, 64)
	go func() {
		defer close(ch)
		defer conn.Close()

		go func() {
			<-ctx.Done()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
			_ = conn.Close()
		}()

		for {
			var msg stream.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
			if msg.Type == "eof" {
				return
			}
		}
	}()
	return ch, nil
}

func (c *Client) logsURL(jobID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/jobs/" + jobID + "/logs"
	u.RawQuery = url.Values{"token": {c.apiKey}}.Encode()
	return u.String(), nil
}

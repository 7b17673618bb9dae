// Package gateway talks to the Soulseek-style peer transfer gateway. The
// pipeline only follows per-key status streams; Enqueue and Cancel exist for
// the surrounding system.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"harmony/internal/config"
)

// Transfer statuses reported on the event stream.
const (
	StatusAccepted   = "accepted"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// StatusEvent is one entry of a download status stream.
type StatusEvent struct {
	DownloadID        string         `json:"download_id"`
	Status            string         `json:"status"`
	Path              string         `json:"path,omitempty"`
	BytesWritten      int64          `json:"bytes_written,omitempty"`
	Retryable         bool           `json:"retryable,omitempty"`
	RetryAfterSeconds float64        `json:"retry_after_seconds,omitempty"`
	RetryAfterMS      int64          `json:"retry_after_ms,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
}

// RetryAfter derives the retry hint: retry_after_seconds wins over
// retry_after_ms.
func (ev StatusEvent) RetryAfter() time.Duration {
	if ev.RetryAfterSeconds > 0 {
		return time.Duration(ev.RetryAfterSeconds * float64(time.Second))
	}
	if ev.RetryAfterMS > 0 {
		return time.Duration(ev.RetryAfterMS) * time.Millisecond
	}
	return 0
}

// Stream yields status events for one idempotency key. Next returns io.EOF
// when the gateway closes the stream.
type Stream interface {
	Next(ctx context.Context) (StatusEvent, error)
	Close()
}

// Client is the narrow gateway interface the orchestrator consumes.
type Client interface {
	Enqueue(ctx context.Context, username string, files []string) error
	Cancel(ctx context.Context, transferID string) error
	StreamDownloadEvents(ctx context.Context, idempotencyKey string, pollInterval time.Duration) (Stream, error)
}

// HTTPClient implements Client against the gateway's REST API. The transport
// retries transient failures; the limiter keeps polling polite.
type HTTPClient struct {
	base    string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
	timeout time.Duration
}

func NewHTTPClient(cfg config.Gateway, log *slog.Logger) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxAttempts - 1
	rc.RetryWaitMin = time.Duration(cfg.BackoffBaseMS) * time.Millisecond
	rc.RetryWaitMax = 10 * time.Duration(cfg.BackoffBaseMS) * time.Millisecond
	rc.Logger = nil
	rc.HTTPClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond

	return &HTTPClient{
		base:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    rc.StandardClient(),
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		log:     log,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}
}

// Enqueue asks the gateway to start transferring files from a peer.
func (c *HTTPClient) Enqueue(ctx context.Context, username string, files []string) error {
	body := map[string]any{"username": username, "files": files}
	return c.do(ctx, http.MethodPost, "/api/v0/transfers/enqueue", body, nil)
}

// Cancel aborts a transfer by ID.
func (c *HTTPClient) Cancel(ctx context.Context, transferID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v0/transfers/"+transferID, nil, nil)
}

// StreamDownloadEvents opens a polled status stream for the idempotency key.
func (c *HTTPClient) StreamDownloadEvents(ctx context.Context, idempotencyKey string, pollInterval time.Duration) (Stream, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &httpStream{client: c, key: idempotencyKey, poll: pollInterval}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Err: err, Timeout: isTimeout(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return &RequestError{Status: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type eventsResponse struct {
	Events []StatusEvent `json:"events"`
	Cursor int           `json:"cursor"`
	Done   bool          `json:"done"`
}

// httpStream polls the per-key events endpoint, buffering batches.
type httpStream struct {
	client *HTTPClient
	key    string
	poll   time.Duration
	cursor int
	buf    []StatusEvent
	done   bool
	closed bool
}

func (s *httpStream) Next(ctx context.Context) (StatusEvent, error) {
	for {
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			return ev, nil
		}
		if s.done || s.closed {
			return StatusEvent{}, io.EOF
		}

		var resp eventsResponse
		path := fmt.Sprintf("/api/v0/transfers/downloads/%s/events?cursor=%d", s.key, s.cursor)
		if err := s.client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return StatusEvent{}, err
		}
		s.buf = append(s.buf, resp.Events...)
		s.cursor = resp.Cursor
		s.done = resp.Done

		if len(s.buf) == 0 && !s.done {
			select {
			case <-ctx.Done():
				return StatusEvent{}, ctx.Err()
			case <-time.After(s.poll):
			}
		}
	}
}

func (s *httpStream) Close() { s.closed = true }

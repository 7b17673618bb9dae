package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"harmony/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(baseURL string) config.Gateway {
	return config.Gateway{
		BaseURL:       baseURL,
		TimeoutMS:     2000,
		MaxAttempts:   2,
		BackoffBaseMS: 1,
		JitterPct:     0,
	}
}

func TestStreamDeliversEventsAcrossPolls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/transfers/downloads/key-1/events", r.URL.Path)
		switch calls.Add(1) {
		case 1:
			json.NewEncoder(w).Encode(eventsResponse{
				Events: []StatusEvent{{DownloadID: "dl-1", Status: StatusAccepted}},
				Cursor: 1,
			})
		case 2:
			json.NewEncoder(w).Encode(eventsResponse{Cursor: 1})
		default:
			json.NewEncoder(w).Encode(eventsResponse{
				Events: []StatusEvent{{DownloadID: "dl-1", Status: StatusCompleted, Path: "/downloads/x.flac", BytesWritten: 4096}},
				Cursor: 2,
				Done:   true,
			})
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(testConfig(srv.URL), testLogger())
	stream, err := c.StreamDownloadEvents(context.Background(), "key-1", 5*time.Millisecond)
	require.NoError(t, err)

	ev, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, ev.Status)

	ev, err = stream.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, ev.Status)
	require.Equal(t, "/downloads/x.flac", ev.Path)

	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestRequestErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		status    int
		retryable bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{404, false},
	} {
		err := &RequestError{Status: tc.status}
		require.Equal(t, tc.retryable, err.Retryable(), "status %d", tc.status)
	}

	timeout := &RequestError{Err: fmt.Errorf("dial: timeout"), Timeout: true}
	require.True(t, timeout.Retryable())
	conn := &RequestError{Err: fmt.Errorf("connection refused")}
	require.False(t, conn.Retryable())
}

func TestDoSurfacesHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(testConfig(srv.URL), testLogger())
	err := c.Cancel(context.Background(), "t-1")
	var re *RequestError
	require.ErrorAs(t, err, &re)
	require.Equal(t, http.StatusNotFound, re.Status)
	require.False(t, re.Retryable())
}

func TestEnqueuePostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v0/transfers/enqueue", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(testConfig(srv.URL), testLogger())
	require.NoError(t, c.Enqueue(context.Background(), "peer", []string{"a.flac"}))
	require.Equal(t, "peer", got["username"])
}

func TestRetryAfterHintPrefersSeconds(t *testing.T) {
	ev := StatusEvent{RetryAfterSeconds: 1.5, RetryAfterMS: 10}
	require.Equal(t, 1500*time.Millisecond, ev.RetryAfter())

	ev = StatusEvent{RetryAfterMS: 250}
	require.Equal(t, 250*time.Millisecond, ev.RetryAfter())

	require.Zero(t, StatusEvent{}.RetryAfter())
}

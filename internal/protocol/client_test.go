package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/sessionctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestErrorCodeAndStatusFollowWrapping(t *testing.T) {
	err := fmt.Errorf("%w: s-1", ErrSessionNotFound)
	assert.Equal(t, CodeSessionNotFound, ErrorCode(err))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))

	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	testlog.Start(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathCreateSession:
			writeJSON(w, http.StatusConflict, ErrorEnvelope{Error: ErrorBody{
				Code:    CodeSessionAlreadyOpen,
				Message: "session already open: already open for user ada",
			}})
		case PathRequestService:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream exploded"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	ctx := context.Background()

	_, err := c.CreateSession(ctx, srv.URL, CreateSessionRequest{SessionType: "Modeling"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionAlreadyOpen)
	assert.Equal(t, "session already open: already open for user ada", err.Error())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusConflict, remote.Status)

	_, err = c.RequestService(ctx, srv.URL, RequestServiceRequest{SessionID: "s-1"})
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeInternal, remote.Code)
	assert.Equal(t, "upstream exploded", remote.Message)
	assert.Nil(t, errors.Unwrap(err))
}

func TestClientDecodesSuccess(t *testing.T) {
	testlog.Start(t)

	var got RegisterLSSRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathRegisterLSS:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeJSON(w, http.StatusOK, RegisterLSSResponse{ID: 7, GDSURL: "http://gds"})
		case PathPing:
			writeJSON(w, http.StatusOK, PingReply{Pong: "pong", Role: "gss"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	resp, err := c.RegisterLSS(context.Background(), srv.URL+"/", RegisterLSSRequest{URL: "http://lss"})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.ID)
	assert.Equal(t, "http://gds", resp.GDSURL)
	assert.Equal(t, "http://lss", got.URL)

	assert.NoError(t, c.Ping(context.Background(), srv.URL))
}

func TestPingRejectsUnexpectedReply(t *testing.T) {
	testlog.Start(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, PingReply{Pong: "nope"})
	}))
	defer srv.Close()

	err := NewClient(time.Second).Ping(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrHostUnreachable)
}

func TestClientMapsTransportFailures(t *testing.T) {
	testlog.Start(t)

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewClient(200*time.Millisecond).SessionClosed(context.Background(), url, SessionClosedRequest{SessionID: "s-1"})
	assert.ErrorIs(t, err, ErrHostUnreachable)
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 800*time.Millisecond, NextBackoffDelay(cfg, 4, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil))

	cfg.Jitter = true
	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 2, nil))

	cfg.Multiplier = 0.5
	cfg.Jitter = false
	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 3, nil))
}

func TestRetryUntil(t *testing.T) {
	testlog.Start(t)

	fast := BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	ctx := context.Background()

	calls := 0
	err := RetryUntil(ctx, fast, 0, "flaky", func(context.Context) error {
		calls++
		if calls < 3 {
			return ErrHostUnreachable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryUntil(ctx, fast, 2, "down", func(context.Context) error {
		calls++
		return fmt.Errorf("%w: attempt %d", ErrHostUnreachable, calls)
	})
	assert.ErrorIs(t, err, ErrHostUnreachable)
	assert.EqualError(t, err, "host unreachable: attempt 2")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = RetryUntil(cancelled, BackoffConfig{InitialDelay: time.Hour}, 0, "cancelled", func(context.Context) error {
		return ErrHostUnreachable
	})
	assert.ErrorIs(t, err, context.Canceled)
}

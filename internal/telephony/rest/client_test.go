package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/dental-outreach/internal/config"
	"github.com/acme/dental-outreach/internal/telephony"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

func newTestClient(url string) *Client {
	return NewClient(
		config.CallPlatformConfig{BaseURL: url, APIKey: "secret", AgentID: "agent", RetryCount: 2},
		config.TimeoutConfig{Connect: time.Second, Read: 2 * time.Second},
		nil,
	)
}

func TestStartCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/calls", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body startCallRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "+34611000001", body.PhoneNumber)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"call_id":"c-1"}`))
	}))
	defer srv.Close()

	id, err := newTestClient(srv.URL).StartCall(context.Background(), "+34611000001", "agent")
	require.NoError(t, err)
	assert.Equal(t, "c-1", id)
}

func TestGetCallRetriesServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetCall(context.Background(), "c-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRetryableExternal))
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer bad.Close()

	_, err = newTestClient(bad.URL).GetCall(context.Background(), "c-1")
	assert.True(t, errors.Is(err, apperrors.ErrPermanentExternal))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/calls/c-1":
			_, _ = w.Write([]byte(`{"call_id":"c-1","status":"closed","duration":42,"outcome_code":7,"collected_info":{"buzon":true}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"wrong CallId"}`))
		}
	}))
	defer srv.Close()
	client := newTestClient(srv.URL)

	report, err := client.GetCall(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, report.Closed())
	assert.Equal(t, 7, report.OutcomeCode)
	assert.Equal(t, 42, report.DurationSeconds)
	assert.Equal(t, true, report.CollectedInfo["buzon"])

	_, err = client.GetCall(context.Background(), "nope")
	assert.True(t, errors.Is(err, telephony.ErrRejectedCallID))
	assert.True(t, errors.Is(err, apperrors.ErrPermanentExternal))
}

func slowServer(calls *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
}

func TestStartCallIsNotRepeatedAfterTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := slowServer(&calls)
	defer srv.Close()

	client := NewClient(
		config.CallPlatformConfig{BaseURL: srv.URL, APIKey: "secret", AgentID: "agent", RetryCount: 2},
		config.TimeoutConfig{Connect: time.Second, Read: 50 * time.Millisecond},
		nil,
	)
	_, err := client.StartCall(context.Background(), "+34611000001", "agent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRetryableExternal))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetCallRetriesTimeouts(t *testing.T) {
	var calls atomic.Int32
	srv := slowServer(&calls)
	defer srv.Close()

	client := NewClient(
		config.CallPlatformConfig{BaseURL: srv.URL, APIKey: "secret", AgentID: "agent", RetryCount: 2},
		config.TimeoutConfig{Connect: time.Second, Read: 50 * time.Millisecond},
		nil,
	)
	_, err := client.GetCall(context.Background(), "c-1")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStartCallRejectedCredentialsAreConfigErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).StartCall(context.Background(), "+34611000001", "agent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfig))
	assert.False(t, errors.Is(err, apperrors.ErrPermanentExternal))
}

package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func serverConfig(t *testing.T, srv *httptest.Server) Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return Config{Host: u.Hostname(), Port: port, WorkerID: "worker-1", AccessToken: "tok", UpdateIntervalSeconds: 60}
}

func TestPostSendsBearerTokenAndStatusBody(t *testing.T) {
	var gotAuth string
	var gotPath string
	var gotBody statusEnvelope

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rep := New(serverConfig(t, srv), nil, srv.Client())
	status := ClientStatus{ClientID: "abc123", CurrentStatus: "active", SharesGood: 7}
	require.NoError(t, rep.post(context.Background(), status))

	require.Equal(t, "Bearer tok", gotAuth)
	require.Contains(t, gotPath, "/client/setClientStatus")
	require.Contains(t, gotPath, "clientId=worker-1-abc123")
	require.Equal(t, uint64(7), gotBody.ClientStatus.SharesGood)
}

func TestPostReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rep := New(serverConfig(t, srv), nil, srv.Client())
	err := rep.post(context.Background(), ClientStatus{ClientID: "x"})
	require.Error(t, err)
}

func TestRunPollsSourcesOnEveryTick(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := serverConfig(t, srv)
	cfg.UpdateIntervalSeconds = 0 // New() clamps zero to 60; override after construction instead
	rep := New(cfg, nil, srv.Client())
	rep.cfg.UpdateIntervalSeconds = 1
	rep.Sources = func() []ClientStatus {
		return []ClientStatus{{ClientID: "a"}, {ClientID: "b"}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	rep.Run(ctx)

	require.GreaterOrEqual(t, atomic.LoadInt64(&calls), int64(2))
}

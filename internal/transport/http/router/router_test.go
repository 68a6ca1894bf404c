package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/relay"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/resilience"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/transport/http/handlers"
)

type stubRelay struct{}

func (stubRelay) State() relay.State { return relay.StateRunning }
func (stubRelay) Stats() relay.Stats { return relay.Stats{State: relay.StateRunning} }
func (stubRelay) TriggerBatch(context.Context) (relay.BatchResult, error) {
	return relay.BatchResult{}, nil
}

type stubStore struct{}

func (stubStore) Ping(context.Context) error { return nil }
func (stubStore) OutboxStats(context.Context) (*postgres.Stats, error) {
	return &postgres.Stats{Counts: map[domain.Status]int{}}, nil
}

type stubBroker struct{}

func (stubBroker) IsConnected() bool { return true }

func newTestRouter(cfg *config.Config) http.Handler {
	br := resilience.NewBreaker(resilience.Settings{
		Name:             "broker",
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	})
	h := handlers.NewOpsHandler(stubRelay{}, stubStore{}, stubBroker{}, br, 30*time.Second)
	return New(h, cfg)
}

func TestRouter_Routing(t *testing.T) {
	r := newTestRouter(&config.Config{RLEnabled: false})

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz/live", http.StatusOK},
		{http.MethodGet, "/healthz/ready", http.StatusOK},
		{http.MethodGet, "/healthz/startup", http.StatusOK},
		{http.MethodGet, "/stats", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/admin/reset-cb", http.StatusOK},
		{http.MethodPost, "/admin/process", http.StatusOK},
		{http.MethodGet, "/admin/reset-cb", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestRouter_RequestIDHeader(t *testing.T) {
	r := newTestRouter(&config.Config{RLEnabled: false})

	req := httptest.NewRequest(http.MethodGet, "/healthz/live", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	req = httptest.NewRequest(http.MethodGet, "/healthz/live", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
}

func TestRouter_MetricsExposition(t *testing.T) {
	r := newTestRouter(&config.Config{RLEnabled: false})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker_connection_status")
}

func TestRouter_RateLimit(t *testing.T) {
	r := newTestRouter(&config.Config{RLEnabled: true, RLLimit: 2, RLWindow: time.Minute})

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz/live", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/relay"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/resilience"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/transport/http/middleware"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/transport/http/response"
)

// RelaySource is the supervisor surface the handlers read.
type RelaySource interface {
	State() relay.State
	Stats() relay.Stats
	TriggerBatch(ctx context.Context) (relay.BatchResult, error)
}

type StoreSource interface {
	Ping(ctx context.Context) error
	OutboxStats(ctx context.Context) (*postgres.Stats, error)
}

type BrokerSource interface {
	IsConnected() bool
}

type BreakerSource interface {
	State() resilience.State
	Counts() (failures, successes int)
	Reset()
	Name() string
}

type OpsHandler struct {
	relay   RelaySource
	store   StoreSource
	broker  BrokerSource
	breaker BreakerSource

	boot           time.Time
	startupTimeout time.Duration
}

func NewOpsHandler(rs RelaySource, st StoreSource, br BrokerSource, cb BreakerSource, startupTimeout time.Duration) *OpsHandler {
	return &OpsHandler{
		relay:          rs,
		store:          st,
		broker:         br,
		breaker:        cb,
		boot:           time.Now().UTC(),
		startupTimeout: startupTimeout,
	}
}

// Live answers the liveness probe: the process is healthy unless the
// supervisor ended in error.
func (h *OpsHandler) Live(w http.ResponseWriter, r *http.Request) {
	state := h.relay.State()
	if state == relay.StateError {
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "state": string(state)})
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok", "state": string(state)})
}

// Ready answers the readiness probe: running, storage answering, broker
// connected and the breaker letting traffic through.
func (h *OpsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	state := h.relay.State()
	checks["state"] = string(state)
	if state != relay.StateRunning {
		ready = false
	}

	if err := h.store.Ping(r.Context()); err != nil {
		checks["storage"] = err.Error()
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	if h.broker.IsConnected() {
		checks["broker"] = "ok"
	} else {
		checks["broker"] = "disconnected"
		ready = false
	}

	cbState := h.breaker.State()
	checks["breaker"] = cbState.String()
	if cbState == resilience.StateOpen {
		ready = false
	}

	status := http.StatusOK
	verdict := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		verdict = "degraded"
	}
	response.JSON(w, status, map[string]any{"status": verdict, "checks": checks})
}

// Startup answers the startup probe. Before the supervisor reaches running
// it reports starting, and once the configured window has passed, timeout.
func (h *OpsHandler) Startup(w http.ResponseWriter, r *http.Request) {
	switch h.relay.State() {
	case relay.StateRunning, relay.StateStopping:
		response.JSON(w, http.StatusOK, map[string]string{"status": "started"})
	case relay.StateError:
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
	default:
		status := "starting"
		if h.startupTimeout > 0 && time.Since(h.boot) > h.startupTimeout {
			status = "timeout"
		}
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": status})
	}
}

// Stats serves the combined operational snapshot.
func (h *OpsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	failures, successes := h.breaker.Counts()
	payload := map[string]any{
		"relay": h.relay.Stats(),
		"breaker": map[string]any{
			"name":      h.breaker.Name(),
			"state":     h.breaker.State().String(),
			"failures":  failures,
			"successes": successes,
		},
	}

	if outbox, err := h.store.OutboxStats(r.Context()); err != nil {
		payload["outbox_error"] = err.Error()
	} else {
		payload["outbox"] = outbox
	}

	response.Data(w, http.StatusOK, payload)
}

// ResetBreaker forces the breaker closed. Operator escape hatch for a
// breaker stuck open against a healthy broker.
func (h *OpsHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	h.breaker.Reset()
	response.Data(w, http.StatusOK, map[string]string{
		"status":  "reset",
		"breaker": h.breaker.Name(),
		"state":   h.breaker.State().String(),
	})
}

// TriggerBatch runs one cycle on demand, the polling-mode drive.
func (h *OpsHandler) TriggerBatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.relay.TriggerBatch(r.Context())
	if err != nil {
		response.Err(w, err, middleware.FromContext(r.Context()))
		return
	}
	response.Data(w, http.StatusOK, res)
}

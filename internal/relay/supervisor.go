package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/logger"
)

// State is the supervisor lifecycle phase, served verbatim on the health
// surface.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

const (
	ewmaAlpha     = 0.1
	drainInterval = 50 * time.Millisecond
)

// BatchRunner is the processor surface the supervisor drives.
type BatchRunner interface {
	ProcessBatch(ctx context.Context) (BatchResult, error)
	InFlight() bool
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerConn is the publisher lifecycle the supervisor owns.
type BrokerConn interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Close() error
}

// Stats is the in-memory operational snapshot. All counters are cumulative
// since Start.
type Stats struct {
	State          State        `json:"state"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	UptimeSeconds  float64      `json:"uptime_seconds"`
	TotalBatches   int64        `json:"total_batches"`
	SkippedCycles  int64        `json:"skipped_cycles"`
	TotalEvents    int64        `json:"total_events"`
	Published      int64        `json:"published"`
	Failed         int64        `json:"failed"`
	Discarded      int64        `json:"discarded"`
	AvgBatchSize   float64      `json:"avg_batch_size"`
	AvgEventMillis float64      `json:"avg_event_ms"`
	LastBatch      *BatchResult `json:"last_batch,omitempty"`
}

// Supervisor owns the relay lifecycle: storage and broker health at start,
// the periodic tick in continuous mode, stats accounting and the graceful
// drain on stop.
type Supervisor struct {
	cfg       *config.Config
	store     Pinger
	publisher BrokerConn
	runner    BatchRunner
	lg        zerolog.Logger

	mu        sync.Mutex
	state     State
	stats     Stats
	batches   int64 // non-skipped batches, for the rolling average
	startedAt time.Time
	stopTick  chan struct{}
	tickDone  chan struct{}
}

func NewSupervisor(cfg *config.Config, store Pinger, publisher BrokerConn, runner BatchRunner) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		runner:    runner,
		lg:        logger.Component("supervisor"),
		state:     StateStopped,
	}
}

// Start brings the relay up. Storage must answer a ping; a dead broker is
// tolerated because the publisher reconnects on its own and the breaker
// holds traffic meanwhile.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start from state %s", state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.store.Ping(ctx); err != nil {
		s.setState(StateError)
		return fmt.Errorf("storage ping: %w", err)
	}

	if err := s.publisher.Connect(ctx); err != nil {
		s.lg.Warn().Err(err).Msg("broker not reachable at start, relying on reconnect")
	}

	s.mu.Lock()
	s.state = StateRunning
	s.startedAt = time.Now().UTC()
	s.stopTick = make(chan struct{})
	s.tickDone = make(chan struct{})
	s.mu.Unlock()

	s.lg.Info().
		Str("mode", s.cfg.Mode).
		Dur("batch_interval", s.cfg.BatchInterval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("relay started")

	if s.cfg.ProcessOnStartup {
		s.runCycle()
	}

	if s.cfg.Mode == config.ModeContinuous {
		go s.tickLoop(ctx)
	} else {
		close(s.tickDone)
	}
	return nil
}

func (s *Supervisor) tickLoop(ctx context.Context) {
	defer close(s.tickDone)

	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopTick:
			return
		case <-ticker.C:
			if s.State() != StateRunning {
				return
			}
			s.runCycle()
		}
	}
}

// runCycle executes one batch on a fresh context so an external cancel
// cannot abandon rows mid-settle. The processor applies its own deadline.
func (s *Supervisor) runCycle() {
	res, err := s.runner.ProcessBatch(context.Background())
	if err != nil {
		s.lg.Warn().Err(err).Msg("batch cycle failed")
	}
	s.record(res)
}

// TriggerBatch runs one cycle on demand. This is the polling-mode entry
// point; in continuous mode it simply competes with the ticker through the
// processor's overlap guard.
func (s *Supervisor) TriggerBatch(ctx context.Context) (BatchResult, error) {
	if s.State() != StateRunning {
		return BatchResult{}, errors.New("relay is not running")
	}
	res, err := s.runner.ProcessBatch(ctx)
	s.record(res)
	return res, err
}

func (s *Supervisor) record(res BatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalBatches++
	if res.Skipped {
		s.stats.SkippedCycles++
	} else {
		s.batches++
		s.stats.TotalEvents += int64(res.BatchSize)
		s.stats.Published += int64(res.Published)
		s.stats.Failed += int64(res.Failed)
		s.stats.Discarded += int64(res.Discarded)
		s.stats.AvgBatchSize = float64(s.stats.TotalEvents) / float64(s.batches)

		if res.BatchSize > 0 {
			sample := float64(res.Duration.Milliseconds()) / float64(res.BatchSize)
			if s.stats.AvgEventMillis == 0 {
				s.stats.AvgEventMillis = sample
			} else {
				s.stats.AvgEventMillis = ewmaAlpha*sample + (1-ewmaAlpha)*s.stats.AvgEventMillis
			}
		}
	}
	last := res
	s.stats.LastBatch = &last
}

// Stop drains the in-flight cycle and tears the relay down. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateStopping:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	stopTick := s.stopTick
	tickDone := s.tickDone
	s.mu.Unlock()

	s.lg.Info().Msg("relay stopping")

	if stopTick != nil {
		close(stopTick)
	}
	if tickDone != nil {
		select {
		case <-tickDone:
		case <-ctx.Done():
		}
	}

	if !s.drain(ctx) {
		s.lg.Warn().
			Dur("timeout", s.cfg.ShutdownTimeout).
			Msg("shutdown timeout reached with a cycle still in flight")
	}

	if err := s.publisher.Close(); err != nil {
		s.lg.Warn().Err(err).Msg("publisher close failed")
	}

	s.setState(StateStopped)
	s.lg.Info().Msg("relay stopped")
	return nil
}

// drain waits for the running cycle to finish, polling the processor flag.
func (s *Supervisor) drain(ctx context.Context) bool {
	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	for s.runner.InFlight() {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !s.runner.InFlight()
		case <-time.After(drainInterval):
		}
	}
	return true
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Stats returns a snapshot; safe for concurrent readers.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.State = s.state
	if !s.startedAt.IsZero() {
		started := s.startedAt
		out.StartedAt = &started
		out.UptimeSeconds = time.Since(started).Seconds()
	}
	if s.stats.LastBatch != nil {
		last := *s.stats.LastBatch
		out.LastBatch = &last
	}
	return out
}

// Uptime reports time since the relay entered running, zero before that.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

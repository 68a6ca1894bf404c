package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/infrastructure/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/logger"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/resilience"
)

// EventStore is the slice of the outbox store the processor drives.
type EventStore interface {
	ClaimBatch(ctx context.Context, batchSize int, consumerName string, maxAttemptsCap int) ([]*domain.Event, error)
	MarkPublished(ctx context.Context, consumerName string, settled []postgres.SettledEvent) error
	MarkFailed(ctx context.Context, ids []int64, errMsg, errCode string, retryAfter time.Duration) (failed, discarded int, err error)
	OutboxStats(ctx context.Context) (*postgres.Stats, error)
}

// EventPublisher pushes one prepared message to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, m rabbitmq.Message) error
}

// Breaker is the circuit the processor consults around every publish.
type Breaker interface {
	Allow() error
	RecordSuccess()
	RecordFailure()
	State() resilience.State
}

// BatchResult summarizes one claim-publish-settle cycle.
type BatchResult struct {
	BatchSize int           `json:"batch_size"`
	Published int           `json:"published"`
	Failed    int           `json:"failed"`
	Discarded int           `json:"discarded"`
	Skipped   bool          `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	Errors    []string      `json:"errors,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

type Options struct {
	ConsumerName string
	BatchSize    int
	MaxWait      time.Duration // per-cycle store deadline
}

// Processor runs the claim-publish-settle cycle. Cycles never overlap on one
// instance: a cycle that finds the guard taken reports Skipped and returns.
type Processor struct {
	store   EventStore
	pub     EventPublisher
	breaker Breaker
	policy  RetryPolicy
	opts    Options
	lg      zerolog.Logger

	guard    sync.Mutex
	inFlight atomic.Bool
}

func NewProcessor(store EventStore, pub EventPublisher, breaker Breaker, policy RetryPolicy, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.ConsumerName == "" {
		opts.ConsumerName = "relay-service"
	}
	return &Processor{
		store:   store,
		pub:     pub,
		breaker: breaker,
		policy:  policy,
		opts:    opts,
		lg:      logger.Component("processor"),
	}
}

// InFlight reports whether a cycle is currently running.
func (p *Processor) InFlight() bool {
	return p.inFlight.Load()
}

func (p *Processor) ProcessBatch(ctx context.Context) (BatchResult, error) {
	return p.run(ctx, p.opts.BatchSize)
}

// ProcessWithSize runs one cycle with an explicit batch size. Used by the
// one-shot operational command.
func (p *Processor) ProcessWithSize(ctx context.Context, size int) (BatchResult, error) {
	return p.run(ctx, size)
}

func (p *Processor) run(ctx context.Context, size int) (BatchResult, error) {
	res := BatchResult{StartedAt: time.Now().UTC()}

	if !p.guard.TryLock() {
		res.Skipped = true
		p.lg.Debug().Msg("cycle already in flight, skipping")
		return res, nil
	}
	defer p.guard.Unlock()

	p.inFlight.Store(true)
	defer p.inFlight.Store(false)

	if p.opts.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.MaxWait)
		defer cancel()
	}

	events, err := p.store.ClaimBatch(ctx, size, p.opts.ConsumerName, p.policy.MaxAttempts)
	if err != nil {
		res.Skipped = true
		res.Errors = append(res.Errors, err.Error())
		res.Duration = time.Since(res.StartedAt)
		metrics.SetDBConnected(false)
		p.lg.Error().Err(err).Msg("claim failed")
		return res, err
	}
	metrics.SetDBConnected(true)

	res.BatchSize = len(events)
	if len(events) == 0 {
		res.Duration = time.Since(res.StartedAt)
		return res, nil
	}

	var published []postgres.SettledEvent
	groups := map[failKey]*failGroup{}

	for _, evt := range events {
		outcome := p.publishOne(ctx, evt)
		elapsed := time.Since(res.StartedAt)
		metrics.ObserveEventProcessing(elapsed)

		if outcome == nil {
			metrics.RecordPublished(evt.EventType, evt.EventDomain, evt.Exchange, evt.RoutingKey)
			published = append(published, postgres.SettledEvent{
				RowID:      evt.RowID,
				EventID:    evt.EventID,
				Exchange:   evt.Exchange,
				RoutingKey: evt.RoutingKey,
				Duration:   elapsed,
			})
			continue
		}
		p.bucket(groups, evt, outcome)
	}

	settleErrs := p.settle(ctx, &res, published, groups)
	res.Duration = time.Since(res.StartedAt)
	metrics.ObserveBatchProcessing(res.Duration)
	p.refreshQueueDepth(ctx)

	p.lg.Info().
		Int("batch_size", res.BatchSize).
		Int("published", res.Published).
		Int("failed", res.Failed).
		Int("discarded", res.Discarded).
		Dur("duration", res.Duration).
		Msg("batch complete")

	return res, settleErrs
}

// publishOne drives the in-cycle retry loop for a single event. A nil return
// means the broker confirmed the message.
func (p *Processor) publishOne(ctx context.Context, evt *domain.Event) error {
	env := event.FromOutbox(evt)
	body, err := env.Marshal()
	if err != nil {
		return domain.ErrProtocol("serialization", "envelope marshal failed", err)
	}

	msg := rabbitmq.Message{
		Exchange:      evt.Exchange,
		RoutingKey:    evt.RoutingKey,
		Body:          body,
		EventID:       evt.EventID,
		CorrelationID: evt.CorrelationID,
		ContentType:   evt.ContentType,
		Headers:       event.Headers(evt),
		Timestamp:     evt.OccurredAt,
		Persistent:    evt.Priority == domain.PriorityCritical,
	}

	tries := p.policy.TriesFor(evt.Attempts, evt.MaxAttempts)
	var lastErr error

	for try := 1; try <= tries; try++ {
		if err := p.breaker.Allow(); err != nil {
			// Not counted as a publish attempt and not recorded on the
			// breaker. An event that already failed a real try this cycle
			// keeps its real cause.
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		if try > 1 {
			metrics.RecordRetry(evt.EventType, evt.EventDomain, evt.Attempts)
		}

		err := p.pub.Publish(ctx, msg)
		if err == nil {
			p.breaker.RecordSuccess()
			return nil
		}
		lastErr = err

		retriable := domain.Retriable(err)
		if retriable {
			p.breaker.RecordFailure()
		}
		p.lg.Warn().Err(err).
			Str("event_id", evt.EventID).
			Str("correlation_id", evt.CorrelationID).
			Int("attempts", evt.Attempts).
			Int("try", try).
			Bool("retriable", retriable).
			Msg("publish failed")

		if !retriable {
			return lastErr
		}
		if try < tries {
			if err := sleepCtx(ctx, p.policy.Delay(try)); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

type failKey struct {
	code     string
	attempts int
}

type failGroup struct {
	ids   []int64
	msg   string
	delay time.Duration
}

// bucket files a failed event into a settle group. Events that failed for
// the same reason at the same attempt depth share one settle call.
func (p *Processor) bucket(groups map[failKey]*failGroup, evt *domain.Event, cause error) {
	kind := domain.KindOf(cause)

	key := failKey{code: domain.CodeOf(cause), attempts: evt.Attempts}
	delay := p.policy.Delay(evt.Attempts)
	if kind == domain.KindCircuitOpen {
		// Re-claim promptly once the breaker lets traffic through again.
		key = failKey{code: "circuit_open", attempts: -1}
		delay = p.policy.MinDelay()
	}

	g, ok := groups[key]
	if !ok {
		g = &failGroup{msg: cause.Error(), delay: delay}
		groups[key] = g
	}
	g.ids = append(g.ids, evt.RowID)

	if evt.Exhausted() {
		metrics.RecordDiscarded(evt.EventType, evt.EventDomain, "max_attempts_reached")
	} else {
		metrics.RecordFailed(evt.EventType, evt.EventDomain, kindLabel(cause))
	}
}

func (p *Processor) settle(ctx context.Context, res *BatchResult, published []postgres.SettledEvent, groups map[failKey]*failGroup) error {
	var errs []error

	if len(published) > 0 {
		if err := p.store.MarkPublished(ctx, p.opts.ConsumerName, published); err != nil {
			// Rows stay in processing; they surface in stats until settled.
			res.Errors = append(res.Errors, err.Error())
			errs = append(errs, fmt.Errorf("settle published: %w", err))
			p.lg.Error().Err(err).Int("count", len(published)).Msg("settle-success failed")
		} else {
			res.Published = len(published)
		}
	}

	for key, g := range groups {
		failed, discarded, err := p.store.MarkFailed(ctx, g.ids, g.msg, key.code, g.delay)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			errs = append(errs, fmt.Errorf("settle failed group %s: %w", key.code, err))
			p.lg.Error().Err(err).Str("code", key.code).Int("count", len(g.ids)).Msg("settle-failure failed")
			continue
		}
		res.Failed += failed
		res.Discarded += discarded
	}

	return errors.Join(errs...)
}

func (p *Processor) refreshQueueDepth(ctx context.Context) {
	stats, err := p.store.OutboxStats(ctx)
	if err != nil {
		return
	}
	for _, st := range []domain.Status{
		domain.StatusPending, domain.StatusProcessing, domain.StatusPublished,
		domain.StatusFailed, domain.StatusDiscarded,
	} {
		metrics.SetQueueDepth(string(st), stats.Counts[st])
	}
}

func kindLabel(err error) string {
	if k := domain.KindOf(err); k != "" {
		return string(k)
	}
	return "unclassified"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

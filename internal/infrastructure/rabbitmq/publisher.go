package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/logger"
	"github.com/baechuer/real-time-ressys/services/relay-service/internal/metrics"
)

const (
	defaultConfirmWait  = 5 * time.Second
	maxReconnectBackoff = 30 * time.Second
)

var errPublisherClosed = errors.New("publisher closed")

// Options carries the broker settings the publisher needs. Zero values fall
// back to safe defaults in New.
type Options struct {
	URL              string
	Heartbeat        time.Duration
	Prefetch         int
	Confirms         bool
	Mandatory        bool
	ConfirmTimeout   time.Duration
	ReconnectDelay   time.Duration
	MaxReconnects    int // 0 keeps retrying until Close
	DeclareExchanges []string
}

// Message is one outbox row prepared for the wire.
type Message struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	EventID       string
	CorrelationID string
	ContentType   string
	Headers       map[string]any
	Timestamp     time.Time
	Persistent    bool
}

// Publisher owns one connection and one confirm-mode channel. Publishes are
// serialized under mu so each confirmation can be matched to the publish that
// is waiting for it.
type Publisher struct {
	opts Options
	lg   zerolog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return

	closed  bool
	rootCtx context.Context
	cancel  context.CancelFunc
}

func New(opts Options) *Publisher {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmWait
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		opts:    opts,
		lg:      logger.Component("publisher"),
		rootCtx: ctx,
		cancel:  cancel,
	}
}

// Connect dials the broker and opens the publishing channel. It is safe to
// call again after a failure; an established connection is left alone. The
// dial is bounded by its own timeout, not the caller context.
func (p *Publisher) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.ErrBrokerUnavailable("closed", "publisher is closed", errPublisherClosed)
	}
	if p.connectedLocked() {
		return nil
	}
	if err := p.connectLocked(); err != nil {
		return classifyPublishErr(err)
	}
	return nil
}

func (p *Publisher) connectLocked() error {
	if p.connectedLocked() {
		return nil
	}

	// A channel-level exception leaves the connection intact; only the
	// channel needs rebuilding then.
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.setupChannelLocked(p.conn); err != nil {
			metrics.SetBrokerConnected(false)
			return err
		}
		metrics.SetBrokerConnected(true)
		p.lg.Info().Msg("broker channel rebuilt")
		return nil
	}

	conn, err := amqp.DialConfig(p.opts.URL, amqp.Config{
		Heartbeat: p.opts.Heartbeat,
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		metrics.SetBrokerConnected(false)
		return fmt.Errorf("dial: %w", err)
	}

	if err := p.setupChannelLocked(conn); err != nil {
		_ = conn.Close()
		metrics.SetBrokerConnected(false)
		return err
	}

	p.conn = conn
	metrics.SetBrokerConnected(true)
	p.lg.Info().Str("heartbeat", p.opts.Heartbeat.String()).Msg("broker connected")

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go p.watchConnection(closeCh)
	return nil
}

func (p *Publisher) setupChannelLocked(conn *amqp.Connection) error {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if p.opts.Prefetch > 0 {
		if err := ch.Qos(p.opts.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("set qos: %w", err)
		}
	}

	for _, name := range p.opts.DeclareExchanges {
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	if p.opts.Confirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("confirm mode: %w", err)
		}
		// Must be registered after Confirm.
		p.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
		p.returnCh = ch.NotifyReturn(make(chan amqp.Return, 1))
	} else {
		p.confirmCh = nil
		p.returnCh = nil
	}

	p.ch = ch

	chClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	go p.watchChannel(chClose)
	return nil
}

// watchChannel recovers from channel-level exceptions that leave the
// connection itself alive. When the connection is down too, the connection
// watcher owns the reconnect and this one bows out.
func (p *Publisher) watchChannel(closeCh <-chan *amqp.Error) {
	amqpErr, ok := <-closeCh
	if !ok || p.isClosed() {
		return
	}

	p.mu.Lock()
	connAlive := p.conn != nil && !p.conn.IsClosed()
	if connAlive {
		p.ch = nil
		p.confirmCh = nil
		p.returnCh = nil
	}
	p.mu.Unlock()

	if !connAlive {
		return
	}

	p.lg.Warn().Err(amqpErr).Msg("broker channel closed")
	metrics.SetBrokerConnected(false)
	p.reconnect()
}

// watchConnection blocks until the connection drops, then drives the
// reconnect loop. A graceful Close closes the notify channel with no error.
func (p *Publisher) watchConnection(closeCh <-chan *amqp.Error) {
	amqpErr, ok := <-closeCh
	if !ok || p.isClosed() {
		return
	}

	p.lg.Warn().Err(amqpErr).Msg("broker connection lost")
	metrics.SetBrokerConnected(false)

	p.mu.Lock()
	p.conn = nil
	p.ch = nil
	p.confirmCh = nil
	p.returnCh = nil
	p.mu.Unlock()

	p.reconnect()
}

func (p *Publisher) reconnect() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.ReconnectDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxReconnectBackoff
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		if p.isClosed() {
			return backoff.Permanent(errPublisherClosed)
		}
		attempt++

		p.mu.Lock()
		err := p.connectLocked()
		p.mu.Unlock()
		if err != nil {
			p.lg.Warn().Err(err).Int("attempt", attempt).Msg("broker reconnect failed")
			return err
		}
		return nil
	}

	var policy backoff.BackOff = bo
	if p.opts.MaxReconnects > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(p.opts.MaxReconnects))
	}
	policy = backoff.WithContext(policy, p.rootCtx)
	if err := backoff.Retry(op, policy); err != nil {
		if !errors.Is(err, errPublisherClosed) && !errors.Is(err, context.Canceled) {
			p.lg.Error().Err(err).Int("attempts", attempt).Msg("broker reconnect gave up")
		}
		return
	}
	p.lg.Info().Int("attempts", attempt).Msg("broker reconnected")
}

// Publish sends one message and, when confirms are enabled, waits for the
// broker verdict. The returned error carries the failure category: returned
// messages are unroutable, nacks and timeouts mean the broker is unhealthy,
// channel exceptions surface as protocol errors.
func (p *Publisher) Publish(ctx context.Context, m Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.ErrBrokerUnavailable("closed", "publisher is closed", errPublisherClosed)
	}
	if !p.connectedLocked() {
		metrics.RecordPublishError(string(domain.KindBrokerUnavailable), "not_connected")
		return domain.ErrBrokerUnavailable("not_connected", "no broker connection", nil)
	}

	p.drainLocked()

	start := time.Now()
	err := p.ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, p.opts.Mandatory, false, buildPublishing(m))
	if err != nil {
		rerr := classifyPublishErr(err)
		metrics.RecordPublishError(string(domain.KindOf(rerr)), domain.CodeOf(rerr))
		return rerr
	}

	if p.opts.Confirms {
		if err := p.awaitVerdictLocked(ctx, m); err != nil {
			metrics.RecordPublishError(string(domain.KindOf(err)), domain.CodeOf(err))
			return err
		}
	}

	metrics.ObservePublish(m.Exchange, m.RoutingKey, time.Since(start))
	return nil
}

// awaitVerdictLocked resolves a single in-flight publish. A Return always
// precedes its confirmation, so the ack that follows a returned message is
// swallowed here rather than leaking to the next publish.
func (p *Publisher) awaitVerdictLocked(ctx context.Context, m Message) error {
	timer := time.NewTimer(p.opts.ConfirmTimeout)
	defer timer.Stop()

	select {
	case ret, ok := <-p.returnCh:
		if !ok {
			return domain.ErrBrokerUnavailable("channel_closed", "confirm channel closed", amqp.ErrClosed)
		}
		select {
		case <-p.confirmCh:
		case <-time.After(50 * time.Millisecond):
		}
		p.lg.Warn().
			Uint16("reply_code", ret.ReplyCode).
			Str("reply_text", ret.ReplyText).
			Str("exchange", ret.Exchange).
			Str("routing_key", ret.RoutingKey).
			Str("event_id", m.EventID).
			Msg("message returned by broker")
		return domain.ErrUnroutable("no_route",
			fmt.Sprintf("returned: reply=%d text=%q exchange=%q routing_key=%q",
				ret.ReplyCode, ret.ReplyText, ret.Exchange, ret.RoutingKey))

	case c, ok := <-p.confirmCh:
		if !ok {
			return domain.ErrBrokerUnavailable("channel_closed", "confirm channel closed", amqp.ErrClosed)
		}
		if !c.Ack {
			return domain.ErrBrokerUnavailable("basic_nack",
				fmt.Sprintf("nacked by broker (exchange=%q routing_key=%q)", m.Exchange, m.RoutingKey), nil)
		}
		return nil

	case <-timer.C:
		return domain.ErrBrokerUnavailable("confirm_timeout",
			fmt.Sprintf("no confirm within %s", p.opts.ConfirmTimeout), nil)

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ErrBrokerUnavailable("publish_timeout", "publish deadline exceeded", ctx.Err())
		}
		return ctx.Err()
	}
}

// drainLocked discards confirms and returns left over from a publish that
// timed out before its verdict arrived.
func (p *Publisher) drainLocked() {
	for {
		select {
		case <-p.confirmCh:
		case <-p.returnCh:
		default:
			return
		}
	}
}

// Ping reports broker health, redialing once if the connection is down.
func (p *Publisher) Ping(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.ErrBrokerUnavailable("closed", "publisher is closed", errPublisherClosed)
	}
	if p.connectedLocked() {
		return nil
	}
	if err := p.connectLocked(); err != nil {
		return classifyPublishErr(err)
	}
	return nil
}

func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectedLocked()
}

func (p *Publisher) connectedLocked() bool {
	return p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed()
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.cancel()

	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.confirmCh = nil
	p.returnCh = nil
	metrics.SetBrokerConnected(false)
	return nil
}

func buildPublishing(m Message) amqp.Publishing {
	contentType := m.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	mode := amqp.Transient
	if m.Persistent {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		ContentType:   contentType,
		Body:          m.Body,
		DeliveryMode:  mode,
		MessageId:     m.EventID,
		CorrelationId: m.CorrelationID,
		Timestamp:     ts,
		Headers:       toTable(m.Headers),
	}
}

func toTable(h map[string]any) amqp.Table {
	if len(h) == 0 {
		return nil
	}
	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}
	return t
}

// softExceptionCodes are channel-level AMQP replies. The topology or the
// message is wrong and retrying the same publish cannot succeed.
var softExceptionCodes = map[int]bool{
	311: true, // content-too-large
	312: true, // no-route
	313: true, // no-consumers
	403: true, // access-refused
	404: true, // not-found
	405: true, // resource-locked
	406: true, // precondition-failed
}

func classifyPublishErr(err error) error {
	if err == nil {
		return nil
	}

	var rerr *domain.RelayError
	if errors.As(err, &rerr) {
		return err
	}

	// ErrClosed is an *amqp.Error itself, so it has to be matched first.
	if errors.Is(err, amqp.ErrClosed) {
		return domain.ErrBrokerUnavailable("channel_closed", "connection or channel closed", err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		code := fmt.Sprintf("amqp_%d", amqpErr.Code)
		if softExceptionCodes[amqpErr.Code] {
			return domain.ErrProtocol(code, amqpErr.Reason, err)
		}
		return domain.ErrBrokerUnavailable(code, amqpErr.Reason, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrBrokerUnavailable("network", "broker unreachable", err)
	}

	return domain.ErrBrokerUnavailable("connection", err.Error(), err)
}

package resilience

import (
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/domain"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

type Settings struct {
	Name             string
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration

	// OnStateChange is invoked outside the breaker lock after every
	// transition, including operator resets.
	OnStateChange func(name string, from, to State)
}

// Breaker gates the publish path with three states. Closed counts failures
// and lets successes pay them back down; open fast-fails until the timeout
// elapses; half-open closes after SuccessThreshold consecutive successes
// and reopens on any failure.
type Breaker struct {
	settings Settings

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time

	now func() time.Time
}

func NewBreaker(settings Settings) *Breaker {
	return &Breaker{
		settings: settings,
		state:    StateClosed,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. While open it fails fast with a
// circuit_open error; once the open timeout has elapsed the next call is
// admitted in half-open.
func (b *Breaker) Allow() error {
	if !b.settings.Enabled {
		return nil
	}
	b.mu.Lock()
	from := b.state
	b.maybeHalfOpenLocked()
	state := b.state
	b.mu.Unlock()
	if from != state {
		b.notify(from, state)
	}

	if state == StateOpen {
		return domain.ErrCircuitOpen(b.settings.Name)
	}
	return nil
}

// Do runs fn under the breaker: refused while open, executed with the
// outcome recorded otherwise. Callers that must distinguish retriable
// failures use Allow and Record* directly.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// RecordSuccess pays back one failure in closed state and counts toward
// closing in half-open.
func (b *Breaker) RecordSuccess() {
	if !b.settings.Enabled {
		return
	}
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// RecordFailure counts one failure; the threshold-th failure in closed
// state opens the breaker, any failure in half-open reopens it.
func (b *Breaker) RecordFailure() {
	if !b.settings.Enabled {
		return
	}
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.successCount = 0
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// State reports the current state, applying the open timeout first so the
// reported value never lags a due half-open transition.
func (b *Breaker) State() State {
	if !b.settings.Enabled {
		return StateClosed
	}
	b.mu.Lock()
	from := b.state
	b.maybeHalfOpenLocked()
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
	return to
}

// Counts returns the live failure and success counters.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount, b.successCount
}

// Reset forces the breaker closed and clears both counters. Operator
// surface; the transition is reported like any other.
func (b *Breaker) Reset() {
	if !b.settings.Enabled {
		return
	}
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

func (b *Breaker) Name() string { return b.settings.Name }

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.settings.Timeout)) {
		b.state = StateHalfOpen
		b.successCount = 0
	}
}

func (b *Breaker) notify(from, to State) {
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}

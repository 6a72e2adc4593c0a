package rpc

import (
	"sync"
	"time"
)

// State enumerates circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state for JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerStatus is a point in time view of a breaker.
type BreakerStatus struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	RetryAt             time.Time `json:"retry_at,omitempty"`
}

// Breaker tracks consecutive failures for one endpoint. It opens after threshold
// consecutive failures, short circuits until cooldown elapses, then admits a single
// probe in the half-open state. A successful probe closes it; a failed one reopens it.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(State)

	state    State
	failures int
	openedAt time.Time
	// probeAt is set while a half-open probe is outstanding. A probe that never
	// reports back is abandoned after one cooldown.
	probeAt time.Time
}

// NewBreaker constructs a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: now}
}

// Allow reports whether a request may be sent. An open breaker whose cooldown has
// elapsed moves to half-open and admits the request as its probe. Further callers
// are refused until the probe reports.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		b.probeAt = now
		return true
	case StateHalfOpen:
		if !b.probeAt.IsZero() && now.Sub(b.probeAt) < b.cooldown {
			return false
		}
		b.probeAt = now
		return true
	default:
		return true
	}
}

// Release returns an admitted request that ended without an answer from the
// endpoint, such as a cancelled context. A half-open breaker admits a new probe.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeAt = time.Time{}
	}
}

// Success records a successful exchange and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedAt = time.Time{}
	b.probeAt = time.Time{}
	b.transition(StateClosed)
}

// Failure records a failed exchange. Failures reported while the breaker is already
// open leave the cooldown where it is.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case StateOpen:
		return
	case StateHalfOpen:
	default:
		if b.failures < b.threshold {
			return
		}
	}
	b.openedAt = b.now()
	b.probeAt = time.Time{}
	b.transition(StateOpen)
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.Success()
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := BreakerStatus{State: b.state, ConsecutiveFailures: b.failures}
	if b.state != StateClosed {
		status.OpenedAt = b.openedAt
		status.RetryAt = b.openedAt.Add(b.cooldown)
	}
	return status
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.state = next
	if b.onChange != nil {
		b.onChange(next)
	}
}

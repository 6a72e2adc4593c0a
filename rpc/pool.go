package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"quizfund/observability"
)

const tracerName = "quizfund/rpc"

// Endpoint describes one physical RPC server.
type Endpoint struct {
	Name string
	URL  string
	// RateLimit is requests per second; zero disables client side limiting.
	RateLimit float64
	Burst     int
}

// Policy configures retries and breakers for every endpoint of a pool.
type Policy struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	CallTimeout      time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultPolicy mirrors the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		BaseDelay:        4 * time.Second,
		MaxDelay:         10 * time.Second,
		CallTimeout:      10 * time.Second,
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	}
}

// AttemptFunc performs a single exchange against endpoint. Return an error wrapped
// with Transient (or a network error) to have it retried.
type AttemptFunc func(ctx context.Context, endpoint Endpoint) error

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Pool.
type Option func(*Pool)

// WithLogger overrides the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSleep replaces the backoff sleeper. Tests use it to avoid real delays.
func WithSleep(sleep SleepFunc) Option {
	return func(p *Pool) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithClock overrides the breaker clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithJitter overrides the jitter applied on top of the exponential delay.
func WithJitter(jitter func(time.Duration) time.Duration) Option {
	return func(p *Pool) {
		p.jitter = jitter
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(metrics *observability.RPCMetrics) Option {
	return func(p *Pool) {
		p.metrics = metrics
	}
}

type member struct {
	endpoint Endpoint
	breaker  *Breaker
	limiter  *rate.Limiter
}

// Pool sends calls for one logical network across its endpoints in priority order.
type Pool struct {
	network string
	policy  Policy
	members []*member

	logger  *slog.Logger
	sleep   SleepFunc
	now     func() time.Time
	jitter  func(time.Duration) time.Duration
	metrics *observability.RPCMetrics
	tracer  trace.Tracer
}

// NewPool constructs a pool. Endpoint order is fallback priority.
func NewPool(network string, endpoints []Endpoint, policy Policy, opts ...Option) (*Pool, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	if network == "" {
		return nil, fmt.Errorf("rpc: network required")
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("rpc: network %s has no endpoints", network)
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	p := &Pool{
		network: network,
		policy:  policy,
		logger:  slog.Default(),
		sleep:   sleepContext,
		now:     time.Now,
		jitter:  defaultJitter,
		metrics: observability.RPC(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = p.logger.With(slog.String("component", "rpc"), slog.String("network", network))
	seen := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		if _, dup := seen[endpoint.Name]; dup {
			return nil, fmt.Errorf("rpc: duplicate endpoint %q", endpoint.Name)
		}
		seen[endpoint.Name] = struct{}{}
		m := &member{
			endpoint: endpoint,
			breaker:  NewBreaker(policy.FailureThreshold, policy.Cooldown, p.now),
		}
		name := endpoint.Name
		m.breaker.onChange = func(state State) {
			p.metrics.SetBreakerState(network, name, int(state))
			p.logger.Warn("breaker state changed", slog.String("endpoint", name), slog.String("state", state.String()))
		}
		if endpoint.RateLimit > 0 {
			burst := endpoint.Burst
			if burst <= 0 {
				burst = 1
			}
			m.limiter = rate.NewLimiter(rate.Limit(endpoint.RateLimit), burst)
		}
		p.members = append(p.members, m)
	}
	return p, nil
}

// Network returns the logical network name.
func (p *Pool) Network() string {
	return p.network
}

// Call runs fn against the endpoints in priority order. Each endpoint gets the full
// retry budget unless its breaker opens; definitive errors are returned as is.
func (p *Pool) Call(ctx context.Context, operation string, fn AttemptFunc) error {
	ctx, span := p.tracer.Start(ctx, "rpc."+operation, trace.WithAttributes(
		attribute.String("rpc.network", p.network),
		attribute.String("rpc.operation", operation),
	))
	defer span.End()

	skipped := 0
	var lastErr error
	for _, m := range p.members {
		if !m.breaker.Allow() {
			skipped++
			p.metrics.RecordShortCircuit(p.network, m.endpoint.Name)
			continue
		}
		err := p.callEndpoint(ctx, operation, m, fn)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, ctxErr.Error())
			return ctxErr
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		p.logger.Warn("endpoint exhausted, falling back",
			slog.String("endpoint", m.endpoint.Name),
			slog.String("operation", operation),
			slog.Any("error", err))
	}

	kind := KindUnavailable
	if skipped == len(p.members) {
		kind = KindCircuitOpen
	}
	err := &Error{Kind: kind, Network: p.network, Operation: operation, Err: lastErr}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	return err
}

func (p *Pool) callEndpoint(ctx context.Context, operation string, m *member, fn AttemptFunc) error {
	var lastErr error
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, p.backoff(attempt-1)); err != nil {
				return err
			}
			if !m.breaker.Allow() {
				return lastErr
			}
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				m.breaker.Release()
				return err
			}
		}
		err := p.attempt(ctx, operation, attempt, m, fn)
		if err == nil {
			m.breaker.Success()
			return nil
		}
		if ctx.Err() != nil {
			m.breaker.Release()
			return ctx.Err()
		}
		if !IsTransient(err) {
			// A definitive answer proves the endpoint is healthy.
			m.breaker.Success()
			return err
		}
		m.breaker.Failure()
		lastErr = err
	}
	return lastErr
}

func (p *Pool) attempt(ctx context.Context, operation string, attempt int, m *member, fn AttemptFunc) error {
	attemptCtx := ctx
	cancel := func() {}
	if p.policy.CallTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, p.policy.CallTimeout)
	}
	defer cancel()
	attemptCtx, span := p.tracer.Start(attemptCtx, "rpc.attempt", trace.WithAttributes(
		attribute.String("rpc.endpoint", m.endpoint.Name),
		attribute.Int("rpc.attempt", attempt),
	))
	defer span.End()

	started := p.now()
	err := fn(attemptCtx, m.endpoint)
	outcome := "ok"
	switch {
	case err == nil:
	case IsTransient(err) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		outcome = "transient"
		if !IsTransient(err) {
			err = Transient(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	default:
		outcome = "definitive"
	}
	p.metrics.ObserveAttempt(p.network, m.endpoint.Name, outcome, p.now().Sub(started))
	return err
}

// backoff returns the delay before retry n (1-based): base*2^(n-1) capped at MaxDelay.
func (p *Pool) backoff(n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	d := p.policy.BaseDelay
	for i := 1; i < n && d < p.policy.MaxDelay; i++ {
		d *= 2
	}
	if p.policy.MaxDelay > 0 && d > p.policy.MaxDelay {
		d = p.policy.MaxDelay
	}
	if p.jitter != nil {
		d = p.jitter(d)
	}
	if p.policy.MaxDelay > 0 && d > p.policy.MaxDelay {
		d = p.policy.MaxDelay
	}
	return d
}

// Status reports breaker state keyed by endpoint name.
func (p *Pool) Status() map[string]BreakerStatus {
	out := make(map[string]BreakerStatus, len(p.members))
	for _, m := range p.members {
		out[m.endpoint.Name] = m.breaker.Status()
	}
	return out
}

// Reset closes the named endpoint breaker. It reports false for unknown names.
func (p *Pool) Reset(endpoint string) bool {
	for _, m := range p.members {
		if m.endpoint.Name == endpoint {
			m.breaker.Reset()
			return true
		}
	}
	return false
}

// ResetAll closes every breaker in the pool.
func (p *Pool) ResetAll() {
	for _, m := range p.members {
		m.breaker.Reset()
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

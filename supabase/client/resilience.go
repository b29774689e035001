package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/wallet_layer/internal/logging"
	"github.com/R3E-Network/wallet_layer/internal/metrics"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter float64
	// RetryableStatusCodes are HTTP status codes that should be retried
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,     // 429
			http.StatusInternalServerError, // 500
			http.StatusBadGateway,          // 502
			http.StatusServiceUnavailable,  // 503
			http.StatusGatewayTimeout,      // 504
		},
	}
}

// Backoff returns the wait before retry attempt n (n >= 1).
func (rc RetryConfig) Backoff(attempt int) time.Duration {
	mult := rc.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	backoff := float64(rc.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if rc.MaxBackoff > 0 && backoff > float64(rc.MaxBackoff) {
		backoff = float64(rc.MaxBackoff)
	}
	if rc.Jitter > 0 {
		backoff += backoff * rc.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}

func (rc RetryConfig) retryableStatus(code int) bool {
	for _, c := range rc.RetryableStatusCodes {
		if code == c {
			return true
		}
	}
	return false
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes needed to close
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// OnStateChange is called synchronously, outside the breaker lock.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu sync.Mutex

	config CircuitBreakerConfig
	state  CircuitState
	now    func() time.Time

	failures  int
	successes int
	lastError error
	openedAt  time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// Allow checks if a request should be allowed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var from CircuitState
	changed := false
	err := error(nil)
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) > cb.config.Timeout {
			from, changed = cb.transitionTo(CircuitHalfOpen)
		} else {
			err = ErrCircuitOpen
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, CircuitHalfOpen)
	}
	return err
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var from CircuitState
	changed := false
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			from, changed = cb.transitionTo(CircuitClosed)
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, CircuitClosed)
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	cb.lastError = err
	var from CircuitState
	changed := false
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			from, changed = cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		from, changed = cb.transitionTo(CircuitOpen)
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, CircuitOpen)
	}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(next CircuitState) (CircuitState, bool) {
	prev := cb.state
	if prev == next {
		return prev, false
	}
	cb.state = next
	cb.successes = 0
	switch next {
	case CircuitClosed:
		cb.failures = 0
	case CircuitOpen:
		cb.openedAt = cb.now()
	}
	return prev, true
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastError returns the last recorded error.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastError
}

// ResilientTransport is an http.RoundTripper adding retries and a circuit
// breaker in front of another transport.
type ResilientTransport struct {
	base    http.RoundTripper
	retry   RetryConfig
	breaker *CircuitBreaker
	log     *logging.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// ResilientConfig configures a ResilientTransport.
type ResilientConfig struct {
	// Base is the underlying transport; a pooled http.Transport when nil.
	Base                 http.RoundTripper
	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
	Logger               *logging.Logger
	Metrics              *metrics.Metrics
}

// NewResilientTransport creates a resilient transport.
func NewResilientTransport(cfg ResilientConfig) *ResilientTransport {
	if cfg.Base == nil {
		cfg.Base = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	rt := &ResilientTransport{
		base:    cfg.Base,
		retry:   cfg.RetryConfig,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		sleep:   sleepContext,
	}

	userHook := cfg.CircuitBreakerConfig.OnStateChange
	cfg.CircuitBreakerConfig.OnStateChange = func(from, to CircuitState) {
		rt.metrics.SetCircuitOpen(to == CircuitOpen)
		rt.log.WithFields(logrus.Fields{
			"from": from.String(),
			"to":   to.String(),
		}).Warn("supabase circuit breaker state changed")
		if userHook != nil {
			userHook(from, to)
		}
	}
	rt.breaker = NewCircuitBreaker(cfg.CircuitBreakerConfig)
	return rt
}

// CircuitState returns the current circuit breaker state.
func (rt *ResilientTransport) CircuitState() CircuitState {
	return rt.breaker.State()
}

// RoundTrip executes req with retry and circuit breaker. Requests with a
// body are retried only when the body can be replayed.
func (rt *ResilientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := rt.breaker.Allow(); err != nil {
		return nil, err
	}

	ctx := req.Context()
	var lastErr error
	for attempt := 0; attempt <= rt.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if req.Body != nil && req.GetBody == nil {
				break
			}
			rt.metrics.RecordRetry(req.Method + " " + req.URL.Path)
			rt.log.WithContext(ctx).WithFields(logrus.Fields{
				"attempt": attempt,
				"url":     req.URL.Path,
			}).WithError(lastErr).Debug("retrying supabase request")

			if err := rt.sleep(ctx, rt.retry.Backoff(attempt)); err != nil {
				return nil, err
			}
			var err error
			if req, err = rewind(req); err != nil {
				return nil, err
			}
		}

		resp, err := rt.base.RoundTrip(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			if retryableError(err) {
				continue
			}
			rt.breaker.RecordFailure(err)
			return nil, err
		}

		if rt.retry.retryableStatus(resp.StatusCode) {
			lastErr = &HTTPError{StatusCode: resp.StatusCode}
			resp.Body.Close()
			continue
		}

		rt.breaker.RecordSuccess()
		return resp, nil
	}

	rt.breaker.RecordFailure(lastErr)
	return nil, lastErr
}

func rewind(req *http.Request) (*http.Request, error) {
	next := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		next.Body = body
	}
	return next, nil
}

func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnhancedConfig extends Config with resilience options.
type EnhancedConfig struct {
	Config
	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
	Timeout              time.Duration
	Logger               *logging.Logger
	Metrics              *metrics.Metrics
}

// NewEnhanced creates a Supabase client whose requests go through a
// ResilientTransport.
func NewEnhanced(cfg EnhancedConfig) (*Client, *ResilientTransport, error) {
	var base http.RoundTripper
	if cfg.HTTPClient != nil {
		base = cfg.HTTPClient.Transport
	}
	rt := NewResilientTransport(ResilientConfig{
		Base:                 base,
		RetryConfig:          cfg.RetryConfig,
		CircuitBreakerConfig: cfg.CircuitBreakerConfig,
		Logger:               cfg.Logger,
		Metrics:              cfg.Metrics,
	})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg.Config.HTTPClient = &http.Client{Transport: rt, Timeout: timeout}

	c, err := New(cfg.Config)
	if err != nil {
		return nil, nil, err
	}
	return c, rt, nil
}

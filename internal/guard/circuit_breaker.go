// Package guard protects upstream APIs with a circuit breaker and a
// fixed-window rate limiter, both backed by the shared store so the limit
// holds across the whole fleet.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"marketfeed/internal/metrics"
	"marketfeed/internal/store"
)

// ErrUpstreamUnavailable is returned by Allow while the breaker refuses
// calls. Callers treat it as a retryable condition, not a hard failure.
var ErrUpstreamUnavailable = errors.New("guard: upstream unavailable, circuit open")

// Breaker states as reported by State.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// CircuitBreaker counts consecutive failures in the shared store and trips
// open at a threshold. After the open timeout it admits a single probe;
// the probe's outcome closes or re-opens the circuit.
type CircuitBreaker struct {
	name        string
	kv          store.KV
	threshold   int64
	openTimeout time.Duration
	logger      *logrus.Logger
}

func NewCircuitBreaker(name string, kv store.KV, threshold int, openTimeout time.Duration, logger *logrus.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		kv:          kv,
		threshold:   int64(threshold),
		openTimeout: openTimeout,
		logger:      logger,
	}
}

func (cb *CircuitBreaker) failuresKey() string { return "cb:" + cb.name + ":failures" }
func (cb *CircuitBreaker) openedAtKey() string { return "cb:" + cb.name + ":opened_at" }
func (cb *CircuitBreaker) probeKey() string    { return "cb:" + cb.name + ":probe" }

// Allow reports whether a call may proceed. While open it returns
// ErrUpstreamUnavailable, except that once the open timeout has elapsed a
// single caller fleet-wide wins the probe slot and is admitted.
func (cb *CircuitBreaker) Allow(ctx context.Context) error {
	openedAt, err := cb.kv.Get(ctx, cb.openedAtKey())
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("circuit %s: %w", cb.name, err)
	}

	openedUnix, err := strconv.ParseInt(openedAt, 10, 64)
	if err != nil {
		return fmt.Errorf("circuit %s: bad opened_at %q: %w", cb.name, openedAt, err)
	}
	if time.Since(time.Unix(0, openedUnix)) < cb.openTimeout {
		return ErrUpstreamUnavailable
	}

	// Timeout elapsed: exactly one caller gets the probe.
	won, err := cb.kv.SetNX(ctx, cb.probeKey(), "1", cb.openTimeout)
	if err != nil {
		return fmt.Errorf("circuit %s: %w", cb.name, err)
	}
	if !won {
		return ErrUpstreamUnavailable
	}

	cb.logger.WithField("breaker", cb.name).Info("🔎 Circuit half-open, admitting probe")
	return nil
}

// ReportSuccess closes the circuit and clears all failure state.
func (cb *CircuitBreaker) ReportSuccess(ctx context.Context) error {
	if err := cb.kv.Delete(ctx, cb.failuresKey(), cb.openedAtKey(), cb.probeKey()); err != nil {
		return fmt.Errorf("circuit %s: %w", cb.name, err)
	}
	return nil
}

// ReportFailure counts a failure. Crossing the threshold, or failing while
// a probe is outstanding, (re-)opens the circuit.
func (cb *CircuitBreaker) ReportFailure(ctx context.Context) error {
	probing, err := cb.kv.Exists(ctx, cb.probeKey())
	if err != nil {
		return fmt.Errorf("circuit %s: %w", cb.name, err)
	}
	if probing {
		return cb.trip(ctx, "probe failed")
	}

	n, err := cb.kv.IncrWindow(ctx, cb.failuresKey(), 0)
	if err != nil {
		return fmt.Errorf("circuit %s: %w", cb.name, err)
	}
	if n >= cb.threshold {
		return cb.trip(ctx, "failure threshold reached")
	}
	return nil
}

func (cb *CircuitBreaker) trip(ctx context.Context, cause string) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := cb.kv.Set(ctx, cb.openedAtKey(), now, 0); err != nil {
		return fmt.Errorf("circuit %s: %w", cb.name, err)
	}
	if err := cb.kv.Delete(ctx, cb.failuresKey(), cb.probeKey()); err != nil {
		return fmt.Errorf("circuit %s: %w", cb.name, err)
	}

	metrics.CircuitOpenEvents.WithLabelValues(cb.name).Inc()
	cb.logger.WithFields(logrus.Fields{
		"breaker": cb.name,
		"cause":   cause,
		"timeout": cb.openTimeout.String(),
	}).Warn("⛔ Circuit opened")
	return nil
}

// State returns the breaker's current state for monitoring.
func (cb *CircuitBreaker) State(ctx context.Context) (string, error) {
	openedAt, err := cb.kv.Get(ctx, cb.openedAtKey())
	if err == store.ErrNotFound {
		return StateClosed, nil
	}
	if err != nil {
		return "", err
	}

	openedUnix, err := strconv.ParseInt(openedAt, 10, 64)
	if err != nil {
		return "", fmt.Errorf("circuit %s: bad opened_at %q: %w", cb.name, openedAt, err)
	}
	if time.Since(time.Unix(0, openedUnix)) < cb.openTimeout {
		return StateOpen, nil
	}
	return StateHalfOpen, nil
}

// Available reports whether a call would currently be admitted, without
// consuming the probe slot.
func (cb *CircuitBreaker) Available(ctx context.Context) bool {
	state, err := cb.State(ctx)
	if err != nil {
		return false
	}
	return state != StateOpen
}

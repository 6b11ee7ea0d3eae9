// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package retry

import (
	"fmt"
	"sync"
	"time"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitStateClosed indicates the circuit is closed (normal operation).
	CircuitStateClosed CircuitState = iota

	// CircuitStateOpen indicates the circuit is open (failing fast).
	CircuitStateOpen

	// CircuitStateHalfOpen indicates the circuit is half-open (probing recovery).
	CircuitStateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitStateClosed:
		return "closed"
	case CircuitStateOpen:
		return "open"
	case CircuitStateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig defines the configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int `mapstructure:"max_failures"`

	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`

	// HalfOpenMaxRequests caps concurrent probes in half-open state.
	HalfOpenMaxRequests int `mapstructure:"half_open_max_requests"`

	// SuccessThreshold is the number of probe successes that closes the circuit.
	SuccessThreshold int `mapstructure:"success_threshold"`

	// OnStateChange is called when the circuit state changes (optional).
	OnStateChange func(name string, from, to CircuitState) `mapstructure:"-"`
}

// DefaultCircuitBreakerConfig returns a default circuit breaker configuration.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:         5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	}
}

// CircuitBreaker guards calls to one remote domain.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	lastStateChange      time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	cfg := *config
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	if cfg.HalfOpenMaxRequests < 1 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:            name,
		config:          cfg,
		now:             time.Now,
		state:           CircuitStateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow returns nil when a call may proceed. An open circuit yields a
// recoverable SERVICE_UNAVAILABLE DomainError so the caller's retry policy
// backs off instead of giving up.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitStateOpen && cb.now().Sub(cb.lastStateChange) >= cb.config.ResetTimeout {
		cb.transitionTo(CircuitStateHalfOpen)
	}

	switch cb.state {
	case CircuitStateOpen:
		return saga.NewDomainError(saga.ErrCodeServiceUnavailable,
			fmt.Sprintf("circuit for %s is open", cb.name), true)
	case CircuitStateHalfOpen:
		if cb.halfOpenRequests >= cb.config.HalfOpenMaxRequests {
			return saga.NewDomainError(saga.ErrCodeServiceUnavailable,
				fmt.Sprintf("circuit for %s is probing", cb.name), true)
		}
		cb.halfOpenRequests++
	}
	return nil
}

// Record reports the outcome of an allowed call.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitStateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}

	if err == nil {
		switch cb.state {
		case CircuitStateClosed:
			cb.consecutiveFailures = 0
		case CircuitStateHalfOpen:
			cb.consecutiveSuccesses++
			if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
				cb.transitionTo(CircuitStateClosed)
			}
		}
		return
	}

	switch cb.state {
	case CircuitStateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionTo(CircuitStateOpen)
		}
	case CircuitStateHalfOpen:
		// Any failure in half-open state reopens the circuit
		cb.transitionTo(CircuitStateOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(CircuitStateClosed)
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0

	if cb.config.OnStateChange != nil {
		// Call callback without holding lock to prevent deadlocks
		go cb.config.OnStateChange(cb.name, oldState, newState)
	}
}

// CircuitBreakerSet lazily creates one breaker per key.
type CircuitBreakerSet struct {
	config *CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerSet creates an empty set sharing config.
func NewCircuitBreakerSet(config *CircuitBreakerConfig) *CircuitBreakerSet {
	return &CircuitBreakerSet{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for key, creating it if needed.
func (s *CircuitBreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(key, s.config)
		s.breakers[key] = cb
	}
	return cb
}

// States returns a snapshot of every breaker's state.
func (s *CircuitBreakerSet) States() map[string]CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CircuitState, len(s.breakers))
	for k, cb := range s.breakers {
		out[k] = cb.State()
	}
	return out
}

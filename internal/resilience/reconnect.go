package resilience

import (
	"sync"
	"time"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxRetries int           // Attempts allowed before giving up
	Backoff    time.Duration // Base delay; attempt n waits Backoff * Multiplier^n
	Multiplier float64       // Backoff multiplier for exponential backoff
	MaxBackoff time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns delays of 2s, 4s, 5s for retries 1..3.
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxRetries: 3,
		Backoff:    1 * time.Second,
		Multiplier: 2.0,
		MaxBackoff: 5 * time.Second,
	}
}

// Timer is the handle returned by a Scheduler
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d without blocking the caller
type Scheduler func(d time.Duration, fn func()) Timer

// AfterFunc is the wall-clock Scheduler
func AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// ReconnectPolicy counts reconnect attempts and schedules them as deferred
// tasks. Once pinned by an explicit close, nothing further is scheduled.
type ReconnectPolicy struct {
	config   ReconnectConfig
	schedule Scheduler

	mu      sync.Mutex
	retries int
	pinned  bool
	pending Timer
}

// NewReconnectPolicy creates a policy. A nil scheduler uses AfterFunc.
func NewReconnectPolicy(config *ReconnectConfig, schedule Scheduler) *ReconnectPolicy {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	if schedule == nil {
		schedule = AfterFunc
	}
	return &ReconnectPolicy{config: *config, schedule: schedule}
}

// Delay returns the wait before the given (1-based) retry
func (p *ReconnectPolicy) Delay(retry int) time.Duration {
	return CalculateBackoff(retry, p.config.Backoff, p.config.MaxBackoff, p.config.Multiplier)
}

// Allow reports whether a connection attempt may proceed
func (p *ReconnectPolicy) Allow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.pinned && p.retries <= p.config.MaxRetries
}

// Exhausted reports whether the retry bound, not an explicit close, stops further attempts
func (p *ReconnectPolicy) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.pinned && p.retries > p.config.MaxRetries
}

// Retries returns the current retry count
func (p *ReconnectPolicy) Retries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries
}

// Schedule increments the retry count and defers fn by the matching delay.
// It returns false without scheduling if the policy is pinned, a retry is
// already pending, or the increment moved the count past MaxRetries (check
// Exhausted to tell the last case apart).
func (p *ReconnectPolicy) Schedule(fn func()) (time.Duration, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pinned || p.pending != nil {
		return 0, p.retries, false
	}

	p.retries++
	retry := p.retries
	if retry > p.config.MaxRetries {
		return 0, retry, false
	}
	delay := p.Delay(retry)
	p.pending = p.schedule(delay, func() {
		p.mu.Lock()
		p.pending = nil
		pinned := p.pinned
		p.mu.Unlock()
		if !pinned {
			fn()
		}
	})
	return delay, retry, true
}

// Reset clears the retry count after a healthy handshake. A pinned policy stays pinned.
func (p *ReconnectPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pinned {
		return
	}
	p.retries = 0
}

// Pin marks an intentional shutdown: the count is pinned to the maximum and
// any pending retry is cancelled.
func (p *ReconnectPolicy) Pin() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pinned = true
	p.retries = p.config.MaxRetries
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
}

// Pinned reports whether Pin was called
func (p *ReconnectPolicy) Pinned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned
}

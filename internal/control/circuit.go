package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Transition describes a state change caused by a breaker call.
type Transition struct {
	From CircuitState
	To   CircuitState
}

// Changed reports whether the call moved the breaker to a new state.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// CircuitBreaker is a minimal per-error-class breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

// Allow returns whether new work is allowed at this instant. An open breaker
// whose cooldown has elapsed moves to half-open and lets one probe through.
func (c *CircuitBreaker) Allow(now time.Time) (bool, Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr := Transition{From: c.state, To: c.state}
	if c.state != CircuitOpen {
		return true, tr
	}
	if now.Sub(c.openedAt) >= c.Cooldown {
		c.state = CircuitHalfOpen
		tr.To = c.state
		return true, tr
	}
	return false, tr
}

// RecordSuccess closes the breaker and forgets past failures.
func (c *CircuitBreaker) RecordSuccess() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr := Transition{From: c.state, To: CircuitClosed}
	c.state = CircuitClosed
	c.openedClass = ""
	c.failures = map[string]int{}
	return tr
}

// RecordFailure counts an error in the given class. Reaching the threshold
// opens the breaker; any failure while half-open re-opens it.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = "unknown"
	}
	tr := Transition{From: c.state, To: c.state}
	if c.state == CircuitHalfOpen {
		c.open(errClass, now)
		tr.To = c.state
		return tr
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.open(errClass, now)
	}
	tr.To = c.state
	return tr
}

func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
}

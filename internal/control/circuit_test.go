package control

import (
	"sync"
	"testing"
	"time"
)

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	c := NewCircuitBreaker(2, 100*time.Millisecond)
	now := time.Now()

	if c.State() != CircuitClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}

	if tr := c.RecordFailure("platform_api", now); tr.Changed() {
		t.Fatalf("expected no transition after first failure, got %+v", tr)
	}

	tr := c.RecordFailure("platform_api", now)
	if !tr.Changed() || tr.To != CircuitOpen {
		t.Fatalf("expected open after threshold failures, got %+v", tr)
	}
	if c.OpenedClass() != "platform_api" {
		t.Fatalf("unexpected opened class %q", c.OpenedClass())
	}

	if ok, _ := c.Allow(now.Add(10 * time.Millisecond)); ok {
		t.Fatal("expected deny while cooldown not elapsed")
	}
	ok, tr := c.Allow(now.Add(120 * time.Millisecond))
	if !ok {
		t.Fatal("expected allow after cooldown")
	}
	if tr.To != CircuitHalfOpen {
		t.Fatalf("expected half_open, got %s", tr.To)
	}

	if tr := c.RecordSuccess(); tr.From != CircuitHalfOpen || tr.To != CircuitClosed {
		t.Fatalf("expected half_open -> closed, got %+v", tr)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	c := NewCircuitBreaker(1, time.Millisecond)
	now := time.Now()
	c.RecordFailure("x", now)
	if ok, _ := c.Allow(now.Add(5 * time.Millisecond)); !ok {
		t.Fatal("expected probe allowed")
	}
	tr := c.RecordFailure("y", now.Add(5*time.Millisecond))
	if tr.From != CircuitHalfOpen || tr.To != CircuitOpen {
		t.Fatalf("expected half_open -> open, got %+v", tr)
	}
	if c.OpenedClass() != "y" {
		t.Fatalf("expected opened class y, got %q", c.OpenedClass())
	}
}

func TestCircuitBreaker_ClassesCountedSeparately(t *testing.T) {
	c := NewCircuitBreaker(2, time.Second)
	now := time.Now()
	c.RecordFailure("a", now)
	c.RecordFailure("b", now)
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed with one failure per class, got %s", c.State())
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	c := NewCircuitBreaker(0, 0)
	if c.Threshold != 5 || c.Cooldown != 30*time.Second {
		t.Fatalf("unexpected defaults: %d %s", c.Threshold, c.Cooldown)
	}
}

func TestCircuitBreaker_ConcurrentUse(t *testing.T) {
	c := NewCircuitBreaker(1000, time.Second)
	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordFailure("x", now)
				c.Allow(now)
			}
		}()
	}
	wg.Wait()
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed below threshold, got %s", c.State())
	}
}

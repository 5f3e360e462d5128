package origin

import (
	"strings"
	"testing"
	"time"
)

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: false, FailureThreshold: 1})
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	if !cb.AllowRequest() {
		t.Fatal("disabled breaker must always allow")
	}
}

func TestCircuitBreaker_OpenHalfOpenClose(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Enabled:             true,
		FailureThreshold:    2,
		RecoveryTimeout:     10 * time.Second,
		HalfOpenMaxRequests: 1,
	})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	if !cb.AllowRequest() {
		t.Fatal("should allow below threshold")
	}
	cb.RecordFailure()
	if cb.AllowRequest() {
		t.Fatal("should reject when open")
	}

	now = now.Add(10 * time.Second)
	if !cb.AllowRequest() {
		t.Fatal("should allow a probe after recovery timeout")
	}
	if cb.State() != "half-open" {
		t.Errorf("state = %s, want half-open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != "closed" {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
	})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(time.Second)
	if !cb.AllowRequest() {
		t.Fatal("probe should be allowed")
	}
	cb.RecordFailure()
	if cb.AllowRequest() {
		t.Fatal("should be open again after failed probe")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: true, FailureThreshold: 2})
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if !cb.AllowRequest() {
		t.Fatal("failures should reset after success")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	now := time.Unix(1000, 0)
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		OnStateChange: func(from, to string) {
			transitions = append(transitions, from+"->"+to)
		},
	})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(time.Second)
	cb.AllowRequest()
	cb.RecordFailure()
	cb.Reset()
	cb.Reset()

	want := "closed->open,open->half-open,half-open->open,open->closed"
	if got := strings.Join(transitions, ","); got != want {
		t.Errorf("transitions = %s, want %s", got, want)
	}
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/auramesh/choreo/core"
)

func testConfig(overrides func(*CircuitBreakerConfig)) *CircuitBreakerConfig {
	cfg := &CircuitBreakerConfig{
		Name:             "test",
		ErrorThreshold:   0.5,
		VolumeThreshold:  5,
		SleepWindow:      100 * time.Millisecond,
		HalfOpenRequests: 2,
		SuccessThreshold: 0.5,
		WindowSize:       1 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
	if overrides != nil {
		overrides(cfg)
	}
	return cfg
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	config := testConfig(nil)
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	if cb.GetState() != "closed" {
		t.Errorf("expected initial state closed, got %s", cb.GetState())
	}

	for i := 0; i < 6; i++ {
		if err := cb.Execute(context.Background(), func() error {
			return errors.New("downstream error")
		}); err == nil {
			t.Error("expected error from Execute")
		}
	}
	if cb.GetState() != "open" {
		t.Errorf("expected open after exceeding error threshold, got %s", cb.GetState())
	}

	if err := cb.Execute(context.Background(), func() error { return nil }); !errors.Is(err, core.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen while open, got %v", err)
	}

	time.Sleep(250 * time.Millisecond)

	for i := 0; i < config.HalfOpenRequests; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Errorf("expected success during half-open probe, got %v", err)
		}
	}
	if cb.GetState() != "closed" {
		t.Errorf("expected closed after successful probes, got %s", cb.GetState())
	}
}

func TestCircuitBreakerErrorClassification(t *testing.T) {
	config := testConfig(func(c *CircuitBreakerConfig) { c.VolumeThreshold = 3 })
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return core.ErrServiceNotFound })
	}
	if cb.GetState() != "closed" {
		t.Errorf("expected closed with only not-found errors, got %s", cb.GetState())
	}

	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), func() error { return core.ErrConnectionFailed })
	}
	if cb.GetState() != "open" {
		t.Errorf("expected open after infrastructure errors, got %s", cb.GetState())
	}
}

func TestCircuitBreakerVolumeThreshold(t *testing.T) {
	config := testConfig(func(c *CircuitBreakerConfig) { c.VolumeThreshold = 10 })
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("downstream error") })
	}
	if cb.GetState() != "closed" {
		t.Errorf("expected closed below volume threshold, got %s", cb.GetState())
	}

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("downstream error") })
	}
	if cb.GetState() != "open" {
		t.Errorf("expected open once volume threshold reached, got %s", cb.GetState())
	}
}

func TestCircuitBreakerExponentialBackoff(t *testing.T) {
	config := testConfig(func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 2
		c.SleepWindow = 50 * time.Millisecond
		c.HalfOpenRequests = 1
		c.SuccessThreshold = 1.0
	})
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("downstream error") })
	}

	initial := config.SleepWindow
	time.Sleep(150 * time.Millisecond)
	_ = cb.Execute(context.Background(), func() error { return errors.New("downstream error") })

	if config.SleepWindow <= initial {
		t.Error("expected sleep window to grow after a failed half-open probe")
	}
	if want := time.Duration(float64(initial) * 1.5); config.SleepWindow != want {
		t.Errorf("expected sleep window %v, got %v", want, config.SleepWindow)
	}
}

func TestCircuitBreakerManualControl(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig(nil))
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	cb.ForceOpen()
	if cb.GetState() != "open" {
		t.Errorf("expected open after ForceOpen, got %s", cb.GetState())
	}
	if err := cb.Execute(context.Background(), func() error { return nil }); !errors.Is(err, core.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen while forced open, got %v", err)
	}

	cb.ForceClosed()
	if cb.GetState() != "closed" {
		t.Errorf("expected closed after ForceClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if err := cb.Execute(context.Background(), func() error { return errors.New("downstream error") }); err == nil || errors.Is(err, core.ErrCircuitOpen) {
			t.Error("expected calls to run through while forced closed")
		}
	}
	if cb.GetState() != "closed" {
		t.Errorf("expected to remain closed while forced, got %s", cb.GetState())
	}

	cb.ClearForce()
	metrics := cb.GetMetrics()
	if metrics["force_open"].(bool) || metrics["force_closed"].(bool) {
		t.Error("expected force flags cleared")
	}
}

func TestCircuitBreakerConcurrentAccess(t *testing.T) {
	config := testConfig(func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 10
		c.HalfOpenRequests = 5
	})
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	var wg sync.WaitGroup
	var successCount, failureCount int32
	const goroutines, iterations = 50, 50

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				err := cb.Execute(context.Background(), func() error {
					if (id+j)%2 == 0 {
						return nil
					}
					return errors.New("downstream error")
				})
				if err == nil {
					atomic.AddInt32(&successCount, 1)
				} else if !errors.Is(err, core.ErrCircuitOpen) {
					atomic.AddInt32(&failureCount, 1)
				}
			}
		}(i)
	}
	wg.Wait()

	if successCount+failureCount == 0 {
		t.Error("expected at least one call to complete")
	}
}

func TestCircuitBreakerConcurrentHalfOpen(t *testing.T) {
	config := testConfig(func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 2
		c.HalfOpenRequests = 5
		c.SleepWindow = 50 * time.Millisecond
	})
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("downstream error") })
	}
	if cb.GetState() != "open" {
		t.Fatal("expected open before half-open probes")
	}
	time.Sleep(config.SleepWindow + 50*time.Millisecond)

	var allowed, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Execute(context.Background(), func() error {
				atomic.AddInt32(&allowed, 1)
				time.Sleep(10 * time.Millisecond)
				return nil
			})
			if errors.Is(err, core.ErrCircuitOpen) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	if allowed > int32(config.HalfOpenRequests) {
		t.Errorf("allowed %d half-open probes, expected at most %d", allowed, config.HalfOpenRequests)
	}
	if rejected == 0 {
		t.Error("expected some calls rejected once half-open capacity was reached")
	}
}

func TestCircuitBreakerExecuteWithTimeout(t *testing.T) {
	cb, err := NewCircuitBreaker(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	err = cb.ExecuteWithTimeout(context.Background(), 100*time.Millisecond, func() error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Errorf("expected success under timeout, got %v", err)
	}

	err = cb.ExecuteWithTimeout(context.Background(), 20*time.Millisecond, func() error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}

	if err := cb.ExecuteWithTimeout(context.Background(), 0, func() error { return nil }); err != nil {
		t.Errorf("expected success with zero timeout, got %v", err)
	}
}

func TestCircuitBreakerPanicRecovery(t *testing.T) {
	cb, err := NewCircuitBreaker(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	err = cb.Execute(context.Background(), func() error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error from panic")
	}
	if !strings.Contains(err.Error(), "panic in circuit breaker") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected panic message to be preserved, got %v", err)
	}

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("expected breaker to keep working after a panicked call, got %v", err)
	}
}

func TestCircuitBreakerStateChangeListeners(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a 200ms+ sleep for async listener delivery")
	}

	config := testConfig(func(c *CircuitBreakerConfig) { c.VolumeThreshold = 2 })
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	var mu sync.Mutex
	var transitions []string
	cb.AddStateChangeListener(func(name string, from, to CircuitState) {
		mu.Lock()
		transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("downstream error") })
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, tr := range transitions {
		if tr == "closed->open" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a closed->open transition notification, got %v", transitions)
	}
}

func TestCircuitBreakerMetricsAccuracy(t *testing.T) {
	config := DefaultConfig()
	config.Name = "metrics-test"
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	const successCount, failureCount = 10, 5
	for i := 0; i < successCount; i++ {
		_ = cb.Execute(context.Background(), func() error { return nil })
	}
	for i := 0; i < failureCount; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("downstream error") })
	}

	metrics := cb.GetMetrics()
	if metrics["name"] != "metrics-test" {
		t.Errorf("expected name metrics-test, got %v", metrics["name"])
	}
	if success, ok := metrics["success"].(uint64); !ok || success != successCount {
		t.Errorf("expected %d successes, got %v", successCount, metrics["success"])
	}
	if failure, ok := metrics["failure"].(uint64); !ok || failure != failureCount {
		t.Errorf("expected %d failures, got %v", failureCount, metrics["failure"])
	}
}

func TestCircuitBreakerConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		config      *CircuitBreakerConfig
		expectError bool
		errorMsg    string
	}{
		{name: "nil config uses defaults", config: nil, expectError: false},
		{
			name:        "empty name",
			config:      &CircuitBreakerConfig{ErrorThreshold: 0.5, VolumeThreshold: 10},
			expectError: true,
			errorMsg:    "name is required",
		},
		{
			name:        "error threshold out of range",
			config:      &CircuitBreakerConfig{Name: "t", ErrorThreshold: 1.5, VolumeThreshold: 10},
			expectError: true,
			errorMsg:    "error threshold must be between 0 and 1",
		},
		{
			name:        "negative volume threshold",
			config:      &CircuitBreakerConfig{Name: "t", ErrorThreshold: 0.5, VolumeThreshold: -1},
			expectError: true,
			errorMsg:    "volume threshold must be non-negative",
		},
		{
			name:        "zero half-open requests",
			config:      &CircuitBreakerConfig{Name: "t", ErrorThreshold: 0.5, VolumeThreshold: 10, HalfOpenRequests: 0},
			expectError: true,
			errorMsg:    "half-open requests must be at least 1",
		},
		{
			name: "valid config",
			config: &CircuitBreakerConfig{
				Name: "t", ErrorThreshold: 0.5, VolumeThreshold: 10, HalfOpenRequests: 3,
				SuccessThreshold: 0.6, SleepWindow: 30 * time.Second, WindowSize: 60 * time.Second, BucketCount: 10,
			},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCircuitBreaker(tt.config)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for %s", tt.name)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("expected no error for %s, got %v", tt.name, err)
			}
		})
	}
}

func TestErrorClassifierCustom(t *testing.T) {
	critical := func(err error) bool { return err != nil && err.Error() == "critical" }
	config := testConfig(func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 2
		c.ErrorClassifier = critical
	})
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("minor") })
	}
	if cb.GetState() != "closed" {
		t.Errorf("expected closed with non-critical errors, got %s", cb.GetState())
	}

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("critical") })
	}
	if cb.GetState() != "open" {
		t.Errorf("expected open once critical errors accumulate, got %s", cb.GetState())
	}
}

func TestSlidingWindowCountsAndRotation(t *testing.T) {
	window := NewSlidingWindow(200*time.Millisecond, 4, true)

	window.RecordSuccess()
	window.RecordSuccess()
	window.RecordFailure()

	success, failure := window.GetCounts()
	if success != 2 || failure != 1 {
		t.Errorf("expected 2 successes and 1 failure, got %d and %d", success, failure)
	}
	if rate := window.GetErrorRate(); rate != 1.0/3.0 {
		t.Errorf("expected error rate 1/3, got %f", rate)
	}

	time.Sleep(400 * time.Millisecond)
	success, failure = window.GetCounts()
	if success != 0 || failure != 0 {
		t.Errorf("expected counts to expire out of the window, got %d and %d", success, failure)
	}
}

func TestCircuitBreakerCleanupOrphanedRequests(t *testing.T) {
	config := testConfig(func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 2
		c.HalfOpenRequests = 3
		c.SleepWindow = 10 * time.Millisecond
	})
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("downstream error") })
	}
	time.Sleep(20 * time.Millisecond)

	token, allowed := cb.startExecution()
	if !allowed {
		t.Fatal("expected a half-open probe slot to be available")
	}
	if !token.isHalfOpen {
		t.Fatal("expected the reserved slot to be a half-open probe")
	}

	cleaned := cb.CleanupOrphanedRequests(0)
	if cleaned != 1 {
		t.Errorf("expected 1 orphaned probe cleaned, got %d", cleaned)
	}
}

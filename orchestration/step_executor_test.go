package orchestration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/auramesh/choreo/health"
)

type fakeResolver struct{ base string }

func (f *fakeResolver) Resolve(ctx context.Context, serviceID string) (string, error) {
	return f.base, nil
}

type fakeHealthChecker struct {
	available bool
	recorded  []health.Outcome
}

func (f *fakeHealthChecker) IsAvailable(serviceID string) bool { return f.available }
func (f *fakeHealthChecker) Record(serviceID string, outcome health.Outcome) {
	f.recorded = append(f.recorded, outcome)
}

func newTestExecution() *WorkflowExecution {
	return &WorkflowExecution{
		ExecutionID: "exec-1",
		Context:     WorkflowContext{"order_id": "ord-42"},
		Steps:       map[string]*StepExecution{},
	}
}

func TestStepExecutorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["order_id"] != "ord-42" {
			t.Errorf("expected templated order_id, got %v", body["order_id"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"charged": true})
	}))
	defer srv.Close()

	exec := NewStepExecutor(&fakeResolver{base: srv.URL}, nil)
	st := &WorkflowStep{
		StepID:          "charge",
		ServiceID:       "billing",
		Endpoint:        "/charge",
		PayloadTemplate: map[string]interface{}{"order_id": "$.order_id"},
		Required:        true,
	}

	output, used, err := exec.Execute(context.Background(), newTestExecution(), st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used {
		t.Fatal("did not expect fallback")
	}
	if output["charged"] != true {
		t.Fatalf("unexpected output: %v", output)
	}
}

func TestStepExecutorRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	}))
	defer srv.Close()

	exec := NewStepExecutor(&fakeResolver{base: srv.URL}, nil,
		WithStepDefaults(2*time.Second, 3, 50*time.Millisecond))
	st := &WorkflowStep{StepID: "flaky", ServiceID: "svc", Endpoint: "/do", Required: true}

	_, _, err := exec.Execute(context.Background(), newTestExecution(), st)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestStepExecutorFallbackOnExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exec := NewStepExecutor(&fakeResolver{base: srv.URL}, nil,
		WithStepDefaults(time.Second, 1, 10*time.Millisecond))
	st := &WorkflowStep{StepID: "flaky", ServiceID: "svc", Endpoint: "/do", Required: true, FallbackEnabled: true}

	output, used, err := exec.Execute(context.Background(), newTestExecution(), st)
	if err != nil {
		t.Fatalf("fallback should have suppressed the error, got %v", err)
	}
	if !used {
		t.Fatal("expected fallback to be used")
	}
	if output["status"] != "fallback" {
		t.Fatalf("unexpected fallback output: %v", output)
	}
}

func TestStepExecutorTerminalErrorNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	exec := NewStepExecutor(&fakeResolver{base: srv.URL}, nil,
		WithStepDefaults(time.Second, 3, 10*time.Millisecond))
	st := &WorkflowStep{StepID: "bad-request", ServiceID: "svc", Endpoint: "/do", Required: true}

	_, _, err := exec.Execute(context.Background(), newTestExecution(), st)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected a terminal error to stop after 1 attempt, got %d", got)
	}
}

func TestStepExecutorSkipsCallWhenServiceUnavailable(t *testing.T) {
	var called int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := &fakeHealthChecker{available: false}
	exec := NewStepExecutor(&fakeResolver{base: srv.URL}, nil, WithHealthChecker(checker))
	st := &WorkflowStep{StepID: "charge", ServiceID: "billing", Endpoint: "/charge", Required: true}

	_, _, err := exec.Execute(context.Background(), newTestExecution(), st)
	if err == nil {
		t.Fatal("expected an error when the service is unavailable")
	}
	if atomic.LoadInt32(&called) != 0 {
		t.Fatal("expected the remote call to be skipped entirely")
	}
}

func TestStepExecutorFallsBackWhenServiceUnavailable(t *testing.T) {
	checker := &fakeHealthChecker{available: false}
	exec := NewStepExecutor(&fakeResolver{base: "http://unused.invalid"}, nil, WithHealthChecker(checker))
	st := &WorkflowStep{StepID: "charge", ServiceID: "billing", Endpoint: "/charge", Required: true, FallbackEnabled: true}

	output, used, err := exec.Execute(context.Background(), newTestExecution(), st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !used {
		t.Fatal("expected fallback to be used")
	}
	if output["status"] != "fallback" {
		t.Fatalf("unexpected fallback output: %v", output)
	}
}

func TestStepExecutorRecordsHealthOutcomes(t *testing.T) {
	srv := httptest.NewServer(jsonOKHandler())
	defer srv.Close()

	checker := &fakeHealthChecker{available: true}
	exec := NewStepExecutor(&fakeResolver{base: srv.URL}, nil, WithHealthChecker(checker))
	st := &WorkflowStep{StepID: "charge", ServiceID: "billing", Endpoint: "/charge", Required: true}

	if _, _, err := exec.Execute(context.Background(), newTestExecution(), st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(checker.recorded) != 1 || checker.recorded[0] != health.Success {
		t.Fatalf("expected a recorded success, got %v", checker.recorded)
	}
}

type fakeStepObserver struct {
	serviceID string
	success   bool
	calls     int32
}

func (f *fakeStepObserver) ObserveStep(serviceID string, duration time.Duration, success bool) {
	f.serviceID = serviceID
	f.success = success
	atomic.AddInt32(&f.calls, 1)
}

func TestStepExecutorNotifiesObserverOnEveryAttempt(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		jsonOKHandler()(w, r)
	}))
	defer srv.Close()

	observer := &fakeStepObserver{}
	exec := NewStepExecutor(&fakeResolver{base: srv.URL}, nil,
		WithStepDefaults(time.Second, 2, 10*time.Millisecond),
		WithStepObserver(observer))
	st := &WorkflowStep{StepID: "charge", ServiceID: "billing", Endpoint: "/charge", Required: true}

	if _, _, err := exec.Execute(context.Background(), newTestExecution(), st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&observer.calls) != 2 {
		t.Fatalf("expected one observation per attempt, got %d", observer.calls)
	}
	if observer.serviceID != "billing" {
		t.Fatalf("expected last observation for billing, got %q", observer.serviceID)
	}
	if !observer.success {
		t.Fatal("expected the last observation to record success")
	}
}

func jsonOKHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	}
}

func TestMergePayloadResolvesContextReferences(t *testing.T) {
	merged := mergePayload(
		map[string]interface{}{"id": "$.order_id", "literal": "fixed"},
		WorkflowContext{"order_id": "ord-7"},
	)
	if merged["id"] != "ord-7" {
		t.Errorf("expected resolved context reference, got %v", merged["id"])
	}
	if merged["literal"] != "fixed" {
		t.Errorf("expected literal value preserved, got %v", merged["literal"])
	}
}

package loop

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sentinell/sentinell/internal/config"
	"github.com/sentinell/sentinell/internal/delivery"
	"github.com/sentinell/sentinell/internal/executor"
	"github.com/sentinell/sentinell/internal/llm"
	"github.com/sentinell/sentinell/internal/model"
	"github.com/sentinell/sentinell/internal/reasoning"
	"github.com/sentinell/sentinell/internal/store"
)

// fakeStore implements the incident operations the runner touches and
// records every mutation for assertions.
type fakeStore struct {
	store.Store
	mu          sync.Mutex
	incident    *model.Incident
	metaLog     []map[string]any
	requeued    bool
	requeueMeta map[string]any
}

func newFakeStore(inc *model.Incident) *fakeStore {
	if inc.Metadata == nil {
		inc.Metadata = map[string]any{}
	}
	return &fakeStore{incident: inc}
}

func (f *fakeStore) GetIncident(_ context.Context, id string) (*model.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incident.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *f.incident
	return &cp, nil
}

func (f *fakeStore) ExtendLease(_ context.Context, _ string, _ time.Duration) error { return nil }

func (f *fakeStore) AppendRunMetadata(_ context.Context, _ string, meta map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaLog = append(f.metaLog, meta)
	for k, v := range meta {
		f.incident.Metadata[k] = v
	}
	return nil
}

func (f *fakeStore) UpdateIncidentStatus(_ context.Context, _ string, status model.Status, meta map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !model.CanTransition(f.incident.Status, status) {
		return fmt.Errorf("illegal transition %s -> %s", f.incident.Status, status)
	}
	f.incident.Status = status
	for k, v := range meta {
		f.incident.Metadata[k] = v
	}
	return nil
}

func (f *fakeStore) RequeueIncident(_ context.Context, _ string, meta map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incident.Status = model.StatusQueued
	f.requeued = true
	f.requeueMeta = meta
	for k, v := range meta {
		f.incident.Metadata[k] = v
	}
	return nil
}

func (f *fakeStore) status() model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.incident.Status
}

func (f *fakeStore) meta(key string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.incident.Metadata[key]
}

// fakeEngine replays scripted reason/evaluate results.
type fakeEngine struct {
	mu          sync.Mutex
	decisions   []any // *reasoning.Decision or error
	verdicts    []any // *reasoning.Verdict or error
	reasonCalls []reasoning.ReasonRequest
	evalCalls   int
}

func (f *fakeEngine) Reason(_ context.Context, req reasoning.ReasonRequest) (*reasoning.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasonCalls = append(f.reasonCalls, req)
	if len(f.decisions) == 0 {
		return nil, fmt.Errorf("no scripted decision left")
	}
	next := f.decisions[0]
	f.decisions = f.decisions[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*reasoning.Decision), nil
}

func (f *fakeEngine) Evaluate(_ context.Context, _ reasoning.EvaluateRequest) (*reasoning.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalCalls++
	if len(f.verdicts) == 0 {
		return nil, fmt.Errorf("no scripted verdict left")
	}
	next := f.verdicts[0]
	f.verdicts = f.verdicts[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*reasoning.Verdict), nil
}

// fakeExecutor returns one scripted result per call.
type fakeExecutor struct {
	mu      sync.Mutex
	results []executor.Result
	actions []string
}

func (f *fakeExecutor) Mode() string { return "fake" }

func (f *fakeExecutor) Execute(_ context.Context, action string) executor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	if len(f.results) == 0 {
		return executor.Result{Success: true, Detail: "simulated"}
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res
}

// emptyHydrator returns a bare bundle so observation comes only from the
// incident record.
type emptyHydrator struct{}

func (emptyHydrator) Hydrate(_ context.Context, inc *model.Incident) model.ContextBundle {
	return model.ContextBundle{IncidentID: inc.ID}
}

type fakeHealth struct {
	passing, available bool
}

func (f fakeHealth) Check(_ context.Context, _ *model.Incident) (bool, bool) {
	return f.passing, f.available
}

func testIncident() *model.Incident {
	return &model.Incident{
		ID:          "inc-1",
		SignalType:  model.SignalLog,
		Title:       "service unreachable",
		Description: "ERROR: service unreachable; connection timeout",
		Severity:    model.SeverityHigh,
		Status:      model.StatusProcessing,
		Metadata:    map[string]any{},
	}
}

func newTestRunner(t *testing.T, st *fakeStore, engine *fakeEngine, exec *fakeExecutor, health HealthChecker, cfg config.Loop) (*Runner, *delivery.Hub) {
	t.Helper()
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 5
	}
	if cfg.ParseFailurePolicy == "" {
		cfg.ParseFailurePolicy = "retry"
	}
	cfg.LLMRetryBackoffMS = 1
	hub := delivery.NewHub(64, 64, nil)
	r, err := NewRunner(Options{
		Store:    st,
		Engine:   engine,
		Executor: exec,
		Hydrator: emptyHydrator{},
		Hub:      hub,
		Health:   health,
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	return r, hub
}

func TestRunResolvesFirstIteration(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{
		decisions: []any{&reasoning.Decision{Issue: "upstream unreachable", Action: "restart upstream service"}},
		verdicts:  []any{&reasoning.Verdict{Resolved: true}},
	}
	exec := &fakeExecutor{results: []executor.Result{{Success: true, Detail: "simulated restart"}}}
	r, _ := newTestRunner(t, st, engine, exec, nil, config.Loop{})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.status() != model.StatusResolved {
		t.Errorf("Expected resolved, got %s", st.status())
	}
	actions, _ := st.meta(model.MetaActions).([]string)
	if len(actions) != 1 || actions[0] != "restart upstream service (outcome: simulated restart)" {
		t.Errorf("Unexpected actions trail: %v", actions)
	}
	if it, _ := st.meta(model.MetaIteration).(int); it != 1 {
		t.Errorf("Expected iteration 1, got %v", st.meta(model.MetaIteration))
	}
	if issue, _ := st.meta(model.MetaLastIssue).(string); issue != "upstream unreachable" {
		t.Errorf("Unexpected issue: %v", st.meta(model.MetaLastIssue))
	}
}

func TestRunNonResolutionLoop(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{
		decisions: []any{
			&reasoning.Decision{Issue: "i1", Action: "fix one"},
			&reasoning.Decision{Issue: "i2", Action: "fix two"},
			&reasoning.Decision{Issue: "i3", Action: "fix three"},
		},
		verdicts: []any{
			&reasoning.Verdict{Resolved: false},
			&reasoning.Verdict{Resolved: false},
			&reasoning.Verdict{Resolved: true},
		},
	}
	r, _ := newTestRunner(t, st, engine, &fakeExecutor{}, nil, config.Loop{})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.status() != model.StatusResolved {
		t.Errorf("Expected resolved, got %s", st.status())
	}
	if it, _ := st.meta(model.MetaIteration).(int); it != 3 {
		t.Errorf("Expected 3 iterations, got %v", st.meta(model.MetaIteration))
	}
	actions, _ := st.meta(model.MetaActions).([]string)
	if len(actions) != 3 {
		t.Errorf("Expected one action per iteration, got %d", len(actions))
	}
}

func TestIterationBudgetTerminates(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{}
	for i := 0; i < 10; i++ {
		engine.decisions = append(engine.decisions, &reasoning.Decision{Issue: "i", Action: fmt.Sprintf("fix %d", i)})
		engine.verdicts = append(engine.verdicts, &reasoning.Verdict{Resolved: false})
	}
	r, _ := newTestRunner(t, st, engine, &fakeExecutor{}, nil, config.Loop{MaxIterations: 3})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.status() != model.StatusResolved {
		t.Errorf("Budget cutoff must still terminate the run, got %s", st.status())
	}
	if it, _ := st.meta(model.MetaIteration).(int); it != 3 {
		t.Errorf("Expected 3 iterations, got %v", st.meta(model.MetaIteration))
	}
	if exhausted, _ := st.meta("budget_exhausted").(bool); !exhausted {
		t.Error("Budget exhaustion must be flagged in metadata")
	}
}

func TestRepeatedActionEscalates(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{
		decisions: []any{
			&reasoning.Decision{Issue: "i", Action: "restart the pod"},
			&reasoning.Decision{Issue: "i", Action: "restart the pod"},
		},
		verdicts: []any{&reasoning.Verdict{Resolved: false}},
	}
	r, _ := newTestRunner(t, st, engine, &fakeExecutor{}, nil, config.Loop{})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.status() != model.StatusQueued {
		t.Errorf("Expected escalation to queued, got %s", st.status())
	}
	if review, _ := st.meta(model.MetaNeedsReview).(bool); !review {
		t.Error("Escalation must flag needs_review")
	}
	reason, _ := st.meta(model.MetaEscalationReason).(string)
	if reason == "" {
		t.Error("Escalation must record a reason")
	}
	// The repeated proposal is never executed a second time.
	if len(engine.reasonCalls) != 2 {
		t.Errorf("Expected exactly 2 reason calls, got %d", len(engine.reasonCalls))
	}
}

func TestParseFailureRetriesStrict(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{
		decisions: []any{
			&reasoning.ParseError{Stage: "reason", Raw: "not json", Err: fmt.Errorf("no JSON object found")},
			&reasoning.Decision{Issue: "i", Action: "fix it"},
		},
		verdicts: []any{&reasoning.Verdict{Resolved: true}},
	}
	r, _ := newTestRunner(t, st, engine, &fakeExecutor{}, nil, config.Loop{ParseFailurePolicy: "retry"})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.status() != model.StatusResolved {
		t.Errorf("Run should complete on the strict retry, got %s", st.status())
	}
	if len(engine.reasonCalls) != 2 {
		t.Fatalf("Expected 2 reason calls, got %d", len(engine.reasonCalls))
	}
	if engine.reasonCalls[0].Strict || !engine.reasonCalls[1].Strict {
		t.Error("The second attempt must use the strict prompt variant")
	}
	actions, _ := st.meta(model.MetaActions).([]string)
	if len(actions) != 1 {
		t.Errorf("Failed parse must not touch the actions trail, got %v", actions)
	}
	if count, _ := st.meta(model.MetaReasonFailures).(int); count != 1 {
		t.Errorf("Recovered parse failure must still be recorded, got %v", st.meta(model.MetaReasonFailures))
	}
	if msg, _ := st.meta(model.MetaLastParseError).(string); msg == "" {
		t.Error("Parse failure must record the parse error text")
	}
}

func TestSecondParseFailureEscalates(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{
		decisions: []any{
			&reasoning.ParseError{Stage: "reason", Raw: "not json", Err: fmt.Errorf("no JSON object found")},
			&reasoning.ParseError{Stage: "reason", Raw: "still not json", Err: fmt.Errorf("no JSON object found")},
		},
	}
	r, _ := newTestRunner(t, st, engine, &fakeExecutor{}, nil, config.Loop{ParseFailurePolicy: "retry"})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.status() != model.StatusQueued {
		t.Errorf("Failed strict retry must escalate, got %s", st.status())
	}
	if count, _ := st.meta(model.MetaReasonFailures).(int); count != 2 {
		t.Errorf("Both parse failures must be counted, got %v", st.meta(model.MetaReasonFailures))
	}
	if review, _ := st.meta(model.MetaNeedsReview).(bool); !review {
		t.Error("Escalation must flag needs_review")
	}
}

func TestParseFailureAbortPolicy(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{
		decisions: []any{
			&reasoning.ParseError{Stage: "reason", Raw: "not json", Err: fmt.Errorf("no JSON object found")},
		},
	}
	r, _ := newTestRunner(t, st, engine, &fakeExecutor{}, nil, config.Loop{ParseFailurePolicy: "abort"})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.status() != model.StatusQueued {
		t.Errorf("Abort policy must escalate immediately, got %s", st.status())
	}
	if len(engine.reasonCalls) != 1 {
		t.Errorf("Abort policy must not retry, got %d calls", len(engine.reasonCalls))
	}
	if count, _ := st.meta(model.MetaReasonFailures).(int); count != 1 {
		t.Errorf("Aborted parse failure must still be recorded, got %v", st.meta(model.MetaReasonFailures))
	}
}

func TestTransientErrorsRetriedThenEscalate(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{
		decisions: []any{llm.ErrTimeout, llm.ErrTimeout, llm.ErrTimeout},
	}
	r, _ := newTestRunner(t, st, engine, &fakeExecutor{}, nil, config.Loop{LLMMaxRetries: 2})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(engine.reasonCalls) != 3 {
		t.Errorf("Expected initial call plus 2 retries, got %d", len(engine.reasonCalls))
	}
	if st.status() != model.StatusQueued {
		t.Errorf("Exhausted retries must escalate, got %s", st.status())
	}
	if review, _ := st.meta(model.MetaNeedsReview).(bool); !review {
		t.Error("Escalation must flag needs_review")
	}
}

func TestBlankLogsSkipReason(t *testing.T) {
	inc := testIncident()
	inc.Description = "   "
	st := newFakeStore(inc)
	engine := &fakeEngine{
		verdicts: []any{&reasoning.Verdict{Resolved: true}},
	}
	r, _ := newTestRunner(t, st, engine, &fakeExecutor{}, nil, config.Loop{})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(engine.reasonCalls) != 0 {
		t.Error("Blank observation must skip the reason stage")
	}
	if engine.evalCalls != 1 {
		t.Errorf("Evaluate should still run, got %d calls", engine.evalCalls)
	}
	if st.status() != model.StatusResolved {
		t.Errorf("Expected resolved, got %s", st.status())
	}
}

func TestExecutorFailureIsNonFatal(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{
		decisions: []any{&reasoning.Decision{Issue: "i", Action: "restart service"}},
		verdicts:  []any{&reasoning.Verdict{Resolved: true}},
	}
	exec := &fakeExecutor{results: []executor.Result{{Success: false, Detail: "permission denied"}}}
	r, _ := newTestRunner(t, st, engine, exec, nil, config.Loop{})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Executor failure must not fail the run: %v", err)
	}

	actions, _ := st.meta(model.MetaActions).([]string)
	if len(actions) != 1 || actions[0] != "restart service (outcome: permission denied)" {
		t.Errorf("Failure must be annotated on the action entry, got %v", actions)
	}
	if st.status() != model.StatusResolved {
		t.Errorf("Expected resolved, got %s", st.status())
	}
}

func TestHealthCheckShortCircuit(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{
		decisions: []any{&reasoning.Decision{Issue: "i", Action: "restart service"}},
	}
	r, _ := newTestRunner(t, st, engine, &fakeExecutor{}, fakeHealth{passing: true, available: true}, config.Loop{})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if engine.evalCalls != 0 {
		t.Error("Passing health check must skip the model's evaluation call")
	}
	if st.status() != model.StatusResolved {
		t.Errorf("Expected resolved, got %s", st.status())
	}
}

func TestHealthCheckUnavailableFallsBack(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{
		decisions: []any{&reasoning.Decision{Issue: "i", Action: "restart service"}},
		verdicts:  []any{&reasoning.Verdict{Resolved: true}},
	}
	r, _ := newTestRunner(t, st, engine, &fakeExecutor{}, fakeHealth{passing: false, available: false}, config.Loop{})

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if engine.evalCalls != 1 {
		t.Errorf("Unavailable health check must fall back to the model, got %d eval calls", engine.evalCalls)
	}
}

func TestCanceledRunRequeues(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{}
	r, _ := newTestRunner(t, st, engine, &fakeExecutor{}, nil, config.Loop{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Run(ctx, st.incident); err != nil {
		t.Fatalf("Canceled run should requeue cleanly: %v", err)
	}
	if st.status() != model.StatusQueued {
		t.Errorf("Canceled run must land back in the queue, got %s", st.status())
	}
	if review, _ := st.meta(model.MetaNeedsReview).(bool); review {
		t.Error("Cancellation is not an escalation")
	}
	if len(engine.reasonCalls) != 0 {
		t.Error("No stage should start after cancellation")
	}
}

func TestTransitionsDeliveredInStageOrder(t *testing.T) {
	st := newFakeStore(testIncident())
	engine := &fakeEngine{
		decisions: []any{&reasoning.Decision{Issue: "i", Action: "restart service"}},
		verdicts:  []any{&reasoning.Verdict{Resolved: true}},
	}
	r, hub := newTestRunner(t, st, engine, &fakeExecutor{}, nil, config.Loop{})

	ch, cancel := hub.Subscribe("inc-1")
	defer cancel()

	if err := r.Run(context.Background(), st.incident); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []model.Stage{model.StageObserve, model.StageReason, model.StageAct, model.StageEvaluate, model.StageDone}
	for i, expected := range want {
		tr := <-ch
		if tr.Stage != expected {
			t.Fatalf("Transition %d: expected %s, got %s", i, expected, tr.Stage)
		}
		if tr.Seq != uint64(i+1) {
			t.Errorf("Transition %d: expected seq %d, got %d", i, i+1, tr.Seq)
		}
	}
}

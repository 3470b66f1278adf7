package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentinell/sentinell/internal/audit"
	"github.com/sentinell/sentinell/internal/config"
	"github.com/sentinell/sentinell/internal/delivery"
	"github.com/sentinell/sentinell/internal/executor"
	"github.com/sentinell/sentinell/internal/hydrator"
	"github.com/sentinell/sentinell/internal/llm"
	"github.com/sentinell/sentinell/internal/metrics"
	"github.com/sentinell/sentinell/internal/model"
	"github.com/sentinell/sentinell/internal/reasoning"
	"github.com/sentinell/sentinell/internal/store"
)

// HealthChecker is an optional live probe consulted before the model's
// own resolution judgement. When a check is available and passing, the
// run short-circuits to resolved without another model call.
type HealthChecker interface {
	// Check returns (passing, available). available=false means no probe
	// applies to this incident and the model decides alone.
	Check(ctx context.Context, inc *model.Incident) (bool, bool)
}

// Runner drives one incident through the observe, reason, act, evaluate
// cycle until resolution, escalation, or budget exhaustion. One Runner is
// shared across workers; all per-run state lives in the LoopState value.
type Runner struct {
	store    store.Store
	engine   reasoning.Engine
	executor executor.Executor
	hydrator hydrator.Hydrator
	hub      *delivery.Hub
	health   HealthChecker
	auditLog audit.Logger
	logger   *zap.Logger
	cfg      config.Loop
	lease    time.Duration
}

// Options carries the collaborators a Runner needs. Health is optional;
// everything else is required.
type Options struct {
	Store    store.Store
	Engine   reasoning.Engine
	Executor executor.Executor
	Hydrator hydrator.Hydrator
	Hub      *delivery.Hub
	Health   HealthChecker
	Audit    audit.Logger
	Logger   *zap.Logger
	Config   config.Loop
	Lease    time.Duration
}

// NewRunner validates the wiring and builds a Runner. Missing required
// collaborators are a startup failure, not a per-incident one.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Store == nil || opts.Engine == nil || opts.Executor == nil || opts.Hydrator == nil || opts.Hub == nil {
		return nil, fmt.Errorf("loop runner requires store, engine, executor, hydrator and hub")
	}
	if opts.Audit == nil {
		opts.Audit = audit.NopLogger()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Config.MaxIterations <= 0 {
		opts.Config.MaxIterations = 5
	}
	if opts.Lease <= 0 {
		opts.Lease = 10 * time.Minute
	}
	return &Runner{
		store:    opts.Store,
		engine:   opts.Engine,
		executor: opts.Executor,
		hydrator: opts.Hydrator,
		hub:      opts.Hub,
		health:   opts.Health,
		auditLog: opts.Audit,
		logger:   opts.Logger,
		cfg:      opts.Config,
		lease:    opts.Lease,
	}, nil
}

// Run processes one claimed incident to completion. The incident must
// already be in processing with a valid lease. Returns nil on any orderly
// outcome (resolved, escalated, requeued); errors mean persistence itself
// failed and the incident may be left for lease reclaim.
func (r *Runner) Run(ctx context.Context, inc *model.Incident) error {
	runStart := time.Now()
	state := model.LoopState{}
	bundle := r.hydrator.Hydrate(ctx, inc)

	r.auditLog.Log(audit.NewEvent(audit.EventRunStarted).
		WithIncident(inc.ID).
		WithDescription(fmt.Sprintf("run started, context: %s", hydrator.Describe(bundle))).
		WithResult(audit.ResultPending))

	for {
		if err := ctx.Err(); err != nil {
			return r.requeueCanceled(inc, state)
		}
		state.Iteration++
		if err := r.store.ExtendLease(ctx, inc.ID, r.lease); err != nil {
			r.logger.Warn("lease extension failed", zap.String("incident_id", inc.ID), zap.Error(err))
		}

		state = r.observe(ctx, inc, bundle, state)
		if err := r.commit(ctx, inc, model.StageObserve, state, ""); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return r.requeueCanceled(inc, state)
		}

		// Silence carries nothing to diagnose: go straight to evaluate
		// and let it decide whether to keep waiting.
		if state.HasSignal() {
			var escalated bool
			var err error
			state, escalated, err = r.reasonAndAct(ctx, inc, bundle, state)
			if err != nil {
				if ctx.Err() != nil {
					return r.requeueCanceled(inc, state)
				}
				return err
			}
			if escalated {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return r.requeueCanceled(inc, state)
			}
		}

		resolved, err := r.evaluate(ctx, inc, state)
		if err != nil {
			return r.escalate(ctx, inc, state, fmt.Sprintf("evaluation failed after retries: %v", err))
		}
		state.Resolved = resolved
		if err := r.commit(ctx, inc, model.StageEvaluate, state, ""); err != nil {
			return err
		}

		if state.Resolved || state.Iteration >= r.cfg.MaxIterations {
			return r.finish(ctx, inc, state, runStart)
		}
	}
}

// observe refreshes the observation text. Never fails the run: any
// trouble reading the source degrades to the no-data sentinel.
func (r *Runner) observe(ctx context.Context, inc *model.Incident, bundle model.ContextBundle, state model.LoopState) model.LoopState {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(string(model.StageObserve)).Observe(time.Since(start).Seconds())
	}()

	// Re-read the incident so later iterations see signal updates made
	// while the run was in flight.
	logs := inc.Description
	if fresh, err := r.store.GetIncident(ctx, inc.ID); err == nil {
		logs = fresh.Description
	}

	if state.Iteration == 1 {
		for _, w := range bundle.LogWindows {
			for _, line := range w.Lines {
				logs += "\n" + line
			}
		}
	}

	trimmed := model.LoopState{Logs: logs}
	if !trimmed.HasSignal() {
		logs = model.NoDataSentinel
	}
	state.Logs = logs
	return state
}

// reasonAndAct runs the reason and act stages. Returns escalated=true
// when the run ended in escalation (repeated action or exhausted model
// retries); err is reserved for persistence failures and cancellation.
func (r *Runner) reasonAndAct(ctx context.Context, inc *model.Incident, bundle model.ContextBundle, state model.LoopState) (model.LoopState, bool, error) {
	decision, state, err := r.reason(ctx, inc, state, bundle)
	if err != nil {
		if ctx.Err() != nil {
			return state, false, ctx.Err()
		}
		return state, true, r.escalate(ctx, inc, state, fmt.Sprintf("reasoning failed after retries: %v", err))
	}

	// Repeated-action guard: the model proposing the same fix twice in a
	// row will not get a third attempt.
	if last := state.LastAction(); last != nil && last.Proposal == decision.Action {
		state.Issue = decision.Issue
		return state, true, r.escalate(ctx, inc, state, fmt.Sprintf("model repeated action %q", decision.Action))
	}

	state.Issue = decision.Issue
	state.Actions = append(state.Actions, model.ActionRecord{
		Proposal:   decision.Action,
		ProposedAt: time.Now().UTC(),
	})
	r.auditLog.Log(audit.NewEvent(audit.EventActionProposed).
		WithIncident(inc.ID).
		WithStage(string(model.StageReason), state.Iteration).
		WithAction(decision.Action).
		WithDescription(decision.Issue).
		WithResult(audit.ResultPending))
	if err := r.commit(ctx, inc, model.StageReason, state, ""); err != nil {
		return state, false, err
	}
	if err := ctx.Err(); err != nil {
		return state, false, err
	}

	// Act. Executor failure is an annotation, never fatal.
	actStart := time.Now()
	result := r.executor.Execute(ctx, decision.Action)
	metrics.StageDuration.WithLabelValues(string(model.StageAct)).Observe(time.Since(actStart).Seconds())

	last := &state.Actions[len(state.Actions)-1]
	last.Outcome = result.Detail
	last.Succeeded = result.Success

	actEvent := audit.EventActionExecuted
	actResult := audit.ResultSuccess
	if !result.Success {
		actEvent = audit.EventActionFailed
		actResult = audit.ResultFailure
	}
	r.auditLog.Log(audit.NewEvent(actEvent).
		WithIncident(inc.ID).
		WithStage(string(model.StageAct), state.Iteration).
		WithAction(decision.Action).
		WithDescription(result.Detail).
		WithResult(actResult))

	if err := r.commit(ctx, inc, model.StageAct, state, ""); err != nil {
		return state, false, err
	}
	return state, false, nil
}

// reason calls the engine with retry and parse-failure policy applied.
func (r *Runner) reason(ctx context.Context, inc *model.Incident, state model.LoopState, bundle model.ContextBundle) (*reasoning.Decision, model.LoopState, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(string(model.StageReason)).Observe(time.Since(start).Seconds())
	}()

	req := reasoning.ReasonRequest{
		Logs:         state.Logs,
		PriorActions: state.ActionStrings(),
		Context:      &bundle,
	}

	decision, err := r.callReason(ctx, req)

	var parseErr *reasoning.ParseError
	if errors.As(err, &parseErr) {
		state.ParseFailures++
		r.recordParseFailure(ctx, inc, state, parseErr)
		if r.cfg.ParseFailurePolicy != "abort" {
			// One stricter re-ask, then give up on parsing.
			req.Strict = true
			decision, err = r.callReason(ctx, req)
			if errors.As(err, &parseErr) {
				state.ParseFailures++
				r.recordParseFailure(ctx, inc, state, parseErr)
			}
		}
	}
	return decision, state, err
}

// recordParseFailure stamps the unparseable model output into incident
// metadata before any stricter re-ask, so the trail survives even when
// the retry recovers.
func (r *Runner) recordParseFailure(ctx context.Context, inc *model.Incident, state model.LoopState, parseErr *reasoning.ParseError) {
	meta := map[string]any{
		model.MetaReasonFailures: state.ParseFailures,
		model.MetaLastParseError: parseErr.Error(),
	}
	if err := r.store.AppendRunMetadata(ctx, inc.ID, meta); err != nil {
		r.logger.Warn("failed to record parse failure",
			zap.String("incident_id", inc.ID),
			zap.Error(err))
	}
	r.logger.Warn("model output unparseable",
		zap.String("incident_id", inc.ID),
		zap.Int("parse_failures", state.ParseFailures))
}

// callReason invokes the engine, retrying transient failures with backoff.
// Parse errors return immediately; the caller owns the parse policy.
func (r *Runner) callReason(ctx context.Context, req reasoning.ReasonRequest) (*reasoning.Decision, error) {
	var lastErr error
	attempts := r.cfg.LLMMaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := r.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		decision, err := r.engine.Reason(ctx, req)
		if err == nil {
			return decision, nil
		}
		lastErr = err
		if !llm.IsRecoverable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// evaluate decides resolution. A passing live health check short-circuits
// the model; malformed model output reads as unresolved inside the engine.
func (r *Runner) evaluate(ctx context.Context, inc *model.Incident, state model.LoopState) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(string(model.StageEvaluate)).Observe(time.Since(start).Seconds())
	}()

	if r.health != nil {
		if passing, available := r.health.Check(ctx, inc); available && passing {
			r.logger.Info("health check passing, short-circuiting evaluation",
				zap.String("incident_id", inc.ID))
			return true, nil
		}
	}

	req := reasoning.EvaluateRequest{
		Logs:    state.Logs,
		Issue:   state.Issue,
		Actions: state.ActionStrings(),
	}

	var lastErr error
	attempts := r.cfg.LLMMaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := r.backoff(ctx, attempt); err != nil {
				return false, err
			}
		}
		verdict, err := r.engine.Evaluate(ctx, req)
		if err == nil {
			return verdict.Resolved, nil
		}
		lastErr = err
		if !llm.IsRecoverable(err) {
			return false, err
		}
	}
	return false, lastErr
}

func (r *Runner) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(r.cfg.LLMRetryBackoffMS) * time.Millisecond
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	delay *= time.Duration(attempt)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commit persists the stage's state mutation, then publishes it. The next
// stage never starts before the prior stage's mutation is durable.
func (r *Runner) commit(ctx context.Context, inc *model.Incident, stage model.Stage, state model.LoopState, message string) error {
	meta := runMetadata(state)
	if err := r.store.AppendRunMetadata(ctx, inc.ID, meta); err != nil {
		return fmt.Errorf("failed to persist %s stage for incident %s: %w", stage, inc.ID, err)
	}
	r.hub.Publish(inc.ID, stage, model.StatusProcessing, state, message)
	return nil
}

// finish transitions the incident to resolved. Budget exhaustion also
// terminates here, flagged in metadata so it is distinguishable.
func (r *Runner) finish(ctx context.Context, inc *model.Incident, state model.LoopState, runStart time.Time) error {
	meta := runMetadata(state)
	meta["resolved_by_model"] = state.Resolved
	outcome := "resolved"
	if !state.Resolved {
		meta["budget_exhausted"] = true
		outcome = "budget_exhausted"
	}

	if err := r.store.UpdateIncidentStatus(ctx, inc.ID, model.StatusResolved, meta); err != nil {
		return fmt.Errorf("failed to resolve incident %s: %w", inc.ID, err)
	}
	r.hub.Publish(inc.ID, model.StageDone, model.StatusResolved, state, outcome)

	r.auditLog.Log(audit.NewEvent(audit.EventRunResolved).
		WithIncident(inc.ID).
		WithStage(string(model.StageDone), state.Iteration).
		WithDescription(outcome).
		WithResult(audit.ResultSuccess).
		WithDuration(time.Since(runStart)))

	metrics.RunsCompleted.WithLabelValues(outcome).Inc()
	metrics.RunDuration.Observe(time.Since(runStart).Seconds())
	metrics.LoopIterations.Observe(float64(state.Iteration))
	return nil
}

// escalate hands the incident back to the queue flagged for a human.
// Workers skip flagged incidents; the retry endpoint clears the flag.
func (r *Runner) escalate(ctx context.Context, inc *model.Incident, state model.LoopState, reason string) error {
	meta := runMetadata(state)
	meta[model.MetaNeedsReview] = true
	meta[model.MetaEscalationReason] = reason

	if err := r.store.RequeueIncident(ctx, inc.ID, meta); err != nil {
		return fmt.Errorf("failed to escalate incident %s: %w", inc.ID, err)
	}
	r.hub.Publish(inc.ID, model.StageDone, model.StatusQueued, state, reason)

	r.auditLog.Log(audit.NewEvent(audit.EventRunEscalated).
		WithIncident(inc.ID).
		WithStage(string(model.StageDone), state.Iteration).
		WithDescription(reason).
		WithResult(audit.ResultFailure))

	r.logger.Warn("incident escalated to manual review",
		zap.String("incident_id", inc.ID),
		zap.String("reason", reason))
	metrics.RunsCompleted.WithLabelValues("escalated").Inc()
	return nil
}

// requeueCanceled returns a half-finished incident to the queue on
// shutdown or explicit cancellation, with its audit trail intact. Uses a
// fresh context since the run's own context is already done.
func (r *Runner) requeueCanceled(inc *model.Incident, state model.LoopState) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	meta := runMetadata(state)
	if err := r.store.RequeueIncident(ctx, inc.ID, meta); err != nil {
		return fmt.Errorf("failed to requeue canceled incident %s: %w", inc.ID, err)
	}
	r.hub.Publish(inc.ID, model.StageDone, model.StatusQueued, state, "run canceled")

	r.auditLog.Log(audit.NewEvent(audit.EventRunRequeued).
		WithIncident(inc.ID).
		WithStage(string(model.StageDone), state.Iteration).
		WithDescription("run canceled before completion").
		WithResult(audit.ResultPending))

	metrics.RunsCompleted.WithLabelValues("requeued").Inc()
	return nil
}

// runMetadata mirrors the loop-local audit trail into incident metadata.
func runMetadata(state model.LoopState) map[string]any {
	meta := map[string]any{
		model.MetaActions:   state.ActionStrings(),
		model.MetaIteration: state.Iteration,
	}
	if state.Issue != "" {
		meta[model.MetaLastIssue] = state.Issue
	}
	if state.ParseFailures > 0 {
		meta[model.MetaReasonFailures] = state.ParseFailures
	}
	return meta
}

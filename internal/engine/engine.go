/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package engine drives executions through their playbooks.
//
// Each in-flight execution is owned by exactly one worker goroutine and
// a process-wide semaphore caps how many run at once. Steps within an
// execution are strictly sequential; every step boundary is persisted
// before the cursor moves. Approval steps park the execution in
// WAITING_APPROVAL holding nothing in memory; operator decisions and
// the expiry sweeper re-enter through Resume, which reloads the record
// and hands it back to a worker.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/soar/internal/approval"
	"github.com/cybersentinel/soar/internal/connector"
	"github.com/cybersentinel/soar/internal/execution"
	"github.com/cybersentinel/soar/internal/metrics"
	"github.com/cybersentinel/soar/internal/playbook"
	"github.com/cybersentinel/soar/internal/sla"
	"github.com/cybersentinel/soar/internal/telemetry"
)

// MaxStepExecutions bounds step dispatches per execution. The dispatch
// that would exceed it fails the execution with LOOP_DETECTED, so a
// playbook that slipped past cycle validation still terminates.
const MaxStepExecutions = 100

// DefaultStepTimeout bounds connector calls for steps that declare no
// timeout_seconds.
const DefaultStepTimeout = 60 * time.Second

const defaultMaxConcurrent = 16

// Engine-local failure codes for conditions the step taxonomy has no
// name for.
const (
	// CodePlaybookNotFound fails executions whose playbook version
	// vanished between admission and dispatch.
	CodePlaybookNotFound = "PLAYBOOK_NOT_FOUND"
	// CodeInterrupted closes step records a process restart abandoned
	// mid-dispatch; the step itself is re-dispatched.
	CodeInterrupted = "INTERRUPTED"
)

// Options tune the engine.
type Options struct {
	// MaxConcurrent caps concurrently running executions. Zero means 16.
	MaxConcurrent int
	// StepTimeout bounds steps that declare no timeout_seconds. Zero
	// means 60s.
	StepTimeout time.Duration
}

// Engine owns the worker pool and the dispatch loop.
type Engine struct {
	playbooks  *playbook.Store
	executions *execution.Store
	approvals  *approval.Store
	connectors *connector.Registry
	logger     *zap.Logger

	stepTimeout time.Duration
	sem         chan struct{}

	mu        sync.Mutex
	baseCtx   context.Context
	inFlight  map[string]context.CancelFunc
	cancelled map[string]struct{}
	handoff   map[string]struct{}

	wg    sync.WaitGroup
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires the engine to its stores and connector registry.
func NewEngine(
	playbooks *playbook.Store,
	executions *execution.Store,
	approvals *approval.Store,
	connectors *connector.Registry,
	opts Options,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	stepTimeout := opts.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Engine{
		playbooks:   playbooks,
		executions:  executions,
		approvals:   approvals,
		connectors:  connectors,
		logger:      logger.With(zap.String("component", "engine")),
		stepTimeout: stepTimeout,
		sem:         make(chan struct{}, maxConcurrent),
		inFlight:    make(map[string]context.CancelFunc),
		cancelled:   make(map[string]struct{}),
		handoff:     make(map[string]struct{}),
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Start pins the lifetime context workers run under. Must be called
// once before Submit.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
}

// Stop waits for in-flight workers to drain. Callers cancel the Start
// context first; workers notice at their next suspension point and
// leave their executions at the last persisted boundary.
func (e *Engine) Stop() {
	e.wg.Wait()
}

// Submit hands an execution to a worker. Returns false when the
// execution already has one; the single-worker rule is what keeps
// execution documents single-writer.
func (e *Engine) Submit(executionID string) bool {
	e.mu.Lock()
	if e.baseCtx == nil {
		e.mu.Unlock()
		e.logger.Error("submit before Start", zap.String("execution_id", executionID))
		return false
	}
	if _, busy := e.inFlight[executionID]; busy {
		e.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(e.baseCtx)
	e.inFlight[executionID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(runCtx, executionID)
	return true
}

// Recover requeues executions a previous process left EXECUTING and
// delivers approval decisions that were persisted but never resumed.
// Undecided WAITING_APPROVAL executions stay parked: a decision or the
// expiry sweeper resumes them.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := e.executions.ListIDsByState(ctx, execution.StateExecuting)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.Submit(id)
	}
	if len(ids) > 0 {
		e.logger.Info("requeued interrupted executions", zap.Int("count", len(ids)))
	}

	replayed, err := e.replayDecided(ctx)
	if err != nil {
		return len(ids), err
	}
	return len(ids) + replayed, nil
}

// replayDecided finds parked executions whose approval was decided but
// whose wakeup was lost to a crash, and delivers the decision now.
func (e *Engine) replayDecided(ctx context.Context) (int, error) {
	ids, err := e.executions.ListIDsByState(ctx, execution.StateWaitingApproval)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, id := range ids {
		exec, err := e.executions.Get(ctx, id)
		if err != nil || exec.CurrentApprovalID == "" {
			continue
		}
		a, err := e.approvals.Get(ctx, exec.CurrentApprovalID)
		if err != nil || a.Pending() {
			continue
		}
		e.Resume(ctx, a)
		replayed++
	}
	if replayed > 0 {
		e.logger.Info("replayed decided approvals", zap.Int("count", replayed))
	}
	return replayed, nil
}

// Cancel fails a non-terminal execution with CANCELLED. An in-flight
// step is abandoned: the worker's context is cancelled and whatever the
// connector eventually returns is discarded.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Terminal() {
		return execution.ErrTerminal
	}

	e.mu.Lock()
	e.cancelled[executionID] = struct{}{}
	cancelRun, owned := e.inFlight[executionID]
	e.mu.Unlock()

	if owned {
		// The worker abandons its step and settles the cancel when it
		// lets go of the execution.
		cancelRun()
		return nil
	}

	// No worker owns it: parked in WAITING_APPROVAL or orphaned.
	e.finalizeCancelled(exec)
	e.mu.Lock()
	delete(e.cancelled, executionID)
	e.mu.Unlock()
	return nil
}

// Resume applies a resolved approval to its parked execution and hands
// the execution back to a worker. It satisfies approval.Resumer, so the
// decision endpoint and the expiry sweeper share one path.
func (e *Engine) Resume(ctx context.Context, a approval.Approval) {
	exec, err := e.executions.Get(ctx, a.ExecutionID)
	if err != nil {
		e.logger.Error("resume: load execution failed",
			zap.String("execution_id", a.ExecutionID), zap.Error(err))
		return
	}
	if exec.Terminal() {
		return
	}
	if exec.CurrentApprovalID != a.ID {
		e.logger.Warn("resume: stale approval ignored",
			zap.String("execution_id", exec.ID),
			zap.String("approval_id", a.ID))
		return
	}
	pb, err := e.playbooks.Get(ctx, exec.PlaybookID, exec.PlaybookVersion)
	if err != nil {
		e.failExecution(exec, CodePlaybookNotFound,
			fmt.Sprintf("playbook %s@%s: %v", exec.PlaybookID, exec.PlaybookVersion, err))
		return
	}
	step, ok := pb.StepByID(a.StepID)
	if !ok {
		e.failExecution(exec, execution.CodeMissingStep,
			fmt.Sprintf("approval step %q is not defined in playbook %s@%s", a.StepID, pb.ID, pb.Version))
		return
	}
	rec := waitingRecord(exec, a.StepID)
	if rec == nil {
		e.logger.Error("resume: no waiting step record",
			zap.String("execution_id", exec.ID), zap.String("step_id", a.StepID))
		return
	}

	now := e.now().UTC()
	decidedAt := now
	if a.DecidedAt != nil {
		decidedAt = a.DecidedAt.UTC()
	}
	exec.WaitingApprovalMs += decidedAt.Sub(a.CreatedAt).Milliseconds()
	exec.CurrentApprovalID = ""

	var next string
	switch a.Decision {
	case approval.DecisionApproved:
		e.finishStep(exec, rec, execution.StepCompleted, map[string]any{
			"decision":    a.Decision,
			"decided_by":  a.DecidedBy,
			"approval_id": a.ID,
		}, nil)
		exec.RecordTimeline(execution.EventApprovalDecided, a.StepID,
			fmt.Sprintf("approved by %s", a.DecidedBy), now)
		next = step.OnApproved
		if next == "" {
			next = pb.NextDeclared(step.ID)
		}

	case approval.DecisionRejected:
		stepErr := &execution.Error{
			Code:    execution.CodeApprovalRejected,
			Message: fmt.Sprintf("rejected by %s", a.DecidedBy),
		}
		e.finishStep(exec, rec, execution.StepFailed, map[string]any{
			"decision":    a.Decision,
			"decided_by":  a.DecidedBy,
			"approval_id": a.ID,
		}, stepErr)
		exec.RecordTimeline(execution.EventApprovalDecided, a.StepID,
			fmt.Sprintf("rejected by %s", a.DecidedBy), now)
		switch step.OnRejected {
		case "", "fail", "stop":
			e.failExecution(exec, execution.CodeApprovalRejected, stepErr.Message)
			return
		default:
			next = step.OnRejected
		}

	case approval.DecisionTimedOut:
		exec.RecordTimeline(execution.EventApprovalTimeout, a.StepID,
			fmt.Sprintf("approval %s expired undecided", a.ID), now)
		stepErr := &execution.Error{
			Code:    execution.CodeApprovalTimeout,
			Message: "approval expired undecided",
		}
		switch step.OnTimeout {
		case "", "fail":
			e.finishStep(exec, rec, execution.StepFailed, nil, stepErr)
			e.failExecution(exec, execution.CodeApprovalTimeout,
				fmt.Sprintf("approval %s expired undecided", a.ID))
			return
		case "continue":
			e.finishStep(exec, rec, execution.StepFailed, nil, stepErr)
			next = pb.NextDeclared(step.ID)
		case "skip", playbook.EndTarget:
			e.finishStep(exec, rec, execution.StepSkipped, nil, stepErr)
			e.completeExecution(exec)
			return
		default:
			e.finishStep(exec, rec, execution.StepFailed, nil, stepErr)
			next = step.OnTimeout
		}

	default:
		e.logger.Error("resume: approval still pending",
			zap.String("approval_id", a.ID))
		return
	}

	if next == "" {
		next = playbook.EndTarget
	}
	exec.State = execution.StateExecuting
	exec.CurrentStepID = next
	exec.RecordTimeline(execution.EventExecutionResumed, a.StepID,
		fmt.Sprintf("resuming at %s", next), now)
	if err := e.executions.Save(ctx, exec); err != nil {
		e.logger.Error("resume: persist failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}
	e.submitForResume(exec.ID)
}

// submitForResume is Submit for executions coming out of a park. If the
// parking worker has not released yet, the resumption is queued and
// release completes the handoff; a plain Submit would be refused and the
// execution would strand EXECUTING with no worker.
func (e *Engine) submitForResume(executionID string) {
	e.mu.Lock()
	if _, busy := e.inFlight[executionID]; busy {
		e.handoff[executionID] = struct{}{}
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.Submit(executionID)
}

func (e *Engine) run(ctx context.Context, executionID string) {
	defer e.wg.Done()

	var exec *execution.Execution
	defer func() {
		// release and the flag reads are atomic, so a Cancel that won the
		// flag race is always settled by exactly one side.
		cancelled, again := e.release(executionID)
		switch {
		case cancelled:
			e.settleCancel(executionID, exec)
		case again:
			e.Submit(executionID)
		}
	}()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-e.sem }()

	var err error
	exec, err = e.executions.Get(ctx, executionID)
	if err != nil {
		e.logger.Error("load execution failed",
			zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if exec.Terminal() || exec.State == execution.StateWaitingApproval {
		return
	}

	pb, err := e.playbooks.Get(ctx, exec.PlaybookID, exec.PlaybookVersion)
	if err != nil {
		e.failExecution(exec, CodePlaybookNotFound,
			fmt.Sprintf("playbook %s@%s: %v", exec.PlaybookID, exec.PlaybookVersion, err))
		return
	}

	ctx, span := telemetry.StartExecutionSpan(ctx, exec.ID, exec.PlaybookID, exec.Source, exec.Severity)
	defer func() { telemetry.EndExecutionSpan(span, exec.State, len(exec.Steps)) }()

	closeInterrupted(exec, e.now().UTC())
	e.drive(ctx, exec, &pb)
}

// drive is the dispatch loop: advance the cursor until the execution
// parks, fails, completes, or the worker is told to let go.
func (e *Engine) drive(ctx context.Context, exec *execution.Execution, pb *playbook.Playbook) {
	cur := exec.CurrentStepID
	if cur == "" {
		cur = pb.EntryStep()
	}
	for {
		if ctx.Err() != nil {
			// Shutdown leaves the record EXECUTING at its last persisted
			// boundary; cancellation is finalized by the caller.
			return
		}
		if cur == "" || cur == playbook.EndTarget {
			e.completeExecution(exec)
			return
		}
		// The cursor moves before the guards so a missing-step or
		// loop-cap failure names the step it tripped on.
		exec.CurrentStepID = cur
		step, ok := pb.StepByID(cur)
		if !ok {
			e.failExecution(exec, execution.CodeMissingStep,
				fmt.Sprintf("step %q is not defined in playbook %s@%s", cur, pb.ID, pb.Version))
			return
		}

		exec.StepExecutions++
		if exec.StepExecutions > MaxStepExecutions {
			e.failExecution(exec, execution.CodeLoopDetected,
				fmt.Sprintf("dispatch budget of %d exhausted at step %q", MaxStepExecutions, cur))
			return
		}

		rec := e.startStep(exec, step)
		if !e.persist(ctx, exec) {
			return
		}

		v := e.dispatch(ctx, exec, pb, step, rec)
		switch {
		case v.halted, v.parked:
			return
		case v.failed:
			e.failExecution(exec, v.code, v.message)
			return
		default:
			if !e.persist(ctx, exec) {
				return
			}
			cur = v.next
		}
	}
}

// verdict is one dispatch outcome: where the cursor goes next, or how
// the run ends instead.
type verdict struct {
	next    string
	parked  bool // persisted WAITING_APPROVAL; the worker yields
	halted  bool // abandoned mid-step (shutdown, cancel, failed save)
	failed  bool // execution fails with code/message
	code    string
	message string
}

// release drops the worker's ownership and reports what it owes: a
// cancel to settle, or a queued resumption to hand to a fresh worker.
func (e *Engine) release(executionID string) (cancelled, again bool) {
	e.mu.Lock()
	if cancel, ok := e.inFlight[executionID]; ok {
		cancel()
		delete(e.inFlight, executionID)
	}
	_, cancelled = e.cancelled[executionID]
	delete(e.cancelled, executionID)
	_, again = e.handoff[executionID]
	delete(e.handoff, executionID)
	e.mu.Unlock()
	return cancelled, again
}

// settleCancel finalizes an execution whose worker was cancelled. The
// worker's own document is used when it got far enough to load one.
func (e *Engine) settleCancel(executionID string, exec *execution.Execution) {
	if exec == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		loaded, err := e.executions.Get(ctx, executionID)
		if err != nil {
			e.logger.Error("cancel: load execution failed",
				zap.String("execution_id", executionID), zap.Error(err))
			return
		}
		exec = loaded
	}
	if exec.Terminal() {
		return
	}
	e.finalizeCancelled(exec)
}

func (e *Engine) startStep(exec *execution.Execution, step *playbook.Step) *execution.StepRecord {
	now := e.now().UTC()
	exec.Steps = append(exec.Steps, execution.StepRecord{
		StepID:    step.ID,
		Type:      step.Type,
		Name:      step.Name,
		State:     execution.StepExecuting,
		StartedAt: now,
	})
	exec.RecordTimeline(execution.EventStepStarted, step.ID, "", now)
	return exec.LastStep()
}

func (e *Engine) finishStep(exec *execution.Execution, rec *execution.StepRecord, state string, output map[string]any, stepErr *execution.Error) {
	now := e.now().UTC()
	rec.State = state
	rec.Output = output
	if stepErr != nil && stepErr.At.IsZero() {
		stepErr.At = now
	}
	rec.Error = stepErr
	rec.CompletedAt = &now
	rec.DurationMs = now.Sub(rec.StartedAt).Milliseconds()

	event := execution.EventStepCompleted
	message := ""
	switch state {
	case execution.StepFailed:
		event = execution.EventStepFailed
		if stepErr != nil {
			message = stepErr.Code
		}
	case execution.StepSkipped:
		event = execution.EventStepSkipped
		if stepErr != nil {
			message = stepErr.Code
		}
	}
	exec.RecordTimeline(event, rec.StepID, message, now)
	metrics.RecordStepComplete(rec.Type, state, time.Duration(rec.DurationMs)*time.Millisecond)
}

// advance routes a completed step per its on_success transition.
func (e *Engine) advance(exec *execution.Execution, pb *playbook.Playbook, step *playbook.Step) verdict {
	t := step.SuccessTransition()
	switch t.Action {
	case playbook.TransitionEnd:
		return verdict{next: playbook.EndTarget}
	case playbook.TransitionGoto:
		return verdict{next: t.Target}
	default:
		next := pb.NextDeclared(step.ID)
		if next == "" {
			next = playbook.EndTarget
		}
		return verdict{next: next}
	}
}

// persist saves mid-run state. A failed save abandons the worker; the
// record's last durable boundary wins on recovery.
func (e *Engine) persist(ctx context.Context, exec *execution.Execution) bool {
	if err := e.executions.Save(ctx, exec); err != nil {
		e.logger.Error("persist execution failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
		return false
	}
	return true
}

func (e *Engine) completeExecution(exec *execution.Execution) {
	exec.State = execution.StateCompleted
	exec.Error = nil
	e.finishExecution(exec, execution.EventExecutionDone, "")
}

func (e *Engine) failExecution(exec *execution.Execution, code, message string) {
	exec.State = execution.StateFailed
	exec.Error = &execution.Error{
		Code:    code,
		Message: message,
		StepID:  exec.CurrentStepID,
		At:      e.now().UTC(),
	}
	e.finishExecution(exec, execution.EventExecutionFailed, message)
}

func (e *Engine) finalizeCancelled(exec *execution.Execution) {
	// A pending approval must not outlive its execution.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.approvals.DeletePending(ctx, exec.ID); err != nil {
		e.logger.Warn("delete pending approvals failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	exec.CurrentApprovalID = ""

	now := e.now().UTC()
	if rec := exec.LastStep(); rec != nil && rec.State == execution.StepExecuting {
		rec.State = execution.StepFailed
		rec.Error = &execution.Error{Code: execution.CodeCancelled, Message: "abandoned by cancel", At: now}
		done := now
		rec.CompletedAt = &done
		rec.DurationMs = now.Sub(rec.StartedAt).Milliseconds()
	}
	exec.State = execution.StateFailed
	exec.Error = &execution.Error{
		Code:    execution.CodeCancelled,
		Message: "cancelled by operator",
		StepID:  exec.CurrentStepID,
		At:      now,
	}
	e.finishExecution(exec, execution.EventExecutionFailed, "execution cancelled")
}

// finishExecution stamps the terminal fields and persists. It uses a
// background context: terminal writes must not be lost to a dying
// request or worker context.
func (e *Engine) finishExecution(exec *execution.Execution, eventType, message string) {
	now := e.now().UTC()
	exec.CompletedAt = &now
	exec.DurationMs = now.Sub(exec.StartedAt).Milliseconds()
	exec.CurrentStepID = ""
	exec.RecordTimeline(eventType, "", message, now)
	sla.Finalize(exec)
	metrics.RecordExecutionComplete(exec.State, time.Duration(exec.DurationMs)*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.executions.Save(ctx, exec); err != nil {
		e.logger.Error("persist terminal execution failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	e.logger.Info("execution finished",
		zap.String("execution_id", exec.ID),
		zap.String("state", exec.State),
		zap.Int("steps", len(exec.Steps)),
		zap.Int64("duration_ms", exec.DurationMs))
}

// waitingRecord finds the EXECUTING record of the approval step the
// execution parked on.
func waitingRecord(exec *execution.Execution, stepID string) *execution.StepRecord {
	for i := len(exec.Steps) - 1; i >= 0; i-- {
		rec := &exec.Steps[i]
		if rec.StepID == stepID && rec.State == execution.StepExecuting {
			return rec
		}
	}
	return nil
}

// closeInterrupted fails step records a crash left EXECUTING. The
// cursor still points at the step, so it is re-dispatched under a fresh
// record.
func closeInterrupted(exec *execution.Execution, now time.Time) {
	for i := range exec.Steps {
		rec := &exec.Steps[i]
		if rec.State != execution.StepExecuting {
			continue
		}
		rec.State = execution.StepFailed
		rec.Error = &execution.Error{Code: CodeInterrupted, Message: "abandoned by restart", At: now}
		done := now
		rec.CompletedAt = &done
		rec.DurationMs = now.Sub(rec.StartedAt).Milliseconds()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

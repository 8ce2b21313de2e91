package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratum-cloud/stratum/pkg/telemetry"
)

// Options configures an Executor.
type Options struct {
	// Store is the durable step store. Required.
	Store StepStore

	// Ledger records jobs. Required.
	Ledger JobLedger

	// Registry resolves workflow definitions. Required.
	Registry *Registry

	// Telemetry provides logging, metrics and tracing. Nil disables them.
	Telemetry *telemetry.Telemetry

	// Events receives timeline events. Defaults to the telemetry publisher.
	Events EventPublisher

	// Notifier delivers terminal job state to notification targets.
	Notifier Notifier

	// Retry bounds retries of forward and compensating actions.
	Retry RetryPolicy

	// StepTimeout bounds one attempt of a step without its own timeout.
	StepTimeout time.Duration

	// MaxParallel bounds the number of workflows driven at once.
	MaxParallel int

	// PollInterval is how often Await re-reads a job it cannot observe directly.
	PollInterval time.Duration
}

// Executor runs workflow instances. Each instance is driven by its own
// goroutine; steps within an instance run strictly in order.
type Executor struct {
	store        StepStore
	ledger       JobLedger
	registry     *Registry
	tel          *telemetry.Telemetry
	logger       *telemetry.Logger
	events       EventPublisher
	notifier     Notifier
	retry        RetryPolicy
	stepTimeout  time.Duration
	pollInterval time.Duration

	sem chan struct{}

	mu      sync.Mutex
	running map[string]chan struct{}
	cancels map[string]bool

	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// errStopped signals that the executor is shutting down mid-workflow. The
// workflow stays active in the store and is picked up by ResumeAll.
var errStopped = errors.New("executor stopped")

// NewExecutor creates a new executor.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("step store is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("job ledger is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("workflow registry is required")
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	events := opts.Events
	if events == nil {
		events = NewTelemetryPublisher(tel.Events)
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 16
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}

	baseCtx, stop := context.WithCancel(context.Background())

	return &Executor{
		store:        opts.Store,
		ledger:       opts.Ledger,
		registry:     opts.Registry,
		tel:          tel,
		logger:       tel.Logger.NewComponentLogger("executor"),
		events:       events,
		notifier:     opts.Notifier,
		retry:        opts.Retry.withDefaults(),
		stepTimeout:  opts.StepTimeout,
		pollInterval: opts.PollInterval,
		sem:          make(chan struct{}, opts.MaxParallel),
		running:      make(map[string]chan struct{}),
		cancels:      make(map[string]bool),
		baseCtx:      baseCtx,
		stop:         stop,
		sleep:        sleepContext,
	}, nil
}

// Submit records a job and starts its workflow. Submitting a known job
// identifier with identical inputs returns the existing job without starting
// a second workflow; different inputs fail with a conflict error.
func (e *Executor) Submit(ctx context.Context, sub Submission) (*SubmitResult, error) {
	if sub.JobID == "" {
		return nil, NewValidationError("job id is required", nil)
	}
	if sub.ResourceID == "" {
		return nil, NewValidationError("resource id is required", nil)
	}
	if _, err := e.registry.Get(sub.Type); err != nil {
		return nil, err
	}
	inputs := sub.Inputs
	if len(inputs) == 0 {
		inputs = json.RawMessage("{}")
	}

	now := time.Now().UTC()
	wf := &WorkflowInstance{
		ID:         uuid.New().String(),
		JobID:      sub.JobID,
		Type:       sub.Type,
		ResourceID: sub.ResourceID,
		Status:     WorkflowStatusCreated,
		Phase:      PhaseForward,
		Inputs:     inputs,
		Steps:      make(map[int]*StepRecord),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	job := &Job{
		ID:                 sub.JobID,
		WorkflowID:         wf.ID,
		Type:               sub.Type,
		ResourceID:         sub.ResourceID,
		Status:             JobStatusRunning,
		NotificationTarget: sub.NotificationTarget,
		SubmittedAt:        now,
		UpdatedAt:          now,
	}

	existing, created, err := e.ledger.Register(ctx, job, wf)
	if err != nil {
		return nil, err
	}
	if !created {
		e.logger.WithJobID(existing.ID).Debug("duplicate submission")
		if !existing.Status.IsTerminal() {
			// Re-attach in case the workflow was orphaned by a restart.
			e.launch(existing.WorkflowID)
		}
		return &SubmitResult{Job: existing, Disposition: SubmitDuplicate}, nil
	}

	e.tel.Metrics.RecordWorkflowStarted(string(wf.Type))
	e.publish(ctx, EventTypeWorkflowStarted, wf, "", "workflow accepted", nil)
	e.launch(wf.ID)

	return &SubmitResult{Job: job, Disposition: SubmitAccepted}, nil
}

// ResumeAll re-attaches to every non-terminal workflow in the store and
// redelivers pending notifications. It returns the number of workflows resumed.
func (e *Executor) ResumeAll(ctx context.Context) (int, error) {
	active, err := e.store.ListActiveWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active workflows: %w", err)
	}

	for _, wf := range active {
		e.launch(wf.ID)
	}

	if e.notifier != nil {
		pending, err := e.ledger.PendingNotifications(ctx)
		if err != nil {
			e.logger.WithError(err).Warn("failed to list pending notifications")
		} else {
			for _, job := range pending {
				e.wg.Add(1)
				go func(jobID string) {
					defer e.wg.Done()
					e.deliver(e.baseCtx, jobID)
				}(job.ID)
			}
		}
	}

	e.logger.Infof("resumed %d workflows", len(active))
	return len(active), nil
}

// Cancel requests cancellation of a running job. The in-flight forward
// action is not interrupted; the workflow rolls back at the next step boundary.
func (e *Executor) Cancel(ctx context.Context, jobID string) error {
	job, err := e.ledger.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return NewConflictError(fmt.Sprintf("job %s already %s", jobID, job.Status), nil)
	}
	if err := e.store.RequestCancel(ctx, job.WorkflowID); err != nil {
		return err
	}

	e.mu.Lock()
	e.cancels[job.WorkflowID] = true
	e.mu.Unlock()

	e.publish(ctx, EventTypeCancelRequested, &WorkflowInstance{ID: job.WorkflowID, JobID: job.ID, ResourceID: job.ResourceID},
		"", "cancellation requested", nil)
	return nil
}

// Await blocks until the job reaches a terminal status or ctx is done.
func (e *Executor) Await(ctx context.Context, jobID string) (*Job, error) {
	for {
		job, err := e.ledger.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}

		e.mu.Lock()
		done := e.running[job.WorkflowID]
		e.mu.Unlock()

		timer := time.NewTimer(e.pollInterval)
		select {
		case <-done:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

// Wait blocks until every workflow goroutine has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Shutdown stops driving workflows. Workflows interrupted mid-step stay
// active in the store and resume on the next start.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown timeout: %w", ctx.Err())
	}
}

// launch starts a goroutine driving the workflow unless one is already running.
func (e *Executor) launch(workflowID string) {
	e.mu.Lock()
	if _, ok := e.running[workflowID]; ok {
		e.mu.Unlock()
		return
	}
	done := make(chan struct{})
	e.running[workflowID] = done
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, workflowID)
			delete(e.cancels, workflowID)
			e.mu.Unlock()
			close(done)
		}()

		for {
			select {
			case e.sem <- struct{}{}:
			case <-e.baseCtx.Done():
				return
			}
			wfType, settled := e.drive(e.baseCtx, workflowID)
			<-e.sem

			if settled || e.baseCtx.Err() != nil {
				return
			}

			// The store refused the workflow's state; keep the job RUNNING and
			// try again instead of waiting for a restart.
			e.logger.WithWorkflowID(workflowID).Warn("workflow stalled on a storage failure, retrying")
			e.tel.Metrics.RecordWorkflowStalled(string(wfType))
			e.publish(e.baseCtx, EventTypeWorkflowStalled, &WorkflowInstance{ID: workflowID, Type: wfType}, "",
				"workflow stalled on a storage failure", map[string]interface{}{"retry_in_ms": e.retry.MaxDelay.Milliseconds()})
			if err := e.sleep(e.baseCtx, e.retry.MaxDelay); err != nil {
				return
			}
		}
	}()
}

// drive executes a workflow from its persisted cursor to a terminal state.
// It reports false when the workflow was left active, either because the
// executor is stopping or because its state could not be persisted.
func (e *Executor) drive(ctx context.Context, workflowID string) (WorkflowType, bool) {
	var wf *WorkflowInstance
	err := e.persist(ctx, func() error {
		var err error
		wf, err = e.store.LoadWorkflow(ctx, workflowID)
		return err
	})
	if err != nil {
		if HasCode(err, ErrCodeNotFound) {
			e.logger.WithField("workflow_id", workflowID).Error("workflow not found")
			return "", true
		}
		e.logger.WithField("workflow_id", workflowID).WithError(err).Error("failed to load workflow")
		return "", false
	}
	if wf.Status.IsTerminal() {
		return wf.Type, true
	}
	if wf.Steps == nil {
		wf.Steps = make(map[int]*StepRecord)
	}

	log := e.logger.WithWorkflowID(wf.ID).WithJobID(wf.JobID).WithResourceID(wf.ResourceID)

	def, err := e.registry.Get(wf.Type)
	if err != nil {
		log.WithError(err).Error("workflow type is not registered")
		return wf.Type, e.finish(ctx, wf, Outcome{Status: WorkflowStatusFailed, Error: NewJobError(err)})
	}

	ctx, span := e.tel.Tracer.StartWorkflowSpan(ctx, wf.ID, string(wf.Type))
	defer span.End()
	timer := telemetry.NewTimer()
	e.tel.Metrics.IncActiveWorkflows()
	defer e.tel.Metrics.DecActiveWorkflows()

	if wf.Status == WorkflowStatusCreated {
		if err := e.persist(ctx, func() error { return e.store.SetStatus(ctx, wf.ID, WorkflowStatusRunning) }); err != nil {
			log.WithError(err).Error("failed to mark workflow running")
			return wf.Type, false
		}
		wf.Status = WorkflowStatusRunning
	} else {
		log.Infof("resuming workflow at step %d (%s)", wf.Cursor, wf.Phase)
		e.publish(ctx, EventTypeWorkflowResumed, wf, "", "workflow resumed", map[string]interface{}{
			"cursor": wf.Cursor,
			"phase":  string(wf.Phase),
		})
	}

	var outcome *Outcome
	if wf.Phase == PhaseCompensating {
		outcome = e.rollback(ctx, wf, def)
	} else {
		outcome = e.forward(ctx, wf, def)
	}
	if outcome == nil {
		// Interrupted; the workflow stays active.
		return wf.Type, false
	}

	if outcome.Error != nil {
		telemetry.RecordError(span, outcome.Error)
	} else {
		telemetry.RecordSuccess(span)
	}
	if !e.finish(ctx, wf, *outcome) {
		return wf.Type, false
	}
	e.tel.Metrics.RecordWorkflowCompleted(string(wf.Type), string(outcome.Status), timer.Duration())
	return wf.Type, true
}

// forward runs the remaining forward steps. It returns nil when the workflow
// was interrupted and must be left active.
func (e *Executor) forward(ctx context.Context, wf *WorkflowInstance, def *Definition) *Outcome {
	log := e.logger.WithWorkflowID(wf.ID).WithJobID(wf.JobID)

	for i := wf.Cursor; i < len(def.Steps); i++ {
		if _, done := wf.Steps[i]; done {
			continue
		}

		if e.cancelRequested(wf) {
			failure := NewPermanentError("cancelled by request", nil).WithCode(ErrCodeCancelled)
			return e.beginRollback(ctx, wf, def, i, failure)
		}

		step := def.Steps[i]
		out, err := e.runForward(ctx, wf, def, i)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errStopped) {
				return nil
			}
			log.WithField("step", step.Name).WithError(err).Warn("step failed")
			return e.beginRollback(ctx, wf, def, i, Classify(err))
		}

		if err := e.persist(ctx, func() error { return e.store.SaveStep(ctx, wf.ID, i, step.Name, out) }); err != nil {
			// The output is lost; the step re-runs on resume under its idempotency contract.
			log.WithField("step", step.Name).WithError(err).Error("failed to record step output")
			return nil
		}
		wf.Steps[i] = &StepRecord{Index: i, Name: step.Name, Output: out, CompletedAt: time.Now().UTC()}
		wf.Cursor = i + 1
	}

	sc := &StepContext{workflow: wf, def: def, index: len(def.Steps) - 1}
	var result json.RawMessage
	if def.Result != nil {
		v, err := def.Result(sc)
		if err == nil {
			result, err = json.Marshal(v)
			if err != nil {
				err = NewPermanentError("encode workflow result", err).WithCode(ErrCodeInternal)
			}
		}
		if err != nil {
			// Every step has completed, so their effects are undone like any
			// other failure before the job is reported FAILED.
			log.WithError(err).Warn("workflow result could not be built")
			return e.beginRollback(ctx, wf, def, len(def.Steps)-1, Classify(err))
		}
	}

	return &Outcome{Status: WorkflowStatusSucceeded, Result: result}
}

// runForward executes one forward step with bounded retry.
func (e *Executor) runForward(ctx context.Context, wf *WorkflowInstance, def *Definition, index int) (json.RawMessage, error) {
	step := def.Steps[index]
	sc := &StepContext{workflow: wf, def: def, index: index}

	ctx, span := e.tel.Tracer.StartStepSpan(ctx, wf.ID, step.Name, string(PhaseForward))
	defer span.End()

	e.publish(ctx, EventTypeStepStarted, wf, step.Name, fmt.Sprintf("step %s started", step.Name), nil)
	timer := telemetry.NewTimer()

	var out json.RawMessage
	err := e.withRetry(ctx, wf, step, func(attemptCtx context.Context) error {
		v, err := step.Forward(attemptCtx, sc)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return NewPermanentError("encode step output", err).WithCode(ErrCodeInternal)
		}
		out = raw
		return nil
	})

	status := "succeeded"
	if err != nil {
		status = "failed"
		telemetry.RecordError(span, err)
		e.recordError(err)
		e.publish(ctx, EventTypeStepFailed, wf, step.Name, err.Error(), nil)
	} else {
		telemetry.RecordSuccess(span)
		e.publish(ctx, EventTypeStepCompleted, wf, step.Name, fmt.Sprintf("step %s completed", step.Name), nil)
	}
	e.tel.Metrics.RecordStepExecution(string(wf.Type), step.Name, status, timer.Duration())

	return out, err
}

// beginRollback records the failure durably and compensates completed steps.
func (e *Executor) beginRollback(ctx context.Context, wf *WorkflowInstance, def *Definition, index int, failure *EngineError) *Outcome {
	jerr := NewJobError(failure)
	if jerr.Details == nil {
		jerr.Details = make(map[string]interface{})
	}
	if index >= 0 && index < len(def.Steps) {
		jerr.Details["step"] = def.Steps[index].Name
	}

	if err := e.persist(ctx, func() error { return e.store.SetPhase(ctx, wf.ID, PhaseCompensating, jerr) }); err != nil {
		e.logger.WithWorkflowID(wf.ID).WithError(err).Error("failed to record rollback")
		return nil
	}
	wf.Phase = PhaseCompensating
	wf.Failure = jerr

	return e.rollback(ctx, wf, def)
}

// rollback runs compensating actions of completed steps in reverse order.
// A compensation that cannot be completed stops the rollback and marks the
// workflow rollback-incomplete.
func (e *Executor) rollback(ctx context.Context, wf *WorkflowInstance, def *Definition) *Outcome {
	log := e.logger.WithWorkflowID(wf.ID).WithJobID(wf.JobID).WithResourceID(wf.ResourceID)

	for i := len(def.Steps) - 1; i >= 0; i-- {
		rec, ok := wf.Steps[i]
		if !ok || rec.Compensated() {
			continue
		}
		step := def.Steps[i]
		if step.Compensate == nil {
			continue
		}

		if err := e.runCompensation(ctx, wf, def, i); err != nil {
			if ctx.Err() != nil || errors.Is(err, errStopped) {
				return nil
			}

			fatal := NewInfrastructureFatalError(fmt.Sprintf("compensation of step %q failed", step.Name), err).
				WithResource(wf.ResourceID).
				WithDetail("step", step.Name)
			if wf.Failure != nil {
				fatal.WithDetail("cause", wf.Failure.Message)
			}

			log.WithField("step", step.Name).WithError(err).
				Error("rollback incomplete: operator attention required")
			e.tel.Metrics.RecordRollbackIncomplete(string(wf.Type))
			e.recordError(fatal)

			return &Outcome{
				Status:             WorkflowStatusFailed,
				Error:              NewJobError(fatal),
				RollbackIncomplete: true,
			}
		}

		now := time.Now().UTC()
		if err := e.persist(ctx, func() error { return e.store.MarkCompensated(ctx, wf.ID, i) }); err != nil {
			log.WithField("step", step.Name).WithError(err).Error("failed to record compensation")
			return nil
		}
		rec.CompensatedAt = &now
	}

	failure := wf.Failure
	if failure == nil {
		failure = NewJobError(NewPermanentError("workflow failed", nil))
	}
	return &Outcome{Status: WorkflowStatusFailed, Error: failure}
}

// runCompensation executes one compensating action with bounded retry.
func (e *Executor) runCompensation(ctx context.Context, wf *WorkflowInstance, def *Definition, index int) error {
	step := def.Steps[index]
	sc := &StepContext{workflow: wf, def: def, index: index}

	ctx, span := e.tel.Tracer.StartStepSpan(ctx, wf.ID, step.Name, string(PhaseCompensating))
	defer span.End()

	e.publish(ctx, EventTypeCompensationStarted, wf, step.Name, fmt.Sprintf("compensating step %s", step.Name), nil)

	err := e.withRetry(ctx, wf, step, func(attemptCtx context.Context) error {
		return step.Compensate(attemptCtx, sc)
	})

	if err != nil {
		telemetry.RecordError(span, err)
		e.tel.Metrics.RecordCompensation(string(wf.Type), step.Name, "failed")
		e.publish(ctx, EventTypeCompensationFailed, wf, step.Name, err.Error(), nil)
		return err
	}

	telemetry.RecordSuccess(span)
	e.tel.Metrics.RecordCompensation(string(wf.Type), step.Name, "succeeded")
	e.publish(ctx, EventTypeCompensationCompleted, wf, step.Name, fmt.Sprintf("step %s compensated", step.Name), nil)
	return nil
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// the retry policy is exhausted. Errors are classified here, once.
func (e *Executor) withRetry(ctx context.Context, wf *WorkflowInstance, step Step, fn func(context.Context) error) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.stepTimeout
	}

	var err error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errStopped
		}
		if _, classified := AsEngineError(err); !classified && timedOut {
			err = NewTransientError("step attempt timed out", err).WithCode(ErrCodeTimeout)
		}
		err = Classify(err)

		if !IsRetryable(err) {
			return err
		}
		if attempt+1 >= e.retry.MaxAttempts {
			break
		}

		backoff := e.calculateBackoff(attempt, err)
		e.tel.Metrics.RecordStepRetry(string(wf.Type), step.Name)
		e.publish(ctx, EventTypeStepRetrying, wf, step.Name,
			fmt.Sprintf("retrying after failure (attempt %d/%d)", attempt+1, e.retry.MaxAttempts),
			map[string]interface{}{"error": err.Error(), "backoff_ms": backoff.Milliseconds()})

		if serr := e.sleep(ctx, backoff); serr != nil {
			return errStopped
		}
	}

	ee := Classify(err)
	ee.WithDetail("attempts", e.retry.MaxAttempts)
	return ee
}

// persist retries a store operation on transient storage errors.
func (e *Executor) persist(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt+1 >= e.retry.MaxAttempts {
			return err
		}
		if serr := e.sleep(ctx, e.calculateBackoff(attempt, err)); serr != nil {
			return errStopped
		}
	}
	return err
}

// finish writes the terminal outcome and delivers the notification. It
// returns false when the outcome could not be persisted.
func (e *Executor) finish(ctx context.Context, wf *WorkflowInstance, outcome Outcome) bool {
	log := e.logger.WithWorkflowID(wf.ID).WithJobID(wf.JobID).WithResourceID(wf.ResourceID)

	if err := e.persist(ctx, func() error { return e.store.MarkTerminal(ctx, wf.ID, outcome) }); err != nil {
		log.WithError(err).Error("failed to record terminal outcome")
		return false
	}
	wf.Status = outcome.Status

	if outcome.Status == WorkflowStatusSucceeded {
		log.Info("workflow succeeded")
		e.publish(ctx, EventTypeWorkflowSucceeded, wf, "", "workflow succeeded", nil)
	} else {
		msg := "workflow failed"
		if outcome.Error != nil {
			msg = outcome.Error.Message
		}
		log.WithField("rollback_incomplete", outcome.RollbackIncomplete).Warn(msg)
		e.publish(ctx, EventTypeWorkflowFailed, wf, "", msg, map[string]interface{}{
			"rollback_incomplete": outcome.RollbackIncomplete,
		})
	}

	e.deliver(ctx, wf.JobID)
	return true
}

// deliver sends the job's terminal state to its notification target once.
func (e *Executor) deliver(ctx context.Context, jobID string) {
	if e.notifier == nil {
		return
	}
	job, err := e.ledger.Get(ctx, jobID)
	if err != nil || job.NotificationTarget == "" || job.NotificationSent || !job.Status.IsTerminal() {
		return
	}

	log := e.logger.WithJobID(jobID)
	if err := e.notifier.Notify(ctx, job); err != nil {
		log.WithError(err).Warn("job notification failed; will retry on resume")
		return
	}
	if err := e.ledger.MarkNotified(ctx, jobID); err != nil {
		log.WithError(err).Warn("failed to record job notification")
		return
	}
	e.publish(ctx, EventTypeJobNotified, &WorkflowInstance{ID: job.WorkflowID, JobID: job.ID, ResourceID: job.ResourceID},
		"", "job notification delivered", map[string]interface{}{"target": job.NotificationTarget})
}

func (e *Executor) cancelRequested(wf *WorkflowInstance) bool {
	if wf.CancelRequested {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels[wf.ID]
}

// calculateBackoff calculates exponential backoff with jitter.
func (e *Executor) calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := e.retry.BaseDelay

	// Throttled calls back off harder.
	if IsThrottled(err) {
		baseDelay *= 5
	}

	if IsConflict(err) {
		baseDelay *= 2
	}

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
	if delay > e.retry.MaxDelay || delay <= 0 {
		delay = e.retry.MaxDelay
	}

	// Up to 25% jitter.
	if quarter := int64(delay) / 4; quarter > 0 {
		delay += time.Duration(rand.Int64N(quarter))
	}

	return delay
}

func (e *Executor) recordError(err error) {
	if ee, ok := AsEngineError(err); ok {
		e.tel.Metrics.RecordError(string(ee.Class), ee.Code)
	}
}

// publish publishes an execution event. Failures are logged, never returned.
func (e *Executor) publish(
	ctx context.Context,
	eventType EventType,
	wf *WorkflowInstance,
	step, message string,
	data map[string]interface{},
) {
	if e.events == nil {
		return
	}

	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: wf.ID,
		JobID:      wf.JobID,
		ResourceID: wf.ResourceID,
		Step:       step,
		Message:    message,
		Level:      eventType.Severity(),
		Data:       data,
	}

	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.WithError(err).Debug("event dropped")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

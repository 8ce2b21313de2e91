// Package engine provides the durable workflow executor for the stratum
// control plane.
//
// # Overview
//
// A workflow is an ordered list of steps registered under a WorkflowType.
// The Executor drives each workflow instance in its own goroutine:
//
//  1. Submit records the job and the workflow atomically through the JobLedger.
//  2. Each forward step runs with bounded retry and its output is persisted
//     through the StepStore before the next step starts.
//  3. On failure, completed steps are compensated in reverse order.
//  4. The terminal outcome is written once, the resource lock is released and
//     the job's notification target, if any, is told.
//
// # Error Classification
//
// Every failure is an EngineError with a class that drives recovery:
//
//   - transient: retried with exponential backoff
//   - throttled: retried with a longer backoff
//   - conflict: not retried; reported to the caller
//   - permanent: not retried; triggers rollback
//   - infrastructure_fatal: a compensation failed; operator attention required
//
// Errors that are not EngineErrors are treated as permanent.
//
// # Crash Recovery
//
// ResumeAll re-attaches to every workflow that is not terminal. Steps whose
// output is already recorded are skipped; a step that was running when the
// process died runs again, so forward actions must be idempotent for equal
// inputs. StepContext.IdempotencyToken gives each step a stable token for
// the platform call it makes.
//
// # Cancellation
//
// Cancel sets a durable flag that the executor checks between steps. The step
// in flight finishes; the workflow then rolls back and fails with CANCELLED.
//
// # Example
//
//	registry := engine.NewRegistry()
//	_ = registry.Register(&engine.Definition{
//	    Type: engine.WorkflowTypeCreate,
//	    Steps: []engine.Step{
//	        {Name: "validate", Forward: validate},
//	        {Name: "provision", Forward: provision, Compensate: deprovision},
//	    },
//	})
//
//	exec, err := engine.NewExecutor(engine.Options{
//	    Store:    store,
//	    Ledger:   ledger,
//	    Registry: registry,
//	})
//	if err != nil {
//	    return err
//	}
//	res, err := exec.Submit(ctx, engine.Submission{
//	    JobID:      "job-123",
//	    Type:       engine.WorkflowTypeCreate,
//	    ResourceID: "res-456",
//	    Inputs:     inputs,
//	})
package engine

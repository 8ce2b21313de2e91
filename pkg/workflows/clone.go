package workflows

import (
	"context"
	"fmt"

	"github.com/stratum-cloud/stratum/pkg/cloning"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// Clone step names.
const (
	StepReadSource          = "read-source"
	StepResolveCloning      = "resolve-cloning"
	StepApplyPolicies       = "apply-policies"
	StepValidateDestination = "validate-destination"
)

type appliedPolicies struct {
	WorkspaceID string           `json:"workspace_id"`
	Added       int              `json:"added"`
	Relinked    []cloning.Relink `json:"relinked,omitempty"`
}

// Clone returns the clone workflow. What it produces depends on the effective
// cloning instruction: nothing, a reference to the source object, or a new
// object created from the source definition or data.
func Clone(deps Deps) *engine.Definition {
	return &engine.Definition{
		Type: engine.WorkflowTypeClone,
		Steps: []engine.Step{
			{
				Name: StepReadSource,
				Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
					var in CloneInput
					if err := sc.Inputs(&in); err != nil {
						return nil, err
					}
					if err := resources.ValidateStruct(in); err != nil {
						return nil, engine.NewValidationError(fmt.Sprintf("invalid clone request: %v", err), err)
					}
					return deps.Store.GetResource(ctx, in.SourceResourceID)
				},
			},
			{
				Name: StepResolveCloning,
				Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
					var in CloneInput
					if err := sc.Inputs(&in); err != nil {
						return nil, err
					}
					source, err := cloneSource(sc)
					if err != nil {
						return nil, err
					}
					return deps.Cloning.Resolve(ctx, cloning.Request{
						Source:                 source,
						DestinationWorkspaceID: in.DestinationWorkspaceID,
						Instruction:            in.Instruction,
						JobID:                  sc.JobID(),
					})
				},
			},
			{
				Name: StepApplyPolicies,
				Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
					var in CloneInput
					if err := sc.Inputs(&in); err != nil {
						return nil, err
					}
					plan, err := clonePlan(sc)
					if err != nil {
						return nil, err
					}
					if len(plan.Attachments) == 0 && len(plan.Relinks) == 0 {
						return nil, nil
					}

					applied := appliedPolicies{WorkspaceID: in.DestinationWorkspaceID}
					if err := applyPolicies(ctx, deps, sc.JobID(), plan, &applied); err != nil {
						// A step that never completed is not compensated.
						_ = revertPolicies(ctx, deps, sc.JobID(), applied)
						return nil, err
					}
					return applied, nil
				},
				Compensate: func(ctx context.Context, sc *engine.StepContext) error {
					var applied appliedPolicies
					ok, err := sc.Own(&applied)
					if err != nil || !ok {
						return err
					}
					return revertPolicies(ctx, deps, sc.JobID(), applied)
				},
			},
			{
				Name: StepValidateDestination,
				Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
					var in CloneInput
					if err := sc.Inputs(&in); err != nil {
						return nil, err
					}
					source, err := cloneSource(sc)
					if err != nil {
						return nil, err
					}
					plan, err := clonePlan(sc)
					if err != nil {
						return nil, err
					}
					if plan.Instruction == resources.CopyNothing {
						return nil, nil
					}

					t, err := cloneTarget(ctx, deps, sc.ResourceID(), in, source, plan)
					if err != nil {
						return nil, err
					}
					if err := checkTarget(ctx, deps, "clone", t); err != nil {
						return nil, err
					}
					return t, nil
				},
			},
			resolveRegionStep(deps, StepValidateDestination),
			provisionStep(deps, StepValidateDestination),
			persistStep(deps, StepValidateDestination),
		},
		Result: func(sc *engine.StepContext) (interface{}, error) {
			plan, err := clonePlan(sc)
			if err != nil {
				return nil, err
			}
			rec, err := persistedResource(sc)
			if err != nil {
				return nil, err
			}
			return CloneResult{Instruction: plan.Instruction, Resource: rec}, nil
		},
	}
}

func cloneSource(sc *engine.StepContext) (*resources.Resource, error) {
	var source resources.Resource
	ok, err := sc.Output(StepReadSource, &source)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, engine.NewPermanentError("clone source was not recorded", nil).WithCode(engine.ErrCodeInternal)
	}
	return &source, nil
}

func clonePlan(sc *engine.StepContext) (*cloning.Plan, error) {
	var plan cloning.Plan
	ok, err := sc.Output(StepResolveCloning, &plan)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, engine.NewPermanentError("clone plan was not recorded", nil).WithCode(engine.ErrCodeInternal)
	}
	return &plan, nil
}

// cloneTarget builds the destination record. References share the source
// handle; copies get a new object. Lineage grows by the source hop either way.
func cloneTarget(ctx context.Context, deps Deps, resourceID string, in CloneInput, source *resources.Resource, plan *cloning.Plan) (*target, error) {
	ws, err := deps.Store.GetWorkspace(ctx, in.DestinationWorkspaceID)
	if err != nil {
		return nil, err
	}

	name := in.Name
	if name == "" {
		name = source.Name
	}
	lineage := make([]resources.LineageEntry, 0, len(source.Lineage)+1)
	lineage = append(lineage, source.Lineage...)
	lineage = append(lineage, resources.LineageEntry{
		SourceWorkspaceID: source.WorkspaceID,
		SourceResourceID:  source.ID,
	})

	rec := &resources.Resource{
		ID:          resourceID,
		WorkspaceID: ws.ID,
		Name:        name,
		Type:        source.Type,
		Stewardship: plan.Stewardship,
		Attributes:  source.Attributes,
		Lineage:     lineage,
	}
	t := &target{
		Resource:        rec,
		Platform:        ws.Platform,
		Location:        in.Location,
		DefaultLocation: ws.DefaultLocation,
		Provision:       plan.Instruction.Provisions(),
	}

	if !t.Provision {
		if source.Handle == nil || source.Handle.IsZero() {
			return nil, engine.NewValidationError(
				fmt.Sprintf("source %s has no provider handle to reference", source.ID), nil).WithResource(source.ID)
		}
		h := *source.Handle
		rec.Handle = &h
		rec.Cloning = plan.Instruction
		t.Platform = h.Platform
		t.Location = source.Region
		return t, nil
	}

	rec.Cloning = source.Cloning
	if plan.Instruction == resources.CopyResource {
		if source.Handle == nil || source.Handle.IsZero() {
			return nil, engine.NewValidationError(
				fmt.Sprintf("source %s has no data to copy", source.ID), nil).WithResource(source.ID)
		}
		if source.Handle.Platform != ws.Platform {
			return nil, engine.NewValidationError(
				fmt.Sprintf("cannot copy data from platform %s to %s", source.Handle.Platform, ws.Platform), nil)
		}
		h := *source.Handle
		t.Source = &h
	}
	return t, nil
}

// applyPolicies writes the plan's attachments and relinks. Rows are only
// written when the destination still holds what the plan was resolved
// against; a row another writer changed in between is a conflict.
func applyPolicies(ctx context.Context, deps Deps, jobID string, plan *cloning.Plan, applied *appliedPolicies) error {
	for _, a := range plan.Attachments {
		inserted, err := deps.Store.AddPolicy(ctx, a)
		if err != nil {
			return err
		}
		if inserted {
			applied.Added++
			continue
		}
		cur, err := deps.Store.GetPolicy(ctx, a.WorkspaceID, a.Namespace, a.Name)
		if err != nil {
			return raceError(a, err)
		}
		if cur.AddedByJob != jobID && !cur.PolicyInput.Equal(a.PolicyInput) {
			return policyRaced(a)
		}
	}

	for _, rl := range plan.Relinks {
		swapped, err := deps.Store.SwapPolicy(ctx, rl.Previous, rl.Link)
		if err != nil {
			return err
		}
		if swapped {
			applied.Relinked = append(applied.Relinked, rl)
			continue
		}
		cur, err := deps.Store.GetPolicy(ctx, rl.Link.WorkspaceID, rl.Link.Namespace, rl.Link.Name)
		if err != nil {
			return raceError(rl.Link, err)
		}
		if cur.AddedByJob != jobID || cur.LinkedWorkspaceID != rl.Link.LinkedWorkspaceID {
			return policyRaced(rl.Link)
		}
		// Swapped by an earlier attempt of this step.
		applied.Relinked = append(applied.Relinked, rl)
	}
	return nil
}

// revertPolicies restores relinked values and removes the attachments the
// job added. A relinked row someone changed since is left alone.
func revertPolicies(ctx context.Context, deps Deps, jobID string, applied appliedPolicies) error {
	for i := len(applied.Relinked) - 1; i >= 0; i-- {
		rl := applied.Relinked[i]
		if _, err := deps.Store.SwapPolicy(ctx, rl.Link, rl.Previous); err != nil {
			deps.Logger.Warn().Err(err).Str("workspace_id", applied.WorkspaceID).Str("policy", rl.Link.Key()).
				Msg("failed to restore relinked policy")
			return err
		}
	}
	if _, err := deps.Store.DeletePoliciesAddedBy(ctx, applied.WorkspaceID, jobID); err != nil {
		deps.Logger.Warn().Err(err).Str("workspace_id", applied.WorkspaceID).Msg("failed to remove policy attachments")
		return err
	}
	return nil
}

func policyRaced(a resources.PolicyAttachment) error {
	return engine.NewPermanentError(
		fmt.Sprintf("policy %s on workspace %s changed while cloning", a.Key(), a.WorkspaceID), nil).
		WithCode(engine.ErrCodePolicyConflict).
		WithDetail("conflicts", []string{a.Key()})
}

// raceError maps a row that vanished between the write and the read back to
// a retryable conflict.
func raceError(a resources.PolicyAttachment, err error) error {
	if engine.HasCode(err, engine.ErrCodeNotFound) {
		return engine.NewTransientError(
			fmt.Sprintf("policy %s on workspace %s changed while cloning", a.Key(), a.WorkspaceID), err).
			WithCode(engine.ErrCodeConflict)
	}
	return err
}

package workflows

import (
	"context"
	"fmt"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// Delete step names.
const (
	StepDeprovision  = "deprovision"
	StepRemoveRecord = "remove-record"
)

type deleteTarget struct {
	Resource *resources.Resource `json:"resource,omitempty"`
}

// Delete returns the delete workflow. Deleting a resource that no longer
// exists succeeds without side effects.
func Delete(deps Deps) *engine.Definition {
	return &engine.Definition{
		Type: engine.WorkflowTypeDelete,
		Steps: []engine.Step{
			{
				Name: StepValidate,
				Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
					var in DeleteInput
					if err := sc.Inputs(&in); err != nil {
						return nil, err
					}

					r, err := deps.Store.GetResource(ctx, sc.ResourceID())
					if engine.HasCode(err, engine.ErrCodeNotFound) {
						deps.Logger.Debug().Str("resource_id", sc.ResourceID()).Msg("resource already deleted")
						return deleteTarget{}, nil
					}
					if err != nil {
						return nil, err
					}
					if in.WorkspaceID != "" && in.WorkspaceID != r.WorkspaceID {
						return nil, engine.NewNotFoundError(
							fmt.Sprintf("resource %s not found in workspace %s", r.ID, in.WorkspaceID)).WithResource(r.ID)
					}

					if err := checkInUse(ctx, deps, r); err != nil {
						return nil, err
					}
					if deps.Policies != nil {
						if err := deps.Policies.CheckResource(ctx, "delete", r); err != nil {
							return nil, err
						}
					}
					return deleteTarget{Resource: r}, nil
				},
			},
			{
				Name: StepDeprovision,
				Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
					r, err := deletedResource(sc)
					if err != nil || r == nil {
						return nil, err
					}
					if r.Stewardship != resources.StewardshipControlled || r.Handle == nil || r.Handle.IsZero() {
						return nil, nil
					}
					if err := deprovision(ctx, deps, *r.Handle); err != nil {
						return nil, err
					}
					return r.Handle, nil
				},
			},
			{
				Name: StepRemoveRecord,
				Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
					r, err := deletedResource(sc)
					if err != nil || r == nil {
						return nil, err
					}
					if err := deps.Store.DeleteResource(ctx, r.ID); err != nil {
						return nil, err
					}
					return r.ID, nil
				},
			},
		},
		Result: func(sc *engine.StepContext) (interface{}, error) {
			r, err := deletedResource(sc)
			if err != nil {
				return nil, err
			}
			return DeleteResult{ResourceID: sc.ResourceID(), Existed: r != nil}, nil
		},
	}
}

// checkInUse rejects deleting a controlled object that linked references
// still point at.
func checkInUse(ctx context.Context, deps Deps, r *resources.Resource) error {
	if r.Stewardship != resources.StewardshipControlled || r.Handle == nil || r.Handle.IsZero() {
		return nil
	}
	refs, err := deps.Store.ListReferencesToHandle(ctx, r.Handle.ID, r.ID)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	return engine.NewPermanentError(
		fmt.Sprintf("resource %s is still referenced by %d linked resource(s)", r.ID, len(refs)), nil).
		WithCode(engine.ErrCodeResourceInUse).
		WithResource(r.ID).
		WithDetail("references", ids)
}

func deletedResource(sc *engine.StepContext) (*resources.Resource, error) {
	var t deleteTarget
	if _, err := sc.Output(StepValidate, &t); err != nil {
		return nil, err
	}
	return t.Resource, nil
}

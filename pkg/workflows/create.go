package workflows

import (
	"context"
	"fmt"

	"github.com/stratum-cloud/stratum/pkg/cloning"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// Create returns the create workflow: validate, resolve-region, provision,
// persist. Referenced creates skip provisioning.
func Create(deps Deps) *engine.Definition {
	return &engine.Definition{
		Type: engine.WorkflowTypeCreate,
		Steps: []engine.Step{
			{
				Name: StepValidate,
				Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
					var in CreateInput
					if err := sc.Inputs(&in); err != nil {
						return nil, err
					}
					t, err := createTarget(ctx, deps, sc.ResourceID(), in)
					if err != nil {
						return nil, err
					}
					if err := checkTarget(ctx, deps, "create", t); err != nil {
						return nil, err
					}
					return t, nil
				},
			},
			resolveRegionStep(deps, StepValidate),
			provisionStep(deps, StepValidate),
			persistStep(deps, StepValidate),
		},
		Result: func(sc *engine.StepContext) (interface{}, error) {
			return persistedResource(sc)
		},
	}
}

func createTarget(ctx context.Context, deps Deps, resourceID string, in CreateInput) (*target, error) {
	in.Normalize()
	if err := resources.ValidateStruct(in); err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid create request: %v", err), err)
	}
	if err := in.Cloning.Validate(); err != nil {
		return nil, engine.NewValidationError(err.Error(), err)
	}

	ws, err := deps.Store.GetWorkspace(ctx, in.WorkspaceID)
	if err != nil {
		return nil, err
	}

	t := &target{
		Resource: &resources.Resource{
			ID:          resourceID,
			WorkspaceID: ws.ID,
			Name:        in.Name,
			Type:        in.Type,
			Stewardship: in.Stewardship,
			Cloning:     cloning.Downgrade(in.Cloning, in.Stewardship),
			Attributes:  in.Attributes,
			Lineage:     []resources.LineageEntry{},
		},
		Platform:        ws.Platform,
		Location:        in.Location,
		DefaultLocation: ws.DefaultLocation,
		Provision:       in.Stewardship == resources.StewardshipControlled,
	}

	switch in.Stewardship {
	case resources.StewardshipReferenced:
		if in.Handle == nil || in.Handle.IsZero() {
			return nil, engine.NewValidationError("a referenced resource needs a provider handle", nil)
		}
		h := *in.Handle
		if h.Platform == "" {
			h.Platform = ws.Platform
		}
		if h.Type == "" {
			h.Type = in.Type
		}
		t.Resource.Handle = &h
		t.Platform = h.Platform
		if t.Location == "" {
			t.Location = h.Region
		}
	default:
		if in.Handle != nil {
			return nil, engine.NewValidationError("a controlled resource cannot be created from a handle", nil)
		}
	}
	return t, nil
}

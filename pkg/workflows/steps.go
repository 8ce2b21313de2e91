package workflows

import (
	"context"
	"fmt"

	"github.com/stratum-cloud/stratum/pkg/driver"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/region"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// Step names shared by the create and clone definitions.
const (
	StepValidate      = "validate"
	StepResolveRegion = "resolve-region"
	StepProvision     = "provision"
	StepPersist       = "persist"
)

// target is the validated record a create or clone is about to produce.
type target struct {
	Resource *resources.Resource `json:"resource"`

	// Platform selects the location tree and the driver.
	Platform        string `json:"platform"`
	Location        string `json:"location,omitempty"`
	DefaultLocation string `json:"default_location,omitempty"`

	// Provision is false for referenced records.
	Provision bool `json:"provision"`

	// Source is the handle a COPY_RESOURCE clone copies data from.
	Source *resources.Handle `json:"source,omitempty"`
}

type regionOutput struct {
	Region string `json:"region"`
}

// loadTarget reads the target recorded by the named step. It returns nil
// when that step recorded nothing.
func loadTarget(sc *engine.StepContext, step string) (*target, error) {
	var t target
	ok, err := sc.Output(step, &t)
	if err != nil {
		return nil, err
	}
	if !ok || t.Resource == nil {
		return nil, nil
	}
	return &t, nil
}

// checkTarget runs the admission checks a new record must pass before any
// provider effect: name uniqueness, attribute schema, resource policy and
// driver validation.
func checkTarget(ctx context.Context, deps Deps, operation string, t *target) error {
	r := t.Resource
	if err := resources.ValidateStruct(r); err != nil {
		return engine.NewValidationError(fmt.Sprintf("invalid resource: %v", err), err).WithResource(r.ID)
	}

	existing, err := deps.Store.GetResourceByName(ctx, r.WorkspaceID, r.Name)
	switch {
	case err == nil && existing.ID != r.ID:
		return engine.NewPermanentError(
			fmt.Sprintf("resource %q already exists in workspace %s", r.Name, r.WorkspaceID), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(r.ID)
	case err != nil && !engine.HasCode(err, engine.ErrCodeNotFound):
		return err
	}

	if deps.Schemas != nil {
		if err := deps.Schemas.Validate(ctx, r.Type, r.Attributes); err != nil {
			return err
		}
	}
	if deps.Policies != nil {
		if err := deps.Policies.CheckResource(ctx, operation, r); err != nil {
			return err
		}
	}
	if t.Provision {
		if err := deps.Drivers.Validate(ctx, provisionSpec(t, "", "")); err != nil {
			return err
		}
	}
	return nil
}

func provisionSpec(t *target, regionName, token string) driver.ProvisionSpec {
	r := t.Resource
	return driver.ProvisionSpec{
		Platform:         t.Platform,
		Type:             r.Type,
		WorkspaceID:      r.WorkspaceID,
		ResourceID:       r.ID,
		Name:             r.Name,
		Region:           regionName,
		Attributes:       r.Attributes,
		IdempotencyToken: token,
		Source:           t.Source,
	}
}

// resolveRegionStep resolves the target's location. Referenced records keep
// the location of the object they point at and only have it checked.
func resolveRegionStep(deps Deps, targetStep string) engine.Step {
	return engine.Step{
		Name: StepResolveRegion,
		Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
			t, err := loadTarget(sc, targetStep)
			if err != nil || t == nil {
				return nil, err
			}
			if !t.Provision && t.Location == "" {
				return regionOutput{}, nil
			}

			name, err := deps.Regions.Resolve(ctx, region.Request{
				Platform:         t.Platform,
				WorkspaceID:      t.Resource.WorkspaceID,
				Requested:        t.Location,
				WorkspaceDefault: t.DefaultLocation,
			})
			if err != nil {
				return nil, err
			}
			return regionOutput{Region: name}, nil
		},
	}
}

// provisionStep creates the cloud object. Its compensation removes it again.
func provisionStep(deps Deps, targetStep string) engine.Step {
	return engine.Step{
		Name: StepProvision,
		Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
			t, err := loadTarget(sc, targetStep)
			if err != nil || t == nil || !t.Provision {
				return nil, err
			}
			var loc regionOutput
			if _, err := sc.Output(StepResolveRegion, &loc); err != nil {
				return nil, err
			}

			handle, err := deps.Drivers.Provision(ctx, provisionSpec(t, loc.Region, provisionToken(sc)))
			if err != nil {
				return nil, err
			}
			deps.Logger.Info().
				Str("resource_id", sc.ResourceID()).
				Str("handle", handle.ID).
				Str("region", loc.Region).
				Msg("resource provisioned")
			return handle, nil
		},
		Compensate: func(ctx context.Context, sc *engine.StepContext) error {
			var handle resources.Handle
			ok, err := sc.Own(&handle)
			if err != nil || !ok || handle.IsZero() {
				return err
			}
			return deprovision(ctx, deps, handle)
		},
	}
}

// persistStep writes the record. It is the last forward step, so a record
// only becomes visible once everything before it succeeded.
func persistStep(deps Deps, targetStep string) engine.Step {
	return engine.Step{
		Name: StepPersist,
		Forward: func(ctx context.Context, sc *engine.StepContext) (interface{}, error) {
			t, err := loadTarget(sc, targetStep)
			if err != nil || t == nil {
				return nil, err
			}

			rec := *t.Resource
			var loc regionOutput
			if ok, err := sc.Output(StepResolveRegion, &loc); err != nil {
				return nil, err
			} else if ok && loc.Region != "" {
				rec.Region = loc.Region
			}
			if t.Provision {
				var handle resources.Handle
				ok, err := sc.Output(StepProvision, &handle)
				if err != nil {
					return nil, err
				}
				if !ok || handle.IsZero() {
					return nil, engine.NewPermanentError("provision recorded no handle", nil).
						WithCode(engine.ErrCodeInternal).
						WithResource(rec.ID)
				}
				rec.Handle = &handle
			}

			if err := deps.Store.PutResource(ctx, &rec); err != nil {
				return nil, err
			}
			return &rec, nil
		},
		Compensate: func(ctx context.Context, sc *engine.StepContext) error {
			return deps.Store.DeleteResource(ctx, sc.ResourceID())
		},
	}
}

// deprovision removes a cloud object. An object that is already gone counts
// as removed.
func deprovision(ctx context.Context, deps Deps, handle resources.Handle) error {
	err := deps.Drivers.Deprovision(ctx, handle)
	if err != nil && engine.HasCode(err, engine.ErrCodeNotFound) {
		deps.Logger.Debug().Str("handle", handle.ID).Msg("object already gone")
		return nil
	}
	return err
}

func persistedResource(sc *engine.StepContext) (*resources.Resource, error) {
	var rec resources.Resource
	ok, err := sc.Output(StepPersist, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

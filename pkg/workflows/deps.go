// Package workflows defines the create, clone and delete step lists the
// executor runs for workspace resources.
package workflows

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratum-cloud/stratum/pkg/cloning"
	"github.com/stratum-cloud/stratum/pkg/driver"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/region"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// Store is the resource and workspace persistence the steps use.
// stores.SQLStore implements it.
type Store interface {
	GetWorkspace(ctx context.Context, id string) (*resources.Workspace, error)
	GetResource(ctx context.Context, id string) (*resources.Resource, error)
	GetResourceByName(ctx context.Context, workspaceID, name string) (*resources.Resource, error)
	PutResource(ctx context.Context, r *resources.Resource) error
	DeleteResource(ctx context.Context, id string) error
	ListReferencesToHandle(ctx context.Context, handleID, excludeID string) ([]*resources.Resource, error)
	GetPolicy(ctx context.Context, workspaceID, namespace, name string) (*resources.PolicyAttachment, error)
	AddPolicy(ctx context.Context, a resources.PolicyAttachment) (bool, error)
	SwapPolicy(ctx context.Context, current, next resources.PolicyAttachment) (bool, error)
	DeletePoliciesAddedBy(ctx context.Context, workspaceID, jobID string) (int64, error)
}

// Drivers performs provider effects. driver.Registry implements it.
type Drivers interface {
	Provision(ctx context.Context, spec driver.ProvisionSpec) (*resources.Handle, error)
	Deprovision(ctx context.Context, handle resources.Handle) error
	Validate(ctx context.Context, spec driver.ProvisionSpec) error
}

// SchemaValidator checks attributes against a resource type's schema.
// config.SchemaRegistry implements it.
type SchemaValidator interface {
	Validate(ctx context.Context, rt resources.ResourceType, attrs map[string]interface{}) error
}

// PolicyChecker evaluates resource policies. policy.Engine implements it.
type PolicyChecker interface {
	CheckResource(ctx context.Context, operation string, r *resources.Resource) error
}

// RegionResolver resolves location requests. region.Resolver implements it.
type RegionResolver interface {
	Resolve(ctx context.Context, req region.Request) (string, error)
}

// CloneResolver plans clones. cloning.Resolver implements it.
type CloneResolver interface {
	Resolve(ctx context.Context, req cloning.Request) (*cloning.Plan, error)
}

// Deps are the handles steps reach the outside world through.
type Deps struct {
	Store    Store
	Drivers  Drivers
	Schemas  SchemaValidator
	Policies PolicyChecker
	Regions  RegionResolver
	Cloning  CloneResolver
	Logger   zerolog.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return fmt.Errorf("workflows: store is required")
	case d.Drivers == nil:
		return fmt.Errorf("workflows: drivers are required")
	case d.Regions == nil:
		return fmt.Errorf("workflows: region resolver is required")
	case d.Cloning == nil:
		return fmt.Errorf("workflows: cloning resolver is required")
	}
	return nil
}

// Register adds the create, clone and delete definitions to reg.
func Register(reg *engine.Registry, deps Deps) error {
	if err := deps.validate(); err != nil {
		return err
	}
	deps.Logger = deps.Logger.With().Str("component", "workflows").Logger()

	for _, def := range []*engine.Definition{
		Create(deps),
		Clone(deps),
		Delete(deps),
	} {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

var resourceNamespace = uuid.MustParse("6f1c3a8e-2b7d-5c4e-9a10-3d5e7f9b1c2a")

// ResourceIDFor derives the id of the resource a create or clone job
// produces. Resubmitting the same job id yields the same resource id.
func ResourceIDFor(jobID string) string {
	return uuid.NewSHA1(resourceNamespace, []byte(jobID)).String()
}

// provisionToken is the idempotency token passed to drivers.
func provisionToken(sc *engine.StepContext) string {
	return sc.WorkflowID() + ":" + sc.ResourceID()
}

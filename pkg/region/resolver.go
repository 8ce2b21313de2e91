package region

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// Policy identifies the region-constraint workspace policy.
const (
	PolicyNamespace = "terra"
	PolicyName      = "region-constraint"
	PolicyKey       = "region-name"
)

// Constraint is the input to a region-constraint check.
type Constraint struct {
	Platform string `json:"platform"`
	Region   string `json:"region"`

	// Ancestors are the locations containing Region, nearest first.
	Ancestors []string `json:"ancestors"`

	// Allowed are the locations the workspace permits. Empty allows everything.
	Allowed []string `json:"allowed"`
}

// Checker evaluates region constraints. policy.Engine implements it.
type Checker interface {
	CheckRegion(ctx context.Context, c Constraint) error
}

// PolicySource returns a workspace's effective policies. cloning.Resolver implements it.
type PolicySource interface {
	EffectivePolicies(ctx context.Context, workspaceID string) ([]resources.PolicyInput, error)
}

// Request is a location request to resolve.
type Request struct {
	Platform         string
	WorkspaceID      string
	Requested        string
	WorkspaceDefault string
}

// Resolver resolves location requests against a tree and workspace policy.
type Resolver struct {
	tree     *Tree
	policies PolicySource
	checker  Checker
	logger   zerolog.Logger
}

// NewResolver creates a resolver. policies and checker may be nil, in which
// case no constraint is enforced.
func NewResolver(tree *Tree, policies PolicySource, checker Checker, logger zerolog.Logger) *Resolver {
	return &Resolver{
		tree:     tree,
		policies: policies,
		checker:  checker,
		logger:   logger.With().Str("component", "region").Logger(),
	}
}

// Tree returns the resolver's location tree.
func (r *Resolver) Tree() *Tree {
	return r.tree
}

// Resolve picks the requested location, then the workspace default, then the
// platform default. The result must exist in the platform's tree and satisfy
// the workspace's region-constraint policy.
func (r *Resolver) Resolve(ctx context.Context, req Request) (string, error) {
	name := req.Requested
	if name == "" {
		name = req.WorkspaceDefault
	}
	if name == "" {
		name = r.tree.Default(req.Platform)
	}
	if name == "" {
		return "", engine.NewValidationError(fmt.Sprintf("no location requested and platform %s has no default", req.Platform), nil)
	}

	loc, err := r.tree.Find(req.Platform, name)
	if err != nil {
		return "", engine.NewValidationError(fmt.Sprintf("unknown location %q for platform %s", name, req.Platform), err)
	}

	if err := r.Check(ctx, req.Platform, req.WorkspaceID, loc); err != nil {
		return "", err
	}

	r.logger.Debug().
		Str("workspace_id", req.WorkspaceID).
		Str("requested", req.Requested).
		Str("region", loc.Name).
		Msg("location resolved")
	return loc.Name, nil
}

// Check validates loc against the workspace's region-constraint policy.
func (r *Resolver) Check(ctx context.Context, platform, workspaceID string, loc *Location) error {
	if r.policies == nil || r.checker == nil || workspaceID == "" {
		return nil
	}

	policies, err := r.policies.EffectivePolicies(ctx, workspaceID)
	if err != nil {
		return err
	}
	allowed := AllowedLocations(policies)
	if len(allowed) == 0 {
		return nil
	}

	return r.checker.CheckRegion(ctx, Constraint{
		Platform:  platform,
		Region:    loc.Name,
		Ancestors: loc.Ancestors(),
		Allowed:   allowed,
	})
}

// AllowedLocations extracts the locations named by region-constraint policies.
func AllowedLocations(policies []resources.PolicyInput) []string {
	var out []string
	for _, p := range policies {
		if p.Namespace == PolicyNamespace && p.Name == PolicyName {
			out = append(out, p.Values(PolicyKey)...)
		}
	}
	return out
}

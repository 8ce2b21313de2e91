package region_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratum-cloud/stratum/pkg/cloning"
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/policy"
	"github.com/stratum-cloud/stratum/pkg/region"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

type policyStore map[string][]resources.PolicyAttachment

func (p policyStore) ListPolicies(_ context.Context, workspaceID string) ([]resources.PolicyAttachment, error) {
	return p[workspaceID], nil
}

func regionConstraint(ws, value string) resources.PolicyAttachment {
	return resources.PolicyAttachment{
		WorkspaceID: ws,
		PolicyInput: resources.PolicyInput{
			Namespace:  region.PolicyNamespace,
			Name:       region.PolicyName,
			Additional: []resources.PolicyPair{{Key: region.PolicyKey, Value: value}},
		},
	}
}

func newResolver(t *testing.T, store policyStore) *region.Resolver {
	t.Helper()
	tree, err := region.DefaultTree()
	require.NoError(t, err)
	eng, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return region.NewResolver(tree, cloning.NewResolver(store, zerolog.Nop()), eng, zerolog.Nop())
}

func TestResolve_Precedence(t *testing.T) {
	r := newResolver(t, policyStore{})
	ctx := context.Background()

	got, err := r.Resolve(ctx, region.Request{Platform: "local", Requested: "tokyo", WorkspaceDefault: "belgium"})
	require.NoError(t, err)
	assert.Equal(t, "tokyo", got, "requested location wins")

	got, err = r.Resolve(ctx, region.Request{Platform: "local", WorkspaceDefault: "belgium"})
	require.NoError(t, err)
	assert.Equal(t, "belgium", got, "workspace default is next")

	got, err = r.Resolve(ctx, region.Request{Platform: "local"})
	require.NoError(t, err)
	assert.Equal(t, "iowa", got, "platform default is last")

	got, err = r.Resolve(ctx, region.Request{Platform: "aws", Requested: "US-EAST-2"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-2", got, "names are canonicalized")
}

func TestResolve_UnknownLocation(t *testing.T) {
	r := newResolver(t, policyStore{})

	_, err := r.Resolve(context.Background(), region.Request{Platform: "local", Requested: "atlantis"})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	_, err = r.Resolve(context.Background(), region.Request{Platform: "gcp"})
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestResolve_RegionConstraint(t *testing.T) {
	store := policyStore{"w1": {regionConstraint("w1", "europe")}}
	r := newResolver(t, store)
	ctx := context.Background()

	got, err := r.Resolve(ctx, region.Request{Platform: "local", WorkspaceID: "w1", Requested: "frankfurt"})
	require.NoError(t, err)
	assert.Equal(t, "frankfurt", got)

	// The platform default is still checked against the constraint.
	_, err = r.Resolve(ctx, region.Request{Platform: "local", WorkspaceID: "w1"})
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodePolicyViolation))
	assert.False(t, engine.IsRetryable(err))
}

// W1 is constrained to the US. A resource cloned from W1 into W2 links W2 to
// W1's constraint, so Iowa is accepted in W2 while Belgium is rejected.
func TestResolve_LinkedConstraintAcrossWorkspaces(t *testing.T) {
	store := policyStore{"w1": {regionConstraint("w1", "US")}}
	r := newResolver(t, store)
	ctx := context.Background()

	resolver := cloning.NewResolver(store, zerolog.Nop())
	plan, err := resolver.Resolve(ctx, cloning.Request{
		Source: &resources.Resource{
			ID:          "r1",
			WorkspaceID: "w1",
			Stewardship: resources.StewardshipControlled,
			Cloning:     resources.LinkReference,
		},
		DestinationWorkspaceID: "w2",
	})
	require.NoError(t, err)
	require.Len(t, plan.Attachments, 1)
	store["w2"] = plan.Attachments

	got, err := r.Resolve(ctx, region.Request{Platform: "local", WorkspaceID: "w2", Requested: "Iowa"})
	require.NoError(t, err)
	assert.Equal(t, "iowa", got)

	_, err = r.Resolve(ctx, region.Request{Platform: "local", WorkspaceID: "w2", Requested: "belgium"})
	assert.True(t, engine.HasCode(err, engine.ErrCodePolicyViolation))

	// Widening W1's constraint is visible in W2 through the link.
	store["w1"] = []resources.PolicyAttachment{regionConstraint("w1", "global")}
	_, err = r.Resolve(ctx, region.Request{Platform: "local", WorkspaceID: "w2", Requested: "belgium"})
	assert.NoError(t, err)
}

func TestResolve_NoChecker(t *testing.T) {
	tree, err := region.DefaultTree()
	require.NoError(t, err)
	r := region.NewResolver(tree, nil, nil, zerolog.Nop())

	got, err := r.Resolve(context.Background(), region.Request{Platform: "minio", WorkspaceID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", got)
}

func TestAllowedLocations(t *testing.T) {
	policies := []resources.PolicyInput{
		regionConstraint("w", "us").PolicyInput,
		regionConstraint("w", "europe").PolicyInput,
		{Namespace: "terra", Name: "group-constraint", Additional: []resources.PolicyPair{{Key: region.PolicyKey, Value: "x"}}},
	}
	assert.Equal(t, []string{"us", "europe"}, region.AllowedLocations(policies))
}

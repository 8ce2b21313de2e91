// Package cloning decides what a clone operation may produce: the effective
// cloning instruction of the destination and the policy set it inherits.
package cloning

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// Mode is how source policies propagate to the destination workspace.
type Mode string

const (
	// ModeNone skips policy propagation.
	ModeNone Mode = ""

	// ModeCopy attaches an independent snapshot of each source policy.
	ModeCopy Mode = "COPY"

	// ModeLink attaches a link that tracks the source policy when read.
	ModeLink Mode = "LINK"
)

// Downgrade returns the instruction a clone actually carries. A referenced
// destination can never copy definitions or resources, so those fall back to
// COPY_REFERENCE.
func Downgrade(source resources.CloningInstruction, destination resources.Stewardship) resources.CloningInstruction {
	if destination == resources.StewardshipReferenced && source.Provisions() {
		return resources.CopyReference
	}
	return source
}

// ModeFor maps an effective instruction to its policy propagation mode.
func ModeFor(instruction resources.CloningInstruction) Mode {
	switch instruction {
	case resources.LinkReference:
		return ModeLink
	case resources.CopyDefinition, resources.CopyResource, resources.CopyReference:
		return ModeCopy
	default:
		return ModeNone
	}
}

// PolicyStore reads the attachments stored on a workspace.
type PolicyStore interface {
	ListPolicies(ctx context.Context, workspaceID string) ([]resources.PolicyAttachment, error)
}

// Resolver computes effective policies and clone plans.
type Resolver struct {
	store  PolicyStore
	logger zerolog.Logger
}

// NewResolver creates a resolver reading attachments from store.
func NewResolver(store PolicyStore, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With().Str("component", "cloning").Logger(),
	}
}

// EffectivePolicies returns the workspace's policies with every link replaced
// by the current value of the linked policy, resolved transitively. A link
// whose target no longer carries the policy resolves to nothing.
func (r *Resolver) EffectivePolicies(ctx context.Context, workspaceID string) ([]resources.PolicyInput, error) {
	return r.effective(ctx, workspaceID, map[string]bool{})
}

func (r *Resolver) effective(ctx context.Context, workspaceID string, visiting map[string]bool) ([]resources.PolicyInput, error) {
	attachments, err := r.store.ListPolicies(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	out := make([]resources.PolicyInput, 0, len(attachments))
	for _, a := range attachments {
		if !a.IsLink() {
			out = append(out, a.PolicyInput)
			continue
		}

		resolved, ok, err := r.resolveLink(ctx, a.LinkedWorkspaceID, a.Key(), visiting)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, resolved)
		}
	}
	return out, nil
}

func (r *Resolver) resolveLink(ctx context.Context, workspaceID, key string, visiting map[string]bool) (resources.PolicyInput, bool, error) {
	marker := workspaceID + "|" + key
	if visiting[marker] {
		return resources.PolicyInput{}, false, engine.NewValidationError(
			fmt.Sprintf("policy link cycle through workspace %s for %s", workspaceID, key), nil)
	}
	visiting[marker] = true
	defer delete(visiting, marker)

	policies, err := r.effective(ctx, workspaceID, visiting)
	if err != nil {
		return resources.PolicyInput{}, false, err
	}
	for _, p := range policies {
		if p.Key() == key {
			return p, true, nil
		}
	}
	return resources.PolicyInput{}, false, nil
}

// Plan is the outcome of resolving a clone.
type Plan struct {
	// Instruction is the effective cloning instruction.
	Instruction resources.CloningInstruction `json:"instruction"`

	// Stewardship of the resource the clone produces.
	Stewardship resources.Stewardship `json:"stewardship"`

	// Mode is the policy propagation mode.
	Mode Mode `json:"mode,omitempty"`

	// Attachments are added to the destination workspace.
	Attachments []resources.PolicyAttachment `json:"attachments,omitempty"`

	// Relinks turn by-value destination policies into links to the source.
	Relinks []Relink `json:"relinks,omitempty"`
}

// Relink replaces a by-value attachment equal to the source policy with a
// link to it. Previous is restored when the clone is rolled back.
type Relink struct {
	Previous resources.PolicyAttachment `json:"previous"`
	Link     resources.PolicyAttachment `json:"link"`
}

// Request describes a clone to resolve.
type Request struct {
	Source                 *resources.Resource
	DestinationWorkspaceID string

	// Instruction overrides the source's own cloning instruction when set.
	Instruction resources.CloningInstruction

	// JobID tags the attachments the clone adds so rollback can remove them.
	JobID string
}

// Resolve computes the effective instruction and the policy attachments a
// clone adds to the destination workspace.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Plan, error) {
	if req.Source == nil {
		return nil, engine.NewValidationError("clone source is required", nil)
	}

	requested := req.Source.Cloning
	if req.Instruction != "" {
		requested = req.Instruction
	}
	if err := requested.Validate(); err != nil {
		return nil, engine.NewValidationError(err.Error(), err)
	}

	plan := &Plan{Instruction: Downgrade(requested, req.Source.Stewardship)}
	plan.Mode = ModeFor(plan.Instruction)
	if plan.Instruction.ProducesReference() {
		plan.Stewardship = resources.StewardshipReferenced
	} else {
		plan.Stewardship = resources.StewardshipControlled
	}

	if plan.Mode == ModeNone || req.Source.WorkspaceID == req.DestinationWorkspaceID {
		return plan, nil
	}

	source, err := r.EffectivePolicies(ctx, req.Source.WorkspaceID)
	if err != nil {
		return nil, err
	}
	destination, err := r.EffectivePolicies(ctx, req.DestinationWorkspaceID)
	if err != nil {
		return nil, err
	}

	additions, err := Merge(destination, source)
	if err != nil {
		return nil, err
	}

	for _, p := range additions {
		a := resources.PolicyAttachment{
			WorkspaceID: req.DestinationWorkspaceID,
			PolicyInput: p,
			AddedByJob:  req.JobID,
		}
		if plan.Mode == ModeLink {
			a.LinkedWorkspaceID = req.Source.WorkspaceID
		}
		plan.Attachments = append(plan.Attachments, a)
	}

	if plan.Mode == ModeLink {
		if plan.Relinks, err = r.relinks(ctx, req, source, additions); err != nil {
			return nil, err
		}
	}

	r.logger.Debug().
		Str("source", req.Source.ID).
		Str("instruction", string(plan.Instruction)).
		Str("mode", string(plan.Mode)).
		Int("attachments", len(plan.Attachments)).
		Int("relinks", len(plan.Relinks)).
		Msg("clone resolved")

	return plan, nil
}

// relinks finds the destination's by-value attachments that already equal a
// source policy. Under LINK they must follow the source from now on.
func (r *Resolver) relinks(ctx context.Context, req Request, source, additions []resources.PolicyInput) ([]Relink, error) {
	added := make(map[string]bool, len(additions))
	for _, p := range additions {
		added[p.Key()] = true
	}
	raw, err := r.store.ListPolicies(ctx, req.DestinationWorkspaceID)
	if err != nil {
		return nil, err
	}
	plain := make(map[string]resources.PolicyAttachment, len(raw))
	for _, a := range raw {
		if !a.IsLink() {
			plain[a.Key()] = a
		}
	}

	var out []Relink
	for _, p := range source {
		cur, ok := plain[p.Key()]
		if added[p.Key()] || !ok || !cur.PolicyInput.Equal(p) {
			continue
		}
		out = append(out, Relink{
			Previous: cur,
			Link: resources.PolicyAttachment{
				WorkspaceID:       req.DestinationWorkspaceID,
				PolicyInput:       p,
				LinkedWorkspaceID: req.Source.WorkspaceID,
				AddedByJob:        req.JobID,
			},
		})
	}
	return out, nil
}

// Merge returns the source policies the destination lacks. Policies are
// compared per (namespace, name): an equal value is kept and a differing
// value is a conflict. All conflicts are reported together as one permanent
// POLICY_CONFLICT error.
func Merge(destination, source []resources.PolicyInput) ([]resources.PolicyInput, error) {
	existing := make(map[string]resources.PolicyInput, len(destination))
	for _, p := range destination {
		existing[p.Key()] = p
	}

	var (
		additions []resources.PolicyInput
		conflicts []string
	)
	for _, p := range source {
		cur, ok := existing[p.Key()]
		switch {
		case !ok:
			additions = append(additions, p)
			existing[p.Key()] = p
		case !cur.Equal(p):
			conflicts = append(conflicts, p.Key())
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return nil, engine.NewPermanentError(
			fmt.Sprintf("conflicting policies: %s", strings.Join(conflicts, ", ")), nil).
			WithCode(engine.ErrCodePolicyConflict).
			WithDetail("conflicts", conflicts)
	}
	return additions, nil
}

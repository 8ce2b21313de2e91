package workflows

import (
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// CreateInput is the submission payload of a create job.
type CreateInput struct {
	WorkspaceID string                       `json:"workspace_id" validate:"required"`
	Name        string                       `json:"name" validate:"required,max=63"`
	Type        resources.ResourceType       `json:"type" validate:"required"`
	Stewardship resources.Stewardship        `json:"stewardship,omitempty" validate:"omitempty,oneof=CONTROLLED REFERENCED"`
	Cloning     resources.CloningInstruction `json:"cloning_instruction,omitempty"`
	Location    string                       `json:"location,omitempty"`
	Attributes  map[string]interface{}       `json:"attributes,omitempty"`

	// Handle is the existing cloud object a referenced resource points at.
	Handle *resources.Handle `json:"handle,omitempty"`
}

// Normalize fills defaults: controlled stewardship and COPY_NOTHING.
func (in *CreateInput) Normalize() {
	if in.Stewardship == "" {
		in.Stewardship = resources.StewardshipControlled
	}
	if in.Cloning == "" {
		in.Cloning = resources.CopyNothing
	}
}

// CloneInput is the submission payload of a clone job.
type CloneInput struct {
	SourceResourceID       string `json:"source_resource_id" validate:"required"`
	DestinationWorkspaceID string `json:"destination_workspace_id" validate:"required"`

	// Name defaults to the source name.
	Name string `json:"name,omitempty" validate:"omitempty,max=63"`

	// Instruction overrides the source's cloning instruction.
	Instruction resources.CloningInstruction `json:"cloning_instruction,omitempty"`

	Location string `json:"location,omitempty"`
}

// DeleteInput is the submission payload of a delete job. The resource id is
// the job's resource id.
type DeleteInput struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// CloneResult is the result of a clone job. Resource is nil when the
// effective instruction was COPY_NOTHING.
type CloneResult struct {
	Instruction resources.CloningInstruction `json:"instruction"`
	Resource    *resources.Resource          `json:"resource,omitempty"`
}

// DeleteResult is the result of a delete job.
type DeleteResult struct {
	ResourceID string `json:"resource_id"`

	// Existed is false when the resource was already gone.
	Existed bool `json:"existed"`
}

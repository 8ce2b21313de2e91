// Package resources defines the workspace resource model shared by the
// store, the cloning resolver and the lifecycle workflows.
package resources

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Stewardship tells whether the platform owns the cloud object behind a resource.
type Stewardship string

const (
	// StewardshipControlled resources are provisioned and deprovisioned by stratum.
	StewardshipControlled Stewardship = "CONTROLLED"

	// StewardshipReferenced resources point at a cloud object owned elsewhere.
	StewardshipReferenced Stewardship = "REFERENCED"
)

// Validate checks if the stewardship is valid.
func (s Stewardship) Validate() error {
	switch s {
	case StewardshipControlled, StewardshipReferenced:
		return nil
	default:
		return fmt.Errorf("invalid stewardship: %s", s)
	}
}

// CloningInstruction controls what cloning a resource produces.
type CloningInstruction string

const (
	CopyNothing    CloningInstruction = "COPY_NOTHING"
	CopyDefinition CloningInstruction = "COPY_DEFINITION"
	CopyResource   CloningInstruction = "COPY_RESOURCE"
	CopyReference  CloningInstruction = "COPY_REFERENCE"
	LinkReference  CloningInstruction = "LINK_REFERENCE"
)

// Validate checks if the cloning instruction is valid.
func (c CloningInstruction) Validate() error {
	switch c {
	case CopyNothing, CopyDefinition, CopyResource, CopyReference, LinkReference:
		return nil
	default:
		return fmt.Errorf("invalid cloning instruction: %s", c)
	}
}

// ProducesReference reports whether cloning yields a referenced resource.
func (c CloningInstruction) ProducesReference() bool {
	return c == CopyReference || c == LinkReference
}

// Provisions reports whether cloning creates a new cloud object.
func (c CloningInstruction) Provisions() bool {
	return c == CopyDefinition || c == CopyResource
}

// ResourceType tags the kind of cloud resource, e.g. "storage-container".
type ResourceType string

const (
	TypeStorageContainer ResourceType = "storage-container"
	TypeComputeInstance  ResourceType = "compute-instance"
	TypeDisk             ResourceType = "disk"
	TypeDatabase         ResourceType = "database"
	TypeDataset          ResourceType = "dataset"
)

// LineageEntry records one clone hop.
type LineageEntry struct {
	SourceWorkspaceID string `json:"source_workspace_id"`
	SourceResourceID  string `json:"source_resource_id"`
}

// Handle identifies a cloud object on its platform.
type Handle struct {
	Platform   string            `json:"platform"`
	Type       ResourceType      `json:"type"`
	ID         string            `json:"id"`
	Region     string            `json:"region,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsZero reports whether the handle is unset.
func (h Handle) IsZero() bool {
	return h.ID == ""
}

// Resource is the logical record of a workspace resource.
type Resource struct {
	ID          string                 `json:"id" validate:"required"`
	WorkspaceID string                 `json:"workspace_id" validate:"required"`
	Name        string                 `json:"name" validate:"required,max=63"`
	Type        ResourceType           `json:"type" validate:"required"`
	Stewardship Stewardship            `json:"stewardship" validate:"required,oneof=CONTROLLED REFERENCED"`
	Cloning     CloningInstruction     `json:"cloning_instruction" validate:"required,oneof=COPY_NOTHING COPY_DEFINITION COPY_RESOURCE COPY_REFERENCE LINK_REFERENCE"`
	Region      string                 `json:"region,omitempty"`
	Handle      *Handle                `json:"handle,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	Lineage     []LineageEntry         `json:"lineage"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Workspace groups resources on one cloud platform.
type Workspace struct {
	ID              string            `json:"id" validate:"required"`
	Platform        string            `json:"platform" validate:"required"`
	DefaultLocation string            `json:"default_location,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// PolicyPair is one key/value datum of a policy input.
type PolicyPair struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// PolicyInput is a named, namespaced constraint, e.g. terra/region-constraint.
type PolicyInput struct {
	Namespace  string       `json:"namespace" validate:"required"`
	Name       string       `json:"name" validate:"required"`
	Additional []PolicyPair `json:"additional_data,omitempty" validate:"dive"`
}

// Key returns the namespace-qualified name policies merge on.
func (p PolicyInput) Key() string {
	return p.Namespace + "/" + p.Name
}

// Values returns the values stored under key, in order.
func (p PolicyInput) Values(key string) []string {
	var out []string
	for _, pair := range p.Additional {
		if pair.Key == key {
			out = append(out, pair.Value)
		}
	}
	return out
}

// Equal reports whether two policy inputs carry the same data.
func (p PolicyInput) Equal(o PolicyInput) bool {
	if p.Key() != o.Key() || len(p.Additional) != len(o.Additional) {
		return false
	}
	for i := range p.Additional {
		if p.Additional[i] != o.Additional[i] {
			return false
		}
	}
	return true
}

// PolicyAttachment binds a policy to a workspace either by value or by link
// to the same-named policy of another workspace.
type PolicyAttachment struct {
	WorkspaceID string `json:"workspace_id"`
	PolicyInput
	LinkedWorkspaceID string `json:"linked_workspace_id,omitempty"`

	// AddedByJob is the job whose clone created this attachment.
	AddedByJob string    `json:"added_by_job,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsLink reports whether the attachment tracks another workspace's policy.
func (a PolicyAttachment) IsLink() bool {
	return a.LinkedWorkspaceID != ""
}

// MarshalAttributes encodes an attribute map, treating nil as an empty object.
func MarshalAttributes(attrs map[string]interface{}) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(attrs)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct runs the struct tag validations on v.
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}

package api

import (
	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/region"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// JobControl is the job-control part of every lifecycle request.
type JobControl struct {
	// JobID is the idempotency key. A random id is assigned when empty.
	JobID              string `json:"job_id,omitempty"`
	NotificationTarget string `json:"notification_target,omitempty" validate:"omitempty,url"`
}

// CreateResourceRequest is the body of POST /workspaces/{ws}/resources.
type CreateResourceRequest struct {
	JobControl
	Name        string                       `json:"name"`
	Type        resources.ResourceType       `json:"type"`
	Stewardship resources.Stewardship        `json:"stewardship,omitempty"`
	Cloning     resources.CloningInstruction `json:"cloning_instruction,omitempty"`
	Location    string                       `json:"location,omitempty"`
	Attributes  map[string]interface{}       `json:"attributes,omitempty"`
	Handle      *resources.Handle            `json:"handle,omitempty"`
}

// CloneResourceRequest is the body of POST /workspaces/{ws}/resources/{id}/clone.
type CloneResourceRequest struct {
	JobControl
	DestinationWorkspaceID string                       `json:"destination_workspace_id"`
	Name                   string                       `json:"name,omitempty"`
	Cloning                resources.CloningInstruction `json:"cloning_instruction,omitempty"`
	Location               string                       `json:"location,omitempty"`
}

// DeleteResourceRequest is the optional body of POST /workspaces/{ws}/resources/{id}/delete.
type DeleteResourceRequest struct {
	JobControl
}

// SubmitResponse acknowledges a lifecycle request.
type SubmitResponse struct {
	JobID      string           `json:"job_id"`
	ResourceID string           `json:"resource_id"`
	Status     engine.JobStatus `json:"status"`
	Duplicate  bool             `json:"duplicate,omitempty"`
}

// CreateWorkspaceRequest is the body of POST /workspaces.
type CreateWorkspaceRequest struct {
	ID              string            `json:"id"`
	Platform        string            `json:"platform"`
	DefaultLocation string            `json:"default_location,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
}

// PolicyAttachmentRequest is one entry of PUT /workspaces/{ws}/policies.
type PolicyAttachmentRequest struct {
	resources.PolicyInput
	LinkedWorkspaceID string `json:"linked_workspace_id,omitempty"`
}

// PoliciesResponse lists a workspace's attachments and their resolved values.
type PoliciesResponse struct {
	WorkspaceID string                       `json:"workspace_id"`
	Attachments []resources.PolicyAttachment `json:"attachments"`
	Effective   []resources.PolicyInput      `json:"effective"`
}

// LocationResponse is a location with its sub-locations.
type LocationResponse struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Path        string             `json:"path"`
	Ancestors   []string           `json:"ancestors,omitempty"`
	Locations   []LocationResponse `json:"locations,omitempty"`
}

// NewLocationResponse converts a location and its sub-locations.
func NewLocationResponse(loc *region.Location) LocationResponse {
	out := LocationResponse{
		Name:        loc.Name,
		Description: loc.Description,
		Path:        loc.Path(),
		Ancestors:   loc.Ancestors(),
	}
	for _, c := range loc.Locations {
		out.Locations = append(out.Locations, NewLocationResponse(c))
	}
	return out
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Class   engine.ErrorClass      `json:"class,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

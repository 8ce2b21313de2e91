// Package driver defines the cloud driver capability and dispatches calls to
// the provisioner registered for each (platform, resource type).
package driver

//go:generate mockgen -destination=mocks/provisioner.go -package=mocks github.com/stratum-cloud/stratum/pkg/driver Provisioner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/zeebo/blake3"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// Provisioner creates and removes cloud objects of one resource type.
//
// Provision must be idempotent on ProvisionSpec.IdempotencyToken: a second
// call with the same token returns the handle of the object created by the
// first call instead of creating another one.
type Provisioner interface {
	// Provision creates the cloud object described by spec.
	Provision(ctx context.Context, spec ProvisionSpec) (*resources.Handle, error)

	// Deprovision removes the cloud object. A missing object fails with NOT_FOUND.
	Deprovision(ctx context.Context, handle resources.Handle) error

	// Validate checks spec without creating anything.
	Validate(ctx context.Context, spec ProvisionSpec) error
}

// ProvisionSpec describes the cloud object to create.
type ProvisionSpec struct {
	Platform    string                 `json:"platform"`
	Type        resources.ResourceType `json:"type"`
	WorkspaceID string                 `json:"workspace_id"`
	ResourceID  string                 `json:"resource_id"`
	Name        string                 `json:"name"`
	Region      string                 `json:"region"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`

	// IdempotencyToken identifies the provisioning attempt across retries.
	IdempotencyToken string `json:"idempotency_token"`

	// Source is the object whose data a COPY_RESOURCE clone copies.
	Source *resources.Handle `json:"source,omitempty"`
}

// DecodeAttributes decodes spec attributes into a driver's options struct
// using its mapstructure tags. Unknown keys are ignored.
func DecodeAttributes(attrs map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to create attribute decoder: %w", err)
	}
	if err := dec.Decode(attrs); err != nil {
		return engine.NewValidationError("invalid attributes", err)
	}
	return nil
}

var bucketUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// BucketName derives a DNS-compatible bucket name from the resource name
// and the idempotency token. The same token always yields the same name, so
// a retried provision finds the bucket it already created.
func BucketName(prefix string, spec ProvisionSpec) string {
	sum := blake3.Sum256([]byte(spec.IdempotencyToken))
	suffix := fmt.Sprintf("%x", sum[:5])

	base := strings.ToLower(prefix + spec.Name)
	base = bucketUnsafe.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")

	// 63 bytes total, minus the separator and the 10 byte suffix.
	if limit := 63 - 1 - len(suffix); len(base) > limit {
		base = strings.TrimRight(base[:limit], "-")
	}
	if base == "" {
		return "b-" + suffix
	}
	return base + "-" + suffix
}

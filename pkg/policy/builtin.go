package policy

import (
	"time"
)

// Names of the built-in policies.
const (
	ResourceNamingPolicy     = "resource-naming"
	RegionConstraintPolicy   = "region-constraint"
	DeletionProtectionPolicy = "deletion-protection"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		regionConstraintPolicy(),
		deletionProtectionPolicy(),
	}
}

// resourceNamingPolicy enforces resource naming conventions.
func resourceNamingPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        ResourceNamingPolicy,
		Description: "Resource names are 3-63 lowercase letters, digits, hyphens or underscores",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package stratum.policies.naming

import rego.v1

deny contains violation if {
	resource := input.resource
	resource.name == ""
	violation := {
		"message": sprintf("resource %s must have a name", [resource.id]),
		"resource": resource.id,
	}
}

deny contains violation if {
	name := input.resource.name
	name != ""
	lower(name) != name
	violation := {
		"message": sprintf("resource name '%s' must be lowercase", [name]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	name := input.resource.name
	name != ""
	not regex.match("^[a-zA-Z0-9_-]+$", name)
	violation := {
		"message": sprintf("resource name '%s' may only contain letters, digits, hyphens and underscores", [name]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	name := input.resource.name
	regex.match("^[-_]|[-_]$", name)
	violation := {
		"message": sprintf("resource name '%s' must start and end with a letter or digit", [name]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	name := input.resource.name
	name != ""
	count(name) < 3
	violation := {
		"message": sprintf("resource name '%s' must be at least 3 characters long", [name]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	name := input.resource.name
	count(name) > 63
	violation := {
		"message": sprintf("resource name '%s' must not exceed 63 characters", [name]),
		"resource": input.resource.id,
	}
}`,
	}
}

// regionConstraintPolicy admits a region when it, or a location containing
// it, is one of the workspace's allowed locations.
func regionConstraintPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        RegionConstraintPolicy,
		Description: "Resources must be placed within the workspace's allowed locations",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"region", "data-residency"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package stratum.policies.region

import rego.v1

permitted(location) if {
	some allowed in input.region.allowed
	lower(allowed) == lower(location)
}

within if permitted(input.region.region)

within if {
	some ancestor in input.region.ancestors
	permitted(ancestor)
}

deny contains violation if {
	count(input.region.allowed) > 0
	not within
	violation := {
		"message": sprintf("region '%s' is not within the allowed locations [%s]", [input.region.region, concat(", ", input.region.allowed)]),
	}
}`,
	}
}

// deletionProtectionPolicy blocks deleting resources that opted in to protection.
func deletionProtectionPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        DeletionProtectionPolicy,
		Description: "Resources with deletion_protection set cannot be deleted",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"lifecycle"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package stratum.policies.deletion

import rego.v1

deny contains violation if {
	input.operation == "delete"
	input.resource.attributes.deletion_protection == true
	violation := {
		"message": sprintf("resource '%s' has deletion protection enabled", [input.resource.name]),
		"resource": input.resource.id,
	}
}`,
	}
}

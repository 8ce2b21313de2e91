// Package policy evaluates Open Policy Agent (OPA) Rego policies for stratum.
//
// Every policy is a Rego module whose package defines a deny set. The engine
// queries data.<package>.deny for each enabled policy against an Input
// document; each entry is either a message string or an object with
// message, severity and resource fields.
//
// # Built-in Policies
//
//   - resource-naming checks input.resource.name.
//   - region-constraint admits input.region.region when it or one of its
//     ancestors is in input.region.allowed.
//   - deletion-protection blocks delete operations on resources whose
//     deletion_protection attribute is true.
//
// Custom policies are loaded from .rego or .json files with LoadPolicies, or
// kept in sync with the files with Watch.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//		return err
//	}
//
//	// Blocking violations become a permanent POLICY_VIOLATION error.
//	if err := eng.CheckResource(ctx, "create", resource); err != nil {
//		return err
//	}
//
// The engine implements region.Checker, so it plugs straight into the
// region resolver.
package policy

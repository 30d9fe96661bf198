// Package policy is the preflight gate of cloudsaga. Before a lease is taken
// or any cloud call made, the deployment and its plan are evaluated against
// Rego policies with Open Policy Agent; a blocking violation aborts the run
// with a POLICY_DENIED error.
//
// # Built-in Policies
//
//   - ssh-exposure: denies SSH ingress from 0.0.0.0/0 or ::/0
//   - billing-tags: requires the configured billing tag keys
//   - resource-naming: keeps generated resource names within cloud limits
//   - teardown-protection: blocks terminate for deployments tagged protected=true
//
// Built-ins can be disabled by name. Operator policies are loaded from .rego
// files (named after the file, severity error) or .json definitions.
//
// # Writing Policies
//
// A policy module defines a "deny" set. Members are strings or objects with
// a "message" and optional "severity" ("error" blocks, "warning" and "info"
// do not) and "resource":
//
//	package acme.regions
//
//	import rego.v1
//
//	deny contains violation if {
//		not input.region in {"eu-west-1", "eu-central-1"}
//		violation := {"message": sprintf("region %s is not approved", [input.region])}
//	}
//
// The input document is Input encoded as JSON: operation, service_base_name,
// cloud, region, network, instances, tags and stages.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, input)
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err // POLICY_DENIED
//	}
package policy

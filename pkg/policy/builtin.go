package policy

// GetBuiltinPolicies returns all built-in preflight policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		sshExposurePolicy(),
		billingTagsPolicy(),
		resourceNamingPolicy(),
		teardownProtectionPolicy(),
	}
}

// sshExposurePolicy denies security groups that open SSH to the internet.
func sshExposurePolicy() Policy {
	return Policy{
		Name:        "ssh-exposure",
		Description: "Denies SSH ingress from 0.0.0.0/0 or ::/0",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package cloudsaga.policies.ssh

import rego.v1

world := {"0.0.0.0/0", "::/0"}

deny contains violation if {
	input.operation == "create"
	22 in input.network.ingress_ports
	some cidr in input.network.allowed_ip_cidrs
	cidr in world
	violation := {
		"message": sprintf("SSH (port 22) must not be open to %s", [cidr]),
		"resource": "security_group",
	}
}

deny contains violation if {
	input.operation == "create"
	input.network.elastic_ip
	count(input.network.allowed_ip_cidrs) == 0
	violation := {
		"message": "elastic IPs are requested but no allowed_ip_cidrs can reach them",
		"severity": "warning",
		"resource": "security_group",
	}
}`,
	}
}

// billingTagsPolicy ensures resources can be attributed for billing.
func billingTagsPolicy() Policy {
	return Policy{
		Name:        "billing-tags",
		Description: "Requires the configured billing tag keys",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package cloudsaga.policies.billing

import rego.v1

deny contains violation if {
	input.operation == "create"
	some key in input.tags.required
	not input.tags.billing[key]
	violation := {"message": sprintf("billing tag %q is required", [key])}
}

deny contains violation if {
	input.operation == "create"
	count(input.tags.required) == 0
	count(input.tags.billing) == 0
	violation := {
		"message": "no billing tags set; resources cannot be attributed",
		"severity": "warning",
	}
}`,
	}
}

// resourceNamingPolicy keeps generated names within cloud limits.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Enforces length and character limits on generated resource names",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package cloudsaga.policies.naming

import rego.v1

deny contains violation if {
	some stage in input.stages
	count(stage.resource_name) > 63
	violation := {
		"message": sprintf("resource name %q exceeds 63 characters", [stage.resource_name]),
		"resource": stage.name,
	}
}

deny contains violation if {
	some stage in input.stages
	not regex.match("^[a-z0-9][a-z0-9-]*[a-z0-9]$", stage.resource_name)
	violation := {
		"message": sprintf("resource name %q must be lowercase letters, digits and inner hyphens", [stage.resource_name]),
		"resource": stage.name,
	}
}`,
	}
}

// teardownProtectionPolicy refuses to terminate deployments tagged as
// protected.
func teardownProtectionPolicy() Policy {
	return Policy{
		Name:        "teardown-protection",
		Description: "Blocks terminate when the billing tag protected=true is set",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package cloudsaga.policies.protection

import rego.v1

deny contains violation if {
	input.operation == "terminate"
	lower(input.tags.billing.protected) == "true"
	violation := {"message": sprintf("deployment %s is protected from teardown", [input.service_base_name])}
}`,
	}
}

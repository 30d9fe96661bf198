package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"
)

// Blocking reports whether a violation of this severity denies the run.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy represents a policy rule with its Rego code. The module must define
// a "deny" set whose members are strings or objects with "message" and
// optionally "severity" and "resource".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Resource != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", v.Severity, v.Policy, v.Message, v.Resource)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block the run.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Err returns a POLICY_DENIED error listing the blocking violations, or nil
// when the run is allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	msgs := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		msgs[i] = v.String()
	}
	return engine.NewPermanentError("preflight policy denied the run: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied)
}

// Input is the document policies are evaluated against, available to Rego
// as input.
type Input struct {
	// Operation is "create" or "terminate".
	Operation       string `json:"operation"`
	ServiceBaseName string `json:"service_base_name"`
	Cloud           string `json:"cloud"`
	Region          string `json:"region,omitempty"`

	Network   NetworkInput      `json:"network"`
	Instances InstanceInput     `json:"instances"`
	Tags      TagInput          `json:"tags"`
	Stages    []StageInput      `json:"stages"`
	Params    map[string]string `json:"params,omitempty"`
}

// NetworkInput describes the requested network layout.
type NetworkInput struct {
	VPCCIDR        string   `json:"vpc_cidr"`
	SubnetCIDRs    []string `json:"subnet_cidrs"`
	AllowedIPCIDRs []string `json:"allowed_ip_cidrs"`
	IngressPorts   []int    `json:"ingress_ports"`
	ElasticIP      bool     `json:"elastic_ip"`
	DNSZone        string   `json:"dns_zone,omitempty"`
}

// InstanceInput describes the requested compute.
type InstanceInput struct {
	Count int    `json:"count"`
	Size  string `json:"size"`
	Image string `json:"image,omitempty"`
}

// TagInput carries operator tags and the billing keys that must be present.
type TagInput struct {
	Billing    map[string]string `json:"billing"`
	Additional map[string]string `json:"additional"`
	Required   []string          `json:"required"`
}

// StageInput is one stage of the plan, with its deterministic cloud name.
type StageInput struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	ResourceName string   `json:"resource_name"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

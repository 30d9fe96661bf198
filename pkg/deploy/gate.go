package deploy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cloudsaga/cloudsaga/pkg/config"
	"github.com/cloudsaga/cloudsaga/pkg/policy"
)

// Actions accepted by Run.
const (
	ActionCreate    = "create"
	ActionTerminate = "terminate"
)

// PolicyInput describes the deployment to the policy engine.
func PolicyInput(d *config.Deployment, action string, specs []StageSpec) *policy.Input {
	in := &policy.Input{
		Operation:       action,
		ServiceBaseName: d.ServiceBaseName,
		Cloud:           d.Cloud,
		Region:          d.Region,
		Network: policy.NetworkInput{
			VPCCIDR:        d.VPCCIDR,
			SubnetCIDRs:    d.SubnetCIDRs,
			AllowedIPCIDRs: d.AllowedIPCIDRs,
			IngressPorts:   d.IngressPorts,
			ElasticIP:      d.ElasticIP,
			DNSZone:        d.DNSZone,
		},
		Instances: policy.InstanceInput{
			Count: d.InstanceCount,
			Size:  d.InstanceSize,
			Image: d.Image,
		},
		Tags: policy.TagInput{
			Billing:    d.BillingTags,
			Additional: d.AdditionalTags,
			Required:   d.Policy.RequiredTags,
		},
	}
	for _, s := range specs {
		in.Stages = append(in.Stages, policy.StageInput{
			Name:         s.Name,
			Kind:         string(s.Kind),
			ResourceName: s.ResourceName,
			DependsOn:    s.DependsOn,
		})
	}
	return in
}

// NewPolicyEngine builds the policy engine configured by d: built-in rules
// minus the disabled ones, plus the operator's policy files.
func NewPolicyEngine(ctx context.Context, d *config.Deployment, logger zerolog.Logger) (*policy.Engine, error) {
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	for _, name := range d.Policy.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("policy.disabled: %w", err)
		}
	}
	if len(d.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, d.Policy.Paths); err != nil {
			return nil, fmt.Errorf("policy.paths: %w", err)
		}
	}
	return pe, nil
}

// Preflight evaluates the policy gate. A nil result means the gate is
// disabled. Warnings are logged; blocking violations become a POLICY_DENIED
// error.
func Preflight(
	ctx context.Context,
	d *config.Deployment,
	action string,
	specs []StageSpec,
	logger zerolog.Logger,
) (*policy.Result, error) {
	if !d.Policy.Enabled {
		logger.Warn().Msg("Policy gate disabled")
		return nil, nil
	}

	pe, err := NewPolicyEngine(ctx, d, logger)
	if err != nil {
		return nil, err
	}
	res, err := pe.Evaluate(ctx, PolicyInput(d, action, specs))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policies: %w", err)
	}

	for _, w := range res.Warnings {
		logger.Warn().Str("policy", w.Policy).Str("resource", w.Resource).Msg(w.Message)
	}
	for _, v := range res.Violations {
		logger.Error().Str("policy", v.Policy).Str("resource", v.Resource).Msg(v.Message)
	}
	return res, res.Err()
}

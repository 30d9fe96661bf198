package deploy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudsaga/cloudsaga/pkg/config"
	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/tags"
)

// StageSpec is the cloud-independent declaration of one plan stage.
type StageSpec struct {
	Name      string
	Kind      engine.Kind
	DependsOn []string

	// ResourceName is the deterministic cloud name, "{serviceBaseName}-{Name}".
	ResourceName string

	Params map[string]string
}

// Declare lists the stages of d in declaration order.
func Declare(d *config.Deployment, scheme *tags.Scheme) []StageSpec {
	var specs []StageSpec
	add := func(name string, kind engine.Kind, deps []string, params map[string]string) {
		resourceName := scheme.DeterministicName(name)
		if params == nil {
			params = map[string]string{}
		}
		params["resource_name"] = resourceName
		specs = append(specs, StageSpec{
			Name:         name,
			Kind:         kind,
			DependsOn:    deps,
			ResourceName: resourceName,
			Params:       params,
		})
	}

	add("vpc", engine.KindVPC, nil, map[string]string{"cidr": d.VPCCIDR})

	subnets := make([]string, len(d.SubnetCIDRs))
	for i, cidr := range d.SubnetCIDRs {
		subnets[i] = fmt.Sprintf("subnet-%d", i+1)
		params := map[string]string{"cidr": cidr}
		if i < len(d.AvailabilityZones) {
			params["availability_zone"] = d.AvailabilityZones[i]
		}
		add(subnets[i], engine.KindSubnet, []string{"vpc"}, params)
	}

	add("sg", engine.KindSecurityGroup, []string{"vpc"}, map[string]string{
		"group_name":    scheme.DeterministicName("sg"),
		"description":   "managed by cloudsaga for " + d.ServiceBaseName,
		"ingress_ports": joinInts(d.IngressPorts),
		"allowed_cidrs": strings.Join(d.AllowedIPCIDRs, ","),
	})

	if d.EFS {
		add("efs", engine.KindEFS, append(append([]string(nil), subnets...), "sg"), map[string]string{
			"creation_token": scheme.DeterministicName("efs"),
		})
	}

	for j := 1; j <= d.InstanceCount; j++ {
		instance := fmt.Sprintf("instance-%d", j)
		deps := []string{subnets[(j-1)%len(subnets)], "sg"}
		if d.EFS {
			deps = append(deps, "efs")
		}
		add(instance, engine.KindInstance, deps, map[string]string{
			"image":         d.Image,
			"instance_size": d.InstanceSize,
			"key_name":      d.KeyName,
			"user_data":     d.UserData,
		})

		target := instance
		if d.ElasticIP {
			target = fmt.Sprintf("eip-%d", j)
			add(target, engine.KindElasticIP, []string{instance}, nil)
		}

		if d.DNSZone != "" {
			add(fmt.Sprintf("dns-%d", j), engine.KindDNSRecord, []string{target}, map[string]string{
				"record_name": d.RecordName(instance),
				"ttl":         strconv.Itoa(d.DNSTTL),
			})
		}
	}

	return specs
}

// CheckKinds rejects a plan that needs kinds p does not offer.
func CheckKinds(specs []StageSpec, p engine.ResourceProvider) error {
	var missing []string
	seen := make(map[engine.Kind]bool)
	for _, s := range specs {
		if seen[s.Kind] {
			continue
		}
		seen[s.Kind] = true
		if !engine.SupportsKind(p, s.Kind) {
			missing = append(missing, string(s.Kind))
		}
	}
	if len(missing) > 0 {
		return engine.NewPlanError(
			fmt.Sprintf("provider %s does not support %s", p.Name(), strings.Join(missing, ", ")), nil)
	}
	return nil
}

// PlanOptions tunes how stages are bound to a provider.
type PlanOptions struct {
	// Wait is used for every stage after create. Nil skips provider waits.
	Wait *engine.WaitOptions

	// Probe, when set, runs on every ProbeTargets stage once it is
	// available, for example an SSH readiness check.
	Probe func(ctx context.Context, attrs engine.Attributes) error
}

// BuildPlan binds the declared stages to p and validates the graph.
func BuildPlan(
	specs []StageSpec,
	p engine.ResourceProvider,
	oracle *engine.ExistenceOracle,
	scheme *tags.Scheme,
	opts PlanOptions,
) (*engine.Plan, error) {
	if err := CheckKinds(specs, p); err != nil {
		return nil, err
	}

	probed := ProbeTargets(specs)
	b := engine.NewPlanBuilder()
	for _, s := range specs {
		ps := engine.ProviderStage{
			Name:      s.Name,
			Kind:      s.Kind,
			DependsOn: s.DependsOn,
			Selector:  scheme.Selector(s.Name),
			Params:    s.Params,
			Wait:      opts.Wait,
		}
		if taggable(s.Kind) {
			ps.Tags = scheme.ForResource(s.Name)
		}
		if opts.Probe != nil && probed[s.Name] {
			ps.Probe = opts.Probe
		}
		b.AddStage(engine.NewProviderStage(p, oracle, ps))
	}
	return b.Build()
}

// ProbeTargets names the stages whose address is checked for readiness:
// the elastic IP of each instance when there is one, the instance otherwise.
func ProbeTargets(specs []StageSpec) map[string]bool {
	targets := make(map[string]bool)
	hasEIP := make(map[string]bool)
	for _, s := range specs {
		if s.Kind == engine.KindElasticIP {
			for _, dep := range s.DependsOn {
				hasEIP[dep] = true
			}
			targets[s.Name] = true
		}
	}
	for _, s := range specs {
		if s.Kind == engine.KindInstance && !hasEIP[s.Name] {
			targets[s.Name] = true
		}
	}
	return targets
}

// DNS records carry no tags; ownership comes from their deterministic name.
func taggable(k engine.Kind) bool {
	return k != engine.KindDNSRecord
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

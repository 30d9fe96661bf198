// Package azure implements engine.ResourceProvider on Azure Resource Manager.
//
// Virtual networks stand in for VPCs, network security groups for security
// groups, public IP addresses for elastic IPs and virtual machines (with their
// network interface) for instances. Every resource lives in one resource
// group. File systems and DNS records are not offered.
package azure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/rs/zerolog"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// Config configures the Azure provider.
type Config struct {
	SubscriptionID string `yaml:"subscription_id" json:"subscription_id"`
	ResourceGroup  string `yaml:"resource_group" json:"resource_group"`
	Location       string `yaml:"location" json:"location"`

	// Service principal credentials. When ClientSecret is empty the default
	// credential chain (environment, managed identity, az cli) is used.
	TenantID     string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`

	// AdminUsername and SSHPublicKey provision the login of virtual machines.
	AdminUsername string `yaml:"admin_username,omitempty" json:"admin_username,omitempty"`
	SSHPublicKey  string `yaml:"ssh_public_key,omitempty" json:"ssh_public_key,omitempty"`

	PollInterval time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
}

// Provider manages Azure resources in a single resource group.
type Provider struct {
	api    armAPI
	cfg    Config
	logger zerolog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

func withAPI(api armAPI) Option {
	return func(p *Provider) { p.api = api }
}

// New authenticates and creates the ARM clients.
func New(cfg Config, opts ...Option) (*Provider, error) {
	if cfg.ResourceGroup == "" || cfg.Location == "" {
		return nil, engine.NewPermanentError("azure needs a resource group and a location", nil).
			WithCode(engine.ErrCodeValidation)
	}
	p := &Provider{cfg: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.AdminUsername == "" {
		p.cfg.AdminUsername = "cloudsaga"
	}
	if p.cfg.PollInterval <= 0 {
		p.cfg.PollInterval = 5 * time.Second
	}
	if p.api != nil {
		return p, nil
	}
	if cfg.SubscriptionID == "" {
		return nil, engine.NewPermanentError("azure needs a subscription id", nil).WithCode(engine.ErrCodeValidation)
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	if cfg.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}

	api, err := newSDKClient(cfg.SubscriptionID, cfg.ResourceGroup, cred)
	if err != nil {
		return nil, err
	}
	p.api = api
	return p, nil
}

// Name implements engine.ResourceProvider.
func (p *Provider) Name() string { return "azure" }

// Kinds implements engine.ResourceProvider.
func (p *Provider) Kinds() []engine.Kind {
	return []engine.Kind{
		engine.KindVPC, engine.KindSubnet, engine.KindSecurityGroup,
		engine.KindInstance, engine.KindElasticIP,
	}
}

// Create implements engine.ResourceProvider. ARM creates are upserts, so
// the existence check before Create is what keeps reruns from rewriting
// resources they did not create.
func (p *Provider) Create(ctx context.Context, in engine.StageInput) (string, error) {
	p.logger.Debug().Str("kind", string(in.Kind)).Str("name", in.Name).Msg("Creating resource")
	var (
		id  string
		err error
	)
	switch in.Kind {
	case engine.KindVPC:
		id, err = p.createVirtualNetwork(ctx, in)
	case engine.KindSubnet:
		id, err = p.createSubnet(ctx, in)
	case engine.KindSecurityGroup:
		id, err = p.createSecurityGroup(ctx, in)
	case engine.KindInstance:
		id, err = p.createVirtualMachine(ctx, in)
	case engine.KindElasticIP:
		id, err = p.createPublicIP(ctx, in)
	default:
		return "", unsupported(in.Kind)
	}
	return id, classify(err, in.Kind, "create")
}

// List implements engine.ResourceProvider.
func (p *Provider) List(ctx context.Context, q engine.Query) ([]string, error) {
	var (
		ids []string
		err error
	)
	switch q.Kind {
	case engine.KindVPC:
		ids, err = p.listVirtualNetworks(ctx, q)
	case engine.KindSubnet:
		ids, err = p.listSubnets(ctx, q)
	case engine.KindSecurityGroup, engine.KindInstance, engine.KindElasticIP:
		ids, err = p.listTagged(ctx, q)
	default:
		return nil, unsupported(q.Kind)
	}
	return ids, classify(err, q.Kind, "list")
}

// Describe implements engine.ResourceProvider.
func (p *Provider) Describe(ctx context.Context, kind engine.Kind, id string) (engine.Attributes, error) {
	var (
		attrs engine.Attributes
		err   error
	)
	switch kind {
	case engine.KindVPC:
		attrs, err = p.describeVirtualNetwork(ctx, id)
	case engine.KindSubnet:
		attrs, err = p.describeSubnet(ctx, id)
	case engine.KindSecurityGroup:
		attrs, err = p.describeSecurityGroup(ctx, id)
	case engine.KindInstance:
		attrs, err = p.describeVirtualMachine(ctx, id)
	case engine.KindElasticIP:
		attrs, err = p.describePublicIP(ctx, id)
	default:
		return nil, unsupported(kind)
	}
	return attrs, classify(err, kind, "describe")
}

// Tag implements engine.ResourceProvider. Tags are merged into the existing
// set. Subnets cannot carry tags.
func (p *Provider) Tag(ctx context.Context, kind engine.Kind, id string, tags engine.Tags) error {
	var err error
	switch kind {
	case engine.KindSubnet:
		return nil
	case engine.KindVPC:
		err = p.tagVirtualNetwork(ctx, id, tags)
	case engine.KindSecurityGroup:
		err = p.tagSecurityGroup(ctx, id, tags)
	case engine.KindInstance:
		err = p.tagVirtualMachine(ctx, id, tags)
	case engine.KindElasticIP:
		err = p.tagPublicIP(ctx, id, tags)
	default:
		return unsupported(kind)
	}
	return classify(err, kind, "tag")
}

// Wait implements engine.ResourceProvider.
func (p *Provider) Wait(ctx context.Context, kind engine.Kind, id string, cond engine.Condition, opts engine.WaitOptions) error {
	return engine.WaitFor(ctx, func(ctx context.Context) (bool, error) {
		attrs, err := p.Describe(ctx, kind, id)
		if cond == engine.ConditionDeleted {
			if engine.IsNotFound(err) {
				return true, nil
			}
			return false, err
		}
		if err != nil {
			return false, err
		}
		switch attrs["state"] {
		case stateFailed:
			return false, engine.NewPermanentError(fmt.Sprintf("%s %s failed to provision", kind, id), nil).
				WithCode(engine.ErrCodeProviderFailed).WithResource(id)
		case stateAvailable, stateRunning:
			return true, nil
		}
		return false, nil
	}, opts)
}

// Delete implements engine.ResourceProvider. Absent resources yield NOT_FOUND.
func (p *Provider) Delete(ctx context.Context, kind engine.Kind, id string) error {
	p.logger.Debug().Str("kind", string(kind)).Str("id", id).Msg("Deleting resource")
	var err error
	switch kind {
	case engine.KindVPC:
		err = p.deleteVirtualNetwork(ctx, id)
	case engine.KindSubnet:
		err = p.deleteSubnet(ctx, id)
	case engine.KindSecurityGroup:
		err = p.deleteSecurityGroup(ctx, id)
	case engine.KindInstance:
		err = p.deleteVirtualMachine(ctx, id)
	case engine.KindElasticIP:
		err = p.deletePublicIP(ctx, id)
	default:
		return unsupported(kind)
	}
	return classify(err, kind, "delete")
}

const (
	stateAvailable = "available"
	stateRunning   = "running"
	stateFailed    = "failed"
)

// state normalizes an ARM provisioning state to the engine vocabulary.
func state(provisioning string, running bool) string {
	switch strings.ToLower(provisioning) {
	case "succeeded":
		if running {
			return stateRunning
		}
		return stateAvailable
	case "failed", "canceled":
		return stateFailed
	case "":
		return "unknown"
	default:
		return strings.ToLower(provisioning)
	}
}

// resourceName extracts the name of an ARM resource id.
func resourceName(kind engine.Kind, id string) (string, error) {
	rid, err := arm.ParseResourceID(id)
	if err != nil {
		return "", engine.NewPermanentError(fmt.Sprintf("malformed %s id %q", kind, id), err).
			WithCode(engine.ErrCodeValidation)
	}
	return rid.Name, nil
}

func missingDep(in engine.StageInput, kind engine.Kind) error {
	return engine.NewPermanentError(fmt.Sprintf("%s %s needs a %s dependency", in.Kind, in.Name, kind), nil).
		WithCode(engine.ErrCodeDependencyFailed).WithResource(in.Name)
}

func deref[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}

// Package aws implements engine.ResourceProvider on EC2, EFS and Route53.
package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/rs/zerolog"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// EC2API is the subset of the EC2 client used by the provider.
type EC2API interface {
	CreateVpc(ctx context.Context, in *ec2.CreateVpcInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error)
	DeleteVpc(ctx context.Context, in *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)
	DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	ModifyVpcAttribute(ctx context.Context, in *ec2.ModifyVpcAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error)

	CreateInternetGateway(ctx context.Context, in *ec2.CreateInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error)
	AttachInternetGateway(ctx context.Context, in *ec2.AttachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error)
	DetachInternetGateway(ctx context.Context, in *ec2.DetachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error)
	DeleteInternetGateway(ctx context.Context, in *ec2.DeleteInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error)
	DescribeInternetGateways(ctx context.Context, in *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error)
	DescribeRouteTables(ctx context.Context, in *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
	CreateRoute(ctx context.Context, in *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)

	CreateSubnet(ctx context.Context, in *ec2.CreateSubnetInput, optFns ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error)
	DeleteSubnet(ctx context.Context, in *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)
	DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)

	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)

	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)

	AllocateAddress(ctx context.Context, in *ec2.AllocateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error)
	AssociateAddress(ctx context.Context, in *ec2.AssociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error)
	DisassociateAddress(ctx context.Context, in *ec2.DisassociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.DisassociateAddressOutput, error)
	ReleaseAddress(ctx context.Context, in *ec2.ReleaseAddressInput, optFns ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error)
	DescribeAddresses(ctx context.Context, in *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)

	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// EFSAPI is the subset of the EFS client used by the provider.
type EFSAPI interface {
	CreateFileSystem(ctx context.Context, in *efs.CreateFileSystemInput, optFns ...func(*efs.Options)) (*efs.CreateFileSystemOutput, error)
	DescribeFileSystems(ctx context.Context, in *efs.DescribeFileSystemsInput, optFns ...func(*efs.Options)) (*efs.DescribeFileSystemsOutput, error)
	DeleteFileSystem(ctx context.Context, in *efs.DeleteFileSystemInput, optFns ...func(*efs.Options)) (*efs.DeleteFileSystemOutput, error)
	CreateMountTarget(ctx context.Context, in *efs.CreateMountTargetInput, optFns ...func(*efs.Options)) (*efs.CreateMountTargetOutput, error)
	DescribeMountTargets(ctx context.Context, in *efs.DescribeMountTargetsInput, optFns ...func(*efs.Options)) (*efs.DescribeMountTargetsOutput, error)
	DeleteMountTarget(ctx context.Context, in *efs.DeleteMountTargetInput, optFns ...func(*efs.Options)) (*efs.DeleteMountTargetOutput, error)
	TagResource(ctx context.Context, in *efs.TagResourceInput, optFns ...func(*efs.Options)) (*efs.TagResourceOutput, error)
}

// Route53API is the subset of the Route53 client used by the provider.
type Route53API interface {
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	ListResourceRecordSets(ctx context.Context, in *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
}

// Config configures the AWS provider.
type Config struct {
	Region string `yaml:"region" json:"region"`

	// Profile selects a shared config profile. Ignored when static keys are set.
	Profile string `yaml:"profile,omitempty" json:"profile,omitempty"`

	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`

	// Endpoint overrides the EC2 endpoint, e.g. for LocalStack.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// HostedZoneID is the Route53 zone for dns_record stages.
	HostedZoneID string `yaml:"hosted_zone_id,omitempty" json:"hosted_zone_id,omitempty"`

	// PollInterval is used by internal waits such as instance termination.
	PollInterval time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
}

// Provider manages AWS resources. It holds no process-wide state; every
// Provider owns its clients.
type Provider struct {
	ec2     EC2API
	efs     EFSAPI
	route53 Route53API
	cfg     Config
	logger  zerolog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithClients replaces the SDK clients, for tests and custom endpoints.
func WithClients(e EC2API, f EFSAPI, r Route53API) Option {
	return func(p *Provider) {
		p.ec2, p.efs, p.route53 = e, f, r
	}
}

// New loads the AWS configuration and creates the service clients.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	p := &Provider{cfg: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.PollInterval <= 0 {
		p.cfg.PollInterval = 5 * time.Second
	}
	p.cfg.HostedZoneID = strings.TrimPrefix(p.cfg.HostedZoneID, "/hostedzone/")
	if p.ec2 != nil {
		return p, nil
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	switch {
	case cfg.AccessKeyID != "":
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case cfg.Profile != "":
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	p.ec2 = ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	p.efs = efs.NewFromConfig(awsCfg)
	p.route53 = route53.NewFromConfig(awsCfg)
	return p, nil
}

// Name implements engine.ResourceProvider.
func (p *Provider) Name() string { return "aws" }

// Kinds implements engine.ResourceProvider.
func (p *Provider) Kinds() []engine.Kind {
	kinds := []engine.Kind{
		engine.KindVPC, engine.KindSubnet, engine.KindSecurityGroup, engine.KindEFS,
		engine.KindInstance, engine.KindElasticIP,
	}
	if p.cfg.HostedZoneID != "" {
		kinds = append(kinds, engine.KindDNSRecord)
	}
	return kinds
}

// Create implements engine.ResourceProvider.
func (p *Provider) Create(ctx context.Context, in engine.StageInput) (string, error) {
	p.logger.Debug().Str("kind", string(in.Kind)).Str("name", in.Name).Msg("Creating resource")
	var (
		id  string
		err error
	)
	switch in.Kind {
	case engine.KindVPC:
		id, err = p.createVPC(ctx, in)
	case engine.KindSubnet:
		id, err = p.createSubnet(ctx, in)
	case engine.KindSecurityGroup:
		id, err = p.createSecurityGroup(ctx, in)
	case engine.KindEFS:
		id, err = p.createFileSystem(ctx, in)
	case engine.KindInstance:
		id, err = p.createInstance(ctx, in)
	case engine.KindElasticIP:
		id, err = p.createElasticIP(ctx, in)
	case engine.KindDNSRecord:
		id, err = p.createRecord(ctx, in)
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
		ids, err = p.listVPCs(ctx, q)
	case engine.KindSubnet:
		ids, err = p.listSubnets(ctx, q)
	case engine.KindSecurityGroup:
		ids, err = p.listSecurityGroups(ctx, q)
	case engine.KindEFS:
		ids, err = p.listFileSystems(ctx, q)
	case engine.KindInstance:
		ids, err = p.listInstances(ctx, q)
	case engine.KindElasticIP:
		ids, err = p.listElasticIPs(ctx, q)
	case engine.KindDNSRecord:
		ids, err = p.listRecords(ctx, q)
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
		attrs, err = p.describeVPC(ctx, id)
	case engine.KindSubnet:
		attrs, err = p.describeSubnet(ctx, id)
	case engine.KindSecurityGroup:
		attrs, err = p.describeSecurityGroup(ctx, id)
	case engine.KindEFS:
		attrs, err = p.describeFileSystem(ctx, id)
	case engine.KindInstance:
		attrs, err = p.describeInstance(ctx, id)
	case engine.KindElasticIP:
		attrs, err = p.describeElasticIP(ctx, id)
	case engine.KindDNSRecord:
		attrs, err = p.describeRecord(ctx, id)
	default:
		return nil, unsupported(kind)
	}
	return attrs, classify(err, kind, "describe")
}

// Tag implements engine.ResourceProvider. Route53 records carry no tags.
func (p *Provider) Tag(ctx context.Context, kind engine.Kind, id string, tags engine.Tags) error {
	var err error
	switch kind {
	case engine.KindDNSRecord:
		return nil
	case engine.KindEFS:
		_, err = p.efs.TagResource(ctx, &efs.TagResourceInput{
			ResourceId: aws.String(id),
			Tags:       efsTags(tags),
		})
	default:
		_, err = p.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{id},
			Tags:      ec2Tags(tags),
		})
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
			if err != nil {
				return false, err
			}
			return isGone(attrs["state"]), nil
		}
		if err != nil {
			return false, err
		}
		return isAvailable(kind, attrs["state"]), nil
	}, opts)
}

// Delete implements engine.ResourceProvider. Absent resources yield NOT_FOUND.
func (p *Provider) Delete(ctx context.Context, kind engine.Kind, id string) error {
	p.logger.Debug().Str("kind", string(kind)).Str("id", id).Msg("Deleting resource")
	var err error
	switch kind {
	case engine.KindVPC:
		err = p.deleteVPC(ctx, id)
	case engine.KindSubnet:
		_, err = p.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id)})
	case engine.KindSecurityGroup:
		_, err = p.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	case engine.KindEFS:
		err = p.deleteFileSystem(ctx, id)
	case engine.KindInstance:
		err = p.deleteInstance(ctx, id)
	case engine.KindElasticIP:
		err = p.deleteElasticIP(ctx, id)
	case engine.KindDNSRecord:
		err = p.deleteRecord(ctx, id)
	default:
		return unsupported(kind)
	}
	return classify(err, kind, "delete")
}

// waitInternal polls inside a multi-call operation such as EFS mount target
// creation or instance termination.
func (p *Provider) waitInternal(ctx context.Context, check engine.CheckFunc) error {
	return engine.Wait(ctx, check, p.cfg.PollInterval, 10*time.Minute)
}

func unsupported(kind engine.Kind) error {
	return engine.NewPermanentError(fmt.Sprintf("kind %s is not supported by aws", kind), nil).
		WithCode(engine.ErrCodeUnsupportedKind)
}

func isAvailable(kind engine.Kind, state string) bool {
	switch kind {
	case engine.KindInstance:
		return state == "running"
	case engine.KindElasticIP, engine.KindDNSRecord, engine.KindSecurityGroup:
		return true
	default:
		return state == "available"
	}
}

func isGone(state string) bool {
	return state == "terminated" || state == "deleted"
}

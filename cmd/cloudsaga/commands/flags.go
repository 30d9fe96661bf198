package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudsaga/cloudsaga/pkg/config"
)

// deploymentFlags are the per-deployment overrides shared by the commands
// that act on a deployment. A flag only overrides the config file when it
// was set on the command line.
type deploymentFlags struct {
	serviceBaseName string
	region          string
	cloud           string
	vpcCIDR         string
	subnetCIDRs     []string
	keyName         string
	instanceSize    string
	image           string
	allowedCIDRs    []string
	dnsZone         string
	errorFile       string
	lockBackend     string
}

func (f *deploymentFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.serviceBaseName, "service_base_name", "", "deployment name, prefix of every resource name")
	fl.StringVar(&f.region, "region", "", "cloud region or location")
	fl.StringVar(&f.cloud, "cloud", "", "cloud provider (aws, azure, memory)")
	fl.StringVar(&f.vpcCIDR, "vpc_cidr", "", "VPC address range")
	fl.StringSliceVar(&f.subnetCIDRs, "subnet_cidr", nil, "subnet address range (repeatable)")
	fl.StringVar(&f.keyName, "key_name", "", "SSH key pair name for instances")
	fl.StringVar(&f.instanceSize, "instance_size", "", "instance size")
	fl.StringVar(&f.image, "image", "", "instance image")
	fl.StringSliceVar(&f.allowedCIDRs, "allowed_ip_cidr", nil, "address range allowed to reach instances (repeatable)")
	fl.StringVar(&f.dnsZone, "dns_zone", "", "DNS zone for instance records")
	fl.StringVar(&f.errorFile, "error_file", "", "JSON file that receives the error summary")
	fl.StringVar(&f.lockBackend, "lock", "", "lease backend (sqlite, dynamodb, memory, none)")
}

func (f *deploymentFlags) apply(cmd *cobra.Command, d *config.Deployment) {
	changed := cmd.Flags().Changed
	set := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}
	set("service_base_name", &d.ServiceBaseName, f.serviceBaseName)
	if changed("region") {
		d.Region = f.region
		d.AWS.Region = f.region
		d.Azure.Location = f.region
		d.Lock.DynamoDB.Region = f.region
	}
	set("cloud", &d.Cloud, f.cloud)
	set("vpc_cidr", &d.VPCCIDR, f.vpcCIDR)
	set("key_name", &d.KeyName, f.keyName)
	set("instance_size", &d.InstanceSize, f.instanceSize)
	set("image", &d.Image, f.image)
	set("dns_zone", &d.DNSZone, f.dnsZone)
	set("error_file", &d.ErrorFile, f.errorFile)
	set("lock", &d.Lock.Backend, f.lockBackend)
	if changed("subnet_cidr") {
		d.SubnetCIDRs = f.subnetCIDRs
	}
	if changed("allowed_ip_cidr") {
		d.AllowedIPCIDRs = f.allowedCIDRs
	}
}

// loadDeployment reads --config (or the defaults when none is given),
// applies flag overrides and validates the result.
func loadDeployment(ctx context.Context, cmd *cobra.Command, f *deploymentFlags) (*config.Deployment, error) {
	d, err := readDeployment(ctx, cmd, f)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", sourceName(), err)
	}
	return d, nil
}

// readDeployment is loadDeployment without validation, for commands that
// only touch the state database.
func readDeployment(ctx context.Context, cmd *cobra.Command, f *deploymentFlags) (*config.Deployment, error) {
	d := config.Default()
	if configPath != "" {
		loaded, err := config.Load(ctx, configPath)
		if err != nil {
			return nil, err
		}
		d = loaded
	}
	f.apply(cmd, d)

	if logLevel != "" {
		d.Telemetry.Logging.Level = logLevel
	}
	if logFormat != "" {
		d.Telemetry.Logging.Format = logFormat
	}
	if metricsAddr != "" {
		d.Telemetry.Metrics.Enabled = true
		d.Telemetry.Metrics.ListenAddress = metricsAddr
	}
	if d.Telemetry.ServiceVersion == "" || d.Telemetry.ServiceVersion == "dev" {
		d.Telemetry.ServiceVersion = version
	}

	d.Normalize()
	return d, nil
}

func sourceName() string {
	if configPath == "" {
		return "flags"
	}
	return configPath
}

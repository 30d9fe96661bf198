package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
	"github.com/cloudsaga/cloudsaga/pkg/lock"
	"github.com/cloudsaga/cloudsaga/pkg/providers/aws"
	"github.com/cloudsaga/cloudsaga/pkg/providers/azure"
	"github.com/cloudsaga/cloudsaga/pkg/providers/memory"
	"github.com/cloudsaga/cloudsaga/pkg/tags"
	"github.com/cloudsaga/cloudsaga/pkg/telemetry"
)

// Cloud names accepted by the cloud key.
const (
	CloudAWS    = "aws"
	CloudAzure  = "azure"
	CloudMemory = "memory"
)

// Lock backends accepted by lock.backend.
const (
	LockSQLite   = "sqlite"
	LockDynamoDB = "dynamodb"
	LockMemory   = "memory"
	LockNone     = "none"
)

// Deployment is the full description of one deployment: the network and
// compute it provisions and the knobs of the engine that provisions it.
type Deployment struct {
	// ServiceBaseName identifies the deployment. It prefixes every resource
	// name and is the value of the ownership tag.
	ServiceBaseName string `yaml:"service_base_name" json:"service_base_name" validate:"required,max=40,hostname_rfc1123"`

	Cloud  string `yaml:"cloud" json:"cloud" validate:"required,oneof=aws azure memory"`
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// Network
	VPCCIDR           string   `yaml:"vpc_cidr" json:"vpc_cidr" validate:"required,cidrv4"`
	SubnetCIDRs       []string `yaml:"subnet_cidrs" json:"subnet_cidrs" validate:"required,min=1,max=6,dive,cidrv4"`
	AvailabilityZones []string `yaml:"availability_zones,omitempty" json:"availability_zones,omitempty"`
	AllowedIPCIDRs    []string `yaml:"allowed_ip_cidrs" json:"allowed_ip_cidrs" validate:"dive,cidr"`
	IngressPorts      []int    `yaml:"ingress_ports" json:"ingress_ports" validate:"dive,min=1,max=65535"`

	// Compute
	InstanceCount int    `yaml:"instance_count" json:"instance_count" validate:"min=1,max=16"`
	InstanceSize  string `yaml:"instance_size" json:"instance_size" validate:"required"`
	Image         string `yaml:"image,omitempty" json:"image,omitempty"`
	KeyName       string `yaml:"key_name,omitempty" json:"key_name,omitempty"`
	UserData      string `yaml:"user_data,omitempty" json:"user_data,omitempty"`

	// Optional stages
	EFS       bool   `yaml:"efs" json:"efs"`
	ElasticIP bool   `yaml:"elastic_ip" json:"elastic_ip"`
	DNSZone   string `yaml:"dns_zone,omitempty" json:"dns_zone,omitempty" validate:"omitempty,fqdn"`
	DNSTTL    int    `yaml:"dns_ttl,omitempty" json:"dns_ttl,omitempty" validate:"omitempty,min=30,max=86400"`

	// Tagging
	CorrelationKey string            `yaml:"correlation_key,omitempty" json:"correlation_key,omitempty"`
	BillingTags    map[string]string `yaml:"billing_tags,omitempty" json:"billing_tags,omitempty"`
	AdditionalTags map[string]string `yaml:"additional_tags,omitempty" json:"additional_tags,omitempty"`

	// Engine
	Existence       ExistenceConfig    `yaml:"existence" json:"existence"`
	Retry           engine.RetryPolicy `yaml:"retry" json:"retry"`
	RollbackTimeout time.Duration      `yaml:"rollback_timeout" json:"rollback_timeout" validate:"min=0"`
	WaitTimeout     time.Duration      `yaml:"wait_timeout" json:"wait_timeout" validate:"min=0"`
	ErrorFile       string             `yaml:"error_file" json:"error_file"`

	// StateDB is the SQLite file holding the run journal and, with the
	// sqlite lock backend, the lease table.
	StateDB string `yaml:"state_db" json:"state_db"`
	Journal bool   `yaml:"journal" json:"journal"`

	Lock   LockConfig   `yaml:"lock" json:"lock"`
	Policy PolicyConfig `yaml:"policy" json:"policy"`
	SSH    SSHConfig    `yaml:"ssh" json:"ssh"`

	AWS       aws.Config       `yaml:"aws,omitempty" json:"aws,omitempty" validate:"-"`
	Azure     azure.Config     `yaml:"azure,omitempty" json:"azure,omitempty" validate:"-"`
	Memory    memory.Config    `yaml:"memory,omitempty" json:"memory,omitempty" validate:"-"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry" validate:"-"`
}

// ExistenceConfig tunes how existing resources are recognized.
type ExistenceConfig struct {
	// Ambiguity is "first" (adopt the first match, warn) or "error".
	Ambiguity engine.AmbiguityPolicy `yaml:"ambiguity" json:"ambiguity" validate:"oneof=first error"`
}

// LockConfig selects the lease backend guarding a deployment.
type LockConfig struct {
	Backend  string              `yaml:"backend" json:"backend" validate:"oneof=sqlite dynamodb memory none"`
	TTL      time.Duration       `yaml:"ttl" json:"ttl" validate:"min=0"`
	DynamoDB lock.DynamoDBConfig `yaml:"dynamodb,omitempty" json:"dynamodb,omitempty" validate:"-"`
}

// PolicyConfig controls the preflight policy gate.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths lists extra .rego files or directories evaluated alongside the
	// built-in rules.
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"`

	// Disabled names built-in rules to skip.
	Disabled []string `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// RequiredTags are billing tag keys every deployment must carry.
	RequiredTags []string `yaml:"required_tags,omitempty" json:"required_tags,omitempty"`
}

// SSHConfig controls the readiness probe run against new instances.
type SSHConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	User           string        `yaml:"user,omitempty" json:"user,omitempty" validate:"required_if=Enabled true"`
	Port           int           `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	PrivateKeyPath string        `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty" validate:"required_if=Enabled true"`
	Timeout        time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Command        string        `yaml:"command,omitempty" json:"command,omitempty"`
}

// Default returns a deployment with every optional key at its documented
// default. ServiceBaseName is left empty and must be supplied.
//
//	cloud:              aws
//	region:             us-east-1
//	vpc_cidr:           10.0.0.0/16
//	subnet_cidrs:       [10.0.1.0/24]
//	allowed_ip_cidrs:   [] (no ingress)
//	ingress_ports:      [22]
//	instance_count:     1
//	instance_size:      t3.micro
//	efs, elastic_ip:    false
//	dns_ttl:            300
//	correlation_key:    Name
//	existence.ambiguity first
//	retry:              6 attempts, 1s..1m, 5m elapsed
//	rollback_timeout:   10m
//	wait_timeout:       10m
//	error_file:         result.json
//	state_db:           cloudsaga.db
//	journal:            true
//	lock.backend:       sqlite, ttl 15m
//	policy.enabled:     true
func Default() *Deployment {
	return &Deployment{
		Cloud:           CloudAWS,
		Region:          "us-east-1",
		VPCCIDR:         "10.0.0.0/16",
		SubnetCIDRs:     []string{"10.0.1.0/24"},
		IngressPorts:    []int{22},
		InstanceCount:   1,
		InstanceSize:    "t3.micro",
		DNSTTL:          300,
		CorrelationKey:  "Name",
		Existence:       ExistenceConfig{Ambiguity: engine.AmbiguityFirstMatch},
		Retry:           engine.DefaultRetryPolicy(),
		RollbackTimeout: 10 * time.Minute,
		WaitTimeout:     10 * time.Minute,
		ErrorFile:       "result.json",
		StateDB:         "cloudsaga.db",
		Journal:         true,
		Lock: LockConfig{
			Backend: LockSQLite,
			TTL:     lock.DefaultTTL,
		},
		Policy:    PolicyConfig{Enabled: true},
		SSH:       SSHConfig{Port: 22, Timeout: 5 * time.Minute},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Normalize fills provider settings from the top-level keys so a config
// only has to name the region once.
func (d *Deployment) Normalize() {
	d.Cloud = strings.ToLower(strings.TrimSpace(d.Cloud))
	if d.AWS.Region == "" {
		d.AWS.Region = d.Region
	}
	if d.Azure.Location == "" {
		d.Azure.Location = d.Region
	}
	if d.Lock.DynamoDB.Region == "" {
		d.Lock.DynamoDB.Region = d.Region
	}
	if d.Telemetry.ServiceName == "" {
		d.Telemetry.ServiceName = "cloudsaga"
	}
}

// RecordName returns the DNS name published for a resource, or "" when no
// zone is configured.
func (d *Deployment) RecordName(resourceName string) string {
	if d.DNSZone == "" {
		return ""
	}
	return tags.RecordName(d.ServiceBaseName, resourceName, d.DNSZone)
}

// ValidationError describes one problem found in a configuration source.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a configuration has one or more problems.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return path
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"deploy.yaml", FormatYAML, false},
		{"deploy.YML", FormatYAML, false},
		{"deploy.json", FormatYAML, false},
		{"deploy.cue", FormatCUE, false},
		{"deploy.star", FormatStarlark, false},
		{"deploy.toml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFromPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FormatFromPath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "deploy.yaml", `
service_base_name: shop
cloud: aws
region: eu-west-1
vpc_cidr: 10.20.0.0/16
subnet_cidrs: [10.20.1.0/24, 10.20.2.0/24]
allowed_ip_cidrs: [203.0.113.0/24]
image: ami-0123456789abcdef0
elastic_ip: true
rollback_timeout: 2m
retry:
  max_attempts: 3
  initial_interval: 500ms
billing_tags:
  cost-center: "4711"
existence:
  ambiguity: error
aws:
  hosted_zone_id: Z123
`)

	d, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if d.ServiceBaseName != "shop" || d.VPCCIDR != "10.20.0.0/16" {
		t.Errorf("unexpected identity: %s %s", d.ServiceBaseName, d.VPCCIDR)
	}
	if len(d.SubnetCIDRs) != 2 {
		t.Errorf("expected 2 subnets, got %v", d.SubnetCIDRs)
	}
	if d.RollbackTimeout != 2*time.Minute {
		t.Errorf("expected 2m rollback timeout, got %s", d.RollbackTimeout)
	}
	if d.Retry.MaxAttempts != 3 || d.Retry.InitialInterval != 500*time.Millisecond {
		t.Errorf("unexpected retry policy: %+v", d.Retry)
	}
	if d.Retry.MaxInterval != time.Minute {
		t.Errorf("expected unset retry keys to keep defaults, got %s", d.Retry.MaxInterval)
	}
	if d.BillingTags["cost-center"] != "4711" {
		t.Errorf("unexpected billing tags: %v", d.BillingTags)
	}
	if d.AWS.Region != "eu-west-1" || d.AWS.HostedZoneID != "Z123" {
		t.Errorf("unexpected aws config: %+v", d.AWS)
	}
	if d.InstanceSize != "t3.micro" || d.ErrorFile != "result.json" {
		t.Error("expected defaults for unset keys")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown key", "deploy.yaml", "service_base_name: shop\nvpc_cdir: 10.0.0.0/16\n"},
		{"malformed yaml", "deploy.yaml", "service_base_name: [shop\n"},
		{"unsupported extension", "deploy.ini", "service_base_name=shop\n"},
		{"cue schema violation", "deploy.cue", "service_base_name: \"shop\"\ncloud: \"gcp\"\n"},
		{"starlark syntax error", "deploy.star", "service_base_name = \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			if _, err := Load(context.Background(), path); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestParse_FormatsAgree(t *testing.T) {
	sources := []struct {
		name   string
		format Format
		src    string
	}{
		{"yaml", FormatYAML, `
service_base_name: shop
cloud: memory
vpc_cidr: 10.8.0.0/16
subnet_cidrs: [10.8.1.0/24, 10.8.2.0/24]
instance_count: 2
wait_timeout: 90s
`},
		{"cue", FormatCUE, `
_vpc: "10.8.0.0/16"
deployment: {
	service_base_name: "shop"
	cloud:             "memory"
	vpc_cidr:          _vpc
	subnet_cidrs: ["10.8.1.0/24", "10.8.2.0/24"]
	instance_count: 2
	wait_timeout:   "90s"
}
`},
		{"starlark", FormatStarlark, `
_vpc = "10.8.0.0/16"

def subnets(n):
    return [cidr_subnet(_vpc, 8, i + 1) for i in range(n)]

service_base_name = "shop"
cloud = "memory"
vpc_cidr = _vpc
subnet_cidrs = subnets(2)
instance_count = 2
wait_timeout = "90s"
`},
	}

	for _, s := range sources {
		t.Run(s.name, func(t *testing.T) {
			d, err := Parse(context.Background(), "deploy."+s.name, s.format, []byte(s.src))
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if err := d.Validate(); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if d.ServiceBaseName != "shop" || d.Cloud != CloudMemory {
				t.Errorf("unexpected identity: %s %s", d.ServiceBaseName, d.Cloud)
			}
			if len(d.SubnetCIDRs) != 2 || d.SubnetCIDRs[0] != "10.8.1.0/24" || d.SubnetCIDRs[1] != "10.8.2.0/24" {
				t.Errorf("unexpected subnets: %v", d.SubnetCIDRs)
			}
			if d.InstanceCount != 2 {
				t.Errorf("expected 2 instances, got %d", d.InstanceCount)
			}
			if d.WaitTimeout != 90*time.Second {
				t.Errorf("expected 90s wait timeout, got %s", d.WaitTimeout)
			}
		})
	}
}

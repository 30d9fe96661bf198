package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

func validDeployment() *Deployment {
	d := Default()
	d.ServiceBaseName = "shop"
	d.Cloud = CloudMemory
	d.SubnetCIDRs = []string{"10.0.1.0/24", "10.0.2.0/24"}
	d.AllowedIPCIDRs = []string{"203.0.113.0/24"}
	d.Normalize()
	return d
}

func errorPaths(t *testing.T, err error) []string {
	t.Helper()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	paths := make([]string, len(verrs))
	for i, e := range verrs {
		paths[i] = e.Path
	}
	return paths
}

func TestDefault(t *testing.T) {
	d := Default()

	if d.Cloud != CloudAWS {
		t.Errorf("expected default cloud aws, got %s", d.Cloud)
	}
	if d.Existence.Ambiguity != engine.AmbiguityFirstMatch {
		t.Errorf("expected first-match ambiguity, got %s", d.Existence.Ambiguity)
	}
	if d.ErrorFile != "result.json" {
		t.Errorf("expected result.json, got %s", d.ErrorFile)
	}
	if d.Lock.Backend != LockSQLite || d.Lock.TTL != 15*time.Minute {
		t.Errorf("unexpected lock defaults: %+v", d.Lock)
	}
	if len(d.AllowedIPCIDRs) != 0 {
		t.Errorf("expected no ingress by default, got %v", d.AllowedIPCIDRs)
	}
	if d.ServiceBaseName != "" {
		t.Error("expected service_base_name to have no default")
	}
}

func TestDeployment_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(d *Deployment)
		wantPath string
	}{
		{
			name:   "valid",
			mutate: func(*Deployment) {},
		},
		{
			name:     "missing service base name",
			mutate:   func(d *Deployment) { d.ServiceBaseName = "" },
			wantPath: "service_base_name",
		},
		{
			name:     "service base name with underscore",
			mutate:   func(d *Deployment) { d.ServiceBaseName = "my_shop" },
			wantPath: "service_base_name",
		},
		{
			name:     "unknown cloud",
			mutate:   func(d *Deployment) { d.Cloud = "gcp" },
			wantPath: "cloud",
		},
		{
			name:     "subnet outside vpc",
			mutate:   func(d *Deployment) { d.SubnetCIDRs[1] = "10.1.2.0/24" },
			wantPath: "subnet_cidrs[1]",
		},
		{
			name:     "subnet larger than vpc",
			mutate:   func(d *Deployment) { d.SubnetCIDRs = []string{"10.0.0.0/8"} },
			wantPath: "subnet_cidrs[0]",
		},
		{
			name:     "overlapping subnets",
			mutate:   func(d *Deployment) { d.SubnetCIDRs[1] = "10.0.1.128/25" },
			wantPath: "subnet_cidrs[1]",
		},
		{
			name:     "malformed allowed cidr",
			mutate:   func(d *Deployment) { d.AllowedIPCIDRs = []string{"anywhere"} },
			wantPath: "allowed_ip_cidrs[0]",
		},
		{
			name:     "zone count mismatch",
			mutate:   func(d *Deployment) { d.AvailabilityZones = []string{"a"} },
			wantPath: "availability_zones",
		},
		{
			name:     "no instances",
			mutate:   func(d *Deployment) { d.InstanceCount = 0 },
			wantPath: "instance_count",
		},
		{
			name:     "bad ambiguity policy",
			mutate:   func(d *Deployment) { d.Existence.Ambiguity = "random" },
			wantPath: "existence.ambiguity",
		},
		{
			name: "aws needs an image",
			mutate: func(d *Deployment) {
				d.Cloud = CloudAWS
				d.Image = ""
			},
			wantPath: "image",
		},
		{
			name: "aws dns needs a hosted zone",
			mutate: func(d *Deployment) {
				d.Cloud = CloudAWS
				d.Image = "ami-123"
				d.DNSZone = "example.com"
			},
			wantPath: "aws.hosted_zone_id",
		},
		{
			name:     "azure needs a subscription",
			mutate:   func(d *Deployment) { d.Cloud = CloudAzure },
			wantPath: "azure.subscription_id",
		},
		{
			name:     "dynamodb lock needs a table",
			mutate:   func(d *Deployment) { d.Lock.Backend = LockDynamoDB },
			wantPath: "lock.dynamodb.table",
		},
		{
			name: "ssh probe needs a user",
			mutate: func(d *Deployment) {
				d.SSH.Enabled = true
				d.SSH.PrivateKeyPath = "/tmp/id"
			},
			wantPath: "ssh.user",
		},
		{
			name: "retry intervals inverted",
			mutate: func(d *Deployment) {
				d.Retry.InitialInterval = time.Minute
				d.Retry.MaxInterval = time.Second
			},
			wantPath: "retry.max_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDeployment()
			tt.mutate(d)
			err := d.Validate()

			if tt.wantPath == "" {
				if err != nil {
					t.Fatalf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error at %s, got none", tt.wantPath)
			}
			paths := errorPaths(t, err)
			found := false
			for _, p := range paths {
				if p == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error at %s, got %v", tt.wantPath, paths)
			}
		})
	}
}

func TestDeployment_ValidateReportsAllProblems(t *testing.T) {
	d := validDeployment()
	d.ServiceBaseName = ""
	d.InstanceCount = 0
	d.SubnetCIDRs[0] = "192.168.0.0/24"

	err := d.Validate()
	if err == nil {
		t.Fatal("expected an error")
	}
	if paths := errorPaths(t, err); len(paths) < 3 {
		t.Errorf("expected at least 3 problems, got %v", paths)
	}
	if !strings.HasPrefix(err.Error(), "invalid configuration: ") {
		t.Errorf("unexpected message: %s", err)
	}
}

func TestDeployment_Normalize(t *testing.T) {
	d := Default()
	d.Cloud = " AWS "
	d.Region = "eu-west-1"
	d.AWS.Region = ""
	d.Normalize()

	if d.Cloud != CloudAWS {
		t.Errorf("expected cloud aws, got %q", d.Cloud)
	}
	if d.AWS.Region != "eu-west-1" || d.Azure.Location != "eu-west-1" {
		t.Errorf("expected region propagated, got aws=%q azure=%q", d.AWS.Region, d.Azure.Location)
	}
	if d.Lock.DynamoDB.Region != "eu-west-1" {
		t.Errorf("expected lock region propagated, got %q", d.Lock.DynamoDB.Region)
	}

	d.AWS.Region = "us-west-2"
	d.Normalize()
	if d.AWS.Region != "us-west-2" {
		t.Error("expected explicit provider region to win")
	}
}

func TestDeployment_RecordName(t *testing.T) {
	d := validDeployment()
	if got := d.RecordName("dns-0"); got != "" {
		t.Errorf("expected no record name without a zone, got %q", got)
	}
	d.DNSZone = "example.com."
	if got := d.RecordName("dns-0"); got != "shop-dns-0.example.com" {
		t.Errorf("unexpected record name %q", got)
	}
}

package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "globals become output",
			script: "instance_count = 2 + 1\nefs = True\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["instance_count"] != int64(3) {
					t.Errorf("expected instance_count=3, got %v", sr.Output["instance_count"])
				}
				if sr.Output["efs"] != true {
					t.Errorf("expected efs=True, got %v", sr.Output["efs"])
				}
			},
		},
		{
			name: "private globals and functions are skipped",
			script: `
_base = "shop"
def name(suffix):
    return _base + "-" + suffix
service_base_name = name("prod")
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if len(sr.Output) != 1 {
					t.Errorf("expected only service_base_name, got %v", sr.Output)
				}
				if sr.Output["service_base_name"] != "shop-prod" {
					t.Errorf("unexpected name %v", sr.Output["service_base_name"])
				}
			},
		},
		{
			name:   "input variables",
			script: "subnet_cidrs = [cidr_subnet(vpc, 8, i) for i in range(count)]\n",
			input: map[string]interface{}{
				"vpc":   "10.0.0.0/16",
				"count": 3,
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				subnets, ok := sr.Output["subnet_cidrs"].([]interface{})
				if !ok || len(subnets) != 3 {
					t.Fatalf("expected 3 subnets, got %v", sr.Output["subnet_cidrs"])
				}
				if subnets[2] != "10.0.2.0/24" {
					t.Errorf("expected 10.0.2.0/24, got %v", subnets[2])
				}
			},
		},
		{
			name:   "structs and dicts",
			script: "aws = struct(hosted_zone_id = \"Z1\")\nbilling_tags = {\"team\": \"web\"}\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				aws, ok := sr.Output["aws"].(map[string]interface{})
				if !ok || aws["hosted_zone_id"] != "Z1" {
					t.Errorf("unexpected aws %v", sr.Output["aws"])
				}
				tags, ok := sr.Output["billing_tags"].(map[string]interface{})
				if !ok || tags["team"] != "web" {
					t.Errorf("unexpected tags %v", sr.Output["billing_tags"])
				}
			},
		},
		{
			name:    "non string dict key",
			script:  "billing_tags = {1: \"web\"}\n",
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  "x = 1 // 0\n",
			wantErr: true,
		},
		{
			name:    "bad cidr_subnet arguments",
			script:  "x = cidr_subnet(\"10.0.0.0/30\", 8, 0)\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "test.star", tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)
	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n
total = spin()
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), "spin.star", script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "stopped") {
		t.Errorf("expected a stopped error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("evaluation was not cancelled promptly")
	}
}

func TestCIDRSubnet(t *testing.T) {
	tests := []struct {
		prefix  string
		newbits int
		netnum  int
		want    string
		wantErr bool
	}{
		{"10.0.0.0/16", 8, 0, "10.0.0.0/24", false},
		{"10.0.0.0/16", 8, 255, "10.0.255.0/24", false},
		{"10.0.0.0/16", 4, 3, "10.0.48.0/20", false},
		{"10.0.7.9/16", 8, 1, "10.0.1.0/24", false},
		{"10.0.0.0/16", 0, 0, "10.0.0.0/16", false},
		{"10.0.0.0/16", 8, 256, "", true},
		{"10.0.0.0/28", 8, 0, "", true},
		{"fd00::/48", 16, 1, "", true},
		{"not-a-cidr", 8, 0, "", true},
	}
	for _, tt := range tests {
		got, err := CIDRSubnet(tt.prefix, tt.newbits, tt.netnum)
		if (err != nil) != tt.wantErr {
			t.Errorf("CIDRSubnet(%s, %d, %d) error = %v, wantErr %v", tt.prefix, tt.newbits, tt.netnum, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CIDRSubnet(%s, %d, %d) = %s, want %s", tt.prefix, tt.newbits, tt.netnum, got, tt.want)
		}
	}
}

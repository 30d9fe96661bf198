// Package config loads and validates cloudsaga deployment configuration.
//
// # Overview
//
// A deployment describes the network and compute one run provisions (VPC,
// subnets, security group, optional EFS, instances, elastic IPs and DNS
// records) together with the engine settings that govern the run: retry
// bounds, rollback timeout, existence ambiguity policy, lease backend,
// policy gate and telemetry.
//
// # Formats
//
// Three source formats decode to the same keys:
//
//   - YAML (.yaml, .yml, .json), decoded strictly with gopkg.in/yaml.v3
//   - CUE (.cue), unified with the built-in #Deployment schema and exported
//   - Starlark (.star), whose top-level globals form the document
//
// CUE and Starlark sources may instead wrap the document in a top-level
// "deployment" field. Starlark scripts get a cidr_subnet(prefix, newbits,
// netnum) builtin for carving subnets out of the VPC range.
//
// # Usage Example
//
//	d, err := config.Load(ctx, "deploy.yaml")
//	if err != nil {
//	    return err
//	}
//	d.ServiceBaseName = flagValue // CLI overrides
//	if err := d.Validate(); err != nil {
//	    return err
//	}
//
// # YAML Example
//
//	service_base_name: shop
//	cloud: aws
//	region: eu-west-1
//	vpc_cidr: 10.20.0.0/16
//	subnet_cidrs: [10.20.1.0/24, 10.20.2.0/24]
//	allowed_ip_cidrs: [203.0.113.0/24]
//	image: ami-0123456789abcdef0
//	key_name: ops
//	elastic_ip: true
//	dns_zone: example.com
//	aws:
//	  hosted_zone_id: Z123EXAMPLE
//	billing_tags:
//	  cost-center: "4711"
//
// # Validation
//
// Validate reports every problem at once as ValidationErrors: struct tag
// constraints (go-playground/validator), subnet containment and overlap
// inside the VPC range, and settings required by the selected cloud and
// lock backend.
package config

// Package deploy turns a deployment configuration into a provisioning plan
// and drives it through the preflight policy gate, the deployment lease and
// the saga executor.
//
// The canonical plan is
//
//	vpc
//	subnet-N          <- vpc
//	sg                <- vpc
//	efs               <- subnet-*, sg          (efs: true)
//	instance-N        <- subnet-N, sg [, efs]
//	eip-N             <- instance-N            (elastic_ip: true)
//	dns-N             <- eip-N | instance-N    (dns_zone set)
//
// Instances are spread round-robin over the subnets.
package deploy

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// newValidator returns a validator that reports fields by their config key.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks field constraints, network layout and cloud-specific
// settings. All problems are reported together.
func (d *Deployment) Validate() error {
	var errs ValidationErrors

	if err := newValidator().Struct(d); err != nil {
		errs = append(errs, fieldErrors(err)...)
	}
	errs = append(errs, d.validateNetwork()...)
	errs = append(errs, d.validateCloud()...)
	errs = append(errs, d.validateLock()...)

	if err := d.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
	}
	if r := d.Retry; r.InitialInterval > 0 && r.MaxInterval > 0 && r.MaxInterval < r.InitialInterval {
		errs = append(errs, ValidationError{Path: "retry.max_interval", Message: "must not be shorter than initial_interval"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func fieldErrors(err error) ValidationErrors {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		// Drop the root struct name from the namespace.
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed on %q", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on %q (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{Path: path, Message: msg})
	}
	return out
}

// validateNetwork checks that every subnet lies inside the VPC and that
// subnets do not overlap each other.
func (d *Deployment) validateNetwork() ValidationErrors {
	vpc, err := netip.ParsePrefix(d.VPCCIDR)
	if err != nil {
		// reported by the struct tags
		return nil
	}
	var errs ValidationErrors
	if vpc.Masked() != vpc {
		errs = append(errs, ValidationError{
			Path:    "vpc_cidr",
			Message: fmt.Sprintf("%s has host bits set, did you mean %s", d.VPCCIDR, vpc.Masked()),
		})
	}

	subnets := make([]netip.Prefix, 0, len(d.SubnetCIDRs))
	for i, raw := range d.SubnetCIDRs {
		sn, err := netip.ParsePrefix(raw)
		if err != nil {
			continue
		}
		path := fmt.Sprintf("subnet_cidrs[%d]", i)
		if sn.Bits() < vpc.Bits() || !vpc.Contains(sn.Masked().Addr()) {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s is not inside vpc_cidr %s", raw, d.VPCCIDR),
			})
			continue
		}
		for j, other := range subnets {
			if sn.Overlaps(other) {
				errs = append(errs, ValidationError{
					Path:    path,
					Message: fmt.Sprintf("%s overlaps subnet_cidrs[%d] %s", raw, j, other),
				})
			}
		}
		subnets = append(subnets, sn)
	}

	if len(d.AvailabilityZones) > 0 && len(d.AvailabilityZones) != len(d.SubnetCIDRs) {
		errs = append(errs, ValidationError{
			Path:    "availability_zones",
			Message: fmt.Sprintf("expected one zone per subnet (%d), got %d", len(d.SubnetCIDRs), len(d.AvailabilityZones)),
		})
	}
	return errs
}

func (d *Deployment) validateCloud() ValidationErrors {
	var errs ValidationErrors
	missing := func(path string) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("required when cloud is %s", d.Cloud)})
	}

	switch d.Cloud {
	case CloudAWS:
		if d.AWS.Region == "" && d.Region == "" {
			missing("region")
		}
		if d.Image == "" {
			missing("image")
		}
		if d.DNSZone != "" && d.AWS.HostedZoneID == "" {
			missing("aws.hosted_zone_id")
		}
	case CloudAzure:
		if d.Azure.SubscriptionID == "" {
			missing("azure.subscription_id")
		}
		if d.Azure.ResourceGroup == "" {
			missing("azure.resource_group")
		}
		if d.Azure.Location == "" && d.Region == "" {
			missing("region")
		}
	}
	return errs
}

func (d *Deployment) validateLock() ValidationErrors {
	if d.Lock.Backend != LockDynamoDB {
		return nil
	}
	if err := newValidator().Struct(d.Lock.DynamoDB); err != nil {
		errs := fieldErrors(err)
		for i := range errs {
			errs[i].Path = "lock.dynamodb." + errs[i].Path
		}
		return errs
	}
	return nil
}

package aws

import (
	"context"
	"encoding/base64"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// liveInstanceStates excludes instances that are terminated or on their way out.
var liveInstanceStates = []string{"pending", "running", "stopping", "stopped"}

func (p *Provider) createInstance(ctx context.Context, in engine.StageInput) (string, error) {
	subnet, ok := in.Deps.First(engine.KindSubnet)
	if !ok {
		return "", missingDep(in, engine.KindSubnet)
	}
	var groups []string
	for _, sg := range in.Deps.OfKind(engine.KindSecurityGroup) {
		groups = append(groups, sg.ID)
	}

	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(in.Param("image", "")),
		InstanceType:     ec2types.InstanceType(in.Param("instance_size", "t3.micro")),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SubnetId:         aws.String(subnet.ID),
		SecurityGroupIds: groups,
		TagSpecifications: append(
			tagSpec(ec2types.ResourceTypeInstance, in.Tags),
			tagSpec(ec2types.ResourceTypeVolume, in.Tags)...,
		),
	}
	if key := in.Param("key_name", ""); key != "" {
		input.KeyName = aws.String(key)
	}
	if ud := in.Param("user_data", ""); ud != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(ud)))
	}

	out, err := p.ec2.RunInstances(ctx, input)
	if err != nil {
		return "", err
	}
	if len(out.Instances) == 0 {
		return "", engine.NewPermanentError("RunInstances returned no instance", nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (p *Provider) listInstances(ctx context.Context, q engine.Query) ([]string, error) {
	if !scoped(q) {
		return nil, nil
	}
	extra := []ec2types.Filter{filter("instance-state-name", liveInstanceStates...)}
	if subnet, ok := q.Deps.First(engine.KindSubnet); ok {
		extra = append(extra, filter("subnet-id", subnet.ID))
	}

	var ids []string
	pager := ec2.NewDescribeInstancesPaginator(p.ec2, &ec2.DescribeInstancesInput{Filters: tagFilters(q.Tags, extra...)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				ids = append(ids, aws.ToString(inst.InstanceId))
			}
		}
	}
	return ids, nil
}

func (p *Provider) describeInstance(ctx context.Context, id string) (engine.Attributes, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return nil, err
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			attrs := engine.Attributes{
				"id":            id,
				"private_ip":    aws.ToString(inst.PrivateIpAddress),
				"public_ip":     aws.ToString(inst.PublicIpAddress),
				"subnet_id":     aws.ToString(inst.SubnetId),
				"instance_type": string(inst.InstanceType),
			}
			if inst.State != nil {
				attrs["state"] = string(inst.State.Name)
			}
			if inst.Placement != nil {
				attrs["availability_zone"] = aws.ToString(inst.Placement.AvailabilityZone)
			}
			return attrs, nil
		}
	}
	return nil, notFound(engine.KindInstance, id)
}

// deleteInstance terminates the instance and waits until it is gone, so the
// security group and subnet can be deleted right after.
func (p *Provider) deleteInstance(ctx context.Context, id string) error {
	attrs, err := p.describeInstance(ctx, id)
	if err != nil {
		return err
	}
	if attrs["state"] == string(ec2types.InstanceStateNameTerminated) {
		return notFound(engine.KindInstance, id)
	}
	if _, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}}); err != nil {
		return err
	}
	return p.waitInternal(ctx, func(ctx context.Context) (bool, error) {
		attrs, err := p.describeInstance(ctx, id)
		err = classify(err, engine.KindInstance, "describe")
		if engine.IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return attrs["state"] == string(ec2types.InstanceStateNameTerminated), nil
	})
}

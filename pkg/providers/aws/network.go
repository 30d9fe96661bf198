package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// createVPC creates the VPC with an internet gateway and a default route. A
// failure after the VPC exists removes it again so the caller never sees a
// half-built network without an id.
func (p *Provider) createVPC(ctx context.Context, in engine.StageInput) (string, error) {
	out, err := p.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(in.Param("cidr", "10.0.0.0/16")),
		TagSpecifications: tagSpec(ec2types.ResourceTypeVpc, in.Tags),
	})
	if err != nil {
		return "", err
	}
	vpcID := aws.ToString(out.Vpc.VpcId)

	if err := p.finishVPC(ctx, vpcID, in.Tags); err != nil {
		if derr := p.deleteVPC(context.WithoutCancel(ctx), vpcID); derr != nil {
			p.logger.Error().Err(derr).Str("vpc_id", vpcID).Msg("Failed to remove partially created VPC")
		}
		return "", err
	}
	return vpcID, nil
}

func (p *Provider) finishVPC(ctx context.Context, vpcID string, tags engine.Tags) error {
	_, err := p.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              aws.String(vpcID),
		EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("failed to enable DNS hostnames: %w", err)
	}

	igw, err := p.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: tagSpec(ec2types.ResourceTypeInternetGateway, tags),
	})
	if err != nil {
		return fmt.Errorf("failed to create internet gateway: %w", err)
	}
	igwID := aws.ToString(igw.InternetGateway.InternetGatewayId)

	if _, err := p.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(igwID),
		VpcId:             aws.String(vpcID),
	}); err != nil {
		_, _ = p.ec2.DeleteInternetGateway(context.WithoutCancel(ctx), &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: aws.String(igwID),
		})
		return fmt.Errorf("failed to attach internet gateway: %w", err)
	}

	rts, err := p.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2types.Filter{filter("vpc-id", vpcID), filter("association.main", "true")},
	})
	if err != nil {
		return fmt.Errorf("failed to find main route table: %w", err)
	}
	if len(rts.RouteTables) == 0 {
		return fmt.Errorf("vpc %s has no main route table", vpcID)
	}
	_, err = p.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         rts.RouteTables[0].RouteTableId,
		DestinationCidrBlock: aws.String("0.0.0.0/0"),
		GatewayId:            aws.String(igwID),
	})
	if err != nil {
		return fmt.Errorf("failed to create default route: %w", err)
	}
	return nil
}

func (p *Provider) deleteVPC(ctx context.Context, vpcID string) error {
	igws, err := p.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []ec2types.Filter{filter("attachment.vpc-id", vpcID)},
	})
	if err != nil {
		return err
	}
	for _, igw := range igws.InternetGateways {
		if _, err := p.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: igw.InternetGatewayId,
			VpcId:             aws.String(vpcID),
		}); err != nil {
			return err
		}
		if _, err := p.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: igw.InternetGatewayId,
		}); err != nil {
			return err
		}
	}
	_, err = p.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(vpcID)})
	return err
}

func (p *Provider) listVPCs(ctx context.Context, q engine.Query) ([]string, error) {
	if !scoped(q) {
		return nil, nil
	}
	var extra []ec2types.Filter
	if cidr := q.Params["cidr"]; cidr != "" {
		extra = append(extra, filter("cidr-block", cidr))
	}

	var ids []string
	pager := ec2.NewDescribeVpcsPaginator(p.ec2, &ec2.DescribeVpcsInput{Filters: tagFilters(q.Tags, extra...)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, v := range page.Vpcs {
			ids = append(ids, aws.ToString(v.VpcId))
		}
	}
	return ids, nil
}

func (p *Provider) describeVPC(ctx context.Context, id string) (engine.Attributes, error) {
	out, err := p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(out.Vpcs) == 0 {
		return nil, notFound(engine.KindVPC, id)
	}
	v := out.Vpcs[0]
	return engine.Attributes{
		"id":    id,
		"cidr":  aws.ToString(v.CidrBlock),
		"state": string(v.State),
	}, nil
}

func (p *Provider) createSubnet(ctx context.Context, in engine.StageInput) (string, error) {
	vpc, ok := in.Deps.First(engine.KindVPC)
	if !ok {
		return "", missingDep(in, engine.KindVPC)
	}
	input := &ec2.CreateSubnetInput{
		VpcId:             aws.String(vpc.ID),
		CidrBlock:         aws.String(in.Param("cidr", "")),
		TagSpecifications: tagSpec(ec2types.ResourceTypeSubnet, in.Tags),
	}
	if az := in.Param("availability_zone", ""); az != "" {
		input.AvailabilityZone = aws.String(az)
	}
	out, err := p.ec2.CreateSubnet(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.Subnet.SubnetId), nil
}

func (p *Provider) listSubnets(ctx context.Context, q engine.Query) ([]string, error) {
	if !scoped(q) {
		return nil, nil
	}
	var extra []ec2types.Filter
	if cidr := q.Params["cidr"]; cidr != "" {
		extra = append(extra, filter("cidr-block", cidr))
	}
	if vpc, ok := q.Deps.First(engine.KindVPC); ok {
		extra = append(extra, filter("vpc-id", vpc.ID))
	}

	var ids []string
	pager := ec2.NewDescribeSubnetsPaginator(p.ec2, &ec2.DescribeSubnetsInput{Filters: tagFilters(q.Tags, extra...)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range page.Subnets {
			ids = append(ids, aws.ToString(s.SubnetId))
		}
	}
	return ids, nil
}

func (p *Provider) describeSubnet(ctx context.Context, id string) (engine.Attributes, error) {
	out, err := p.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(out.Subnets) == 0 {
		return nil, notFound(engine.KindSubnet, id)
	}
	s := out.Subnets[0]
	return engine.Attributes{
		"id":                id,
		"cidr":              aws.ToString(s.CidrBlock),
		"vpc_id":            aws.ToString(s.VpcId),
		"availability_zone": aws.ToString(s.AvailabilityZone),
		"state":             string(s.State),
	}, nil
}

// createSecurityGroup creates the group and opens the configured ports to
// the allowed CIDRs. Members of the group can always reach each other, which
// EFS mount targets rely on.
func (p *Provider) createSecurityGroup(ctx context.Context, in engine.StageInput) (string, error) {
	vpc, ok := in.Deps.First(engine.KindVPC)
	if !ok {
		return "", missingDep(in, engine.KindVPC)
	}
	out, err := p.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(in.Param("group_name", in.Name)),
		Description:       aws.String(in.Param("description", "managed by cloudsaga")),
		VpcId:             aws.String(vpc.ID),
		TagSpecifications: tagSpec(ec2types.ResourceTypeSecurityGroup, in.Tags),
	})
	if err != nil {
		return "", err
	}
	groupID := aws.ToString(out.GroupId)

	perms, err := ingressRules(groupID, in.Param("ingress_ports", "22"), in.Param("allowed_cidrs", ""))
	if err == nil {
		_, err = p.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: perms,
		})
	}
	if err != nil {
		if _, derr := p.ec2.DeleteSecurityGroup(context.WithoutCancel(ctx), &ec2.DeleteSecurityGroupInput{
			GroupId: aws.String(groupID),
		}); derr != nil {
			p.logger.Error().Err(derr).Str("group_id", groupID).Msg("Failed to remove partially created security group")
		}
		return "", err
	}
	return groupID, nil
}

func ingressRules(groupID, ports, cidrs string) ([]ec2types.IpPermission, error) {
	perms := []ec2types.IpPermission{{
		IpProtocol:       aws.String("-1"),
		UserIdGroupPairs: []ec2types.UserIdGroupPair{{GroupId: aws.String(groupID)}},
	}}
	var ranges []ec2types.IpRange
	for _, c := range splitList(cidrs) {
		ranges = append(ranges, ec2types.IpRange{CidrIp: aws.String(c)})
	}
	if len(ranges) == 0 {
		return perms, nil
	}
	for _, port := range splitList(ports) {
		n, err := strconv.ParseUint(port, 10, 16)
		if err == nil && n == 0 {
			err = strconv.ErrRange
		}
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid ingress port %q", port), err).
				WithCode(engine.ErrCodeValidation)
		}
		perms = append(perms, ec2types.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(int32(n)),
			ToPort:     aws.Int32(int32(n)),
			IpRanges:   ranges,
		})
	}
	return perms, nil
}

func (p *Provider) listSecurityGroups(ctx context.Context, q engine.Query) ([]string, error) {
	if !scoped(q) {
		return nil, nil
	}
	var extra []ec2types.Filter
	if vpc, ok := q.Deps.First(engine.KindVPC); ok {
		extra = append(extra, filter("vpc-id", vpc.ID))
	}

	var ids []string
	pager := ec2.NewDescribeSecurityGroupsPaginator(p.ec2, &ec2.DescribeSecurityGroupsInput{Filters: tagFilters(q.Tags, extra...)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, g := range page.SecurityGroups {
			ids = append(ids, aws.ToString(g.GroupId))
		}
	}
	return ids, nil
}

func (p *Provider) describeSecurityGroup(ctx context.Context, id string) (engine.Attributes, error) {
	out, err := p.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(out.SecurityGroups) == 0 {
		return nil, notFound(engine.KindSecurityGroup, id)
	}
	g := out.SecurityGroups[0]
	return engine.Attributes{
		"id":         id,
		"group_name": aws.ToString(g.GroupName),
		"vpc_id":     aws.ToString(g.VpcId),
	}, nil
}

// createElasticIP allocates an address and associates it with the instance
// dependency. A failed association releases the address.
func (p *Provider) createElasticIP(ctx context.Context, in engine.StageInput) (string, error) {
	out, err := p.ec2.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain:            ec2types.DomainTypeVpc,
		TagSpecifications: tagSpec(ec2types.ResourceTypeElasticIp, in.Tags),
	})
	if err != nil {
		return "", err
	}
	allocID := aws.ToString(out.AllocationId)

	inst, ok := in.Deps.First(engine.KindInstance)
	if !ok {
		return allocID, nil
	}
	_, err = p.ec2.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		AllocationId: aws.String(allocID),
		InstanceId:   aws.String(inst.ID),
	})
	if err != nil {
		if _, derr := p.ec2.ReleaseAddress(context.WithoutCancel(ctx), &ec2.ReleaseAddressInput{
			AllocationId: aws.String(allocID),
		}); derr != nil {
			p.logger.Error().Err(derr).Str("allocation_id", allocID).Msg("Failed to release unassociated address")
		}
		return "", err
	}
	return allocID, nil
}

func (p *Provider) listElasticIPs(ctx context.Context, q engine.Query) ([]string, error) {
	if !scoped(q) {
		return nil, nil
	}
	out, err := p.ec2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{Filters: tagFilters(q.Tags)})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Addresses))
	for _, a := range out.Addresses {
		ids = append(ids, aws.ToString(a.AllocationId))
	}
	return ids, nil
}

func (p *Provider) describeElasticIP(ctx context.Context, id string) (engine.Attributes, error) {
	out, err := p.ec2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{AllocationIds: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(out.Addresses) == 0 {
		return nil, notFound(engine.KindElasticIP, id)
	}
	a := out.Addresses[0]
	return engine.Attributes{
		"id":             id,
		"public_ip":      aws.ToString(a.PublicIp),
		"instance_id":    aws.ToString(a.InstanceId),
		"association_id": aws.ToString(a.AssociationId),
	}, nil
}

func (p *Provider) deleteElasticIP(ctx context.Context, id string) error {
	attrs, err := p.describeElasticIP(ctx, id)
	if err != nil {
		return err
	}
	if assoc := attrs["association_id"]; assoc != "" {
		if _, err := p.ec2.DisassociateAddress(ctx, &ec2.DisassociateAddressInput{
			AssociationId: aws.String(assoc),
		}); err != nil {
			return err
		}
	}
	_, err = p.ec2.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(id)})
	return err
}

func missingDep(in engine.StageInput, kind engine.Kind) error {
	return engine.NewPermanentError(fmt.Sprintf("%s %s needs a %s dependency", in.Kind, in.Name, kind), nil).
		WithCode(engine.ErrCodeDependencyFailed).WithResource(in.Name)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

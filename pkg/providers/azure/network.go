package azure

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// resourceTypes maps taggable kinds to the ARM type reported by the
// resources listing.
var resourceTypes = map[engine.Kind]string{
	engine.KindVPC:           "Microsoft.Network/virtualNetworks",
	engine.KindSecurityGroup: "Microsoft.Network/networkSecurityGroups",
	engine.KindInstance:      "Microsoft.Compute/virtualMachines",
	engine.KindElasticIP:     "Microsoft.Network/publicIPAddresses",
}

func armTags(tags engine.Tags) map[string]*string {
	out := make(map[string]*string, len(tags))
	for _, k := range tags.Keys() {
		out[k] = to.Ptr(tags[k])
	}
	return out
}

func fromARMTags(tags map[string]*string) engine.Tags {
	out := make(engine.Tags, len(tags))
	for k, v := range tags {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func mergeTags(existing map[string]*string, tags engine.Tags) map[string]*string {
	if existing == nil {
		existing = make(map[string]*string, len(tags))
	}
	for k, v := range armTags(tags) {
		existing[k] = v
	}
	return existing
}

func resourceNameParam(in engine.StageInput) string {
	return in.Param("resource_name", in.Name)
}

// listTagged finds resources of the query kind carrying every selector tag.
// The ARM filter accepts a single tag, so the remaining tags and the type
// are matched here.
func (p *Provider) listTagged(ctx context.Context, q engine.Query) ([]string, error) {
	if len(q.Tags) == 0 {
		return nil, nil
	}
	key := q.Tags.Keys()[0]
	resources, err := p.api.ListByTag(ctx, key, q.Tags[key])
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range resources {
		if r == nil || !strings.EqualFold(deref(r.Type), resourceTypes[q.Kind]) {
			continue
		}
		if fromARMTags(r.Tags).Contains(q.Tags) {
			ids = append(ids, deref(r.ID))
		}
	}
	return ids, nil
}

func (p *Provider) createVirtualNetwork(ctx context.Context, in engine.StageInput) (string, error) {
	cidr := in.Param("cidr", "")
	if cidr == "" {
		return "", engine.NewPermanentError("vpc needs a cidr", nil).WithCode(engine.ErrCodeValidation)
	}
	vnet, err := p.api.PutVirtualNetwork(ctx, resourceNameParam(in), armnetwork.VirtualNetwork{
		Location: to.Ptr(p.cfg.Location),
		Tags:     armTags(in.Tags),
		Properties: &armnetwork.VirtualNetworkPropertiesFormat{
			AddressSpace: &armnetwork.AddressSpace{AddressPrefixes: []*string{to.Ptr(cidr)}},
		},
	})
	if err != nil {
		return "", err
	}
	return deref(vnet.ID), nil
}

func (p *Provider) listVirtualNetworks(ctx context.Context, q engine.Query) ([]string, error) {
	ids, err := p.listTagged(ctx, q)
	if err != nil {
		return nil, err
	}
	cidr := q.Params["cidr"]
	if cidr == "" {
		return ids, nil
	}
	var out []string
	for _, id := range ids {
		attrs, err := p.describeVirtualNetwork(ctx, id)
		if engine.IsNotFound(classify(err, engine.KindVPC, "list")) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if attrs["cidr"] == cidr {
			out = append(out, id)
		}
	}
	return out, nil
}

func (p *Provider) describeVirtualNetwork(ctx context.Context, id string) (engine.Attributes, error) {
	name, err := resourceName(engine.KindVPC, id)
	if err != nil {
		return nil, err
	}
	vnet, err := p.api.GetVirtualNetwork(ctx, name)
	if err != nil {
		return nil, err
	}
	attrs := engine.Attributes{"id": id, "name": name, "state": "unknown"}
	if props := vnet.Properties; props != nil {
		if props.ProvisioningState != nil {
			attrs["state"] = state(string(*props.ProvisioningState), false)
		}
		if props.AddressSpace != nil && len(props.AddressSpace.AddressPrefixes) > 0 {
			attrs["cidr"] = deref(props.AddressSpace.AddressPrefixes[0])
		}
	}
	return attrs, nil
}

func (p *Provider) tagVirtualNetwork(ctx context.Context, id string, tags engine.Tags) error {
	name, err := resourceName(engine.KindVPC, id)
	if err != nil {
		return err
	}
	vnet, err := p.api.GetVirtualNetwork(ctx, name)
	if err != nil {
		return err
	}
	vnet.Tags = mergeTags(vnet.Tags, tags)
	_, err = p.api.PutVirtualNetwork(ctx, name, vnet)
	return err
}

func (p *Provider) deleteVirtualNetwork(ctx context.Context, id string) error {
	name, err := resourceName(engine.KindVPC, id)
	if err != nil {
		return err
	}
	if _, err := p.api.GetVirtualNetwork(ctx, name); err != nil {
		return err
	}
	return p.api.DeleteVirtualNetwork(ctx, name)
}

// subnetRef splits a subnet id into its virtual network and subnet names.
func subnetRef(id string) (vnet, name string, err error) {
	rid, err := arm.ParseResourceID(id)
	if err != nil || rid.Parent == nil {
		return "", "", engine.NewPermanentError(fmt.Sprintf("malformed subnet id %q", id), err).
			WithCode(engine.ErrCodeValidation)
	}
	return rid.Parent.Name, rid.Name, nil
}

func (p *Provider) createSubnet(ctx context.Context, in engine.StageInput) (string, error) {
	vpc, ok := in.Deps.First(engine.KindVPC)
	if !ok {
		return "", missingDep(in, engine.KindVPC)
	}
	vnet, err := resourceName(engine.KindVPC, vpc.ID)
	if err != nil {
		return "", err
	}
	props := &armnetwork.SubnetPropertiesFormat{AddressPrefix: to.Ptr(in.Param("cidr", ""))}
	if sg, ok := in.Deps.First(engine.KindSecurityGroup); ok {
		props.NetworkSecurityGroup = &armnetwork.SecurityGroup{ID: to.Ptr(sg.ID)}
	}
	subnet, err := p.api.PutSubnet(ctx, vnet, resourceNameParam(in), armnetwork.Subnet{Properties: props})
	if err != nil {
		return "", err
	}
	return deref(subnet.ID), nil
}

// listSubnets matches subnets by name, since they carry no tags. With a vpc
// dependency the deterministic resource name is looked up directly; without
// one, subnets of the selected virtual networks are matched by the
// "{serviceBaseName}-" prefix.
func (p *Provider) listSubnets(ctx context.Context, q engine.Query) ([]string, error) {
	if vpc, ok := q.Deps.First(engine.KindVPC); ok {
		name := q.Params["resource_name"]
		if name == "" {
			name = q.Name
		}
		vnet, err := resourceName(engine.KindVPC, vpc.ID)
		if err != nil {
			return nil, err
		}
		subnet, err := p.api.GetSubnet(ctx, vnet, name)
		if engine.IsNotFound(classify(err, engine.KindSubnet, "list")) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !subnetMatches(subnet, q.Params["cidr"]) {
			return nil, nil
		}
		return []string{deref(subnet.ID)}, nil
	}

	base := q.Params["service_base_name"]
	if base == "" || len(q.Tags) == 0 {
		return nil, nil
	}
	vnets, err := p.listTagged(ctx, engine.Query{Kind: engine.KindVPC, Tags: q.Tags})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range vnets {
		vnet, err := resourceName(engine.KindVPC, id)
		if err != nil {
			return nil, err
		}
		subnets, err := p.api.ListSubnets(ctx, vnet)
		if err != nil {
			return nil, err
		}
		for _, s := range subnets {
			if s != nil && strings.HasPrefix(deref(s.Name), base+"-") && subnetMatches(*s, q.Params["cidr"]) {
				ids = append(ids, deref(s.ID))
			}
		}
	}
	return ids, nil
}

// subnetMatches compares the address prefix with cidr; an empty cidr matches
// any subnet.
func subnetMatches(s armnetwork.Subnet, cidr string) bool {
	if cidr == "" {
		return true
	}
	return s.Properties != nil && deref(s.Properties.AddressPrefix) == cidr
}

func (p *Provider) describeSubnet(ctx context.Context, id string) (engine.Attributes, error) {
	vnet, name, err := subnetRef(id)
	if err != nil {
		return nil, err
	}
	subnet, err := p.api.GetSubnet(ctx, vnet, name)
	if err != nil {
		return nil, err
	}
	attrs := engine.Attributes{
		"id":     id,
		"name":   name,
		"vpc_id": strings.TrimSuffix(id, "/subnets/"+name),
		"state":  "unknown",
	}
	if props := subnet.Properties; props != nil {
		attrs["cidr"] = deref(props.AddressPrefix)
		if props.ProvisioningState != nil {
			attrs["state"] = state(string(*props.ProvisioningState), false)
		}
	}
	return attrs, nil
}

func (p *Provider) deleteSubnet(ctx context.Context, id string) error {
	vnet, name, err := subnetRef(id)
	if err != nil {
		return err
	}
	if _, err := p.api.GetSubnet(ctx, vnet, name); err != nil {
		return err
	}
	return p.api.DeleteSubnet(ctx, vnet, name)
}

func (p *Provider) createSecurityGroup(ctx context.Context, in engine.StageInput) (string, error) {
	rules, err := securityRules(in.Param("ingress_ports", "22"), in.Param("allowed_cidrs", ""))
	if err != nil {
		return "", err
	}
	nsg, err := p.api.PutSecurityGroup(ctx, in.Param("group_name", resourceNameParam(in)), armnetwork.SecurityGroup{
		Location: to.Ptr(p.cfg.Location),
		Tags:     armTags(in.Tags),
		Properties: &armnetwork.SecurityGroupPropertiesFormat{
			SecurityRules: rules,
		},
	})
	if err != nil {
		return "", err
	}
	return deref(nsg.ID), nil
}

// securityRules allows every port in ports from every allowed CIDR. Traffic
// inside the virtual network is allowed by the Azure default rules.
func securityRules(ports, cidrs string) ([]*armnetwork.SecurityRule, error) {
	sources := splitList(cidrs)
	if len(sources) == 0 {
		return nil, nil
	}
	var rules []*armnetwork.SecurityRule
	priority := int32(100)
	for _, port := range splitList(ports) {
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid ingress port %q", port), err).
				WithCode(engine.ErrCodeValidation)
		}
		rules = append(rules, &armnetwork.SecurityRule{
			Name: to.Ptr("allow-tcp-" + port),
			Properties: &armnetwork.SecurityRulePropertiesFormat{
				Access:                   to.Ptr(armnetwork.SecurityRuleAccessAllow),
				Direction:                to.Ptr(armnetwork.SecurityRuleDirectionInbound),
				Protocol:                 to.Ptr(armnetwork.SecurityRuleProtocolTCP),
				Priority:                 to.Ptr(priority),
				SourceAddressPrefixes:    to.SliceOfPtrs(sources...),
				SourcePortRange:          to.Ptr("*"),
				DestinationAddressPrefix: to.Ptr("*"),
				DestinationPortRange:     to.Ptr(port),
			},
		})
		priority += 10
	}
	return rules, nil
}

func (p *Provider) describeSecurityGroup(ctx context.Context, id string) (engine.Attributes, error) {
	name, err := resourceName(engine.KindSecurityGroup, id)
	if err != nil {
		return nil, err
	}
	nsg, err := p.api.GetSecurityGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	attrs := engine.Attributes{"id": id, "name": name, "state": "unknown"}
	if props := nsg.Properties; props != nil {
		if props.ProvisioningState != nil {
			attrs["state"] = state(string(*props.ProvisioningState), false)
		}
		attrs["rules"] = strconv.Itoa(len(props.SecurityRules))
	}
	return attrs, nil
}

func (p *Provider) tagSecurityGroup(ctx context.Context, id string, tags engine.Tags) error {
	name, err := resourceName(engine.KindSecurityGroup, id)
	if err != nil {
		return err
	}
	nsg, err := p.api.GetSecurityGroup(ctx, name)
	if err != nil {
		return err
	}
	nsg.Tags = mergeTags(nsg.Tags, tags)
	_, err = p.api.PutSecurityGroup(ctx, name, nsg)
	return err
}

func (p *Provider) deleteSecurityGroup(ctx context.Context, id string) error {
	name, err := resourceName(engine.KindSecurityGroup, id)
	if err != nil {
		return err
	}
	if _, err := p.api.GetSecurityGroup(ctx, name); err != nil {
		return err
	}
	return p.api.DeleteSecurityGroup(ctx, name)
}

// createPublicIP allocates a static address and attaches it to the primary
// IP configuration of the instance's network interface. The address is
// released again when the attachment fails.
func (p *Provider) createPublicIP(ctx context.Context, in engine.StageInput) (string, error) {
	inst, ok := in.Deps.First(engine.KindInstance)
	if !ok {
		return "", missingDep(in, engine.KindInstance)
	}
	name := resourceNameParam(in)
	ip, err := p.api.PutPublicIP(ctx, name, armnetwork.PublicIPAddress{
		Location: to.Ptr(p.cfg.Location),
		Tags:     armTags(in.Tags),
		SKU:      &armnetwork.PublicIPAddressSKU{Name: to.Ptr(armnetwork.PublicIPAddressSKUNameStandard)},
		Properties: &armnetwork.PublicIPAddressPropertiesFormat{
			PublicIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodStatic),
		},
	})
	if err != nil {
		return "", err
	}
	ipID := deref(ip.ID)

	if err := p.attachPublicIP(ctx, inst, ipID); err != nil {
		if derr := p.api.DeletePublicIP(context.WithoutCancel(ctx), name); derr != nil {
			p.logger.Error().Err(derr).Str("public_ip", ipID).Msg("Failed to release unattached public IP")
		}
		return "", err
	}
	return ipID, nil
}

func (p *Provider) attachPublicIP(ctx context.Context, inst engine.ResourceHandle, ipID string) error {
	nicID := inst.Attributes["nic_id"]
	if nicID == "" {
		attrs, err := p.describeVirtualMachine(ctx, inst.ID)
		if err != nil {
			return err
		}
		nicID = attrs["nic_id"]
	}
	nicRes, err := resourceName(engine.KindInstance, nicID)
	if err != nil {
		return err
	}
	nic, err := p.api.GetInterface(ctx, nicRes)
	if err != nil {
		return err
	}
	cfg := primaryIPConfig(nic)
	if cfg == nil {
		return engine.NewPermanentError(fmt.Sprintf("network interface %s has no ip configuration", nicRes), nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	cfg.Properties.PublicIPAddress = &armnetwork.PublicIPAddress{ID: to.Ptr(ipID)}
	_, err = p.api.PutInterface(ctx, nicRes, nic)
	return err
}

func primaryIPConfig(nic armnetwork.Interface) *armnetwork.InterfaceIPConfiguration {
	if nic.Properties == nil {
		return nil
	}
	var first *armnetwork.InterfaceIPConfiguration
	for _, c := range nic.Properties.IPConfigurations {
		if c == nil || c.Properties == nil {
			continue
		}
		if deref(c.Properties.Primary) {
			return c
		}
		if first == nil {
			first = c
		}
	}
	return first
}

func (p *Provider) describePublicIP(ctx context.Context, id string) (engine.Attributes, error) {
	name, err := resourceName(engine.KindElasticIP, id)
	if err != nil {
		return nil, err
	}
	ip, err := p.api.GetPublicIP(ctx, name)
	if err != nil {
		return nil, err
	}
	attrs := engine.Attributes{"id": id, "name": name, "state": "unknown"}
	if props := ip.Properties; props != nil {
		attrs["public_ip"] = deref(props.IPAddress)
		if props.ProvisioningState != nil {
			attrs["state"] = state(string(*props.ProvisioningState), false)
		}
		if props.IPConfiguration != nil {
			attrs["association_id"] = deref(props.IPConfiguration.ID)
		}
	}
	return attrs, nil
}

func (p *Provider) tagPublicIP(ctx context.Context, id string, tags engine.Tags) error {
	name, err := resourceName(engine.KindElasticIP, id)
	if err != nil {
		return err
	}
	ip, err := p.api.GetPublicIP(ctx, name)
	if err != nil {
		return err
	}
	ip.Tags = mergeTags(ip.Tags, tags)
	_, err = p.api.PutPublicIP(ctx, name, ip)
	return err
}

// deletePublicIP detaches the address from its network interface before
// deleting it; ARM refuses to delete an attached address.
func (p *Provider) deletePublicIP(ctx context.Context, id string) error {
	name, err := resourceName(engine.KindElasticIP, id)
	if err != nil {
		return err
	}
	ip, err := p.api.GetPublicIP(ctx, name)
	if err != nil {
		return err
	}
	if ip.Properties != nil && ip.Properties.IPConfiguration != nil {
		if err := p.detachPublicIP(ctx, deref(ip.Properties.IPConfiguration.ID)); err != nil {
			return err
		}
	}
	return p.api.DeletePublicIP(ctx, name)
}

func (p *Provider) detachPublicIP(ctx context.Context, ipConfigID string) error {
	rid, err := arm.ParseResourceID(ipConfigID)
	if err != nil || rid.Parent == nil {
		return engine.NewPermanentError(fmt.Sprintf("malformed ip configuration id %q", ipConfigID), err).
			WithCode(engine.ErrCodeValidation)
	}
	nicRes := rid.Parent.Name
	nic, err := p.api.GetInterface(ctx, nicRes)
	if engine.IsNotFound(classify(err, engine.KindElasticIP, "delete")) {
		return nil
	}
	if err != nil {
		return err
	}
	if nic.Properties != nil {
		for _, c := range nic.Properties.IPConfigurations {
			if c != nil && c.Properties != nil && strings.EqualFold(deref(c.Name), rid.Name) {
				c.Properties.PublicIPAddress = nil
			}
		}
	}
	_, err = p.api.PutInterface(ctx, nicRes, nic)
	return err
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

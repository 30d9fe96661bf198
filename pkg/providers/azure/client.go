package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
)

// armAPI is the resource-group scoped surface the provider needs. Long running
// operations complete before the methods return.
type armAPI interface {
	PutVirtualNetwork(ctx context.Context, name string, v armnetwork.VirtualNetwork) (armnetwork.VirtualNetwork, error)
	GetVirtualNetwork(ctx context.Context, name string) (armnetwork.VirtualNetwork, error)
	DeleteVirtualNetwork(ctx context.Context, name string) error

	PutSubnet(ctx context.Context, vnet, name string, s armnetwork.Subnet) (armnetwork.Subnet, error)
	GetSubnet(ctx context.Context, vnet, name string) (armnetwork.Subnet, error)
	ListSubnets(ctx context.Context, vnet string) ([]*armnetwork.Subnet, error)
	DeleteSubnet(ctx context.Context, vnet, name string) error

	PutSecurityGroup(ctx context.Context, name string, g armnetwork.SecurityGroup) (armnetwork.SecurityGroup, error)
	GetSecurityGroup(ctx context.Context, name string) (armnetwork.SecurityGroup, error)
	DeleteSecurityGroup(ctx context.Context, name string) error

	PutPublicIP(ctx context.Context, name string, ip armnetwork.PublicIPAddress) (armnetwork.PublicIPAddress, error)
	GetPublicIP(ctx context.Context, name string) (armnetwork.PublicIPAddress, error)
	DeletePublicIP(ctx context.Context, name string) error

	PutInterface(ctx context.Context, name string, nic armnetwork.Interface) (armnetwork.Interface, error)
	GetInterface(ctx context.Context, name string) (armnetwork.Interface, error)
	DeleteInterface(ctx context.Context, name string) error

	PutVirtualMachine(ctx context.Context, name string, vm armcompute.VirtualMachine) (armcompute.VirtualMachine, error)
	GetVirtualMachine(ctx context.Context, name string) (armcompute.VirtualMachine, error)
	DeleteVirtualMachine(ctx context.Context, name string) error

	// ListByTag returns resources of the group carrying key=value.
	ListByTag(ctx context.Context, key, value string) ([]*armresources.GenericResourceExpanded, error)
}

// sdkClient implements armAPI with the ARM SDK clients.
type sdkClient struct {
	group string

	vnets     *armnetwork.VirtualNetworksClient
	subnets   *armnetwork.SubnetsClient
	nsgs      *armnetwork.SecurityGroupsClient
	publicIPs *armnetwork.PublicIPAddressesClient
	nics      *armnetwork.InterfacesClient
	vms       *armcompute.VirtualMachinesClient
	resources *armresources.Client
}

func newSDKClient(subscriptionID, group string, cred azcore.TokenCredential) (*sdkClient, error) {
	c := &sdkClient{group: group}
	var err error
	if c.vnets, err = armnetwork.NewVirtualNetworksClient(subscriptionID, cred, nil); err != nil {
		return nil, fmt.Errorf("failed to create virtual network client: %w", err)
	}
	if c.subnets, err = armnetwork.NewSubnetsClient(subscriptionID, cred, nil); err != nil {
		return nil, fmt.Errorf("failed to create subnet client: %w", err)
	}
	if c.nsgs, err = armnetwork.NewSecurityGroupsClient(subscriptionID, cred, nil); err != nil {
		return nil, fmt.Errorf("failed to create security group client: %w", err)
	}
	if c.publicIPs, err = armnetwork.NewPublicIPAddressesClient(subscriptionID, cred, nil); err != nil {
		return nil, fmt.Errorf("failed to create public IP client: %w", err)
	}
	if c.nics, err = armnetwork.NewInterfacesClient(subscriptionID, cred, nil); err != nil {
		return nil, fmt.Errorf("failed to create network interface client: %w", err)
	}
	if c.vms, err = armcompute.NewVirtualMachinesClient(subscriptionID, cred, nil); err != nil {
		return nil, fmt.Errorf("failed to create virtual machine client: %w", err)
	}
	if c.resources, err = armresources.NewClient(subscriptionID, cred, nil); err != nil {
		return nil, fmt.Errorf("failed to create resources client: %w", err)
	}
	return c, nil
}

func (c *sdkClient) PutVirtualNetwork(ctx context.Context, name string, v armnetwork.VirtualNetwork) (armnetwork.VirtualNetwork, error) {
	poller, err := c.vnets.BeginCreateOrUpdate(ctx, c.group, name, v, nil)
	if err != nil {
		return armnetwork.VirtualNetwork{}, err
	}
	res, err := poller.PollUntilDone(ctx, nil)
	return res.VirtualNetwork, err
}

func (c *sdkClient) GetVirtualNetwork(ctx context.Context, name string) (armnetwork.VirtualNetwork, error) {
	res, err := c.vnets.Get(ctx, c.group, name, nil)
	return res.VirtualNetwork, err
}

func (c *sdkClient) DeleteVirtualNetwork(ctx context.Context, name string) error {
	poller, err := c.vnets.BeginDelete(ctx, c.group, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *sdkClient) PutSubnet(ctx context.Context, vnet, name string, s armnetwork.Subnet) (armnetwork.Subnet, error) {
	poller, err := c.subnets.BeginCreateOrUpdate(ctx, c.group, vnet, name, s, nil)
	if err != nil {
		return armnetwork.Subnet{}, err
	}
	res, err := poller.PollUntilDone(ctx, nil)
	return res.Subnet, err
}

func (c *sdkClient) GetSubnet(ctx context.Context, vnet, name string) (armnetwork.Subnet, error) {
	res, err := c.subnets.Get(ctx, c.group, vnet, name, nil)
	return res.Subnet, err
}

func (c *sdkClient) ListSubnets(ctx context.Context, vnet string) ([]*armnetwork.Subnet, error) {
	var out []*armnetwork.Subnet
	pager := c.subnets.NewListPager(c.group, vnet, nil)
	for pager.More() {
		next, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, next.Value...)
	}
	return out, nil
}

func (c *sdkClient) DeleteSubnet(ctx context.Context, vnet, name string) error {
	poller, err := c.subnets.BeginDelete(ctx, c.group, vnet, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *sdkClient) PutSecurityGroup(ctx context.Context, name string, g armnetwork.SecurityGroup) (armnetwork.SecurityGroup, error) {
	poller, err := c.nsgs.BeginCreateOrUpdate(ctx, c.group, name, g, nil)
	if err != nil {
		return armnetwork.SecurityGroup{}, err
	}
	res, err := poller.PollUntilDone(ctx, nil)
	return res.SecurityGroup, err
}

func (c *sdkClient) GetSecurityGroup(ctx context.Context, name string) (armnetwork.SecurityGroup, error) {
	res, err := c.nsgs.Get(ctx, c.group, name, nil)
	return res.SecurityGroup, err
}

func (c *sdkClient) DeleteSecurityGroup(ctx context.Context, name string) error {
	poller, err := c.nsgs.BeginDelete(ctx, c.group, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *sdkClient) PutPublicIP(ctx context.Context, name string, ip armnetwork.PublicIPAddress) (armnetwork.PublicIPAddress, error) {
	poller, err := c.publicIPs.BeginCreateOrUpdate(ctx, c.group, name, ip, nil)
	if err != nil {
		return armnetwork.PublicIPAddress{}, err
	}
	res, err := poller.PollUntilDone(ctx, nil)
	return res.PublicIPAddress, err
}

func (c *sdkClient) GetPublicIP(ctx context.Context, name string) (armnetwork.PublicIPAddress, error) {
	res, err := c.publicIPs.Get(ctx, c.group, name, nil)
	return res.PublicIPAddress, err
}

func (c *sdkClient) DeletePublicIP(ctx context.Context, name string) error {
	poller, err := c.publicIPs.BeginDelete(ctx, c.group, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *sdkClient) PutInterface(ctx context.Context, name string, nic armnetwork.Interface) (armnetwork.Interface, error) {
	poller, err := c.nics.BeginCreateOrUpdate(ctx, c.group, name, nic, nil)
	if err != nil {
		return armnetwork.Interface{}, err
	}
	res, err := poller.PollUntilDone(ctx, nil)
	return res.Interface, err
}

func (c *sdkClient) GetInterface(ctx context.Context, name string) (armnetwork.Interface, error) {
	res, err := c.nics.Get(ctx, c.group, name, nil)
	return res.Interface, err
}

func (c *sdkClient) DeleteInterface(ctx context.Context, name string) error {
	poller, err := c.nics.BeginDelete(ctx, c.group, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *sdkClient) PutVirtualMachine(ctx context.Context, name string, vm armcompute.VirtualMachine) (armcompute.VirtualMachine, error) {
	poller, err := c.vms.BeginCreateOrUpdate(ctx, c.group, name, vm, nil)
	if err != nil {
		return armcompute.VirtualMachine{}, err
	}
	res, err := poller.PollUntilDone(ctx, nil)
	return res.VirtualMachine, err
}

func (c *sdkClient) GetVirtualMachine(ctx context.Context, name string) (armcompute.VirtualMachine, error) {
	res, err := c.vms.Get(ctx, c.group, name, nil)
	return res.VirtualMachine, err
}

func (c *sdkClient) DeleteVirtualMachine(ctx context.Context, name string) error {
	poller, err := c.vms.BeginDelete(ctx, c.group, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *sdkClient) ListByTag(ctx context.Context, key, value string) ([]*armresources.GenericResourceExpanded, error) {
	var out []*armresources.GenericResourceExpanded
	pager := c.resources.NewListByResourceGroupPager(c.group, &armresources.ClientListByResourceGroupOptions{
		Filter: to.Ptr(fmt.Sprintf("tagName eq '%s' and tagValue eq '%s'", key, value)),
	})
	for pager.More() {
		next, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, next.Value...)
	}
	return out, nil
}

package azure

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

const defaultImage = "Canonical:0001-com-ubuntu-server-jammy:22_04-lts-gen2:latest"

// imageReference parses a "publisher:offer:sku:version" URN.
func imageReference(urn string) (*armcompute.ImageReference, error) {
	parts := strings.Split(urn, ":")
	if len(parts) != 4 {
		return nil, engine.NewPermanentError(fmt.Sprintf("image %q is not a publisher:offer:sku:version urn", urn), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return &armcompute.ImageReference{
		Publisher: to.Ptr(parts[0]),
		Offer:     to.Ptr(parts[1]),
		SKU:       to.Ptr(parts[2]),
		Version:   to.Ptr(parts[3]),
	}, nil
}

func nicName(vmName string) string { return vmName + "-nic" }

// createVirtualMachine creates the network interface in the subnet and then
// the machine on it. The interface is removed again when the machine cannot
// be created.
func (p *Provider) createVirtualMachine(ctx context.Context, in engine.StageInput) (string, error) {
	subnet, ok := in.Deps.First(engine.KindSubnet)
	if !ok {
		return "", missingDep(in, engine.KindSubnet)
	}
	image, err := imageReference(in.Param("image", defaultImage))
	if err != nil {
		return "", err
	}
	name := resourceNameParam(in)

	nicProps := &armnetwork.InterfacePropertiesFormat{
		IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
			Name: to.Ptr("primary"),
			Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
				Primary:                   to.Ptr(true),
				Subnet:                    &armnetwork.Subnet{ID: to.Ptr(subnet.ID)},
				PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
			},
		}},
	}
	if sg, ok := in.Deps.First(engine.KindSecurityGroup); ok {
		nicProps.NetworkSecurityGroup = &armnetwork.SecurityGroup{ID: to.Ptr(sg.ID)}
	}
	nic, err := p.api.PutInterface(ctx, nicName(name), armnetwork.Interface{
		Location:   to.Ptr(p.cfg.Location),
		Tags:       armTags(in.Tags),
		Properties: nicProps,
	})
	if err != nil {
		return "", err
	}

	osProfile := &armcompute.OSProfile{
		ComputerName:  to.Ptr(name),
		AdminUsername: to.Ptr(p.cfg.AdminUsername),
	}
	if key := in.Param("ssh_public_key", p.cfg.SSHPublicKey); key != "" {
		osProfile.LinuxConfiguration = &armcompute.LinuxConfiguration{
			DisablePasswordAuthentication: to.Ptr(true),
			SSH: &armcompute.SSHConfiguration{
				PublicKeys: []*armcompute.SSHPublicKey{{
					Path:    to.Ptr(fmt.Sprintf("/home/%s/.ssh/authorized_keys", p.cfg.AdminUsername)),
					KeyData: to.Ptr(key),
				}},
			},
		}
	}
	if ud := in.Param("user_data", ""); ud != "" {
		osProfile.CustomData = to.Ptr(base64.StdEncoding.EncodeToString([]byte(ud)))
	}

	vm, err := p.api.PutVirtualMachine(ctx, name, armcompute.VirtualMachine{
		Location: to.Ptr(p.cfg.Location),
		Tags:     armTags(in.Tags),
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(in.Param("instance_size", "Standard_B1s"))),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: image,
				OSDisk: &armcompute.OSDisk{
					CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesFromImage),
					DeleteOption: to.Ptr(armcompute.DiskDeleteOptionTypesDelete),
					ManagedDisk: &armcompute.ManagedDiskParameters{
						StorageAccountType: to.Ptr(armcompute.StorageAccountTypesStandardSSDLRS),
					},
				},
			},
			OSProfile: osProfile,
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{
					ID: nic.ID,
					Properties: &armcompute.NetworkInterfaceReferenceProperties{
						Primary:      to.Ptr(true),
						DeleteOption: to.Ptr(armcompute.DeleteOptionsDelete),
					},
				}},
			},
		},
	})
	if err != nil {
		if derr := p.api.DeleteInterface(context.WithoutCancel(ctx), nicName(name)); derr != nil {
			p.logger.Error().Err(derr).Str("nic", nicName(name)).Msg("Failed to remove network interface of failed machine")
		}
		return "", err
	}
	return deref(vm.ID), nil
}

func (p *Provider) describeVirtualMachine(ctx context.Context, id string) (engine.Attributes, error) {
	name, err := resourceName(engine.KindInstance, id)
	if err != nil {
		return nil, err
	}
	vm, err := p.api.GetVirtualMachine(ctx, name)
	if err != nil {
		return nil, err
	}
	attrs := engine.Attributes{"id": id, "name": name, "state": "unknown"}
	props := vm.Properties
	if props == nil {
		return attrs, nil
	}
	attrs["state"] = state(deref(props.ProvisioningState), true)
	if props.HardwareProfile != nil && props.HardwareProfile.VMSize != nil {
		attrs["instance_type"] = string(*props.HardwareProfile.VMSize)
	}
	if props.NetworkProfile == nil || len(props.NetworkProfile.NetworkInterfaces) == 0 {
		return attrs, nil
	}

	nicID := deref(props.NetworkProfile.NetworkInterfaces[0].ID)
	attrs["nic_id"] = nicID
	nicRes, err := resourceName(engine.KindInstance, nicID)
	if err != nil {
		return nil, err
	}
	nic, err := p.api.GetInterface(ctx, nicRes)
	if err != nil {
		return nil, err
	}
	cfg := primaryIPConfig(nic)
	if cfg == nil {
		return attrs, nil
	}
	attrs["private_ip"] = deref(cfg.Properties.PrivateIPAddress)
	if cfg.Properties.Subnet != nil {
		attrs["subnet_id"] = deref(cfg.Properties.Subnet.ID)
	}
	if pip := cfg.Properties.PublicIPAddress; pip != nil && pip.ID != nil {
		ipName, err := resourceName(engine.KindElasticIP, *pip.ID)
		if err != nil {
			return nil, err
		}
		ip, err := p.api.GetPublicIP(ctx, ipName)
		if err == nil && ip.Properties != nil {
			attrs["public_ip"] = deref(ip.Properties.IPAddress)
		}
	}
	return attrs, nil
}

func (p *Provider) tagVirtualMachine(ctx context.Context, id string, tags engine.Tags) error {
	name, err := resourceName(engine.KindInstance, id)
	if err != nil {
		return err
	}
	vm, err := p.api.GetVirtualMachine(ctx, name)
	if err != nil {
		return err
	}
	vm.Tags = mergeTags(vm.Tags, tags)
	_, err = p.api.PutVirtualMachine(ctx, name, vm)
	return err
}

// deleteVirtualMachine deletes the machine and then its network interfaces.
// The OS disk goes with the machine.
func (p *Provider) deleteVirtualMachine(ctx context.Context, id string) error {
	name, err := resourceName(engine.KindInstance, id)
	if err != nil {
		return err
	}
	vm, err := p.api.GetVirtualMachine(ctx, name)
	if err != nil {
		return err
	}
	var nics []string
	if vm.Properties != nil && vm.Properties.NetworkProfile != nil {
		for _, ref := range vm.Properties.NetworkProfile.NetworkInterfaces {
			if ref != nil && ref.ID != nil {
				nics = append(nics, *ref.ID)
			}
		}
	}
	if err := p.api.DeleteVirtualMachine(ctx, name); err != nil {
		return err
	}
	for _, nicID := range nics {
		nicRes, err := resourceName(engine.KindInstance, nicID)
		if err != nil {
			return err
		}
		if err := p.api.DeleteInterface(ctx, nicRes); err != nil &&
			!engine.IsNotFound(classify(err, engine.KindInstance, "delete")) {
			return err
		}
	}
	return nil
}

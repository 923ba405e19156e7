package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/vnetd/internal/network"
)

// networkFile is the HCL shape of a network definition file: one network
// block plus its fixed addresses.
type networkFile struct {
	Network  networkBlock  `hcl:"network,block"`
	FixedIPs []fixedIPLine `hcl:"fixed_ip,block"`
}

type networkBlock struct {
	Label string `hcl:"label,label"`

	ID              string `hcl:"id"`
	UUID            string `hcl:"uuid,optional"`
	Bridge          string `hcl:"bridge"`
	BridgeInterface string `hcl:"bridge_interface,optional"`
	VLAN            int    `hcl:"vlan,optional"`

	CIDR   string `hcl:"cidr"`
	CIDRv6 string `hcl:"cidr_v6,optional"`

	Netmask   string `hcl:"netmask,optional"`
	Broadcast string `hcl:"broadcast,optional"`

	DHCPServer string `hcl:"dhcp_server"`
	DHCPStart  string `hcl:"dhcp_start"`
	Gateway    string `hcl:"gateway,optional"`
	GatewayV6  string `hcl:"gateway_v6,optional"`

	DNS1 string `hcl:"dns1,optional"`
	DNS2 string `hcl:"dns2,optional"`

	MTU          int  `hcl:"mtu,optional"`
	MultiHost    bool `hcl:"multi_host,optional"`
	ShareAddress bool `hcl:"share_address,optional"`
}

type fixedIPLine struct {
	Address string `hcl:"address,label"`

	MAC      string `hcl:"mac"`
	VIFID    string `hcl:"vif_id,optional"`
	Hostname string `hcl:"hostname,optional"`

	Leased       bool `hcl:"leased,optional"`
	Allocated    bool `hcl:"allocated,optional"`
	DefaultRoute bool `hcl:"default_route,optional"`
}

// LoadNetwork reads a network definition file and returns the network plus
// its fixed addresses in file order.
func LoadNetwork(path string) (*network.Network, []network.FixedIP, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading network file %s: %w", path, err)
	}
	return LoadNetworkBytes(path, src)
}

// LoadNetworkBytes decodes a network definition from memory.
func LoadNetworkBytes(filename string, src []byte) (*network.Network, []network.FixedIP, error) {
	var file networkFile
	if err := hclsimple.Decode(filename, src, nil, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing network file %s: %w", filename, err)
	}

	b := file.Network
	net := &network.Network{
		ID:              b.ID,
		UUID:            b.UUID,
		Label:           b.Label,
		Bridge:          b.Bridge,
		BridgeInterface: b.BridgeInterface,
		VLAN:            b.VLAN,
		CIDR:            b.CIDR,
		CIDRv6:          b.CIDRv6,
		Netmask:         b.Netmask,
		Broadcast:       b.Broadcast,
		DHCPServer:      b.DHCPServer,
		DHCPStart:       b.DHCPStart,
		Gateway:         b.Gateway,
		GatewayV6:       b.GatewayV6,
		DNS1:            b.DNS1,
		DNS2:            b.DNS2,
		MTU:             b.MTU,
		MultiHost:       b.MultiHost,
		ShareAddress:    b.ShareAddress,
	}
	if net.Label == "" {
		return nil, nil, fmt.Errorf("network file %s: label is required", filename)
	}

	fips := make([]network.FixedIP, 0, len(file.FixedIPs))
	for _, line := range file.FixedIPs {
		fips = append(fips, network.FixedIP{
			Address:      line.Address,
			MAC:          line.MAC,
			VIFID:        line.VIFID,
			Hostname:     line.Hostname,
			Leased:       line.Leased,
			Allocated:    line.Allocated,
			DefaultRoute: line.DefaultRoute,
		})
	}
	return net, fips, nil
}

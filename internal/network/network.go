// Package network defines the per-tenant-network intent supplied to the
// agent. A Network is an immutable snapshot owned by the caller; the agent
// never mutates it.
package network

import (
	"fmt"
	"net"
)

// Network describes the desired state of one tenant network on this host.
type Network struct {
	ID    string
	UUID  string
	Label string

	Bridge          string
	BridgeInterface string
	// VLAN is the 802.1Q id, 0 when the network is flat.
	VLAN int

	CIDR   string
	CIDRv6 string

	Netmask   string
	Broadcast string

	DHCPServer string
	DHCPStart  string
	Gateway    string
	GatewayV6  string

	DNS1 string
	DNS2 string

	// MTU is applied to created devices when non-zero.
	MTU int

	// MultiHost networks run a DHCP server on every compute host.
	MultiHost bool
	// ShareAddress makes all hosts share the gateway address.
	ShareAddress bool
}

// FixedIP is one address record belonging to a network. Read-only input;
// the agent never mutates these.
type FixedIP struct {
	Address  string
	MAC      string
	VIFID    string
	Hostname string

	Leased       bool
	Allocated    bool
	DefaultRoute bool
}

// HasV6 reports whether the network carries an IPv6 prefix.
func (n *Network) HasV6() bool {
	return n.CIDRv6 != ""
}

// PrefixLen returns the IPv4 prefix length.
func (n *Network) PrefixLen() (int, error) {
	_, ipnet, err := net.ParseCIDR(n.CIDR)
	if err != nil {
		return 0, fmt.Errorf("network %s: bad cidr %q: %w", n.Label, n.CIDR, err)
	}
	ones, _ := ipnet.Mask.Size()
	return ones, nil
}

// Size returns the number of addresses in the IPv4 network, used to cap
// the DHCP lease count.
func (n *Network) Size() (int, error) {
	_, ipnet, err := net.ParseCIDR(n.CIDR)
	if err != nil {
		return 0, fmt.Errorf("network %s: bad cidr %q: %w", n.Label, n.CIDR, err)
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones >= 31 {
		return 0, fmt.Errorf("network %s: cidr %q too large", n.Label, n.CIDR)
	}
	return 1 << (bits - ones), nil
}

// DHCPServerCIDR returns the DHCP server address in CIDR notation using the
// network's prefix length. This is the address placed first on the gateway
// device so the DHCP daemon answers on it.
func (n *Network) DHCPServerCIDR() (string, error) {
	prefix, err := n.PrefixLen()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", n.DHCPServer, prefix), nil
}

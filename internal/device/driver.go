package device

import (
	"fmt"

	"grimm.is/vnetd/internal/config"
	"grimm.is/vnetd/internal/firewall"
	"grimm.is/vnetd/internal/network"
)

// Driver plugs gateway endpoints for tenant networks. Implementations are
// selected by configuration at startup; there is no runtime dispatch
// beyond this interface.
type Driver interface {
	// Plug creates the host device for the network and returns its name.
	Plug(net *network.Network, mac string, gateway bool) (string, error)
	// Unplug destroys the host device and returns its name.
	Unplug(net *network.Network) (string, error)
	// GetDev returns the device name without touching the host.
	GetDev(net *network.Network) string
}

// NewDriver selects a driver implementation from configuration.
func NewDriver(cfg *config.Config, orch *Orchestrator, rules *firewall.Store) (Driver, error) {
	switch cfg.InterfaceDriver {
	case "bridge":
		return &BridgeDriver{
			orch:             orch,
			rules:            rules,
			vlanInterface:    cfg.VLANInterface,
			flatInterface:    cfg.FlatInterface,
			shareDHCPAddress: cfg.ShareDHCPAddress,
		}, nil
	case "ovs":
		return &OVSDriver{
			orch:              orch,
			rules:             rules,
			integrationBridge: cfg.OVSIntegrationBridge,
		}, nil
	}
	return nil, fmt.Errorf("unknown interface driver %q", cfg.InterfaceDriver)
}

// BridgeDriver plugs networks with kernel bridges, optionally on top of a
// vlan sub-interface.
type BridgeDriver struct {
	orch             *Orchestrator
	rules            *firewall.Store
	vlanInterface    string
	flatInterface    string
	shareDHCPAddress bool
}

// Plug creates the network's bridge (and vlan interface when tagged) and
// returns the bridge name. Firewall rules accumulated along the way are
// applied once at the end, so a plug is one rule commit.
func (d *BridgeDriver) Plug(net *network.Network, mac string, gateway bool) (string, error) {
	var iface string
	if net.VLAN != 0 {
		iface = d.vlanInterface
		if iface == "" {
			iface = net.BridgeInterface
		}
		if _, err := d.orch.EnsureVLANBridge(net.VLAN, net.Bridge, iface, mac, net.MTU, gateway, true); err != nil {
			return "", err
		}
		iface = VLANName(net.VLAN)
	} else {
		iface = d.flatInterface
		if iface == "" {
			iface = net.BridgeInterface
		}
		if err := d.orch.EnsureBridge(net.Bridge, iface, gateway, true); err != nil {
			return "", err
		}
	}

	if net.ShareAddress || d.shareDHCPAddress {
		d.rules.EnsureDHCPIsolation(iface, net.DHCPServer)
	}
	if err := d.rules.Apply(); err != nil {
		return "", err
	}
	return net.Bridge, nil
}

// Unplug tears the bridge (and vlan interface) down.
func (d *BridgeDriver) Unplug(net *network.Network) (string, error) {
	var iface string
	if net.VLAN != 0 {
		iface = VLANName(net.VLAN)
		if err := d.orch.RemoveVLANBridge(net.VLAN, net.Bridge, true, true); err != nil {
			return "", err
		}
	} else {
		iface = d.flatInterface
		if iface == "" {
			iface = net.BridgeInterface
		}
		if err := d.orch.RemoveBridge(net.Bridge, true, true); err != nil {
			return "", err
		}
	}

	if net.ShareAddress || d.shareDHCPAddress {
		d.rules.RemoveDHCPIsolation(iface, net.DHCPServer)
	}
	if err := d.rules.Apply(); err != nil {
		return "", err
	}
	return d.GetDev(net), nil
}

// GetDev returns the bridge name.
func (d *BridgeDriver) GetDev(net *network.Network) string {
	return net.Bridge
}

// OVSDriver plugs networks as internal ports on an OVS integration bridge.
type OVSDriver struct {
	orch              *Orchestrator
	rules             *firewall.Store
	integrationBridge string
}

// Plug creates the gateway port if absent and returns its name.
func (d *OVSDriver) Plug(net *network.Network, mac string, gateway bool) (string, error) {
	dev := d.GetDev(net)
	if !d.orch.Exists(dev) {
		if err := d.orch.CreateOVSGatewayPort(d.integrationBridge, dev, mac, net.MTU, gateway); err != nil {
			return "", err
		}
		if gateway {
			d.rules.EnsureGatewayRules(d.integrationBridge)
		} else {
			// Make sure the filter layer won't forward it either.
			d.rules.EnsureBridgeRules(d.integrationBridge)
		}
		if err := d.rules.Apply(); err != nil {
			return "", err
		}
	}
	return dev, nil
}

// Unplug detaches the gateway port from the integration bridge.
func (d *OVSDriver) Unplug(net *network.Network) (string, error) {
	dev := d.GetDev(net)
	if err := d.orch.DeleteOVSVifPort(d.integrationBridge, dev, false); err != nil {
		return "", err
	}
	return dev, nil
}

// GetDev derives the port name from the network UUID.
func (d *OVSDriver) GetDev(net *network.Network) string {
	uuid := net.UUID
	if len(uuid) > 11 {
		uuid = uuid[:11]
	}
	return "gw-" + uuid
}

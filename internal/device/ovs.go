package device

import (
	"fmt"
	"strconv"

	"grimm.is/vnetd/internal/execute"
)

// OVSError is a fatal Open vSwitch configuration failure.
type OVSError struct {
	Args []string
	Err  error
}

func (e *OVSError) Error() string {
	return fmt.Sprintf("ovs-vsctl %v: %v", e.Args, e.Err)
}

func (e *OVSError) Unwrap() error { return e.Err }

// ovsVsctl runs ovs-vsctl with the configured timeout.
func (o *Orchestrator) ovsVsctl(args ...string) error {
	full := append([]string{"--timeout=" + strconv.Itoa(o.OVSVsctlTimeout)}, args...)
	if _, _, err := o.runner.Run(execute.Opts{RunAsRoot: true}, "ovs-vsctl", full...); err != nil {
		o.logger.Error("unable to execute ovs-vsctl", "args", fmt.Sprint(full), "error", err)
		return &OVSError{Args: full, Err: err}
	}
	return nil
}

// CreateOVSVifPort attaches an instance vif to an OVS bridge, replacing any
// stale port of the same name, and records the instance metadata in
// external-ids.
func (o *Orchestrator) CreateOVSVifPort(bridge, dev, ifaceID, mac, instanceID string, mtu int, interfaceType string) error {
	args := []string{
		"--", "--if-exists", "del-port", dev,
		"--", "add-port", bridge, dev,
		"--", "set", "Interface", dev,
		"external-ids:iface-id=" + ifaceID,
		"external-ids:iface-status=active",
		"external-ids:attached-mac=" + mac,
		"external-ids:vm-uuid=" + instanceID,
	}
	if interfaceType != "" {
		args = append(args, "type="+interfaceType)
	}
	if err := o.ovsVsctl(args...); err != nil {
		return err
	}
	// vhost-user ports have no kernel device to set an MTU on.
	if interfaceType != "dpdkvhostuser" {
		return o.SetMTU(dev, mtu)
	}
	o.logger.Debug("mtu not set on interface", "interface", dev, "type", interfaceType)
	return nil
}

// DeleteOVSVifPort detaches a vif from an OVS bridge and optionally
// destroys the device.
func (o *Orchestrator) DeleteOVSVifPort(bridge, dev string, deleteDev bool) error {
	if err := o.ovsVsctl("--", "--if-exists", "del-port", bridge, dev); err != nil {
		return err
	}
	if deleteDev {
		return o.DeleteDevice(dev)
	}
	return nil
}

// CreateOVSGatewayPort creates an internal OVS port acting as a tenant
// network's gateway endpoint. When gateway is false the port is fenced to
// DHCP-only traffic with flow rules.
func (o *Orchestrator) CreateOVSGatewayPort(bridge, dev, mac string, mtu int, gateway bool) error {
	err := o.ovsVsctl(
		"--", "--may-exist", "add-port", bridge, dev,
		"--", "set", "Interface", dev, "type=internal",
		"--", "set", "Interface", dev, "external-ids:iface-id="+dev,
		"--", "set", "Interface", dev, "external-ids:iface-status=active",
		"--", "set", "Interface", dev, "external-ids:attached-mac="+mac,
	)
	if err != nil {
		return err
	}
	if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
		"ifconfig", dev, "ether", mac); err != nil {
		return &ConfigError{Device: dev, Op: "ether", Stderr: stderr, Err: err}
	}
	if err := o.SetMTU(dev, mtu); err != nil {
		return err
	}
	if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
		"ifconfig", dev, "up"); err != nil {
		return &ConfigError{Device: dev, Op: "up", Stderr: stderr, Err: err}
	}

	if !gateway {
		// Not a gateway: block everything except DHCP towards the port.
		if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
			"ovs-ofctl", "add-flow", bridge, "priority=1,actions=drop"); err != nil {
			return &ConfigError{Device: bridge, Op: "add-flow", Stderr: stderr, Err: err}
		}
		flow := fmt.Sprintf("udp,tp_dst=67,dl_dst=%s,priority=2,actions=normal", mac)
		if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
			"ovs-ofctl", "add-flow", bridge, flow); err != nil {
			return &ConfigError{Device: bridge, Op: "add-flow", Stderr: stderr, Err: err}
		}
	}
	return nil
}

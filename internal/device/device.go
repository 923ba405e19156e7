// Package device creates and tears down the host network devices backing
// tenant networks: bridges, vlan sub-interfaces, taps and OVS ports. All
// operations are idempotent (existence is re-queried from the OS on every
// call, never cached) and addresses/routes found on a physical interface
// are migrated onto a new bridge without dropping connectivity.
package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"grimm.is/vnetd/internal/execute"
	"grimm.is/vnetd/internal/firewall"
	"grimm.is/vnetd/internal/hostlock"
	"grimm.is/vnetd/internal/logging"
	"grimm.is/vnetd/internal/metrics"
	"grimm.is/vnetd/internal/network"
)

// benignCreateErrors are tool error fragments that mean "already in the
// requested state" for create/attach verbs. Anything else is fatal.
var benignCreateErrors = []string{
	"File exists",
	"already exists",
	"already a member",
}

// ConfigError is a fatal device configuration failure. It names the device
// and carries the tool's stderr.
type ConfigError struct {
	Device string
	Op     string
	Stderr string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuring device %s (%s): %s", e.Device, e.Op, strings.TrimSpace(e.Stderr))
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Orchestrator drives device creation and teardown through external tools.
type Orchestrator struct {
	runner execute.Runner
	locks  *hostlock.Manager
	rules  *firewall.Store
	logger *logging.Logger

	// SendARPForHA issues gratuitous ARP after address moves so peers
	// re-learn the new device.
	SendARPForHA      bool
	SendARPForHACount int
	UseIPv6           bool
	OVSVsctlTimeout   int
}

// NewOrchestrator creates a device orchestrator.
func NewOrchestrator(runner execute.Runner, locks *hostlock.Manager, rules *firewall.Store, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		runner:            runner,
		locks:             locks,
		rules:             rules,
		logger:            logger.Component("device"),
		SendARPForHACount: 3,
		OVSVsctlTimeout:   120,
	}
}

// Exists checks whether the named device exists. The OS is always queried
// fresh; there is no cache to go stale.
func (o *Orchestrator) Exists(dev string) bool {
	_, _, err := o.runner.Run(execute.Opts{RunAsRoot: true}, "ifconfig", dev)
	return err == nil
}

// benign reports whether stderr matches a known "already in requested
// state" fragment.
func benign(stderr string) bool {
	for _, frag := range benignCreateErrors {
		if strings.Contains(stderr, frag) {
			return true
		}
	}
	return false
}

// EnsureBridge creates the bridge if absent, attaches the physical
// interface, and migrates the interface's addresses and gateway routes onto
// the bridge. Safe to call repeatedly; the second call with identical
// inputs issues no destructive commands.
//
// Route/address ordering preserves connectivity: routes are removed before
// the address they depend on is deleted, and re-added only once the address
// exists on the bridge.
func (o *Orchestrator) EnsureBridge(bridge, iface string, gateway, filtering bool) error {
	err := o.locks.WithLock(hostlock.LockBridge, func() error {
		if !o.Exists(bridge) {
			o.logger.Debug("starting bridge", "bridge", bridge)
			_, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true, AnyExitCode: true},
				"ifconfig", "bridge", "create", "name", bridge)
			if err != nil {
				return &ConfigError{Device: bridge, Op: "create", Stderr: stderr, Err: err}
			}
			if stderr != "" && !benign(stderr) {
				return &ConfigError{Device: bridge, Op: "create", Stderr: stderr}
			}
			if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true}, "ifconfig", bridge, "up"); err != nil {
				return &ConfigError{Device: bridge, Op: "up", Stderr: stderr, Err: err}
			}
			metrics.Get().DevicesCreated.WithLabelValues("bridge").Inc()
		}

		if iface != "" {
			if err := o.attachMember(bridge, iface); err != nil {
				return err
			}
			if err := o.migrateInterface(bridge, iface); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.Get().DeviceErrors.WithLabelValues("bridge").Inc()
		return err
	}

	if filtering {
		// Don't forward traffic unless we were told to be a gateway.
		if gateway {
			o.rules.EnsureGatewayRules(bridge)
		} else {
			o.rules.EnsureBridgeRules(bridge)
		}
	}
	return nil
}

// attachMember adds iface to the bridge and pins the bridge MAC to the
// member's so later plugs cannot change it.
func (o *Orchestrator) attachMember(bridge, iface string) error {
	o.logger.Debug("adding interface to bridge", "interface", iface, "bridge", bridge)
	_, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true, AnyExitCode: true},
		"ifconfig", bridge, "addm", iface)
	if err != nil {
		return &ConfigError{Device: bridge, Op: "addm " + iface, Stderr: stderr, Err: err}
	}
	if stderr != "" && !benign(stderr) {
		return &ConfigError{Device: bridge, Op: "addm " + iface, Stderr: stderr}
	}

	// The bridge would otherwise inherit the lowest MAC of its members,
	// which changes as ports are plugged. Pin it now.
	if out, _, err := o.runner.Run(execute.Opts{}, "ifconfig", iface); err == nil {
		if mac := macFromIfconfig(out); mac != "" {
			if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
				"ifconfig", bridge, "ether", mac); err != nil {
				return &ConfigError{Device: bridge, Op: "ether", Stderr: stderr, Err: err}
			}
		}
	}

	o.runner.Run(execute.Opts{RunAsRoot: true, AnyExitCode: true}, "ifconfig", iface, "up")
	return nil
}

// migrateInterface moves iface's addresses and gateway routes onto the
// bridge. Each address is moved (deleted from iface, added to the bridge)
// as one logical step; an interruption leaves a partially-migrated state
// that the next EnsureBridge call completes.
func (o *Orchestrator) migrateInterface(bridge, iface string) error {
	routes, err := o.gatewayRoutes(iface)
	if err != nil {
		return err
	}
	for _, rt := range routes {
		if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
			"route", "-q", "delete", rt.Dest, rt.Gateway); err != nil {
			return &ConfigError{Device: iface, Op: "route delete", Stderr: stderr, Err: err}
		}
	}

	out, _, err := o.runner.Run(execute.Opts{}, "ifconfig", iface)
	if err != nil {
		var perr *execute.ProcessError
		if errors.As(err, &perr) {
			return &ConfigError{Device: iface, Op: "inspect", Stderr: perr.Stderr, Err: err}
		}
		return err
	}
	for _, params := range inetLines(out) {
		args := append([]string{iface}, params...)
		if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
			"ifconfig", append(args, "delete")...); err != nil {
			return &ConfigError{Device: iface, Op: "address delete", Stderr: stderr, Err: err}
		}
		args = append([]string{bridge}, params...)
		if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
			"ifconfig", append(args, "add")...); err != nil {
			return &ConfigError{Device: bridge, Op: "address add", Stderr: stderr, Err: err}
		}
		metrics.Get().AddressesMoved.Inc()
		o.logger.Info("moved address to bridge", "address", params[1], "from", iface, "to", bridge)
	}

	for _, rt := range routes {
		if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
			"route", "-q", "add", rt.Dest, rt.Gateway); err != nil {
			return &ConfigError{Device: bridge, Op: "route add", Stderr: stderr, Err: err}
		}
	}
	return nil
}

// RemoveBridge tears down a bridge. Removing an absent bridge is a silent
// no-op.
func (o *Orchestrator) RemoveBridge(bridge string, gateway, filtering bool) error {
	return o.locks.WithLock(hostlock.LockBridge, func() error {
		if !o.Exists(bridge) {
			return nil
		}
		if filtering {
			if gateway {
				o.rules.RemoveGatewayRules(bridge)
			} else {
				o.rules.RemoveBridgeRules(bridge)
			}
		}
		return o.deleteBridgeLocked(bridge)
	})
}

func (o *Orchestrator) deleteBridgeLocked(bridge string) error {
	if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true}, "ifconfig", bridge, "down"); err != nil {
		return &ConfigError{Device: bridge, Op: "down", Stderr: stderr, Err: err}
	}
	if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true}, "ifconfig", bridge, "destroy"); err != nil {
		return &ConfigError{Device: bridge, Op: "destroy", Stderr: stderr, Err: err}
	}
	metrics.Get().DevicesDeleted.WithLabelValues("bridge").Inc()
	return nil
}

// VLANName returns the interface name for a vlan id.
func VLANName(vlan int) string {
	return "vlan" + strconv.Itoa(vlan)
}

// EnsureVLAN creates the vlan sub-interface on top of iface unless it
// already exists, and returns its name. MTU is set on every call so MTU
// changes propagate.
func (o *Orchestrator) EnsureVLAN(vlan int, iface, mac string, mtu int) (string, error) {
	name := VLANName(vlan)
	err := o.locks.WithLock(hostlock.LockVLAN, func() error {
		if !o.Exists(name) {
			o.logger.Debug("starting vlan interface", "interface", name)
			_, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true, AnyExitCode: true},
				"ifconfig", "vlan", "create",
				"vlan", strconv.Itoa(vlan),
				"vlandev", iface,
				"name", name)
			if err != nil {
				return &ConfigError{Device: name, Op: "create", Stderr: stderr, Err: err}
			}
			if stderr != "" && !benign(stderr) {
				return &ConfigError{Device: name, Op: "create", Stderr: stderr}
			}
			// The bridge built on top inherits this address, so it has to
			// be the one the control plane assigned.
			if mac != "" {
				if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
					"ifconfig", name, "ether", mac); err != nil {
					return &ConfigError{Device: name, Op: "ether", Stderr: stderr, Err: err}
				}
			}
			if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
				"ifconfig", name, "up"); err != nil {
				return &ConfigError{Device: name, Op: "up", Stderr: stderr, Err: err}
			}
			metrics.Get().DevicesCreated.WithLabelValues("vlan").Inc()
		}
		return o.SetMTU(name, mtu)
	})
	if err != nil {
		metrics.Get().DeviceErrors.WithLabelValues("vlan").Inc()
		return "", err
	}
	return name, nil
}

// RemoveVLAN deletes a vlan sub-interface. Absent interfaces are a no-op.
func (o *Orchestrator) RemoveVLAN(vlan int) error {
	return o.locks.WithLock(hostlock.LockVLAN, func() error {
		return o.DeleteDevice(VLANName(vlan))
	})
}

// EnsureVLANBridge creates a vlan interface and a bridge on top of it.
func (o *Orchestrator) EnsureVLANBridge(vlan int, bridge, iface, mac string, mtu int, gateway, filtering bool) (string, error) {
	name, err := o.EnsureVLAN(vlan, iface, mac, mtu)
	if err != nil {
		return "", err
	}
	if err := o.EnsureBridge(bridge, name, gateway, filtering); err != nil {
		return "", err
	}
	return name, nil
}

// RemoveVLANBridge deletes a bridge and its vlan interface.
func (o *Orchestrator) RemoveVLANBridge(vlan int, bridge string, gateway, filtering bool) error {
	if err := o.RemoveBridge(bridge, gateway, filtering); err != nil {
		return err
	}
	return o.RemoveVLAN(vlan)
}

// CreateTap creates a tap device unless it already exists.
func (o *Orchestrator) CreateTap(dev, mac string) error {
	if o.Exists(dev) {
		return nil
	}
	if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
		"ifconfig", "tap", "create", "name", dev); err != nil {
		return &ConfigError{Device: dev, Op: "create", Stderr: stderr, Err: err}
	}
	if mac != "" {
		if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
			"ifconfig", dev, "ether", mac); err != nil {
			return &ConfigError{Device: dev, Op: "ether", Stderr: stderr, Err: err}
		}
	}
	if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
		"ifconfig", dev, "up"); err != nil {
		return &ConfigError{Device: dev, Op: "up", Stderr: stderr, Err: err}
	}
	metrics.Get().DevicesCreated.WithLabelValues("tap").Inc()
	return nil
}

// DeleteDevice destroys a device only if it exists.
func (o *Orchestrator) DeleteDevice(dev string) error {
	if !o.Exists(dev) {
		return nil
	}
	if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
		"ifconfig", dev, "destroy"); err != nil {
		return &ConfigError{Device: dev, Op: "destroy", Stderr: stderr, Err: err}
	}
	metrics.Get().DevicesDeleted.WithLabelValues("device").Inc()
	o.logger.Debug("net device removed", "device", dev)
	return nil
}

// SetMTU sets the device MTU when mtu is non-zero.
func (o *Orchestrator) SetMTU(dev string, mtu int) error {
	if mtu == 0 {
		return nil
	}
	if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
		"ifconfig", dev, "mtu", strconv.Itoa(mtu)); err != nil {
		return &ConfigError{Device: dev, Op: "mtu", Stderr: stderr, Err: err}
	}
	return nil
}

// SendARPForIP sends gratuitous ARP for ip on dev so peers update their
// caches after an address move. Failures are logged, never fatal.
func (o *Orchestrator) SendARPForIP(ip, dev string, count int) {
	_, stderr, _ := o.runner.Run(execute.Opts{RunAsRoot: true, AnyExitCode: true},
		"arping", "-U", "-i", dev, "-c", strconv.Itoa(count), ip)
	if stderr != "" {
		o.logger.Debug("arping error", "ip", ip, "device", dev, "stderr", stderr)
	}
}

// BindFloatingIP binds a floating address to the public interface.
func (o *Orchestrator) BindFloatingIP(floatingIP, dev string) error {
	if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
		"ifconfig", dev, floatingIP+"/32", "add"); err != nil {
		return &ConfigError{Device: dev, Op: "bind floating", Stderr: stderr, Err: err}
	}
	if o.SendARPForHA && o.SendARPForHACount > 0 {
		o.SendARPForIP(floatingIP, dev, o.SendARPForHACount)
	}
	return nil
}

// UnbindFloatingIP removes a floating address from the public interface.
func (o *Orchestrator) UnbindFloatingIP(floatingIP, dev string) error {
	if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
		"ifconfig", dev, floatingIP+"/32", "delete"); err != nil {
		return &ConfigError{Device: dev, Op: "unbind floating", Stderr: stderr, Err: err}
	}
	return nil
}

// EnsureMetadataIP aliases the metadata address onto loopback.
func (o *Orchestrator) EnsureMetadataIP() error {
	if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
		"ifconfig", "lo0", "alias", "169.254.169.254/32"); err != nil {
		return &ConfigError{Device: "lo0", Op: "metadata alias", Stderr: stderr, Err: err}
	}
	return nil
}

// EnableIPv4Forwarding turns on the forwarding sysctl if it is off.
func (o *Orchestrator) EnableIPv4Forwarding() error {
	const key = "net.inet.ip.forwarding"
	out, _, err := o.runner.Run(execute.Opts{}, "sysctl", "-n", key)
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if strings.TrimSpace(out) != "1" {
		if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true}, "sysctl", key+"=1"); err != nil {
			return &ConfigError{Device: key, Op: "sysctl", Stderr: stderr, Err: err}
		}
	}
	return nil
}

// InitializeGateway puts the network's DHCP server address first on the
// gateway device, migrating any other addresses behind it. The DHCP daemon
// only answers requests properly when its address is the device's first.
func (o *Orchestrator) InitializeGateway(dev string, net *network.Network) error {
	return o.locks.WithLock(hostlock.LockGateway, func() error {
		if err := o.EnableIPv4Forwarding(); err != nil {
			return err
		}

		fullIP, err := net.DHCPServerCIDR()
		if err != nil {
			return err
		}

		out, _, err := o.runner.Run(execute.Opts{}, "ifconfig", dev)
		if err != nil {
			var perr *execute.ProcessError
			if errors.As(err, &perr) {
				return &ConfigError{Device: dev, Op: "inspect", Stderr: perr.Stderr, Err: err}
			}
			return err
		}

		oldParams := inetLines(out)
		newParams := [][]string{{"inet", fullIP, "broadcast", net.Broadcast}}
		for _, params := range oldParams {
			if addrToCIDR(params[1], params[3]) != fullIP {
				newParams = append(newParams, params)
			}
		}

		needsRewrite := len(oldParams) == 0 ||
			addrToCIDR(oldParams[0][1], oldParams[0][3]) != fullIP
		if needsRewrite {
			routes, err := o.gatewayRoutes(dev)
			if err != nil {
				return err
			}
			for _, rt := range routes {
				if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
					"route", "-q", "delete", rt.Dest, rt.Gateway); err != nil {
					return &ConfigError{Device: dev, Op: "route delete", Stderr: stderr, Err: err}
				}
			}
			for _, params := range oldParams {
				args := append([]string{dev}, params...)
				if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
					"ifconfig", append(args, "delete")...); err != nil {
					return &ConfigError{Device: dev, Op: "address delete", Stderr: stderr, Err: err}
				}
			}
			for _, params := range newParams {
				args := append([]string{dev}, params...)
				if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
					"ifconfig", append(args, "add")...); err != nil {
					return &ConfigError{Device: dev, Op: "address add", Stderr: stderr, Err: err}
				}
			}
			for _, rt := range routes {
				if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
					"route", "-q", "add", rt.Dest, rt.Gateway); err != nil {
					return &ConfigError{Device: dev, Op: "route add", Stderr: stderr, Err: err}
				}
			}
			if o.SendARPForHA && o.SendARPForHACount > 0 {
				o.SendARPForIP(net.DHCPServer, dev, o.SendARPForHACount)
			}
		}

		if o.UseIPv6 && net.HasV6() {
			if _, stderr, err := o.runner.Run(execute.Opts{RunAsRoot: true},
				"ifconfig", dev, "inet6", net.CIDRv6); err != nil {
				return &ConfigError{Device: dev, Op: "inet6", Stderr: stderr, Err: err}
			}
		}
		return nil
	})
}

// Package agent wires the host-level components together and exposes the
// operations callers drive: host init, gateway setup, floating addresses
// and metadata plumbing. Each operation batches its firewall mutations and
// ends in at most one ruleset commit.
package agent

import (
	"fmt"

	"grimm.is/vnetd/internal/clock"
	"grimm.is/vnetd/internal/config"
	"grimm.is/vnetd/internal/device"
	"grimm.is/vnetd/internal/dhcp"
	"grimm.is/vnetd/internal/execute"
	"grimm.is/vnetd/internal/firewall"
	"grimm.is/vnetd/internal/hostlock"
	"grimm.is/vnetd/internal/logging"
	"grimm.is/vnetd/internal/network"
)

// Agent owns one host's network plumbing.
type Agent struct {
	cfg    *config.Config
	runner execute.Runner
	locks  *hostlock.Manager
	rules  *firewall.Store
	orch   *device.Orchestrator
	driver device.Driver
	dhcp   *dhcp.Supervisor
	logger *logging.Logger
}

// New builds an agent from configuration. With fake_network set every
// external command is recorded instead of executed.
func New(cfg *config.Config, logger *logging.Logger) (*Agent, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Component("agent")

	var runner execute.Runner
	if cfg.FakeNetwork {
		logger.Warn("fake network mode, commands are recorded but not executed")
		runner = execute.NewFakeRunner()
	} else {
		real := execute.NewRunner(logger)
		real.RootWrap = cfg.RootWrap
		runner = real
	}

	locks := hostlock.NewManager(cfg.LockDir)
	rules := firewall.NewStore(runner, locks, cfg.PFAnchor, logger)

	orch := device.NewOrchestrator(runner, locks, rules, logger)
	orch.SendARPForHA = cfg.SendARPForHA
	orch.SendARPForHACount = cfg.SendARPForHACount
	orch.UseIPv6 = cfg.UseIPv6
	orch.OVSVsctlTimeout = cfg.OVSVsctlTimeout

	driver, err := device.NewDriver(cfg, orch, rules)
	if err != nil {
		return nil, err
	}

	sup := dhcp.NewSupervisor(runner, locks, rules, cfg, &clock.RealClock{}, logger)

	return &Agent{
		cfg:    cfg,
		runner: runner,
		locks:  locks,
		rules:  rules,
		orch:   orch,
		driver: driver,
		dhcp:   sup,
		logger: logger,
	}, nil
}

// RuleStore exposes the firewall store for status reporting.
func (a *Agent) RuleStore() *firewall.Store { return a.rules }

// Devices exposes the device orchestrator.
func (a *Agent) Devices() *device.Orchestrator { return a.orch }

// DHCP exposes the daemon supervisor.
func (a *Agent) DHCP() *dhcp.Supervisor { return a.dhcp }

// InitHost prepares the host for routing tenant traffic: IPv4 forwarding,
// the metadata address on loopback, metadata forwarding rules and source
// NAT for the range. One ruleset commit.
func (a *Agent) InitHost(ipRange string, isExternal bool) error {
	a.rules.DeferApply()

	if err := a.orch.EnableIPv4Forwarding(); err != nil {
		a.rules.ResumeApply()
		return err
	}
	if err := a.orch.EnsureMetadataIP(); err != nil {
		a.rules.ResumeApply()
		return err
	}

	a.addMetadataRules()
	a.addSNATRules(ipRange, isExternal)

	if err := a.rules.ResumeApply(); err != nil {
		return err
	}
	a.logger.Info("host initialized", "range", ipRange, "external", isExternal)
	return nil
}

func (a *Agent) addMetadataRules() {
	for _, rule := range firewall.MetadataForwardRules(a.cfg.MetadataHost, a.cfg.MetadataPort) {
		a.rules.AddRule(rule)
	}
	a.rules.AddRule(firewall.MetadataAcceptRule())
}

// addSNATRules translates outbound tenant traffic to the routing source
// address. A non-external range is translated toward everything on the
// public interface; an external range is translated only toward the
// force_snat_range destinations, which are also admitted past filtering.
// Metadata and dmz_cidr destinations are admitted for every range.
func (a *Agent) addSNATRules(ipRange string, isExternal bool) {
	if a.cfg.RoutingSourceIP != "" {
		if isExternal {
			if len(a.cfg.ForceSNATRanges) > 0 {
				for _, rule := range firewall.SNATRules(ipRange, a.cfg.RoutingSourceIP, "", a.cfg.ForceSNATRanges) {
					a.rules.AddRule(rule)
				}
			}
		} else {
			for _, rule := range firewall.SNATRules(ipRange, a.cfg.RoutingSourceIP, a.cfg.PublicInterface, nil) {
				a.rules.AddRule(rule)
			}
		}
	}
	if isExternal {
		for _, forced := range a.cfg.ForceSNATRanges {
			a.rules.AddRule(fmt.Sprintf("pass quick inet from %s to %s", ipRange, forced))
		}
	}
	a.rules.AddRule(fmt.Sprintf("pass quick inet from %s to %s/32", ipRange, a.cfg.MetadataHost))
	for _, dmz := range a.cfg.DMZCIDRs {
		a.rules.AddRule(fmt.Sprintf("pass quick inet from %s to %s", ipRange, dmz))
	}
}

// MetadataForward installs the metadata redirection rules.
func (a *Agent) MetadataForward() error {
	for _, rule := range firewall.MetadataForwardRules(a.cfg.MetadataHost, a.cfg.MetadataPort) {
		a.rules.AddRule(rule)
	}
	return a.rules.Apply()
}

// MetadataAccept admits inbound metadata requests.
func (a *Agent) MetadataAccept() error {
	a.rules.AddRule(firewall.MetadataAcceptRule())
	return a.rules.Apply()
}

// EnsureVPNForward forwards a cloudpipe endpoint's public port to the
// instance's private address.
func (a *Agent) EnsureVPNForward(publicIP string, port int, privateIP string) error {
	for _, rule := range firewall.VPNForwardRules(publicIP, port, privateIP) {
		a.rules.AddRule(rule)
	}
	return a.rules.Apply()
}

// EnsureFloatingForward routes a floating address to its fixed address.
// When the traffic enters on a device other than the network's own bridge,
// in-network traffic from the fixed address is admitted explicitly so
// translation does not strand it.
func (a *Agent) EnsureFloatingForward(floatingIP, fixedIP, dev string, net *network.Network) error {
	a.rules.DeferApply()
	a.rules.EnsureFloatingRules(floatingIP, fixedIP)
	if dev != net.Bridge {
		a.rules.EnsureInNetworkRules(fixedIP, net.CIDR)
	}
	return a.rules.ResumeApply()
}

// RemoveFloatingForward withdraws a floating address's forwarding.
func (a *Agent) RemoveFloatingForward(floatingIP, fixedIP, dev string, net *network.Network) error {
	a.rules.DeferApply()
	a.rules.RemoveFloatingRules(floatingIP, fixedIP)
	if dev != net.Bridge {
		a.rules.RemoveInNetworkRules(fixedIP, net.CIDR)
	}
	return a.rules.ResumeApply()
}

// BindFloatingIP places a floating address on the public interface. The
// orchestrator announces the move when gratuitous ARP is enabled.
func (a *Agent) BindFloatingIP(floatingIP string) error {
	return a.orch.BindFloatingIP(floatingIP, a.cfg.PublicInterface)
}

// UnbindFloatingIP removes a floating address from the public interface.
func (a *Agent) UnbindFloatingIP(floatingIP string) error {
	return a.orch.UnbindFloatingIP(floatingIP, a.cfg.PublicInterface)
}

// Plug creates the network's gateway device.
func (a *Agent) Plug(net *network.Network, mac string, gateway bool) (string, error) {
	return a.driver.Plug(net, mac, gateway)
}

// Unplug destroys the network's gateway device.
func (a *Agent) Unplug(net *network.Network) (string, error) {
	return a.driver.Unplug(net)
}

// GetDev names the network's gateway device without touching the host.
func (a *Agent) GetDev(net *network.Network) string {
	return a.driver.GetDev(net)
}

// SetupGateway brings a network's gateway fully up: forwarding on, device
// plugged, addresses ordered for DHCP, daemons running. Device and rule
// work batches into a single commit; the DHCP restart then commits its
// admission rules.
func (a *Agent) SetupGateway(net *network.Network, mac string, fips []network.FixedIP) error {
	a.rules.DeferApply()

	err := func() error {
		if err := a.orch.EnableIPv4Forwarding(); err != nil {
			return err
		}
		dev, err := a.driver.Plug(net, mac, true)
		if err != nil {
			return err
		}
		return a.orch.InitializeGateway(dev, net)
	}()
	if resumeErr := a.rules.ResumeApply(); err == nil {
		err = resumeErr
	}
	if err != nil {
		return err
	}

	if err := a.dhcp.RestartDHCP(net, fips); err != nil {
		return err
	}
	if a.cfg.UseIPv6 && net.HasV6() {
		if err := a.dhcp.UpdateRA(net); err != nil {
			return err
		}
	}
	a.logger.Info("gateway up", "network", net.Label, "bridge", net.Bridge)
	return nil
}

// TeardownGateway reverses SetupGateway: daemons stopped, device unplugged,
// rules withdrawn.
func (a *Agent) TeardownGateway(net *network.Network) error {
	dev := a.driver.GetDev(net)
	if err := a.dhcp.KillDHCP(dev); err != nil {
		return err
	}
	if _, err := a.driver.Unplug(net); err != nil {
		return err
	}
	a.logger.Info("gateway down", "network", net.Label, "bridge", net.Bridge)
	return nil
}

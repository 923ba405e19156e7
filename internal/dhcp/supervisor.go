package dhcp

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"grimm.is/vnetd/internal/clock"
	"grimm.is/vnetd/internal/config"
	"grimm.is/vnetd/internal/execute"
	"grimm.is/vnetd/internal/firewall"
	"grimm.is/vnetd/internal/hostlock"
	"grimm.is/vnetd/internal/logging"
	"grimm.is/vnetd/internal/metrics"
	"grimm.is/vnetd/internal/network"
)

// ReleaseError reports a failed dhcp_release invocation.
type ReleaseError struct {
	Address string
	MAC     string
	Err     error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("releasing lease %s (%s): %v", e.Address, e.MAC, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }

// pidState classifies what a pid file points at.
type pidState int

const (
	// pidAbsent means no pid file, or an unreadable/unparseable one.
	pidAbsent pidState = iota
	// pidStale means the pid exists but belongs to some other process.
	pidStale
	// pidRunning means the pid is our daemon for this device.
	pidRunning
)

// Supervisor manages the per-device dnsmasq and radvd daemons. Daemons are
// not child processes: they are adopted across agent restarts through their
// pid files, so liveness is always established by re-reading the pid file
// and the process's command line.
type Supervisor struct {
	runner execute.Runner
	locks  *hostlock.Manager
	rules  *firewall.Store
	cfg    *config.Config
	clk    clock.Clock
	logger *logging.Logger

	// cmdline reads a process's command line; overridable in tests.
	cmdline func(pid int) (string, error)
}

// NewSupervisor creates a daemon supervisor.
func NewSupervisor(runner execute.Runner, locks *hostlock.Manager, rules *firewall.Store,
	cfg *config.Config, clk clock.Clock, logger *logging.Logger) *Supervisor {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Supervisor{
		runner:  runner,
		locks:   locks,
		rules:   rules,
		cfg:     cfg,
		clk:     clk,
		logger:  logger.Component("dhcp"),
		cmdline: procCmdline,
	}
}

func procCmdline(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// dhcpFile returns the path of a per-device dnsmasq state file.
func (s *Supervisor) dhcpFile(dev, kind string) string {
	return filepath.Join(s.cfg.StateDir, fmt.Sprintf("vnetd-%s.%s", dev, kind))
}

// raFile returns the path of a per-device radvd state file.
func (s *Supervisor) raFile(dev, kind string) string {
	return filepath.Join(s.cfg.StateDir, fmt.Sprintf("vnetd-ra-%s.%s", dev, kind))
}

// readPid parses a pid file. Returns 0 when the file is missing or garbled.
func readPid(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// probe establishes the state of the daemon recorded in pidPath. A running
// process whose command line does not mention marker (the basename of the
// daemon's config file for this device) is some unrelated process that
// recycled the pid, so it must never be signalled.
func (s *Supervisor) probe(pidPath, marker string) (pidState, int) {
	pid := readPid(pidPath)
	if pid == 0 {
		return pidAbsent, 0
	}
	cmdline, err := s.cmdline(pid)
	if err != nil {
		return pidAbsent, pid
	}
	if strings.Contains(cmdline, marker) {
		return pidRunning, pid
	}
	return pidStale, pid
}

func (s *Supervisor) writeFile(path, content string) error {
	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir %s: %w", s.cfg.StateDir, err)
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// writeDHCPFiles renders and writes the dnsmasq input files for a network.
func (s *Supervisor) writeDHCPFiles(net *network.Network, fips []network.FixedIP) error {
	dev := net.Bridge
	hosts := BuildHosts(fips, s.cfg.DHCPDomain, s.cfg.UseSingleDefaultGateway)
	if err := s.writeFile(s.dhcpFile(dev, "conf"), hosts); err != nil {
		return err
	}
	opts := BuildOpts(net, fips, s.cfg.UseSingleDefaultGateway, s.cfg.ShareDHCPAddress)
	if err := s.writeFile(s.dhcpFile(dev, "opts"), opts); err != nil {
		return err
	}
	leases := BuildLeases(s.clk, s.cfg.DHCPLeaseTime, fips)
	if err := s.writeFile(s.dhcpFile(dev, "leases"), leases); err != nil {
		return err
	}
	if net.MultiHost {
		dns := BuildDNSHosts(fips, s.cfg.DHCPDomain)
		if err := s.writeFile(s.dhcpFile(dev, "hosts"), dns); err != nil {
			return err
		}
	}
	return nil
}

// RestartDHCP brings the dnsmasq for a network's bridge in line with the
// given addresses: config files are rewritten, then a running daemon is
// reloaded with SIGHUP and a dead or stale one is replaced. The whole
// sequence, admission rules included, is serialized under the dnsmasq lock.
func (s *Supervisor) RestartDHCP(net *network.Network, fips []network.FixedIP) error {
	return s.locks.WithLock(hostlock.LockDnsmasq, func() error {
		if err := s.writeDHCPFiles(net, fips); err != nil {
			return err
		}
		return s.reloadOrSpawn(net)
	})
}

// reloadOrSpawn reloads a running dnsmasq or replaces a dead or stale one,
// then commits the admission rules. Caller holds the dnsmasq lock.
func (s *Supervisor) reloadOrSpawn(net *network.Network) error {
	dev := net.Bridge
	pidPath := s.dhcpFile(dev, "pid")
	marker := filepath.Base(s.dhcpFile(dev, "conf"))
	state, pid := s.probe(pidPath, marker)
	switch state {
	case pidRunning:
		_, _, err := s.runner.Run(execute.Opts{RunAsRoot: true},
			"kill", "-HUP", strconv.Itoa(pid))
		if err == nil {
			metrics.Get().DaemonReloads.WithLabelValues("dnsmasq").Inc()
			s.logger.Info("reloaded dnsmasq", "device", dev, "pid", pid)
			return s.admitDHCP(dev)
		}
		s.logger.Warn("hup to dnsmasq failed, respawning",
			"device", dev, "pid", pid, "error", err)
	case pidStale:
		metrics.Get().DaemonStalePids.WithLabelValues("dnsmasq").Inc()
		s.logger.Warn("pid file points at a foreign process, respawning",
			"device", dev, "pid", pid, "pidfile", pidPath)
	}

	if err := s.spawnDnsmasq(net); err != nil {
		return err
	}
	return s.admitDHCP(dev)
}

func (s *Supervisor) admitDHCP(dev string) error {
	s.rules.EnsureDHCPAdmission(dev)
	return s.rules.Apply()
}

// spawnDnsmasq starts a fresh dnsmasq for the network. dnsmasq daemonizes
// itself and writes its own pid file.
func (s *Supervisor) spawnDnsmasq(net *network.Network) error {
	dev := net.Bridge
	leaseMax, err := net.Size()
	if err != nil {
		return err
	}

	args := []string{
		fmt.Sprintf("CONFIG_FILE=%s", s.cfg.DHCPBridgeFlagFile),
		fmt.Sprintf("NETWORK_ID=%s", net.ID),
		"dnsmasq",
		"--strict-order",
		"--bind-interfaces",
		fmt.Sprintf("--conf-file=%s", s.cfg.DnsmasqConfigFile),
		fmt.Sprintf("--pid-file=%s", s.dhcpFile(dev, "pid")),
		fmt.Sprintf("--dhcp-optsfile=%s", s.dhcpFile(dev, "opts")),
		fmt.Sprintf("--listen-address=%s", net.DHCPServer),
		"--except-interface=lo",
		fmt.Sprintf("--dhcp-range=set:%s,%s,static,%s,%ds",
			net.Label, net.DHCPStart, net.Netmask, s.cfg.DHCPLeaseTime),
		fmt.Sprintf("--dhcp-lease-max=%d", leaseMax),
		fmt.Sprintf("--dhcp-hostsfile=%s", s.dhcpFile(dev, "conf")),
		fmt.Sprintf("--dhcp-script=%s", s.cfg.DHCPBridge),
		"--no-hosts",
		"--leasefile-ro",
	}
	if s.cfg.DHCPDomain != "" {
		args = append(args, fmt.Sprintf("--domain=%s", s.cfg.DHCPDomain))
	}
	if net.MultiHost {
		args = append(args, fmt.Sprintf("--addn-hosts=%s", s.dhcpFile(dev, "hosts")))
	}
	dns := s.dnsServers(net)
	if len(dns) > 0 {
		args = append(args, "--no-resolv")
		for _, server := range dns {
			args = append(args, fmt.Sprintf("--server=%s", server))
		}
	}

	_, _, err = s.runner.Run(execute.Opts{RunAsRoot: true}, "env", args...)
	if err != nil {
		return fmt.Errorf("starting dnsmasq for %s: %w", dev, err)
	}
	metrics.Get().DaemonSpawns.WithLabelValues("dnsmasq").Inc()
	s.logger.Info("started dnsmasq", "device", dev, "network", net.Label)
	return nil
}

// dnsServers returns the upstream resolvers to force, if any. Network
// supplied servers win when enabled, then the host-wide list; an empty
// result leaves dnsmasq on the host resolver config.
func (s *Supervisor) dnsServers(net *network.Network) []string {
	if s.cfg.UseNetworkDNSServers {
		var servers []string
		for _, srv := range []string{net.DNS1, net.DNS2} {
			if srv != "" {
				servers = append(servers, srv)
			}
		}
		if len(servers) > 0 {
			return servers
		}
	}
	return s.cfg.DNSServers
}

// UpdateDHCP rewrites the dnsmasq input files and restarts the daemon.
// A daemon that died since the last restart is brought back up.
func (s *Supervisor) UpdateDHCP(net *network.Network, fips []network.FixedIP) error {
	return s.RestartDHCP(net, fips)
}

// UpdateDNS rewrites the additional-hosts file and restarts the daemon.
func (s *Supervisor) UpdateDNS(net *network.Network, fips []network.FixedIP) error {
	dev := net.Bridge
	return s.locks.WithLock(hostlock.LockDnsmasq, func() error {
		dns := BuildDNSHosts(fips, s.cfg.DHCPDomain)
		if err := s.writeFile(s.dhcpFile(dev, "hosts"), dns); err != nil {
			return err
		}
		return s.reloadOrSpawn(net)
	})
}

// KillDHCP stops the dnsmasq for a device and withdraws its admission
// rules. A stale pid is never signalled.
func (s *Supervisor) KillDHCP(dev string) error {
	err := s.locks.WithLock(hostlock.LockDnsmasq, func() error {
		pidPath := s.dhcpFile(dev, "pid")
		marker := filepath.Base(s.dhcpFile(dev, "conf"))
		state, pid := s.probe(pidPath, marker)
		switch state {
		case pidRunning:
			_, _, err := s.runner.Run(execute.Opts{RunAsRoot: true},
				"kill", "-9", strconv.Itoa(pid))
			if err != nil {
				return fmt.Errorf("killing dnsmasq pid %d: %w", pid, err)
			}
			metrics.Get().DaemonKills.WithLabelValues("dnsmasq").Inc()
			s.logger.Info("killed dnsmasq", "device", dev, "pid", pid)
		case pidStale:
			metrics.Get().DaemonStalePids.WithLabelValues("dnsmasq").Inc()
			s.logger.Warn("pid file points at a foreign process, not signalling",
				"device", dev, "pid", pid, "pidfile", pidPath)
		}
		os.Remove(pidPath)
		return nil
	})
	if err != nil {
		return err
	}

	s.rules.RemoveDHCPAdmission(dev)
	return s.rules.Apply()
}

// raConfTemplate is the radvd config for one announced prefix.
const raConfTemplate = `interface %s
{
   AdvSendAdvert on;
   MinRtrAdvInterval 3;
   MaxRtrAdvInterval 10;
   prefix %s
   {
        AdvOnLink on;
        AdvAutonomous on;
   };
};
`

// UpdateRA rewrites the radvd config for a network and restarts the
// daemon. radvd has no reload signal worth trusting for prefix changes, so
// a running instance is always replaced.
func (s *Supervisor) UpdateRA(net *network.Network) error {
	if !net.HasV6() {
		return fmt.Errorf("network %s has no IPv6 prefix", net.Label)
	}
	dev := net.Bridge
	return s.locks.WithLock(hostlock.LockRadvd, func() error {
		confPath := s.raFile(dev, "conf")
		conf := fmt.Sprintf(raConfTemplate, dev, net.CIDRv6)
		if err := s.writeFile(confPath, conf); err != nil {
			return err
		}

		pidPath := s.raFile(dev, "pid")
		state, pid := s.probe(pidPath, filepath.Base(confPath))
		switch state {
		case pidRunning:
			_, _, err := s.runner.Run(execute.Opts{RunAsRoot: true},
				"kill", strconv.Itoa(pid))
			if err != nil {
				s.logger.Warn("failed to stop radvd, spawning anyway",
					"device", dev, "pid", pid, "error", err)
			} else {
				metrics.Get().DaemonKills.WithLabelValues("radvd").Inc()
			}
		case pidStale:
			metrics.Get().DaemonStalePids.WithLabelValues("radvd").Inc()
			s.logger.Warn("pid file points at a foreign process, not signalling",
				"device", dev, "pid", pid, "pidfile", pidPath)
		}

		_, _, err := s.runner.Run(execute.Opts{RunAsRoot: true},
			"radvd", "-C", confPath, "-p", pidPath)
		if err != nil {
			return fmt.Errorf("starting radvd for %s: %w", dev, err)
		}
		metrics.Get().DaemonSpawns.WithLabelValues("radvd").Inc()
		s.logger.Info("started radvd", "device", dev, "prefix", net.CIDRv6)
		return nil
	})
}

// ReleaseLease tells the dnsmasq on dev to forget a lease immediately
// instead of waiting for expiry. A missing device means the gateway is
// already torn down and the lease is moot.
func (s *Supervisor) ReleaseLease(dev, address, mac string) error {
	if _, _, err := s.runner.Run(execute.Opts{RunAsRoot: true}, "ifconfig", dev); err != nil {
		s.logger.Debug("device gone, skipping lease release",
			"device", dev, "address", address)
		return nil
	}
	_, _, err := s.runner.Run(execute.Opts{RunAsRoot: true},
		"dhcp_release", dev, address, mac)
	if err != nil {
		return &ReleaseError{Address: address, MAC: mac, Err: err}
	}
	return nil
}

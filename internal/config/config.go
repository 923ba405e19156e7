// Package config holds the agent's host-level settings. The file format is
// HCL; everything is optional and falls back to defaults suitable for a
// single-host deployment.
package config

import (
	"fmt"
)

// Config is the top-level structure for the agent configuration.
type Config struct {
	// StateDir is where per-device dnsmasq/radvd config, lease and pid
	// files are written.
	StateDir string `hcl:"state_dir,optional"`
	// LockDir is where cross-process lock files live.
	LockDir string `hcl:"lock_dir,optional"`

	// PFAnchor is the pf anchor owned by this agent. Every ruleset commit
	// replaces the anchor's contents wholesale.
	PFAnchor string `hcl:"pf_anchor,optional"`

	// InterfaceDriver selects how gateway devices are plugged:
	// "bridge" or "ovs".
	InterfaceDriver string `hcl:"interface_driver,optional"`

	PublicInterface string `hcl:"public_interface,optional"`
	VLANInterface   string `hcl:"vlan_interface,optional"`
	FlatInterface   string `hcl:"flat_interface,optional"`

	MetadataHost string `hcl:"metadata_host,optional"`
	MetadataPort int    `hcl:"metadata_port,optional"`

	RoutingSourceIP string   `hcl:"routing_source_ip,optional"`
	ForceSNATRanges []string `hcl:"force_snat_range,optional"`
	DMZCIDRs        []string `hcl:"dmz_cidr,optional"`

	DHCPDomain           string   `hcl:"dhcp_domain,optional"`
	DHCPLeaseTime        int      `hcl:"dhcp_lease_time,optional"`
	DNSServers           []string `hcl:"dns_servers,optional"`
	UseNetworkDNSServers bool     `hcl:"use_network_dns_servers,optional"`

	ShareDHCPAddress        bool `hcl:"share_dhcp_address,optional"`
	UseSingleDefaultGateway bool `hcl:"use_single_default_gateway,optional"`

	SendARPForHA      bool `hcl:"send_arp_for_ha,optional"`
	SendARPForHACount int  `hcl:"send_arp_for_ha_count,optional"`

	UseIPv6 bool `hcl:"use_ipv6,optional"`

	// FakeNetwork substitutes a recording no-op command runner; nothing
	// touches the host.
	FakeNetwork bool `hcl:"fake_network,optional"`

	OVSIntegrationBridge string `hcl:"ovs_integration_bridge,optional"`
	OVSVsctlTimeout      int    `hcl:"ovs_vsctl_timeout,optional"`

	DnsmasqConfigFile string `hcl:"dnsmasq_config_file,optional"`
	// DHCPBridge is the helper dnsmasq invokes on lease events
	// (--dhcp-script).
	DHCPBridge string `hcl:"dhcp_bridge,optional"`
	// DHCPBridgeFlagFile is exported to the helper as CONFIG_FILE.
	DHCPBridgeFlagFile string `hcl:"dhcp_bridge_flagfile,optional"`

	// RootWrap is prepended to privileged commands when the agent does not
	// run as root.
	RootWrap string `hcl:"root_wrap,optional"`

	LogLevel string `hcl:"log_level,optional"`
	LogJSON  bool   `hcl:"log_json,optional"`

	MetricsListen string `hcl:"metrics_listen,optional"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		StateDir:             "/var/db/vnetd",
		LockDir:              "/var/run/vnetd",
		PFAnchor:             "org.vnetd/agent",
		InterfaceDriver:      "bridge",
		MetadataHost:         "169.254.169.254",
		MetadataPort:         8775,
		DHCPDomain:           "vnetlocal",
		DHCPLeaseTime:        86400,
		SendARPForHACount:    3,
		OVSIntegrationBridge: "br-int",
		OVSVsctlTimeout:      120,
		DHCPBridge:           "/usr/local/libexec/vnetd-dhcpbridge",
		DHCPBridgeFlagFile:   "/usr/local/etc/vnetd.hcl",
		RootWrap:             "sudo",
		LogLevel:             "info",
	}
}

// applyDefaults fills zero-valued fields after decoding.
func (c *Config) applyDefaults() {
	d := Default()
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	}
	if c.LockDir == "" {
		c.LockDir = d.LockDir
	}
	if c.PFAnchor == "" {
		c.PFAnchor = d.PFAnchor
	}
	if c.InterfaceDriver == "" {
		c.InterfaceDriver = d.InterfaceDriver
	}
	if c.MetadataHost == "" {
		c.MetadataHost = d.MetadataHost
	}
	if c.MetadataPort == 0 {
		c.MetadataPort = d.MetadataPort
	}
	if c.DHCPDomain == "" {
		c.DHCPDomain = d.DHCPDomain
	}
	if c.DHCPLeaseTime == 0 {
		c.DHCPLeaseTime = d.DHCPLeaseTime
	}
	if c.SendARPForHACount == 0 {
		c.SendARPForHACount = d.SendARPForHACount
	}
	if c.OVSIntegrationBridge == "" {
		c.OVSIntegrationBridge = d.OVSIntegrationBridge
	}
	if c.OVSVsctlTimeout == 0 {
		c.OVSVsctlTimeout = d.OVSVsctlTimeout
	}
	if c.DHCPBridge == "" {
		c.DHCPBridge = d.DHCPBridge
	}
	if c.DHCPBridgeFlagFile == "" {
		c.DHCPBridgeFlagFile = d.DHCPBridgeFlagFile
	}
	if c.RootWrap == "" {
		c.RootWrap = d.RootWrap
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Validate checks settings that have a constrained value set.
func (c *Config) Validate() error {
	switch c.InterfaceDriver {
	case "bridge", "ovs":
	default:
		return fmt.Errorf("interface_driver must be \"bridge\" or \"ovs\", got %q", c.InterfaceDriver)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	if c.MetadataPort < 0 || c.MetadataPort > 65535 {
		return fmt.Errorf("metadata_port out of range: %d", c.MetadataPort)
	}
	if c.DHCPLeaseTime < 0 {
		return fmt.Errorf("dhcp_lease_time must be positive: %d", c.DHCPLeaseTime)
	}
	return nil
}

package firewall

import "fmt"

// DHCPAdmissionRules returns the rules that let DHCP and DNS traffic reach
// the daemon listening on dev (ports 67 and 53, both udp and tcp).
func DHCPAdmissionRules(dev string) []string {
	var rules []string
	for _, port := range []int{67, 53} {
		for _, proto := range []string{"udp", "tcp"} {
			rules = append(rules, fmt.Sprintf(
				"pass in on %s inet proto %s from any to any port %d",
				dev, proto, port))
		}
	}
	return rules
}

// EnsureDHCPAdmission stores the admission rules for dev. The caller applies.
func (s *Store) EnsureDHCPAdmission(dev string) {
	for _, rule := range DHCPAdmissionRules(dev) {
		s.AddRule(rule)
	}
}

// RemoveDHCPAdmission drops the admission rules for dev. The caller applies.
func (s *Store) RemoveDHCPAdmission(dev string) {
	for _, rule := range DHCPAdmissionRules(dev) {
		s.RemoveRule(rule)
	}
}

// FloatingForwardRules returns the translation rules forwarding a floating
// address to its fixed address.
func FloatingForwardRules(floatingIP, fixedIP string) []string {
	return []string{
		fmt.Sprintf("rdr inet from any to %s -> %s", floatingIP, fixedIP),
	}
}

// EnsureFloatingRules stores the floating-IP forward rules.
func (s *Store) EnsureFloatingRules(floatingIP, fixedIP string) {
	for _, rule := range FloatingForwardRules(floatingIP, fixedIP) {
		s.AddRule(rule)
	}
}

// RemoveFloatingRules drops the floating-IP forward rules.
func (s *Store) RemoveFloatingRules(floatingIP, fixedIP string) {
	for _, rule := range FloatingForwardRules(floatingIP, fixedIP) {
		s.RemoveRule(rule)
	}
}

// SNATRules returns the outbound source-NAT rules for a tenant address
// range. destRanges limits which destinations are translated; an empty
// list means everywhere.
func SNATRules(ipRange, sourceIP, publicInterface string, destRanges []string) []string {
	if len(destRanges) == 0 {
		destRanges = []string{"0.0.0.0/0"}
	}
	var rules []string
	for _, dest := range destRanges {
		if publicInterface != "" {
			rules = append(rules, fmt.Sprintf("nat on %s inet from %s to %s -> %s",
				publicInterface, ipRange, dest, sourceIP))
		} else {
			rules = append(rules, fmt.Sprintf("nat inet from %s to %s -> %s",
				ipRange, dest, sourceIP))
		}
	}
	return rules
}

// MetadataForwardRules redirects instance metadata traffic to the metadata
// service.
func MetadataForwardRules(metadataHost string, metadataPort int) []string {
	return []string{
		fmt.Sprintf("rdr proto tcp from any to 169.254.169.254 port 80 -> %s port %d",
			metadataHost, metadataPort),
		"pass out route-to (lo0 127.0.0.1) proto tcp from any to 169.254.169.254 port 80",
	}
}

// MetadataAcceptRule admits inbound metadata requests.
func MetadataAcceptRule() string {
	return "pass in inet proto tcp from any to 169.254.169.254 port = http flags S/SA keep state"
}

// VPNForwardRules forwards a VPN endpoint's public port to the private
// address.
func VPNForwardRules(publicIP string, port int, privateIP string) []string {
	return []string{
		fmt.Sprintf("pass in proto udp from any to %s port 1194", privateIP),
		fmt.Sprintf("rdr proto udp from any to %s port %d -> %s port 1194",
			publicIP, port, privateIP),
	}
}

// gatewayRules returns per-bridge rules for a gateway device. Site
// forwarding policy lives in pf.conf; the anchor carries only what the
// agent owns.
func (s *Store) gatewayRules(bridge string) []string {
	return nil
}

// EnsureGatewayRules stores the forwarding rules for a gateway bridge.
func (s *Store) EnsureGatewayRules(bridge string) {
	rules := s.gatewayRules(bridge)
	if rules == nil {
		s.logger.Debug("gateway rules are site policy, configure in pf.conf", "bridge", bridge)
	}
	for _, rule := range rules {
		s.AddRule(rule)
	}
}

// RemoveGatewayRules drops the forwarding rules for a gateway bridge.
func (s *Store) RemoveGatewayRules(bridge string) {
	for _, rule := range s.gatewayRules(bridge) {
		s.RemoveRule(rule)
	}
}

// EnsureBridgeRules stores the non-forwarding rules for a plain bridge.
func (s *Store) EnsureBridgeRules(bridge string) {
	s.logger.Debug("bridge rules are site policy, configure in pf.conf", "bridge", bridge)
}

// RemoveBridgeRules drops the non-forwarding rules for a plain bridge.
func (s *Store) RemoveBridgeRules(bridge string) {
	s.logger.Debug("bridge rules are site policy, configure in pf.conf", "bridge", bridge)
}

// EnsureDHCPIsolation blocks the shared DHCP address across an interface in
// shared-address mode. pf cannot filter the ARP layer, so this stays a
// logged hook; L2 isolation is delegated to the switch fabric.
func (s *Store) EnsureDHCPIsolation(iface, address string) {
	s.logger.Warn("dhcp isolation not enforced by pf, relying on fabric isolation",
		"interface", iface, "address", address)
}

// RemoveDHCPIsolation reverses EnsureDHCPIsolation.
func (s *Store) RemoveDHCPIsolation(iface, address string) {
	s.logger.Debug("dhcp isolation teardown is a no-op", "interface", iface, "address", address)
}

// EnsureInNetworkRules admits traffic between a fixed address and its own
// network when floating traffic enters on a different device.
func (s *Store) EnsureInNetworkRules(fixedIP, cidr string) {
	s.AddRule(fmt.Sprintf("pass quick inet from %s to %s", fixedIP, cidr))
}

// RemoveInNetworkRules reverses EnsureInNetworkRules.
func (s *Store) RemoveInNetworkRules(fixedIP, cidr string) {
	s.RemoveRule(fmt.Sprintf("pass quick inet from %s to %s", fixedIP, cidr))
}

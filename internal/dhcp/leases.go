// Package dhcp keeps the per-device DHCP and router-advertisement daemons
// alive and in sync with current lease data. Config generation is pure;
// process supervision goes through the execute.Runner.
package dhcp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"grimm.is/vnetd/internal/clock"
	"grimm.is/vnetd/internal/network"
)

// maxHostnameLen is the longest hostname dnsmasq accepts in a dhcp-host
// entry; the domain dot counts against the 64-character field.
const maxHostnameLen = 63

// TruncateHostname shortens a hostname to the dnsmasq limit, keeping the
// first 2 and last 60 characters so the prefix stays recognizable and the
// uniqueness-bearing suffix survives.
func TruncateHostname(hostname string) string {
	if len(hostname) <= maxHostnameLen {
		return hostname
	}
	return hostname[:2] + "-" + hostname[len(hostname)-60:]
}

// LeaseLine renders one leasefile entry: expiry epoch, MAC, address,
// hostname (or "*" when unknown).
func LeaseLine(clk clock.Clock, leaseTime int, fip network.FixedIP) string {
	expiry := clk.Now().Unix() + int64(leaseTime)
	hostname := fip.Hostname
	if hostname == "" {
		hostname = "*"
	}
	return fmt.Sprintf("%d %s %s %s *", expiry, fip.MAC, fip.Address, hostname)
}

// BuildLeases renders the leasefile for every currently leased address.
func BuildLeases(clk clock.Clock, leaseTime int, fips []network.FixedIP) string {
	var lines []string
	for _, fip := range fips {
		if fip.Leased {
			lines = append(lines, LeaseLine(clk, leaseTime, fip))
		}
	}
	return strings.Join(lines, "\n")
}

// vifNetworkTag scopes dhcp options to one vif's addresses.
func vifNetworkTag(vifID string) string {
	return "NW-" + vifID
}

// HostLine renders one dhcp-host entry:
// mac,hostname.domain,ip[,net:tag].
func HostLine(fip network.FixedIP, domain string, useSingleDefaultGateway bool) string {
	hostname := TruncateHostname(fip.Hostname)
	if useSingleDefaultGateway {
		return fmt.Sprintf("%s,%s.%s,%s,net:%s",
			fip.MAC, hostname, domain, fip.Address, vifNetworkTag(fip.VIFID))
	}
	return fmt.Sprintf("%s,%s.%s,%s", fip.MAC, hostname, domain, fip.Address)
}

// BuildHosts renders the dhcp-hostsfile for every allocated address. Only
// the first address per MAC is emitted; dnsmasq rejects duplicate MACs.
func BuildHosts(fips []network.FixedIP, domain string, useSingleDefaultGateway bool) string {
	var lines []string
	macs := make(map[string]bool)
	for _, fip := range fips {
		if !fip.Allocated || macs[fip.MAC] {
			continue
		}
		lines = append(lines, HostLine(fip, domain, useSingleDefaultGateway))
		macs[fip.MAC] = true
	}
	return strings.Join(lines, "\n")
}

// DNSHostLine renders one hosts(5)-style entry: ip<TAB>hostname.domain.
func DNSHostLine(fip network.FixedIP, domain string) string {
	return fmt.Sprintf("%s\t%s.%s", fip.Address, fip.Hostname, domain)
}

// BuildDNSHosts renders the additional-hosts file for every allocated
// address.
func BuildDNSHosts(fips []network.FixedIP, domain string) string {
	var lines []string
	for _, fip := range fips {
		if fip.Allocated {
			lines = append(lines, DNSHostLine(fip, domain))
		}
	}
	return strings.Join(lines, "\n")
}

// OptsLine encodes the gateway option (router, code 3), optionally scoped
// to a vif tag. An empty gateway emits the bare option, which tells
// dnsmasq to send no default route.
func OptsLine(vifID, gateway string) string {
	var values []string
	if vifID != "" {
		values = append(values, vifNetworkTag(vifID))
	}
	values = append(values, strconv.Itoa(int(dhcpv4.OptionRouter)))
	if gateway != "" {
		values = append(values, gateway)
	}
	return strings.Join(values, ",")
}

// BuildOpts renders the dhcp-optsfile. In multi-host mode without address
// sharing each host hands out its own DHCP server address as the gateway;
// with per-port default routes enabled, only vifs flagged default_route
// get a gateway and all others get an empty option.
func BuildOpts(net *network.Network, fips []network.FixedIP, useSingleDefaultGateway, shareDHCPAddress bool) string {
	gateway := net.Gateway
	if net.MultiHost && !(net.ShareAddress || shareDHCPAddress) {
		gateway = net.DHCPServer
	}

	if !useSingleDefaultGateway {
		return OptsLine("", gateway)
	}

	var lines []string
	for _, fip := range fips {
		if !fip.Allocated {
			continue
		}
		if fip.DefaultRoute {
			lines = append(lines, OptsLine(fip.VIFID, gateway))
		} else {
			lines = append(lines, OptsLine(fip.VIFID, ""))
		}
	}
	return strings.Join(lines, "\n")
}

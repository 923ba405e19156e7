package device

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"grimm.is/vnetd/internal/execute"
)

// route is a snapshot of a gateway route scheduled for migration.
type route struct {
	Dest    string
	Gateway string
}

// inetLines extracts the field lists of "inet ..." lines from ifconfig
// output: ["inet", addr, "netmask", hexmask, ...].
func inetLines(out string) [][]string {
	var params [][]string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 4 && fields[0] == "inet" {
			params = append(params, fields)
		}
	}
	return params
}

// macFromIfconfig extracts the link-layer address from ifconfig output.
func macFromIfconfig(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "ether" {
			return fields[1]
		}
	}
	return ""
}

// gatewayRoutes returns the routes on dev whose flags mark them as gateway
// routes. The routing table lists flags in column three; the single "G"
// character is the documented marker. This is a narrow heuristic and may
// miss exotic entries, but it matches what the tools emit.
func (o *Orchestrator) gatewayRoutes(dev string) ([]route, error) {
	out, _, err := o.runner.Run(execute.Opts{}, "netstat", "-nrW", "-f", "inet")
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	var routes []route
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 6 && fields[6] == dev && strings.Contains(fields[2], "G") {
			routes = append(routes, route{Dest: fields[0], Gateway: fields[1]})
		}
	}
	return routes, nil
}

// addrToCIDR converts an address and a hex netmask (as printed by
// ifconfig, e.g. "0xffffff00") to CIDR notation. Unparseable input yields
// an empty string, which never compares equal to a real CIDR.
func addrToCIDR(addr, hexmask string) string {
	mask := strings.TrimPrefix(hexmask, "0x")
	v, err := strconv.ParseUint(mask, 16, 32)
	if err != nil {
		return ""
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	ones, bits := net.IPv4Mask(b[0], b[1], b[2], b[3]).Size()
	if bits == 0 {
		return ""
	}
	return fmt.Sprintf("%s/%d", addr, ones)
}

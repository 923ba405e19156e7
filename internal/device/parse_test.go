package device

import (
	"testing"

	"grimm.is/vnetd/internal/execute"
	"grimm.is/vnetd/internal/firewall"
	"grimm.is/vnetd/internal/hostlock"
)

const em0Output = `em0: flags=8863<UP,BROADCAST,SMART,RUNNING,SIMPLEX,MULTICAST> metric 0 mtu 1500
	options=481249b<RXCSUM,TXCSUM,VLAN_MTU>
	ether 00:11:22:33:44:55
	inet 192.168.1.10 netmask 0xffffff00 broadcast 192.168.1.255
	inet 192.168.1.11 netmask 0xffffff00 broadcast 192.168.1.255
	media: Ethernet autoselect (1000baseT <full-duplex>)
	status: active
`

const netstatOutput = `Routing tables

Internet:
Destination        Gateway            Flags   Nhop#    Mtu      Netif Expire
default            192.168.1.1        UGS         1   1500        em0
127.0.0.1          link#2             UH          2  16384        lo0
192.168.1.0/24     link#1             U           3   1500        em0
10.99.0.0/16       192.168.1.254      UGS         4   1500        em1
`

func TestInetLines(t *testing.T) {
	params := inetLines(em0Output)
	if len(params) != 2 {
		t.Fatalf("got %d inet lines, want 2", len(params))
	}
	if params[0][1] != "192.168.1.10" || params[0][3] != "0xffffff00" {
		t.Errorf("first inet line = %v", params[0])
	}
	if params[1][1] != "192.168.1.11" {
		t.Errorf("second inet line = %v", params[1])
	}
}

func TestMacFromIfconfig(t *testing.T) {
	if mac := macFromIfconfig(em0Output); mac != "00:11:22:33:44:55" {
		t.Errorf("mac = %q", mac)
	}
	if mac := macFromIfconfig("lo0: flags=8049 metric 0 mtu 16384\n"); mac != "" {
		t.Errorf("expected empty mac, got %q", mac)
	}
}

func TestGatewayRoutes(t *testing.T) {
	f := execute.NewFakeRunner()
	f.Responses["netstat -nrW -f inet"] = execute.Response{Stdout: netstatOutput}
	o := NewOrchestrator(f, hostlock.NewManager(""), firewall.NewStore(f, hostlock.NewManager(""), "test", nil), nil)

	routes, err := o.gatewayRoutes("em0")
	if err != nil {
		t.Fatalf("gatewayRoutes: %v", err)
	}
	// Only the flagged gateway route on em0: the interface route has no G
	// flag and the em1 route is on another device.
	if len(routes) != 1 {
		t.Fatalf("got %d routes, want 1: %v", len(routes), routes)
	}
	if routes[0].Dest != "default" || routes[0].Gateway != "192.168.1.1" {
		t.Errorf("route = %+v", routes[0])
	}
}

func TestAddrToCIDR(t *testing.T) {
	tests := []struct {
		addr, mask, want string
	}{
		{"192.168.1.10", "0xffffff00", "192.168.1.10/24"},
		{"10.0.0.1", "0xffff0000", "10.0.0.1/16"},
		{"10.0.0.1", "0xffffffff", "10.0.0.1/32"},
		{"10.0.0.1", "bogus", ""},
	}
	for _, tt := range tests {
		if got := addrToCIDR(tt.addr, tt.mask); got != tt.want {
			t.Errorf("addrToCIDR(%q, %q) = %q, want %q", tt.addr, tt.mask, got, tt.want)
		}
	}
}

package network

import "testing"

func testNetwork() *Network {
	return &Network{
		ID:         "42",
		UUID:       "6839a047-a5e8-42eb-9ed9-178abb7d1dc4",
		Label:      "tenant-blue",
		Bridge:     "br100",
		CIDR:       "10.0.0.0/24",
		DHCPServer: "10.0.0.1",
		Gateway:    "10.0.0.1",
	}
}

func TestPrefixLen(t *testing.T) {
	n := testNetwork()
	prefix, err := n.PrefixLen()
	if err != nil {
		t.Fatalf("PrefixLen: %v", err)
	}
	if prefix != 24 {
		t.Errorf("prefix = %d, want 24", prefix)
	}
}

func TestPrefixLen_BadCIDR(t *testing.T) {
	n := testNetwork()
	n.CIDR = "not-a-cidr"
	if _, err := n.PrefixLen(); err == nil {
		t.Error("expected error for bad cidr")
	}
}

func TestSize(t *testing.T) {
	n := testNetwork()
	size, err := n.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 256 {
		t.Errorf("size = %d, want 256", size)
	}
}

func TestDHCPServerCIDR(t *testing.T) {
	n := testNetwork()
	got, err := n.DHCPServerCIDR()
	if err != nil {
		t.Fatalf("DHCPServerCIDR: %v", err)
	}
	if got != "10.0.0.1/24" {
		t.Errorf("got %q, want 10.0.0.1/24", got)
	}
}

func TestHasV6(t *testing.T) {
	n := testNetwork()
	if n.HasV6() {
		t.Error("HasV6 should be false without cidr_v6")
	}
	n.CIDRv6 = "fd00::/64"
	if !n.HasV6() {
		t.Error("HasV6 should be true with cidr_v6")
	}
}

package agent

import (
	"strings"
	"testing"

	"grimm.is/vnetd/internal/config"
	"grimm.is/vnetd/internal/execute"
	"grimm.is/vnetd/internal/network"
)

func newTestAgent(t *testing.T) (*Agent, *execute.FakeRunner) {
	t.Helper()
	cfg := config.Default()
	cfg.FakeNetwork = true
	cfg.LockDir = ""
	cfg.StateDir = t.TempDir()
	cfg.PublicInterface = "em0"
	cfg.RoutingSourceIP = "192.0.2.1"
	cfg.DMZCIDRs = []string{"10.128.0.0/24"}

	a, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a, a.runner.(*execute.FakeRunner)
}

func testNetwork() *network.Network {
	return &network.Network{
		ID:         "net-1",
		UUID:       "a1b2c3d4-e5f6-7890-abcd-ef0123456789",
		Label:      "tenant0",
		Bridge:     "br100",
		CIDR:       "10.0.0.0/24",
		Netmask:    "255.255.255.0",
		Broadcast:  "10.0.0.255",
		DHCPServer: "10.0.0.1",
		DHCPStart:  "10.0.0.2",
		Gateway:    "10.0.0.1",
	}
}

func TestInitHostCommitsOnce(t *testing.T) {
	a, runner := newTestAgent(t)
	runner.Responses["sysctl -n net.inet.ip.forwarding"] = execute.Response{Stdout: "1\n"}

	if err := a.InitHost("10.0.0.0/16", false); err != nil {
		t.Fatal(err)
	}

	if n := runner.CallCount("pfctl"); n != 1 {
		t.Fatalf("expected one ruleset commit, got %d: %v", n, runner.Commands())
	}

	rules := strings.Join(a.rules.Rules(), "\n")
	for _, want := range []string{
		"rdr proto tcp from any to 169.254.169.254 port 80 -> 169.254.169.254 port 8775",
		"pass in inet proto tcp from any to 169.254.169.254 port = http flags S/SA keep state",
		"nat on em0 inet from 10.0.0.0/16 to 0.0.0.0/0 -> 192.0.2.1",
		"pass quick inet from 10.0.0.0/16 to 169.254.169.254/32",
		"pass quick inet from 10.0.0.0/16 to 10.128.0.0/24",
	} {
		if !strings.Contains(rules, want) {
			t.Errorf("rules missing %q:\n%s", want, rules)
		}
	}

	if n := runner.CallCount("ifconfig lo0 alias 169.254.169.254/32"); n != 1 {
		t.Errorf("metadata alias not placed: %v", runner.Commands())
	}
	// Forwarding already on, no write.
	if n := runner.CallCount("sysctl net.inet.ip.forwarding=1"); n != 0 {
		t.Errorf("forwarding sysctl written while already on: %v", runner.Commands())
	}
}

func TestInitHostExternalRangeWithoutForcedRanges(t *testing.T) {
	a, runner := newTestAgent(t)
	runner.Responses["sysctl -n net.inet.ip.forwarding"] = execute.Response{Stdout: "1\n"}

	if err := a.InitHost("203.0.113.0/24", true); err != nil {
		t.Fatal(err)
	}

	for _, rule := range a.rules.Rules() {
		if strings.HasPrefix(rule, "nat") {
			t.Errorf("external range without forced ranges should not be translated: %q", rule)
		}
	}
	// Metadata and dmz admission hold for every range.
	rules := strings.Join(a.rules.Rules(), "\n")
	for _, want := range []string{
		"pass quick inet from 203.0.113.0/24 to 169.254.169.254/32",
		"pass quick inet from 203.0.113.0/24 to 10.128.0.0/24",
	} {
		if !strings.Contains(rules, want) {
			t.Errorf("rules missing %q:\n%s", want, rules)
		}
	}
}

func TestInitHostExternalRangeTranslatesForcedRangesOnly(t *testing.T) {
	a, runner := newTestAgent(t)
	a.cfg.ForceSNATRanges = []string{"198.51.100.0/24"}
	runner.Responses["sysctl -n net.inet.ip.forwarding"] = execute.Response{Stdout: "1\n"}

	if err := a.InitHost("203.0.113.0/24", true); err != nil {
		t.Fatal(err)
	}

	rules := strings.Join(a.rules.Rules(), "\n")
	for _, want := range []string{
		"nat inet from 203.0.113.0/24 to 198.51.100.0/24 -> 192.0.2.1",
		"pass quick inet from 203.0.113.0/24 to 198.51.100.0/24",
	} {
		if !strings.Contains(rules, want) {
			t.Errorf("rules missing %q:\n%s", want, rules)
		}
	}
	if strings.Contains(rules, "0.0.0.0/0") {
		t.Errorf("external range got the default translation:\n%s", rules)
	}
}

func TestEnsureFloatingForward(t *testing.T) {
	a, runner := newTestAgent(t)
	net := testNetwork()

	if err := a.EnsureFloatingForward("203.0.113.5", "10.0.0.7", "br100", net); err != nil {
		t.Fatal(err)
	}
	rules := strings.Join(a.rules.Rules(), "\n")
	if !strings.Contains(rules, "rdr inet from any to 203.0.113.5 -> 10.0.0.7") {
		t.Errorf("forward rule missing:\n%s", rules)
	}
	if strings.Contains(rules, "pass quick inet from 10.0.0.7") {
		t.Errorf("in-network rule added for the network's own bridge:\n%s", rules)
	}
	if n := runner.CallCount("pfctl"); n != 1 {
		t.Errorf("expected one commit, got %d", n)
	}
}

func TestEnsureFloatingForwardOffBridgeAddsInNetworkRule(t *testing.T) {
	a, _ := newTestAgent(t)
	net := testNetwork()

	if err := a.EnsureFloatingForward("203.0.113.5", "10.0.0.7", "em0", net); err != nil {
		t.Fatal(err)
	}
	rules := strings.Join(a.rules.Rules(), "\n")
	if !strings.Contains(rules, "pass quick inet from 10.0.0.7 to 10.0.0.0/24") {
		t.Errorf("in-network rule missing:\n%s", rules)
	}

	if err := a.RemoveFloatingForward("203.0.113.5", "10.0.0.7", "em0", net); err != nil {
		t.Fatal(err)
	}
	for _, rule := range a.rules.Rules() {
		if strings.Contains(rule, "203.0.113.5") || strings.Contains(rule, "10.0.0.7") {
			t.Errorf("rule not withdrawn: %q", rule)
		}
	}
}

func TestBindFloatingIPAnnounces(t *testing.T) {
	a, runner := newTestAgent(t)
	a.orch.SendARPForHA = true

	if err := a.BindFloatingIP("203.0.113.5"); err != nil {
		t.Fatal(err)
	}

	if n := runner.CallCount("ifconfig em0 203.0.113.5/32 add"); n != 1 {
		t.Errorf("bind missing: %v", runner.Commands())
	}
	if n := runner.CallCount("arping"); n == 0 {
		t.Errorf("gratuitous arp missing: %v", runner.Commands())
	}
}

func TestSetupGatewayBatchesRuleCommits(t *testing.T) {
	a, runner := newTestAgent(t)
	net := testNetwork()
	// The bridge probe succeeds by default so the driver treats it as
	// already present; the gateway init then adds the dhcp address.
	runner.Responses["sysctl -n net.inet.ip.forwarding"] = execute.Response{Stdout: "1\n"}

	if err := a.SetupGateway(net, "02:16:3e:00:00:01", nil); err != nil {
		t.Fatal(err)
	}

	if n := runner.CallCount("ifconfig br100 inet 10.0.0.1/24"); n != 1 {
		t.Errorf("dhcp server address not placed first: %v", runner.Commands())
	}
	if n := runner.CallCount("env CONFIG_FILE="); n != 1 {
		t.Errorf("dnsmasq not started: %v", runner.Commands())
	}
	// Device work plus admission rules: at most two commits total.
	if n := runner.CallCount("pfctl"); n > 2 {
		t.Errorf("expected batched commits, got %d: %v", n, runner.Commands())
	}
}

func TestGetDevDoesNotTouchHost(t *testing.T) {
	a, runner := newTestAgent(t)
	if dev := a.GetDev(testNetwork()); dev != "br100" {
		t.Errorf("dev = %q, want br100", dev)
	}
	if len(runner.Commands()) != 0 {
		t.Errorf("GetDev ran commands: %v", runner.Commands())
	}
}

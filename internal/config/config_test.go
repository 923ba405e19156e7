package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadBytes_Defaults(t *testing.T) {
	cfg, err := LoadBytes("test.hcl", []byte(``))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.InterfaceDriver != "bridge" {
		t.Errorf("InterfaceDriver = %q, want bridge", cfg.InterfaceDriver)
	}
	if cfg.DHCPLeaseTime != 86400 {
		t.Errorf("DHCPLeaseTime = %d, want 86400", cfg.DHCPLeaseTime)
	}
	if cfg.PFAnchor != "org.vnetd/agent" {
		t.Errorf("PFAnchor = %q", cfg.PFAnchor)
	}
}

func TestLoadBytes_Overrides(t *testing.T) {
	src := `
state_dir        = "/tmp/vnetd-test"
interface_driver = "ovs"
dhcp_domain      = "cloud.internal"
dns_servers      = ["8.8.8.8", "8.8.4.4"]
share_dhcp_address = true
`
	cfg, err := LoadBytes("test.hcl", []byte(src))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.StateDir != "/tmp/vnetd-test" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.InterfaceDriver != "ovs" {
		t.Errorf("InterfaceDriver = %q, want ovs", cfg.InterfaceDriver)
	}
	if len(cfg.DNSServers) != 2 || cfg.DNSServers[0] != "8.8.8.8" {
		t.Errorf("DNSServers = %v", cfg.DNSServers)
	}
	if !cfg.ShareDHCPAddress {
		t.Error("ShareDHCPAddress should be true")
	}
	// Unset fields still get defaults.
	if cfg.MetadataPort != 8775 {
		t.Errorf("MetadataPort = %d, want 8775", cfg.MetadataPort)
	}
}

func TestLoadBytes_BadDriver(t *testing.T) {
	if _, err := LoadBytes("test.hcl", []byte(`interface_driver = "netmap"`)); err == nil {
		t.Error("expected validation error for unknown driver")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.hcl"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != Default().StateDir {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vnetd.hcl")
	if err := os.WriteFile(path, []byte(`log_level = "debug"`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

package cmd

import (
	"fmt"

	"grimm.is/vnetd/internal/config"
)

// RunApply brings one network's gateway up from a network definition file:
// device plugged, addresses ordered, daemons running, rules committed.
func RunApply(configFile, networkFile, mac string, teardown bool) error {
	a, cfg, err := buildAgent(configFile)
	if err != nil {
		return err
	}

	net, fips, err := config.LoadNetwork(networkFile)
	if err != nil {
		return err
	}

	if teardown {
		if err := a.TeardownGateway(net); err != nil {
			return fmt.Errorf("tearing down %s: %w", net.Label, err)
		}
		return nil
	}

	if err := a.SetupGateway(net, mac, fips); err != nil {
		return fmt.Errorf("setting up %s: %w", net.Label, err)
	}
	if cfg.FakeNetwork {
		fmt.Println("fake network mode: no commands were executed")
	}
	return nil
}

package cmd

import (
	"fmt"

	"grimm.is/vnetd/internal/config"
)

// RunCheck loads and validates the config file, and the network definition
// when one is given, without touching the host.
func RunCheck(configFile, networkFile string, verbose bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if verbose {
		fmt.Printf("config %s: ok\n", configFile)
		fmt.Printf("  driver:    %s\n", cfg.InterfaceDriver)
		fmt.Printf("  anchor:    %s\n", cfg.PFAnchor)
		fmt.Printf("  state dir: %s\n", cfg.StateDir)
	}

	if networkFile != "" {
		net, fips, err := config.LoadNetwork(networkFile)
		if err != nil {
			return err
		}
		if _, err := net.PrefixLen(); err != nil {
			return err
		}
		if _, err := net.Size(); err != nil {
			return err
		}
		if verbose {
			fmt.Printf("network %s: ok (%s on %s, %d fixed addresses)\n",
				net.Label, net.CIDR, net.Bridge, len(fips))
		}
	}

	fmt.Println("ok")
	return nil
}

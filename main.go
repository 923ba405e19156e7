package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/vnetd/cmd"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", cmd.DefaultConfigFile, "Configuration file")
		startFlags.StringVar(configFile, "c", cmd.DefaultConfigFile, "Configuration file (short)")

		ipRange := startFlags.String("range", "", "Tenant fixed range to route (enables host init)")
		external := startFlags.Bool("external", false, "The range is externally routed, skip source NAT")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile, *ipRange, *external); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "apply":
		applyFlags := flag.NewFlagSet("apply", flag.ExitOnError)
		configFile := applyFlags.String("config", cmd.DefaultConfigFile, "Configuration file")
		applyFlags.StringVar(configFile, "c", cmd.DefaultConfigFile, "Configuration file (short)")

		mac := applyFlags.String("mac", "", "MAC address for the gateway device")
		teardown := applyFlags.Bool("teardown", false, "Tear the gateway down instead of setting it up")
		applyFlags.Parse(os.Args[2:])

		if len(applyFlags.Args()) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: vnetd apply [flags] <network-file>")
			os.Exit(1)
		}

		if err := cmd.RunApply(*configFile, applyFlags.Arg(0), *mac, *teardown); err != nil {
			fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
			os.Exit(1)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		configFile := statusFlags.String("config", cmd.DefaultConfigFile, "Configuration file")
		statusFlags.StringVar(configFile, "c", cmd.DefaultConfigFile, "Configuration file (short)")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := checkFlags.String("config", cmd.DefaultConfigFile, "Configuration file")
		checkFlags.StringVar(configFile, "c", cmd.DefaultConfigFile, "Configuration file (short)")

		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		var networkFile string
		if len(checkFlags.Args()) > 0 {
			networkFile = checkFlags.Arg(0)
		}

		if err := cmd.RunCheck(*configFile, networkFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Println("vnetd " + version)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

var version = "dev"

func printUsage() {
	fmt.Println(`vnetd - tenant network host agent

Usage:
  vnetd start [-c config] [-range CIDR] [-external]   Run the agent
  vnetd apply [-c config] [-mac MAC] <network-file>   Set up a network gateway
  vnetd apply -teardown <network-file>                Tear a gateway down
  vnetd status [-c config]                            Show anchor rules and daemons
  vnetd check [-c config] [-v] [network-file]         Validate configuration
  vnetd version                                       Print version`)
}

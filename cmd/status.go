package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"grimm.is/vnetd/internal/config"
	"grimm.is/vnetd/internal/execute"
	"grimm.is/vnetd/internal/logging"
)

// RunStatus prints the agent's pf anchor contents and the daemons it is
// supervising, read straight from the host.
func RunStatus(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	runner := execute.NewRunner(logging.Default())
	runner.RootWrap = cfg.RootWrap

	fmt.Printf("anchor: %s\n", cfg.PFAnchor)
	for _, section := range []struct{ modifier, label string }{
		{"nat", "translation"},
		{"rules", "filtering"},
	} {
		out, _, err := runner.Run(execute.Opts{RunAsRoot: true},
			"pfctl", "-a", cfg.PFAnchor, "-s", section.modifier)
		if err != nil {
			fmt.Printf("  %s: unavailable (%v)\n", section.label, err)
			continue
		}
		out = strings.TrimSpace(out)
		if out == "" {
			fmt.Printf("  %s: (none)\n", section.label)
			continue
		}
		fmt.Printf("  %s:\n", section.label)
		for _, line := range strings.Split(out, "\n") {
			fmt.Printf("    %s\n", line)
		}
	}

	fmt.Printf("\ndaemons in %s:\n", cfg.StateDir)
	pids, err := filepath.Glob(filepath.Join(cfg.StateDir, "vnetd-*.pid"))
	if err != nil || len(pids) == 0 {
		fmt.Println("  (none)")
		return nil
	}
	for _, pidFile := range pids {
		data, err := os.ReadFile(pidFile)
		pid := "?"
		if err == nil {
			pid = strings.TrimSpace(string(data))
		}
		name := filepath.Base(pidFile)
		role := "dnsmasq"
		if strings.HasPrefix(name, "vnetd-ra-") {
			role = "radvd"
		}
		fmt.Printf("  %-40s %-8s pid %s\n", name, role, pid)
	}
	return nil
}

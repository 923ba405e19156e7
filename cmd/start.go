// Package cmd holds the Run* entry points behind the vnetd subcommands.
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/vnetd/internal/agent"
	"grimm.is/vnetd/internal/config"
	"grimm.is/vnetd/internal/logging"
	"grimm.is/vnetd/internal/metrics"
)

// DefaultConfigFile is where the agent looks for its config when no -config
// flag is given.
const DefaultConfigFile = "/usr/local/etc/vnetd.hcl"

func buildAgent(configFile string) (*agent.Agent, *config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Config{
		Level: logging.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	logging.SetDefault(logger)

	a, err := agent.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

// RunStart initializes the host and keeps the agent resident, serving
// metrics until interrupted. ipRange is the tenant fixed range this host
// routes; isExternal skips source NAT for it.
func RunStart(configFile, ipRange string, isExternal bool) error {
	a, cfg, err := buildAgent(configFile)
	if err != nil {
		return err
	}

	if ipRange != "" {
		if err := a.InitHost(ipRange, isExternal); err != nil {
			return fmt.Errorf("initializing host: %w", err)
		}
	}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Get().Handler())
		srv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Default().Error("metrics server", "error", err)
			}
		}()
		logging.Default().Info("serving metrics", "listen", cfg.MetricsListen)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logging.Default().Info("shutting down", "signal", s.String())
	return nil
}

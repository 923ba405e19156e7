// Package metrics exposes the agent's Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all agent metrics.
type Registry struct {
	reg *prometheus.Registry

	// Firewall metrics
	RulesetCommits      prometheus.Counter
	RulesetCommitErrors prometheus.Counter
	RulesRejected       prometheus.Counter

	// Device metrics
	DevicesCreated *prometheus.CounterVec
	DevicesDeleted *prometheus.CounterVec
	AddressesMoved prometheus.Counter
	DeviceErrors   *prometheus.CounterVec

	// Daemon supervision metrics
	DaemonSpawns    *prometheus.CounterVec
	DaemonReloads   *prometheus.CounterVec
	DaemonStalePids *prometheus.CounterVec
	DaemonKills     *prometheus.CounterVec
}

// Get returns the process-wide metrics registry, creating it on first use.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		RulesetCommits: factory.NewCounter(prometheus.CounterOpts{
			Name: "vnetd_firewall_commits_total",
			Help: "Number of pf ruleset commits.",
		}),
		RulesetCommitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "vnetd_firewall_commit_errors_total",
			Help: "Number of failed pf ruleset commits.",
		}),
		RulesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "vnetd_firewall_rules_rejected_total",
			Help: "Rules dropped because their leading token was not recognized.",
		}),

		DevicesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vnetd_devices_created_total",
			Help: "Network devices created, by kind.",
		}, []string{"kind"}),
		DevicesDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vnetd_devices_deleted_total",
			Help: "Network devices deleted, by kind.",
		}, []string{"kind"}),
		AddressesMoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "vnetd_addresses_migrated_total",
			Help: "Addresses migrated from a physical interface onto a bridge.",
		}),
		DeviceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vnetd_device_errors_total",
			Help: "Fatal device configuration errors, by kind.",
		}, []string{"kind"}),

		DaemonSpawns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vnetd_daemon_spawns_total",
			Help: "Daemon processes spawned, by role.",
		}, []string{"role"}),
		DaemonReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vnetd_daemon_reloads_total",
			Help: "Daemon reload signals sent, by role.",
		}, []string{"role"}),
		DaemonStalePids: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vnetd_daemon_stale_pids_total",
			Help: "Stale pid files detected, by role.",
		}, []string{"role"}),
		DaemonKills: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vnetd_daemon_kills_total",
			Help: "Daemon processes terminated, by role.",
		}, []string{"role"}),
	}
}

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

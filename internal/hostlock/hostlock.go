// Package hostlock serializes mutations of shared host resources. Locks are
// keyed by resource class name ("bridge", "vlan", "firewall", ...) and are
// held both in-process (mutex) and across processes (flock), since several
// agent instances may run on one host.
package hostlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Well-known lock names.
const (
	LockBridge   = "bridge"
	LockVLAN     = "vlan"
	LockFirewall = "firewall"
	LockGateway  = "gateway"
	LockDnsmasq  = "dnsmasq_start"
	LockRadvd    = "radvd_start"
)

// Manager hands out named locks. The zero value is not usable; create one
// with NewManager.
type Manager struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a lock manager. dir is where flock files live; an
// empty dir disables cross-process locking (useful in tests).
func NewManager(dir string) *Manager {
	return &Manager{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) mutexFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// lockFilePath maps a lock name to its flock file. Characters that are
// awkward in filenames (":" in per-device names like "dhcp:br100") are
// flattened.
func (m *Manager) lockFilePath(name string) string {
	clean := strings.NewReplacer(":", "-", "/", "-").Replace(name)
	return filepath.Join(m.dir, fmt.Sprintf("vnetd-%s.lock", clean))
}

// WithLock runs fn while holding the named lock, blocking until it is
// acquired. The in-process mutex is taken first so only one goroutine per
// process ever contends on the flock.
func (m *Manager) WithLock(name string, fn func() error) error {
	l := m.mutexFor(name)
	l.Lock()
	defer l.Unlock()

	if m.dir != "" {
		fd, err := m.flockAcquire(name)
		if err != nil {
			return err
		}
		defer m.flockRelease(fd)
	}

	return fn()
}

func (m *Manager) flockAcquire(name string) (int, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return -1, fmt.Errorf("creating lock dir %s: %w", m.dir, err)
	}
	path := m.lockFilePath(name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return -1, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("locking %s: %w", path, err)
	}
	return fd, nil
}

func (m *Manager) flockRelease(fd int) {
	// Closing the descriptor also drops the flock.
	unix.Flock(fd, unix.LOCK_UN)
	unix.Close(fd)
}

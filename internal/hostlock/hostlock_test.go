package hostlock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestWithLock_SerializesSameName(t *testing.T) {
	m := NewManager("")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.WithLock(LockBridge, func() error {
				mu.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				mu.Unlock()

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen > 1 {
		t.Errorf("lock admitted %d concurrent holders", maxSeen)
	}
}

func TestWithLock_IndependentNamesDoNotBlock(t *testing.T) {
	m := NewManager("")

	inVlan := make(chan struct{})
	release := make(chan struct{})
	go m.WithLock(LockVLAN, func() error {
		close(inVlan)
		<-release
		return nil
	})
	<-inVlan

	// A different resource class must not wait on the vlan lock.
	done := make(chan struct{})
	go m.WithLock(LockBridge, func() error {
		close(done)
		return nil
	})
	<-done
	close(release)
}

func TestWithLock_PropagatesError(t *testing.T) {
	m := NewManager("")
	want := errors.New("boom")

	if err := m.WithLock(LockFirewall, func() error { return want }); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestWithLock_CreatesFlockFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	if err := m.WithLock("dhcp:br100", func() error { return nil }); err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}

	// ":" must be flattened in the file name.
	if _, err := os.Stat(filepath.Join(dir, "vnetd-dhcp-br100.lock")); err != nil {
		t.Errorf("expected lock file: %v", err)
	}
}

func TestWithLock_Reacquirable(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	for i := 0; i < 3; i++ {
		if err := m.WithLock(LockDnsmasq, func() error { return nil }); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
}

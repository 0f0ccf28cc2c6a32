package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestHostScannerBrowseReturnsHosts(t *testing.T) {
	scanner, err := NewHostScanner(Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("host-b", "Zed", 8443, "10.0.0.9")
			entries <- testServiceEntry("host-a", "Alpha", 9443, "10.0.0.2")
			entries <- &zeroconf.ServiceEntry{Port: 1}
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewHostScanner failed: %v", err)
	}

	hosts, err := scanner.Browse(context.Background())
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %+v", hosts)
	}
	if hosts[0].Name != "Alpha" || hosts[0].Port != 9443 || hosts[0].Address() != "10.0.0.2" {
		t.Fatalf("unexpected first host %+v", hosts[0])
	}
	if hosts[1].HostID != "host-b" || hosts[1].Version != "1" {
		t.Fatalf("unexpected second host %+v", hosts[1])
	}
}

func TestHostScannerBackgroundPollingAndRemovalEvent(t *testing.T) {
	var browseCalls int32
	scanner, err := NewHostScanner(Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("host-1", "Bob", 8443, "10.0.0.2")
			}
			entries <- testServiceEntry("host-2", "Carol", 8443, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewHostScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		hosts := scanner.ListHosts()
		return len(hosts) == 1 && hosts[0].HostID == "host-2"
	})

	if !waitForEvent(scanner.Events(), EventHostRemoved, "host-1", 2*time.Second) {
		t.Fatalf("expected removal event for host-1")
	}
}

func TestHostScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	scanner, err := NewHostScanner(Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("host-1", "Bob", 8443, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("NewHostScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if hosts := scanner.ListHosts(); len(hosts) != 1 || hosts[0].HostID != "host-1" {
		t.Fatalf("unexpected hosts after refresh: %+v", hosts)
	}
}

func TestDiscoveredHostAddressFallsBackToHostName(t *testing.T) {
	host := DiscoveredHost{HostName: "box.local.", Addresses: nil}
	if got := host.Address(); got != "box.local" {
		t.Fatalf("unexpected fallback address %q", got)
	}

	host.Addresses = []string{"fe80::1", "192.168.1.4"}
	if got := host.Address(); got != "192.168.1.4" {
		t.Fatalf("expected IPv4 preference, got %q", got)
	}
}

func testServiceEntry(hostID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text: []string{
			"host_id=" + hostID,
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, hostID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Host.HostID == hostID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

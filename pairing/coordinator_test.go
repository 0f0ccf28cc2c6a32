package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"termlink/crypto"
	"termlink/discovery"
	"termlink/models"
	"termlink/storage"
)

const testFingerprint = "AA:BB:CC:11:22:33:44:55:66:77:88:99:00:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC"

type memoryStore struct {
	mu      sync.Mutex
	devices []models.PairedDevice
	err     error
}

func (s *memoryStore) SaveDevice(device models.PairedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.devices = append(s.devices, device)
	return nil
}

type memoryEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *memoryEvents) RecordSecurityEvent(eventType, deviceID, severity string, details map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType+"/"+severity)
	return nil
}

type staticFinder struct {
	hosts []discovery.DiscoveredHost
	err   error
}

func (f staticFinder) Browse(context.Context) ([]discovery.DiscoveredHost, error) {
	return f.hosts, f.err
}

func staticProbe(fingerprint string, err error) ProbeFunc {
	return func(ctx context.Context, host string, port int, timeout time.Duration) (string, error) {
		return fingerprint, err
	}
}

func newTestCoordinator(store *memoryStore, events *memoryEvents, probe ProbeFunc) *Coordinator {
	return NewCoordinator(store, Options{
		Events: events,
		Probe:  probe,
		NewID:  func() string { return "device-1" },
		Now:    func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
}

func TestPairingSucceedsWithMatchingCode(t *testing.T) {
	store := &memoryStore{}
	events := &memoryEvents{}
	coordinator := newTestCoordinator(store, events, staticProbe(testFingerprint, nil))
	defer coordinator.Close()

	observation, err := coordinator.StartPairing(context.Background(), "192.168.1.20", 8443, "Workstation")
	if err != nil {
		t.Fatalf("StartPairing failed: %v", err)
	}
	if observation.Code.Code != "189196" {
		t.Fatalf("unexpected pairing code %q", observation.Code.Code)
	}
	state := coordinator.State()
	if state.Phase != PhaseFoundDevice || state.Name != "Workstation" || state.Code != "189196" {
		t.Fatalf("unexpected state after probe: %+v", state)
	}

	device, err := coordinator.VerifyPairingCode(" 189196 ", "Workstation", "192.168.1.20", 8443)
	if err != nil {
		t.Fatalf("VerifyPairingCode failed: %v", err)
	}

	if device.DeviceID != "device-1" || device.Host != "192.168.1.20" || device.Port != 8443 {
		t.Fatalf("unexpected device %+v", device)
	}
	if device.CertificateFingerprint != crypto.CanonicalFingerprint(testFingerprint) {
		t.Fatalf("fingerprint should be stored in canonical form, got %q", device.CertificateFingerprint)
	}
	if device.PairedTimestamp != 1_700_000_000_000 {
		t.Fatalf("unexpected paired timestamp %d", device.PairedTimestamp)
	}
	if len(store.devices) != 1 {
		t.Fatalf("expected device to be saved once, got %d", len(store.devices))
	}

	state = coordinator.State()
	if state.Phase != PhasePaired || state.Device == nil || state.Device.DeviceID != "device-1" {
		t.Fatalf("unexpected final state %+v", state)
	}
	if _, ok := coordinator.Pending(); ok {
		t.Fatalf("pending fingerprint must be cleared after pairing")
	}
	if len(events.events) != 1 || events.events[0] != storage.EventPairingSucceeded+"/"+storage.SecuritySeverityInfo {
		t.Fatalf("unexpected security events %v", events.events)
	}
}

func TestWrongCodeKeepsPendingFingerprint(t *testing.T) {
	store := &memoryStore{}
	events := &memoryEvents{}
	probes := 0
	coordinator := newTestCoordinator(store, events, func(ctx context.Context, host string, port int, timeout time.Duration) (string, error) {
		probes++
		return testFingerprint, nil
	})
	defer coordinator.Close()

	if _, err := coordinator.StartPairing(context.Background(), "host.local", 8443, "Box"); err != nil {
		t.Fatalf("StartPairing failed: %v", err)
	}

	_, err := coordinator.VerifyPairingCode("189195", "Box", "host.local", 8443)
	if !errors.Is(err, ErrInvalidPairingCode) {
		t.Fatalf("expected ErrInvalidPairingCode, got %v", err)
	}
	state := coordinator.State()
	if state.Phase != PhaseError || state.Message != "Invalid pairing code" {
		t.Fatalf("unexpected state after wrong code: %+v", state)
	}
	if _, ok := coordinator.Pending(); !ok {
		t.Fatalf("pending fingerprint must survive a wrong code")
	}
	if len(store.devices) != 0 {
		t.Fatalf("no device may be saved on a wrong code")
	}

	if _, err := coordinator.VerifyPairingCode("189196", "Box", "host.local", 8443); err != nil {
		t.Fatalf("retry with correct code failed: %v", err)
	}
	if probes != 1 {
		t.Fatalf("retry must not probe again, got %d probes", probes)
	}
	if len(events.events) != 2 || events.events[0] != storage.EventPairingCodeRejected+"/"+storage.SecuritySeverityWarning {
		t.Fatalf("unexpected security events %v", events.events)
	}
}

func TestVerifyRequiresPendingPairingForAddress(t *testing.T) {
	coordinator := newTestCoordinator(&memoryStore{}, nil, staticProbe(testFingerprint, nil))
	defer coordinator.Close()

	if _, err := coordinator.VerifyPairingCode("189196", "Box", "host.local", 8443); !errors.Is(err, ErrNoPendingPairing) {
		t.Fatalf("expected ErrNoPendingPairing without a probe, got %v", err)
	}

	if _, err := coordinator.StartPairing(context.Background(), "host.local", 8443, "Box"); err != nil {
		t.Fatalf("StartPairing failed: %v", err)
	}
	if _, err := coordinator.VerifyPairingCode("189196", "Box", "other.local", 8443); !errors.Is(err, ErrNoPendingPairing) {
		t.Fatalf("expected ErrNoPendingPairing for a different host, got %v", err)
	}
	if coordinator.State().Phase != PhaseFoundDevice {
		t.Fatalf("rejected verify must not change state, got %+v", coordinator.State())
	}
}

func TestStartPairingProbeFailure(t *testing.T) {
	probeErr := &ConnectionFailedError{Reason: "host did not answer within 10s"}
	coordinator := newTestCoordinator(&memoryStore{}, nil, staticProbe("", probeErr))
	defer coordinator.Close()

	_, err := coordinator.StartPairing(context.Background(), "host.local", 8443, "")
	var failed *ConnectionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ConnectionFailedError, got %v", err)
	}

	state := coordinator.State()
	if state.Phase != PhaseError || state.Message != probeErr.Error() {
		t.Fatalf("unexpected state after probe failure: %+v", state)
	}
	if state.Name != "host.local" {
		t.Fatalf("empty name should default to the host, got %q", state.Name)
	}
}

func TestCancelPairingClearsPendingFromAnyState(t *testing.T) {
	release := make(chan struct{})
	coordinator := newTestCoordinator(&memoryStore{}, nil, func(ctx context.Context, host string, port int, timeout time.Duration) (string, error) {
		<-release
		return testFingerprint, nil
	})
	defer coordinator.Close()

	done := make(chan error, 1)
	go func() {
		_, err := coordinator.StartPairing(context.Background(), "host.local", 8443, "Box")
		done <- err
	}()

	waitForPhase(t, coordinator, PhaseAwaitingFingerprint)
	coordinator.CancelPairing()
	close(release)

	if err := <-done; !errors.Is(err, ErrPairingCancelled) {
		t.Fatalf("expected ErrPairingCancelled, got %v", err)
	}
	if coordinator.State().Phase != PhaseIdle {
		t.Fatalf("expected idle after cancel, got %+v", coordinator.State())
	}
	if _, ok := coordinator.Pending(); ok {
		t.Fatalf("cancelled probe must not leave a pending fingerprint")
	}
}

func TestSaveFailureSurfacesError(t *testing.T) {
	store := &memoryStore{err: errors.New("disk full")}
	coordinator := newTestCoordinator(store, nil, staticProbe(testFingerprint, nil))
	defer coordinator.Close()

	if _, err := coordinator.StartPairing(context.Background(), "host.local", 8443, "Box"); err != nil {
		t.Fatalf("StartPairing failed: %v", err)
	}
	if _, err := coordinator.VerifyPairingCode("189196", "Box", "host.local", 8443); err == nil {
		t.Fatalf("expected save failure")
	}
	if coordinator.State().Phase != PhaseError {
		t.Fatalf("expected error state, got %+v", coordinator.State())
	}
}

func TestDiscoverReturnsToIdle(t *testing.T) {
	hosts := []discovery.DiscoveredHost{{HostID: "h1", Name: "Box", Port: 8443}}
	coordinator := NewCoordinator(&memoryStore{}, Options{Finder: staticFinder{hosts: hosts}})
	defer coordinator.Close()

	got, err := coordinator.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(got) != 1 || got[0].HostID != "h1" {
		t.Fatalf("unexpected hosts %+v", got)
	}
	if coordinator.State().Phase != PhaseIdle {
		t.Fatalf("expected idle after discovery, got %+v", coordinator.State())
	}
}

func TestDiscoverWithoutFinder(t *testing.T) {
	coordinator := NewCoordinator(&memoryStore{}, Options{})
	defer coordinator.Close()

	if _, err := coordinator.Discover(context.Background()); !errors.Is(err, ErrDiscoveryUnavailable) {
		t.Fatalf("expected ErrDiscoveryUnavailable, got %v", err)
	}
}

func waitForPhase(t *testing.T, coordinator *Coordinator, phase Phase) {
	t.Helper()

	states, cancel := coordinator.States()
	defer cancel()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case state := <-states:
			if state.Phase == phase {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for phase %s, current %+v", phase, coordinator.State())
		}
	}
}

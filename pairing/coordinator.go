// Package pairing binds a display name to a host certificate by trust on
// first use: the certificate fingerprint is observed over an unverified
// handshake and accepted only after the user confirms the 6-digit code the
// host displays.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"termlink/crypto"
	"termlink/discovery"
	"termlink/models"
	"termlink/storage"
	"termlink/watch"
)

// Phase is one step of the pairing state machine.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseDiscovering         Phase = "discovering"
	PhaseAwaitingFingerprint Phase = "awaiting_fingerprint"
	PhaseFoundDevice         Phase = "found_device"
	PhaseVerifying           Phase = "verifying"
	PhasePaired              Phase = "paired"
	PhaseError               Phase = "error"
)

// State is the observable coordinator state. Fields other than Phase are set
// only in the phases that use them.
type State struct {
	Phase   Phase
	Name    string
	Host    string
	Port    int
	Code    string
	Device  *models.PairedDevice
	Message string
}

// Observation is the result of a fingerprint probe.
type Observation struct {
	Name        string
	Host        string
	Port        int
	Fingerprint string
	Code        models.PairingCode
}

// DeviceStore persists verified devices.
type DeviceStore interface {
	SaveDevice(device models.PairedDevice) error
}

// EventRecorder records security relevant pairing outcomes.
type EventRecorder interface {
	RecordSecurityEvent(eventType, deviceID, severity string, details map[string]any) error
}

// HostFinder enumerates candidate hosts on the local network.
type HostFinder interface {
	Browse(ctx context.Context) ([]discovery.DiscoveredHost, error)
}

// ProbeFunc observes the certificate fingerprint of host:port.
type ProbeFunc func(ctx context.Context, host string, port int, timeout time.Duration) (string, error)

// Options controls Coordinator behavior.
type Options struct {
	ProbeTimeout time.Duration
	Events       EventRecorder
	Finder       HostFinder
	Probe        ProbeFunc
	NewID        func() string
	Now          func() time.Time
}

// Coordinator runs the pairing state machine for one client.
type Coordinator struct {
	store        DeviceStore
	events       EventRecorder
	finder       HostFinder
	probe        ProbeFunc
	probeTimeout time.Duration
	newID        func() string
	now          func() time.Time

	state *watch.Value[State]

	mu      sync.Mutex
	gen     uint64
	pending *Observation
}

// NewCoordinator returns an idle coordinator saving devices into store.
func NewCoordinator(store DeviceStore, options Options) *Coordinator {
	probe := options.Probe
	if probe == nil {
		probe = ObserveFingerprint
	}
	timeout := options.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	newID := options.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		store:        store,
		events:       options.Events,
		finder:       options.Finder,
		probe:        probe,
		probeTimeout: timeout,
		newID:        newID,
		now:          now,
		state:        watch.New(State{Phase: PhaseIdle}),
	}
}

// State returns the current pairing state.
func (c *Coordinator) State() State {
	return c.state.Get()
}

// States subscribes to pairing state changes.
func (c *Coordinator) States() (<-chan State, func()) {
	return c.state.Subscribe()
}

// Pending returns the fingerprint observation awaiting a code, if any.
func (c *Coordinator) Pending() (Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Observation{}, false
	}
	return *c.pending, true
}

// Close releases state subscribers.
func (c *Coordinator) Close() {
	c.state.Close()
}

// Discover lists candidate hosts. Results carry no trust and only help the
// caller choose an address for StartPairing.
func (c *Coordinator) Discover(ctx context.Context) ([]discovery.DiscoveredHost, error) {
	if c.finder == nil {
		return nil, ErrDiscoveryUnavailable
	}

	c.mu.Lock()
	switch c.state.Get().Phase {
	case PhaseIdle, PhasePaired, PhaseError:
	default:
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.gen++
	gen := c.gen
	c.pending = nil
	c.state.Set(State{Phase: PhaseDiscovering})
	c.mu.Unlock()

	hosts, err := c.finder.Browse(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return nil, ErrPairingCancelled
	}
	if err != nil {
		c.state.Set(State{Phase: PhaseError, Message: fmt.Sprintf("Discovery failed: %v", err)})
		return nil, fmt.Errorf("discover hosts: %w", err)
	}
	c.state.Set(State{Phase: PhaseIdle})
	return hosts, nil
}

// StartPairing probes host:port for its certificate fingerprint and holds it
// as the pending pairing. Any earlier pending pairing is dropped.
func (c *Coordinator) StartPairing(ctx context.Context, host string, port int, name string) (Observation, error) {
	host = strings.TrimSpace(host)
	name = strings.TrimSpace(name)
	if name == "" {
		name = host
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.pending = nil
	c.state.Set(State{Phase: PhaseAwaitingFingerprint, Name: name, Host: host, Port: port})
	c.mu.Unlock()

	fingerprint, err := c.probe(ctx, host, port, c.probeTimeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return Observation{}, ErrPairingCancelled
	}
	if err != nil {
		c.state.Set(State{Phase: PhaseError, Name: name, Host: host, Port: port, Message: err.Error()})
		log.Printf("Pairing probe of %s:%d failed: %v", host, port, err)
		return Observation{}, err
	}

	observation := Observation{
		Name:        name,
		Host:        host,
		Port:        port,
		Fingerprint: fingerprint,
		Code:        crypto.NewPairingCode(fingerprint),
	}
	c.pending = &observation
	c.state.Set(State{
		Phase: PhaseFoundDevice,
		Name:  name,
		Host:  host,
		Port:  port,
		Code:  observation.Code.Code,
	})
	return observation, nil
}

// VerifyPairingCode checks the code the user read off the host against the
// pending fingerprint for host:port. On success the device is saved and
// returned. On a wrong code the pending fingerprint is kept so the user can
// try again without another probe.
func (c *Coordinator) VerifyPairingCode(code, name, host string, port int) (models.PairedDevice, error) {
	host = strings.TrimSpace(host)
	name = strings.TrimSpace(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.pending
	if pending == nil || pending.Host != host || pending.Port != port {
		return models.PairedDevice{}, ErrNoPendingPairing
	}
	if name == "" {
		name = pending.Name
	}

	c.state.Set(State{Phase: PhaseVerifying, Name: name, Host: host, Port: port})

	expected := crypto.DerivePairingCode(pending.Fingerprint)
	if !crypto.VerifyPairingCode(expected, code) {
		c.state.Set(State{Phase: PhaseError, Name: name, Host: host, Port: port, Message: "Invalid pairing code"})
		c.recordEvent(storage.EventPairingCodeRejected, "", storage.SecuritySeverityWarning, map[string]any{
			"host": host,
			"port": port,
		})
		return models.PairedDevice{}, ErrInvalidPairingCode
	}

	device := models.PairedDevice{
		DeviceID:               c.newID(),
		DeviceName:             name,
		Host:                   host,
		Port:                   port,
		CertificateFingerprint: crypto.CanonicalFingerprint(pending.Fingerprint),
		PairedTimestamp:        c.now().UnixMilli(),
	}
	if err := c.store.SaveDevice(device); err != nil {
		c.state.Set(State{Phase: PhaseError, Name: name, Host: host, Port: port, Message: fmt.Sprintf("Failed to save device: %v", err)})
		return models.PairedDevice{}, fmt.Errorf("save paired device: %w", err)
	}

	c.pending = nil
	c.state.Set(State{Phase: PhasePaired, Name: name, Host: host, Port: port, Device: &device})
	c.recordEvent(storage.EventPairingSucceeded, device.DeviceID, storage.SecuritySeverityInfo, map[string]any{
		"host":        host,
		"port":        port,
		"fingerprint": device.CertificateFingerprint,
	})
	log.Printf("Paired with %s (%s)", device.DeviceName, device.Address())
	return device, nil
}

// CancelPairing drops any pending fingerprint and returns to idle. An
// in-flight probe or discovery finishes with ErrPairingCancelled.
func (c *Coordinator) CancelPairing() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.pending = nil
	c.state.Set(State{Phase: PhaseIdle})
}

func (c *Coordinator) recordEvent(eventType, deviceID, severity string, details map[string]any) {
	if c.events == nil {
		return
	}
	if err := c.events.RecordSecurityEvent(eventType, deviceID, severity, details); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Failed to record %s event: %v", eventType, err)
	}
}
